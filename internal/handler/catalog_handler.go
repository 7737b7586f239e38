package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/certsouq/certsouq-api/internal/models"
	"github.com/certsouq/certsouq-api/internal/service"
	appErrors "github.com/certsouq/certsouq-api/pkg/errors"
	"github.com/certsouq/certsouq-api/pkg/response"
)

// CatalogHandler exposes the storefront catalog and its back-office CRUD.
type CatalogHandler struct {
	catalog *service.CatalogService
}

// NewCatalogHandler constructs CatalogHandler.
func NewCatalogHandler(catalog *service.CatalogService) *CatalogHandler {
	return &CatalogHandler{catalog: catalog}
}

func certificateFilterFromQuery(c *gin.Context) models.CertificateFilter {
	var filter models.CertificateFilter
	filter.Category = models.CertificateCategory(strings.ToUpper(c.Query("category")))
	filter.Search = c.Query("search")
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")
	return filter
}

// Storefront godoc
// @Summary Storefront catalog
// @Description List active certificates with stock availability
// @Tags Catalog
// @Produce json
// @Param category query string false "Filter by category"
// @Param search query string false "Search in code and names"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /catalog [get]
func (h *CatalogHandler) Storefront(c *gin.Context) {
	items, pagination, err := h.catalog.Storefront(c.Request.Context(), certificateFilterFromQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Get godoc
// @Summary Certificate detail
// @Tags Catalog
// @Produce json
// @Param id path string true "Certificate ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /catalog/{id} [get]
func (h *CatalogHandler) Get(c *gin.Context) {
	cert, err := h.catalog.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cert, nil)
}

// List godoc
// @Summary List certificates
// @Description Back-office certificate list, active or not
// @Tags Catalog
// @Produce json
// @Param category query string false "Filter by category"
// @Param active query bool false "Filter by active flag"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /admin/certificates [get]
func (h *CatalogHandler) List(c *gin.Context) {
	filter := certificateFilterFromQuery(c)
	if raw := c.Query("active"); raw != "" {
		if active, err := strconv.ParseBool(raw); err == nil {
			filter.Active = &active
		}
	}
	certs, pagination, err := h.catalog.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, certs, pagination)
}

// Create godoc
// @Summary Create certificate
// @Tags Catalog
// @Accept json
// @Produce json
// @Param payload body service.CertificateRequest true "Certificate payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /admin/certificates [post]
func (h *CatalogHandler) Create(c *gin.Context) {
	var req service.CertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	cert, err := h.catalog.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, cert)
}

// Update godoc
// @Summary Update certificate
// @Tags Catalog
// @Accept json
// @Produce json
// @Param id path string true "Certificate ID"
// @Param payload body service.CertificateRequest true "Certificate payload"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/certificates/{id} [put]
func (h *CatalogHandler) Update(c *gin.Context) {
	var req service.CertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	cert, err := h.catalog.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cert, nil)
}

// Deactivate godoc
// @Summary Deactivate certificate
// @Description Hide a certificate from the storefront
// @Tags Catalog
// @Produce json
// @Param id path string true "Certificate ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/certificates/{id} [delete]
func (h *CatalogHandler) Deactivate(c *gin.Context) {
	if err := h.catalog.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
