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

// InstitutionHandler exposes institutional buyer registration and review.
type InstitutionHandler struct {
	institutions *service.InstitutionService
}

// NewInstitutionHandler constructs InstitutionHandler.
func NewInstitutionHandler(institutions *service.InstitutionService) *InstitutionHandler {
	return &InstitutionHandler{institutions: institutions}
}

// Register godoc
// @Summary Register institution
// @Description Public registration for institutional buyers; filed as PENDING for admin review
// @Tags Institutions
// @Accept json
// @Produce json
// @Param payload body service.RegisterInstitutionRequest true "Registration payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /institutions/register [post]
func (h *InstitutionHandler) Register(c *gin.Context) {
	var req service.RegisterInstitutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	inst, err := h.institutions.Register(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, inst)
}

// List godoc
// @Summary List institutions
// @Tags Institutions
// @Produce json
// @Param status query string false "Filter by review status"
// @Param search query string false "Search in names and CR number"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /admin/institutions [get]
func (h *InstitutionHandler) List(c *gin.Context) {
	var filter models.InstitutionFilter
	filter.Status = models.InstitutionStatus(strings.ToUpper(c.Query("status")))
	filter.Search = c.Query("search")
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	institutions, pagination, err := h.institutions.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, institutions, pagination)
}

// Get godoc
// @Summary Institution detail
// @Tags Institutions
// @Produce json
// @Param id path string true "Institution ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/institutions/{id} [get]
func (h *InstitutionHandler) Get(c *gin.Context) {
	inst, err := h.institutions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, inst, nil)
}

// Review godoc
// @Summary Review institution registration
// @Description Approve or reject a PENDING institution; approval provisions the contact's login
// @Tags Institutions
// @Accept json
// @Produce json
// @Param id path string true "Institution ID"
// @Param payload body service.ReviewInstitutionRequest true "Review decision"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /admin/institutions/{id}/review [post]
func (h *InstitutionHandler) Review(c *gin.Context) {
	var req service.ReviewInstitutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	inst, err := h.institutions.Review(c.Request.Context(), c.Param("id"), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, inst, nil)
}
