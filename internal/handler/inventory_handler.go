package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/certsouq/certsouq-api/internal/models"
	"github.com/certsouq/certsouq-api/internal/service"
	appErrors "github.com/certsouq/certsouq-api/pkg/errors"
	"github.com/certsouq/certsouq-api/pkg/response"
)

// InventoryHandler exposes voucher stock management endpoints.
type InventoryHandler struct {
	inventory *service.InventoryService
}

// NewInventoryHandler constructs InventoryHandler.
func NewInventoryHandler(inventory *service.InventoryService) *InventoryHandler {
	return &InventoryHandler{inventory: inventory}
}

func voucherFilterFromQuery(c *gin.Context) models.VoucherFilter {
	var filter models.VoucherFilter
	filter.CertificateID = c.Query("certificateId")
	filter.BatchID = c.Query("batchId")
	filter.OrderID = c.Query("orderId")
	filter.Status = models.VoucherStatus(strings.ToUpper(c.Query("status")))
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

// Import godoc
// @Summary Import voucher batch
// @Description Import a batch of voucher codes; duplicates reject the whole batch
// @Tags Inventory
// @Accept json
// @Produce json
// @Param payload body service.ImportBatchRequest true "Import payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /admin/vouchers/import [post]
func (h *InventoryHandler) Import(c *gin.Context) {
	var req service.ImportBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.inventory.ImportBatch(c.Request.Context(), req, actorFromContext(c))
	if err != nil {
		if result != nil && len(result.Duplicate) > 0 {
			response.JSON(c, http.StatusConflict, result, nil)
			return
		}
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// ImportCSV godoc
// @Summary Import voucher batch from CSV
// @Description Upload a single-column CSV of voucher codes with batch metadata
// @Tags Inventory
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Codes CSV"
// @Param certificate_id formData string true "Certificate ID"
// @Param source formData string true "Supplier"
// @Param unit_cost formData int true "Unit cost in halalas"
// @Param purchased_at formData string true "Purchase date (RFC3339)"
// @Param expires_at formData string true "Expiry date (RFC3339)"
// @Success 201 {object} response.Envelope
// @Router /admin/vouchers/import-csv [post]
func (h *InventoryHandler) ImportCSV(c *gin.Context) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "codes file is required"))
		return
	}
	defer file.Close()

	codes, err := service.ParseCodesCSV(file)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "could not parse codes csv"))
		return
	}

	purchasedAt, err := time.Parse(time.RFC3339, c.PostForm("purchased_at"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "purchased_at must be RFC3339"))
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, c.PostForm("expires_at"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "expires_at must be RFC3339"))
		return
	}
	unitCost, _ := strconv.ParseInt(c.PostForm("unit_cost"), 10, 64)

	req := service.ImportBatchRequest{
		CertificateID: c.PostForm("certificate_id"),
		Source:        c.PostForm("source"),
		ExternalRef:   c.PostForm("external_ref"),
		UnitCost:      unitCost,
		PurchasedAt:   purchasedAt,
		ExpiresAt:     expiresAt,
		Codes:         codes,
	}
	result, err := h.inventory.ImportBatch(c.Request.Context(), req, actorFromContext(c))
	if err != nil {
		if result != nil && len(result.Duplicate) > 0 {
			response.JSON(c, http.StatusConflict, result, nil)
			return
		}
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// List godoc
// @Summary List vouchers
// @Tags Inventory
// @Produce json
// @Param certificateId query string false "Filter by certificate"
// @Param batchId query string false "Filter by batch"
// @Param orderId query string false "Filter by order"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /admin/vouchers [get]
func (h *InventoryHandler) List(c *gin.Context) {
	vouchers, pagination, err := h.inventory.List(c.Request.Context(), voucherFilterFromQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, vouchers, pagination)
}

// Get godoc
// @Summary Voucher detail with history
// @Tags Inventory
// @Produce json
// @Param id path string true "Voucher ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/vouchers/{id} [get]
func (h *InventoryHandler) Get(c *gin.Context) {
	voucher, history, err := h.inventory.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"voucher": voucher, "history": history}, nil)
}

// Export godoc
// @Summary Export vouchers as CSV
// @Tags Inventory
// @Produce text/csv
// @Param certificateId query string false "Filter by certificate"
// @Param status query string false "Filter by status"
// @Success 200 {string} string "CSV payload"
// @Router /admin/vouchers/export [get]
func (h *InventoryHandler) Export(c *gin.Context) {
	data, err := h.inventory.ExportCSV(c.Request.Context(), voucherFilterFromQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	filename := "vouchers-" + time.Now().UTC().Format("20060102-150405") + ".csv"
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, "text/csv", data)
}

// ExpireSweep godoc
// @Summary Retire overdue vouchers
// @Description Mark every available or reserved voucher past its expiry as EXPIRED
// @Tags Inventory
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/vouchers/expire-sweep [post]
func (h *InventoryHandler) ExpireSweep(c *gin.Context) {
	count, err := h.inventory.ExpireOverdue(c.Request.Context(), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"expired": count}, nil)
}

// ListBatches godoc
// @Summary List voucher batches
// @Tags Inventory
// @Produce json
// @Param certificateId query string false "Filter by certificate"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /admin/batches [get]
func (h *InventoryHandler) ListBatches(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	batches, pagination, err := h.inventory.ListBatches(c.Request.Context(), c.Query("certificateId"), page, size)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, batches, pagination)
}

// GetBatch godoc
// @Summary Batch detail
// @Description Batch ledger row with counters refreshed
// @Tags Inventory
// @Produce json
// @Param id path string true "Batch ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/batches/{id} [get]
func (h *InventoryHandler) GetBatch(c *gin.Context) {
	batch, err := h.inventory.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, batch, nil)
}
