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
	"github.com/certsouq/certsouq-api/pkg/storage"
)

// OrderHandler exposes order endpoints: creation, payment confirmation
// and invoice downloads.
type OrderHandler struct {
	orders *service.OrderService
	files  *storage.LocalStorage
	signer *storage.SignedURLSigner
}

// NewOrderHandler constructs OrderHandler.
func NewOrderHandler(orders *service.OrderService, files *storage.LocalStorage, signer *storage.SignedURLSigner) *OrderHandler {
	return &OrderHandler{orders: orders, files: files, signer: signer}
}

// Create godoc
// @Summary Create order
// @Description Place a voucher order; DIRECT_TO_STUDENTS orders carry one recipient per voucher
// @Tags Orders
// @Accept json
// @Produce json
// @Param payload body service.CreateOrderRequest true "Order payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /orders [post]
func (h *OrderHandler) Create(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if claims := claimsFromContext(c); claims != nil && claims.Role == models.RoleInstitution && claims.InstitutionID != nil {
		req.InstitutionID = *claims.InstitutionID
	}
	order, err := h.orders.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, order)
}

// CreateWithRoster godoc
// @Summary Create order with CSV roster
// @Description Place a DIRECT_TO_STUDENTS order with the recipient list uploaded as CSV
// @Tags Orders
// @Accept multipart/form-data
// @Produce json
// @Param roster formData file true "Recipients CSV (name,email[,student_ref])"
// @Param certificate_id formData string true "Certificate ID"
// @Param customer_name formData string true "Customer name"
// @Param customer_email formData string true "Customer email"
// @Success 201 {object} response.Envelope
// @Router /orders/roster [post]
func (h *OrderHandler) CreateWithRoster(c *gin.Context) {
	file, _, err := c.Request.FormFile("roster")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "roster file is required"))
		return
	}
	defer file.Close()

	recipients, err := service.ParseRecipientsCSV(file)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "could not parse roster csv"))
		return
	}

	req := service.CreateOrderRequest{
		CustomerName:   c.PostForm("customer_name"),
		CustomerEmail:  c.PostForm("customer_email"),
		CertificateID:  c.PostForm("certificate_id"),
		Quantity:       len(recipients),
		DeliveryMethod: models.DeliveryDirectToStudents,
		Recipients:     recipients,
	}
	if claims := claimsFromContext(c); claims != nil && claims.Role == models.RoleInstitution && claims.InstitutionID != nil {
		req.InstitutionID = *claims.InstitutionID
	}
	order, err := h.orders.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, order)
}

// List godoc
// @Summary List orders
// @Tags Orders
// @Produce json
// @Param status query string false "Filter by order status"
// @Param fulfillment query string false "Filter by fulfillment status"
// @Param method query string false "Filter by delivery method"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /admin/orders [get]
func (h *OrderHandler) List(c *gin.Context) {
	var filter models.OrderFilter
	filter.Status = models.OrderStatus(strings.ToUpper(c.Query("status")))
	filter.FulfillmentStatus = models.FulfillmentStatus(strings.ToUpper(c.Query("fulfillment")))
	filter.DeliveryMethod = models.DeliveryMethod(strings.ToUpper(c.Query("method")))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")
	if claims := claimsFromContext(c); claims != nil && claims.Role == models.RoleInstitution && claims.InstitutionID != nil {
		filter.InstitutionID = *claims.InstitutionID
	}

	orders, pagination, err := h.orders.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, orders, pagination)
}

// Get godoc
// @Summary Order detail
// @Tags Orders
// @Produce json
// @Param id path string true "Order ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/orders/{id} [get]
func (h *OrderHandler) Get(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.authorizeOrderAccess(c, order); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, order, nil)
}

// Recipients godoc
// @Summary Order recipient list
// @Tags Orders
// @Produce json
// @Param id path string true "Order ID"
// @Success 200 {object} response.Envelope
// @Router /admin/orders/{id}/recipients [get]
func (h *OrderHandler) Recipients(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.authorizeOrderAccess(c, order); err != nil {
		response.Error(c, err)
		return
	}
	recipients, err := h.orders.Recipients(c.Request.Context(), order.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, recipients, nil)
}

// MarkPaid godoc
// @Summary Confirm order payment
// @Description Move a PENDING order to PAID and write its tax invoice
// @Tags Orders
// @Produce json
// @Param id path string true "Order ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /admin/orders/{id}/mark-paid [post]
func (h *OrderHandler) MarkPaid(c *gin.Context) {
	order, err := h.orders.MarkPaid(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, order, nil)
}

// InvoiceLink godoc
// @Summary Signed invoice download link
// @Tags Orders
// @Produce json
// @Param id path string true "Order ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/orders/{id}/invoice [get]
func (h *OrderHandler) InvoiceLink(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.authorizeOrderAccess(c, order); err != nil {
		response.Error(c, err)
		return
	}
	if order.PaidAt == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrPreconditionFailed, "order has no invoice yet"))
		return
	}
	token, expiresAt, err := h.signer.Generate(order.ID, service.InvoiceFilename(order.Number))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link"))
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"url":        "/api/v1/files/" + token,
		"expires_at": expiresAt,
	}, nil)
}

// DownloadFile godoc
// @Summary Download a signed document
// @Tags Orders
// @Produce application/pdf
// @Param token path string true "Signed download token"
// @Success 200 {file} file "Document"
// @Failure 401 {object} response.Envelope
// @Router /files/{token} [get]
func (h *OrderHandler) DownloadFile(c *gin.Context) {
	_, relPath, _, err := h.signer.Parse(c.Param("token"), false)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired download link"))
		return
	}
	file, err := h.files.Open(relPath)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "document not found"))
		return
	}
	defer file.Close()
	c.Header("Content-Disposition", "attachment; filename="+relPath[strings.LastIndex(relPath, "/")+1:])
	c.File(h.files.Path(relPath))
}

// authorizeOrderAccess limits institution users to their own orders.
func (h *OrderHandler) authorizeOrderAccess(c *gin.Context, order *models.OrderDetail) error {
	claims := claimsFromContext(c)
	if claims == nil || claims.Role != models.RoleInstitution {
		return nil
	}
	if claims.InstitutionID != nil && order.InstitutionID != nil && *claims.InstitutionID == *order.InstitutionID {
		return nil
	}
	return appErrors.Clone(appErrors.ErrForbidden, "order belongs to another institution")
}
