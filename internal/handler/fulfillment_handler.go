package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/certsouq/certsouq-api/internal/service"
	"github.com/certsouq/certsouq-api/pkg/response"
)

// FulfillmentHandler triggers delivery passes over paid orders.
type FulfillmentHandler struct {
	fulfillment *service.FulfillmentService
	dispatcher  *service.DeliveryDispatcher
}

// NewFulfillmentHandler constructs FulfillmentHandler.
func NewFulfillmentHandler(fulfillment *service.FulfillmentService, dispatcher *service.DeliveryDispatcher) *FulfillmentHandler {
	return &FulfillmentHandler{fulfillment: fulfillment, dispatcher: dispatcher}
}

// Fulfill godoc
// @Summary Run a fulfillment pass
// @Description Assign and email vouchers to every pending or failed recipient of a DIRECT_TO_STUDENTS order. Safe to re-run: delivered recipients are untouched and failed ones resend their bound voucher.
// @Tags Fulfillment
// @Produce json
// @Param id path string true "Order ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /admin/orders/{id}/fulfill [post]
func (h *FulfillmentHandler) Fulfill(c *gin.Context) {
	summary, err := h.fulfillment.Fulfill(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// DeliverBulk godoc
// @Summary Queue a bulk delivery
// @Description Queue delivery of every code of a BULK_TO_CONTACT order in a single email to the order's contact
// @Tags Fulfillment
// @Produce json
// @Param id path string true "Order ID"
// @Success 202 {object} response.Envelope
// @Router /admin/orders/{id}/deliver-bulk [post]
func (h *FulfillmentHandler) DeliverBulk(c *gin.Context) {
	if err := h.dispatcher.EnqueueBulkDelivery(c.Param("id"), actorFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, gin.H{"queued": true}, nil)
}

// DeliverBulkNow godoc
// @Summary Run a bulk delivery synchronously
// @Description Deliver a BULK_TO_CONTACT order inline and return the outcome
// @Tags Fulfillment
// @Produce json
// @Param id path string true "Order ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /admin/orders/{id}/deliver-bulk/run [post]
func (h *FulfillmentHandler) DeliverBulkNow(c *gin.Context) {
	summary, err := h.fulfillment.DeliverBulk(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}
