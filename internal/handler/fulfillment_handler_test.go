package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certsouq/certsouq-api/internal/models"
	"github.com/certsouq/certsouq-api/internal/service"
	"github.com/certsouq/certsouq-api/pkg/jobs"
	"github.com/certsouq/certsouq-api/pkg/mailer"
)

type fakeFulfillmentOrders struct {
	detail     *models.OrderDetail
	recipients []models.OrderRecipient
}

func (f *fakeFulfillmentOrders) FindDetailByID(_ context.Context, id string) (*models.OrderDetail, error) {
	if f.detail == nil || f.detail.ID != id {
		return nil, sql.ErrNoRows
	}
	return f.detail, nil
}

func (f *fakeFulfillmentOrders) ListRecipients(_ context.Context, orderID string) ([]models.OrderRecipient, error) {
	var out []models.OrderRecipient
	for _, rec := range f.recipients {
		if rec.OrderID == orderID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeFulfillmentOrders) UpdateRecipient(_ context.Context, orderID, email string, voucherID *string, status models.RecipientDeliveryStatus, deliveredAt *time.Time, lastError *string) error {
	for i := range f.recipients {
		if f.recipients[i].OrderID == orderID && f.recipients[i].Email == email {
			f.recipients[i].VoucherID = voucherID
			f.recipients[i].DeliveryStatus = status
			f.recipients[i].DeliveredAt = deliveredAt
			f.recipients[i].LastError = lastError
		}
	}
	return nil
}

func (f *fakeFulfillmentOrders) UpdateFulfillment(_ context.Context, id string, status models.FulfillmentStatus, fulfilledAt *time.Time) error {
	if f.detail != nil && f.detail.ID == id {
		f.detail.FulfillmentStatus = status
		f.detail.FulfilledAt = fulfilledAt
	}
	return nil
}

type fakeFulfillmentVouchers struct {
	vouchers map[string]*models.Voucher
}

func (f *fakeFulfillmentVouchers) FindByID(_ context.Context, id string) (*models.Voucher, error) {
	v, ok := f.vouchers[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return v, nil
}

func (f *fakeFulfillmentVouchers) List(_ context.Context, filter models.VoucherFilter) ([]models.Voucher, int, error) {
	var out []models.Voucher
	for _, v := range f.vouchers {
		if filter.OrderID != "" && (v.OrderID == nil || *v.OrderID != filter.OrderID) {
			continue
		}
		if filter.Status != "" && v.Status != filter.Status {
			continue
		}
		out = append(out, *v)
	}
	return out, len(out), nil
}

func (f *fakeFulfillmentVouchers) CountAvailable(_ context.Context, certificateID string, now time.Time) (int, error) {
	count := 0
	for _, v := range f.vouchers {
		if v.CertificateID == certificateID && v.Status == models.VoucherStatusAvailable && v.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (f *fakeFulfillmentVouchers) ListAvailable(_ context.Context, certificateID string, now time.Time, limit int) ([]models.Voucher, error) {
	var out []models.Voucher
	for _, v := range f.vouchers {
		if v.CertificateID == certificateID && v.Status == models.VoucherStatusAvailable && v.ExpiresAt.After(now) {
			out = append(out, *v)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeFulfillmentVouchers) AssignAvailable(_ context.Context, id string, a models.VoucherAssignment, now time.Time) (bool, error) {
	v, ok := f.vouchers[id]
	if !ok || v.Status != models.VoucherStatusAvailable {
		return false, nil
	}
	v.Status = models.VoucherStatusAssigned
	v.OrderID = &a.OrderID
	v.RecipientName = &a.RecipientName
	v.RecipientEmail = &a.RecipientEmail
	v.AssignedAt = &now
	return true, nil
}

func (f *fakeFulfillmentVouchers) MarkDelivered(_ context.Context, id string, _ time.Time) (bool, error) {
	v, ok := f.vouchers[id]
	if !ok || v.Status != models.VoucherStatusAssigned {
		return false, nil
	}
	v.Status = models.VoucherStatusDelivered
	return true, nil
}

func (f *fakeFulfillmentVouchers) RecordDeliveryError(context.Context, string, string, time.Time) error {
	return nil
}

func (f *fakeFulfillmentVouchers) AppendHistory(context.Context, *models.VoucherHistoryEntry) error {
	return nil
}

type fakeFulfillmentBatches struct{}

func (fakeFulfillmentBatches) BatchIDsForOrder(context.Context, string) ([]string, error) {
	return nil, nil
}
func (fakeFulfillmentBatches) RefreshCounters(context.Context, string) error { return nil }

type fakeRecipientMirror struct{}

func (fakeRecipientMirror) Upsert(context.Context, *models.VoucherRecipient) error { return nil }

type recordingSender struct {
	mu   sync.Mutex
	sent []mailer.Message
}

func (s *recordingSender) Send(_ context.Context, msg mailer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func fulfillmentFixture(paid bool) (*fakeFulfillmentOrders, *fakeFulfillmentVouchers, *recordingSender) {
	now := time.Now().UTC()
	detail := &models.OrderDetail{
		Order: models.Order{
			ID:                "order-1",
			Number:            "ORD-2026-000007",
			CustomerName:      "Lama Al-Harbi",
			CustomerEmail:     "lama@example.sa",
			CertificateID:     "cert-1",
			Quantity:          1,
			Status:            models.OrderStatusPending,
			FulfillmentStatus: models.FulfillmentUnfulfilled,
			DeliveryMethod:    models.DeliveryDirectToStudents,
		},
		CertificateNameEN: "Security+",
		CertificateNameAR: "سيكيوريتي بلس",
		CertificateCode:   "SY0-701",
	}
	if paid {
		detail.Status = models.OrderStatusPaid
		detail.PaidAt = &now
	}
	orders := &fakeFulfillmentOrders{
		detail: detail,
		recipients: []models.OrderRecipient{
			{OrderID: "order-1", Position: 1, Name: "Lama Al-Harbi", Email: "lama@example.sa", DeliveryStatus: models.RecipientPending},
		},
	}
	vouchers := &fakeFulfillmentVouchers{vouchers: map[string]*models.Voucher{
		"v1": {ID: "v1", Code: "CODE-v1", CertificateID: "cert-1", Status: models.VoucherStatusAvailable, ExpiresAt: now.Add(90 * 24 * time.Hour)},
	}}
	return orders, vouchers, &recordingSender{}
}

func newFulfillmentHandler(orders *fakeFulfillmentOrders, vouchers *fakeFulfillmentVouchers, sender mailer.Sender) (*FulfillmentHandler, *service.DeliveryDispatcher) {
	svc := service.NewFulfillmentService(orders, vouchers, fakeFulfillmentBatches{}, fakeRecipientMirror{}, sender, nil, nil)
	dispatcher := service.NewDeliveryDispatcher(svc, jobs.QueueConfig{Workers: 1, BufferSize: 4}, nil)
	return NewFulfillmentHandler(svc, dispatcher), dispatcher
}

func TestFulfillmentHandlerFulfillReturnsSummary(t *testing.T) {
	gin.SetMode(gin.TestMode)
	orders, vouchers, sender := fulfillmentFixture(true)
	handler, _ := newFulfillmentHandler(orders, vouchers, sender)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/admin/orders/order-1/fulfill", nil)
	c.Params = gin.Params{{Key: "id", Value: "order-1"}}

	handler.Fulfill(c)

	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data models.FulfillmentSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, models.FulfillmentDelivered, envelope.Data.FulfillmentStatus)
	assert.Equal(t, 1, envelope.Data.SentCount)
	assert.Equal(t, 0, envelope.Data.FailedCount)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "lama@example.sa", sender.sent[0].ToEmail)
}

func TestFulfillmentHandlerFulfillUnpaidOrderFails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	orders, vouchers, sender := fulfillmentFixture(false)
	handler, _ := newFulfillmentHandler(orders, vouchers, sender)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/admin/orders/order-1/fulfill", nil)
	c.Params = gin.Params{{Key: "id", Value: "order-1"}}

	handler.Fulfill(c)

	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Empty(t, sender.sent)
}

func TestFulfillmentHandlerDeliverBulkQueues(t *testing.T) {
	gin.SetMode(gin.TestMode)
	orders, vouchers, sender := fulfillmentFixture(true)
	orders.detail.DeliveryMethod = models.DeliveryBulkToContact
	orders.recipients = nil
	handler, dispatcher := newFulfillmentHandler(orders, vouchers, sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/admin/orders/order-1/deliver-bulk", nil)
	c.Params = gin.Params{{Key: "id", Value: "order-1"}}

	handler.DeliverBulk(c)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}
