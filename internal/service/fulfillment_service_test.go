package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/certsouq/certsouq-api/internal/models"
	appErrors "github.com/certsouq/certsouq-api/pkg/errors"
	"github.com/certsouq/certsouq-api/pkg/mailer"
)

type fakeFulfillOrders struct {
	detail      *models.OrderDetail
	recipients  []models.OrderRecipient
	finalStatus models.FulfillmentStatus
}

func (f *fakeFulfillOrders) FindDetailByID(ctx context.Context, id string) (*models.OrderDetail, error) {
	if f.detail == nil || f.detail.ID != id {
		return nil, sql.ErrNoRows
	}
	return f.detail, nil
}

func (f *fakeFulfillOrders) ListRecipients(ctx context.Context, orderID string) ([]models.OrderRecipient, error) {
	return f.recipients, nil
}

func (f *fakeFulfillOrders) UpdateRecipient(ctx context.Context, orderID, email string, voucherID *string, status models.RecipientDeliveryStatus, deliveredAt *time.Time, lastError *string) error {
	for i := range f.recipients {
		if f.recipients[i].Email == email {
			f.recipients[i].VoucherID = voucherID
			f.recipients[i].DeliveryStatus = status
			f.recipients[i].DeliveredAt = deliveredAt
			f.recipients[i].LastError = lastError
		}
	}
	return nil
}

func (f *fakeFulfillOrders) UpdateFulfillment(ctx context.Context, id string, status models.FulfillmentStatus, fulfilledAt *time.Time) error {
	f.finalStatus = status
	return nil
}

type fakeFulfillVouchers struct {
	vouchers   map[string]*models.Voucher
	history    []models.VoucherHistoryEntry
	stealFirst bool
	stolen     bool
}

func (f *fakeFulfillVouchers) FindByID(ctx context.Context, id string) (*models.Voucher, error) {
	v, ok := f.vouchers[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *v
	return &copied, nil
}

func (f *fakeFulfillVouchers) List(ctx context.Context, filter models.VoucherFilter) ([]models.Voucher, int, error) {
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
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, len(out), nil
}

func (f *fakeFulfillVouchers) CountAvailable(ctx context.Context, certificateID string, now time.Time) (int, error) {
	count := 0
	for _, v := range f.vouchers {
		if v.CertificateID == certificateID && v.Status == models.VoucherStatusAvailable && v.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (f *fakeFulfillVouchers) ListAvailable(ctx context.Context, certificateID string, now time.Time, limit int) ([]models.Voucher, error) {
	var out []models.Voucher
	for _, v := range f.vouchers {
		if v.CertificateID == certificateID && v.Status == models.VoucherStatusAvailable && v.ExpiresAt.After(now) {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeFulfillVouchers) AssignAvailable(ctx context.Context, id string, a models.VoucherAssignment, now time.Time) (bool, error) {
	v, ok := f.vouchers[id]
	if !ok {
		return false, sql.ErrNoRows
	}
	if f.stealFirst && !f.stolen {
		f.stolen = true
		v.Status = models.VoucherStatusAssigned
		return false, nil
	}
	if v.Status != models.VoucherStatusAvailable {
		return false, nil
	}
	v.Status = models.VoucherStatusAssigned
	v.OrderID = &a.OrderID
	v.RecipientName = &a.RecipientName
	v.RecipientEmail = &a.RecipientEmail
	v.AssignedAt = &now
	v.AssignedBy = &a.Actor
	method := string(a.DeliveryMethod)
	v.DeliveryMethod = &method
	return true, nil
}

func (f *fakeFulfillVouchers) MarkDelivered(ctx context.Context, id string, now time.Time) (bool, error) {
	v, ok := f.vouchers[id]
	if !ok {
		return false, sql.ErrNoRows
	}
	if v.Status != models.VoucherStatusAssigned {
		return false, nil
	}
	v.Status = models.VoucherStatusDelivered
	outcome := models.DeliveryOutcomeSent
	v.DeliveryOutcome = &outcome
	v.DeliveredAt = &now
	v.DeliveryError = nil
	return true, nil
}

func (f *fakeFulfillVouchers) RecordDeliveryError(ctx context.Context, id, message string, now time.Time) error {
	v, ok := f.vouchers[id]
	if !ok {
		return sql.ErrNoRows
	}
	outcome := models.DeliveryOutcomeFailed
	v.DeliveryOutcome = &outcome
	v.DeliveryError = &message
	return nil
}

func (f *fakeFulfillVouchers) AppendHistory(ctx context.Context, entry *models.VoucherHistoryEntry) error {
	f.history = append(f.history, *entry)
	return nil
}

type fakeBatches struct {
	refreshed []string
}

func (f *fakeBatches) BatchIDsForOrder(ctx context.Context, orderID string) ([]string, error) {
	return []string{"batch-1"}, nil
}

func (f *fakeBatches) RefreshCounters(ctx context.Context, batchID string) error {
	f.refreshed = append(f.refreshed, batchID)
	return nil
}

type fakeMirror struct {
	upserts []models.VoucherRecipient
}

func (f *fakeMirror) Upsert(ctx context.Context, rec *models.VoucherRecipient) error {
	f.upserts = append(f.upserts, *rec)
	return nil
}

type fakeSender struct {
	failFor map[string]bool
	sent    []mailer.Message
}

func (f *fakeSender) Send(ctx context.Context, msg mailer.Message) error {
	if f.failFor[msg.ToEmail] {
		return errors.New("mailbox unavailable")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func paidOrder(method models.DeliveryMethod, quantity int) *models.OrderDetail {
	return &models.OrderDetail{
		Order: models.Order{
			ID:                "order-1",
			Number:            "ORD-2026-0001",
			CustomerName:      "Riyadh Polytechnic",
			CustomerEmail:     "training@rp.example.sa",
			CertificateID:     "cert-1",
			Quantity:          quantity,
			Status:            models.OrderStatusPaid,
			FulfillmentStatus: models.FulfillmentUnfulfilled,
			DeliveryMethod:    method,
		},
		CertificateNameEN: "Security+",
		CertificateNameAR: "سيكيورتي بلس",
		CertificateCode:   "SY0-701",
	}
}

func pendingRecipients(emails ...string) []models.OrderRecipient {
	recipients := make([]models.OrderRecipient, len(emails))
	for i, email := range emails {
		recipients[i] = models.OrderRecipient{
			OrderID:        "order-1",
			Position:       i + 1,
			Name:           "Student " + email,
			Email:          email,
			DeliveryStatus: models.RecipientPending,
		}
	}
	return recipients
}

func availableVouchers(ids ...string) map[string]*models.Voucher {
	base := time.Now().UTC()
	vouchers := make(map[string]*models.Voucher, len(ids))
	for i, id := range ids {
		vouchers[id] = &models.Voucher{
			ID:            id,
			Code:          "CODE-" + id,
			CertificateID: "cert-1",
			BatchID:       "batch-1",
			Status:        models.VoucherStatusAvailable,
			ExpiresAt:     base.Add(time.Duration(i+1) * 24 * time.Hour),
		}
	}
	return vouchers
}

func newFulfillment(orders *fakeFulfillOrders, vouchers *fakeFulfillVouchers, mirror *fakeMirror, sender *fakeSender) *FulfillmentService {
	return NewFulfillmentService(orders, vouchers, &fakeBatches{}, mirror, sender, nil, zap.NewNop())
}

func TestFulfillDeliversEveryRecipient(t *testing.T) {
	orders := &fakeFulfillOrders{
		detail:     paidOrder(models.DeliveryDirectToStudents, 3),
		recipients: pendingRecipients("a@example.sa", "b@example.sa", "c@example.sa"),
	}
	vouchers := &fakeFulfillVouchers{vouchers: availableVouchers("v1", "v2", "v3", "v4", "v5")}
	mirror := &fakeMirror{}
	sender := &fakeSender{}
	svc := newFulfillment(orders, vouchers, mirror, sender)

	summary, err := svc.Fulfill(context.Background(), "order-1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.SentCount)
	assert.Equal(t, 0, summary.FailedCount)
	assert.Equal(t, models.FulfillmentDelivered, summary.FulfillmentStatus)
	assert.Equal(t, models.FulfillmentDelivered, orders.finalStatus)
	assert.Len(t, sender.sent, 3)

	// soonest expiring stock goes out first
	for _, id := range []string{"v1", "v2", "v3"} {
		assert.Equal(t, models.VoucherStatusDelivered, vouchers.vouchers[id].Status, id)
	}
	for _, id := range []string{"v4", "v5"} {
		assert.Equal(t, models.VoucherStatusAvailable, vouchers.vouchers[id].Status, id)
	}
	for _, rec := range orders.recipients {
		assert.Equal(t, models.RecipientSent, rec.DeliveryStatus, rec.Email)
		require.NotNil(t, rec.VoucherID, rec.Email)
	}
	assert.Len(t, mirror.upserts, 3)
}

func TestFulfillInsufficientInventoryChangesNothing(t *testing.T) {
	orders := &fakeFulfillOrders{
		detail:     paidOrder(models.DeliveryDirectToStudents, 5),
		recipients: pendingRecipients("a@example.sa", "b@example.sa", "c@example.sa", "d@example.sa", "e@example.sa"),
	}
	vouchers := &fakeFulfillVouchers{vouchers: availableVouchers("v1", "v2", "v3")}
	sender := &fakeSender{}
	svc := newFulfillment(orders, vouchers, &fakeMirror{}, sender)

	_, err := svc.Fulfill(context.Background(), "order-1", "admin-1")
	require.ErrorIs(t, err, appErrors.ErrInsufficientInventory)
	assert.Empty(t, sender.sent)
	for _, v := range vouchers.vouchers {
		assert.Equal(t, models.VoucherStatusAvailable, v.Status)
	}
	for _, rec := range orders.recipients {
		assert.Equal(t, models.RecipientPending, rec.DeliveryStatus)
		assert.Nil(t, rec.VoucherID)
	}
}

func TestFulfillRequiresPaidOrder(t *testing.T) {
	detail := paidOrder(models.DeliveryDirectToStudents, 1)
	detail.Status = models.OrderStatusPending
	orders := &fakeFulfillOrders{detail: detail, recipients: pendingRecipients("a@example.sa")}
	svc := newFulfillment(orders, &fakeFulfillVouchers{}, &fakeMirror{}, &fakeSender{})

	_, err := svc.Fulfill(context.Background(), "order-1", "admin-1")
	require.ErrorIs(t, err, appErrors.ErrOrderNotPaid)
}

func TestFulfillRejectsDanglingCertificate(t *testing.T) {
	detail := paidOrder(models.DeliveryDirectToStudents, 1)
	detail.CertificateCode = ""
	detail.CertificateNameEN = ""
	orders := &fakeFulfillOrders{detail: detail, recipients: pendingRecipients("a@example.sa")}
	vouchers := &fakeFulfillVouchers{vouchers: availableVouchers("v1")}
	sender := &fakeSender{}
	svc := newFulfillment(orders, vouchers, &fakeMirror{}, sender)

	_, err := svc.Fulfill(context.Background(), "order-1", "admin-1")
	require.ErrorIs(t, err, appErrors.ErrCertificateUnresolved)
	assert.Empty(t, sender.sent)
	assert.Equal(t, models.VoucherStatusAvailable, vouchers.vouchers["v1"].Status)
	assert.Equal(t, models.RecipientPending, orders.recipients[0].DeliveryStatus)
}

func TestFulfillRejectsBulkOrders(t *testing.T) {
	orders := &fakeFulfillOrders{detail: paidOrder(models.DeliveryBulkToContact, 2)}
	svc := newFulfillment(orders, &fakeFulfillVouchers{}, &fakeMirror{}, &fakeSender{})

	_, err := svc.Fulfill(context.Background(), "order-1", "admin-1")
	require.ErrorIs(t, err, appErrors.ErrWrongDeliveryMethod)
}

func TestFulfillNothingEligible(t *testing.T) {
	recipients := pendingRecipients("a@example.sa", "b@example.sa")
	for i := range recipients {
		recipients[i].DeliveryStatus = models.RecipientSent
	}
	orders := &fakeFulfillOrders{detail: paidOrder(models.DeliveryDirectToStudents, 2), recipients: recipients}
	svc := newFulfillment(orders, &fakeFulfillVouchers{}, &fakeMirror{}, &fakeSender{})

	_, err := svc.Fulfill(context.Background(), "order-1", "admin-1")
	require.ErrorIs(t, err, appErrors.ErrNothingToFulfill)
}

func TestFulfillIsolatesSendFailures(t *testing.T) {
	orders := &fakeFulfillOrders{
		detail:     paidOrder(models.DeliveryDirectToStudents, 3),
		recipients: pendingRecipients("a@example.sa", "b@example.sa", "c@example.sa"),
	}
	vouchers := &fakeFulfillVouchers{vouchers: availableVouchers("v1", "v2", "v3")}
	sender := &fakeSender{failFor: map[string]bool{"b@example.sa": true}}
	svc := newFulfillment(orders, vouchers, &fakeMirror{}, sender)

	summary, err := svc.Fulfill(context.Background(), "order-1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.SentCount)
	assert.Equal(t, 1, summary.FailedCount)
	assert.Equal(t, models.FulfillmentPartiallyDelivered, summary.FulfillmentStatus)

	var failed models.OrderRecipient
	for _, rec := range orders.recipients {
		if rec.Email == "b@example.sa" {
			failed = rec
		} else {
			assert.Equal(t, models.RecipientSent, rec.DeliveryStatus, rec.Email)
		}
	}
	assert.Equal(t, models.RecipientFailed, failed.DeliveryStatus)
	require.NotNil(t, failed.VoucherID)
	require.NotNil(t, failed.LastError)

	// the failed recipient's voucher stays bound for the retry
	bound := vouchers.vouchers[*failed.VoucherID]
	assert.Equal(t, models.VoucherStatusAssigned, bound.Status)
	require.NotNil(t, bound.DeliveryError)
	assert.Equal(t, "mailbox unavailable", *bound.DeliveryError)
}

func TestFulfillRetryReusesBoundVoucher(t *testing.T) {
	vouchers := &fakeFulfillVouchers{vouchers: availableVouchers("v1", "v2")}
	orderID := "order-1"
	email := "b@example.sa"
	name := "Student b@example.sa"
	v2 := vouchers.vouchers["v2"]
	v2.Status = models.VoucherStatusAssigned
	v2.OrderID = &orderID
	v2.RecipientEmail = &email
	v2.RecipientName = &name
	vouchers.vouchers["v1"].Status = models.VoucherStatusDelivered

	sentAt := time.Now().UTC().Add(-time.Hour)
	recipients := pendingRecipients("a@example.sa", "b@example.sa")
	recipients[0].DeliveryStatus = models.RecipientSent
	recipients[0].DeliveredAt = &sentAt
	v1ID := "v1"
	recipients[0].VoucherID = &v1ID
	recipients[1].DeliveryStatus = models.RecipientFailed
	v2ID := "v2"
	recipients[1].VoucherID = &v2ID

	orders := &fakeFulfillOrders{detail: paidOrder(models.DeliveryDirectToStudents, 2), recipients: recipients}
	sender := &fakeSender{}
	svc := newFulfillment(orders, vouchers, &fakeMirror{}, sender)

	summary, err := svc.Fulfill(context.Background(), "order-1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SentCount)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "b@example.sa", summary.Results[0].Email)
	assert.Equal(t, "CODE-v2", summary.Results[0].VoucherCode)
	assert.Equal(t, models.FulfillmentDelivered, summary.FulfillmentStatus)

	// only the retried recipient got an email; the delivered one is untouched
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "b@example.sa", sender.sent[0].ToEmail)
	assert.Equal(t, models.RecipientSent, orders.recipients[0].DeliveryStatus)
	assert.Equal(t, &sentAt, orders.recipients[0].DeliveredAt)
	assert.Equal(t, models.VoucherStatusDelivered, vouchers.vouchers["v2"].Status)
	// v1 still belongs to the untouched recipient and was never re-claimed
	assert.Equal(t, models.VoucherStatusDelivered, vouchers.vouchers["v1"].Status)
}

func TestFulfillSkipsVoucherTakenConcurrently(t *testing.T) {
	orders := &fakeFulfillOrders{
		detail:     paidOrder(models.DeliveryDirectToStudents, 1),
		recipients: pendingRecipients("a@example.sa"),
	}
	vouchers := &fakeFulfillVouchers{vouchers: availableVouchers("v1", "v2"), stealFirst: true}
	sender := &fakeSender{}
	svc := newFulfillment(orders, vouchers, &fakeMirror{}, sender)

	summary, err := svc.Fulfill(context.Background(), "order-1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SentCount)
	assert.Equal(t, models.FulfillmentDelivered, summary.FulfillmentStatus)
	assert.Equal(t, models.VoucherStatusDelivered, vouchers.vouchers["v2"].Status)
}

func TestDeliverBulkSendsOneEmailWithEveryCode(t *testing.T) {
	orders := &fakeFulfillOrders{detail: paidOrder(models.DeliveryBulkToContact, 3)}
	vouchers := &fakeFulfillVouchers{vouchers: availableVouchers("v1", "v2", "v3", "v4")}
	sender := &fakeSender{}
	svc := newFulfillment(orders, vouchers, &fakeMirror{}, sender)

	summary, err := svc.DeliverBulk(context.Background(), "order-1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.FulfillmentDelivered, summary.FulfillmentStatus)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "training@rp.example.sa", sender.sent[0].ToEmail)
	assert.Contains(t, sender.sent[0].HTMLBody, "CODE-v1")
	assert.Contains(t, sender.sent[0].HTMLBody, "CODE-v2")
	assert.Contains(t, sender.sent[0].HTMLBody, "CODE-v3")
	assert.NotContains(t, sender.sent[0].HTMLBody, "CODE-v4")

	delivered := 0
	for _, v := range vouchers.vouchers {
		if v.Status == models.VoucherStatusDelivered {
			delivered++
		}
	}
	assert.Equal(t, 3, delivered)
}

func TestDeliverBulkFailureKeepsVouchersBoundForRetry(t *testing.T) {
	orders := &fakeFulfillOrders{detail: paidOrder(models.DeliveryBulkToContact, 2)}
	vouchers := &fakeFulfillVouchers{vouchers: availableVouchers("v1", "v2")}
	sender := &fakeSender{failFor: map[string]bool{"training@rp.example.sa": true}}
	svc := newFulfillment(orders, vouchers, &fakeMirror{}, sender)

	summary, err := svc.DeliverBulk(context.Background(), "order-1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FailedCount)
	for _, v := range vouchers.vouchers {
		assert.Equal(t, models.VoucherStatusAssigned, v.Status)
		require.NotNil(t, v.DeliveryError)
	}

	// a retry reuses the bound vouchers instead of claiming new stock
	sender.failFor = nil
	summary, err = svc.DeliverBulk(context.Background(), "order-1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.FulfillmentDelivered, summary.FulfillmentStatus)
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].HTMLBody, "CODE-v1")
	assert.Contains(t, sender.sent[0].HTMLBody, "CODE-v2")
}
