package service

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/certsouq/certsouq-api/internal/models"
	appErrors "github.com/certsouq/certsouq-api/pkg/errors"
)

type mockOrderRepo struct {
	orders     map[string]*models.Order
	recipients []models.OrderRecipient
	paidAt     map[string]time.Time
}

func (m *mockOrderRepo) FindByID(ctx context.Context, id string) (*models.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return o, nil
}

func (m *mockOrderRepo) FindDetailByID(ctx context.Context, id string) (*models.OrderDetail, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.OrderDetail{Order: *o, CertificateNameEN: "Security+", CertificateNameAR: "سيكيورتي بلس", CertificateCode: "SY0-701"}, nil
}

func (m *mockOrderRepo) List(ctx context.Context, filter models.OrderFilter) ([]models.OrderDetail, int, error) {
	return nil, 0, nil
}

func (m *mockOrderRepo) Create(ctx context.Context, order *models.Order) error {
	order.ID = "order-1"
	if order.Number == "" {
		order.Number = "ORD-2026-000001"
	}
	order.Status = models.OrderStatusPending
	order.FulfillmentStatus = models.FulfillmentUnfulfilled
	if m.orders == nil {
		m.orders = map[string]*models.Order{}
	}
	m.orders[order.ID] = order
	return nil
}

func (m *mockOrderRepo) MarkPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	o, ok := m.orders[id]
	if !ok || o.Status != models.OrderStatusPending {
		return false, nil
	}
	o.Status = models.OrderStatusPaid
	o.PaidAt = &paidAt
	if m.paidAt == nil {
		m.paidAt = map[string]time.Time{}
	}
	m.paidAt[id] = paidAt
	return true, nil
}

func (m *mockOrderRepo) ListRecipients(ctx context.Context, orderID string) ([]models.OrderRecipient, error) {
	return m.recipients, nil
}

func (m *mockOrderRepo) CreateRecipients(ctx context.Context, recipients []models.OrderRecipient) error {
	m.recipients = append(m.recipients, recipients...)
	return nil
}

type mockInstitutionReader struct {
	institutions map[string]*models.Institution
}

func (m *mockInstitutionReader) FindByID(ctx context.Context, id string) (*models.Institution, error) {
	inst, ok := m.institutions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return inst, nil
}

type mockInvoiceStore struct {
	saved map[string][]byte
}

func (m *mockInvoiceStore) Save(filename string, data []byte) (string, error) {
	if m.saved == nil {
		m.saved = map[string][]byte{}
	}
	m.saved[filename] = data
	return "/files/" + filename, nil
}

const testInstitutionID = "9c1f2d3e-5a6b-4c7d-8e9f-102938475601"

func newOrders(repo *mockOrderRepo, store *mockInvoiceStore) *OrderService {
	certs := &mockCertificateReader{certs: map[string]*models.Certificate{
		testCertID: {ID: testCertID, Code: "SY0-701", NameEN: "Security+", Active: true, RetailPrice: 150000, InstitutionalPrice: 135000},
	}}
	institutions := &mockInstitutionReader{institutions: map[string]*models.Institution{
		testInstitutionID: {ID: testInstitutionID, NameEN: "Riyadh Polytechnic", VATNumber: "310987654300003", Status: models.InstitutionApproved},
	}}
	if store == nil {
		store = &mockInvoiceStore{}
	}
	return NewOrderService(repo, certs, institutions, store, 0, nil, zap.NewNop())
}

func validOrder(method models.DeliveryMethod, quantity int, recipients ...RecipientInput) CreateOrderRequest {
	return CreateOrderRequest{
		CustomerName:   "Riyadh Polytechnic",
		CustomerEmail:  "Training@RP.example.sa",
		CertificateID:  testCertID,
		Quantity:       quantity,
		DeliveryMethod: method,
		Recipients:     recipients,
	}
}

func TestCreateOrderComputesVAT(t *testing.T) {
	repo := &mockOrderRepo{}
	svc := newOrders(repo, nil)

	detail, err := svc.Create(context.Background(), validOrder(models.DeliveryBulkToContact, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(150000), detail.UnitPrice)
	assert.Equal(t, int64(600000), detail.Subtotal)
	assert.Equal(t, int64(90000), detail.VATAmount)
	assert.Equal(t, int64(690000), detail.Total)
	assert.Equal(t, "training@rp.example.sa", detail.CustomerEmail)
	assert.Equal(t, models.OrderStatusPending, detail.Status)
	assert.Equal(t, models.FulfillmentUnfulfilled, detail.FulfillmentStatus)
}

func TestCreateOrderUsesInstitutionalPrice(t *testing.T) {
	repo := &mockOrderRepo{}
	svc := newOrders(repo, nil)
	req := validOrder(models.DeliveryBulkToContact, 2)
	req.InstitutionID = testInstitutionID

	detail, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(135000), detail.UnitPrice)
	require.NotNil(t, detail.InstitutionID)
	assert.Equal(t, testInstitutionID, *detail.InstitutionID)
}

func TestCreateOrderStoresRecipientsInOrder(t *testing.T) {
	repo := &mockOrderRepo{}
	svc := newOrders(repo, nil)
	req := validOrder(models.DeliveryDirectToStudents, 2,
		RecipientInput{Name: "Sara", Email: "Sara@example.sa", StudentRef: "S-100"},
		RecipientInput{Name: "Omar", Email: "omar@example.sa"},
	)

	_, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, repo.recipients, 2)
	assert.Equal(t, 1, repo.recipients[0].Position)
	assert.Equal(t, "sara@example.sa", repo.recipients[0].Email)
	require.NotNil(t, repo.recipients[0].StudentRef)
	assert.Equal(t, "S-100", *repo.recipients[0].StudentRef)
	assert.Equal(t, 2, repo.recipients[1].Position)
	assert.Nil(t, repo.recipients[1].StudentRef)
}

func TestCreateOrderRecipientCountMustMatchQuantity(t *testing.T) {
	svc := newOrders(&mockOrderRepo{}, nil)
	req := validOrder(models.DeliveryDirectToStudents, 3,
		RecipientInput{Name: "Sara", Email: "sara@example.sa"},
	)

	_, err := svc.Create(context.Background(), req)
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestCreateOrderRejectsDuplicateRecipientEmails(t *testing.T) {
	svc := newOrders(&mockOrderRepo{}, nil)
	req := validOrder(models.DeliveryDirectToStudents, 2,
		RecipientInput{Name: "Sara", Email: "sara@example.sa"},
		RecipientInput{Name: "Sara Again", Email: "SARA@example.sa"},
	)

	_, err := svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate recipient email")
}

func TestCreateDirectOrderRequiresRecipients(t *testing.T) {
	svc := newOrders(&mockOrderRepo{}, nil)

	_, err := svc.Create(context.Background(), validOrder(models.DeliveryDirectToStudents, 2))
	require.ErrorIs(t, err, appErrors.ErrNoRecipients)
}

func TestCreateBulkOrderRejectsRecipientList(t *testing.T) {
	svc := newOrders(&mockOrderRepo{}, nil)
	req := validOrder(models.DeliveryBulkToContact, 2,
		RecipientInput{Name: "Sara", Email: "sara@example.sa"},
	)

	_, err := svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bulk orders do not take a recipient list")
}

func TestMarkPaidWritesInvoice(t *testing.T) {
	repo := &mockOrderRepo{orders: map[string]*models.Order{
		"order-1": {
			ID: "order-1", Number: "ORD-2026-000042", CustomerName: "Riyadh Polytechnic",
			CertificateID: testCertID, Quantity: 2, UnitPrice: 150000,
			Subtotal: 300000, VATAmount: 45000, Total: 345000,
			Status: models.OrderStatusPending, DeliveryMethod: models.DeliveryBulkToContact,
		},
	}}
	store := &mockInvoiceStore{}
	svc := newOrders(repo, store)

	detail, err := svc.MarkPaid(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, detail.Status)
	require.NotNil(t, detail.PaidAt)
	require.Contains(t, store.saved, "invoices/ORD-2026-000042.pdf")
	assert.NotEmpty(t, store.saved["invoices/ORD-2026-000042.pdf"])
}

func TestMarkPaidTwiceIsConflict(t *testing.T) {
	repo := &mockOrderRepo{orders: map[string]*models.Order{
		"order-1": {ID: "order-1", Number: "ORD-2026-000042", Status: models.OrderStatusPending, DeliveryMethod: models.DeliveryBulkToContact},
	}}
	svc := newOrders(repo, nil)

	first := repo.orders["order-1"]
	_, err := svc.MarkPaid(context.Background(), "order-1")
	require.NoError(t, err)
	firstPaidAt := *first.PaidAt

	_, err = svc.MarkPaid(context.Background(), "order-1")
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
	assert.Equal(t, firstPaidAt, *first.PaidAt)
}

func TestParseRecipientsCSV(t *testing.T) {
	input := "name,email,student_ref\nSara,sara@example.sa,S-100\nOmar,omar@example.sa\n,,\n"
	recipients, err := ParseRecipientsCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, recipients, 2)
	assert.Equal(t, RecipientInput{Name: "Sara", Email: "sara@example.sa", StudentRef: "S-100"}, recipients[0])
	assert.Equal(t, RecipientInput{Name: "Omar", Email: "omar@example.sa"}, recipients[1])
}
