package service

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/certsouq/certsouq-api/internal/models"
	appErrors "github.com/certsouq/certsouq-api/pkg/errors"
	"github.com/certsouq/certsouq-api/pkg/export"
)

// VATRateBasisPoints is the Saudi VAT rate applied to every order.
const VATRateBasisPoints = 1500

type orderRepository interface {
	FindByID(ctx context.Context, id string) (*models.Order, error)
	FindDetailByID(ctx context.Context, id string) (*models.OrderDetail, error)
	List(ctx context.Context, filter models.OrderFilter) ([]models.OrderDetail, int, error)
	Create(ctx context.Context, order *models.Order) error
	MarkPaid(ctx context.Context, id string, paidAt time.Time) (bool, error)
	ListRecipients(ctx context.Context, orderID string) ([]models.OrderRecipient, error)
	CreateRecipients(ctx context.Context, recipients []models.OrderRecipient) error
}

type institutionReader interface {
	FindByID(ctx context.Context, id string) (*models.Institution, error)
}

type invoiceStore interface {
	Save(filename string, data []byte) (string, error)
}

// RecipientInput is one named student on an order creation request.
type RecipientInput struct {
	Name       string `json:"name" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	StudentRef string `json:"student_ref"`
}

// CreateOrderRequest describes a new voucher purchase.
type CreateOrderRequest struct {
	InstitutionID  string                `json:"institution_id"`
	CustomerName   string                `json:"customer_name" validate:"required"`
	CustomerEmail  string                `json:"customer_email" validate:"required,email"`
	CertificateID  string                `json:"certificate_id" validate:"required,uuid4"`
	Quantity       int                   `json:"quantity" validate:"required,min=1"`
	DeliveryMethod models.DeliveryMethod `json:"delivery_method" validate:"required,oneof=BULK_TO_CONTACT DIRECT_TO_STUDENTS"`
	Recipients     []RecipientInput      `json:"recipients" validate:"dive"`
}

// OrderService manages order creation, payment confirmation and invoices.
type OrderService struct {
	orders        orderRepository
	certificates  certificateReader
	institutions  institutionReader
	invoices      *export.InvoicePDFExporter
	store         invoiceStore
	maxRecipients int
	validator     *validator.Validate
	logger        *zap.Logger
}

// NewOrderService constructs OrderService.
func NewOrderService(orders orderRepository, certificates certificateReader, institutions institutionReader, store invoiceStore, maxRecipients int, validate *validator.Validate, logger *zap.Logger) *OrderService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRecipients <= 0 {
		maxRecipients = 200
	}
	return &OrderService{
		orders:        orders,
		certificates:  certificates,
		institutions:  institutions,
		invoices:      export.NewInvoicePDFExporter(),
		store:         store,
		maxRecipients: maxRecipients,
		validator:     validate,
		logger:        logger,
	}
}

// ParseRecipientsCSV reads a recipient roster from an uploaded CSV with
// name and email columns; a header row is detected and skipped.
func ParseRecipientsCSV(r io.Reader) ([]RecipientInput, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	var recipients []RecipientInput
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read recipients csv: %w", err)
		}
		if len(record) < 2 {
			continue
		}
		name := strings.TrimSpace(record[0])
		email := strings.TrimSpace(record[1])
		if first {
			first = false
			if strings.EqualFold(name, "name") && strings.EqualFold(email, "email") {
				continue
			}
		}
		if name == "" && email == "" {
			continue
		}
		rec := RecipientInput{Name: name, Email: email}
		if len(record) > 2 {
			rec.StudentRef = strings.TrimSpace(record[2])
		}
		recipients = append(recipients, rec)
	}
	return recipients, nil
}

// Create validates and persists a new order with its recipient list.
// DIRECT_TO_STUDENTS orders must carry exactly one recipient per purchased
// voucher, with no duplicate emails.
func (s *OrderService) Create(ctx context.Context, req CreateOrderRequest) (*models.OrderDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid order payload")
	}
	cert, err := s.certificates.FindByID(ctx, req.CertificateID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "certificate not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load certificate")
	}
	if !cert.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "certificate is not for sale")
	}

	unitPrice := cert.RetailPrice
	var institutionID *string
	if req.InstitutionID != "" {
		inst, err := s.institutions.FindByID(ctx, req.InstitutionID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "institution not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load institution")
		}
		if inst.Status != models.InstitutionApproved {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "institution is not approved")
		}
		unitPrice = cert.InstitutionalPrice
		institutionID = &inst.ID
	}

	if req.DeliveryMethod == models.DeliveryDirectToStudents {
		if err := s.validateRecipients(req.Recipients, req.Quantity); err != nil {
			return nil, err
		}
	} else if len(req.Recipients) > 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "bulk orders do not take a recipient list")
	}

	subtotal := unitPrice * int64(req.Quantity)
	vat := subtotal * VATRateBasisPoints / 10000
	order := &models.Order{
		InstitutionID:  institutionID,
		CustomerName:   req.CustomerName,
		CustomerEmail:  strings.ToLower(req.CustomerEmail),
		CertificateID:  req.CertificateID,
		Quantity:       req.Quantity,
		UnitPrice:      unitPrice,
		Subtotal:       subtotal,
		VATAmount:      vat,
		Total:          subtotal + vat,
		DeliveryMethod: req.DeliveryMethod,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create order")
	}

	if req.DeliveryMethod == models.DeliveryDirectToStudents {
		recipients := make([]models.OrderRecipient, len(req.Recipients))
		for i, in := range req.Recipients {
			recipients[i] = models.OrderRecipient{
				OrderID:  order.ID,
				Position: i + 1,
				Name:     in.Name,
				Email:    strings.ToLower(in.Email),
			}
			if in.StudentRef != "" {
				ref := in.StudentRef
				recipients[i].StudentRef = &ref
			}
		}
		if err := s.orders.CreateRecipients(ctx, recipients); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store recipients")
		}
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("number", order.Number),
		zap.Int("quantity", order.Quantity),
		zap.String("delivery_method", string(order.DeliveryMethod)))
	return s.Get(ctx, order.ID)
}

func (s *OrderService) validateRecipients(recipients []RecipientInput, quantity int) error {
	if len(recipients) == 0 {
		return appErrors.ErrNoRecipients
	}
	if len(recipients) != quantity {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("recipient count %d does not match quantity %d", len(recipients), quantity))
	}
	if len(recipients) > s.maxRecipients {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("recipient list exceeds the %d student limit", s.maxRecipients))
	}
	seen := make(map[string]bool, len(recipients))
	for _, rec := range recipients {
		if err := s.validator.Struct(rec); err != nil {
			return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid recipient "+rec.Email)
		}
		email := strings.ToLower(strings.TrimSpace(rec.Email))
		if seen[email] {
			return appErrors.Clone(appErrors.ErrValidation, "duplicate recipient email "+email)
		}
		seen[email] = true
	}
	return nil
}

// Get returns an order with catalog context and its recipient list.
func (s *OrderService) Get(ctx context.Context, id string) (*models.OrderDetail, error) {
	detail, err := s.orders.FindDetailByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "order not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load order")
	}
	return detail, nil
}

// Recipients returns an order's recipient list in input order.
func (s *OrderService) Recipients(ctx context.Context, orderID string) ([]models.OrderRecipient, error) {
	recipients, err := s.orders.ListRecipients(ctx, orderID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load recipients")
	}
	return recipients, nil
}

// List returns orders with pagination metadata.
func (s *OrderService) List(ctx context.Context, filter models.OrderFilter) ([]models.OrderDetail, *models.Pagination, error) {
	orders, total, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list orders")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return orders, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// MarkPaid confirms payment for a pending order and writes its tax
// invoice PDF. Confirming twice is a conflict; the first payment
// timestamp is never overwritten.
func (s *OrderService) MarkPaid(ctx context.Context, id string) (*models.OrderDetail, error) {
	paidAt := time.Now().UTC()
	ok, err := s.orders.MarkPaid(ctx, id, paidAt)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark order paid")
	}
	if !ok {
		order, err := s.orders.FindByID(ctx, id)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "order not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load order")
		}
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("order is %s, not PENDING", order.Status))
	}

	detail, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.writeInvoice(ctx, detail); err != nil {
		s.logger.Warn("failed to write invoice", zap.String("order_id", id), zap.Error(err))
	}
	s.logger.Info("order marked paid", zap.String("order_id", id), zap.String("number", detail.Number))
	return detail, nil
}

// InvoiceFilename is the storage-relative path of an order's invoice.
func InvoiceFilename(number string) string {
	return "invoices/" + number + ".pdf"
}

func (s *OrderService) writeInvoice(ctx context.Context, detail *models.OrderDetail) error {
	buyerName := detail.CustomerName
	buyerVAT := ""
	if detail.InstitutionID != nil {
		if inst, err := s.institutions.FindByID(ctx, *detail.InstitutionID); err == nil {
			buyerName = inst.NameEN
			buyerVAT = inst.VATNumber
		}
	}
	doc := export.InvoiceDocument{
		Number:     detail.Number,
		IssuedAt:   time.Now().UTC().Format("2 January 2006"),
		SellerName: "CertSouq Trading Co.",
		SellerVAT:  "310123456700003",
		BuyerName:  buyerName,
		BuyerVAT:   buyerVAT,
		Lines: []export.InvoiceLine{{
			Description: fmt.Sprintf("%s exam voucher (%s)", detail.CertificateNameEN, detail.CertificateCode),
			Quantity:    detail.Quantity,
			UnitPrice:   formatHalalas(detail.UnitPrice),
			Amount:      formatHalalas(detail.Subtotal),
		}},
		Subtotal:   formatHalalas(detail.Subtotal),
		VATAmount:  formatHalalas(detail.VATAmount),
		Total:      formatHalalas(detail.Total),
		Currency:   "SAR",
		FooterNote: "VAT charged at 15% per ZATCA regulations.",
	}
	data, err := s.invoices.Render(doc)
	if err != nil {
		return err
	}
	_, err = s.store.Save(InvoiceFilename(detail.Number), data)
	return err
}

func formatHalalas(amount int64) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}
