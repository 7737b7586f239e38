package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/certsouq/certsouq-api/internal/models"
)

const orderColumns = `o.id, o.number, o.institution_id, o.customer_name, o.customer_email, o.certificate_id,
        o.quantity, o.unit_price, o.subtotal, o.vat_amount, o.total, o.status, o.fulfillment_status,
        o.delivery_method, o.paid_at, o.fulfilled_at, o.created_at, o.updated_at`

// OrderRepository handles persistence of orders and their recipient lists.
type OrderRepository struct {
	db *sqlx.DB
}

// NewOrderRepository constructs the repository.
func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// FindByID returns an order by its identifier.
func (r *OrderRepository) FindByID(ctx context.Context, id string) (*models.Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM orders o WHERE o.id = $1`, orderColumns)
	var order models.Order
	if err := r.db.GetContext(ctx, &order, query, id); err != nil {
		return nil, err
	}
	return &order, nil
}

// FindDetailByID returns an order with catalog and institution context.
func (r *OrderRepository) FindDetailByID(ctx context.Context, id string) (*models.OrderDetail, error) {
	query := fmt.Sprintf(`SELECT %s,
        COALESCE(c.name_en, '') AS certificate_name_en, COALESCE(c.name_ar, '') AS certificate_name_ar,
        COALESCE(c.code, '') AS certificate_code,
        COALESCE(i.name_en, '') AS institution_name
        FROM orders o
        LEFT JOIN certificates c ON c.id = o.certificate_id
        LEFT JOIN institutions i ON i.id = o.institution_id
        WHERE o.id = $1`, orderColumns)
	var detail models.OrderDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns orders filtered by the provided criteria.
func (r *OrderRepository) List(ctx context.Context, filter models.OrderFilter) ([]models.OrderDetail, int, error) {
	base := `FROM orders o
LEFT JOIN certificates c ON c.id = o.certificate_id
LEFT JOIN institutions i ON i.id = o.institution_id`
	var conditions []string
	var args []interface{}

	if filter.InstitutionID != "" {
		conditions = append(conditions, fmt.Sprintf("o.institution_id = $%d", len(args)+1))
		args = append(args, filter.InstitutionID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("o.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.FulfillmentStatus != "" {
		conditions = append(conditions, fmt.Sprintf("o.fulfillment_status = $%d", len(args)+1))
		args = append(args, filter.FulfillmentStatus)
	}
	if filter.DeliveryMethod != "" {
		conditions = append(conditions, fmt.Sprintf("o.delivery_method = $%d", len(args)+1))
		args = append(args, filter.DeliveryMethod)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at": "o.created_at",
		"paid_at":    "o.paid_at",
		"number":     "o.number",
		"total":      "o.total",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "o.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s,
        COALESCE(c.name_en, '') AS certificate_name_en, COALESCE(c.name_ar, '') AS certificate_name_ar,
        COALESCE(c.code, '') AS certificate_code,
        COALESCE(i.name_en, '') AS institution_name
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, orderColumns, base+clause, orderBy, order, size, offset)

	var orders []models.OrderDetail
	if err := r.db.SelectContext(ctx, &orders, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}
	return orders, total, nil
}

// Create persists a new order.
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if order.Number == "" {
		var seq int64
		if err := r.db.GetContext(ctx, &seq, `SELECT nextval('order_number_seq')`); err != nil {
			return fmt.Errorf("next order number: %w", err)
		}
		order.Number = fmt.Sprintf("ORD-%d-%06d", now.Year(), seq)
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}
	if order.FulfillmentStatus == "" {
		order.FulfillmentStatus = models.FulfillmentUnfulfilled
	}
	const query = `INSERT INTO orders (id, number, institution_id, customer_name, customer_email, certificate_id,
        quantity, unit_price, subtotal, vat_amount, total, status, fulfillment_status, delivery_method,
        paid_at, fulfilled_at, created_at, updated_at)
        VALUES (:id, :number, :institution_id, :customer_name, :customer_email, :certificate_id,
        :quantity, :unit_price, :subtotal, :vat_amount, :total, :status, :fulfillment_status, :delivery_method,
        :paid_at, :fulfilled_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, order); err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// MarkPaid transitions an order PENDING -> PAID. The status guard keeps a
// double confirmation from overwriting the original payment timestamp.
func (r *OrderRepository) MarkPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	const query = `UPDATE orders SET status = $2, paid_at = $3, updated_at = $3 WHERE id = $1 AND status = $4`
	res, err := r.db.ExecContext(ctx, query, id, models.OrderStatusPaid, paidAt, models.OrderStatusPending)
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark order paid rows: %w", err)
	}
	return affected == 1, nil
}

// UpdateFulfillment writes the derived fulfillment status for an order.
func (r *OrderRepository) UpdateFulfillment(ctx context.Context, id string, status models.FulfillmentStatus, fulfilledAt *time.Time) error {
	const query = `UPDATE orders SET fulfillment_status = $2, fulfilled_at = $3, updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, fulfilledAt, time.Now().UTC()); err != nil {
		return fmt.Errorf("update order fulfillment: %w", err)
	}
	return nil
}

// ListRecipients returns an order's recipient list in input order.
func (r *OrderRepository) ListRecipients(ctx context.Context, orderID string) ([]models.OrderRecipient, error) {
	const query = `SELECT id, order_id, position, name, email, student_ref, voucher_id, delivery_status,
        delivered_at, last_error, created_at, updated_at
        FROM order_recipients WHERE order_id = $1 ORDER BY position ASC`
	var recipients []models.OrderRecipient
	if err := r.db.SelectContext(ctx, &recipients, query, orderID); err != nil {
		return nil, fmt.Errorf("list order recipients: %w", err)
	}
	return recipients, nil
}

// CreateRecipients inserts the validated recipient rows for a new order.
func (r *OrderRepository) CreateRecipients(ctx context.Context, recipients []models.OrderRecipient) error {
	if len(recipients) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range recipients {
		if recipients[i].ID == "" {
			recipients[i].ID = uuid.NewString()
		}
		if recipients[i].DeliveryStatus == "" {
			recipients[i].DeliveryStatus = models.RecipientPending
		}
		if recipients[i].CreatedAt.IsZero() {
			recipients[i].CreatedAt = now
		}
		recipients[i].UpdatedAt = now
	}
	const query = `INSERT INTO order_recipients (id, order_id, position, name, email, student_ref, voucher_id,
        delivery_status, delivered_at, last_error, created_at, updated_at)
        VALUES (:id, :order_id, :position, :name, :email, :student_ref, :voucher_id,
        :delivery_status, :delivered_at, :last_error, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, recipients); err != nil {
		return fmt.Errorf("create order recipients: %w", err)
	}
	return nil
}

// UpdateRecipient writes a recipient's delivery outcome in place, matched by
// order and email.
func (r *OrderRepository) UpdateRecipient(ctx context.Context, orderID, email string, voucherID *string, status models.RecipientDeliveryStatus, deliveredAt *time.Time, lastError *string) error {
	const query = `UPDATE order_recipients
        SET voucher_id = $3, delivery_status = $4, delivered_at = $5, last_error = $6, updated_at = $7
        WHERE order_id = $1 AND email = $2`
	if _, err := r.db.ExecContext(ctx, query, orderID, email, voucherID, status, deliveredAt, lastError, time.Now().UTC()); err != nil {
		return fmt.Errorf("update order recipient: %w", err)
	}
	return nil
}
