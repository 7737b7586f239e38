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

const voucherColumns = `id, code, certificate_id, batch_id, status, unit_cost, purchased_at, expires_at,
        reserved_until, order_id, recipient_name, recipient_email, assigned_at, assigned_by,
        delivery_method, delivery_outcome, delivered_at, delivery_error, created_at, updated_at`

// VoucherRepository handles persistence of the voucher inventory.
type VoucherRepository struct {
	db *sqlx.DB
}

// NewVoucherRepository constructs the repository.
func NewVoucherRepository(db *sqlx.DB) *VoucherRepository {
	return &VoucherRepository{db: db}
}

// FindByID returns a voucher by its identifier.
func (r *VoucherRepository) FindByID(ctx context.Context, id string) (*models.Voucher, error) {
	query := fmt.Sprintf(`SELECT %s FROM vouchers WHERE id = $1`, voucherColumns)
	var voucher models.Voucher
	if err := r.db.GetContext(ctx, &voucher, query, id); err != nil {
		return nil, err
	}
	return &voucher, nil
}

// List returns vouchers filtered by the provided criteria.
func (r *VoucherRepository) List(ctx context.Context, filter models.VoucherFilter) ([]models.Voucher, int, error) {
	base := `FROM vouchers WHERE 1=1`
	var conditions []string
	var args []interface{}

	if filter.CertificateID != "" {
		conditions = append(conditions, fmt.Sprintf("certificate_id = $%d", len(args)+1))
		args = append(args, filter.CertificateID)
	}
	if filter.BatchID != "" {
		conditions = append(conditions, fmt.Sprintf("batch_id = $%d", len(args)+1))
		args = append(args, filter.BatchID)
	}
	if filter.OrderID != "" {
		conditions = append(conditions, fmt.Sprintf("order_id = $%d", len(args)+1))
		args = append(args, filter.OrderID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " AND " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]bool{
		"expires_at":   true,
		"purchased_at": true,
		"created_at":   true,
		"status":       true,
	}
	sortBy := filter.SortBy
	if !allowedSorts[sortBy] {
		sortBy = "expires_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
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

	query := fmt.Sprintf(`SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d`, voucherColumns, base+clause, sortBy, order, size, offset)

	var vouchers []models.Voucher
	if err := r.db.SelectContext(ctx, &vouchers, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list vouchers: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count vouchers: %w", err)
	}
	return vouchers, total, nil
}

// CountAvailable returns how many unexpired AVAILABLE vouchers exist for a certificate.
func (r *VoucherRepository) CountAvailable(ctx context.Context, certificateID string, now time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM vouchers WHERE certificate_id = $1 AND status = $2 AND expires_at > $3`
	var count int
	if err := r.db.GetContext(ctx, &count, query, certificateID, models.VoucherStatusAvailable, now); err != nil {
		return 0, fmt.Errorf("count available vouchers: %w", err)
	}
	return count, nil
}

// ListAvailable returns up to limit claimable vouchers for a certificate,
// oldest expiration first so the soonest-expiring stock is consumed before
// it is wasted.
func (r *VoucherRepository) ListAvailable(ctx context.Context, certificateID string, now time.Time, limit int) ([]models.Voucher, error) {
	query := fmt.Sprintf(`SELECT %s FROM vouchers WHERE certificate_id = $1 AND status = $2 AND expires_at > $3 ORDER BY expires_at ASC LIMIT $4`, voucherColumns)
	var vouchers []models.Voucher
	if err := r.db.SelectContext(ctx, &vouchers, query, certificateID, models.VoucherStatusAvailable, now, limit); err != nil {
		return nil, fmt.Errorf("list available vouchers: %w", err)
	}
	return vouchers, nil
}

// AssignAvailable atomically transitions a voucher AVAILABLE -> ASSIGNED and
// stamps the binding target. The status guard makes the claim safe under
// concurrent fulfillment runs: it returns false when the voucher was already
// taken, and the caller moves on to the next candidate.
func (r *VoucherRepository) AssignAvailable(ctx context.Context, id string, a models.VoucherAssignment, now time.Time) (bool, error) {
	const query = `UPDATE vouchers
        SET status = $2, order_id = $3, recipient_name = $4, recipient_email = $5,
            assigned_at = $6, assigned_by = $7, delivery_method = $8, updated_at = $6
        WHERE id = $1 AND status = $9`
	res, err := r.db.ExecContext(ctx, query, id, models.VoucherStatusAssigned, a.OrderID, a.RecipientName, a.RecipientEmail, now, a.Actor, string(a.DeliveryMethod), models.VoucherStatusAvailable)
	if err != nil {
		return false, fmt.Errorf("assign voucher: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assign voucher rows: %w", err)
	}
	return affected == 1, nil
}

// MarkDelivered transitions a voucher ASSIGNED -> DELIVERED after a
// successful notification send.
func (r *VoucherRepository) MarkDelivered(ctx context.Context, id string, now time.Time) (bool, error) {
	const query = `UPDATE vouchers
        SET status = $2, delivery_outcome = $3, delivered_at = $4, delivery_error = NULL, updated_at = $4
        WHERE id = $1 AND status = $5`
	res, err := r.db.ExecContext(ctx, query, id, models.VoucherStatusDelivered, models.DeliveryOutcomeSent, now, models.VoucherStatusAssigned)
	if err != nil {
		return false, fmt.Errorf("mark voucher delivered: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark voucher delivered rows: %w", err)
	}
	return affected == 1, nil
}

// RecordDeliveryError stores the failure text on an assigned voucher without
// changing its status; the voucher stays bound to its recipient for retry.
func (r *VoucherRepository) RecordDeliveryError(ctx context.Context, id, message string, now time.Time) error {
	const query = `UPDATE vouchers SET delivery_outcome = $2, delivery_error = $3, updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, models.DeliveryOutcomeFailed, message, now); err != nil {
		return fmt.Errorf("record delivery error: %w", err)
	}
	return nil
}

// CreateBatchVouchers inserts one voucher per code for a new import batch.
func (r *VoucherRepository) CreateBatchVouchers(ctx context.Context, vouchers []models.Voucher) error {
	if len(vouchers) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range vouchers {
		if vouchers[i].ID == "" {
			vouchers[i].ID = uuid.NewString()
		}
		if vouchers[i].CreatedAt.IsZero() {
			vouchers[i].CreatedAt = now
		}
		vouchers[i].UpdatedAt = now
	}
	const query = `INSERT INTO vouchers (id, code, certificate_id, batch_id, status, unit_cost, purchased_at, expires_at, created_at, updated_at)
        VALUES (:id, :code, :certificate_id, :batch_id, :status, :unit_cost, :purchased_at, :expires_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, vouchers); err != nil {
		return fmt.Errorf("create batch vouchers: %w", err)
	}
	return nil
}

// ExistingCodes returns which of the given codes are already present.
func (r *VoucherRepository) ExistingCodes(ctx context.Context, codes []string) (map[string]bool, error) {
	if len(codes) == 0 {
		return map[string]bool{}, nil
	}
	const chunkSize = 200
	existing := make(map[string]bool)
	for start := 0; start < len(codes); start += chunkSize {
		end := start + chunkSize
		if end > len(codes) {
			end = len(codes)
		}
		chunk := codes[start:end]
		placeholders := make([]string, len(chunk))
		args := make([]interface{}, len(chunk))
		for i, code := range chunk {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = code
		}
		query := fmt.Sprintf("SELECT code FROM vouchers WHERE code IN (%s)", strings.Join(placeholders, ","))
		rows, err := r.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("check existing codes: %w", err)
		}
		for rows.Next() {
			var code string
			if err := rows.Scan(&code); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan voucher code: %w", err)
			}
			existing[code] = true
		}
		rows.Close()
	}
	return existing, nil
}

// ExpireOverdue retires every AVAILABLE or RESERVED voucher whose expiration
// has passed, returning the affected ids so history can be appended.
func (r *VoucherRepository) ExpireOverdue(ctx context.Context, now time.Time) ([]string, error) {
	const query = `UPDATE vouchers SET status = $1, updated_at = $2
        WHERE status IN ($3, $4) AND expires_at <= $2
        RETURNING id`
	rows, err := r.db.QueryxContext(ctx, query, models.VoucherStatusExpired, now, models.VoucherStatusAvailable, models.VoucherStatusReserved)
	if err != nil {
		return nil, fmt.Errorf("expire overdue vouchers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired voucher id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendHistory adds an entry to a voucher's append-only audit trail.
func (r *VoucherRepository) AppendHistory(ctx context.Context, entry *models.VoucherHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO voucher_history (id, voucher_id, action, actor, detail, created_at)
        VALUES (:id, :voucher_id, :action, :actor, :detail, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("append voucher history: %w", err)
	}
	return nil
}

// ListHistory returns a voucher's audit trail, oldest first.
func (r *VoucherRepository) ListHistory(ctx context.Context, voucherID string) ([]models.VoucherHistoryEntry, error) {
	const query = `SELECT id, voucher_id, action, actor, detail, created_at FROM voucher_history WHERE voucher_id = $1 ORDER BY created_at ASC`
	var entries []models.VoucherHistoryEntry
	if err := r.db.SelectContext(ctx, &entries, query, voucherID); err != nil {
		return nil, fmt.Errorf("list voucher history: %w", err)
	}
	return entries, nil
}
