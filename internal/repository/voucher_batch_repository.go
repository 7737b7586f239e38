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

const voucherBatchColumns = `id, source, external_ref, certificate_id, unit_cost, purchased_at, expires_at,
        total_count, available_count, assigned_count, delivered_count, used_count, expired_count,
        imported_by, created_at, updated_at`

// VoucherBatchRepository handles persistence of the import batch ledger.
type VoucherBatchRepository struct {
	db *sqlx.DB
}

// NewVoucherBatchRepository constructs the repository.
func NewVoucherBatchRepository(db *sqlx.DB) *VoucherBatchRepository {
	return &VoucherBatchRepository{db: db}
}

// FindByID returns a batch by identifier.
func (r *VoucherBatchRepository) FindByID(ctx context.Context, id string) (*models.VoucherBatch, error) {
	query := fmt.Sprintf(`SELECT %s FROM voucher_batches WHERE id = $1`, voucherBatchColumns)
	var batch models.VoucherBatch
	if err := r.db.GetContext(ctx, &batch, query, id); err != nil {
		return nil, err
	}
	return &batch, nil
}

// List returns batches, newest first.
func (r *VoucherBatchRepository) List(ctx context.Context, certificateID string, page, pageSize int) ([]models.VoucherBatch, int, error) {
	base := `FROM voucher_batches WHERE 1=1`
	var conditions []string
	var args []interface{}
	if certificateID != "" {
		conditions = append(conditions, fmt.Sprintf("certificate_id = $%d", len(args)+1))
		args = append(args, certificateID)
	}
	clause := ""
	if len(conditions) > 0 {
		clause = " AND " + strings.Join(conditions, " AND ")
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf(`SELECT %s %s ORDER BY created_at DESC LIMIT %d OFFSET %d`, voucherBatchColumns, base+clause, pageSize, offset)
	var batches []models.VoucherBatch
	if err := r.db.SelectContext(ctx, &batches, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list voucher batches: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count voucher batches: %w", err)
	}
	return batches, total, nil
}

// Create persists a new batch ledger row.
func (r *VoucherBatchRepository) Create(ctx context.Context, batch *models.VoucherBatch) error {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	batch.UpdatedAt = now
	const query = `INSERT INTO voucher_batches (id, source, external_ref, certificate_id, unit_cost, purchased_at, expires_at,
        total_count, available_count, assigned_count, delivered_count, used_count, expired_count, imported_by, created_at, updated_at)
        VALUES (:id, :source, :external_ref, :certificate_id, :unit_cost, :purchased_at, :expires_at,
        :total_count, :available_count, :assigned_count, :delivered_count, :used_count, :expired_count, :imported_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, batch); err != nil {
		return fmt.Errorf("create voucher batch: %w", err)
	}
	return nil
}

// RefreshCounters recomputes a batch's denormalized status counters from the
// live voucher rows. Best-effort: callers run it opportunistically after
// imports and fulfillment passes.
func (r *VoucherBatchRepository) RefreshCounters(ctx context.Context, batchID string) error {
	const query = `UPDATE voucher_batches b SET
        total_count = c.total,
        available_count = c.available,
        assigned_count = c.assigned,
        delivered_count = c.delivered,
        used_count = c.used,
        expired_count = c.expired,
        updated_at = NOW()
        FROM (
            SELECT
                COUNT(*) AS total,
                COUNT(*) FILTER (WHERE status = 'AVAILABLE') AS available,
                COUNT(*) FILTER (WHERE status = 'ASSIGNED') AS assigned,
                COUNT(*) FILTER (WHERE status = 'DELIVERED') AS delivered,
                COUNT(*) FILTER (WHERE status = 'USED') AS used,
                COUNT(*) FILTER (WHERE status = 'EXPIRED') AS expired
            FROM vouchers WHERE batch_id = $1
        ) c
        WHERE b.id = $1`
	if _, err := r.db.ExecContext(ctx, query, batchID); err != nil {
		return fmt.Errorf("refresh batch counters: %w", err)
	}
	return nil
}

// BatchIDsForOrder returns the distinct batches touched by an order's vouchers.
func (r *VoucherBatchRepository) BatchIDsForOrder(ctx context.Context, orderID string) ([]string, error) {
	const query = `SELECT DISTINCT batch_id FROM vouchers WHERE order_id = $1`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, orderID); err != nil {
		return nil, fmt.Errorf("list order batch ids: %w", err)
	}
	return ids, nil
}
