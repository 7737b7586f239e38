package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/certsouq/certsouq-api/internal/models"
)

// VoucherRecipientRepository maintains the denormalized recipient mirror used
// for cross-order queries ("which vouchers has student X received?").
type VoucherRecipientRepository struct {
	db *sqlx.DB
}

// NewVoucherRecipientRepository constructs the repository.
func NewVoucherRecipientRepository(db *sqlx.DB) *VoucherRecipientRepository {
	return &VoucherRecipientRepository{db: db}
}

// Upsert writes the mirror row for an (order, email) pair, keeping it in
// step with the order's own recipient list.
func (r *VoucherRecipientRepository) Upsert(ctx context.Context, rec *models.VoucherRecipient) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	const query = `INSERT INTO voucher_recipients (id, order_id, email, name, voucher_id, certificate_id,
        delivery_status, delivered_at, last_error, created_at, updated_at)
        VALUES (:id, :order_id, :email, :name, :voucher_id, :certificate_id,
        :delivery_status, :delivered_at, :last_error, :created_at, :updated_at)
        ON CONFLICT (order_id, email) DO UPDATE SET
        name = EXCLUDED.name,
        voucher_id = EXCLUDED.voucher_id,
        delivery_status = EXCLUDED.delivery_status,
        delivered_at = EXCLUDED.delivered_at,
        last_error = EXCLUDED.last_error,
        updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("upsert voucher recipient: %w", err)
	}
	return nil
}

// ListByEmail returns every delivery record for a student email, newest first.
func (r *VoucherRecipientRepository) ListByEmail(ctx context.Context, email string) ([]models.VoucherRecipient, error) {
	const query = `SELECT id, order_id, email, name, voucher_id, certificate_id, delivery_status,
        delivered_at, last_error, created_at, updated_at
        FROM voucher_recipients WHERE email = $1 ORDER BY created_at DESC`
	var records []models.VoucherRecipient
	if err := r.db.SelectContext(ctx, &records, query, email); err != nil {
		return nil, fmt.Errorf("list voucher recipients by email: %w", err)
	}
	return records, nil
}
