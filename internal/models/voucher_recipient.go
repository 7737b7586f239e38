package models

import "time"

// VoucherRecipient mirrors an order's recipient row for cross-order
// querying, keyed by (order_id, email). It is a derived projection of the
// order's recipient list, upserted by the same writes that update it.
type VoucherRecipient struct {
	ID             string                  `db:"id" json:"id"`
	OrderID        string                  `db:"order_id" json:"order_id"`
	Email          string                  `db:"email" json:"email"`
	Name           string                  `db:"name" json:"name"`
	VoucherID      *string                 `db:"voucher_id" json:"voucher_id,omitempty"`
	CertificateID  string                  `db:"certificate_id" json:"certificate_id"`
	DeliveryStatus RecipientDeliveryStatus `db:"delivery_status" json:"delivery_status"`
	DeliveredAt    *time.Time              `db:"delivered_at" json:"delivered_at,omitempty"`
	LastError      *string                 `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time               `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time               `db:"updated_at" json:"updated_at"`
}
