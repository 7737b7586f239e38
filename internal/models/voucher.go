package models

import "time"

// VoucherStatus represents the lifecycle of a voucher code.
type VoucherStatus string

// Possible voucher statuses.
const (
	VoucherStatusAvailable VoucherStatus = "AVAILABLE"
	VoucherStatusReserved  VoucherStatus = "RESERVED"
	VoucherStatusAssigned  VoucherStatus = "ASSIGNED"
	VoucherStatusDelivered VoucherStatus = "DELIVERED"
	VoucherStatusUsed      VoucherStatus = "USED"
	VoucherStatusExpired   VoucherStatus = "EXPIRED"
)

// VoucherDeliveryOutcome records how a delivery attempt ended.
type VoucherDeliveryOutcome string

const (
	DeliveryOutcomeSent   VoucherDeliveryOutcome = "SENT"
	DeliveryOutcomeFailed VoucherDeliveryOutcome = "FAILED"
)

// Voucher is a single exam voucher code held in inventory. The code is
// globally unique and immutable once created; vouchers are never deleted,
// only soft-retired through the EXPIRED status.
type Voucher struct {
	ID            string        `db:"id" json:"id"`
	Code          string        `db:"code" json:"code"`
	CertificateID string        `db:"certificate_id" json:"certificate_id"`
	BatchID       string        `db:"batch_id" json:"batch_id"`
	Status        VoucherStatus `db:"status" json:"status"`
	UnitCost      int64         `db:"unit_cost" json:"unit_cost"`
	PurchasedAt   time.Time     `db:"purchased_at" json:"purchased_at"`
	ExpiresAt     time.Time     `db:"expires_at" json:"expires_at"`

	ReservedUntil *time.Time `db:"reserved_until" json:"reserved_until,omitempty"`

	OrderID        *string    `db:"order_id" json:"order_id,omitempty"`
	RecipientName  *string    `db:"recipient_name" json:"recipient_name,omitempty"`
	RecipientEmail *string    `db:"recipient_email" json:"recipient_email,omitempty"`
	AssignedAt     *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
	AssignedBy     *string    `db:"assigned_by" json:"assigned_by,omitempty"`

	DeliveryMethod  *string                 `db:"delivery_method" json:"delivery_method,omitempty"`
	DeliveryOutcome *VoucherDeliveryOutcome `db:"delivery_outcome" json:"delivery_outcome,omitempty"`
	DeliveredAt     *time.Time              `db:"delivered_at" json:"delivered_at,omitempty"`
	DeliveryError   *string                 `db:"delivery_error" json:"delivery_error,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Voucher history actions.
const (
	VoucherActionImported  = "IMPORTED"
	VoucherActionAssigned  = "ASSIGNED"
	VoucherActionDelivered = "DELIVERED"
	VoucherActionExpired   = "EXPIRED"
	VoucherActionUsed      = "USED"
)

// VoucherHistoryEntry is one row of a voucher's append-only audit trail.
type VoucherHistoryEntry struct {
	ID        string    `db:"id" json:"id"`
	VoucherID string    `db:"voucher_id" json:"voucher_id"`
	Action    string    `db:"action" json:"action"`
	Actor     string    `db:"actor" json:"actor"`
	Detail    string    `db:"detail" json:"detail"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// VoucherAssignment carries the binding target for an assignment.
type VoucherAssignment struct {
	OrderID        string
	RecipientName  string
	RecipientEmail string
	DeliveryMethod DeliveryMethod
	Actor          string
}

// VoucherFilter captures filtering criteria for listing vouchers.
type VoucherFilter struct {
	CertificateID string
	BatchID       string
	OrderID       string
	Status        VoucherStatus
	Page          int
	PageSize      int
	SortBy        string
	SortOrder     string
}
