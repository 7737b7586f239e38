package models

import "time"

// VoucherBatch is the aggregate ledger row for one bulk import. Its counters
// are denormalized over the vouchers sharing its batch id and refreshed
// opportunistically; they may briefly trail the live voucher statuses.
type VoucherBatch struct {
	ID             string    `db:"id" json:"id"`
	Source         string    `db:"source" json:"source"`
	ExternalRef    string    `db:"external_ref" json:"external_ref"`
	CertificateID  string    `db:"certificate_id" json:"certificate_id"`
	UnitCost       int64     `db:"unit_cost" json:"unit_cost"`
	PurchasedAt    time.Time `db:"purchased_at" json:"purchased_at"`
	ExpiresAt      time.Time `db:"expires_at" json:"expires_at"`
	TotalCount     int       `db:"total_count" json:"total_count"`
	AvailableCount int       `db:"available_count" json:"available_count"`
	AssignedCount  int       `db:"assigned_count" json:"assigned_count"`
	DeliveredCount int       `db:"delivered_count" json:"delivered_count"`
	UsedCount      int       `db:"used_count" json:"used_count"`
	ExpiredCount   int       `db:"expired_count" json:"expired_count"`
	ImportedBy     string    `db:"imported_by" json:"imported_by"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// VoucherBatchCounters is the result of recomputing a batch's status counts.
type VoucherBatchCounters struct {
	Total     int `db:"total"`
	Available int `db:"available"`
	Assigned  int `db:"assigned"`
	Delivered int `db:"delivered"`
	Used      int `db:"used"`
	Expired   int `db:"expired"`
}
