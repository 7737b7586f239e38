package models

import "time"

// InstitutionStatus tracks the registration approval workflow.
type InstitutionStatus string

const (
	InstitutionPending  InstitutionStatus = "PENDING"
	InstitutionApproved InstitutionStatus = "APPROVED"
	InstitutionRejected InstitutionStatus = "REJECTED"
)

// Institution is a registered training provider or school purchasing
// vouchers for its students.
type Institution struct {
	ID           string            `db:"id" json:"id"`
	NameEN       string            `db:"name_en" json:"name_en"`
	NameAR       string            `db:"name_ar" json:"name_ar"`
	CRNumber     string            `db:"cr_number" json:"cr_number"`
	VATNumber    string            `db:"vat_number" json:"vat_number"`
	ContactName  string            `db:"contact_name" json:"contact_name"`
	ContactEmail string            `db:"contact_email" json:"contact_email"`
	ContactPhone string            `db:"contact_phone" json:"contact_phone"`
	City         string            `db:"city" json:"city"`
	Status       InstitutionStatus `db:"status" json:"status"`
	ReviewedBy   *string           `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time        `db:"reviewed_at" json:"reviewed_at,omitempty"`
	ReviewNote   *string           `db:"review_note" json:"review_note,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at" json:"updated_at"`
}

// InstitutionFilter captures filtering criteria for listing institutions.
type InstitutionFilter struct {
	Status    InstitutionStatus
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
