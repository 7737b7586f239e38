package models

import (
	"time"

	"github.com/lib/pq"
)

// CertificateCategory groups catalog products by CompTIA track.
type CertificateCategory string

const (
	CategoryCore           CertificateCategory = "CORE"
	CategoryInfrastructure CertificateCategory = "INFRASTRUCTURE"
	CategoryCybersecurity  CertificateCategory = "CYBERSECURITY"
	CategoryData           CertificateCategory = "DATA"
	CategoryProfessional   CertificateCategory = "PROFESSIONAL"
)

// Certificate is a catalog product: one CompTIA certification exam voucher type.
// Immutable from the fulfillment engine's perspective; referenced by id only.
type Certificate struct {
	ID                 string              `db:"id" json:"id"`
	Code               string              `db:"code" json:"code"`
	Category           CertificateCategory `db:"category" json:"category"`
	NameEN             string              `db:"name_en" json:"name_en"`
	NameAR             string              `db:"name_ar" json:"name_ar"`
	DescriptionEN      string              `db:"description_en" json:"description_en"`
	DescriptionAR      string              `db:"description_ar" json:"description_ar"`
	ExamCodes          pq.StringArray      `db:"exam_codes" json:"exam_codes"`
	ValidityMonths     int                 `db:"validity_months" json:"validity_months"`
	RetailPrice        int64               `db:"retail_price" json:"retail_price"`
	InstitutionalPrice int64               `db:"institutional_price" json:"institutional_price"`
	Active             bool                `db:"active" json:"active"`
	CreatedAt          time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at" json:"updated_at"`
}

// CertificateFilter captures filtering criteria for listing certificates.
type CertificateFilter struct {
	Category  CertificateCategory
	Active    *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
