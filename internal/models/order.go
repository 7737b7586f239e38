package models

import "time"

// OrderStatus is the payment state of an order. It is tracked independently
// from FulfillmentStatus: a paid order may still be unfulfilled.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusPaid     OrderStatus = "PAID"
	OrderStatusFailed   OrderStatus = "FAILED"
	OrderStatusRefunded OrderStatus = "REFUNDED"
)

// FulfillmentStatus is the delivery workflow state of an order.
type FulfillmentStatus string

const (
	FulfillmentUnfulfilled        FulfillmentStatus = "UNFULFILLED"
	FulfillmentProcessing         FulfillmentStatus = "PROCESSING"
	FulfillmentDelivered          FulfillmentStatus = "DELIVERED"
	FulfillmentPartiallyDelivered FulfillmentStatus = "PARTIALLY_DELIVERED"
)

// DeliveryMethod selects how purchased vouchers reach their users.
type DeliveryMethod string

const (
	// DeliveryBulkToContact sends every code in one email to the
	// institutional contact.
	DeliveryBulkToContact DeliveryMethod = "BULK_TO_CONTACT"
	// DeliveryDirectToStudents emails each named student their own code.
	DeliveryDirectToStudents DeliveryMethod = "DIRECT_TO_STUDENTS"
)

// Order is a purchase transaction for a quantity of one certificate product.
type Order struct {
	ID                string            `db:"id" json:"id"`
	Number            string            `db:"number" json:"number"`
	InstitutionID     *string           `db:"institution_id" json:"institution_id,omitempty"`
	CustomerName      string            `db:"customer_name" json:"customer_name"`
	CustomerEmail     string            `db:"customer_email" json:"customer_email"`
	CertificateID     string            `db:"certificate_id" json:"certificate_id"`
	Quantity          int               `db:"quantity" json:"quantity"`
	UnitPrice         int64             `db:"unit_price" json:"unit_price"`
	Subtotal          int64             `db:"subtotal" json:"subtotal"`
	VATAmount         int64             `db:"vat_amount" json:"vat_amount"`
	Total             int64             `db:"total" json:"total"`
	Status            OrderStatus       `db:"status" json:"status"`
	FulfillmentStatus FulfillmentStatus `db:"fulfillment_status" json:"fulfillment_status"`
	DeliveryMethod    DeliveryMethod    `db:"delivery_method" json:"delivery_method"`
	PaidAt            *time.Time        `db:"paid_at" json:"paid_at,omitempty"`
	FulfilledAt       *time.Time        `db:"fulfilled_at" json:"fulfilled_at,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// RecipientDeliveryStatus tracks one recipient's delivery progress.
// PENDING moves to SENT or FAILED; FAILED recipients may be re-attempted.
type RecipientDeliveryStatus string

const (
	RecipientPending RecipientDeliveryStatus = "PENDING"
	RecipientSent    RecipientDeliveryStatus = "SENT"
	RecipientOpened  RecipientDeliveryStatus = "OPENED"
	RecipientFailed  RecipientDeliveryStatus = "FAILED"
)

// OrderRecipient is one named student on a DIRECT_TO_STUDENTS order.
// The rows belonging to an order are the source of truth for per-recipient
// delivery state; voucher_recipients mirrors them for cross-order queries.
type OrderRecipient struct {
	ID             string                  `db:"id" json:"id"`
	OrderID        string                  `db:"order_id" json:"order_id"`
	Position       int                     `db:"position" json:"position"`
	Name           string                  `db:"name" json:"name"`
	Email          string                  `db:"email" json:"email"`
	StudentRef     *string                 `db:"student_ref" json:"student_ref,omitempty"`
	VoucherID      *string                 `db:"voucher_id" json:"voucher_id,omitempty"`
	DeliveryStatus RecipientDeliveryStatus `db:"delivery_status" json:"delivery_status"`
	DeliveredAt    *time.Time              `db:"delivered_at" json:"delivered_at,omitempty"`
	LastError      *string                 `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time               `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time               `db:"updated_at" json:"updated_at"`
}

// OrderDetail enriches an Order with catalog and institution context.
type OrderDetail struct {
	Order
	CertificateNameEN string  `db:"certificate_name_en" json:"certificate_name_en"`
	CertificateNameAR string  `db:"certificate_name_ar" json:"certificate_name_ar"`
	CertificateCode   string  `db:"certificate_code" json:"certificate_code"`
	InstitutionName   *string `db:"institution_name" json:"institution_name,omitempty"`
}

// OrderFilter captures filtering criteria for listing orders.
type OrderFilter struct {
	InstitutionID     string
	Status            OrderStatus
	FulfillmentStatus FulfillmentStatus
	DeliveryMethod    DeliveryMethod
	Page              int
	PageSize          int
	SortBy            string
	SortOrder         string
}
