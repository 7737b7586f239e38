package models

import "time"

// RecipientResult is the outcome of one recipient's delivery attempt
// within a fulfillment pass.
type RecipientResult struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	VoucherCode string `json:"voucher_code,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// FulfillmentSummary is returned to the operator after a fulfillment pass.
// It carries enough detail for the admin UI to offer a retry affordance
// for failed recipients only.
type FulfillmentSummary struct {
	OrderID           string            `json:"order_id"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status"`
	SentCount         int               `json:"sent_count"`
	FailedCount       int               `json:"failed_count"`
	Results           []RecipientResult `json:"results"`
	CompletedAt       time.Time         `json:"completed_at"`
}
