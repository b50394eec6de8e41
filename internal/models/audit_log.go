package models

import "time"

const (
	EntityTransaction = "transaction"
	EntityRefund      = "refund"
	EntityInvoice     = "invoice"
	EntityCredential  = "credential"
)

const (
	ActionCreated         = "created"
	ActionStatusChange    = "status_change"
	ActionCallback        = "callback"
	ActionDuplicate       = "duplicate_callback"
	ActionChargeRefund    = "charge_refunded"
	ActionDispute         = "dispute"
	ActionDisputeResolved = "dispute_resolved"
	ActionPaymentApplied  = "payment_applied"
)

// AuditLog is an append-only record of a state change on a ledger entity.
type AuditLog struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details"`
	CreatedAt  time.Time      `json:"created_at"`
}
