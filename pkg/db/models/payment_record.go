package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/irishbyblood/horizen-network-deploy/pkg/enums"
)

// PaymentRecord is an append-only log of settlement attempts. Rows are
// never updated or deleted; replayed provider events dedupe on the
// unique payment intent reference.
type PaymentRecord struct {
	ID                    uuid.UUID           `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID                uuid.UUID           `gorm:"column:user_id;type:uuid;not null;index"`
	SubscriptionID        *uuid.UUID          `gorm:"column:subscription_id;type:uuid;index"`
	StripeInvoiceID       string              `gorm:"column:stripe_invoice_id;not null"`
	StripePaymentIntentID string              `gorm:"column:stripe_payment_intent_id;not null;unique"`
	AmountCents           int64               `gorm:"column:amount_cents;not null"`
	Currency              string              `gorm:"column:currency;not null;default:'usd'"`
	Status                enums.PaymentStatus `gorm:"column:status;type:payment_status;not null"`
	FailureMessage        *string             `gorm:"column:failure_message"`
	Metadata              json.RawMessage     `gorm:"column:metadata;type:jsonb"`
	OccurredAt            time.Time           `gorm:"column:occurred_at;not null"`
	CreatedAt             time.Time           `gorm:"column:created_at;autoCreateTime"`
}
