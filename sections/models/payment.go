package models

import (
	"errors"
	"fmt"
	"time"

	"madrasa-backend/common"

	"gorm.io/gorm"
)

// PaymentStatus is the lifecycle state of a pending payment. A payment starts
// pending and moves to exactly one terminal state.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentLinked     PaymentStatus = "linked"
	PaymentExpired    PaymentStatus = "expired"
	PaymentSuperseded PaymentStatus = "superseded"
)

// Terminal reports whether the status admits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentLinked || s == PaymentExpired || s == PaymentSuperseded
}

// PendingPayment is a payment-processor checkout event recorded before it is
// known which mosque it belongs to.
type PendingPayment struct {
	gorm.Model

	// Stripe identifiers. The session id is the upsert key for idempotent
	// webhook ingestion.
	StripeSessionID      string `gorm:"uniqueIndex;size:255;not null" json:"stripeSessionId"`
	StripeCustomerID     string `gorm:"size:255;index" json:"stripeCustomerId"`
	StripeSubscriptionID string `gorm:"size:255;index" json:"stripeSubscriptionId"`

	// Correlation aids. TrackingID is application-issued and embedded in
	// checkout metadata when the initiating user was known; CustomerEmail is a
	// weak fallback key, always stored lower-cased.
	TrackingID    string `gorm:"size:36;index" json:"trackingId"`
	CustomerEmail string `gorm:"size:255;index" json:"customerEmail"`

	PlanType common.PlanType `gorm:"size:50;not null" json:"planType"`
	Amount   int64           `gorm:"not null" json:"amount"` // cents
	Currency string          `gorm:"size:3;not null;default:'usd'" json:"currency"`
	Metadata string          `gorm:"type:jsonb" json:"metadata,omitempty"`

	Status PaymentStatus `gorm:"size:50;not null;default:'pending';index" json:"status"`

	// Set on transition to linked.
	LinkedMosqueID *uint      `gorm:"index" json:"linkedMosqueId,omitempty"`
	LinkedVia      string     `gorm:"size:50" json:"linkedVia,omitempty"`
	LinkedAt       *time.Time `json:"linkedAt,omitempty"`

	ExpiresAt time.Time `gorm:"index" json:"expiresAt"`
}

// TableName returns the table name with public schema prefix
func (PendingPayment) TableName() string {
	return "public.pending_payments"
}

// IsSharedModel indicates this is a shared/public model
func (PendingPayment) IsSharedModel() bool {
	return true
}

// Transition moves the payment to a new status, enforcing the legal lifecycle:
// pending may move to any terminal state; terminal states admit no exit. The
// compensating rollback of a partially linked payment goes through
// RevertToPending, never through Transition.
func (p *PendingPayment) Transition(to PaymentStatus) error {
	if p.Status.Terminal() {
		return fmt.Errorf("payment %d is %s: %w", p.ID, p.Status, ErrTerminalStatus)
	}
	if p.Status != PaymentPending || !to.Terminal() {
		return fmt.Errorf("illegal payment transition %s -> %s", p.Status, to)
	}
	p.Status = to
	return nil
}

// RevertToPending undoes a linked transition as part of a compensating
// rollback. It is the only sanctioned path back to pending.
func (p *PendingPayment) RevertToPending() {
	p.Status = PaymentPending
	p.LinkedMosqueID = nil
	p.LinkedVia = ""
	p.LinkedAt = nil
}

var ErrTerminalStatus = errors.New("payment status is terminal")

// RetryQueueEntry is a deferred relink request, created when registration-time
// linking finds no payment. Mutated only by the retry scheduler.
type RetryQueueEntry struct {
	gorm.Model
	MosqueID        uint   `gorm:"not null;index" json:"mosqueId"`
	StripeSessionID string `gorm:"size:255" json:"stripeSessionId"`
	TrackingID      string `gorm:"size:36" json:"trackingId"`
	AdminEmail      string `gorm:"size:255" json:"adminEmail"`

	RetryCount    int        `gorm:"not null;default:0" json:"retryCount"`
	NextRetryAt   time.Time  `gorm:"index" json:"nextRetryAt"`
	Processed     bool       `gorm:"not null;default:false;index" json:"processed"`
	Success       bool       `gorm:"not null;default:false" json:"success"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

// TableName returns the table name with public schema prefix
func (RetryQueueEntry) TableName() string {
	return "public.payment_retry_queue"
}

// IsSharedModel indicates this is a shared/public model
func (RetryQueueEntry) IsSharedModel() bool {
	return true
}

// WebhookEventLog records processed webhook events and any handler error, so
// failures are operable without relying on processor-side redelivery.
type WebhookEventLog struct {
	gorm.Model
	EventID   string `gorm:"size:255;not null;index" json:"eventId"`
	EventType string `gorm:"size:100;not null;index" json:"eventType"`
	Error     string `gorm:"type:text" json:"error,omitempty"`
	Payload   string `gorm:"type:jsonb" json:"payload,omitempty"`
}

// TableName returns the table name with public schema prefix
func (WebhookEventLog) TableName() string {
	return "public.webhook_event_logs"
}

// IsSharedModel indicates this is a shared/public model
func (WebhookEventLog) IsSharedModel() bool {
	return true
}
