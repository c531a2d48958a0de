package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"madrasa-backend/common"
	"madrasa-backend/sections/models"
)

// Strategy names, recorded on the payment as linked_via.
const (
	StrategyTrackingID  = "tracking_id"
	StrategySessionID   = "session_id"
	StrategyEmailWindow = "email_window"
	StrategyTimeWindow  = "time_window"
)

// Resolution reasons for a miss, surfaced in logs and retry bookkeeping.
const (
	ReasonNoPendingPayments = "no_pending_payments"
	ReasonPaymentExpired    = "payment_expired"
	ReasonAmbiguousMatch    = "ambiguous_match"
	ReasonNoMatch           = "no_match"
)

// ResolutionQuery carries the correlation hints available at resolution time.
// Any field may be empty; strategies that need a missing hint are skipped.
type ResolutionQuery struct {
	TrackingID string
	SessionID  string
	Email      string

	// Now anchors the email and time windows. Zero means time.Now().
	Now time.Time
}

// Resolution is the outcome of a resolver pass.
type Resolution struct {
	Payment  *models.PendingPayment
	Strategy string

	// Reason is set when Payment is nil.
	Reason string
}

// Matched reports whether the resolver found a usable payment.
func (r *Resolution) Matched() bool {
	return r.Payment != nil
}

// CorrelationResolver matches an unlinked pending payment to a mosque
// registration using an ordered chain of strategies, strongest first. The
// first strategy that yields a usable payment wins.
type CorrelationResolver struct {
	payments PendingPaymentStore
	logger   *slog.Logger

	maxPaymentAge   time.Duration
	emailWindow     time.Duration
	timeMatchWindow time.Duration
}

// NewCorrelationResolver creates a resolver with the standard window settings.
func NewCorrelationResolver(payments PendingPaymentStore) *CorrelationResolver {
	return &CorrelationResolver{
		payments:        payments,
		logger:          slog.With("service", "CorrelationResolver"),
		maxPaymentAge:   common.RESOLUTION_MAX_PAYMENT_AGE,
		emailWindow:     common.EMAIL_MATCH_WINDOW,
		timeMatchWindow: common.TIME_WINDOW_MATCH_WINDOW,
	}
}

type strategyFunc func(ctx context.Context, q ResolutionQuery) (*models.PendingPayment, string, error)

// Resolve runs the strategy chain. A payment older than the maximum age is
// never returned, even on an exact identifier match: the caller should treat
// it as expired and let the sweeper finalize it.
func (r *CorrelationResolver) Resolve(ctx context.Context, q ResolutionQuery) (*Resolution, error) {
	if q.Now.IsZero() {
		q.Now = time.Now()
	}
	q.Email = strings.ToLower(strings.TrimSpace(q.Email))

	strategies := []struct {
		name string
		fn   strategyFunc
	}{
		{StrategyTrackingID, r.byTrackingID},
		{StrategySessionID, r.bySessionID},
		{StrategyEmailWindow, r.byEmailWindow},
		{StrategyTimeWindow, r.byTimeWindow},
	}

	sawExpired := false
	sawAmbiguous := false
	sawEmpty := false
	for _, s := range strategies {
		payment, reason, err := s.fn(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("resolution strategy %s failed: %w", s.name, err)
		}
		if payment != nil {
			if q.Now.Sub(payment.CreatedAt) > r.maxPaymentAge {
				r.logger.Warn("Resolved payment is too old to link",
					"strategy", s.name, "payment_id", payment.ID, "created_at", payment.CreatedAt)
				sawExpired = true
				continue
			}
			r.logger.Info("Payment resolved", "strategy", s.name, "payment_id", payment.ID)
			return &Resolution{Payment: payment, Strategy: s.name}, nil
		}
		switch reason {
		case ReasonAmbiguousMatch:
			sawAmbiguous = true
		case ReasonNoPendingPayments:
			sawEmpty = true
		}
	}

	reason := ReasonNoMatch
	switch {
	case sawExpired:
		reason = ReasonPaymentExpired
	case sawAmbiguous:
		reason = ReasonAmbiguousMatch
	case sawEmpty:
		reason = ReasonNoPendingPayments
	}
	r.logger.Debug("No payment resolved", "reason", reason,
		"tracking_id", q.TrackingID, "session_id", q.SessionID)
	return &Resolution{Reason: reason}, nil
}

// byTrackingID matches on the application-issued tracking id embedded in
// checkout metadata. This is the strongest signal.
func (r *CorrelationResolver) byTrackingID(ctx context.Context, q ResolutionQuery) (*models.PendingPayment, string, error) {
	if q.TrackingID == "" {
		return nil, "", nil
	}
	p, err := r.payments.FindPendingByTrackingID(ctx, q.TrackingID)
	return p, "", err
}

// bySessionID matches on the processor's checkout session id.
func (r *CorrelationResolver) bySessionID(ctx context.Context, q ResolutionQuery) (*models.PendingPayment, string, error) {
	if q.SessionID == "" {
		return nil, "", nil
	}
	p, err := r.payments.FindPendingBySessionID(ctx, q.SessionID)
	return p, "", err
}

// byEmailWindow matches on the customer email, restricted to recent payments.
// Multiple hits take the newest: the payer most likely retried checkout.
func (r *CorrelationResolver) byEmailWindow(ctx context.Context, q ResolutionQuery) (*models.PendingPayment, string, error) {
	if q.Email == "" {
		return nil, "", nil
	}
	payments, err := r.payments.FindPendingByEmailSince(ctx, q.Email, q.Now.Add(-r.emailWindow))
	if err != nil {
		return nil, "", err
	}
	if len(payments) == 0 {
		return nil, "", nil
	}
	if len(payments) > 1 {
		r.logger.Warn("Multiple pending payments share the email, taking newest",
			"email", q.Email, "candidates", len(payments))
	}
	return payments[0], "", nil
}

// byTimeWindow is the weakest strategy: any single pending payment created in
// the last few minutes. Two or more candidates is ambiguous and matches
// nothing, since guessing here would link someone else's payment.
func (r *CorrelationResolver) byTimeWindow(ctx context.Context, q ResolutionQuery) (*models.PendingPayment, string, error) {
	payments, err := r.payments.FindPendingSince(ctx, q.Now.Add(-r.timeMatchWindow))
	if err != nil {
		return nil, "", err
	}
	switch len(payments) {
	case 0:
		return nil, ReasonNoPendingPayments, nil
	case 1:
		return payments[0], "", nil
	default:
		r.logger.Warn("Time-window match is ambiguous", "candidates", len(payments))
		return nil, ReasonAmbiguousMatch, nil
	}
}
