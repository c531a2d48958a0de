package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"madrasa-backend/common"
	"madrasa-backend/sections/models"
	"madrasa-backend/storage"
)

// TrackingRefStore holds the checkout tracking references minted at checkout
// time. Consulted at registration and cleared once the payment links.
type TrackingRefStore interface {
	GetTrackingRef(ctx context.Context, trackingID string) (*storage.TrackingRef, error)
	DeleteTrackingRef(ctx context.Context, trackingID string) error
}

// RegistrationLink carries the correlation identifiers a freshly registered
// mosque can offer: the tracking id from the checkout redirect, the session id
// if the success URL carried one, and the admin's email.
type RegistrationLink struct {
	MosqueID   uint
	AdminEmail string
	TrackingID string
	SessionID  string
}

// LinkOutcome tells the registration flow what happened, so the API response
// can distinguish an activated mosque from one whose payment is still in
// flight.
type LinkOutcome struct {
	Linked   bool   `json:"linked"`
	Strategy string `json:"strategy,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Enqueued bool   `json:"retryEnqueued"`
}

// RegistrationLinker resolves and links a payment at mosque registration
// time. A miss is not an error: the mosque starts on trial and a retry entry
// covers the case where the webhook simply has not arrived yet.
type RegistrationLinker struct {
	resolver *CorrelationResolver
	linker   *TenantLinker
	retries  RetryQueueStore
	refs     TrackingRefStore
	mailer   Notifier
	logger   *slog.Logger

	initialRetryDelay time.Duration
}

func NewRegistrationLinker(resolver *CorrelationResolver, linker *TenantLinker, retries RetryQueueStore, refs TrackingRefStore, mailer Notifier) *RegistrationLinker {
	return &RegistrationLinker{
		resolver:          resolver,
		linker:            linker,
		retries:           retries,
		refs:              refs,
		mailer:            mailer,
		logger:            slog.With("service", "RegistrationLinker"),
		initialRetryDelay: common.RETRY_INITIAL_DELAY,
	}
}

// LinkAtRegistration runs the resolver chain for a new mosque and either
// links the payment or enqueues a deferred retry.
func (r *RegistrationLinker) LinkAtRegistration(ctx context.Context, req RegistrationLink) (*LinkOutcome, error) {
	if req.TrackingID != "" {
		ref, err := r.refs.GetTrackingRef(ctx, req.TrackingID)
		if err != nil {
			r.logger.Warn("Failed to load tracking ref", "tracking_id", req.TrackingID, "error", err)
		} else if ref == nil {
			// Expired or never minted here; the payment row stays the source
			// of truth either way.
			r.logger.Warn("Tracking ref expired or unknown", "tracking_id", req.TrackingID)
		} else if req.AdminEmail == "" {
			req.AdminEmail = ref.Email
		}
	}

	res, err := r.resolver.Resolve(ctx, ResolutionQuery{
		TrackingID: req.TrackingID,
		SessionID:  req.SessionID,
		Email:      req.AdminEmail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve payment at registration: %w", err)
	}

	if res.Matched() {
		err := r.linker.Link(ctx, res.Payment, req.MosqueID, res.Strategy)
		if err == nil {
			if req.TrackingID != "" {
				if delErr := r.refs.DeleteTrackingRef(ctx, req.TrackingID); delErr != nil {
					r.logger.Warn("Failed to delete tracking ref", "tracking_id", req.TrackingID, "error", delErr)
				}
			}
			r.mailer.SendSubscriptionActivated(ctx, req.AdminEmail, res.Payment.PlanType)
			return &LinkOutcome{Linked: true, Strategy: res.Strategy}, nil
		}
		if errors.Is(err, ErrPaymentNotPending) {
			// Lost the race, the payment belongs to whoever linked it.
			return &LinkOutcome{Reason: "payment_already_linked"}, nil
		}
		r.logger.Error("Registration-time link failed, deferring to retry queue",
			"mosque_id", req.MosqueID, "payment_id", res.Payment.ID, "error", err)
	}

	outcome := &LinkOutcome{Reason: res.Reason}
	if outcome.Reason == "" {
		outcome.Reason = "link_failed"
	}
	if err := r.EnqueueRetry(ctx, req); err != nil {
		return nil, err
	}
	outcome.Enqueued = true
	return outcome, nil
}

// EnqueueRetry schedules a deferred relink attempt for the mosque.
func (r *RegistrationLinker) EnqueueRetry(ctx context.Context, req RegistrationLink) error {
	entry := &models.RetryQueueEntry{
		MosqueID:        req.MosqueID,
		StripeSessionID: req.SessionID,
		TrackingID:      req.TrackingID,
		AdminEmail:      req.AdminEmail,
		RetryCount:      0,
		NextRetryAt:     time.Now().Add(r.initialRetryDelay),
	}
	if err := r.retries.Enqueue(ctx, entry); err != nil {
		return fmt.Errorf("failed to enqueue payment retry: %w", err)
	}
	r.logger.Info("Payment retry enqueued",
		"mosque_id", req.MosqueID, "tracking_id", req.TrackingID, "next_retry_at", entry.NextRetryAt)
	return nil
}
