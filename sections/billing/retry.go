package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"madrasa-backend/common"
	"madrasa-backend/sections/models"
)

// RetryScheduler periodically re-attempts payment links for mosques whose
// registration arrived before their webhook. Sweeps use exact-identifier
// resolution only: the weaker email and time-window strategies are too risky
// minutes after the fact, when the payment they would match may belong to a
// different mosque.
type RetryScheduler struct {
	retries  RetryQueueStore
	payments PendingPaymentStore
	linker   *TenantLinker
	mailer   Notifier
	logger   *slog.Logger

	interval    time.Duration
	maxAttempts int
	backoffStep time.Duration
}

func NewRetryScheduler(retries RetryQueueStore, payments PendingPaymentStore, linker *TenantLinker, mailer Notifier) *RetryScheduler {
	return &RetryScheduler{
		retries:     retries,
		payments:    payments,
		linker:      linker,
		mailer:      mailer,
		logger:      slog.With("service", "RetryScheduler"),
		interval:    common.DEFAULT_RETRY_INTERVAL,
		maxAttempts: common.DEFAULT_RETRY_MAX_ATTEMPTS,
		backoffStep: common.RETRY_BACKOFF_STEP,
	}
}

// Run sweeps on a fixed interval until the context is canceled.
func (s *RetryScheduler) Run(ctx context.Context) {
	s.logger.Info("Retry scheduler started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retry scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("Retry sweep failed", "error", err)
			}
		}
	}
}

// Sweep expires stale payments, then processes every due retry entry. A
// failure on one entry never blocks the rest; the first error is returned
// after the full pass.
func (s *RetryScheduler) Sweep(ctx context.Context) error {
	now := time.Now()

	expired, err := s.payments.ExpireStale(ctx, now)
	if err != nil {
		s.logger.Error("Failed to expire stale payments", "error", err)
	} else if expired > 0 {
		s.logger.Info("Expired stale pending payments", "count", expired)
	}

	entries, dueErr := s.retries.Due(ctx, now, s.maxAttempts)
	if dueErr != nil {
		return keepFirstErr(err, dueErr)
	}

	for _, entry := range entries {
		if attemptErr := s.attempt(ctx, entry, now); attemptErr != nil {
			s.logger.Error("Retry attempt failed",
				"entry_id", entry.ID, "mosque_id", entry.MosqueID, "error", attemptErr)
			err = keepFirstErr(err, attemptErr)
		}
	}
	return err
}

func (s *RetryScheduler) attempt(ctx context.Context, entry *models.RetryQueueEntry, now time.Time) error {
	attemptedAt := now
	entry.LastAttemptAt = &attemptedAt

	payment, err := s.findPayment(ctx, entry)
	if err != nil {
		return err
	}

	if payment != nil {
		strategy := StrategyTrackingID
		if entry.TrackingID == "" || payment.TrackingID != entry.TrackingID {
			strategy = StrategySessionID
		}
		linkErr := s.linker.Link(ctx, payment, entry.MosqueID, strategy)
		if linkErr == nil {
			entry.Processed = true
			entry.Success = true
			s.logger.Info("Retry linked payment", "entry_id", entry.ID, "mosque_id", entry.MosqueID)
			if updErr := s.retries.Update(ctx, entry); updErr != nil {
				return updErr
			}
			s.mailer.SendSubscriptionActivated(ctx, entry.AdminEmail, payment.PlanType)
			return nil
		}
		if errors.Is(linkErr, ErrPaymentNotPending) {
			// Linked elsewhere between find and link, nothing left to retry.
			entry.Processed = true
			return s.retries.Update(ctx, entry)
		}
		s.reschedule(entry, now)
		if updErr := s.retries.Update(ctx, entry); updErr != nil {
			return keepFirstErr(linkErr, updErr)
		}
		return linkErr
	}

	s.reschedule(entry, now)
	return s.retries.Update(ctx, entry)
}

func (s *RetryScheduler) findPayment(ctx context.Context, entry *models.RetryQueueEntry) (*models.PendingPayment, error) {
	if entry.TrackingID != "" {
		p, err := s.payments.FindPendingByTrackingID(ctx, entry.TrackingID)
		if err != nil || p != nil {
			return p, err
		}
	}
	if entry.StripeSessionID != "" {
		return s.payments.FindPendingBySessionID(ctx, entry.StripeSessionID)
	}
	return nil, nil
}

// reschedule bumps the attempt counter and pushes the next attempt out on a
// linear backoff. An entry that exhausts its attempts is marked processed and
// left for an operator.
func (s *RetryScheduler) reschedule(entry *models.RetryQueueEntry, now time.Time) {
	entry.RetryCount++
	if entry.RetryCount >= s.maxAttempts {
		entry.Processed = true
		s.logger.Warn("Retry attempts exhausted",
			"entry_id", entry.ID, "mosque_id", entry.MosqueID, "attempts", entry.RetryCount)
		return
	}
	entry.NextRetryAt = now.Add(time.Duration(entry.RetryCount+1) * s.backoffStep)
}

func keepFirstErr(first, next error) error {
	if first != nil {
		return first
	}
	return next
}
