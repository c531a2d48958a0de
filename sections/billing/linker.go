package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"madrasa-backend/common"
	"madrasa-backend/sections/models"
)

// TenantLinker performs the two-write link sequence: mark the payment linked,
// then activate the mosque. The payment write carries the status guard, so it
// goes first; a failed activation is compensated by reverting the payment.
type TenantLinker struct {
	payments PendingPaymentStore
	mosques  MosqueStore
	logger   *slog.Logger
}

func NewTenantLinker(payments PendingPaymentStore, mosques MosqueStore) *TenantLinker {
	return &TenantLinker{
		payments: payments,
		mosques:  mosques,
		logger:   slog.With("service", "TenantLinker"),
	}
}

// Link associates a resolved payment with a mosque and activates the mosque's
// subscription with limits derived from the payment's plan.
//
// Returns ErrPaymentNotPending when another linker got there first; the caller
// should treat that as already handled, not as a failure.
func (l *TenantLinker) Link(ctx context.Context, payment *models.PendingPayment, mosqueID uint, strategy string) error {
	now := time.Now()

	if err := l.payments.MarkLinked(ctx, payment.ID, mosqueID, strategy, now); err != nil {
		if errors.Is(err, ErrPaymentNotPending) {
			l.logger.Info("Payment already linked by a concurrent writer",
				"payment_id", payment.ID, "mosque_id", mosqueID)
			return err
		}
		return fmt.Errorf("failed to link payment %d: %w", payment.ID, err)
	}

	limits := common.LimitsForPlan(payment.PlanType)
	if err := l.mosques.Activate(ctx, mosqueID, payment.PlanType, limits, payment.StripeCustomerID, payment.StripeSubscriptionID); err != nil {
		// Compensate: put the payment back so a later retry can pick it up.
		// A failed revert leaves a linked payment pointing at an inactive
		// mosque, which only an operator can untangle.
		if revertErr := l.payments.RevertToPending(ctx, payment.ID); revertErr != nil {
			l.logger.Error("CRITICAL: payment linked but mosque activation and rollback both failed",
				"payment_id", payment.ID, "mosque_id", mosqueID,
				"activation_error", err, "rollback_error", revertErr)
			return fmt.Errorf("activation and rollback failed for payment %d: %w", payment.ID, err)
		}
		l.logger.Error("Mosque activation failed, payment reverted to pending",
			"payment_id", payment.ID, "mosque_id", mosqueID, "error", err)
		return fmt.Errorf("failed to activate mosque %d: %w", mosqueID, err)
	}

	l.logger.Info("Payment linked and mosque activated",
		"payment_id", payment.ID, "mosque_id", mosqueID,
		"strategy", strategy, "plan", payment.PlanType)
	return nil
}
