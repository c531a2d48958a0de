package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"madrasa-backend/common"
	"madrasa-backend/sections/models"
	"madrasa-backend/services"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v84"
)

// Checkout metadata keys written by the checkout handler and read back here.
const (
	MetaTrackingID = "tracking_id"
	MetaMosqueID   = "mosque_id"
	MetaPlanID     = "plan_id"
)

// Notifier is the mail surface the ingestor needs. Notifications are
// best-effort and never fail event handling.
type Notifier interface {
	SendSubscriptionActivated(ctx context.Context, to string, plan common.PlanType)
	SendPaymentFailed(ctx context.Context, to string)
	SendTrialEnding(ctx context.Context, to string, endsAt time.Time)
	SendSubscriptionCanceled(ctx context.Context, to string)
}

// WebhookIngestor receives payment-processor events, records payments, and
// attempts immediate linking when the event already identifies the mosque.
//
// Every verified event is acknowledged with 200 regardless of handler outcome:
// processor-side redelivery cannot fix a bad payload, so failures are logged
// to the event log for operators instead of bounced.
type WebhookIngestor struct {
	stripeSvc *services.StripeService
	payments  PendingPaymentStore
	mosques   MosqueStore
	linker    *TenantLinker
	eventLog  EventLogStore
	mailer    Notifier
	logger    *slog.Logger

	paymentTTL         time.Duration
	recentMosqueWindow time.Duration
}

func NewWebhookIngestor(stripeSvc *services.StripeService, payments PendingPaymentStore, mosques MosqueStore, linker *TenantLinker, eventLog EventLogStore, mailer Notifier) *WebhookIngestor {
	return &WebhookIngestor{
		stripeSvc:          stripeSvc,
		payments:           payments,
		mosques:            mosques,
		linker:             linker,
		eventLog:           eventLog,
		mailer:             mailer,
		logger:             slog.With("service", "WebhookIngestor"),
		paymentTTL:         common.DEFAULT_PENDING_PAYMENT_TTL,
		recentMosqueWindow: common.RECENT_MOSQUE_WINDOW,
	}
}

// HandleWebhook is the Gin endpoint. Signature verification is the only
// condition that produces a non-200 response.
func (w *WebhookIngestor) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	event, err := w.stripeSvc.ConstructWebhookEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook signature"})
		return
	}

	handlerErr := w.HandleEvent(c.Request.Context(), event)
	if handlerErr != nil {
		w.logger.Error("Webhook handler failed", "event_id", event.ID, "type", event.Type, "error", handlerErr)
	}
	if logErr := w.eventLog.Record(c.Request.Context(), event.ID, string(event.Type), string(payload), handlerErr); logErr != nil {
		w.logger.Error("Failed to record webhook event", "event_id", event.ID, "error", logErr)
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// HandleEvent dispatches a verified event to its handler. Unhandled event
// types are ignored without error.
func (w *WebhookIngestor) HandleEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return w.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return w.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return w.handleSubscriptionDeleted(ctx, event)
	case "customer.subscription.trial_will_end":
		return w.handleTrialWillEnd(ctx, event)
	case "invoice.payment_succeeded":
		return w.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		return w.handleInvoiceFailed(ctx, event)
	default:
		w.logger.Debug("Ignoring webhook event", "type", event.Type)
		return nil
	}
}

// handleCheckoutCompleted records the payment and tries to link it right away.
// If the mosque cannot be identified yet, the payment stays pending for the
// registration-time linker or the retry scheduler to pick up.
func (w *WebhookIngestor) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := w.stripeSvc.ParseWebhookData(event.Data, &sess); err != nil {
		return err
	}

	if sess.Mode != stripe.CheckoutSessionModeSubscription {
		w.logger.Debug("Ignoring non-subscription checkout session", "session_id", sess.ID, "mode", sess.Mode)
		return nil
	}

	payment := w.paymentFromSession(&sess)
	if err := w.payments.UpsertBySessionID(ctx, payment); err != nil {
		return err
	}
	w.logger.Info("Pending payment recorded",
		"session_id", payment.StripeSessionID, "plan", payment.PlanType, "tracking_id", payment.TrackingID)

	// The upsert never touches status, so reload to see whether an earlier
	// delivery of this event already linked it.
	current, err := w.payments.FindPendingBySessionID(ctx, payment.StripeSessionID)
	if err != nil {
		return err
	}
	if current == nil {
		w.logger.Debug("Payment already finalized, skipping link", "session_id", payment.StripeSessionID)
		return nil
	}

	return w.tryImmediateLink(ctx, current, sess.Metadata)
}

// tryImmediateLink links the payment when the checkout metadata names the
// mosque, or when exactly one recently created unpaid mosque shares the payer
// email. Anything weaker waits for registration.
func (w *WebhookIngestor) tryImmediateLink(ctx context.Context, payment *models.PendingPayment, metadata map[string]string) error {
	if raw, ok := metadata[MetaMosqueID]; ok && raw != "" {
		mosqueID, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid mosque id in checkout metadata: %w", err)
		}
		return w.linkAndNotify(ctx, payment, uint(mosqueID), StrategyTrackingID)
	}

	if payment.CustomerEmail == "" {
		return nil
	}
	candidates, err := w.mosques.FindRecentTrialingByEmail(ctx, payment.CustomerEmail, time.Now().Add(-w.recentMosqueWindow))
	if err != nil {
		return err
	}
	if len(candidates) != 1 {
		if len(candidates) > 1 {
			w.logger.Warn("Multiple recent mosques share the payer email, leaving payment pending",
				"email", payment.CustomerEmail, "candidates", len(candidates))
		}
		return nil
	}
	return w.linkAndNotify(ctx, payment, candidates[0].ID, StrategyEmailWindow)
}

func (w *WebhookIngestor) linkAndNotify(ctx context.Context, payment *models.PendingPayment, mosqueID uint, strategy string) error {
	if err := w.linker.Link(ctx, payment, mosqueID, strategy); err != nil {
		if errors.Is(err, ErrPaymentNotPending) {
			return nil
		}
		return err
	}
	w.mailer.SendSubscriptionActivated(ctx, payment.CustomerEmail, payment.PlanType)
	return nil
}

func (w *WebhookIngestor) handleSubscriptionChanged(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := w.stripeSvc.ParseWebhookData(event.Data, &sub); err != nil {
		return err
	}
	if sub.Customer == nil {
		w.logger.Warn("Subscription event has no customer, skipping", "event_id", event.ID)
		return nil
	}

	mosque, err := w.mosques.GetByStripeCustomerID(ctx, sub.Customer.ID)
	if err != nil {
		return err
	}
	if mosque == nil {
		// Payment not linked yet; the subscription state lands once the
		// checkout event or the retry scheduler associates the mosque.
		w.logger.Debug("No mosque for subscription customer yet", "customer_id", sub.Customer.ID)
		return nil
	}

	status := mapSubscriptionStatus(sub.Status)
	var trialEndsAt *time.Time
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0)
		trialEndsAt = &t
	}

	if err := w.mosques.UpdateSubscriptionState(ctx, mosque.ID, status, trialEndsAt, sub.Customer.ID, sub.ID); err != nil {
		return err
	}
	w.logger.Info("Subscription state updated", "mosque_id", mosque.ID, "status", status)
	return nil
}

func (w *WebhookIngestor) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := w.stripeSvc.ParseWebhookData(event.Data, &sub); err != nil {
		return err
	}
	if sub.Customer == nil {
		w.logger.Warn("Subscription event has no customer, skipping", "event_id", event.ID)
		return nil
	}

	mosque, err := w.mosques.GetByStripeCustomerID(ctx, sub.Customer.ID)
	if err != nil {
		return err
	}
	if mosque == nil {
		return nil
	}

	if err := w.mosques.Cancel(ctx, mosque.ID); err != nil {
		return err
	}
	w.logger.Info("Subscription canceled", "mosque_id", mosque.ID)
	w.mailer.SendSubscriptionCanceled(ctx, mosque.ContactEmail)
	return nil
}

func (w *WebhookIngestor) handleTrialWillEnd(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := w.stripeSvc.ParseWebhookData(event.Data, &sub); err != nil {
		return err
	}
	if sub.Customer == nil {
		w.logger.Warn("Subscription event has no customer, skipping", "event_id", event.ID)
		return nil
	}

	mosque, err := w.mosques.GetByStripeCustomerID(ctx, sub.Customer.ID)
	if err != nil {
		return err
	}
	if mosque == nil {
		return nil
	}

	endsAt := time.Unix(sub.TrialEnd, 0)
	w.mailer.SendTrialEnding(ctx, mosque.ContactEmail, endsAt)
	return nil
}

func (w *WebhookIngestor) handleInvoicePaid(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := w.stripeSvc.ParseWebhookData(event.Data, &inv); err != nil {
		return err
	}
	if inv.Customer == nil {
		w.logger.Warn("Invoice event has no customer, skipping", "event_id", event.ID)
		return nil
	}

	mosque, err := w.mosques.GetByStripeCustomerID(ctx, inv.Customer.ID)
	if err != nil {
		return err
	}
	if mosque == nil {
		w.logger.Debug("No mosque for invoice customer yet", "customer_id", inv.Customer.ID)
		return nil
	}

	if err := w.mosques.MarkActivePaid(ctx, mosque.ID); err != nil {
		return err
	}
	w.logger.Info("Invoice paid, mosque active", "mosque_id", mosque.ID)
	w.mailer.SendSubscriptionActivated(ctx, mosque.ContactEmail, mosque.PlanType)
	return nil
}

func (w *WebhookIngestor) handleInvoiceFailed(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := w.stripeSvc.ParseWebhookData(event.Data, &inv); err != nil {
		return err
	}
	if inv.Customer == nil {
		w.logger.Warn("Invoice event has no customer, skipping", "event_id", event.ID)
		return nil
	}

	mosque, err := w.mosques.GetByStripeCustomerID(ctx, inv.Customer.ID)
	if err != nil {
		return err
	}
	if mosque == nil {
		return nil
	}

	w.logger.Warn("Invoice payment failed", "mosque_id", mosque.ID)
	w.mailer.SendPaymentFailed(ctx, mosque.ContactEmail)
	return nil
}

func (w *WebhookIngestor) paymentFromSession(sess *stripe.CheckoutSession) *models.PendingPayment {
	email := sess.CustomerEmail
	if email == "" && sess.CustomerDetails != nil {
		email = sess.CustomerDetails.Email
	}

	plan, err := common.ParsePlanType(sess.Metadata[MetaPlanID])
	if err != nil {
		w.logger.Warn("Checkout session has no recognizable plan, defaulting to basic",
			"session_id", sess.ID, "error", err)
		plan = common.PlanBasic
	}

	payment := &models.PendingPayment{
		StripeSessionID: sess.ID,
		TrackingID:      sess.Metadata[MetaTrackingID],
		CustomerEmail:   strings.ToLower(strings.TrimSpace(email)),
		PlanType:        plan,
		Amount:          sess.AmountTotal,
		Currency:        string(sess.Currency),
		Status:          models.PaymentPending,
		ExpiresAt:       time.Now().Add(w.paymentTTL),
	}
	if sess.Customer != nil {
		payment.StripeCustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		payment.StripeSubscriptionID = sess.Subscription.ID
	}
	if len(sess.Metadata) > 0 {
		payment.Metadata = encodeMetadata(sess.Metadata)
	}
	return payment
}

func encodeMetadata(metadata map[string]string) string {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(raw)
}

func mapSubscriptionStatus(s stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusTrialing:
		return models.SubscriptionTrialing
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.SubscriptionCanceled
	default:
		// past_due and unpaid keep access until Stripe deletes the
		// subscription.
		return models.SubscriptionActive
	}
}
