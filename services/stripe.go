package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"madrasa-backend/common"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/checkout/session"
	"github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/subscription"
	"github.com/stripe/stripe-go/v84/webhook"
)

// StripeService handles Stripe API interactions
type StripeService struct {
	plans         []common.Plan
	webhookSecret string
	successURL    string
	cancelURL     string
	logger        *slog.Logger
}

// NewStripeService creates a new Stripe service
func NewStripeService(plans []common.Plan, secretKey, webhookSecret, successURL, cancelURL string) *StripeService {
	stripe.Key = secretKey

	return &StripeService{
		plans:         plans,
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
		logger:        slog.With("service", "StripeService"),
	}
}

// CreateCheckoutSessionForPlan creates a subscription-mode checkout session for
// a plan. Metadata must already carry the correlation identifiers (tracking id,
// and mosque id when the caller is authenticated).
func (s *StripeService) CreateCheckoutSessionForPlan(ctx context.Context, customerEmail, customerID string, planID common.PlanType, metadata map[string]string) (*stripe.CheckoutSession, error) {
	selectedPlan := common.GetPlan(s.plans, planID)
	if selectedPlan == nil {
		return nil, fmt.Errorf("plan not found: %s", planID)
	}

	metadata["plan_id"] = string(selectedPlan.ID)
	metadata["plan_name"] = selectedPlan.Name

	sessionParams := &stripe.CheckoutSessionParams{
		Mode:       stripe.String("subscription"),
		Metadata:   metadata,
		SuccessURL: stripe.String(s.successURL),
		CancelURL:  stripe.String(s.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(selectedPlan.PriceId),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}

	if customerID != "" {
		sessionParams.Customer = stripe.String(customerID)
	} else if customerEmail != "" {
		sessionParams.CustomerEmail = stripe.String(customerEmail)
	}

	sess, err := session.New(sessionParams)
	if err != nil {
		s.logger.Error("Failed to create checkout session", "error", err)
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.logger.Info("Created checkout session", "session_id", sess.ID, "plan_id", planID)
	return sess, nil
}

// GetOrCreateCustomer retrieves an existing customer or creates a new one
func (s *StripeService) GetOrCreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (*stripe.Customer, error) {
	searchParams := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query: fmt.Sprintf("email:'%s'", email),
		},
	}
	iter := customer.Search(searchParams)

	if iter.Next() {
		cust := iter.Customer()
		s.logger.Info("Found existing Stripe customer", "customer_id", cust.ID, "email", email)
		return cust, nil
	}

	params := &stripe.CustomerParams{
		Email:    stripe.String(email),
		Name:     stripe.String(name),
		Metadata: metadata,
	}

	cust, err := customer.New(params)
	if err != nil {
		s.logger.Error("Failed to create Stripe customer", "error", err)
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}

	s.logger.Info("Created new Stripe customer", "customer_id", cust.ID, "email", email)
	return cust, nil
}

// CancelSubscription cancels a subscription
func (s *StripeService) CancelSubscription(ctx context.Context, subscriptionID string, cancelAtPeriodEnd bool) (*stripe.Subscription, error) {
	var sub *stripe.Subscription
	var err error

	if cancelAtPeriodEnd {
		params := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		sub, err = subscription.Update(subscriptionID, params)
	} else {
		sub, err = subscription.Cancel(subscriptionID, nil)
	}

	if err != nil {
		s.logger.Error("Failed to cancel subscription", "error", err, "subscription_id", subscriptionID)
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}

	s.logger.Info("Canceled subscription", "subscription_id", subscriptionID, "cancel_at_period_end", cancelAtPeriodEnd)
	return sub, nil
}

// ConstructWebhookEvent constructs and validates a webhook event. The payload
// must be the raw request body: the signature covers the exact byte stream.
func (s *StripeService) ConstructWebhookEvent(payload []byte, signature string) (stripe.Event, error) {
	options := &webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, *options)
	if err != nil {
		s.logger.Error("Failed to verify webhook signature", "error", err)
		return stripe.Event{}, fmt.Errorf("failed to verify webhook: %w", err)
	}

	s.logger.Debug("Webhook event verified", "type", event.Type, "id", event.ID)
	return event, nil
}

// ParseWebhookData parses webhook data into a target struct
func (s *StripeService) ParseWebhookData(data *stripe.EventData, target interface{}) error {
	if err := json.Unmarshal(data.Raw, target); err != nil {
		s.logger.Error("Failed to parse webhook data", "error", err)
		return fmt.Errorf("failed to parse webhook data: %w", err)
	}
	return nil
}
