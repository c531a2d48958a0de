package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"madrasa-backend/common"

	"golang.org/x/oauth2/clientcredentials"
)

// MailerService sends transactional mail through an OAuth-protected
// mail-sending API. Sends are fire-and-forget from the caller's perspective:
// a failed notification is logged, never propagated into a state transition.
type MailerService struct {
	endpoint string
	from     string
	client   *http.Client
	logger   *slog.Logger

	batchSize  int
	batchDelay time.Duration
}

// NewMailerService creates a mailer whose HTTP client carries an OAuth2
// client-credentials token source for the mail API.
func NewMailerService(cfg *common.Config) *MailerService {
	ccfg := &clientcredentials.Config{
		ClientID:     cfg.MailClientID,
		ClientSecret: cfg.MailClientSecret,
		TokenURL:     cfg.MailTokenURL,
		Scopes:       []string{"mail.send"},
	}

	return &MailerService{
		endpoint:   cfg.MailEndpoint,
		from:       cfg.MailFromAddress,
		client:     ccfg.Client(context.Background()),
		logger:     slog.With("service", "MailerService"),
		batchSize:  common.MAIL_BATCH_SIZE,
		batchDelay: common.MAIL_BATCH_DELAY,
	}
}

// Message is a single outbound mail.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	From    string `json:"from"`
}

// Send delivers one message through the mail API.
func (m *MailerService) Send(ctx context.Context, msg *Message) error {
	if msg.From == "" {
		msg.From = m.from
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mail API returned status %d", resp.StatusCode)
	}

	m.logger.Debug("Mail sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

// SendBulk fans a message out to many recipients in batches, pausing between
// batches to respect downstream rate limits. Per-recipient failures are
// collected and returned; a failed batch never aborts the remaining batches.
func (m *MailerService) SendBulk(ctx context.Context, recipients []string, subject, body string) map[string]error {
	failures := make(map[string]error)

	for start := 0; start < len(recipients); start += m.batchSize {
		end := start + m.batchSize
		if end > len(recipients) {
			end = len(recipients)
		}

		for _, to := range recipients[start:end] {
			if err := m.Send(ctx, &Message{To: to, Subject: subject, Body: body}); err != nil {
				m.logger.Warn("Bulk mail delivery failed", "to", to, "error", err)
				failures[to] = err
			}
		}

		if end < len(recipients) {
			select {
			case <-ctx.Done():
				for _, to := range recipients[end:] {
					failures[to] = ctx.Err()
				}
				return failures
			case <-time.After(m.batchDelay):
			}
		}
	}

	return failures
}

// SendSubscriptionActivated confirms a successful payment link/activation.
func (m *MailerService) SendSubscriptionActivated(ctx context.Context, to string, plan common.PlanType) {
	m.sendNotification(ctx, to, "Your subscription is active",
		fmt.Sprintf("Your %s plan is now active. Welcome aboard.", plan))
}

// SendPaymentFailed notifies the mosque admin of a failed invoice payment.
func (m *MailerService) SendPaymentFailed(ctx context.Context, to string) {
	m.sendNotification(ctx, to, "Payment failed",
		"We could not collect your latest subscription payment. Please update your payment method.")
}

// SendTrialEnding warns that the trial period is about to end.
func (m *MailerService) SendTrialEnding(ctx context.Context, to string, endsAt time.Time) {
	m.sendNotification(ctx, to, "Your trial is ending soon",
		fmt.Sprintf("Your trial ends on %s. Choose a plan to keep access.", endsAt.Format("2 January 2006")))
}

// SendSubscriptionCanceled confirms a cancellation.
func (m *MailerService) SendSubscriptionCanceled(ctx context.Context, to string) {
	m.sendNotification(ctx, to, "Subscription canceled",
		"Your subscription has been canceled. Your data is retained on the free plan.")
}

func (m *MailerService) sendNotification(ctx context.Context, to, subject, body string) {
	if to == "" {
		return
	}
	if err := m.Send(ctx, &Message{To: to, Subject: subject, Body: body}); err != nil {
		m.logger.Warn("Notification delivery failed", "to", to, "subject", subject, "error", err)
	}
}
