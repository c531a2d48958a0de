package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"madrasa-backend/common"
	"madrasa-backend/sections/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrPaymentNotPending is returned when a status-guarded update finds the
	// payment already out of pending. It is the at-most-once guard for linking.
	ErrPaymentNotPending = errors.New("payment is not pending")

	// ErrActivationInvariant is returned when an update would leave a mosque
	// active without a Stripe customer id.
	ErrActivationInvariant = errors.New("cannot activate mosque without stripe customer id")
)

// PendingPaymentStore persists payment records awaiting mosque association.
type PendingPaymentStore interface {
	UpsertBySessionID(ctx context.Context, p *models.PendingPayment) error
	FindPendingByTrackingID(ctx context.Context, trackingID string) (*models.PendingPayment, error)
	FindPendingBySessionID(ctx context.Context, sessionID string) (*models.PendingPayment, error)
	FindPendingByEmailSince(ctx context.Context, email string, since time.Time) ([]*models.PendingPayment, error)
	FindPendingSince(ctx context.Context, since time.Time) ([]*models.PendingPayment, error)
	MarkLinked(ctx context.Context, paymentID, mosqueID uint, strategy string, at time.Time) error
	RevertToPending(ctx context.Context, paymentID uint) error
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// MosqueStore persists mosque subscription state.
type MosqueStore interface {
	GetByID(ctx context.Context, id uint) (*models.Mosque, error)
	GetBySchema(ctx context.Context, schema string) (*models.Mosque, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*models.Mosque, error)
	FindRecentTrialingByEmail(ctx context.Context, email string, since time.Time) ([]*models.Mosque, error)
	Activate(ctx context.Context, mosqueID uint, plan common.PlanType, limits common.PlanLimits, customerID, subscriptionID string) error
	UpdateSubscriptionState(ctx context.Context, mosqueID uint, status models.SubscriptionStatus, trialEndsAt *time.Time, customerID, subscriptionID string) error
	MarkActivePaid(ctx context.Context, mosqueID uint) error
	Cancel(ctx context.Context, mosqueID uint) error
	InitTrial(ctx context.Context, mosqueID uint, startedAt, endsAt time.Time, limits common.PlanLimits) error
}

// RetryQueueStore persists deferred relink requests.
type RetryQueueStore interface {
	Enqueue(ctx context.Context, e *models.RetryQueueEntry) error
	Due(ctx context.Context, now time.Time, maxAttempts int) ([]*models.RetryQueueEntry, error)
	Update(ctx context.Context, e *models.RetryQueueEntry) error
}

// EventLogStore records webhook events and handler failures for operators.
type EventLogStore interface {
	Record(ctx context.Context, eventID, eventType, payload string, handlerErr error) error
}

// --- gorm implementations ---

type GormPendingPaymentStore struct {
	db *gorm.DB
}

func NewGormPendingPaymentStore(db *gorm.DB) *GormPendingPaymentStore {
	return &GormPendingPaymentStore{db: db}
}

// UpsertBySessionID inserts the payment or, on a duplicate session id, updates
// the descriptive columns only. Status and link fields are never touched by
// the upsert, so a redelivered event cannot reopen a linked payment.
func (s *GormPendingPaymentStore) UpsertBySessionID(ctx context.Context, p *models.PendingPayment) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stripe_session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"stripe_customer_id", "stripe_subscription_id",
			"tracking_id", "customer_email",
			"plan_type", "amount", "currency", "metadata",
			"updated_at",
		}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("failed to upsert pending payment: %w", err)
	}
	return nil
}

func (s *GormPendingPaymentStore) FindPendingByTrackingID(ctx context.Context, trackingID string) (*models.PendingPayment, error) {
	var p models.PendingPayment
	err := s.db.WithContext(ctx).
		Where("tracking_id = ? AND status = ?", trackingID, models.PaymentPending).
		Order("created_at DESC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payment by tracking id: %w", err)
	}
	return &p, nil
}

func (s *GormPendingPaymentStore) FindPendingBySessionID(ctx context.Context, sessionID string) (*models.PendingPayment, error) {
	var p models.PendingPayment
	err := s.db.WithContext(ctx).
		Where("stripe_session_id = ? AND status = ?", sessionID, models.PaymentPending).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payment by session id: %w", err)
	}
	return &p, nil
}

func (s *GormPendingPaymentStore) FindPendingByEmailSince(ctx context.Context, email string, since time.Time) ([]*models.PendingPayment, error) {
	var payments []*models.PendingPayment
	err := s.db.WithContext(ctx).
		Where("customer_email = ? AND status = ? AND created_at >= ?", email, models.PaymentPending, since).
		Order("created_at DESC").
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query payments by email: %w", err)
	}
	return payments, nil
}

func (s *GormPendingPaymentStore) FindPendingSince(ctx context.Context, since time.Time) ([]*models.PendingPayment, error) {
	var payments []*models.PendingPayment
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at >= ?", models.PaymentPending, since).
		Order("created_at DESC").
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query recent pending payments: %w", err)
	}
	return payments, nil
}

// MarkLinked transitions a payment to linked with a status guard: the update
// only applies while the row is still pending, so a concurrent second linker
// observes zero affected rows and aborts.
func (s *GormPendingPaymentStore) MarkLinked(ctx context.Context, paymentID, mosqueID uint, strategy string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.PendingPayment{}).
		Where("id = ? AND status = ?", paymentID, models.PaymentPending).
		Updates(map[string]interface{}{
			"status":           models.PaymentLinked,
			"linked_mosque_id": mosqueID,
			"linked_via":       strategy,
			"linked_at":        at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark payment linked: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPaymentNotPending
	}
	return nil
}

// RevertToPending is the compensating write for a failed link.
func (s *GormPendingPaymentStore) RevertToPending(ctx context.Context, paymentID uint) error {
	res := s.db.WithContext(ctx).Model(&models.PendingPayment{}).
		Where("id = ? AND status = ?", paymentID, models.PaymentLinked).
		Updates(map[string]interface{}{
			"status":           models.PaymentPending,
			"linked_mosque_id": nil,
			"linked_via":       "",
			"linked_at":        nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to revert payment to pending: %w", res.Error)
	}
	return nil
}

// ExpireStale moves pending payments past their TTL to expired.
func (s *GormPendingPaymentStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.PendingPayment{}).
		Where("status = ? AND expires_at <= ?", models.PaymentPending, now).
		Update("status", models.PaymentExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire stale payments: %w", res.Error)
	}
	return res.RowsAffected, nil
}

type GormMosqueStore struct {
	db *gorm.DB
}

func NewGormMosqueStore(db *gorm.DB) *GormMosqueStore {
	return &GormMosqueStore{db: db}
}

func (s *GormMosqueStore) GetByID(ctx context.Context, id uint) (*models.Mosque, error) {
	var m models.Mosque
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, fmt.Errorf("failed to load mosque %d: %w", id, err)
	}
	return &m, nil
}

func (s *GormMosqueStore) GetBySchema(ctx context.Context, schema string) (*models.Mosque, error) {
	var m models.Mosque
	if err := s.db.WithContext(ctx).Where("schema_name = ?", schema).First(&m).Error; err != nil {
		return nil, fmt.Errorf("failed to load mosque %s: %w", schema, err)
	}
	return &m, nil
}

func (s *GormMosqueStore) GetByStripeCustomerID(ctx context.Context, customerID string) (*models.Mosque, error) {
	var m models.Mosque
	err := s.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mosque by customer id: %w", err)
	}
	return &m, nil
}

func (s *GormMosqueStore) FindRecentTrialingByEmail(ctx context.Context, email string, since time.Time) ([]*models.Mosque, error) {
	var mosques []*models.Mosque
	err := s.db.WithContext(ctx).
		Where("contact_email = ? AND created_at >= ?", email, since).
		Where("subscription_status IN ?", []models.SubscriptionStatus{models.SubscriptionTrialing, models.SubscriptionFree}).
		Order("created_at DESC").
		Find(&mosques).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query recent trialing mosques: %w", err)
	}
	return mosques, nil
}

// Activate flips a mosque to active with plan-derived limits and Stripe
// identifiers in a single write, keeping the activation invariant: active
// always carries a customer id.
func (s *GormMosqueStore) Activate(ctx context.Context, mosqueID uint, plan common.PlanType, limits common.PlanLimits, customerID, subscriptionID string) error {
	if customerID == "" {
		return ErrActivationInvariant
	}

	res := s.db.WithContext(ctx).Model(&models.Mosque{}).
		Where("id = ?", mosqueID).
		Updates(map[string]interface{}{
			"subscription_status":    models.SubscriptionActive,
			"plan_type":              plan,
			"max_students":           limits.MaxStudents,
			"max_teachers":           limits.MaxTeachers,
			"stripe_customer_id":     customerID,
			"stripe_subscription_id": subscriptionID,
			"trial_started_at":       nil,
			"trial_ends_at":          nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to activate mosque %d: %w", mosqueID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mosque %d not found: %w", mosqueID, gorm.ErrRecordNotFound)
	}
	return nil
}

// UpdateSubscriptionState applies subscription lifecycle changes coming
// straight from a processor event. Stripe ids are only written when present.
func (s *GormMosqueStore) UpdateSubscriptionState(ctx context.Context, mosqueID uint, status models.SubscriptionStatus, trialEndsAt *time.Time, customerID, subscriptionID string) error {
	updates := map[string]interface{}{
		"subscription_status": status,
		"trial_ends_at":       trialEndsAt,
	}
	if customerID != "" {
		updates["stripe_customer_id"] = customerID
	}
	if subscriptionID != "" {
		updates["stripe_subscription_id"] = subscriptionID
	}
	if status == models.SubscriptionActive && customerID == "" {
		// Refuse to write active without a customer id unless the row already
		// has one.
		res := s.db.WithContext(ctx).Model(&models.Mosque{}).
			Where("id = ? AND stripe_customer_id IS NOT NULL", mosqueID).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update mosque subscription: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrActivationInvariant
		}
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&models.Mosque{}).Where("id = ?", mosqueID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update mosque subscription: %w", err)
	}
	return nil
}

// MarkActivePaid sets a mosque active after a successful invoice payment. The
// customer-id condition keeps the activation invariant even on stale rows.
func (s *GormMosqueStore) MarkActivePaid(ctx context.Context, mosqueID uint) error {
	res := s.db.WithContext(ctx).Model(&models.Mosque{}).
		Where("id = ? AND stripe_customer_id IS NOT NULL", mosqueID).
		Updates(map[string]interface{}{
			"subscription_status": models.SubscriptionActive,
			"trial_started_at":    nil,
			"trial_ends_at":       nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark mosque active: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrActivationInvariant
	}
	return nil
}

func (s *GormMosqueStore) Cancel(ctx context.Context, mosqueID uint) error {
	err := s.db.WithContext(ctx).Model(&models.Mosque{}).
		Where("id = ?", mosqueID).
		Updates(map[string]interface{}{
			"subscription_status": models.SubscriptionCanceled,
			"trial_started_at":    nil,
			"trial_ends_at":       nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to cancel mosque subscription: %w", err)
	}
	return nil
}

func (s *GormMosqueStore) InitTrial(ctx context.Context, mosqueID uint, startedAt, endsAt time.Time, limits common.PlanLimits) error {
	err := s.db.WithContext(ctx).Model(&models.Mosque{}).
		Where("id = ?", mosqueID).
		Updates(map[string]interface{}{
			"subscription_status": models.SubscriptionTrialing,
			"trial_started_at":    startedAt,
			"trial_ends_at":       endsAt,
			"max_students":        limits.MaxStudents,
			"max_teachers":        limits.MaxTeachers,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to initialize trial: %w", err)
	}
	return nil
}

type GormRetryQueueStore struct {
	db *gorm.DB
}

func NewGormRetryQueueStore(db *gorm.DB) *GormRetryQueueStore {
	return &GormRetryQueueStore{db: db}
}

func (s *GormRetryQueueStore) Enqueue(ctx context.Context, e *models.RetryQueueEntry) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to enqueue retry entry: %w", err)
	}
	return nil
}

func (s *GormRetryQueueStore) Due(ctx context.Context, now time.Time, maxAttempts int) ([]*models.RetryQueueEntry, error) {
	var entries []*models.RetryQueueEntry
	err := s.db.WithContext(ctx).
		Where("processed = ? AND retry_count < ? AND next_retry_at <= ?", false, maxAttempts, now).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query due retry entries: %w", err)
	}
	return entries, nil
}

func (s *GormRetryQueueStore) Update(ctx context.Context, e *models.RetryQueueEntry) error {
	if err := s.db.WithContext(ctx).Save(e).Error; err != nil {
		return fmt.Errorf("failed to update retry entry: %w", err)
	}
	return nil
}

type GormEventLogStore struct {
	db *gorm.DB
}

func NewGormEventLogStore(db *gorm.DB) *GormEventLogStore {
	return &GormEventLogStore{db: db}
}

func (s *GormEventLogStore) Record(ctx context.Context, eventID, eventType, payload string, handlerErr error) error {
	entry := models.WebhookEventLog{
		EventID:   eventID,
		EventType: eventType,
		Payload:   payload,
	}
	if handlerErr != nil {
		entry.Error = handlerErr.Error()
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}
