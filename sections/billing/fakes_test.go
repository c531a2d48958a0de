package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"madrasa-backend/common"
	"madrasa-backend/sections/models"
	"madrasa-backend/storage"

	"gorm.io/gorm"
)

// In-memory fakes mirroring the gorm store semantics, so the services can be
// exercised without a database.

type fakePaymentStore struct {
	mu       sync.Mutex
	payments []*models.PendingPayment
	nextID   uint

	markLinkedErr error
	revertErr     error
	findErr       error
}

func newFakePaymentStore() *fakePaymentStore {
	return &fakePaymentStore{nextID: 1}
}

func (s *fakePaymentStore) add(p *models.PendingPayment) *models.PendingPayment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.nextID
		s.nextID++
	}
	if p.Status == "" {
		p.Status = models.PaymentPending
	}
	s.payments = append(s.payments, p)
	return p
}

func (s *fakePaymentStore) get(id uint) *models.PendingPayment {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (s *fakePaymentStore) UpsertBySessionID(ctx context.Context, p *models.PendingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.payments {
		if existing.StripeSessionID == p.StripeSessionID {
			existing.StripeCustomerID = p.StripeCustomerID
			existing.StripeSubscriptionID = p.StripeSubscriptionID
			existing.TrackingID = p.TrackingID
			existing.CustomerEmail = p.CustomerEmail
			existing.PlanType = p.PlanType
			existing.Amount = p.Amount
			existing.Currency = p.Currency
			existing.Metadata = p.Metadata
			return nil
		}
	}
	if p.ID == 0 {
		p.ID = s.nextID
		s.nextID++
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.payments = append(s.payments, p)
	return nil
}

func (s *fakePaymentStore) FindPendingByTrackingID(ctx context.Context, trackingID string) (*models.PendingPayment, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.PendingPayment
	for _, p := range s.payments {
		if p.TrackingID == trackingID && p.Status == models.PaymentPending {
			if best == nil || p.CreatedAt.After(best.CreatedAt) {
				best = p
			}
		}
	}
	return best, nil
}

func (s *fakePaymentStore) FindPendingBySessionID(ctx context.Context, sessionID string) (*models.PendingPayment, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.StripeSessionID == sessionID && p.Status == models.PaymentPending {
			return p, nil
		}
	}
	return nil, nil
}

func (s *fakePaymentStore) FindPendingByEmailSince(ctx context.Context, email string, since time.Time) ([]*models.PendingPayment, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PendingPayment
	for _, p := range s.payments {
		if p.CustomerEmail == email && p.Status == models.PaymentPending && !p.CreatedAt.Before(since) {
			out = append(out, p)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *fakePaymentStore) FindPendingSince(ctx context.Context, since time.Time) ([]*models.PendingPayment, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PendingPayment
	for _, p := range s.payments {
		if p.Status == models.PaymentPending && !p.CreatedAt.Before(since) {
			out = append(out, p)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *fakePaymentStore) MarkLinked(ctx context.Context, paymentID, mosqueID uint, strategy string, at time.Time) error {
	if s.markLinkedErr != nil {
		return s.markLinkedErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ID == paymentID {
			if err := p.Transition(models.PaymentLinked); err != nil {
				return ErrPaymentNotPending
			}
			p.LinkedMosqueID = &mosqueID
			p.LinkedVia = strategy
			p.LinkedAt = &at
			return nil
		}
	}
	return ErrPaymentNotPending
}

func (s *fakePaymentStore) RevertToPending(ctx context.Context, paymentID uint) error {
	if s.revertErr != nil {
		return s.revertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ID == paymentID && p.Status == models.PaymentLinked {
			p.RevertToPending()
		}
	}
	return nil
}

func (s *fakePaymentStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.payments {
		if p.Status == models.PaymentPending && !p.ExpiresAt.IsZero() && !p.ExpiresAt.After(now) {
			if err := p.Transition(models.PaymentExpired); err != nil {
				continue
			}
			n++
		}
	}
	return n, nil
}

func sortNewestFirst(payments []*models.PendingPayment) {
	sort.Slice(payments, func(i, j int) bool {
		return payments[i].CreatedAt.After(payments[j].CreatedAt)
	})
}

type fakeMosqueStore struct {
	mu      sync.Mutex
	mosques map[uint]*models.Mosque

	activateErr    error
	activateCalls  int
	markPaidCalls  int
	cancelCalls    int
	initTrialCalls int
}

func newFakeMosqueStore(mosques ...*models.Mosque) *fakeMosqueStore {
	s := &fakeMosqueStore{mosques: make(map[uint]*models.Mosque)}
	for _, m := range mosques {
		s.mosques[m.ID] = m
	}
	return s
}

func (s *fakeMosqueStore) GetByID(ctx context.Context, id uint) (*models.Mosque, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mosques[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return m, nil
}

func (s *fakeMosqueStore) GetBySchema(ctx context.Context, schema string) (*models.Mosque, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mosques {
		if m.SchemaName == schema {
			return m, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *fakeMosqueStore) GetByStripeCustomerID(ctx context.Context, customerID string) (*models.Mosque, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mosques {
		if m.StripeCustomerID != nil && *m.StripeCustomerID == customerID {
			return m, nil
		}
	}
	return nil, nil
}

func (s *fakeMosqueStore) FindRecentTrialingByEmail(ctx context.Context, email string, since time.Time) ([]*models.Mosque, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Mosque
	for _, m := range s.mosques {
		unpaid := m.SubscriptionStatus == models.SubscriptionTrialing || m.SubscriptionStatus == models.SubscriptionFree
		if m.ContactEmail == email && unpaid && !m.CreatedAt.Before(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeMosqueStore) Activate(ctx context.Context, mosqueID uint, plan common.PlanType, limits common.PlanLimits, customerID, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activateCalls++
	if s.activateErr != nil {
		return s.activateErr
	}
	if customerID == "" {
		return ErrActivationInvariant
	}
	m, ok := s.mosques[mosqueID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	m.SubscriptionStatus = models.SubscriptionActive
	m.PlanType = plan
	m.MaxStudents = limits.MaxStudents
	m.MaxTeachers = limits.MaxTeachers
	m.StripeCustomerID = &customerID
	m.StripeSubscriptionID = &subscriptionID
	m.TrialStartedAt = nil
	m.TrialEndsAt = nil
	return nil
}

func (s *fakeMosqueStore) UpdateSubscriptionState(ctx context.Context, mosqueID uint, status models.SubscriptionStatus, trialEndsAt *time.Time, customerID, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mosques[mosqueID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if status == models.SubscriptionActive && customerID == "" && m.StripeCustomerID == nil {
		return ErrActivationInvariant
	}
	m.SubscriptionStatus = status
	m.TrialEndsAt = trialEndsAt
	if customerID != "" {
		m.StripeCustomerID = &customerID
	}
	if subscriptionID != "" {
		m.StripeSubscriptionID = &subscriptionID
	}
	return nil
}

func (s *fakeMosqueStore) MarkActivePaid(ctx context.Context, mosqueID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markPaidCalls++
	m, ok := s.mosques[mosqueID]
	if !ok || m.StripeCustomerID == nil {
		return ErrActivationInvariant
	}
	m.SubscriptionStatus = models.SubscriptionActive
	m.TrialStartedAt = nil
	m.TrialEndsAt = nil
	return nil
}

func (s *fakeMosqueStore) Cancel(ctx context.Context, mosqueID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCalls++
	m, ok := s.mosques[mosqueID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	m.SubscriptionStatus = models.SubscriptionCanceled
	m.TrialStartedAt = nil
	m.TrialEndsAt = nil
	return nil
}

func (s *fakeMosqueStore) InitTrial(ctx context.Context, mosqueID uint, startedAt, endsAt time.Time, limits common.PlanLimits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initTrialCalls++
	m, ok := s.mosques[mosqueID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	m.SubscriptionStatus = models.SubscriptionTrialing
	m.TrialStartedAt = &startedAt
	m.TrialEndsAt = &endsAt
	m.MaxStudents = limits.MaxStudents
	m.MaxTeachers = limits.MaxTeachers
	return nil
}

type fakeRetryStore struct {
	mu      sync.Mutex
	entries []*models.RetryQueueEntry
	nextID  uint

	enqueueErr error
}

func newFakeRetryStore() *fakeRetryStore {
	return &fakeRetryStore{nextID: 1}
}

func (s *fakeRetryStore) Enqueue(ctx context.Context, e *models.RetryQueueEntry) error {
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == 0 {
		e.ID = s.nextID
		s.nextID++
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *fakeRetryStore) Due(ctx context.Context, now time.Time, maxAttempts int) ([]*models.RetryQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RetryQueueEntry
	for _, e := range s.entries {
		if !e.Processed && e.RetryCount < maxAttempts && !e.NextRetryAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeRetryStore) Update(ctx context.Context, e *models.RetryQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.entries {
		if existing.ID == e.ID {
			s.entries[i] = e
			return nil
		}
	}
	s.entries = append(s.entries, e)
	return nil
}

type fakeTrackingRefs struct {
	mu      sync.Mutex
	refs    map[string]*storage.TrackingRef
	deleted []string

	getErr error
}

func newFakeTrackingRefs(refs ...*storage.TrackingRef) *fakeTrackingRefs {
	s := &fakeTrackingRefs{refs: make(map[string]*storage.TrackingRef)}
	for _, ref := range refs {
		s.refs[ref.TrackingID] = ref
	}
	return s
}

func (s *fakeTrackingRefs) GetTrackingRef(ctx context.Context, trackingID string) (*storage.TrackingRef, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[trackingID], nil
}

func (s *fakeTrackingRefs) DeleteTrackingRef(ctx context.Context, trackingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refs, trackingID)
	s.deleted = append(s.deleted, trackingID)
	return nil
}

type loggedEvent struct {
	eventID   string
	eventType string
	err       error
}

type fakeEventLog struct {
	mu     sync.Mutex
	events []loggedEvent
}

func (s *fakeEventLog) Record(ctx context.Context, eventID, eventType, payload string, handlerErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, loggedEvent{eventID: eventID, eventType: eventType, err: handlerErr})
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	activated []string
	failed    []string
	ending    []string
	canceled  []string
}

func (n *fakeNotifier) SendSubscriptionActivated(ctx context.Context, to string, plan common.PlanType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.activated = append(n.activated, to)
}

func (n *fakeNotifier) SendPaymentFailed(ctx context.Context, to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, to)
}

func (n *fakeNotifier) SendTrialEnding(ctx context.Context, to string, endsAt time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ending = append(n.ending, to)
}

func (n *fakeNotifier) SendSubscriptionCanceled(ctx context.Context, to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.canceled = append(n.canceled, to)
}
