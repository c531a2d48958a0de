package billing

import (
	"context"
	"testing"
	"time"

	"madrasa-backend/common"
	"madrasa-backend/sections/models"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestScheduler(retries *fakeRetryStore, payments *fakePaymentStore, mosques *fakeMosqueStore, notifier *fakeNotifier) *RetryScheduler {
	return NewRetryScheduler(retries, payments, NewTenantLinker(payments, mosques), notifier)
}

func dueEntry(id, mosqueID uint, mutate func(*models.RetryQueueEntry)) *models.RetryQueueEntry {
	e := &models.RetryQueueEntry{
		Model:       gorm.Model{ID: id, CreatedAt: time.Now().Add(-time.Hour)},
		MosqueID:    mosqueID,
		NextRetryAt: time.Now().Add(-time.Minute),
	}
	if mutate != nil {
		mutate(e)
	}
	return e
}

func TestSweepLinksResolvedEntry(t *testing.T) {
	payments := newFakePaymentStore()
	payments.add(pendingPayment(1, time.Minute, func(p *models.PendingPayment) {
		p.TrackingID = "trk-1"
		p.StripeCustomerID = "cus_1"
		p.PlanType = common.PlanBasic
	}))
	mosques := newFakeMosqueStore(trialingMosque(10, "imam@example.com"))
	retries := newFakeRetryStore()
	entry := dueEntry(1, 10, func(e *models.RetryQueueEntry) {
		e.TrackingID = "trk-1"
		e.AdminEmail = "imam@example.com"
	})
	require.NoError(t, retries.Enqueue(context.Background(), entry))

	notifier := &fakeNotifier{}
	require.NoError(t, newTestScheduler(retries, payments, mosques, notifier).Sweep(context.Background()))

	require.True(t, entry.Processed)
	require.True(t, entry.Success)
	require.NotNil(t, entry.LastAttemptAt)
	require.Equal(t, models.PaymentLinked, payments.get(1).Status)
	require.Equal(t, []string{"imam@example.com"}, notifier.activated)
}

func TestSweepReschedulesWithLinearBackoff(t *testing.T) {
	payments := newFakePaymentStore()
	mosques := newFakeMosqueStore(trialingMosque(10, "imam@example.com"))
	retries := newFakeRetryStore()
	entry := dueEntry(1, 10, func(e *models.RetryQueueEntry) {
		e.TrackingID = "trk-missing"
	})
	require.NoError(t, retries.Enqueue(context.Background(), entry))

	before := time.Now()
	require.NoError(t, newTestScheduler(retries, payments, mosques, &fakeNotifier{}).Sweep(context.Background()))

	require.False(t, entry.Processed)
	require.Equal(t, 1, entry.RetryCount)
	// Second attempt lands (count+1) backoff steps out.
	expected := before.Add(2 * common.RETRY_BACKOFF_STEP)
	require.WithinDuration(t, expected, entry.NextRetryAt, 5*time.Second)
}

func TestSweepExhaustsAttemptCeiling(t *testing.T) {
	payments := newFakePaymentStore()
	mosques := newFakeMosqueStore(trialingMosque(10, "imam@example.com"))
	retries := newFakeRetryStore()
	entry := dueEntry(1, 10, func(e *models.RetryQueueEntry) {
		e.TrackingID = "trk-missing"
		e.RetryCount = common.DEFAULT_RETRY_MAX_ATTEMPTS - 1
	})
	require.NoError(t, retries.Enqueue(context.Background(), entry))

	require.NoError(t, newTestScheduler(retries, payments, mosques, &fakeNotifier{}).Sweep(context.Background()))

	require.True(t, entry.Processed)
	require.False(t, entry.Success)
	require.Equal(t, common.DEFAULT_RETRY_MAX_ATTEMPTS, entry.RetryCount)

	// Processed entries never come due again.
	due, err := retries.Due(context.Background(), time.Now().Add(time.Hour), common.DEFAULT_RETRY_MAX_ATTEMPTS)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestSweepSkipsEntriesNotYetDue(t *testing.T) {
	payments := newFakePaymentStore()
	mosques := newFakeMosqueStore(trialingMosque(10, "imam@example.com"))
	retries := newFakeRetryStore()
	entry := dueEntry(1, 10, func(e *models.RetryQueueEntry) {
		e.NextRetryAt = time.Now().Add(time.Hour)
	})
	require.NoError(t, retries.Enqueue(context.Background(), entry))

	require.NoError(t, newTestScheduler(retries, payments, mosques, &fakeNotifier{}).Sweep(context.Background()))
	require.Equal(t, 0, entry.RetryCount)
	require.Nil(t, entry.LastAttemptAt)
}

func TestSweepIsolatesEntryFailures(t *testing.T) {
	// First entry's mosque is missing, so its activation fails; the second
	// entry must still be processed.
	payments := newFakePaymentStore()
	payments.add(pendingPayment(1, time.Minute, func(p *models.PendingPayment) {
		p.TrackingID = "trk-1"
		p.StripeCustomerID = "cus_1"
	}))
	payments.add(pendingPayment(2, time.Minute, func(p *models.PendingPayment) {
		p.TrackingID = "trk-2"
		p.StripeCustomerID = "cus_2"
	}))
	mosques := newFakeMosqueStore(trialingMosque(11, "b@example.com"))
	retries := newFakeRetryStore()

	broken := dueEntry(1, 99, func(e *models.RetryQueueEntry) {
		e.TrackingID = "trk-1"
		e.CreatedAt = time.Now().Add(-2 * time.Hour)
	})
	healthy := dueEntry(2, 11, func(e *models.RetryQueueEntry) {
		e.TrackingID = "trk-2"
		e.AdminEmail = "b@example.com"
	})
	require.NoError(t, retries.Enqueue(context.Background(), broken))
	require.NoError(t, retries.Enqueue(context.Background(), healthy))

	err := newTestScheduler(retries, payments, mosques, &fakeNotifier{}).Sweep(context.Background())
	require.Error(t, err)

	require.True(t, healthy.Processed)
	require.True(t, healthy.Success)
	require.False(t, broken.Success)
	require.Equal(t, 1, broken.RetryCount)
}

func TestSweepExpiresStalePayments(t *testing.T) {
	payments := newFakePaymentStore()
	stale := payments.add(pendingPayment(1, 3*time.Hour, func(p *models.PendingPayment) {
		p.ExpiresAt = time.Now().Add(-time.Hour)
	}))
	fresh := payments.add(pendingPayment(2, time.Minute, func(p *models.PendingPayment) {
		p.ExpiresAt = time.Now().Add(time.Hour)
	}))
	mosques := newFakeMosqueStore()
	retries := newFakeRetryStore()

	require.NoError(t, newTestScheduler(retries, payments, mosques, &fakeNotifier{}).Sweep(context.Background()))
	require.Equal(t, models.PaymentExpired, stale.Status)
	require.Equal(t, models.PaymentPending, fresh.Status)
}

func TestSweepMarksEntryProcessedWhenPaymentTaken(t *testing.T) {
	payments := newFakePaymentStore()
	payments.add(pendingPayment(1, time.Minute, func(p *models.PendingPayment) {
		p.TrackingID = "trk-1"
		p.StripeCustomerID = "cus_1"
	}))
	mosques := newFakeMosqueStore(trialingMosque(11, "b@example.com"))
	retries := newFakeRetryStore()
	entry := dueEntry(1, 11, func(e *models.RetryQueueEntry) {
		e.TrackingID = "trk-1"
	})
	require.NoError(t, retries.Enqueue(context.Background(), entry))

	// A concurrent writer wins the status guard between find and link.
	payments.markLinkedErr = ErrPaymentNotPending

	require.NoError(t, newTestScheduler(retries, payments, mosques, &fakeNotifier{}).Sweep(context.Background()))
	require.True(t, entry.Processed)
	require.False(t, entry.Success)
}
