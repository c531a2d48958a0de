package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPaymentTransitionLegality(t *testing.T) {
	tests := []struct {
		name    string
		from    PaymentStatus
		to      PaymentStatus
		wantErr bool
	}{
		{"pending to linked", PaymentPending, PaymentLinked, false},
		{"pending to expired", PaymentPending, PaymentExpired, false},
		{"pending to superseded", PaymentPending, PaymentSuperseded, false},
		{"pending to pending", PaymentPending, PaymentPending, true},
		{"linked to expired", PaymentLinked, PaymentExpired, true},
		{"expired to linked", PaymentExpired, PaymentLinked, true},
		{"superseded to pending", PaymentSuperseded, PaymentPending, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PendingPayment{Status: tt.from}
			err := p.Transition(tt.to)
			if tt.wantErr {
				require.Error(t, err)
				require.Equal(t, tt.from, p.Status)
			} else {
				require.NoError(t, err)
				require.Equal(t, tt.to, p.Status)
			}
		})
	}
}

func TestTerminalTransitionError(t *testing.T) {
	p := PendingPayment{Status: PaymentLinked}
	err := p.Transition(PaymentExpired)
	require.ErrorIs(t, err, ErrTerminalStatus)
}

func TestRevertToPendingClearsLinkFields(t *testing.T) {
	mosqueID := uint(7)
	now := time.Now()
	p := PendingPayment{
		Status:         PaymentLinked,
		LinkedMosqueID: &mosqueID,
		LinkedVia:      "tracking_id",
		LinkedAt:       &now,
	}

	p.RevertToPending()
	require.Equal(t, PaymentPending, p.Status)
	require.Nil(t, p.LinkedMosqueID)
	require.Empty(t, p.LinkedVia)
	require.Nil(t, p.LinkedAt)
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, PaymentPending.Terminal())
	require.True(t, PaymentLinked.Terminal())
	require.True(t, PaymentExpired.Terminal())
	require.True(t, PaymentSuperseded.Terminal())
}
