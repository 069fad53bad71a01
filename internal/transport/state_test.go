package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tcases := []struct {
		from    State
		trigger Trigger
		want    State
		err     bool
	}{
		{Disconnected, TriggerConnect, Connecting, false},
		{Failed, TriggerConnect, Connecting, false},
		{Connecting, TriggerEstablished, Connected, false},
		{Connecting, TriggerConnectFailed, Reconnecting, false},
		{Connecting, TriggerAuthRejected, Failed, false},
		{Connecting, TriggerGiveUp, Failed, false},
		{Reconnecting, TriggerRetry, Connecting, false},
		{Reconnecting, TriggerGiveUp, Failed, false},
		{Connected, TriggerDropped, Reconnecting, false},
		{Connected, TriggerDisconnect, Disconnected, false},
		{Reconnecting, TriggerDisconnect, Disconnected, false},
		{Disconnected, TriggerDisconnect, Disconnected, false},
		{Connected, TriggerConnect, Connected, true},
		{Connected, TriggerConnectFailed, Connected, true},
		{Disconnected, TriggerDropped, Disconnected, true},
		{Reconnecting, TriggerEstablished, Reconnecting, true},
		{Failed, TriggerRetry, Failed, true},
	}

	for _, tc := range tcases {
		t.Run(tc.from.String()+"/"+tc.trigger.String(), func(t *testing.T) {
			got, err := Transition(tc.from, tc.trigger)
			if tc.err {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 10}

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, w := range want {
		assert.Equal(t, w, b.Delay(attempt), "attempt %d", attempt)
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < 200; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "delays never decrease")
		assert.LessOrEqual(t, d, b.Cap, "delays never exceed the cap")
		prev = d
	}

	assert.False(t, b.Exhausted(9))
	assert.True(t, b.Exhausted(10))
}
