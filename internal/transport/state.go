package transport

import (
	"errors"
	"fmt"
	"time"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Trigger int

const (
	// TriggerConnect starts an attempt on user request.
	TriggerConnect Trigger = iota
	TriggerEstablished
	TriggerConnectFailed
	TriggerAuthRejected
	TriggerDropped
	// TriggerRetry fires when a backoff delay elapses.
	TriggerRetry
	TriggerGiveUp
	// TriggerDisconnect is an explicit user disconnect.
	TriggerDisconnect
)

func (t Trigger) String() string {
	return [...]string{"connect", "established", "connect_failed", "auth_rejected", "dropped", "retry", "give_up", "disconnect"}[t]
}

var ErrInvalidTransition = errors.New("invalid state transition")

// Transition returns the state a session moves to when t happens in from.
// It has no side effects.
func Transition(from State, t Trigger) (State, error) {
	if t == TriggerDisconnect {
		return Disconnected, nil
	}

	switch from {
	case Disconnected, Failed:
		if t == TriggerConnect {
			return Connecting, nil
		}
	case Connecting:
		switch t {
		case TriggerEstablished:
			return Connected, nil
		case TriggerConnectFailed:
			return Reconnecting, nil
		case TriggerAuthRejected, TriggerGiveUp:
			return Failed, nil
		}
	case Reconnecting:
		switch t {
		case TriggerRetry:
			return Connecting, nil
		case TriggerGiveUp:
			return Failed, nil
		}
	case Connected:
		if t == TriggerDropped {
			return Reconnecting, nil
		}
	}

	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, from)
}

// Backoff computes reconnect delays as min(Base * 2^attempt, Cap).
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 8}
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base
	for i := 0; i < attempt; i++ {
		if d >= b.Cap/2 {
			return b.Cap
		}
		d *= 2
	}

	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Exhausted reports whether attempt reconnects have already been used up.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.MaxAttempts
}
