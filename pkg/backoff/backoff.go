// Package backoff holds the reconnect policy shared by everything in this
// module that redials a remote: capped exponential delay with jitter and a
// bounded attempt count.
package backoff

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is returned once every allowed attempt has been consumed.
var ErrExhausted = errors.New("backoff: attempts exhausted")

// Cause classifies why a connection was lost. Each cause maps to a distinct
// recovery action; see the client controller.
type Cause int

const (
	CauseUnknown Cause = iota
	// CauseVoluntary means the local side closed on purpose. No retry.
	CauseVoluntary
	// CauseServerForced means the server closed the connection (shutdown,
	// cycling). One delayed retry.
	CauseServerForced
	// CauseTransportError covers dial and I/O failures. Retries swap the
	// preferred transport ordering first.
	CauseTransportError
	// CausePingTimeout means keep-alives stopped being answered. Retries
	// proceed while an "unstable" signal is surfaced.
	CausePingTimeout
)

func (c Cause) String() string {
	switch c {
	case CauseVoluntary:
		return "voluntary"
	case CauseServerForced:
		return "server-forced"
	case CauseTransportError:
		return "transport-error"
	case CausePingTimeout:
		return "ping-timeout"
	default:
		return "unknown"
	}
}

// Policy describes one retry schedule. The zero value is unusable; build it
// from config or use Default.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	// Jitter is the fraction of the computed delay randomized away, in
	// [0,1). 0.2 means the delay lands in [0.8d, 1.2d).
	Jitter float64
}

func Default() Policy {
	return Policy{
		MaxAttempts: 8,
		Base:        500 * time.Millisecond,
		Multiplier:  2,
		Cap:         30 * time.Second,
		Jitter:      0.25,
	}
}

// Delay returns the wait before the given 1-based attempt, or ErrExhausted
// when the attempt exceeds MaxAttempts.
func (p Policy) Delay(attempt int) (time.Duration, error) {
	if attempt > p.MaxAttempts {
		return 0, ErrExhausted
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		span := d * p.Jitter
		d = d - span + rand.Float64()*2*span
	}
	return time.Duration(d), nil
}
