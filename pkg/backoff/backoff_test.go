package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 10, Base: 100 * time.Millisecond, Multiplier: 2, Cap: time.Second}

	d1, err := p.Delay(1)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, d1)

	d3, err := p.Delay(3)
	require.NoError(t, err)
	assert.Equal(t, 400*time.Millisecond, d3)

	d10, err := p.Delay(10)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d10, "delay must cap, not keep doubling")
}

func TestDelayExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3, Base: time.Millisecond, Multiplier: 2}
	_, err := p.Delay(4)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestDelayJitterStaysInBand(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: 100 * time.Millisecond, Multiplier: 1, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d, err := p.Delay(1)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestCauseStrings(t *testing.T) {
	cases := map[Cause]string{
		CauseVoluntary:      "voluntary",
		CauseServerForced:   "server-forced",
		CauseTransportError: "transport-error",
		CausePingTimeout:    "ping-timeout",
		CauseUnknown:        "unknown",
	}
	for cause, want := range cases {
		assert.Equal(t, want, cause.String())
	}
}
