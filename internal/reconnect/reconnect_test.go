package reconnect

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPolicyDelayBounds(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, int64(10*time.Second)).Draw(t, "base"))
		maxDelay := base + time.Duration(rapid.Int64Range(0, int64(5*time.Minute)).Draw(t, "extra"))
		p := Policy{BaseDelay: base, MaxDelay: maxDelay, MaxAttempts: 10}

		prev := time.Duration(0)
		for attempt := 0; attempt < 70; attempt++ {
			d := p.Delay(attempt)
			require.GreaterOrEqual(t, d, prev, "delay must not decrease")
			require.LessOrEqual(t, d, maxDelay)
			prev = d
		}
		require.Equal(t, base, p.Delay(0))
	})
}

func TestBackoffJitterAndReset(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	b := NewBackoff(p, 42)

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		d := b.NextBackOff()
		nominal := p.Delay(attempt)
		require.GreaterOrEqual(t, d, time.Duration(float64(nominal)*0.8))
		require.LessOrEqual(t, d, time.Duration(float64(nominal)*1.2))
	}
	require.True(t, b.Exhausted())
	require.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	require.Equal(t, 0, b.Attempt())
	d := b.NextBackOff()
	require.LessOrEqual(t, d, time.Duration(float64(p.BaseDelay)*1.2))
}

func TestBackoffDrivesRetry(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, MaxAttempts: 3}
	calls := 0
	err := backoff.Retry(func() error {
		calls++
		return errors.New("still down")
	}, NewBackoff(p, 1))
	require.Error(t, err)
	require.Equal(t, 4, calls)
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.BaseDelay = 2 * time.Minute
	require.Error(t, p.Validate())

	p = DefaultPolicy()
	p.MaxAttempts = 0
	require.Error(t, p.Validate())
}

func TestMachineTransitions(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	var seen []string
	m.Observe(func(from, to State) { seen = append(seen, from.String()+">"+to.String()) })

	require.NoError(t, m.Transition(Connecting))
	require.NoError(t, m.Transition(Authenticating))
	require.NoError(t, m.Transition(Connected))
	require.NoError(t, m.Transition(Reconnecting))
	require.NoError(t, m.Transition(Failed))

	err := m.Transition(Connecting)
	var invalid ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, Failed, invalid.From)

	m.Reset()
	require.Equal(t, Disconnected, m.State())
	require.Error(t, m.Transition(Connected))

	require.Equal(t, []string{
		"DISCONNECTED>CONNECTING",
		"CONNECTING>AUTHENTICATING",
		"AUTHENTICATING>CONNECTED",
		"CONNECTED>RECONNECTING",
		"RECONNECTING>FAILED",
		"FAILED>DISCONNECTED",
	}, seen)
}
