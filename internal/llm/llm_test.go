package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/podcastkg/ingest-engine/pkg/resilience"
)

func TestBreakerForReturnsSameInstancePerModel(t *testing.T) {
	c := New(nil, nil)
	a := c.breakerFor("claude-sonnet-4-5")
	b := c.breakerFor("claude-sonnet-4-5")
	require.Same(t, a, b)

	other := c.breakerFor("claude-haiku-4-5")
	require.NotSame(t, a, other)
}

func TestBreakerTripsAfterThresholdFailures(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Minute, HalfOpenMax: 1})
	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }

	require.ErrorIs(t, b.Call(context.Background(), fail), boom)
	require.ErrorIs(t, b.Call(context.Background(), fail), boom)

	err := b.Call(context.Background(), fail)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second, HalfOpenMax: 1})
	boom := errors.New("boom")
	require.ErrorIs(t, b.Call(context.Background(), func(context.Context) error { return boom }), boom)
	require.Equal(t, resilience.StateOpen, b.State())
	require.ErrorIs(t, b.Call(context.Background(), func(context.Context) error { return nil }), resilience.ErrCircuitOpen)
}
