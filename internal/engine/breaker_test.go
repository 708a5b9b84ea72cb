package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aifocal/akidb/internal/storage/objstore"
	"github.com/stretchr/testify/require"
)

func TestBreakerTransitions(t *testing.T) {
	ctx := context.Background()
	inner := objstore.NewMemory()
	var failing atomic.Bool
	inner.FailWith(func(op, key string) error {
		if failing.Load() {
			return fmt.Errorf("down: %w", objstore.ErrTransient)
		}
		return nil
	})

	bs := newBreakerStore(inner, BreakerConfig{FailureThreshold: 3, Cooldown: 100 * time.Millisecond})
	require.Equal(t, BreakerClosed, bs.State())

	// Closed -> Open after N consecutive transient failures.
	failing.Store(true)
	for i := 0; i < 3; i++ {
		_, err := bs.Put(ctx, "k", []byte("v"))
		require.Error(t, err)
	}
	require.Equal(t, BreakerOpen, bs.State())

	// While open, calls fail fast as Unavailable.
	_, err := bs.Put(ctx, "k", []byte("v"))
	require.True(t, IsKind(err, KindUnavailable), "got %v", err)

	// Open -> HalfOpen after cooldown; failed probe reopens.
	time.Sleep(150 * time.Millisecond)
	_, err = bs.Put(ctx, "k", []byte("v"))
	require.Error(t, err)
	require.Equal(t, BreakerOpen, bs.State())

	// Successful probe closes the breaker.
	failing.Store(false)
	time.Sleep(150 * time.Millisecond)
	_, err = bs.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	require.Equal(t, BreakerClosed, bs.State())
}

func TestBreakerIgnoresNonTransientErrors(t *testing.T) {
	ctx := context.Background()
	inner := objstore.NewMemory()
	bs := newBreakerStore(inner, BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})

	// NotFound responses must not trip the breaker.
	for i := 0; i < 10; i++ {
		_, err := bs.Get(ctx, "missing")
		require.Error(t, err)
	}
	require.Equal(t, BreakerClosed, bs.State())

	// Conflicts do not trip it either.
	_, err := bs.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := bs.PutIf(ctx, "k", []byte("v2"), "bogus")
		require.Error(t, err)
	}
	require.Equal(t, BreakerClosed, bs.State())
}
