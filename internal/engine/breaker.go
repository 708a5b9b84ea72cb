package engine

import (
	"context"
	"errors"
	"time"

	"github.com/aifocal/akidb/internal/libs/obs"
	"github.com/aifocal/akidb/internal/storage/objstore"
	"github.com/sony/gobreaker/v2"
)

// Breaker defaults.
const (
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerCooldown         = 30 * time.Second
)

// BreakerConfig tunes the remote-tier circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32
	Cooldown         time.Duration
}

// DefaultBreakerConfig returns the spec defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: DefaultBreakerFailureThreshold,
		Cooldown:         DefaultBreakerCooldown,
	}
}

// BreakerState mirrors the observability contract: 0 closed, 1 open,
// 2 half-open.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0
	BreakerOpen     BreakerState = 1
	BreakerHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breakerStore wraps every remote-tier call in a circuit breaker. After
// FailureThreshold consecutive transient failures the breaker opens and
// calls fail fast as Unavailable; after the cooldown a single probe is
// allowed. NotFound and Conflict results count as successes - only
// transient faults trip the breaker.
type breakerStore struct {
	inner objstore.Store
	cb    *gobreaker.CircuitBreaker[any]
}

// newBreakerStore wraps a remote store.
func newBreakerStore(inner objstore.Store, cfg BreakerConfig) *breakerStore {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerFailureThreshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultBreakerCooldown
	}

	settings := gobreaker.Settings{
		Name:        "remote-tier",
		MaxRequests: 1, // single probe in half-open
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !objstore.IsTransient(err)
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			obs.CircuitBreakerState.Set(float64(mapBreakerState(to)))
		},
	}
	return &breakerStore{inner: inner, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func mapBreakerState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// State returns the current breaker state.
func (b *breakerStore) State() BreakerState {
	return mapBreakerState(b.cb.State())
}

// execute routes a call through the breaker, mapping fail-fast rejections
// onto the Unavailable kind.
func (b *breakerStore) execute(op string, fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Kind: KindUnavailable, Op: op, Err: err}
		}
		return nil, err
	}
	return v, nil
}

func (b *breakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.execute("remote.get", func() (any, error) { return b.inner.Get(ctx, key) })
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (b *breakerStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	v, err := b.execute("remote.put", func() (any, error) { return b.inner.Put(ctx, key, data) })
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *breakerStore) PutIf(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	v, err := b.execute("remote.putif", func() (any, error) { return b.inner.PutIf(ctx, key, data, expectedETag) })
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *breakerStore) Delete(ctx context.Context, key string) error {
	_, err := b.execute("remote.delete", func() (any, error) { return nil, b.inner.Delete(ctx, key) })
	return err
}

func (b *breakerStore) List(ctx context.Context, prefix string) ([]string, error) {
	v, err := b.execute("remote.list", func() (any, error) { return b.inner.List(ctx, prefix) })
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (b *breakerStore) Head(ctx context.Context, key string) (objstore.ObjectInfo, error) {
	v, err := b.execute("remote.head", func() (any, error) { return b.inner.Head(ctx, key) })
	if err != nil {
		return objstore.ObjectInfo{}, err
	}
	return v.(objstore.ObjectInfo), nil
}

var _ objstore.Store = (*breakerStore)(nil)
