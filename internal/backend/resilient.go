package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/linkparty/internal/domain"
)

// outcome carries a gateway result through the circuit breaker. Domain
// answers such as "not found" travel inside the outcome so they do not
// count as breaker failures.
type outcome struct {
	value any
	err   error
}

// Resilient wraps a Gateway with a bulkhead and a circuit breaker. Once
// the store keeps failing, calls fail fast with domain.ErrBackendUnavailable
// instead of waiting on a dead connection. Nothing is retried.
type Resilient struct {
	next     Gateway
	breaker  circuitbreaker.CircuitBreaker[outcome]
	bulkhead bulkhead.Bulkhead[outcome]
	logger   *slog.Logger
}

// ResilientConfig holds the breaker settings.
type ResilientConfig struct {
	// Timeout is how long the breaker stays open before probing again
	Timeout time.Duration

	// Interval resets failure counts while closed
	Interval time.Duration

	// MaxConcurrent caps in-flight store calls (default: 8)
	MaxConcurrent int

	Logger *slog.Logger
}

// DefaultResilientConfig returns sensible breaker defaults.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout:       15 * time.Second,
		Interval:      30 * time.Second,
		MaxConcurrent: 8,
	}
}

// NewResilient wraps next.
func NewResilient(next Gateway, cfg ResilientConfig) *Resilient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}

	r := &Resilient{next: next, logger: logger}
	r.bulkhead = bulkhead.New[outcome](bulkhead.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxQueue:      cfg.MaxConcurrent * 2,
		QueueTimeout:  10 * time.Second,
	})
	r.breaker = circuitbreaker.New[outcome](circuitbreaker.Config{
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("backend circuit breaker state change",
				"from", from.String(),
				"to", to.String())
		},
	})
	return r
}

var _ Gateway = (*Resilient)(nil)

func (r *Resilient) call(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	res, err := r.bulkhead.Execute(ctx, func(ctx context.Context) (outcome, error) {
		return r.breaker.Execute(ctx, func(ctx context.Context) (outcome, error) {
			v, err := fn(ctx)
			if err != nil && isStoreFailure(err) {
				return outcome{}, err
			}
			return outcome{value: v, err: err}, nil
		})
	})
	if err != nil {
		if isStoreFailure(err) || ctx.Err() != nil {
			return nil, err
		}
		// breaker open, or bulkhead full
		return nil, fmt.Errorf("%s: %w: %v", op, domain.ErrBackendUnavailable, err)
	}
	return res.value, res.err
}

func isStoreFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, domain.ErrBackendUnavailable) || errors.Is(err, domain.ErrBackend)
}

// CreateSession implements Gateway.
func (r *Resilient) CreateSession(ctx context.Context) (domain.Created, error) {
	v, err := r.call(ctx, "create party", func(ctx context.Context) (any, error) {
		return r.next.CreateSession(ctx)
	})
	if err != nil {
		return domain.Created{}, err
	}
	return v.(domain.Created), nil
}

// FindSessionByCode implements Gateway.
func (r *Resilient) FindSessionByCode(ctx context.Context, code string) (*domain.PartySession, error) {
	v, err := r.call(ctx, "find party", func(ctx context.Context) (any, error) {
		return r.next.FindSessionByCode(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.PartySession), nil
}

// UpdateSharedLink implements Gateway.
func (r *Resilient) UpdateSharedLink(ctx context.Context, sessionID, link string) error {
	_, err := r.call(ctx, "update shared link", func(ctx context.Context) (any, error) {
		return nil, r.next.UpdateSharedLink(ctx, sessionID, link)
	})
	return err
}

// GetSession implements Gateway.
func (r *Resilient) GetSession(ctx context.Context, sessionID string) (*domain.PartySession, error) {
	v, err := r.call(ctx, "get party", func(ctx context.Context) (any, error) {
		return r.next.GetSession(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.PartySession), nil
}

// Subscribe implements Gateway.
func (r *Resilient) Subscribe(ctx context.Context, sessionID string, onChange ChangeFunc, onError ErrorFunc) (Subscription, error) {
	v, err := r.call(ctx, "subscribe", func(ctx context.Context) (any, error) {
		return r.next.Subscribe(ctx, sessionID, onChange, onError)
	})
	if err != nil {
		return nil, err
	}
	return v.(Subscription), nil
}

// Ping bypasses the breaker so readiness checks always reach the store.
func (r *Resilient) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}
