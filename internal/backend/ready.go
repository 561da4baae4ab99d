package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/felixgeelhaar/linkparty/internal/domain"
)

// Pinger is anything that can report store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyConfig bounds the startup readiness wait.
type ReadyConfig struct {
	// MaxAttempts is the number of pings before giving up (default: 10)
	MaxAttempts int

	// Delay is the fixed pause between pings (default: 300ms)
	Delay time.Duration

	Logger *slog.Logger
}

// DefaultReadyConfig returns the startup retry policy.
func DefaultReadyConfig() ReadyConfig {
	return ReadyConfig{
		MaxAttempts: 10,
		Delay:       300 * time.Millisecond,
	}
}

// WaitReady pings the store until it answers, a bounded number of times
// with a fixed delay. It is meant for startup only; live operations are
// never retried.
func WaitReady(ctx context.Context, p Pinger, cfg ReadyConfig) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 300 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retrier := retry.New[struct{}](retry.Config{
		MaxAttempts:   cfg.MaxAttempts,
		InitialDelay:  cfg.Delay,
		MaxDelay:      cfg.Delay,
		Multiplier:    1.0,
		BackoffPolicy: retry.BackoffExponential,
		Jitter:        false,
		IsRetryable: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
	})

	attempts := 0
	_, err := retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
		attempts++
		if err := p.Ping(ctx); err != nil {
			logger.Debug("backend not ready", "attempt", attempts, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrBackendUnavailable) {
			return fmt.Errorf("backend not ready after %d attempts: %w", attempts, err)
		}
		return fmt.Errorf("backend not ready after %d attempts: %w: %v", attempts, domain.ErrBackendUnavailable, err)
	}

	if attempts > 1 {
		logger.Info("backend ready", "attempts", attempts)
	}
	return nil
}
