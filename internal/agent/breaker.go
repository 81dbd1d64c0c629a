package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Breakers holds one circuit breaker per provider so a provider that keeps
// failing is reported unavailable instead of burning a full timeout per call.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewBreakers creates an empty registry.
func NewBreakers(logger *slog.Logger) *Breakers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breakers{breakers: make(map[string]*gobreaker.CircuitBreaker), logger: logger}
}

func (b *Breakers) get(provider string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("provider circuit changed",
				slog.String("provider", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is ours, not the provider's.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	b.breakers[provider] = cb
	return cb
}

// State reports the breaker state for a provider.
func (b *Breakers) State(provider string) gobreaker.State {
	return b.get(provider).State()
}

// Execute runs fn through the provider's breaker. A non-zero exit counts as
// a failure and is returned as *ExitError. Rejections by an open breaker are
// reported as ErrProviderUnavailable.
func (b *Breakers) Execute(provider string, fn func() (Result, error)) (Result, error) {
	var res Result
	_, err := b.get(provider).Execute(func() (interface{}, error) {
		r, err := fn()
		res = r
		if err != nil {
			return nil, err
		}
		return nil, CheckExit(r)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return res, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, provider, err)
	}
	return res, err
}
