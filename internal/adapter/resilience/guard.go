// Package resilience wraps calls to external collaborators with a rate
// limiter, a circuit breaker and, for reads only, bounded retries.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentswallets/cli/internal/core/ports"

	"github.com/avast/retry-go/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Settings configures one Guard.
type Settings struct {
	Name string

	// Requests per second; 0 disables the limiter.
	RatePerSecond float64
	Burst         int

	// Breaker opens after this many consecutive failures and probes again
	// after OpenTimeout.
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration

	// Retry applies only to Guard.Retry.
	MaxAttempts uint
	BaseDelay   time.Duration

	// Per-attempt deadline; 0 leaves the caller's deadline alone.
	CallTimeout time.Duration
}

// StateListener is notified on breaker transitions with
// 0=closed, 1=half-open, 2=open.
type StateListener func(name string, state int)

// Guard protects one external dependency.
type Guard struct {
	name        string
	cb          *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	attempts    uint
	delay       time.Duration
	callTimeout time.Duration
	log         zerolog.Logger
}

// New builds a Guard. onState may be nil.
func New(s Settings, onState StateListener, log zerolog.Logger) *Guard {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 3
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = 200 * time.Millisecond
	}

	g := &Guard{
		name:        s.Name,
		attempts:    s.MaxAttempts,
		delay:       s.BaseDelay,
		callTimeout: s.CallTimeout,
		log:         log.With().Str("dependency", s.Name).Logger(),
	}
	if s.RatePerSecond > 0 {
		burst := s.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(s.RatePerSecond), burst)
	}

	threshold := s.ConsecutiveFailures
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A rejection or a cancelled caller says nothing about the
		// dependency's health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ports.ErrProviderRejected) ||
				errors.Is(err, ports.ErrRejected) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			if onState != nil {
				onState(name, stateValue(to))
			}
		},
	})
	return g
}

// Name returns the dependency name.
func (g *Guard) Name() string { return g.name }

// State reports the breaker state as 0=closed, 1=half-open, 2=open.
func (g *Guard) State() int { return stateValue(g.cb.State()) }

// Do runs fn exactly once. Use it for calls that must never be repeated
// blindly, such as broadcasting a transaction or placing an order.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.attempt(ctx, fn)
	})
	return g.wrap(err)
}

// Retry runs fn with exponential backoff inside the breaker. Only
// idempotent reads may use it.
func (g *Guard) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	_, err := g.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(g.attempts),
			retry.Delay(g.delay),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, r.Do(func() error {
			return g.attempt(ctx, fn)
		})
	})
	return g.wrap(err)
}

func (g *Guard) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.callTimeout <= 0 {
		return fn(ctx)
	}
	tCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	return fn(tCtx)
}

func (g *Guard) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s rate limit: %w", g.name, ctxErr)
		}
		return fmt.Errorf("%s rate limit: %w: %v", g.name, ports.ErrUnavailable, err)
	}
	return nil
}

func (g *Guard) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", g.name, ports.ErrUnavailable, err)
	}
	return err
}

func retryable(err error) bool {
	return !errors.Is(err, ports.ErrProviderRejected) &&
		!errors.Is(err, ports.ErrRejected) &&
		!errors.Is(err, ports.ErrUnsupportedToken) &&
		!errors.Is(err, context.Canceled)
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
