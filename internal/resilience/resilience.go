// Package resilience composes retry and circuit-breaking for outbound
// calls (MQTT connect, log upload) into a single
// gobreaker-backed policy, rather than hand-rolling a circuit breaker
// per caller.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config controls both the retry envelope and the breaker thresholds.
type Config struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration

	BreakerName     string
	MaxFailures     uint32
	ResetTimeout    time.Duration
	HalfOpenMaxCall uint32
}

// DefaultConfig is the standard retry/breaker envelope used unless a
// caller needs tighter bounds: 5 retries, 1s->30s backoff, 5 failures
// trips the breaker, 30s reset.
func DefaultConfig(name string) Config {
	return Config{
		MaxRetries:      5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  0,
		BreakerName:     name,
		MaxFailures:     5,
		ResetTimeout:    30 * time.Second,
		HalfOpenMaxCall: 3,
	}
}

// Policy runs calls through a bounded exponential backoff wrapped in a
// circuit breaker, so a persistently failing dependency stops being
// hammered with retries once it trips open.
type Policy struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Policy {
	st := gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: cfg.HalfOpenMaxCall,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			}
		},
	}
	return &Policy{cfg: cfg, breaker: gobreaker.NewCircuitBreaker(st), log: log}
}

// Run executes fn, retrying with exponential backoff while the circuit is
// closed/half-open. A context deadline or cancellation aborts immediately.
func (p *Policy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.MaxElapsedTime = p.cfg.MaxElapsedTime

	var attempts uint64
	operation := func() error {
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		return err
	}

	bo := backoff.WithContext(b, ctx)
	return backoff.Retry(func() error {
		if attempts >= p.cfg.MaxRetries {
			return backoff.Permanent(operation())
		}
		attempts++
		err := operation()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// State reports the breaker's current state for observability.
func (p *Policy) State() gobreaker.State { return p.breaker.State() }
