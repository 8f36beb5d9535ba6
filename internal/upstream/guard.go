// Package upstream guards calls to external dependencies with a per-call
// deadline and a per-dependency circuit breaker.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/local/submitgate/internal/apperr"
	"github.com/local/submitgate/internal/metrics"
)

// Settings configures a Guard.
type Settings struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before a probe.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
}

// Guard wraps one dependency.
type Guard struct {
	name    string
	breaker *gobreaker.CircuitBreaker
}

// NewGuard returns a guard for the named dependency.
func NewGuard(name string, s Settings) *Guard {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}
	maxFailures := s.MaxFailures
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			if dep := Dependency(err); dep != "" && dep != name {
				return true
			}
			return countsAsHealthy(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState(name, to.String())
			ev := log.Info()
			if to == gobreaker.StateOpen {
				ev = log.Warn()
			}
			ev.Str("dependency", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
	return &Guard{name: name, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Name returns the dependency name.
func (g *Guard) Name() string { return g.name }

// State returns the breaker state as a string.
func (g *Guard) State() string { return g.breaker.State().String() }

// countsAsHealthy reports whether err says nothing bad about the dependency:
// rejections of the caller's input and cancellations by the caller do not
// trip the circuit.
func countsAsHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Kind != apperr.UpstreamUnavailable
	}
	return false
}

// attributed marks a failure already charged to one guard's breaker. Guards
// wrapping the same call see it as some other dependency's failure.
type attributed struct {
	dependency string
	err        error
}

func (a *attributed) Error() string { return a.err.Error() }
func (a *attributed) Unwrap() error { return a.err }

// Dependency returns the guard a failure was charged to, or "" if none was.
func Dependency(err error) string {
	var a *attributed
	if errors.As(err, &a) {
		return a.dependency
	}
	return ""
}

func (g *Guard) attribute(err error) error {
	if countsAsHealthy(err) || Dependency(err) != "" {
		return err
	}
	return &attributed{dependency: g.name, err: err}
}

// Call runs fn under the guard's breaker with its own deadline derived from
// ctx. Errors are always classified.
func Call[T any](ctx context.Context, g *Guard, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := g.breaker.Execute(func() (interface{}, error) {
		v, err := fn(cctx)
		if err != nil {
			return nil, g.classify(cctx, timeout, err)
		}
		return v, nil
	})
	dur := time.Since(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ObserveUpstream(g.name, "circuit_open", dur)
			return zero, g.attribute(apperr.Wrap(apperr.UpstreamUnavailable, apperr.ReasonCircuitOpen, err, "%s unavailable", g.name))
		}
		metrics.ObserveUpstream(g.name, resultLabel(err), dur)
		return zero, g.attribute(err)
	}
	metrics.ObserveUpstream(g.name, "success", dur)
	v, ok := out.(T)
	if !ok && out != nil {
		return zero, apperr.New(apperr.UpstreamUnavailable, apperr.ReasonInternal, fmt.Sprintf("%s returned %T", g.name, out))
	}
	return v, nil
}

// Do is Call for functions without a result.
func Do(ctx context.Context, g *Guard, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Call(ctx, g, timeout, func(c context.Context) (struct{}, error) {
		return struct{}{}, fn(c)
	})
	return err
}

func (g *Guard) classify(cctx context.Context, timeout time.Duration, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.UpstreamUnavailable, apperr.ReasonTimeout, err, "%s timed out after %s", g.name, timeout)
	}
	if e := apperr.From(err); e.Reason != apperr.ReasonInternal {
		return e
	}
	return apperr.Wrap(apperr.UpstreamUnavailable, apperr.ReasonInternal, err, "%s call failed", g.name)
}

func resultLabel(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		if ae.Reason != "" {
			return ae.Reason
		}
		return string(ae.Kind)
	}
	return "error"
}
