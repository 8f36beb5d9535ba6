package statuscheck

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger models the minimal capability we need for status checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RedisPinger wraps a go-redis client, whose Ping returns a command.
func RedisPinger(c redis.UniversalClient) Pinger {
	return PingFunc(func(ctx context.Context) error { return c.Ping(ctx).Err() })
}

// Dependency is one named subsystem to probe.
type Dependency struct {
	Name string
	// Optional dependencies report their status but never fail readiness.
	Optional bool
	Pinger   Pinger
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
	deps    []Dependency
	timeout time.Duration
}

// Options configures the Checker.
type Options struct {
	Dependencies []Dependency
	Timeout      time.Duration
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK       bool   `json:"ok"`
	Optional bool   `json:"optional,omitempty"`
	Message  string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Ready        bool              `json:"ready"`
	Dependencies map[string]Status `json:"dependencies"`
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	deps := append([]Dependency(nil), opts.Dependencies...)
	sort.SliceStable(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return &Checker{deps: deps, timeout: timeout}
}

// Summary probes every dependency concurrently and returns the snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	out := Summary{Ready: true, Dependencies: make(map[string]Status, len(c.deps))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, d := range c.deps {
		wg.Add(1)
		go func(d Dependency) {
			defer wg.Done()
			st := c.check(ctx, d)
			mu.Lock()
			out.Dependencies[d.Name] = st
			if !st.OK && !d.Optional {
				out.Ready = false
			}
			mu.Unlock()
		}(d)
	}
	wg.Wait()
	return out
}

func (c *Checker) check(ctx context.Context, d Dependency) Status {
	if d.Pinger == nil {
		return Status{OK: false, Optional: d.Optional, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := d.Pinger.Ping(ctx); err != nil {
		return Status{OK: false, Optional: d.Optional, Message: trimError(err)}
	}
	return Status{OK: true, Optional: d.Optional, Message: "Connected"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
