// Package quota enforces a fixed-window request ceiling per client identity.
package quota

import (
	"context"
	"time"

	"github.com/local/submitgate/internal/identity"
)

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the time until the current window resets. Only set
	// when the request was refused.
	RetryAfter time.Duration
}

// Tracker decides whether an identity may make another request.
type Tracker interface {
	// CheckAndConsume atomically admits and charges one request, or refuses
	// without charging.
	CheckAndConsume(ctx context.Context, id identity.ClientIdentity) (Decision, error)
	// Remaining reports the allowance left without consuming any.
	Remaining(ctx context.Context, id identity.ClientIdentity) (int, error)
	Close() error
}

// Options configures a tracker.
type Options struct {
	Limit  int
	Window time.Duration
	// Namespace prefixes Redis keys so several trackers can share a server.
	Namespace string
}

func (o *Options) defaults() {
	if o.Limit <= 0 {
		o.Limit = 5
	}
	if o.Window <= 0 {
		o.Window = time.Hour
	}
	if o.Namespace == "" {
		o.Namespace = "quota"
	}
}
