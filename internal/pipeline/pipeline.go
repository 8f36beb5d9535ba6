// Package pipeline runs a submission through verification, screening,
// quota admission, invocation and extraction.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/submitgate/internal/apperr"
	"github.com/local/submitgate/internal/botverify"
	"github.com/local/submitgate/internal/identity"
	"github.com/local/submitgate/internal/metrics"
	"github.com/local/submitgate/internal/quota"
	"github.com/local/submitgate/internal/safety"
	"github.com/local/submitgate/internal/upstream"
)

// Stage is a pipeline state.
type Stage string

const (
	StageReceived   Stage = "received"
	StageVerifying  Stage = "verifying"
	StageScreening  Stage = "screening"
	StageQuota      Stage = "quota_checking"
	StageInvoking   Stage = "invoking"
	StageExtracting Stage = "extracting"
	StageResponded  Stage = "responded"
	StageRejected   Stage = "rejected"
)

// Screener rejects unsafe media.
type Screener interface {
	Check(ctx context.Context, image []byte) (safety.Verdict, error)
}

// Submission is one request entering the pipeline.
type Submission struct {
	Endpoint string
	Identity identity.ClientIdentity
	Token    string
	RemoteIP string
	// Media is screened for unsafe content when non-nil.
	Media []byte

	// Invoke calls the external service. It receives a context bounded by
	// the invoke timeout.
	Invoke func(ctx context.Context) (any, error)
	// Extract turns the raw invoke result into the response payload.
	// Optional.
	Extract func(raw any) (any, error)
	// Release frees resources held by the submission. It runs exactly once
	// whatever the outcome.
	Release func()

	// Guard and InvokeTimeout override the defaults for the invoke stage.
	Guard         *upstream.Guard
	InvokeTimeout time.Duration

	// Tracker charges this submission instead of the shared tracker.
	Tracker quota.Tracker
	// Unverified skips bot verification; the tracker is then the only gate.
	Unverified bool
}

func (p *Pipeline) trackerFor(sub Submission) quota.Tracker {
	if sub.Tracker != nil {
		return sub.Tracker
	}
	return p.tracker
}

// Outcome is the single result of a run.
type Outcome struct {
	Result     any
	Err        *apperr.Error
	Stage      Stage // stage that produced Err, or StageResponded
	Trace      []Stage
	Remaining  int
	RetryAfter time.Duration
	Verdict    safety.Verdict
}

// OK reports whether the run succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Timeouts bounds each external stage.
type Timeouts struct {
	Verify time.Duration
	Screen time.Duration
	Invoke time.Duration
}

// Dependencies are the collaborators every run uses.
type Dependencies struct {
	Verifier botverify.Verifier
	Screener Screener
	Tracker  quota.Tracker
	Timeouts Timeouts
	Breaker  upstream.Settings
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	verifier botverify.Verifier
	screener Screener
	tracker  quota.Tracker
	timeouts Timeouts

	verifyGuard *upstream.Guard
	screenGuard *upstream.Guard
	invokeGuard *upstream.Guard
}

// New builds a pipeline.
func New(d Dependencies) *Pipeline {
	return &Pipeline{
		verifier:    d.Verifier,
		screener:    d.Screener,
		tracker:     d.Tracker,
		timeouts:    d.Timeouts,
		verifyGuard: upstream.NewGuard("recaptcha", d.Breaker),
		screenGuard: upstream.NewGuard("safesearch", d.Breaker),
		invokeGuard: upstream.NewGuard("model", d.Breaker),
	}
}

type run struct {
	p     *Pipeline
	sub   Submission
	out   Outcome
	stage Stage
	start time.Time
	once  sync.Once
}

func (r *run) enter(s Stage) {
	if r.stage != "" && r.stage != StageReceived {
		metrics.ObserveStage(r.sub.Endpoint, string(r.stage), time.Since(r.start))
	}
	r.stage = s
	r.start = time.Now()
	r.out.Trace = append(r.out.Trace, s)
}

func (r *run) release() {
	r.once.Do(func() {
		r.sub.Media = nil
		if r.sub.Release != nil {
			r.sub.Release()
		}
	})
}

// Run drives sub to exactly one Outcome.
func (p *Pipeline) Run(ctx context.Context, sub Submission) Outcome {
	r := &run{p: p, sub: sub}
	r.out.Remaining = -1
	defer r.release()

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Str("endpoint", sub.Endpoint).
					Str("stage", string(r.stage)).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("pipeline panic recovered")
				r.reject(apperr.New(apperr.UpstreamUnavailable, apperr.ReasonInternal, fmt.Sprintf("internal error in %s", r.stage)))
			}
		}()
		r.execute(ctx)
	}()
	r.release()

	if r.out.Remaining < 0 {
		r.out.Remaining = peek(ctx, p.trackerFor(sub), sub.Identity)
	}
	r.finish()
	return r.out
}

func (r *run) execute(ctx context.Context) {
	p, sub := r.p, r.sub
	r.enter(StageReceived)

	if !sub.Unverified {
		r.enter(StageVerifying)
		_, err := upstream.Call(ctx, p.verifyGuard, p.timeouts.Verify, func(c context.Context) (botverify.Result, error) {
			return p.verifier.Verify(c, sub.Token, sub.RemoteIP)
		})
		if err != nil {
			r.reject(err)
			return
		}
	}

	if sub.Media != nil {
		r.enter(StageScreening)
		if p.screener == nil {
			r.reject(apperr.New(apperr.UpstreamUnavailable, apperr.ReasonInternal, "content screening not configured"))
			return
		}
		media := sub.Media
		err := upstream.Do(ctx, p.screenGuard, p.timeouts.Screen, func(c context.Context) error {
			v, err := p.screener.Check(c, media)
			r.out.Verdict = v
			return err
		})
		if err != nil {
			r.reject(err)
			return
		}
	}

	r.enter(StageQuota)
	d, err := p.trackerFor(sub).CheckAndConsume(ctx, sub.Identity)
	if err != nil {
		r.reject(apperr.Wrap(apperr.UpstreamUnavailable, "quota_store", err, "quota check failed"))
		return
	}
	metrics.IncQuotaDecision(d.Allowed)
	r.out.Remaining = d.Remaining
	if !d.Allowed {
		r.out.RetryAfter = d.RetryAfter
		r.reject(apperr.New(apperr.QuotaExceeded, apperr.ReasonQuota,
			fmt.Sprintf("request limit reached, try again in %s", d.RetryAfter.Round(time.Second))))
		return
	}

	r.enter(StageInvoking)
	guard := sub.Guard
	if guard == nil {
		guard = p.invokeGuard
	}
	timeout := sub.InvokeTimeout
	if timeout <= 0 {
		timeout = p.timeouts.Invoke
	}
	raw, err := upstream.Call(ctx, guard, timeout, sub.Invoke)
	if err != nil {
		r.reject(err)
		return
	}

	r.enter(StageExtracting)
	result := raw
	if sub.Extract != nil {
		result, err = sub.Extract(raw)
		if err != nil {
			if apperr.KindOf(err) == "" {
				err = apperr.Wrap(apperr.UpstreamMalformed, apperr.ReasonInvalidField, err, "cannot extract result")
			}
			r.reject(err)
			return
		}
	}

	r.enter(StageResponded)
	r.out.Result = result
	r.out.Stage = StageResponded
}

func (r *run) reject(err error) {
	r.out.Err = apperr.From(err)
	r.out.Stage = r.stage
	if r.stage != "" {
		metrics.ObserveStage(r.sub.Endpoint, string(r.stage), time.Since(r.start))
	}
	r.out.Trace = append(r.out.Trace, StageRejected)
}

func (r *run) finish() {
	ev := log.Info()
	result, reason := "success", ""
	if r.out.Err != nil {
		result, reason = string(r.out.Err.Kind), r.out.Err.Reason
		ev = log.Warn().Err(r.out.Err)
		if r.out.Err.Kind == apperr.UpstreamUnavailable || r.out.Err.Kind == apperr.UpstreamMalformed {
			ev = log.Error().Err(r.out.Err)
		}
	}
	metrics.IncOutcome(r.sub.Endpoint, result, reason)
	ev.Str("endpoint", r.sub.Endpoint).
		Str("client", string(r.sub.Identity)).
		Str("stage", string(r.out.Stage)).
		Int("remaining", r.out.Remaining).
		Msg("submission finished")
}

// peek reads the remaining allowance without consuming it.
func peek(ctx context.Context, t quota.Tracker, id identity.ClientIdentity) int {
	n, err := t.Remaining(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("client", string(id)).Msg("quota peek failed")
		return 0
	}
	return n
}
