package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/submitgate/internal/ai"
	"github.com/local/submitgate/internal/apperr"
	"github.com/local/submitgate/internal/botverify"
	"github.com/local/submitgate/internal/quota"
	"github.com/local/submitgate/internal/safety"
)

type stubVerifier struct {
	err error
}

func (s stubVerifier) Verify(_ context.Context, token, _ string) (botverify.Result, error) {
	if token == "" {
		return botverify.Result{}, apperr.New(apperr.InvalidInput, apperr.ReasonMissingToken, "missing token")
	}
	if s.err != nil {
		return botverify.Result{}, s.err
	}
	return botverify.Result{Passed: true, TrustScore: 0.9}, nil
}

type stubClassifier struct {
	verdict safety.Verdict
}

func (s stubClassifier) Classify(context.Context, []byte) (safety.Verdict, error) {
	return s.verdict, nil
}

type stubModel struct {
	res   ai.Result
	err   error
	calls atomic.Int32
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) Invoke(context.Context, ai.Request) (ai.Result, error) {
	m.calls.Add(1)
	return m.res, m.err
}

func newPipeline(t *testing.T, v botverify.Verifier, verdict safety.Verdict, limit int) (*Pipeline, *quota.Memory) {
	t.Helper()
	tracker := quota.NewMemory(quota.Options{Limit: limit, Window: time.Hour})
	t.Cleanup(func() { _ = tracker.Close() })
	p := New(Dependencies{
		Verifier: v,
		Screener: safety.NewScreen(stubClassifier{verdict: verdict}, nil),
		Tracker:  tracker,
		Timeouts: Timeouts{Verify: time.Second, Screen: time.Second, Invoke: time.Second},
	})
	return p, tracker
}

func sentimentSubmission(model ai.Client, released *atomic.Int32) Submission {
	return Submission{
		Endpoint: "sentiment",
		Identity: "1.2.3.4",
		Token:    "tok",
		Invoke: func(ctx context.Context) (any, error) {
			return model.Invoke(ctx, ai.Request{Modality: ai.ModalityText, Text: "I love this", Schema: ai.SentimentSchema})
		},
		Extract: func(raw any) (any, error) {
			return ai.ParseSentiment(raw.(ai.Result))
		},
		Release: func() { released.Add(1) },
	}
}

func TestRun_SentimentEndToEnd(t *testing.T) {
	p, _ := newPipeline(t, stubVerifier{}, nil, 5)
	model := &stubModel{res: ai.Result{Structured: true, Name: ai.SentimentFunction, Fields: map[string]any{"sentiment": "positive", "score": 0.8}}}
	var released atomic.Int32

	out := p.Run(context.Background(), sentimentSubmission(model, &released))

	require.True(t, out.OK(), "%v", out.Err)
	assert.Equal(t, ai.Sentiment{Sentiment: "positive", Score: 0.8}, out.Result)
	assert.Equal(t, 4, out.Remaining)
	assert.Equal(t, StageResponded, out.Stage)
	assert.Equal(t, []Stage{StageReceived, StageVerifying, StageQuota, StageInvoking, StageExtracting, StageResponded}, out.Trace)
	assert.EqualValues(t, 1, released.Load())
}

func TestRun_UnsafeImageRejectedBeforeQuota(t *testing.T) {
	p, tracker := newPipeline(t, stubVerifier{}, safety.Verdict{safety.Adult: safety.VeryLikely}, 5)
	model := &stubModel{res: ai.Result{Text: "a picture"}}
	var released atomic.Int32

	out := p.Run(context.Background(), Submission{
		Endpoint: "analyze-image",
		Identity: "5.6.7.8",
		Token:    "tok",
		Media:    []byte{0xff, 0xd8, 0xff},
		Invoke: func(ctx context.Context) (any, error) {
			return model.Invoke(ctx, ai.Request{})
		},
		Release: func() { released.Add(1) },
	})

	require.NotNil(t, out.Err)
	assert.Equal(t, apperr.ContentRejected, out.Err.Kind)
	assert.Equal(t, StageScreening, out.Stage)
	assert.Equal(t, safety.VeryLikely, out.Verdict[safety.Adult])
	assert.Equal(t, 5, out.Remaining)
	assert.EqualValues(t, 0, model.calls.Load())
	assert.EqualValues(t, 1, released.Load())

	rem, _ := tracker.Remaining(context.Background(), "5.6.7.8")
	assert.Equal(t, 5, rem)
}

func TestRun_QuotaExceeded(t *testing.T) {
	p, _ := newPipeline(t, stubVerifier{}, nil, 2)
	model := &stubModel{res: ai.Result{Structured: true, Fields: map[string]any{"sentiment": "neutral", "score": 0.0}}}
	var released atomic.Int32

	for i := 0; i < 2; i++ {
		out := p.Run(context.Background(), sentimentSubmission(model, &released))
		require.True(t, out.OK())
	}
	out := p.Run(context.Background(), sentimentSubmission(model, &released))

	require.NotNil(t, out.Err)
	assert.Equal(t, apperr.QuotaExceeded, out.Err.Kind)
	assert.Equal(t, 0, out.Remaining)
	assert.Greater(t, out.RetryAfter, 59*time.Minute)
	assert.EqualValues(t, 2, model.calls.Load())
	assert.EqualValues(t, 3, released.Load())
}

func TestRun_RejectionsReleaseExactlyOnce(t *testing.T) {
	tests := []struct {
		name     string
		verifier botverify.Verifier
		token    string
		invoke   func(context.Context) (any, error)
		extract  func(any) (any, error)
		kind     apperr.Kind
		reason   string
		stage    Stage
	}{
		{
			name:     "missing token",
			verifier: stubVerifier{},
			kind:     apperr.InvalidInput,
			reason:   apperr.ReasonMissingToken,
			stage:    StageVerifying,
		},
		{
			name:     "low score",
			verifier: stubVerifier{err: apperr.New(apperr.VerificationFailed, apperr.ReasonLowScore, "0.1")},
			token:    "tok",
			kind:     apperr.VerificationFailed,
			reason:   apperr.ReasonLowScore,
			stage:    StageVerifying,
		},
		{
			name:     "invoke timeout",
			verifier: stubVerifier{},
			token:    "tok",
			invoke: func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			kind:   apperr.UpstreamUnavailable,
			reason: apperr.ReasonTimeout,
			stage:  StageInvoking,
		},
		{
			name:     "plain text instead of structured",
			verifier: stubVerifier{},
			token:    "tok",
			invoke:   func(context.Context) (any, error) { return ai.Result{Text: "positive"}, nil },
			extract:  func(raw any) (any, error) { return ai.ParseSentiment(raw.(ai.Result)) },
			kind:     apperr.UpstreamMalformed,
			reason:   apperr.ReasonNoStructuredOutput,
			stage:    StageExtracting,
		},
		{
			name:     "panic in extract",
			verifier: stubVerifier{},
			token:    "tok",
			invoke:   func(context.Context) (any, error) { return nil, nil },
			extract:  func(any) (any, error) { panic("boom") },
			kind:     apperr.UpstreamUnavailable,
			reason:   apperr.ReasonInternal,
			stage:    StageExtracting,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newPipeline(t, tt.verifier, nil, 5)
			p.timeouts.Invoke = 20 * time.Millisecond
			invoke := tt.invoke
			if invoke == nil {
				invoke = func(context.Context) (any, error) { return "ok", nil }
			}
			var released atomic.Int32

			out := p.Run(context.Background(), Submission{
				Endpoint: "test",
				Identity: "9.9.9.9",
				Token:    tt.token,
				Invoke:   invoke,
				Extract:  tt.extract,
				Release:  func() { released.Add(1) },
			})

			require.NotNil(t, out.Err)
			assert.Equal(t, tt.kind, out.Err.Kind)
			assert.Equal(t, tt.reason, out.Err.Reason)
			assert.Equal(t, tt.stage, out.Stage)
			assert.Equal(t, StageRejected, out.Trace[len(out.Trace)-1])
			assert.EqualValues(t, 1, released.Load())
			assert.GreaterOrEqual(t, out.Remaining, 0)
		})
	}
}

func TestRun_VerificationFailureDoesNotConsumeQuota(t *testing.T) {
	p, _ := newPipeline(t, stubVerifier{err: errors.New("siteverify down")}, nil, 3)

	out := p.Run(context.Background(), Submission{Endpoint: "test", Identity: "7.7.7.7", Token: "tok"})

	require.NotNil(t, out.Err)
	assert.Equal(t, apperr.UpstreamUnavailable, out.Err.Kind)
	assert.Equal(t, 3, out.Remaining)
}

func TestRun_SubmissionTrackerAndUnverified(t *testing.T) {
	p, shared := newPipeline(t, stubVerifier{}, nil, 5)
	uploads := quota.NewMemory(quota.Options{Limit: 1, Window: 15 * time.Minute})
	sub := Submission{
		Endpoint:   "upload-file",
		Identity:   "4.4.4.4",
		Unverified: true,
		Tracker:    uploads,
		Invoke:     func(context.Context) (any, error) { return "stored", nil },
	}

	out := p.Run(context.Background(), sub)
	require.True(t, out.OK(), "%v", out.Err)
	assert.Equal(t, []Stage{StageReceived, StageQuota, StageInvoking, StageExtracting, StageResponded}, out.Trace)
	assert.Equal(t, 0, out.Remaining)

	out = p.Run(context.Background(), sub)
	require.NotNil(t, out.Err)
	assert.Equal(t, apperr.QuotaExceeded, out.Err.Kind)
	assert.Equal(t, 0, out.Remaining)

	rem, err := shared.Remaining(context.Background(), "4.4.4.4")
	require.NoError(t, err)
	assert.Equal(t, 5, rem)
}
