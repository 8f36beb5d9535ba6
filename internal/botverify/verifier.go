// Package botverify checks human-attestation tokens against reCAPTCHA.
package botverify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/local/submitgate/internal/apperr"
)

// DefaultVerifyURL is Google's siteverify endpoint.
const DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// Result is the attestation service's judgment of a token.
type Result struct {
	Passed      bool     `json:"passed"`
	TrustScore  float64  `json:"trustScore"`
	ReasonCodes []string `json:"reasonCodes,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	Action      string   `json:"action,omitempty"`
}

// Verifier checks a token.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (Result, error)
}

// Doer is the subset of *http.Client used here.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Recaptcha verifies reCAPTCHA v3 tokens.
type Recaptcha struct {
	secret   string
	url      string
	minScore float64
	client   Doer
}

// Option customizes a Recaptcha verifier.
type Option func(*Recaptcha)

// WithURL overrides the siteverify endpoint.
func WithURL(u string) Option { return func(r *Recaptcha) { r.url = u } }

// WithMinScore sets the lowest score that passes.
func WithMinScore(s float64) Option { return func(r *Recaptcha) { r.minScore = s } }

// WithHTTPClient replaces the client used for siteverify calls.
func WithHTTPClient(c Doer) Option { return func(r *Recaptcha) { r.client = c } }

// NewRecaptcha returns a verifier using secret.
func NewRecaptcha(secret string, opts ...Option) *Recaptcha {
	r := &Recaptcha{
		secret:   secret,
		url:      DefaultVerifyURL,
		minScore: 0.5,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type siteverifyResponse struct {
	Success     bool     `json:"success"`
	Score       *float64 `json:"score"`
	Action      string   `json:"action"`
	Hostname    string   `json:"hostname"`
	ChallengeTS string   `json:"challenge_ts"`
	ErrorCodes  []string `json:"error-codes"`
}

// Verify implements Verifier.
func (r *Recaptcha) Verify(ctx context.Context, token, remoteIP string) (Result, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Result{}, apperr.New(apperr.InvalidInput, apperr.ReasonMissingToken, "missing reCAPTCHA token")
	}

	form := url.Values{}
	form.Set("secret", r.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.UpstreamUnavailable, apperr.ReasonInternal, err, "build siteverify request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, apperr.From(fmt.Errorf("siteverify request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, apperr.New(apperr.UpstreamUnavailable, "bad_status",
			fmt.Sprintf("siteverify status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var sv siteverifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&sv); err != nil {
		return Result{}, apperr.Wrap(apperr.UpstreamUnavailable, "bad_response", err, "decode siteverify response")
	}

	// absent score fails closed
	score := 0.0
	if sv.Score != nil {
		score = *sv.Score
	}
	res := Result{
		TrustScore:  score,
		ReasonCodes: sv.ErrorCodes,
		Hostname:    sv.Hostname,
		Action:      sv.Action,
	}
	if !sv.Success {
		return res, apperr.New(apperr.VerificationFailed, "token_invalid",
			fmt.Sprintf("reCAPTCHA verification failed %v", sv.ErrorCodes))
	}
	if score < r.minScore {
		return res, apperr.New(apperr.VerificationFailed, apperr.ReasonLowScore,
			fmt.Sprintf("reCAPTCHA score %.2f below %.2f", score, r.minScore))
	}
	res.Passed = true
	return res, nil
}

// AllowAll passes every token. For local development only.
type AllowAll struct{}

func (AllowAll) Verify(context.Context, string, string) (Result, error) {
	return Result{Passed: true, TrustScore: 1, ReasonCodes: []string{"verification_disabled"}}, nil
}
