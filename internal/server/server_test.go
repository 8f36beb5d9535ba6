package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/submitgate/internal/ai"
	"github.com/local/submitgate/internal/apperr"
	"github.com/local/submitgate/internal/botverify"
	"github.com/local/submitgate/internal/catalog"
	"github.com/local/submitgate/internal/identity"
	"github.com/local/submitgate/internal/pipeline"
	"github.com/local/submitgate/internal/quota"
	"github.com/local/submitgate/internal/safety"
	"github.com/local/submitgate/internal/storage"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, token, _ string) (botverify.Result, error) {
	switch token {
	case "":
		return botverify.Result{}, apperr.New(apperr.InvalidInput, apperr.ReasonMissingToken, "missing reCAPTCHA token")
	case "bot":
		return botverify.Result{}, apperr.New(apperr.VerificationFailed, apperr.ReasonLowScore, "reCAPTCHA verification failed")
	}
	return botverify.Result{Passed: true, TrustScore: 0.9}, nil
}

type fixedClassifier struct{ v safety.Verdict }

func (c fixedClassifier) Classify(context.Context, []byte) (safety.Verdict, error) { return c.v, nil }

type fakeModel struct {
	mu   sync.Mutex
	reqs []ai.Request
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) Invoke(_ context.Context, req ai.Request) (ai.Result, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	if req.Schema != nil {
		return ai.Result{Structured: true, Name: req.Schema.Name, Fields: map[string]any{"sentiment": "positive", "score": 0.8}}, nil
	}
	if req.Modality == ai.ModalityImage {
		return ai.Result{Text: "A small square."}, nil
	}
	return ai.Result{Text: "A short summary."}, nil
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memStore) Read(_ context.Context, key string, maxBytes int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if maxBytes > 0 && int64(len(b)) > maxBytes {
		return nil, storage.ErrTooLarge
	}
	return b, nil
}

func (m *memStore) Write(_ context.Context, key string, r io.Reader, contentType string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	m.types[key] = contentType
	return nil
}

func (m *memStore) URL(key string) string      { return "https://storage.googleapis.com/test-bucket/" + key }
func (m *memStore) URI(key string) string      { return "gs://test-bucket/" + key }
func (m *memStore) Bucket() string             { return "test-bucket" }
func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

type staticCatalog struct{ rows []catalog.Product }

func (c staticCatalog) List(context.Context) ([]catalog.Product, error) { return c.rows, nil }
func (c staticCatalog) Ping(context.Context) error                     { return nil }

type env struct {
	handler http.Handler
	model   *fakeModel
	store   *memStore
	tracker *quota.Memory
	uploads *quota.Memory
}

func newEnv(t *testing.T, verdict safety.Verdict, limit int, mutate func(*Dependencies, *Options)) *env {
	t.Helper()
	tracker := quota.NewMemory(quota.Options{Limit: limit, Window: time.Hour})
	t.Cleanup(func() { _ = tracker.Close() })
	p := pipeline.New(pipeline.Dependencies{
		Verifier: tokenVerifier{},
		Screener: safety.NewScreen(fixedClassifier{v: verdict}, nil),
		Tracker:  tracker,
		Timeouts: pipeline.Timeouts{Verify: time.Second, Screen: time.Second, Invoke: time.Second},
	})
	uploads := quota.NewMemory(quota.Options{Limit: 2, Window: 15 * time.Minute})
	e := &env{model: &fakeModel{}, store: newMemStore(), tracker: tracker, uploads: uploads}
	deps := Dependencies{Pipeline: p, Tracker: tracker, UploadTracker: uploads, Model: e.model, Store: e.store}
	opts := Options{MaxUploadBytes: 1 << 20}
	if mutate != nil {
		mutate(&deps, &opts)
	}
	e.handler = New(deps, opts).Router()
	return e
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func jsonReq(t *testing.T, path, token string, body any) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	return req
}

func multipartReq(t *testing.T, path, field, fileName string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, fileName)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSentiment_EndToEnd(t *testing.T) {
	e := newEnv(t, nil, 5, nil)

	rec := e.do(jsonReq(t, "/api/sentiment", "tok", map[string]string{"text": "I love this"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, map[string]any{"sentiment": "positive", "score": 0.8}, body["result"])
	assert.EqualValues(t, 4, body["requestsRemaining"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSentiment_QuotaExhausted(t *testing.T) {
	e := newEnv(t, nil, 2, nil)
	for i := 0; i < 2; i++ {
		rec := e.do(jsonReq(t, "/api/sentiment", "tok", map[string]string{"text": "fine"}))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := e.do(jsonReq(t, "/api/sentiment", "tok", map[string]string{"text": "fine"}))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, apperr.ReasonQuota, body["reason"])
	assert.Equal(t, "quota_checking", body["stage"])
	assert.EqualValues(t, 0, body["requestsRemaining"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Greater(t, body["retryAfterSeconds"], float64(3000))
	assert.Len(t, e.model.reqs, 2)
}

func TestSentiment_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		body   any
		code   int
		reason string
	}{
		{name: "missing token", body: map[string]string{"text": "hi"}, code: http.StatusBadRequest, reason: apperr.ReasonMissingToken},
		{name: "bot", token: "bot", body: map[string]string{"text": "hi"}, code: http.StatusForbidden, reason: apperr.ReasonLowScore},
		{name: "empty text", token: "tok", body: map[string]string{"text": "  "}, code: http.StatusBadRequest, reason: "empty_text"},
		{name: "bad json", token: "tok", body: "not an object", code: http.StatusBadRequest, reason: "bad_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, nil, 5, nil)

			rec := e.do(jsonReq(t, "/api/sentiment", tt.token, tt.body))

			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			body := decode(t, rec)
			assert.Equal(t, tt.reason, body["reason"])
			assert.EqualValues(t, 5, body["requestsRemaining"])
			assert.Empty(t, e.model.reqs)
		})
	}
}

func TestAnalyzeImage_UnsafeRejected(t *testing.T) {
	e := newEnv(t, safety.Verdict{safety.Adult: safety.VeryLikely}, 5, nil)

	rec := e.do(multipartReq(t, "/api/analyze-image", "image", "pic.png", pngHeader,
		map[string]string{"recaptchaToken": "tok", "prompt": "What is this?"}))

	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, apperr.ReasonUnsafeContent, body["reason"])
	assert.Equal(t, "screening", body["stage"])
	assert.EqualValues(t, 5, body["requestsRemaining"])
	assert.Empty(t, e.model.reqs)
}

func TestAnalyzeImage_Safe(t *testing.T) {
	e := newEnv(t, safety.Verdict{safety.Adult: safety.Unlikely}, 5, nil)

	rec := e.do(multipartReq(t, "/api/analyze-image", "image", "pic.png", pngHeader,
		map[string]string{"recaptchaToken": "tok", "prompt": "What <b>is</b> this?"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "A small square.", decode(t, rec)["result"])
	require.Len(t, e.model.reqs, 1)
	assert.Equal(t, "image/png", e.model.reqs[0].MIMEType)
	assert.Equal(t, "Respond briefly: What bisb this? (Limit your answer to one short sentence.)", e.model.reqs[0].Instruction)
}

func TestAnalyzeImage_NotAnImage(t *testing.T) {
	e := newEnv(t, nil, 5, nil)

	rec := e.do(multipartReq(t, "/api/analyze-image", "image", "notes.txt", []byte("hello there"),
		map[string]string{"recaptchaToken": "tok"}))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "not_an_image", decode(t, rec)["reason"])
}

func TestAnalyzeText(t *testing.T) {
	e := newEnv(t, nil, 5, nil)
	e.store.objects["uploads/text-files/my notes.txt"] = []byte("Long text about clouds.")

	rec := e.do(jsonReq(t, "/api/analyze-text", "tok",
		map[string]string{"gcsUrl": "https://storage.googleapis.com/test-bucket/uploads/text-files/my%20notes.txt"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "A short summary.", decode(t, rec)["result"])
	require.Len(t, e.model.reqs, 1)
	assert.Equal(t, ai.SummaryInstruction, e.model.reqs[0].Instruction)
	assert.Equal(t, "Long text about clouds.", e.model.reqs[0].Text)
}

func TestAnalyzeText_Errors(t *testing.T) {
	e := newEnv(t, nil, 5, nil)

	rec := e.do(jsonReq(t, "/api/analyze-text", "tok", map[string]string{"gcsUrl": "https://x/uploads/text-files/missing.txt"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["reason"])

	rec = e.do(jsonReq(t, "/api/analyze-text", "tok", map[string]string{"gcsUrl": "https://x/uploads/..%2F..%2Fsecret"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_url", decode(t, rec)["reason"])
}

func TestUploadJSON_NotConfigured(t *testing.T) {
	e := newEnv(t, nil, 5, nil)

	rec := e.do(jsonReq(t, "/api/upload-json-bigquery", "tok", map[string]string{"gcsUrl": "https://x/data.json"}))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "not_configured", decode(t, rec)["reason"])
}

func TestUploadFile(t *testing.T) {
	e := newEnv(t, nil, 5, nil)

	rec := e.do(multipartReq(t, "/api/upload-file", "file", "my notes.txt", []byte("some text\n"),
		map[string]string{"path": "uploads/text-files"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["requestsRemaining"])
	res := body["result"].(map[string]any)
	key := res["key"].(string)
	assert.True(t, strings.HasPrefix(key, "uploads/text-files/"), key)
	assert.True(t, strings.HasSuffix(key, "-my_notes.txt"), key)
	assert.Equal(t, "https://storage.googleapis.com/test-bucket/"+key, res["url"])
	assert.Equal(t, []byte("some text\n"), e.store.objects[key])
	assert.Equal(t, "text/plain", e.store.types[key])
}

func TestUploadFile_TooLarge(t *testing.T) {
	e := newEnv(t, nil, 5, func(_ *Dependencies, o *Options) { o.MaxUploadBytes = 16 })

	rec := e.do(multipartReq(t, "/api/upload-file", "file", "big.txt", bytes.Repeat([]byte("a"), 64), nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "too_large", body["reason"])
	assert.EqualValues(t, 2, body["requestsRemaining"])
	assert.Empty(t, e.store.objects)
}

func TestUploadThenAnalyze_ChargesOneModelUnit(t *testing.T) {
	e := newEnv(t, nil, 5, nil)

	rec := e.do(multipartReq(t, "/api/upload-file", "file", "notes.txt", []byte("Clouds are made of water.\n"),
		map[string]string{"path": "uploads/text-files"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	url := decode(t, rec)["result"].(map[string]any)["url"].(string)

	rec = e.do(jsonReq(t, "/api/analyze-text", "tok", map[string]string{"gcsUrl": url}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 4, decode(t, rec)["requestsRemaining"])
	rem, err := e.uploads.Remaining(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, 1, rem)
}

func TestUploadFile_OwnLimit(t *testing.T) {
	e := newEnv(t, nil, 5, nil)
	for i := 0; i < 2; i++ {
		rec := e.do(multipartReq(t, "/api/upload-file", "file", "a.txt", []byte("a\n"), nil))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := e.do(multipartReq(t, "/api/upload-file", "file", "a.txt", []byte("a\n"), nil))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["requestsRemaining"])
	rem, err := e.tracker.Remaining(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, 5, rem)
}

func TestQuotaPeekDoesNotConsume(t *testing.T) {
	e := newEnv(t, nil, 3, nil)

	for i := 0; i < 2; i++ {
		rec := e.do(httptest.NewRequest(http.MethodGet, "/api/quota", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 3, decode(t, rec)["requestsRemaining"])
	}
}

func TestProducts(t *testing.T) {
	e := newEnv(t, nil, 5, func(d *Dependencies, _ *Options) {
		d.Catalog = staticCatalog{rows: []catalog.Product{{"id": 1, "name": "Mug"}}}
	})

	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/products", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "Mug", rows[0]["name"])
}

func TestProducts_NotConfigured(t *testing.T) {
	e := newEnv(t, nil, 5, nil)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/products", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	e := newEnv(t, nil, 5, nil)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = e.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStaticFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))
	e := newEnv(t, nil, 5, func(_ *Dependencies, o *Options) { o.StaticDir = dir })

	rec := e.do(httptest.NewRequest(http.MethodGet, "/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "console.log")

	rec = e.do(httptest.NewRequest(http.MethodGet, "/upload/center", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "app")

	rec = e.do(httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSentiment_ForgedForwardedForSharesQuota(t *testing.T) {
	e := newEnv(t, nil, 2, func(d *Dependencies, _ *Options) {
		d.Identity = identity.Resolver{TrustForwardedFor: true}
	})

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := jsonReq(t, "/api/sentiment", "tok", map[string]string{"text": "fine"})
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("6.6.6.%d, 203.0.113.9", i))
		codes = append(codes, e.do(req).Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
	assert.Len(t, e.model.reqs, 2)
}
