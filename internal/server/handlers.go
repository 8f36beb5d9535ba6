package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/submitgate/internal/ai"
	"github.com/local/submitgate/internal/analytics"
	"github.com/local/submitgate/internal/apperr"
	"github.com/local/submitgate/internal/filetype"
	"github.com/local/submitgate/internal/identity"
	"github.com/local/submitgate/internal/pipeline"
	"github.com/local/submitgate/internal/storage"
	"github.com/local/submitgate/internal/upstream"
)

const maxJSONBody = 1 << 20

type sentimentReq struct {
	Text string `json:"text"`
}

type objectReq struct {
	GCSURL string `json:"gcsUrl"`
}

// submission fills the request-derived fields common to every endpoint.
func (s *Server) submission(r *http.Request, endpoint, token string) pipeline.Submission {
	return pipeline.Submission{
		Endpoint: endpoint,
		Identity: s.deps.Identity.FromRequest(r),
		Token:    strings.TrimSpace(token),
		RemoteIP: identity.RemoteIP(r),
	}
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, sub pipeline.Submission) {
	out := s.deps.Pipeline.Run(r.Context(), sub)
	writeOutcome(w, out)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.InvalidInput, "bad_json", err, "invalid JSON body")
	}
	return nil
}

func (s *Server) handleSentiment(w http.ResponseWriter, r *http.Request) {
	sub := s.submission(r, "sentiment", r.Header.Get(TokenHeader))
	var req sentimentReq
	if err := decodeJSON(r, &req); err != nil {
		s.reject(w, r, sub.Identity, err)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		s.reject(w, r, sub.Identity, apperr.New(apperr.InvalidInput, "empty_text", "text is required"))
		return
	}

	sub.Invoke = func(ctx context.Context) (any, error) {
		return s.deps.Model.Invoke(ctx, ai.Request{
			Modality: ai.ModalityText,
			Model:    s.opts.SentimentModel,
			Text:     text,
			Schema:   ai.SentimentSchema,
		})
	}
	sub.Extract = func(raw any) (any, error) {
		res, ok := raw.(ai.Result)
		if !ok {
			return nil, fmt.Errorf("unexpected model result %T", raw)
		}
		return ai.ParseSentiment(res)
	}
	s.run(w, r, sub)
}

// parseUpload reads one file field from a multipart form of at most
// MaxUploadBytes. The returned cleanup removes any temp files.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request, field string) ([]byte, *multipart.FileHeader, func(), error) {
	cleanup := func() {}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, nil, cleanup, apperr.Wrap(apperr.InvalidInput, "too_large", err, "upload exceeds %d bytes", s.opts.MaxUploadBytes)
		}
		return nil, nil, cleanup, apperr.Wrap(apperr.InvalidInput, "bad_form", err, "invalid multipart form")
	}
	form := r.MultipartForm
	cleanup = func() { _ = form.RemoveAll() }

	f, hdr, err := r.FormFile(field)
	if err != nil {
		return nil, nil, cleanup, apperr.Wrap(apperr.InvalidInput, "missing_file", err, "no %s uploaded", field)
	}
	defer f.Close()
	if hdr.Size > s.opts.MaxUploadBytes {
		return nil, nil, cleanup, apperr.New(apperr.InvalidInput, "too_large", fmt.Sprintf("upload exceeds %d bytes", s.opts.MaxUploadBytes))
	}
	data, err := io.ReadAll(io.LimitReader(f, s.opts.MaxUploadBytes+1))
	if err != nil {
		return nil, nil, cleanup, apperr.Wrap(apperr.InvalidInput, "bad_form", err, "cannot read %s", field)
	}
	if len(data) == 0 {
		return nil, nil, cleanup, apperr.New(apperr.InvalidInput, "empty_file", field+" is empty")
	}
	if int64(len(data)) > s.opts.MaxUploadBytes {
		return nil, nil, cleanup, apperr.New(apperr.InvalidInput, "too_large", fmt.Sprintf("upload exceeds %d bytes", s.opts.MaxUploadBytes))
	}
	return data, hdr, cleanup, nil
}

func (s *Server) handleAnalyzeImage(w http.ResponseWriter, r *http.Request) {
	id := s.deps.Identity.FromRequest(r)
	data, _, cleanup, err := s.parseUpload(w, r, "image")
	if err != nil {
		cleanup()
		s.reject(w, r, id, err)
		return
	}
	sub := s.submission(r, "analyze-image", r.FormValue("recaptchaToken"))
	sub.Release = cleanup

	mimeType, ok := s.deps.Detector.IsImage(data)
	if !ok {
		cleanup()
		s.reject(w, r, id, apperr.New(apperr.InvalidInput, "not_an_image", fmt.Sprintf("unsupported image type %s", mimeType)))
		return
	}
	prompt, err := ai.ImagePrompt(r.FormValue("prompt"))
	if err != nil {
		cleanup()
		s.reject(w, r, id, err)
		return
	}

	sub.Media = data
	sub.Invoke = func(ctx context.Context) (any, error) {
		res, err := s.deps.Model.Invoke(ctx, ai.Request{
			Modality:    ai.ModalityImage,
			Model:       s.opts.ImageModel,
			Data:        data,
			MIMEType:    mimeType,
			Instruction: prompt,
		})
		if err != nil {
			return nil, err
		}
		return res.Text, nil
	}
	s.run(w, r, sub)
}

func (s *Server) handleAnalyzeText(w http.ResponseWriter, r *http.Request) {
	sub := s.submission(r, "analyze-text", r.Header.Get(TokenHeader))
	var req objectReq
	if err := decodeJSON(r, &req); err != nil {
		s.reject(w, r, sub.Identity, err)
		return
	}
	key, err := storage.ObjectKeyFromURL(req.GCSURL, s.opts.TextPrefix)
	if err != nil {
		s.reject(w, r, sub.Identity, err)
		return
	}
	if s.deps.Store == nil {
		s.reject(w, r, sub.Identity, notConfigured("object storage"))
		return
	}

	sub.Invoke = func(ctx context.Context) (any, error) {
		content, err := upstream.Call(ctx, s.storeGuard, s.opts.ReadTimeout, func(c context.Context) ([]byte, error) {
			b, err := s.deps.Store.Read(c, key, s.opts.MaxUploadBytes)
			return b, storageErr(err, key)
		})
		if err != nil {
			return nil, err
		}
		text := ai.TruncateText(string(content), s.opts.SummaryMaxChars)
		if strings.TrimSpace(text) == "" {
			return nil, apperr.New(apperr.InvalidInput, "empty_text", fmt.Sprintf("file %s is empty", key))
		}
		zerolog.Ctx(ctx).Debug().Str("key", key).Int("chars", len(text)).Msg("summarizing text file")
		res, err := s.deps.Model.Invoke(ctx, ai.Request{
			Modality:    ai.ModalityText,
			Model:       s.opts.SummaryModel,
			Text:        text,
			Instruction: ai.SummaryInstruction,
		})
		if err != nil {
			return nil, err
		}
		return res.Text, nil
	}
	s.run(w, r, sub)
}

func (s *Server) handleUploadJSON(w http.ResponseWriter, r *http.Request) {
	sub := s.submission(r, "upload-json-bigquery", r.Header.Get(TokenHeader))
	var req objectReq
	if err := decodeJSON(r, &req); err != nil {
		s.reject(w, r, sub.Identity, err)
		return
	}
	key, err := storage.ObjectKeyFromURL(req.GCSURL, s.opts.JSONPrefix)
	if err != nil {
		s.reject(w, r, sub.Identity, err)
		return
	}
	if s.deps.Store == nil || s.deps.Loader == nil {
		s.reject(w, r, sub.Identity, notConfigured("analytics warehouse"))
		return
	}

	uri := s.deps.Store.URI(key)
	sub.Guard = s.warehouseGuard
	sub.InvokeTimeout = s.opts.LoadTimeout
	sub.Invoke = func(ctx context.Context) (any, error) {
		return s.deps.Loader.Load(ctx, uri)
	}
	sub.Extract = func(raw any) (any, error) {
		res, ok := raw.(analytics.LoadResult)
		if !ok {
			return nil, fmt.Errorf("unexpected load result %T", raw)
		}
		return res, nil
	}
	s.run(w, r, sub)
}

type uploadResult struct {
	URL       string `json:"url"`
	Key       string `json:"key"`
	MIMEType  string `json:"mimeType"`
	SizeBytes int    `json:"sizeBytes"`
}

// handleUploadFile stores a file for later analysis. It has no bot check
// and is charged to the upload tracker, so an upload followed by an
// analysis costs one unit of model quota.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	uploads := s.deps.UploadTracker
	id := s.deps.Identity.FromRequest(r)
	reject := func(err error) { s.rejectOn(w, r, uploads, id, err) }
	data, hdr, cleanup, err := s.parseUpload(w, r, "file")
	if err != nil {
		cleanup()
		reject(err)
		return
	}
	sub := s.submission(r, "upload-file", "")
	sub.Unverified = true
	sub.Tracker = uploads
	sub.Release = cleanup

	folder := r.FormValue("path")
	if strings.TrimSpace(folder) == "" {
		folder = s.opts.UploadPrefix
	}
	key, err := storage.UploadKey(folder, hdr.Filename, time.Now())
	if err != nil {
		cleanup()
		reject(err)
		return
	}
	if s.deps.Store == nil {
		cleanup()
		reject(notConfigured("object storage"))
		return
	}
	info := s.deps.Detector.Detect(data, hdr.Filename)
	if !info.Supported {
		cleanup()
		reject(apperr.New(apperr.InvalidInput, "unsupported_type", info.Description))
		return
	}
	if info.Kind == filetype.KindImage {
		sub.Media = data
	}

	sub.Guard = s.storeGuard
	sub.InvokeTimeout = s.opts.ReadTimeout
	sub.Invoke = func(ctx context.Context) (any, error) {
		if err := s.deps.Store.Write(ctx, key, bytes.NewReader(data), info.MIMEType); err != nil {
			return nil, err
		}
		return uploadResult{URL: s.deps.Store.URL(key), Key: key, MIMEType: info.MIMEType, SizeBytes: len(data)}, nil
	}
	s.run(w, r, sub)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	id := s.deps.Identity.FromRequest(r)
	n, err := s.deps.Tracker.Remaining(r.Context(), id)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("quota lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "quota lookup failed", Reason: "quota_store"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requestsRemaining": n})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "product catalog is not configured", Reason: "not_configured"})
		return
	}
	products, err := s.deps.Catalog.List(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("list products failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Reason: apperr.ReasonInternal})
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
		return
	}
	sum := s.deps.Checker.Summary(r.Context())
	code := http.StatusOK
	if !sum.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, sum)
}
