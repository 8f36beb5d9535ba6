package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/local/submitgate/internal/ai"
	"github.com/local/submitgate/internal/analytics"
	"github.com/local/submitgate/internal/botverify"
	"github.com/local/submitgate/internal/catalog"
	cfgpkg "github.com/local/submitgate/internal/config"
	"github.com/local/submitgate/internal/filetype"
	"github.com/local/submitgate/internal/identity"
	logpkg "github.com/local/submitgate/internal/logger"
	"github.com/local/submitgate/internal/metrics"
	"github.com/local/submitgate/internal/pipeline"
	"github.com/local/submitgate/internal/quota"
	"github.com/local/submitgate/internal/safety"
	"github.com/local/submitgate/internal/server"
	"github.com/local/submitgate/internal/statuscheck"
	"github.com/local/submitgate/internal/storage"
	"github.com/local/submitgate/internal/upstream"
)

func main() {
	cfg := cfgpkg.Load()

	// Init logging
	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	metrics.Init()

	ctx := context.Background()
	breaker := upstream.Settings{MaxFailures: cfg.Breaker.MaxFailures, OpenTimeout: cfg.Breaker.OpenTimeout}
	var readiness []statuscheck.Dependency

	// Quota
	qopts := quota.Options{Limit: cfg.Quota.Limit, Window: cfg.Quota.Window}
	uopts := quota.Options{Limit: cfg.Quota.UploadLimit, Window: cfg.Quota.UploadWindow, Namespace: "upload"}
	var tracker, uploads quota.Tracker
	switch cfg.Quota.Backend {
	case "redis":
		rt, err := quota.NewRedis(ctx, cfg.Redis.URL, qopts)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		tracker = rt
		// shares rt's connection, closed with it
		uploads = quota.NewRedisWithClient(rt.Client(), uopts)
		readiness = append(readiness, statuscheck.Dependency{Name: "redis", Pinger: statuscheck.RedisPinger(rt.Client())})
	default:
		tracker = quota.NewMemory(qopts, quota.WithJanitor(cfg.Quota.Window))
		um := quota.NewMemory(uopts, quota.WithJanitor(cfg.Quota.UploadWindow))
		defer um.Close()
		uploads = um
	}
	defer tracker.Close()

	// Bot verification
	var verifier botverify.Verifier
	if cfg.Recaptcha.Disabled {
		log.Warn().Msg("reCAPTCHA verification disabled, every token passes")
		verifier = botverify.AllowAll{}
	} else {
		verifier = botverify.NewRecaptcha(cfg.Recaptcha.SecretKey,
			botverify.WithURL(cfg.Recaptcha.VerifyURL),
			botverify.WithMinScore(cfg.Recaptcha.MinScore),
			botverify.WithHTTPClient(&http.Client{Timeout: cfg.Timeouts.Verify}))
	}

	// Content safety
	vision, err := safety.NewVisionClassifier(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init vision client")
	}
	defer vision.Close()

	// Model
	model, err := ai.NewGeminiClient(ctx, ai.GeminiOptions{
		APIKey:       cfg.Gemini.APIKey,
		Project:      cfg.Gemini.Project,
		Location:     cfg.Gemini.Location,
		DefaultModel: cfg.Gemini.SentimentModel,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init gemini client")
	}

	// Object storage
	var store storage.BlobStore
	switch cfg.Storage.Backend {
	case "s3":
		store, err = storage.NewS3Store(ctx, storage.S3Options{
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.S3Region,
			Endpoint:  cfg.Storage.S3Endpoint,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
		})
	default:
		store, err = storage.NewGCSStore(ctx, cfg.Storage.Bucket)
	}
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to init object storage")
	}
	defer store.Close()
	readiness = append(readiness, statuscheck.Dependency{Name: "storage", Pinger: store})

	// Analytics loads read gs:// URIs, so they need the GCS backend
	var loader *analytics.Loader
	if cfg.Storage.Backend == "gcs" {
		wh, err := analytics.NewBigQueryWarehouse(ctx, cfg.BigQuery.Project, cfg.BigQuery.Dataset, cfg.BigQuery.Table, cfg.BigQuery.Location)
		if err != nil {
			log.Error().Err(err).Msg("bigquery unavailable, upload-json-bigquery disabled")
		} else {
			defer wh.Close()
			loader = analytics.NewLoader(wh, cfg.BigQuery.GroupField, cfg.BigQuery.NumericFields)
			readiness = append(readiness, statuscheck.Dependency{Name: "bigquery", Optional: true, Pinger: wh})
		}
	}

	// Product catalog
	var products catalog.Store
	if cfg.Database.URL != "" {
		db, err := catalog.Open(cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			log.Error().Err(err).Msg("product catalog unavailable")
		} else {
			defer db.Close()
			products = db
			readiness = append(readiness, statuscheck.Dependency{Name: "database", Optional: true, Pinger: db})
		}
	}

	p := pipeline.New(pipeline.Dependencies{
		Verifier: verifier,
		Screener: safety.NewScreen(vision, safety.DefaultPolicy()),
		Tracker:  tracker,
		Timeouts: pipeline.Timeouts{
			Verify: cfg.Timeouts.Verify,
			Screen: cfg.Timeouts.Screen,
			Invoke: cfg.Timeouts.Invoke,
		},
		Breaker: breaker,
	})

	srvr := server.New(server.Dependencies{
		Pipeline:      p,
		Tracker:       tracker,
		UploadTracker: uploads,
		Identity:      identity.Resolver{TrustForwardedFor: cfg.Server.TrustForwardedFor, ProxyHops: cfg.Server.ProxyHops},
		Model:         model,
		Store:         store,
		Loader:        loader,
		Catalog:       products,
		Checker:       statuscheck.New(statuscheck.Options{Dependencies: readiness}),
		Detector:      filetype.New(),
		Breaker:       breaker,
	}, server.Options{
		TextPrefix:      cfg.Storage.TextPrefix,
		JSONPrefix:      cfg.Storage.JSONPrefix,
		UploadPrefix:    cfg.Storage.UploadPrefix,
		MaxUploadBytes:  cfg.Storage.MaxUploadBytes,
		SentimentModel:  cfg.Gemini.SentimentModel,
		ImageModel:      cfg.Gemini.ImageModel,
		SummaryModel:    cfg.Gemini.SummaryModel,
		SummaryMaxChars: cfg.Gemini.SummaryMaxChars,
		StaticDir:       cfg.Server.StaticDir,
		ReadTimeout:     cfg.Timeouts.Read,
		LoadTimeout:     cfg.Timeouts.Load,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srvr.Router(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		log.Info().
			Str("port", cfg.Server.Port).
			Str("quota_backend", cfg.Quota.Backend).
			Str("storage_backend", cfg.Storage.Backend).
			Int("quota_limit", cfg.Quota.Limit).
			Dur("quota_window", cfg.Quota.Window).
			Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Dur("timeout", cfg.Server.ShutdownTimeout).Msg("graceful shutdown incomplete")
	}
	fmt.Println("shutdown complete")
}
