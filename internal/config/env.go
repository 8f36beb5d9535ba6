package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Port              string
	StaticDir         string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	TrustForwardedFor bool
	ProxyHops         int
}

// QuotaConfig defines the per-client request window.
type QuotaConfig struct {
	Backend string // "memory"|"redis"
	Limit   int
	Window  time.Duration

	// Uploads have their own ceiling, separate from the model endpoints.
	UploadLimit  int
	UploadWindow time.Duration
}

// RecaptchaConfig defines bot verification.
type RecaptchaConfig struct {
	Disabled  bool
	SecretKey string
	VerifyURL string
	MinScore  float64
}

// GeminiConfig defines the generative model backend.
type GeminiConfig struct {
	APIKey          string
	Project         string
	Location        string
	SentimentModel  string
	ImageModel      string
	SummaryModel    string
	SummaryMaxChars int
}

// StorageConfig defines the object store collaborator.
type StorageConfig struct {
	Backend        string // "gcs"|"s3"
	Bucket         string
	TextPrefix     string
	JSONPrefix     string
	UploadPrefix   string
	MaxUploadBytes int64
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
}

// BigQueryConfig defines the columnar warehouse.
type BigQueryConfig struct {
	Project       string
	Dataset       string
	Table         string
	Location      string
	GroupField    string
	NumericFields []string
}

// DatabaseConfig defines the product catalog database.
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
}

// RedisConfig defines the optional shared quota store.
type RedisConfig struct {
	URL string
}

// TimeoutConfig bounds each external stage.
type TimeoutConfig struct {
	Verify time.Duration
	Screen time.Duration
	Invoke time.Duration
	Load   time.Duration
	Read   time.Duration
}

// BreakerConfig defines upstream circuit breaker behavior.
type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig
	Axiom     AxiomConfig
	Server    ServerConfig
	Quota     QuotaConfig
	Recaptcha RecaptchaConfig
	Gemini    GeminiConfig
	Storage   StorageConfig
	BigQuery  BigQueryConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Timeouts  TimeoutConfig
	Breaker   BreakerConfig
}

// Load reads an optional .env file and then the environment.
func Load(envFiles ...string) Config {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// missing files are fine; real environment always wins
		_ = godotenv.Load(f)
	}
	return FromEnv()
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", ""),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_submitgate",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Server = ServerConfig{
		Port:              getEnv("PORT", "8080"),
		StaticDir:         getEnv("STATIC_DIR", ""),
		ReadHeaderTimeout: parseDuration(getEnv("READ_HEADER_TIMEOUT", "10s"), 10*time.Second),
		ShutdownTimeout:   parseDuration(getEnv("SHUTDOWN_TIMEOUT", "10s"), 10*time.Second),
		TrustForwardedFor: parseBool(getEnv("TRUST_FORWARDED_FOR", "false")),
		ProxyHops:         parseInt(getEnv("FORWARDED_PROXY_HOPS", "1"), 1),
	}

	cfg.Quota = QuotaConfig{
		Backend: strings.ToLower(getEnv("QUOTA_BACKEND", "memory")),
		Limit:   parseInt(getEnv("QUOTA_LIMIT", "5"), 5),
		Window:  parseDuration(getEnv("QUOTA_WINDOW", "1h"), time.Hour),

		UploadLimit:  parseInt(getEnv("UPLOAD_QUOTA_LIMIT", "5"), 5),
		UploadWindow: parseDuration(getEnv("UPLOAD_QUOTA_WINDOW", "15m"), 15*time.Minute),
	}

	cfg.Recaptcha = RecaptchaConfig{
		Disabled:  parseBool(getEnv("RECAPTCHA_DISABLED", "false")),
		SecretKey: getEnv("RECAPTCHA_SECRET_KEY", ""),
		VerifyURL: getEnv("RECAPTCHA_VERIFY_URL", "https://www.google.com/recaptcha/api/siteverify"),
		MinScore:  parseFloat(getEnv("RECAPTCHA_MIN_SCORE", "0.5"), 0.5),
	}

	cfg.Gemini = GeminiConfig{
		APIKey:          getEnv("GEMINI_API_KEY", ""),
		Project:         getEnv("GOOGLE_CLOUD_PROJECT", getEnv("GCLOUD_PROJECT", "")),
		Location:        getEnv("GCLOUD_LOCATION", "us-central1"),
		SentimentModel:  getEnv("SENTIMENT_MODEL", "gemini-2.5-flash"),
		ImageModel:      getEnv("IMAGE_MODEL", "gemini-2.5-flash"),
		SummaryModel:    getEnv("SUMMARY_MODEL", "gemini-2.5-flash"),
		SummaryMaxChars: parseInt(getEnv("SUMMARY_MAX_CHARS", "20000"), 20000),
	}

	cfg.Storage = StorageConfig{
		Backend:        strings.ToLower(getEnv("STORAGE_BACKEND", "gcs")),
		Bucket:         getEnv("STORAGE_BUCKET", "upload-center-bucket"),
		TextPrefix:     getEnv("TEXT_FILES_PREFIX", "uploads/text-files/"),
		JSONPrefix:     getEnv("JSON_FILES_PREFIX", "uploads/json/"),
		UploadPrefix:   getEnv("UPLOAD_PREFIX", "uploads/"),
		MaxUploadBytes: int64(parseInt(getEnv("MAX_UPLOAD_BYTES", "10485760"), 10<<20)),
		S3Region:       getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3AccessKey:    getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretKey:    getEnv("S3_SECRET_ACCESS_KEY", ""),
	}

	cfg.BigQuery = BigQueryConfig{
		Project:       getEnv("BIGQUERY_PROJECT", cfg.Gemini.Project),
		Dataset:       getEnv("BIGQUERY_DATASET", "uploads"),
		Table:         getEnv("BIGQUERY_TABLE", "json_uploads"),
		Location:      getEnv("BIGQUERY_LOCATION", "US"),
		GroupField:    getEnv("ANALYTICS_GROUP_FIELD", "category"),
		NumericFields: parseList(getEnv("ANALYTICS_NUMERIC_FIELDS", "score")),
	}

	cfg.Database = DatabaseConfig{
		URL:          getEnv("DATABASE_URL", ""),
		MaxOpenConns: parseInt(getEnv("DB_MAX_OPEN_CONNS", "5"), 5),
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = postgresURLFromParts()
	}

	cfg.Redis = RedisConfig{
		URL: getEnv("REDIS_URL", "redis://localhost:6379"),
	}

	cfg.Timeouts = TimeoutConfig{
		Verify: parseDuration(getEnv("STAGE_TIMEOUT_VERIFY", "5s"), 5*time.Second),
		Screen: parseDuration(getEnv("STAGE_TIMEOUT_SCREEN", "10s"), 10*time.Second),
		Invoke: parseDuration(getEnv("STAGE_TIMEOUT_INVOKE", "60s"), 60*time.Second),
		Load:   parseDuration(getEnv("STAGE_TIMEOUT_LOAD", "120s"), 120*time.Second),
		Read:   parseDuration(getEnv("STAGE_TIMEOUT_READ", "15s"), 15*time.Second),
	}

	cfg.Breaker = BreakerConfig{
		MaxFailures: uint32(parseInt(getEnv("BREAKER_MAX_FAILURES", "5"), 5)),
		OpenTimeout: parseDuration(getEnv("BREAKER_OPEN_TIMEOUT", "30s"), 30*time.Second),
	}

	return cfg
}

// Validate reports misconfiguration the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Quota.Limit <= 0 {
		errs = append(errs, fmt.Errorf("QUOTA_LIMIT must be positive, got %d", c.Quota.Limit))
	}
	if c.Quota.Window <= 0 {
		errs = append(errs, fmt.Errorf("QUOTA_WINDOW must be positive, got %s", c.Quota.Window))
	}
	if c.Quota.UploadLimit <= 0 || c.Quota.UploadWindow <= 0 {
		errs = append(errs, fmt.Errorf("UPLOAD_QUOTA_LIMIT and UPLOAD_QUOTA_WINDOW must be positive"))
	}
	if c.Quota.Backend != "memory" && c.Quota.Backend != "redis" {
		errs = append(errs, fmt.Errorf("unknown QUOTA_BACKEND %q", c.Quota.Backend))
	}
	if c.Storage.Backend != "gcs" && c.Storage.Backend != "s3" {
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}
	if !c.Recaptcha.Disabled && c.Recaptcha.SecretKey == "" {
		errs = append(errs, errors.New("missing reCAPTCHA secret key (RECAPTCHA_SECRET_KEY)"))
	}
	if c.Recaptcha.MinScore < 0 || c.Recaptcha.MinScore > 1 {
		errs = append(errs, fmt.Errorf("RECAPTCHA_MIN_SCORE must be within [0,1], got %v", c.Recaptcha.MinScore))
	}
	if c.Gemini.APIKey == "" && c.Gemini.Project == "" {
		errs = append(errs, errors.New("either GEMINI_API_KEY or GOOGLE_CLOUD_PROJECT is required"))
	}
	return errors.Join(errs...)
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func parseList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}

// postgresURLFromParts mirrors the Cloud SQL unix-socket layout
// (DB_USER, DB_PASSWORD, DB_NAME, INSTANCE_CONNECTION_NAME).
func postgresURLFromParts() string {
	user := os.Getenv("DB_USER")
	name := os.Getenv("DB_NAME")
	if user == "" || name == "" {
		return ""
	}
	parts := []string{
		"user=" + user,
		"dbname=" + name,
		"sslmode=disable",
	}
	if pw := os.Getenv("DB_PASSWORD"); pw != "" {
		parts = append(parts, "password="+pw)
	}
	if inst := os.Getenv("INSTANCE_CONNECTION_NAME"); inst != "" {
		parts = append(parts, "host=/cloudsql/"+inst)
	} else {
		parts = append(parts, "host="+getEnv("DB_HOST", "localhost"))
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		parts = append(parts, "port="+port)
	}
	return strings.Join(parts, " ")
}
