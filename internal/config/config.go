// Package config loads server configuration from an optional HCL file, a
// local .env file and the process environment, in increasing precedence.
//
// Example file:
//
//	server {
//	  listen_addr = ":8080"
//	  environment = "production"
//	  max_body_bytes = 10485760
//	}
//
//	redis {
//	  addr = "localhost:6379"
//	}
//
//	idempotency {
//	  backend        = "redis"
//	  ttl            = "24h"
//	  sweep_interval = "1h"
//	}
//
//	queue {
//	  backend = "sqs"
//	  name    = "test-ingestion"
//	  region  = "us-east-1"
//	}
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/joho/godotenv"
)

// Config is the resolved server configuration.
type Config struct {
	ListenAddr   string
	Environment  string
	MaxBodyBytes int64
	RateLimitRPS float64
	RateBurst    int

	DatabaseURL   string
	MasterKey     string
	MasterKeyFile string
	JWTSecret     string
	TokenDuration time.Duration

	LogLevel  string
	LogFormat string
	LogFile   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LedgerBackend  string // postgres, redis or memory
	IdempotencyTTL time.Duration
	SweepInterval  time.Duration

	QueueBackend          string // sqs, pubsub, webhook, memory or none
	QueueName             string
	SQSRegion             string
	SQSCreate             bool
	PubSubProjectID       string
	PubSubCredentialsFile string
	WebhookURL            string
	WebhookSecret         string

	TracingExporter    string
	TracingEndpoint    string
	TracingHeaders     string
	TracingInsecure    bool
	TracingSampleRatio float64
}

type fileConfig struct {
	Server      *serverBlock      `hcl:"server,block"`
	Database    *databaseBlock    `hcl:"database,block"`
	Redis       *redisBlock       `hcl:"redis,block"`
	Idempotency *idempotencyBlock `hcl:"idempotency,block"`
	Queue       *queueBlock       `hcl:"queue,block"`
	Tracing     *tracingBlock     `hcl:"tracing,block"`
	Log         *logBlock         `hcl:"log,block"`
}

type serverBlock struct {
	ListenAddr    *string  `hcl:"listen_addr,optional"`
	Environment   *string  `hcl:"environment,optional"`
	MaxBodyBytes  *int64   `hcl:"max_body_bytes,optional"`
	RateLimitRPS  *float64 `hcl:"rate_limit_rps,optional"`
	RateBurst     *int     `hcl:"rate_limit_burst,optional"`
	TokenDuration *string  `hcl:"token_duration,optional"`
}

type databaseBlock struct {
	URL *string `hcl:"url,optional"`
}

type redisBlock struct {
	Addr *string `hcl:"addr,optional"`
	DB   *int    `hcl:"db,optional"`
}

type idempotencyBlock struct {
	Backend       *string `hcl:"backend,optional"`
	TTL           *string `hcl:"ttl,optional"`
	SweepInterval *string `hcl:"sweep_interval,optional"`
}

type queueBlock struct {
	Backend         *string `hcl:"backend,optional"`
	Name            *string `hcl:"name,optional"`
	Region          *string `hcl:"region,optional"`
	Create          *bool   `hcl:"create,optional"`
	ProjectID       *string `hcl:"project_id,optional"`
	CredentialsFile *string `hcl:"credentials_file,optional"`
	WebhookURL      *string `hcl:"webhook_url,optional"`
}

type tracingBlock struct {
	Exporter    *string  `hcl:"exporter,optional"`
	Endpoint    *string  `hcl:"endpoint,optional"`
	Insecure    *bool    `hcl:"insecure,optional"`
	SampleRatio *float64 `hcl:"sample_ratio,optional"`
}

type logBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
	File   *string `hcl:"file,optional"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		ListenAddr:         ":8080",
		Environment:        "development",
		MaxBodyBytes:       10 << 20,
		RateLimitRPS:       20,
		RateBurst:          40,
		TokenDuration:      12 * time.Hour,
		LogLevel:           "info",
		LogFormat:          "json",
		LedgerBackend:      "postgres",
		IdempotencyTTL:     24 * time.Hour,
		SweepInterval:      time.Hour,
		QueueBackend:       "none",
		QueueName:          "test-ingestion",
		SQSRegion:          "us-east-1",
		TracingExporter:    "none",
		TracingSampleRatio: 1,
	}
}

// Load resolves configuration. path may be empty. A missing .env file is
// not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.applyHCL(src, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyHCL(src []byte, filename string) error {
	var f fileConfig
	if err := hclsimple.Decode(filename, src, nil, &f); err != nil {
		var diags hcl.Diagnostics
		if errors.As(err, &diags) {
			for _, d := range diags {
				if d.Severity == hcl.DiagError {
					return fmt.Errorf("config parse error at %s: %s", d.Subject, d.Detail)
				}
			}
		}
		return fmt.Errorf("config parse error: %w", err)
	}

	if s := f.Server; s != nil {
		set(&c.ListenAddr, s.ListenAddr)
		set(&c.Environment, s.Environment)
		set(&c.MaxBodyBytes, s.MaxBodyBytes)
		set(&c.RateLimitRPS, s.RateLimitRPS)
		set(&c.RateBurst, s.RateBurst)
		if err := setDuration(&c.TokenDuration, "server.token_duration", s.TokenDuration); err != nil {
			return err
		}
	}
	if d := f.Database; d != nil {
		set(&c.DatabaseURL, d.URL)
	}
	if r := f.Redis; r != nil {
		set(&c.RedisAddr, r.Addr)
		set(&c.RedisDB, r.DB)
	}
	if i := f.Idempotency; i != nil {
		set(&c.LedgerBackend, i.Backend)
		if err := setDuration(&c.IdempotencyTTL, "idempotency.ttl", i.TTL); err != nil {
			return err
		}
		if err := setDuration(&c.SweepInterval, "idempotency.sweep_interval", i.SweepInterval); err != nil {
			return err
		}
	}
	if q := f.Queue; q != nil {
		set(&c.QueueBackend, q.Backend)
		set(&c.QueueName, q.Name)
		set(&c.SQSRegion, q.Region)
		set(&c.SQSCreate, q.Create)
		set(&c.PubSubProjectID, q.ProjectID)
		set(&c.PubSubCredentialsFile, q.CredentialsFile)
		set(&c.WebhookURL, q.WebhookURL)
	}
	if t := f.Tracing; t != nil {
		set(&c.TracingExporter, t.Exporter)
		set(&c.TracingEndpoint, t.Endpoint)
		set(&c.TracingInsecure, t.Insecure)
		set(&c.TracingSampleRatio, t.SampleRatio)
	}
	if l := f.Log; l != nil {
		set(&c.LogLevel, l.Level)
		set(&c.LogFormat, l.Format)
		set(&c.LogFile, l.File)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	e := envReader{getenv: getenv}

	e.stringVar(&c.ListenAddr, "LISTEN_ADDR")
	e.stringVar(&c.Environment, "ENVIRONMENT")
	e.int64Var(&c.MaxBodyBytes, "INGEST_MAX_BODY_BYTES")
	e.float64Var(&c.RateLimitRPS, "RATE_LIMIT_RPS")
	e.intVar(&c.RateBurst, "RATE_LIMIT_BURST")

	e.stringVar(&c.DatabaseURL, "DATABASE_URL")
	e.stringVar(&c.MasterKey, "MASTER_KEY")
	e.stringVar(&c.MasterKeyFile, "MASTER_KEY_FILE")
	e.stringVar(&c.JWTSecret, "JWT_SECRET")
	e.durationVar(&c.TokenDuration, "JWT_TOKEN_DURATION")

	e.stringVar(&c.LogLevel, "LOG_LEVEL")
	e.stringVar(&c.LogFormat, "LOG_FORMAT")
	e.stringVar(&c.LogFile, "LOG_FILE")

	e.stringVar(&c.RedisAddr, "REDIS_ADDR")
	e.stringVar(&c.RedisPassword, "REDIS_PASSWORD")
	e.intVar(&c.RedisDB, "REDIS_DB")

	e.stringVar(&c.LedgerBackend, "IDEMPOTENCY_BACKEND")
	e.durationVar(&c.IdempotencyTTL, "IDEMPOTENCY_TTL")
	e.durationVar(&c.SweepInterval, "IDEMPOTENCY_SWEEP_INTERVAL")

	e.stringVar(&c.QueueBackend, "QUEUE_BACKEND")
	e.stringVar(&c.QueueName, "QUEUE_NAME")
	e.stringVar(&c.SQSRegion, "AWS_REGION")
	e.boolVar(&c.SQSCreate, "QUEUE_CREATE")
	e.stringVar(&c.PubSubProjectID, "PUBSUB_PROJECT_ID")
	e.stringVar(&c.PubSubCredentialsFile, "PUBSUB_CREDENTIALS_FILE")
	e.stringVar(&c.WebhookURL, "QUEUE_WEBHOOK_URL")
	e.stringVar(&c.WebhookSecret, "QUEUE_WEBHOOK_SECRET")

	e.stringVar(&c.TracingExporter, "OTEL_TRACES_EXPORTER")
	e.stringVar(&c.TracingEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	e.stringVar(&c.TracingHeaders, "OTEL_EXPORTER_OTLP_HEADERS")
	e.boolVar(&c.TracingInsecure, "OTEL_EXPORTER_OTLP_INSECURE")
	e.float64Var(&c.TracingSampleRatio, "OTEL_TRACES_SAMPLER_ARG")

	return errors.Join(e.errs...)
}

// Validate checks required values and enumerations.
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.MasterKey == "" && c.MasterKeyFile == "" {
		missing = append(missing, "MASTER_KEY or MASTER_KEY_FILE")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required configuration not set: %s", strings.Join(missing, ", "))
	}

	switch c.LedgerBackend {
	case "postgres", "memory":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("idempotency backend redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown idempotency backend %q", c.LedgerBackend)
	}

	switch c.QueueBackend {
	case "none", "memory", "sqs":
	case "pubsub":
		if c.PubSubProjectID == "" {
			return errors.New("queue backend pubsub requires PUBSUB_PROJECT_ID")
		}
	case "webhook":
		if c.WebhookURL == "" || c.WebhookSecret == "" {
			return errors.New("queue backend webhook requires QUEUE_WEBHOOK_URL and QUEUE_WEBHOOK_SECRET")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}

	if c.MaxBodyBytes <= 0 {
		return errors.New("max body bytes must be positive")
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return errors.New("tracing sample ratio must be between 0 and 1")
	}
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, name string, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

// envReader applies set variables and collects parse failures.
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.getenv(key))
	return v, v != ""
}

func (e *envReader) stringVar(dst *string, key string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) intVar(dst *int, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) int64Var(dst *int64, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) float64Var(dst *float64, key string) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) boolVar(dst *bool, key string) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) durationVar(dst *time.Duration, key string) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}
