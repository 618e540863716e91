package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Delivery modes for the start endpoint.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Config holds runtime configuration for the summarizer service.
type Config struct {
	Addr            string        `env:"ADDR,default=:16000" yaml:"addr"`
	ScratchDir      string        `env:"SCRATCH_DIR,default=temp_sessions" yaml:"scratch_dir"`
	DeliveryMode    string        `env:"DELIVERY_MODE,default=sync" yaml:"delivery_mode"`
	Retention       time.Duration `env:"RETENTION_WINDOW,default=2h" yaml:"retention_window"`
	FetchTimeout    time.Duration `env:"FETCH_TIMEOUT,default=30s" yaml:"fetch_timeout"`
	MaxFileBytes    int64         `env:"MAX_FILE_BYTES,default=52428800" yaml:"max_file_bytes"`
	NotifyURL       string        `env:"NOTIFY_URL" yaml:"notify_url"`
	NotifyTimeout   time.Duration `env:"NOTIFY_TIMEOUT,default=10s" yaml:"notify_timeout"`
	NATSURL         string        `env:"NATS_URL" yaml:"nats_url"`
	NATSStream      string        `env:"NATS_STREAM,default=SUMMARIZER" yaml:"nats_stream"`
	DBDSN           string        `env:"DB_DSN" yaml:"-"`
	DBTimeout       time.Duration `env:"DB_TIMEOUT,default=5s" yaml:"db_timeout"`
	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" yaml:"otlp_endpoint"`
	LogLevel        string        `env:"LOG_LEVEL,default=info" yaml:"log_level"`
	LogFormat       string        `env:"LOG_FORMAT,default=json" yaml:"log_format"`
	SweepSchedule   string        `env:"SWEEP_SCHEDULE,default=@every 1h" yaml:"sweep_schedule"`
	ScratchMaxAge   time.Duration `env:"SCRATCH_MAX_AGE,default=6h" yaml:"scratch_max_age"`
	RateLimit       int           `env:"RATE_LIMIT,default=60" yaml:"rate_limit"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT,default=5m" yaml:"request_timeout"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS,default=*" yaml:"allowed_origins"`
	BrandName       string        `env:"BRAND_NAME,default=Transformation Advisor" yaml:"brand_name"`
	RecentTTL       time.Duration `env:"RECENT_TTL,default=24h" yaml:"recent_ttl"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s" yaml:"shutdown_timeout"`

	SMTP SMTP `env:",prefix=SMTP_" yaml:"smtp"`
	S3   S3   `env:",prefix=S3_" yaml:"s3"`
}

// SMTP configures the outbound mail transport.
type SMTP struct {
	Host     string        `env:"HOST" yaml:"host"`
	Port     int           `env:"PORT,default=465" yaml:"port"`
	Username string        `env:"USER" yaml:"-"`
	Password string        `env:"PASS" yaml:"-"`
	From     string        `env:"FROM" yaml:"from"`
	TLS      string        `env:"TLS,default=ssl" yaml:"tls"`
	Timeout  time.Duration `env:"TIMEOUT,default=30s" yaml:"timeout"`
}

// S3 configures remote storage for delivered archives.
type S3 struct {
	Endpoint       string        `env:"ENDPOINT" yaml:"endpoint"`
	AccessKey      string        `env:"ACCESS_KEY" yaml:"-"`
	SecretKey      string        `env:"SECRET_KEY" yaml:"-"`
	Region         string        `env:"REGION,default=us-east-1" yaml:"region"`
	Bucket         string        `env:"BUCKET" yaml:"bucket"`
	Prefix         string        `env:"PREFIX,default=summaries" yaml:"prefix"`
	DisableTLS     bool          `env:"DISABLE_TLS,default=false" yaml:"disable_tls"`
	ForcePathStyle bool          `env:"FORCE_PATH_STYLE,default=true" yaml:"force_path_style"`
	LinkTTL        time.Duration `env:"LINK_TTL,default=2h" yaml:"link_ttl"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	return cfg, nil
}

// ApplyFile overlays non-secret settings from a YAML file. Keys absent from
// the file keep their current values.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// SMTPEnabled reports whether a mail transport is configured.
func (c Config) SMTPEnabled() bool { return strings.TrimSpace(c.SMTP.Host) != "" }

// S3Enabled reports whether remote storage is configured.
func (c Config) S3Enabled() bool { return strings.TrimSpace(c.S3.Endpoint) != "" }

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ScratchDir) == "" {
		errs = append(errs, errors.New("SCRATCH_DIR must not be empty"))
	}
	switch c.DeliveryMode {
	case ModeSync, ModeAsync:
	default:
		errs = append(errs, fmt.Errorf("DELIVERY_MODE must be %q or %q, got %q", ModeSync, ModeAsync, c.DeliveryMode))
	}
	if c.Retention <= 0 {
		errs = append(errs, errors.New("RETENTION_WINDOW must be positive"))
	}
	if c.SMTPEnabled() && strings.TrimSpace(c.SMTP.From) == "" {
		errs = append(errs, errors.New("SMTP_FROM is required when SMTP_HOST is set"))
	}
	if c.S3Enabled() && strings.TrimSpace(c.S3.Bucket) == "" {
		errs = append(errs, errors.New("S3_BUCKET is required when S3_ENDPOINT is set"))
	}
	return errors.Join(errs...)
}
