package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	PHIEncryptionKey string `mapstructure:"PHI_ENCRYPTION_KEY"`
	PHISalt          string `mapstructure:"PHI_SALT"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	LogFormat        string `mapstructure:"LOG_FORMAT"`
	LogLevel         string `mapstructure:"LOG_LEVEL"`
	MetricsEnabled   bool   `mapstructure:"METRICS_ENABLED"`
	ElasticAPMActive bool   `mapstructure:"ELASTIC_APM_ACTIVE"`
	ServiceName      string `mapstructure:"SERVICE_NAME"`

	// Object storage, queueing and email run on AWS.
	BucketName        string `mapstructure:"BUCKET_NAME"`
	AWSRegion         string `mapstructure:"AWS_REGION"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	ConsentQueueURL   string `mapstructure:"CONSENT_QUEUE_URL"`
	JobWorkers        int    `mapstructure:"JOB_WORKERS"`
	UploadMaxAttempts int    `mapstructure:"UPLOAD_MAX_ATTEMPTS"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	MIOBaseURL string `mapstructure:"MIO_BASE_URL"`
	MIOAPIKey  string `mapstructure:"MIO_API_KEY"`

	EmailSender     string        `mapstructure:"EMAIL_SENDER"`
	EmailFrom       string        `mapstructure:"EMAIL_FROM"`
	AppBaseURL      string        `mapstructure:"APP_BASE_URL"`
	ConsentTokenTTL time.Duration `mapstructure:"CONSENT_TOKEN_TTL"`
	PDFOutputDir    string        `mapstructure:"PDF_OUTPUT_DIR"`
	ChromePath      string        `mapstructure:"CHROME_PATH"`

	BillingTimezone      string `mapstructure:"BILLING_TIMEZONE"`
	BillingOverlapPolicy string `mapstructure:"BILLING_OVERLAP_POLICY"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_TENANT", "CORS_ORIGINS", "PHI_ENCRYPTION_KEY", "PHI_SALT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "LOG_FORMAT", "LOG_LEVEL",
	"METRICS_ENABLED", "ELASTIC_APM_ACTIVE", "SERVICE_NAME",
	"BUCKET_NAME", "AWS_REGION", "S3_ENDPOINT", "CONSENT_QUEUE_URL",
	"JOB_WORKERS", "UPLOAD_MAX_ATTEMPTS", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"MIO_BASE_URL", "MIO_API_KEY", "EMAIL_SENDER", "EMAIL_FROM", "APP_BASE_URL",
	"CONSENT_TOKEN_TTL", "PDF_OUTPUT_DIR", "CHROME_PATH",
	"BILLING_TIMEZONE", "BILLING_OVERLAP_POLICY",
}

func Load() (*Config, error) {
	// .env values never override variables already present in the process.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("LOG_FORMAT", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("SERVICE_NAME", "rcm-server")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("JOB_WORKERS", 2)
	v.SetDefault("UPLOAD_MAX_ATTEMPTS", 3)
	v.SetDefault("KAFKA_TOPIC", "rcm.events")
	v.SetDefault("EMAIL_SENDER", "log")
	v.SetDefault("EMAIL_FROM", "no-reply@localhost")
	v.SetDefault("APP_BASE_URL", "http://localhost:3000")
	v.SetDefault("CONSENT_TOKEN_TTL", "48h")
	v.SetDefault("PDF_OUTPUT_DIR", "./var/pdf")
	v.SetDefault("BILLING_TIMEZONE", "UTC")
	v.SetDefault("BILLING_OVERLAP_POLICY", "independent")

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList normalizes comma separated env values that viper leaves as a
// single element.
func splitList(current []string, raw string) []string {
	if len(current) > 1 {
		return current
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedLogFormat returns LOG_FORMAT, falling back to console output in
// development and JSON elsewhere.
func (c *Config) ResolvedLogFormat() string {
	if c.LogFormat != "" {
		return c.LogFormat
	}
	if c.IsDev() {
		return "console"
	}
	return "json"
}

// BillingLocation resolves BILLING_TIMEZONE. Month windows for billed minutes
// are computed in this zone.
func (c *Config) BillingLocation() (*time.Location, error) {
	if c.BillingTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.BillingTimezone)
	if err != nil {
		return nil, fmt.Errorf("BILLING_TIMEZONE: %w", err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}

	if c.IsProduction() && c.PHIEncryptionKey == "" {
		return fmt.Errorf("PHI_ENCRYPTION_KEY is required in production")
	}
	if c.PHIEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.PHIEncryptionKey)
		if err != nil {
			return fmt.Errorf("PHI_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("PHI_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
		if c.PHISalt == "" {
			return fmt.Errorf("PHI_SALT is required when PHI_ENCRYPTION_KEY is set")
		}
	}

	switch c.BillingOverlapPolicy {
	case "independent", "exclusive":
	default:
		return fmt.Errorf("BILLING_OVERLAP_POLICY must be \"independent\" or \"exclusive\", got %q", c.BillingOverlapPolicy)
	}
	if _, err := c.BillingLocation(); err != nil {
		return err
	}

	switch c.EmailSender {
	case "log", "ses":
	default:
		return fmt.Errorf("EMAIL_SENDER must be \"log\" or \"ses\", got %q", c.EmailSender)
	}

	switch c.ResolvedLogFormat() {
	case "console", "json", "ecs":
	default:
		return fmt.Errorf("LOG_FORMAT must be \"console\", \"json\", or \"ecs\", got %q", c.LogFormat)
	}

	if c.ConsentTokenTTL <= 0 {
		return fmt.Errorf("CONSENT_TOKEN_TTL must be positive")
	}
	if c.UploadMaxAttempts < 1 {
		return fmt.Errorf("UPLOAD_MAX_ATTEMPTS must be at least 1")
	}
	if c.BucketName != "" && c.AWSRegion == "" {
		return fmt.Errorf("AWS_REGION is required when BUCKET_NAME is set")
	}

	return nil
}
