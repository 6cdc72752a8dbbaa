package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	Timezone          string        `mapstructure:"TIMEZONE"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MaxUploadMB       int64         `mapstructure:"MAX_UPLOAD_MB"`
	SessionSecret     string        `mapstructure:"SESSION_SECRET"`
	SessionTTL        time.Duration `mapstructure:"SESSION_TTL"`
	AdminPasswordHash string        `mapstructure:"ADMIN_PASSWORD_HASH"`
	GeminiAPIKey      string        `mapstructure:"GEMINI_API_KEY"`
	GeminiBaseURL     string        `mapstructure:"GEMINI_BASE_URL"`
	GeminiModel       string        `mapstructure:"GEMINI_MODEL"`
	AITimeout         time.Duration `mapstructure:"AI_TIMEOUT"`
	KakaoAPIURL       string        `mapstructure:"KAKAO_API_URL"`
	StorageBackend    string        `mapstructure:"STORAGE_BACKEND"`
	S3Bucket          string        `mapstructure:"S3_BUCKET"`
	S3Region          string        `mapstructure:"S3_REGION"`
	S3Endpoint        string        `mapstructure:"S3_ENDPOINT"`
	S3PublicBaseURL   string        `mapstructure:"S3_PUBLIC_BASE_URL"`
	S3AccessKeyID     string        `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string        `mapstructure:"S3_SECRET_ACCESS_KEY"`
	EventSink         string        `mapstructure:"EVENT_SINK"`
	KafkaBrokers      []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic        string        `mapstructure:"KAFKA_TOPIC"`
	SQSQueueName      string        `mapstructure:"SQS_QUEUE_NAME"`
}

var keys = []string{
	"PORT", "ENV", "TIMEZONE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "MAX_UPLOAD_MB",
	"SESSION_SECRET", "SESSION_TTL", "ADMIN_PASSWORD_HASH",
	"GEMINI_API_KEY", "GEMINI_BASE_URL", "GEMINI_MODEL", "AI_TIMEOUT",
	"KAKAO_API_URL",
	"STORAGE_BACKEND", "S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PUBLIC_BASE_URL",
	"S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
	"EVENT_SINK", "KAFKA_BROKERS", "KAFKA_TOPIC", "SQS_QUEUE_NAME",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("TIMEZONE", "Asia/Seoul")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("MAX_UPLOAD_MB", 15)
	v.SetDefault("SESSION_TTL", "720h")
	v.SetDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("GEMINI_MODEL", "gemini-2.5-flash")
	v.SetDefault("AI_TIMEOUT", "45s")
	v.SetDefault("KAKAO_API_URL", "https://kapi.kakao.com")
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("S3_REGION", "ap-northeast-2")
	v.SetDefault("EVENT_SINK", "none")
	v.SetDefault("KAFKA_TOPIC", "dietcare.changes")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.SessionSecret == "" {
		log.Println("WARNING: SESSION_SECRET is empty; using an insecure development secret.")
		cfg.SessionSecret = "dietcare-development-secret"
	}

	return cfg, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
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

// Location resolves TIMEZONE. Calendar days for logs are cut in this zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// MaxUploadBytes is the largest meal photo accepted by the upload endpoints.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB * 1024 * 1024
}

// Validate checks that the configuration is safe to run. Outside development
// a session secret and an admin password hash are mandatory, and the selected
// storage and event-sink backends must have their connection settings.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if len(c.SessionSecret) < 32 {
			return fmt.Errorf("SESSION_SECRET must be at least 32 characters outside development")
		}
		if c.AdminPasswordHash == "" {
			return fmt.Errorf("ADMIN_PASSWORD_HASH is required outside development; generate one with `dietcare-server admin hash-password`")
		}
	}

	switch c.StorageBackend {
	case "memory":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"memory\" or \"s3\", got %q", c.StorageBackend)
	}

	switch c.EventSink {
	case "", "none":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when EVENT_SINK is \"kafka\"")
		}
	case "sqs":
		if c.SQSQueueName == "" {
			return fmt.Errorf("SQS_QUEUE_NAME is required when EVENT_SINK is \"sqs\"")
		}
	default:
		return fmt.Errorf("EVENT_SINK must be \"none\", \"kafka\", or \"sqs\", got %q", c.EventSink)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", c.MaxUploadMB)
	}

	return nil
}
