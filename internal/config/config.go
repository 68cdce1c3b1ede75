package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/artpromedia/payhook/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	WebhookSecret        string
	JWTSecret            string
	JournalDir           string
	ListenAddr           string
	MetricsAddr          string
	MaxRetries           int
	RetrySchedule        []time.Duration
	SignatureTolerance   time.Duration
	OrderedTypes         []string
	CriticalTypes        []string
	OrderingPollInterval time.Duration
	OrderingWaitTimeout  time.Duration
	ReprocessInterval    time.Duration
	ReprocessBatchSize   int
	DedupeTTL            time.Duration
	JournalRetention     time.Duration
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	// Load .env file. Optional if variables are set elsewhere.
	if err := godotenv.Load(); err != nil {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JournalDir:           os.Getenv("JOURNAL_DIR"),
		ListenAddr:           ":8080",
		MetricsAddr:          ":2112",
		MaxRetries:           3,
		RetrySchedule:        []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		SignatureTolerance:   5 * time.Minute,
		OrderingPollInterval: 500 * time.Millisecond,
		OrderingWaitTimeout:  30 * time.Second,
		ReprocessInterval:    10 * time.Minute,
		ReprocessBatchSize:   50,
		DedupeTTL:            24 * time.Hour,
		JournalRetention:     72 * time.Hour,
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.WebhookSecret == "" {
		logger.Error("WEBHOOK_SECRET is required")
		return nil, fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			logger.Error("Invalid MAX_RETRIES", zap.String("value", v))
			return nil, fmt.Errorf("invalid MAX_RETRIES: %s", v)
		}
		cfg.MaxRetries = n
	}
	if v := os.Getenv("RETRY_SCHEDULE"); v != "" {
		schedule, err := parseDurations(v)
		if err != nil {
			logger.Error("Invalid RETRY_SCHEDULE", zap.String("value", v), zap.Error(err))
			return nil, fmt.Errorf("invalid RETRY_SCHEDULE: %w", err)
		}
		cfg.RetrySchedule = schedule
	}
	if v := os.Getenv("SIGNATURE_TOLERANCE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SIGNATURE_TOLERANCE: %w", err)
		}
		cfg.SignatureTolerance = d
	}
	if v := os.Getenv("ORDERING_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ORDERING_POLL_INTERVAL: %w", err)
		}
		cfg.OrderingPollInterval = d
	}
	if v := os.Getenv("ORDERING_WAIT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ORDERING_WAIT_TIMEOUT: %w", err)
		}
		cfg.OrderingWaitTimeout = d
	}
	if v := os.Getenv("REPROCESS_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REPROCESS_INTERVAL: %w", err)
		}
		cfg.ReprocessInterval = d
	}
	if v := os.Getenv("REPROCESS_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid REPROCESS_BATCH_SIZE: %s", v)
		}
		cfg.ReprocessBatchSize = n
	}
	if v := os.Getenv("DEDUPE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DEDUPE_TTL: %w", err)
		}
		cfg.DedupeTTL = d
	}
	if v := os.Getenv("JOURNAL_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid JOURNAL_RETENTION: %w", err)
		}
		cfg.JournalRetention = d
	}

	cfg.OrderedTypes = splitList(os.Getenv("ORDERED_TYPES"))
	cfg.CriticalTypes = splitList(os.Getenv("CRITICAL_TYPES"))

	logger.Info("Config loaded successfully")
	return cfg, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDurations(v string) ([]time.Duration, error) {
	var out []time.Duration
	for _, s := range strings.Split(v, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("parse duration %q: %w", s, err)
		}
		out = append(out, d)
	}
	return out, nil
}
