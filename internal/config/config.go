// Package config loads runtime settings from the environment, falling back
// to the defaults documented in the external interfaces section of the
// system design.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable for the gateway and worker processes. Both
// binaries load the same struct; each only reads the fields it needs.
type Config struct {
	// Gateway
	Environment   string
	ListenAddr    string
	APIKeys       []string
	RateLimitN    int           // max requests per window
	RateLimitWin  time.Duration // window size
	IdempotencyTTL time.Duration
	StormLimitRPS   float64 // aggregate per-endpoint request rate, across all keys
	StormLimitBurst int

	// Broker
	BrokerKind string // "memory" or "redis"
	RedisAddr  string
	RedisPassword string
	RedisDB    int

	// Model registry / runners
	ModelCacheSize int

	// Worker
	DeviceIDs      []int
	SoftTimeout    time.Duration
	HardTimeout    time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	AdmissionQueueThreshold int
	WorkerMetricsAddr       string

	// Blob store
	BlobBackend   string // "local" or "s3"
	BlobLocalDir  string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3PathStyle   bool

	// Audit (optional durable history)
	AuditDSN string

	// Callback
	CallbackTimeout time.Duration
}

// Load reads configuration from the environment, applying defaults for
// anything unset. Unlike the control plane's ad-hoc Sscanf calls scattered
// through main, every env var is parsed in one place so gateway and worker
// agree on the same defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:    getenv("ENVIRONMENT", "development"),
		ListenAddr:     getenv("LISTEN_ADDR", ":8080"),
		APIKeys:        splitCSV(getenv("API_KEYS", "")),
		RateLimitN:     10,
		RateLimitWin:   60 * time.Second,
		IdempotencyTTL: 24 * time.Hour,
		StormLimitRPS:   100,
		StormLimitBurst: 200,
		BrokerKind:     getenv("BROKER_KIND", "memory"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),
		RedisDB:        0,
		ModelCacheSize: 4,
		DeviceIDs:      []int{0},
		SoftTimeout:    540 * time.Second,
		HardTimeout:    600 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  300 * time.Second,
		BlobBackend:    getenv("BLOB_BACKEND", "local"),
		BlobLocalDir:   getenv("BLOB_LOCAL_DIR", "./data/blobs"),
		S3Bucket:       getenv("S3_BUCKET", ""),
		S3Region:       getenv("S3_REGION", "us-east-1"),
		S3Endpoint:     getenv("S3_ENDPOINT", ""),
		S3PathStyle:    getenvBool("S3_PATH_STYLE", false),
		AuditDSN:       getenv("AUDIT_DSN", ""),
		CallbackTimeout: 30 * time.Second,
		AdmissionQueueThreshold: 500,
		WorkerMetricsAddr:       getenv("WORKER_METRICS_ADDR", ""),
	}

	if v := os.Getenv("RATE_LIMIT_N"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_N: %w", err)
		}
		cfg.RateLimitN = n
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS: %w", err)
		}
		cfg.RateLimitWin = time.Duration(n) * time.Second
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}
	if v := os.Getenv("MODEL_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MODEL_CACHE_SIZE: %w", err)
		}
		cfg.ModelCacheSize = n
	}
	if v := os.Getenv("DEVICE_IDS"); v != "" {
		ids, err := parseIntCSV(v)
		if err != nil {
			return nil, fmt.Errorf("DEVICE_IDS: %w", err)
		}
		cfg.DeviceIDs = ids
	}
	if v := os.Getenv("SOFT_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SOFT_TIMEOUT_SECONDS: %w", err)
		}
		cfg.SoftTimeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("HARD_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("HARD_TIMEOUT_SECONDS: %w", err)
		}
		cfg.HardTimeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}
	if v := os.Getenv("ADMISSION_QUEUE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("ADMISSION_QUEUE_THRESHOLD: %w", err)
		}
		cfg.AdmissionQueueThreshold = n
	}
	if v := os.Getenv("STORM_LIMIT_RPS"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("STORM_LIMIT_RPS: %w", err)
		}
		cfg.StormLimitRPS = n
	}
	if v := os.Getenv("STORM_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("STORM_LIMIT_BURST: %w", err)
		}
		cfg.StormLimitBurst = n
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIntCSV(v string) ([]int, error) {
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
