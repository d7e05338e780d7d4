package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageBackend selects how downloaded features are persisted.
type StorageBackend string

const (
	StorageBackendPostGIS       StorageBackend = "postgis"
	StorageBackendObjectStorage StorageBackend = "object_storage"
	StorageBackendHybrid        StorageBackend = "hybrid"
)

type Config struct {
	LogLevel string

	// Catalog store
	DatabaseURL string

	// Job orchestrator broker
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Storage policy (spec.md §4.4, §6)
	StorageBackend               StorageBackend
	UseObjectStorageForLarge     bool
	MinFeaturesForObjectStorage  int

	// Object storage (S3-compatible)
	S3Endpoint       string
	S3Region         string
	S3Bucket         string
	S3AccessKey      string
	S3SecretKey      string
	S3ForcePathStyle bool
	S3PublicEndpoint string

	// Proxy manager
	ProxyFreePoolEnabled bool
	ProxyPaidAPIKey      string
	ProxyPaidEndpoint    string
	ProxyPaidCountry     string
	ProxyStaticPool      string // "url;country|url;country|..."

	// Job orchestrator worker tuning
	WorkerConcurrencyDownloads int
	WorkerConcurrencyCrawls    int
	WorkerConcurrencyExports   int
	TaskHardTimeLimit          time.Duration
	TaskSoftTimeLimit          time.Duration
	WorkerMaxTasksPerLifetime  int

	// Tiling
	TippecanoePath string

	MetricsAddr string
}

func FromEnv() Config {
	return Config{
		LogLevel: getenv("LOG_LEVEL", "info"),

		DatabaseURL: getenv("DATABASE_URL", "postgres://localhost:5432/geocache?sslmode=disable"),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getint("REDIS_DB", 0),

		StorageBackend:              StorageBackend(getenv("STORAGE_BACKEND", "hybrid")),
		UseObjectStorageForLarge:    getbool("USE_OBJECT_STORAGE_FOR_LARGE_DATASETS", true),
		MinFeaturesForObjectStorage: getint("MIN_FEATURES_FOR_OBJECT_STORAGE", 10000),

		S3Endpoint:       getenv("S3_ENDPOINT", ""),
		S3Region:         getenv("S3_REGION", "us-east-1"),
		S3Bucket:         getenv("S3_BUCKET", "geocache"),
		S3AccessKey:      getenv("S3_ACCESS_KEY", ""),
		S3SecretKey:      getenv("S3_SECRET_KEY", ""),
		S3ForcePathStyle: getbool("S3_FORCE_PATH_STYLE", false),
		S3PublicEndpoint: getenv("S3_PUBLIC_ENDPOINT", ""),

		ProxyFreePoolEnabled: getbool("PROXY_FREE_POOL_ENABLED", false),
		ProxyPaidAPIKey:      getenv("PROXY_PAID_API_KEY", ""),
		ProxyPaidEndpoint:    getenv("PROXY_PAID_ENDPOINT", ""),
		ProxyPaidCountry:     getenv("PROXY_PAID_COUNTRY", ""),
		ProxyStaticPool:      getenv("PROXY_STATIC_POOL", ""),

		WorkerConcurrencyDownloads: getint("WORKER_CONCURRENCY_DOWNLOADS", 10),
		WorkerConcurrencyCrawls:    getint("WORKER_CONCURRENCY_CRAWLS", 10),
		WorkerConcurrencyExports:   getint("WORKER_CONCURRENCY_EXPORTS", 4),
		TaskHardTimeLimit:          getduration("TASK_HARD_TIME_LIMIT", time.Hour),
		TaskSoftTimeLimit:          getduration("TASK_SOFT_TIME_LIMIT", 55*time.Minute),
		WorkerMaxTasksPerLifetime:  getint("WORKER_MAX_TASKS_PER_LIFETIME", 500),

		TippecanoePath: getenv("TIPPECANOE_PATH", "tippecanoe"),

		MetricsAddr: getenv("METRICS_ADDR", ":9090"),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// ParseStaticProxyPool parses "url;country|url;country|..." into pairs.
// Country is optional; a bare url with no ';' has an empty country.
func ParseStaticProxyPool(s string) [][2]string {
	var out [][2]string
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	for _, entry := range strings.Split(s, "|") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ";", 2)
		url := strings.TrimSpace(parts[0])
		country := ""
		if len(parts) == 2 {
			country = strings.TrimSpace(parts[1])
		}
		if url == "" {
			continue
		}
		out = append(out, [2]string{url, country})
	}
	return out
}
