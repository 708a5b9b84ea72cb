// Package config provides application configuration management from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration. Every knob has an environment
// variable and a default; effects are documented on the engine options they
// feed.
type Config struct {
	APIHost  string
	APIPort  string
	LogLevel string

	// Storage paths
	DataDir     string
	WALPath     string
	SnapshotDir string

	// Remote object store (empty endpoint disables the remote tier)
	RemoteEndpoint  string
	RemoteBucket    string
	RemoteRegion    string
	RemoteAccessKey string
	RemoteSecretKey string
	RemoteUseSSL    bool

	// Seal thresholds
	SegmentSealBytes int64
	SegmentSealOps   int

	// Cache (RemoteOnly collections)
	CacheCapacity int

	// HNSW
	HNSWM              int
	HNSWEfConstruction int
	HNSWEfSearchPreset string

	// Upload worker
	UploadMaxRetries  int
	UploadBaseBackoff time.Duration
	UploadMaxBackoff  time.Duration

	// Compaction
	CompactionEnabled     bool
	CompactionMinSegments int

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	// Dead-letter queue
	DLQMaxEntries int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		APIHost:  getEnv("API_HOST", "0.0.0.0"),
		APIPort:  getEnv("API_PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DataDir:         getEnv("DATA_DIR", "./data"),
		RemoteEndpoint:  getEnv("REMOTE_ENDPOINT", ""),
		RemoteBucket:    getEnv("REMOTE_BUCKET", "akidb"),
		RemoteRegion:    getEnv("REMOTE_REGION", ""),
		RemoteAccessKey: getEnv("REMOTE_ACCESS_KEY", ""),
		RemoteSecretKey: getEnv("REMOTE_SECRET_KEY", ""),
		RemoteUseSSL:    getEnvBool("REMOTE_USE_SSL", false),

		SegmentSealBytes: getEnvInt64("SEGMENT_SEAL_BYTES", 100*1024*1024),
		SegmentSealOps:   getEnvInt("SEGMENT_SEAL_OPS", 10_000),

		CacheCapacity: getEnvInt("CACHE_CAPACITY", 256),

		HNSWM:              getEnvInt("HNSW_M", 32),
		HNSWEfConstruction: getEnvInt("HNSW_EF_CONSTRUCTION", 200),
		HNSWEfSearchPreset: getEnv("HNSW_EF_SEARCH_PRESET", "balanced"),

		UploadMaxRetries:  getEnvInt("UPLOAD_MAX_RETRIES", 5),
		UploadBaseBackoff: time.Duration(getEnvInt("UPLOAD_BASE_BACKOFF_SECS", 1)) * time.Second,
		UploadMaxBackoff:  time.Duration(getEnvInt("UPLOAD_MAX_BACKOFF_SECS", 64)) * time.Second,

		CompactionEnabled:     getEnvBool("COMPACTION_ENABLED", true),
		CompactionMinSegments: getEnvInt("COMPACTION_MIN_SEGMENTS_TO_MERGE", 4),

		BreakerFailureThreshold: getEnvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         time.Duration(getEnvInt("CIRCUIT_BREAKER_COOLDOWN_SECS", 30)) * time.Second,

		DLQMaxEntries: getEnvInt("DLQ_MAX_ENTRIES", 10_000),
	}

	cfg.WALPath = getEnv("WAL_PATH", cfg.DataDir+"/wal")
	cfg.SnapshotDir = getEnv("SNAPSHOT_DIR", cfg.DataDir+"/snapshots")

	if cfg.SegmentSealOps <= 0 || cfg.SegmentSealBytes <= 0 {
		return nil, fmt.Errorf("seal thresholds must be positive")
	}
	if cfg.UploadMaxRetries < 1 {
		return nil, fmt.Errorf("UPLOAD_MAX_RETRIES must be at least 1")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
