// Package config loads the supervisor's environment-driven configuration.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config is the fully-resolved, validated runtime configuration for the
// OCR supervisor process.
type Config struct {
	Port               string
	MaxFileSizeBytes   int64
	OCRTimeout         time.Duration
	WorkerReadyTimeout time.Duration
	QueueMaxSize       int
	WorkerCount        int
	OCRWorkerBin       string
	LogLevel           string
}

// CrashCooldown is the fixed delay between crash detection and respawn.
// Not environment-configurable, per spec.
const CrashCooldown = 2 * time.Second

// Load reads the environment, applies defaults, and validates the result.
// A missing or malformed required value is a fatal-startup condition; the
// caller should exit non-zero before spawning any Worker.
func Load() (Config, error) {
	cfg := Config{
		Port:               getenv("PORT", "8080"),
		MaxFileSizeBytes:   25 << 20,
		OCRTimeout:         60 * time.Second,
		WorkerReadyTimeout: 120 * time.Second,
		QueueMaxSize:       50,
		WorkerCount:        defaultWorkerCount(),
		OCRWorkerBin:       getenv("OCR_WORKER_BIN", "ocr_worker"),
		LogLevel:           getenv("LOG_LEVEL", "info"),
	}

	if v := os.Getenv("MAX_FILE_SIZE_MB"); v != "" {
		mb, err := strconv.ParseInt(v, 10, 64)
		if err != nil || mb <= 0 {
			return Config{}, fmt.Errorf("invalid MAX_FILE_SIZE_MB %q: %w", v, err)
		}
		cfg.MaxFileSizeBytes = mb << 20
	}

	if v := os.Getenv("OCR_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("invalid OCR_TIMEOUT_MS %q: %w", v, err)
		}
		cfg.OCRTimeout = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("WORKER_READY_TIMEOUT"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("invalid WORKER_READY_TIMEOUT %q: %w", v, err)
		}
		cfg.WorkerReadyTimeout = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("QUEUE_MAX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid QUEUE_MAX_SIZE %q: %w", v, err)
		}
		cfg.QueueMaxSize = n
	}

	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid WORKER_COUNT %q: %w", v, err)
		}
		cfg.WorkerCount = n
	}

	return cfg, nil
}

func defaultWorkerCount() int {
	n := runtime.NumCPU()
	if n > 4 {
		return 4
	}
	return n
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
