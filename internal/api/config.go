package api

import (
	"os"
	"strconv"
	"strings"
	"time"

	syncengine "github.com/opsync/opsync/internal/sync"
)

// Config holds the server configuration, loaded from environment
// variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	JWTSecret       string
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	MaxBodyBytes int64

	MaxOpsPerUpload   int
	MaxOpsPerDownload int
	UploadsPerMinute  int
	QuotaBytes        int64
	RetentionAge      time.Duration
	DeviceStaleAge    time.Duration
	CompactInterval   time.Duration
}

// LoadConfig reads configuration from OPSYNC_* environment variables
// with sensible defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8080",
		DBPath:          "./data/opsync.db",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",

		MaxBodyBytes: 32 << 20,

		MaxOpsPerUpload:   100,
		MaxOpsPerDownload: 500,
		UploadsPerMinute:  60,
		QuotaBytes:        1 << 30,
		RetentionAge:      30 * 24 * time.Hour,
		DeviceStaleAge:    90 * 24 * time.Hour,
		CompactInterval:   24 * time.Hour,
	}

	if v := os.Getenv("OPSYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("OPSYNC_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OPSYNC_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("OPSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("OPSYNC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("OPSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPSYNC_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("OPSYNC_MAX_OPS_PER_UPLOAD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOpsPerUpload = n
		}
	}
	if v := os.Getenv("OPSYNC_MAX_OPS_PER_DOWNLOAD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOpsPerDownload = n
		}
	}
	if v := os.Getenv("OPSYNC_UPLOADS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.UploadsPerMinute = n
		}
	}
	if v := os.Getenv("OPSYNC_QUOTA_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.QuotaBytes = n
		}
	}
	if v := os.Getenv("OPSYNC_RETENTION"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.RetentionAge = d
		}
	}
	if v := os.Getenv("OPSYNC_DEVICE_STALE_AGE"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.DeviceStaleAge = d
		}
	}
	if v := os.Getenv("OPSYNC_COMPACT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CompactInterval = d
		}
	}

	return cfg
}

// EngineConfig maps the server settings onto the sync engine's knobs.
func (c Config) EngineConfig() syncengine.Config {
	return syncengine.Config{
		MaxOpsPerUpload:   c.MaxOpsPerUpload,
		MaxOpsPerDownload: c.MaxOpsPerDownload,
		UploadsPerWindow:  c.UploadsPerMinute,
		UploadRateWindow:  time.Minute,
		QuotaBytes:        c.QuotaBytes,
		RetentionAge:      c.RetentionAge,
		DeviceStaleAge:    c.DeviceStaleAge,
		CompactInterval:   c.CompactInterval,
	}
}

// parseDaysDuration parses "30d" style values, falling back to
// time.ParseDuration for standard Go durations.
func parseDaysDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		if n, err := strconv.Atoi(numStr); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}
