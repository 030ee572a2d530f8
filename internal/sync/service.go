// Package sync implements the operation-log engine: batch upload with
// vector-clock conflict detection, sequenced download with gap
// detection, snapshot materialization, and log retention.
package sync

import (
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opsync/opsync/internal/op"
	"github.com/opsync/opsync/internal/store"
)

// Config bounds the engine. Zero fields fall back to Default.
type Config struct {
	MaxOpsPerUpload     int
	MaxOpsPerDownload   int
	MaxPayloadBytes     int
	MaxFutureDrift      time.Duration
	MaxOpAge            time.Duration
	SnapshotMaxBytes    int
	SnapshotMaxOps      int
	SnapshotMaxEntities int
	RetentionAge        time.Duration
	DeviceStaleAge      time.Duration
	OnlineWindow        time.Duration
	CompactInterval     time.Duration
	CompactInitialDelay time.Duration
	QuotaBytes          int64
	RestorePointLimit   int
	UploadsPerWindow    int
	UploadRateWindow    time.Duration
	DedupTTL            time.Duration
	GuardMaxEntries     int
}

// Default returns production settings.
func Default() Config {
	return Config{
		MaxOpsPerUpload:     100,
		MaxOpsPerDownload:   500,
		MaxPayloadBytes:     op.DefaultMaxPayloadBytes,
		MaxFutureDrift:      5 * time.Minute,
		MaxOpAge:            2 * 365 * 24 * time.Hour,
		SnapshotMaxBytes:    32 << 20,
		SnapshotMaxOps:      200000,
		SnapshotMaxEntities: 500000,
		RetentionAge:        30 * 24 * time.Hour,
		DeviceStaleAge:      90 * 24 * time.Hour,
		OnlineWindow:        5 * time.Minute,
		CompactInterval:     24 * time.Hour,
		CompactInitialDelay: 2 * time.Minute,
		QuotaBytes:          1 << 30,
		RestorePointLimit:   20,
		UploadsPerWindow:    60,
		UploadRateWindow:    time.Minute,
		DedupTTL:            5 * time.Minute,
		GuardMaxEntries:     10000,
	}
}

func (c Config) withDefaults() Config {
	d := Default()
	if c.MaxOpsPerUpload <= 0 {
		c.MaxOpsPerUpload = d.MaxOpsPerUpload
	}
	if c.MaxOpsPerDownload <= 0 {
		c.MaxOpsPerDownload = d.MaxOpsPerDownload
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if c.MaxFutureDrift <= 0 {
		c.MaxFutureDrift = d.MaxFutureDrift
	}
	if c.MaxOpAge <= 0 {
		c.MaxOpAge = d.MaxOpAge
	}
	if c.SnapshotMaxBytes <= 0 {
		c.SnapshotMaxBytes = d.SnapshotMaxBytes
	}
	if c.SnapshotMaxOps <= 0 {
		c.SnapshotMaxOps = d.SnapshotMaxOps
	}
	if c.SnapshotMaxEntities <= 0 {
		c.SnapshotMaxEntities = d.SnapshotMaxEntities
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = d.RetentionAge
	}
	if c.DeviceStaleAge <= 0 {
		c.DeviceStaleAge = d.DeviceStaleAge
	}
	if c.OnlineWindow <= 0 {
		c.OnlineWindow = d.OnlineWindow
	}
	if c.CompactInterval <= 0 {
		c.CompactInterval = d.CompactInterval
	}
	if c.CompactInitialDelay <= 0 {
		c.CompactInitialDelay = d.CompactInitialDelay
	}
	if c.QuotaBytes <= 0 {
		c.QuotaBytes = d.QuotaBytes
	}
	if c.RestorePointLimit <= 0 {
		c.RestorePointLimit = d.RestorePointLimit
	}
	if c.UploadsPerWindow <= 0 {
		c.UploadsPerWindow = d.UploadsPerWindow
	}
	if c.UploadRateWindow <= 0 {
		c.UploadRateWindow = d.UploadRateWindow
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = d.DedupTTL
	}
	if c.GuardMaxEntries <= 0 {
		c.GuardMaxEntries = d.GuardMaxEntries
	}
	return c
}

// Service coordinates all sync operations for every user. It is safe
// for concurrent use; per-user write ordering comes from the store's
// transactions, not from locks held here.
type Service struct {
	store *store.Store
	cfg   Config
	log   *slog.Logger

	// RateLimit and Dedup are the per-process request guards; the
	// transport layer consults them before touching the store, and the
	// retention job sweeps their expired entries.
	RateLimit *RateLimitGuard
	Dedup     *DedupCache

	// snapshots collapses concurrent generation requests for the same
	// user into one replay.
	snapshots singleflight.Group

	now func() time.Time
}

// New constructs a Service. logger may be nil.
func New(st *store.Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Service{
		store:     st,
		cfg:       cfg,
		log:       logger,
		RateLimit: NewRateLimitGuard(cfg.UploadsPerWindow, cfg.UploadRateWindow, cfg.GuardMaxEntries),
		Dedup:     NewDedupCache(cfg.DedupTTL, cfg.GuardMaxEntries),
		now:       time.Now,
	}
}

// Config returns the effective settings.
func (s *Service) Config() Config { return s.cfg }

// Store exposes the persistence layer for status queries.
func (s *Service) Store() *store.Store { return s.store }

func (s *Service) nowMs() int64 { return s.now().UnixMilli() }

func (s *Service) limits() op.Limits {
	return op.Limits{
		MaxPayloadBytes: s.cfg.MaxPayloadBytes,
		MaxFutureDrift:  s.cfg.MaxFutureDrift,
		MaxAge:          s.cfg.MaxOpAge,
	}
}
