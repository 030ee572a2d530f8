package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime    time.Time
	requests     atomic.Int64
	serverErrors atomic.Int64
	clientErrors atomic.Int64
	opsAccepted  atomic.Int64
	opsRejected  atomic.Int64
	conflicts    atomic.Int64
	downloads    atomic.Int64
	snapshots    atomic.Int64
	dedupHits    atomic.Int64
	rateLimited  atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Requests      int64   `json:"requests"`
	ServerErrors  int64   `json:"server_errors"`
	ClientErrors  int64   `json:"client_errors"`
	OpsAccepted   int64   `json:"ops_accepted"`
	OpsRejected   int64   `json:"ops_rejected"`
	Conflicts     int64   `json:"conflicts"`
	Downloads     int64   `json:"downloads"`
	Snapshots     int64   `json:"snapshots"`
	DedupHits     int64   `json:"dedup_hits"`
	RateLimited   int64   `json:"rate_limited"`
}

// NewMetrics creates a Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) RecordRequest()     { m.requests.Add(1) }
func (m *Metrics) RecordError()       { m.serverErrors.Add(1) }
func (m *Metrics) RecordClientError() { m.clientErrors.Add(1) }
func (m *Metrics) RecordDownload()    { m.downloads.Add(1) }
func (m *Metrics) RecordSnapshot()    { m.snapshots.Add(1) }
func (m *Metrics) RecordDedupHit()    { m.dedupHits.Add(1) }
func (m *Metrics) RecordRateLimited() { m.rateLimited.Add(1) }

// RecordOps tallies per-operation outcomes of one batch.
func (m *Metrics) RecordOps(accepted, rejected, conflicts int64) {
	m.opsAccepted.Add(accepted)
	m.opsRejected.Add(rejected)
	m.conflicts.Add(conflicts)
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Requests:      m.requests.Load(),
		ServerErrors:  m.serverErrors.Load(),
		ClientErrors:  m.clientErrors.Load(),
		OpsAccepted:   m.opsAccepted.Load(),
		OpsRejected:   m.opsRejected.Load(),
		Conflicts:     m.conflicts.Load(),
		Downloads:     m.downloads.Load(),
		Snapshots:     m.snapshots.Load(),
		DedupHits:     m.dedupHits.Load(),
		RateLimited:   m.rateLimited.Load(),
	}
}
