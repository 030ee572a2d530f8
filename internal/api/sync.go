package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/opsync/opsync/internal/op"
	syncengine "github.com/opsync/opsync/internal/sync"
)

type uploadBody struct {
	Ops                []op.Operation `json:"ops"`
	ClientID           string         `json:"clientId"`
	LastKnownServerSeq *int64         `json:"lastKnownServerSeq"`
	RequestID          string         `json:"requestId"`
}

// handleUploadOps accepts a batch of operations: POST /v1/sync/ops.
// Rate limiting runs before request dedup so a flood of retried
// requests still counts against the limit.
func (s *Server) handleUploadOps(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	var body uploadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, op.CodeInvalidPayload, "malformed request body")
		return
	}
	if body.ClientID == "" {
		writeError(w, http.StatusBadRequest, op.CodeClientIDMismatch, "clientId is required")
		return
	}
	lastKnown := int64(-1)
	if body.LastKnownServerSeq != nil {
		lastKnown = *body.LastKnownServerSeq
	}

	if !s.svc.RateLimit.Allow(user.UserID, time.Now()) {
		s.metrics.RecordRateLimited()
		writeError(w, http.StatusTooManyRequests, op.CodeRateLimited, "too many upload requests")
		return
	}

	// A replayed request gets its original results, but newOps are
	// recomputed against the current log so cached outcomes never
	// starve the client of other clients' operations.
	if results, _, hit := s.svc.Dedup.Get(user.UserID, body.RequestID, time.Now()); hit {
		s.metrics.RecordDedupHit()
		newOps, latestSeq, err := s.svc.NewOpsSince(r.Context(), user.UserID, body.ClientID, lastKnown)
		if err != nil {
			logFor(r.Context()).Error("piggyback after dedup", "err", err)
			writeError(w, http.StatusInternalServerError, op.CodeInternalError, "failed to load new operations")
			return
		}
		writeJSON(w, http.StatusOK, syncengine.UploadResponse{
			Results:      results,
			NewOps:       newOps,
			LatestSeq:    latestSeq,
			Deduplicated: true,
		})
		return
	}

	resp, err := s.svc.Upload(r.Context(), syncengine.UploadRequest{
		UserID:             user.UserID,
		ClientID:           body.ClientID,
		Ops:                body.Ops,
		LastKnownServerSeq: lastKnown,
		RequestID:          body.RequestID,
	})
	if err != nil {
		s.writeUploadError(w, r, err)
		return
	}

	var accepted, rejected, conflicts int64
	for _, res := range resp.Results {
		if res.Accepted {
			accepted++
			continue
		}
		rejected++
		if res.ErrorCode == op.CodeConflictConcurrent || res.ErrorCode == op.CodeConflictStale {
			conflicts++
		}
	}
	s.metrics.RecordOps(accepted, rejected, conflicts)

	// A transaction failure is transient; caching it would replay the
	// failed outcome at the client's retry.
	if !resp.TxFailed {
		s.svc.Dedup.Put(user.UserID, body.RequestID, resp.Results, resp.LatestSeq, time.Now())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, syncengine.ErrBatchTooLarge):
		writeError(w, http.StatusBadRequest, op.CodeInvalidPayload, err.Error())
	case errors.Is(err, syncengine.ErrQuotaExceeded):
		writeError(w, http.StatusRequestEntityTooLarge, op.CodeStorageQuotaExceeded, err.Error())
	case errors.Is(err, syncengine.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, op.CodeInvalidPayload, err.Error())
	default:
		logFor(r.Context()).Error("upload failed", "err", err)
		writeError(w, http.StatusInternalServerError, op.CodeInternalError, "upload failed")
	}
}

// handleDownloadOps serves GET /v1/sync/ops?sinceSeq=&limit=&excludeClient=.
func (s *Server) handleDownloadOps(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	sinceSeq, err := queryInt64(r, "sinceSeq", 0)
	if err != nil || sinceSeq < 0 {
		writeError(w, http.StatusBadRequest, op.CodeInvalidPayload, "sinceSeq must be a non-negative integer")
		return
	}
	limit, err := queryInt64(r, "limit", 0)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, op.CodeInvalidPayload, "limit must be a non-negative integer")
		return
	}

	resp, err := s.svc.Download(r.Context(), syncengine.DownloadRequest{
		UserID:        user.UserID,
		SinceSeq:      sinceSeq,
		Limit:         int(limit),
		ExcludeClient: r.URL.Query().Get("excludeClient"),
	})
	if err != nil {
		logFor(r.Context()).Error("download failed", "err", err)
		writeError(w, http.StatusInternalServerError, op.CodeInternalError, "download failed")
		return
	}
	s.metrics.RecordDownload()

	writeJSON(w, http.StatusOK, struct {
		syncengine.DownloadResponse
		ServerTime int64 `json:"serverTime"`
	}{resp, time.Now().UnixMilli()})
}

// handleGetSnapshot serves GET /v1/sync/snapshot.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	snap, err := s.svc.Snapshot(r.Context(), user.UserID)
	if err != nil {
		s.writeSnapshotError(w, r, err)
		return
	}
	s.metrics.RecordSnapshot()
	writeJSON(w, http.StatusOK, snap)
}

type importBody struct {
	ClientID    string          `json:"clientId"`
	State       json.RawMessage `json:"state"`
	VectorClock json.RawMessage `json:"vectorClock"`
}

// handleImportSnapshot serves POST /v1/sync/snapshot: the payload is
// wrapped as a SYNC_IMPORT operation through the normal upload path.
func (s *Server) handleImportSnapshot(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	var body importBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, op.CodeInvalidPayload, "malformed request body")
		return
	}
	if body.ClientID == "" {
		writeError(w, http.StatusBadRequest, op.CodeClientIDMismatch, "clientId is required")
		return
	}
	if len(body.State) == 0 {
		writeError(w, http.StatusBadRequest, op.CodeInvalidPayload, "state is required")
		return
	}

	snap, result, err := s.svc.ImportState(r.Context(), user.UserID, body.ClientID, body.State, body.VectorClock)
	if err != nil {
		s.writeUploadError(w, r, err)
		return
	}
	if !result.Accepted {
		writeError(w, http.StatusBadRequest, result.ErrorCode, result.Error)
		return
	}
	s.metrics.RecordSnapshot()
	writeJSON(w, http.StatusOK, struct {
		Snapshot syncengine.Snapshot `json:"snapshot"`
		Result   op.UploadResult     `json:"result"`
	}{snap, result})
}

// handleSyncStatus serves GET /v1/sync/status.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	status, err := s.svc.Status(r.Context(), user.UserID)
	if err != nil {
		logFor(r.Context()).Error("status failed", "err", err)
		writeError(w, http.StatusInternalServerError, op.CodeInternalError, "status failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRestorePoints serves GET /v1/sync/restore-points?limit=.
func (s *Server) handleRestorePoints(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	limit, err := queryInt64(r, "limit", 0)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, op.CodeInvalidPayload, "limit must be a non-negative integer")
		return
	}
	points, err := s.svc.RestorePoints(r.Context(), user.UserID, int(limit))
	if err != nil {
		logFor(r.Context()).Error("restore points failed", "err", err)
		writeError(w, http.StatusInternalServerError, op.CodeInternalError, "restore points failed")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		RestorePoints []syncengine.RestorePoint `json:"restorePoints"`
	}{points})
}

// handleRestoreAt serves GET /v1/sync/restore/{serverSeq}: the state as
// of a historical sequence, for previewing a rollback.
func (s *Server) handleRestoreAt(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	seq, err := strconv.ParseInt(r.PathValue("serverSeq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, op.CodeInvalidPayload, "serverSeq must be an integer")
		return
	}
	snap, err := s.svc.SnapshotAtSeq(r.Context(), user.UserID, seq)
	if err != nil {
		s.writeSnapshotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeSnapshotError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, syncengine.ErrSeqOutOfRange):
		writeError(w, http.StatusBadRequest, op.CodeInvalidPayload, err.Error())
	case errors.Is(err, syncengine.ErrEncryptedOps):
		writeError(w, http.StatusConflict, op.CodeEncryptedOps, err.Error())
	case errors.Is(err, syncengine.ErrSnapshotTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, op.CodePayloadTooLarge, err.Error())
	default:
		logFor(r.Context()).Error("snapshot failed", "err", err)
		writeError(w, http.StatusInternalServerError, op.CodeInternalError, "snapshot failed")
	}
}

type ackBody struct {
	ServerSeq int64 `json:"serverSeq"`
}

// handleDeviceAck serves POST /v1/sync/devices/{clientID}/ack.
func (s *Server) handleDeviceAck(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	clientID := r.PathValue("clientID")
	var body ackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ServerSeq < 0 {
		writeError(w, http.StatusBadRequest, op.CodeInvalidPayload, "serverSeq must be a non-negative integer")
		return
	}
	if err := s.svc.AckProgress(r.Context(), user.UserID, clientID, body.ServerSeq); err != nil {
		if errors.Is(err, syncengine.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, op.CodeInvalidPayload, "invalid ack")
			return
		}
		logFor(r.Context()).Error("ack failed", "err", err)
		writeError(w, http.StatusInternalServerError, op.CodeInternalError, "ack failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListDevices serves GET /v1/sync/devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	user, ok := mustUser(w, r)
	if !ok {
		return
	}
	devices, err := s.svc.Devices(r.Context(), user.UserID)
	if err != nil {
		logFor(r.Context()).Error("list devices failed", "err", err)
		writeError(w, http.StatusInternalServerError, op.CodeInternalError, "list devices failed")
		return
	}
	type deviceView struct {
		ClientID     string `json:"clientId"`
		LastSeenAt   int64  `json:"lastSeenAt"`
		LastAckedSeq int64  `json:"lastAckedSeq"`
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{d.ClientID, d.LastSeenAt, d.LastAckedSeq})
	}
	writeJSON(w, http.StatusOK, struct {
		Devices []deviceView `json:"devices"`
	}{views})
}

func queryInt64(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
