package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opsync/opsync/internal/op"
	"github.com/opsync/opsync/internal/store"
)

func TestGapDetection(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	var ops []op.Operation
	for i := 1; i <= 6; i++ {
		ops = append(ops, makeOp(
			fmt.Sprintf("op-%d", i), "c1", fmt.Sprintf("t%d", i),
			op.TypeCreate, fmt.Sprintf(`{"c1":%d}`, i)))
	}
	mustAccept(t, upload(t, s, "u1", "c1", ops...))

	// Compact away the first three operations.
	if _, err := store.DeleteOpsBelow(ctx, s.store.DB(), "u1", 4); err != nil {
		t.Fatalf("DeleteOpsBelow: %v", err)
	}

	// A fresh client never reports a gap.
	resp, err := s.Download(ctx, DownloadRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if resp.GapDetected {
		t.Error("gap flagged for sinceSeq 0")
	}

	// A client who last saw seq 1 lost seqs 2-3 to compaction.
	resp, err = s.Download(ctx, DownloadRequest{UserID: "u1", SinceSeq: 1})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !resp.GapDetected {
		t.Error("gap not flagged after compaction removed unseen history")
	}

	// A client at seq 3 is exactly at the retained boundary.
	resp, err = s.Download(ctx, DownloadRequest{UserID: "u1", SinceSeq: 3})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if resp.GapDetected {
		t.Error("gap flagged for a client at the retained boundary")
	}

	// A client ahead of the server indicates data loss on our side.
	resp, err = s.Download(ctx, DownloadRequest{UserID: "u1", SinceSeq: 99})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !resp.GapDetected {
		t.Error("gap not flagged for a client ahead of latestSeq")
	}
}

func TestGapDetectionMidLogHole(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	var ops []op.Operation
	for i := 1; i <= 6; i++ {
		ops = append(ops, makeOp(
			fmt.Sprintf("op-%d", i), "c1", fmt.Sprintf("t%d", i),
			op.TypeCreate, fmt.Sprintf(`{"c1":%d}`, i)))
	}
	mustAccept(t, upload(t, s, "u1", "c1", ops...))

	// Punch a hole in the middle of the log: the head survives, so the
	// minimum-retained check alone cannot see it.
	if _, err := s.store.DB().ExecContext(ctx,
		`DELETE FROM operations WHERE user_id = ? AND server_seq IN (3, 4)`,
		"u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	resp, err := s.Download(ctx, DownloadRequest{UserID: "u1", SinceSeq: 2})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !resp.GapDetected {
		t.Error("gap not flagged when the first returned op jumps past the cursor")
	}
	if len(resp.Ops) == 0 || resp.Ops[0].ServerSeq != 5 {
		t.Fatalf("ops start at %d, want 5", resp.Ops[0].ServerSeq)
	}

	// With a client exclusion the missing rows may be the caller's own,
	// so the jump alone is not a gap.
	resp, err = s.Download(ctx, DownloadRequest{UserID: "u1", SinceSeq: 2, ExcludeClient: "c2"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if resp.GapDetected {
		t.Error("gap flagged despite client exclusion")
	}
}

func TestGapDetectionUnknownUser(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	// Nothing was ever synced for this user; a nonzero cursor means the
	// client is ahead of the server.
	resp, err := s.Download(ctx, DownloadRequest{UserID: "ghost", SinceSeq: 10})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !resp.GapDetected {
		t.Error("gap not flagged for a cursor against an empty server")
	}

	resp, err = s.Download(ctx, DownloadRequest{UserID: "ghost"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if resp.GapDetected {
		t.Error("gap flagged for a fresh client against an empty server")
	}
}

func TestRetentionDeletesOnlySnapshottedHistory(t *testing.T) {
	s := newTestService(t, Config{RetentionAge: 30 * 24 * time.Hour})
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	// Old operations for two users.
	setNow(s, base.AddDate(0, 0, -40))
	for _, user := range []string{"snapped", "unsnapped"} {
		mustAccept(t, upload(t, s, user, "c1",
			makeOp("op-1", "c1", "t1", op.TypeCreate, `{"c1":1}`),
			makeOp("op-2", "c1", "t2", op.TypeCreate, `{"c1":2}`),
		))
	}

	// Only one of them has a fresh durable snapshot.
	setNow(s, base)
	if _, err := s.Snapshot(ctx, "snapped"); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	report := s.RunRetention(ctx)
	if report.TotalDeleted != 2 {
		t.Errorf("totalDeleted = %d, want 2", report.TotalDeleted)
	}
	if len(report.AffectedUserIDs) != 1 || report.AffectedUserIDs[0] != "snapped" {
		t.Errorf("affected = %v, want [snapped]", report.AffectedUserIDs)
	}

	stats, err := store.StatsForUser(ctx, s.store.DB(), "unsnapped")
	if err != nil || stats.Count != 2 {
		t.Errorf("unsnapshotted history touched: count=%d err=%v", stats.Count, err)
	}
	stats, err = store.StatsForUser(ctx, s.store.DB(), "snapped")
	if err != nil || stats.Count != 0 {
		t.Errorf("snapshotted history kept: count=%d err=%v", stats.Count, err)
	}

	// Usage was recomputed for the compacted user.
	st, err := store.GetSyncState(ctx, s.store.DB(), "snapped")
	if err != nil || st.StorageUsedBytes != 0 {
		t.Errorf("storage used = %d after full compaction", st.StorageUsedBytes)
	}
}

func TestRetentionPrunesStaleDevices(t *testing.T) {
	s := newTestService(t, Config{DeviceStaleAge: 90 * 24 * time.Hour})
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	setNow(s, base.AddDate(0, 0, -120))
	mustAccept(t, upload(t, s, "u1", "old-phone", makeOp("op-1", "old-phone", "t1", op.TypeCreate, `{"old-phone":1}`)))
	setNow(s, base)
	mustAccept(t, upload(t, s, "u1", "laptop", makeOp("op-2", "laptop", "t2", op.TypeCreate, `{"laptop":1}`)))

	report := s.RunRetention(ctx)
	if report.StaleDevices != 1 {
		t.Errorf("staleDevices = %d, want 1", report.StaleDevices)
	}
	devices, err := s.Devices(ctx, "u1")
	if err != nil || len(devices) != 1 || devices[0].ClientID != "laptop" {
		t.Errorf("devices = %+v, %v", devices, err)
	}
}

func TestFreeStorageKeepsLastRestorePoint(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	// History with three restore points.
	for i := 1; i <= 3; i++ {
		mustAccept(t, upload(t, s, "u1", "c1",
			makeOp(fmt.Sprintf("op-%d", i), "c1", fmt.Sprintf("t%d", i), op.TypeCreate, fmt.Sprintf(`{"c1":%d}`, i))))
		imp := makeOp(fmt.Sprintf("imp-%d", i), "c1", "", op.TypeSyncImport, fmt.Sprintf(`{"c1":%d}`, i+10))
		imp.EntityType = "state"
		imp.Payload = json.RawMessage(`{"task":{}}`)
		mustAccept(t, upload(t, s, "u1", "c1", imp))
	}

	// Impossible target: everything compactable must go, but the
	// newest restore point survives.
	used, err := s.FreeStorageForUpload(ctx, "u1", 0)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	if used == 0 {
		t.Error("usage zero; the last restore point should remain")
	}
	points, err := s.RestorePoints(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("RestorePoints: %v", err)
	}
	if len(points) != 1 || points[0].ServerSeq != 6 {
		t.Fatalf("points = %+v, want only the newest at seq 6", points)
	}
	minSeq, err := store.MinSeqAfter(ctx, s.store.DB(), "u1", 0, "")
	if err != nil || minSeq != 6 {
		t.Errorf("min retained seq = %d, want 6", minSeq)
	}
}

func TestQuotaRejectsOversizedUpload(t *testing.T) {
	s := newTestService(t, Config{QuotaBytes: 64})
	ctx := context.Background()

	o := makeOp("op-1", "c1", "t1", op.TypeCreate, `{"c1":1}`)
	o.Payload = json.RawMessage(`{"text":"` + fmt.Sprintf("%0100d", 0) + `"}`)
	_, err := s.Upload(ctx, UploadRequest{
		UserID: "u1", ClientID: "c1", Ops: []op.Operation{o}, LastKnownServerSeq: -1,
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestQuotaTrackedAcrossUploads(t *testing.T) {
	s := newTestService(t, Config{QuotaBytes: 100})
	ctx := context.Background()

	pad := json.RawMessage(`{"pad":"` + fmt.Sprintf("%030d", 0) + `"}`) // 40 bytes

	for i := 1; i <= 2; i++ {
		o := makeOp(fmt.Sprintf("op-%d", i), "c1", fmt.Sprintf("t%d", i),
			op.TypeCreate, fmt.Sprintf(`{"c1":%d}`, i))
		o.Payload = pad
		mustAccept(t, upload(t, s, "u1", "c1", o))
	}

	st, err := store.GetSyncState(ctx, s.store.DB(), "u1")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if st.StorageUsedBytes != 80 {
		t.Fatalf("storage used = %d, want 80", st.StorageUsedBytes)
	}

	// The third upload pushes past quota with no restore point to free.
	o := makeOp("op-3", "c1", "t3", op.TypeCreate, `{"c1":3}`)
	o.Payload = pad
	_, err = s.Upload(ctx, UploadRequest{
		UserID: "u1", ClientID: "c1", Ops: []op.Operation{o}, LastKnownServerSeq: -1,
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestQuotaFreesSupersededHistory(t *testing.T) {
	s := newTestService(t, Config{QuotaBytes: 200})
	ctx := context.Background()

	pad := func(tag string) json.RawMessage {
		return json.RawMessage(fmt.Sprintf(`{"tag":%q,"pad":"%060d"}`, tag, 0))
	}
	// Two restore points fill most of the quota.
	for i := 1; i <= 2; i++ {
		imp := makeOp(fmt.Sprintf("imp-%d", i), "c1", "", op.TypeSyncImport, fmt.Sprintf(`{"c1":%d}`, i))
		imp.EntityType = "state"
		imp.Payload = pad(fmt.Sprintf("import-%d", i))
		mustAccept(t, upload(t, s, "u1", "c1", imp))
	}
	if _, err := s.RecomputeUsage(ctx, "u1"); err != nil {
		t.Fatalf("RecomputeUsage: %v", err)
	}

	// The next upload does not fit until the older restore point goes.
	o := makeOp("op-big", "c1", "t1", op.TypeCreate, `{"c1":9}`)
	o.Payload = pad("after")
	resp, err := s.Upload(ctx, UploadRequest{
		UserID: "u1", ClientID: "c1", Ops: []op.Operation{o}, LastKnownServerSeq: -1,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	mustAccept(t, resp)

	points, err := s.RestorePoints(ctx, "u1", 10)
	if err != nil || len(points) != 1 {
		t.Fatalf("points = %+v, %v, want only the newest", points, err)
	}
}
