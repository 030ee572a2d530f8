package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/opsync/opsync/internal/op"
	"github.com/opsync/opsync/internal/store"
)

func TestSnapshotReplayLifecycle(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	crt := makeOp("op-1", "c1", "t1", op.TypeCreate, `{"c1":1}`)
	crt.Payload = json.RawMessage(`{"title":"draft","done":false}`)
	upd := makeOp("op-2", "c1", "t1", op.TypeUpdate, `{"c1":2}`)
	upd.Payload = json.RawMessage(`{"done":true}`)
	mustAccept(t, upload(t, s, "u1", "c1", crt, upd))

	snap, err := s.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	task := snap.State["task"]["t1"]
	if task == nil {
		t.Fatal("t1 missing from projection")
	}
	if task["title"] != "draft" || task["done"] != true {
		t.Errorf("t1 = %v, want shallow-merged fields", task)
	}
	if snap.ServerSeq != 2 {
		t.Errorf("serverSeq = %d, want 2", snap.ServerSeq)
	}

	del := makeOp("op-3", "c1", "t1", op.TypeDelete, `{"c1":3}`)
	del.Payload = nil
	mustAccept(t, upload(t, s, "u1", "c1", del))

	snap, err = s.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot after delete: %v", err)
	}
	if _, ok := snap.State["task"]["t1"]; ok {
		t.Error("t1 survived CRT-UPD-DEL replay")
	}
}

func TestSnapshotFullStateReplacesEverything(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	crt := makeOp("op-1", "c1", "t1", op.TypeCreate, `{"c1":1}`)
	note := makeOp("op-2", "c1", "n1", op.TypeCreate, `{"c1":2}`)
	note.EntityType = "note"
	mustAccept(t, upload(t, s, "u1", "c1", crt, note))

	imp := makeOp("op-3", "c1", "", op.TypeSyncImport, `{"c1":3}`)
	imp.EntityType = "state"
	imp.Payload = json.RawMessage(`{"project":{"p1":{"name":"only survivor"}}}`)
	mustAccept(t, upload(t, s, "u1", "c1", imp))

	snap, err := s.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// The import replaces the projection across all entity types, not
	// just the ones it mentions.
	if len(snap.State["task"]) != 0 || len(snap.State["note"]) != 0 {
		t.Errorf("pre-import state leaked through: %v", snap.State)
	}
	if snap.State["project"]["p1"]["name"] != "only survivor" {
		t.Errorf("imported state missing: %v", snap.State)
	}
}

func TestSnapshotBatchMerge(t *testing.T) {
	s := newTestService(t, Config{})
	batch := makeOp("op-1", "c1", "", op.TypeBatch, `{"c1":1}`)
	batch.EntityIDs = []string{"t1", "t2"}
	batch.Payload = json.RawMessage(`{"entities":{"t1":{"a":1},"t2":{"b":2}}}`)
	mustAccept(t, upload(t, s, "u1", "c1", batch))

	snap, err := s.Snapshot(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.State["task"]) != 2 {
		t.Fatalf("tasks = %v, want t1 and t2", snap.State["task"])
	}
}

func TestSnapshotIncrementalFromCache(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	mustAccept(t, upload(t, s, "u1", "c1", makeOp("op-1", "c1", "t1", op.TypeCreate, `{"c1":1}`)))
	if _, err := s.Snapshot(ctx, "u1"); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	st, err := store.GetSyncState(ctx, s.store.DB(), "u1")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if st.LastSnapshotSeq != 1 || len(st.Snapshot) == 0 {
		t.Fatalf("cache not persisted: seq=%d bytes=%d", st.LastSnapshotSeq, len(st.Snapshot))
	}

	// Remove the replayed prefix; only the cache can supply it now.
	if _, err := store.DeleteOpsBelow(ctx, s.store.DB(), "u1", 2); err != nil {
		t.Fatalf("DeleteOpsBelow: %v", err)
	}
	upd := makeOp("op-2", "c1", "t1", op.TypeUpdate, `{"c1":2}`)
	upd.Payload = json.RawMessage(`{"extra":"yes"}`)
	mustAccept(t, upload(t, s, "u1", "c1", upd))

	snap, err := s.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	task := snap.State["task"]["t1"]
	if task["title"] != "x" || task["extra"] != "yes" {
		t.Errorf("incremental replay lost cached state: %v", task)
	}
}

func TestSnapshotOversizedCacheDiscarded(t *testing.T) {
	s := newTestService(t, Config{SnapshotMaxBytes: 64})
	ctx := context.Background()

	big := makeOp("op-1", "c1", "t1", op.TypeCreate, `{"c1":1}`)
	big.Payload = json.RawMessage(`{"text":"a payload comfortably past a sixty-four byte compressed ceiling, even after snappy"}`)
	mustAccept(t, upload(t, s, "u1", "c1", big))

	if _, err := s.Snapshot(ctx, "u1"); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	st, err := store.GetSyncState(ctx, s.store.DB(), "u1")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if len(st.Snapshot) != 0 || st.LastSnapshotSeq != 0 {
		t.Errorf("oversized snapshot was cached: seq=%d bytes=%d", st.LastSnapshotSeq, len(st.Snapshot))
	}
}

func TestSnapshotAtSeq(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	crt := makeOp("op-1", "c1", "t1", op.TypeCreate, `{"c1":1}`)
	crt.Payload = json.RawMessage(`{"v":"first"}`)
	upd := makeOp("op-2", "c1", "t1", op.TypeUpdate, `{"c1":2}`)
	upd.Payload = json.RawMessage(`{"v":"second"}`)
	mustAccept(t, upload(t, s, "u1", "c1", crt, upd))

	snap, err := s.SnapshotAtSeq(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("SnapshotAtSeq: %v", err)
	}
	if snap.State["task"]["t1"]["v"] != "first" {
		t.Errorf("state at seq 1 = %v", snap.State)
	}

	for _, seq := range []int64{0, 3} {
		if _, err := s.SnapshotAtSeq(ctx, "u1", seq); !errors.Is(err, ErrSeqOutOfRange) {
			t.Errorf("SnapshotAtSeq(%d) = %v, want ErrSeqOutOfRange", seq, err)
		}
	}
}

func TestSnapshotEncryptedGuard(t *testing.T) {
	s := newTestService(t, Config{})
	enc := makeOp("op-1", "c1", "t1", op.TypeCreate, `{"c1":1}`)
	enc.IsPayloadEncrypted = true
	mustAccept(t, upload(t, s, "u1", "c1", enc))

	if _, err := s.Snapshot(context.Background(), "u1"); !errors.Is(err, ErrEncryptedOps) {
		t.Fatalf("Snapshot = %v, want ErrEncryptedOps", err)
	}
}

func TestRestorePoints(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	mustAccept(t, upload(t, s, "u1", "c1", makeOp("op-1", "c1", "t1", op.TypeCreate, `{"c1":1}`)))
	for i, typ := range []op.Type{op.TypeSyncImport, op.TypeBackupImport} {
		imp := makeOp(string(rune('a'+i))+"-imp", "c1", "", typ, `{}`)
		imp.EntityType = "state"
		imp.Payload = json.RawMessage(`{"task":{}}`)
		mustAccept(t, upload(t, s, "u1", "c1", imp))
	}

	points, err := s.RestorePoints(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("RestorePoints: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("points = %d, want 2", len(points))
	}
	if points[0].ServerSeq != 3 || points[1].ServerSeq != 2 {
		t.Errorf("points out of order: %+v", points)
	}
	if points[0].OpType != op.TypeBackupImport {
		t.Errorf("newest point type = %s", points[0].OpType)
	}
}

func TestImportStateCreatesRestorePoint(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	snap, result, err := s.ImportState(ctx, "u1", "c1",
		json.RawMessage(`{"task":{"t1":{"title":"imported"}}}`),
		json.RawMessage(`{"c1":1}`))
	if err != nil {
		t.Fatalf("ImportState: %v", err)
	}
	if !result.Accepted || result.ServerSeq != 1 {
		t.Fatalf("result = %+v", result)
	}
	if snap.State["task"]["t1"]["title"] != "imported" {
		t.Errorf("snapshot = %v", snap.State)
	}

	points, err := s.RestorePoints(ctx, "u1", 10)
	if err != nil || len(points) != 1 {
		t.Fatalf("RestorePoints = %v, %v", points, err)
	}
}

func TestDownloadSnapshotSkip(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	mustAccept(t, upload(t, s, "u1", "c1",
		makeOp("op-1", "c1", "t1", op.TypeCreate, `{"c1":1}`),
		makeOp("op-2", "c1", "t2", op.TypeCreate, `{"c1":2}`),
		makeOp("op-3", "c1", "t3", op.TypeCreate, `{"c1":3}`),
	))
	imp := makeOp("op-4", "c1", "", op.TypeSyncImport, `{"c1":4}`)
	imp.EntityType = "state"
	imp.Payload = json.RawMessage(`{"task":{}}`)
	mustAccept(t, upload(t, s, "u1", "c1", imp))
	mustAccept(t, upload(t, s, "u1", "c1", makeOp("op-5", "c1", "t5", op.TypeCreate, `{"c1":5}`)))

	// A fresh client skips the superseded prefix.
	resp, err := s.Download(ctx, DownloadRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(resp.Ops) != 2 || resp.Ops[0].ServerSeq != 4 {
		t.Fatalf("ops = %+v, want the restore point and op-5", resp.Ops)
	}
	if resp.LatestSnapshotSeq != 4 {
		t.Errorf("latestSnapshotSeq = %d, want 4", resp.LatestSnapshotSeq)
	}
	if resp.GapDetected {
		t.Error("fresh client flagged with a gap")
	}

	// A client already past the restore point keeps its position.
	resp, err = s.Download(ctx, DownloadRequest{UserID: "u1", SinceSeq: 4})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(resp.Ops) != 1 || resp.Ops[0].ServerSeq != 5 {
		t.Fatalf("ops = %+v, want only op-5", resp.Ops)
	}
	if resp.LatestSnapshotSeq != 0 {
		t.Errorf("latestSnapshotSeq = %d for an up-to-date client", resp.LatestSnapshotSeq)
	}
}

func TestDownloadPagination(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()
	var ops []op.Operation
	for i := 1; i <= 5; i++ {
		ops = append(ops, makeOp(
			fmt.Sprintf("op-%d", i), "c1", fmt.Sprintf("t%d", i),
			op.TypeCreate, fmt.Sprintf(`{"c1":%d}`, i)))
	}
	mustAccept(t, upload(t, s, "u1", "c1", ops...))

	resp, err := s.Download(ctx, DownloadRequest{UserID: "u1", Limit: 2})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(resp.Ops) != 2 || !resp.HasMore {
		t.Fatalf("page = %d ops, hasMore=%v", len(resp.Ops), resp.HasMore)
	}
	resp, err = s.Download(ctx, DownloadRequest{UserID: "u1", SinceSeq: 3, Limit: 2})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(resp.Ops) != 2 || resp.HasMore {
		t.Fatalf("final page = %d ops, hasMore=%v", len(resp.Ops), resp.HasMore)
	}
}

func TestDownloadExcludeClient(t *testing.T) {
	s := newTestService(t, Config{})
	mustAccept(t, upload(t, s, "u1", "A", makeOp("a1", "A", "t1", op.TypeCreate, `{"A":1}`)))
	mustAccept(t, upload(t, s, "u1", "B", makeOp("b1", "B", "t2", op.TypeCreate, `{"B":1}`)))

	resp, err := s.Download(context.Background(), DownloadRequest{UserID: "u1", ExcludeClient: "A"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(resp.Ops) != 1 || resp.Ops[0].Op.ClientID != "B" {
		t.Fatalf("ops = %+v, want only B's", resp.Ops)
	}
	if resp.GapDetected {
		t.Error("own-client exclusion reported as a gap")
	}
}

func TestSnapshotReplayCeilings(t *testing.T) {
	ctx := context.Background()

	s := newTestService(t, Config{SnapshotMaxOps: 2})
	mustAccept(t, upload(t, s, "u1", "c1",
		makeOp("op-1", "c1", "t1", op.TypeCreate, `{"c1":1}`),
		makeOp("op-2", "c1", "t2", op.TypeCreate, `{"c1":2}`),
		makeOp("op-3", "c1", "t3", op.TypeCreate, `{"c1":3}`),
	))
	if _, err := s.Snapshot(ctx, "u1"); !errors.Is(err, ErrSnapshotTooLarge) {
		t.Fatalf("Snapshot err = %v, want ErrSnapshotTooLarge", err)
	}

	s = newTestService(t, Config{SnapshotMaxEntities: 2})
	mustAccept(t, upload(t, s, "u1", "c1",
		makeOp("op-1", "c1", "t1", op.TypeCreate, `{"c1":1}`),
		makeOp("op-2", "c1", "t2", op.TypeCreate, `{"c1":2}`),
		makeOp("op-3", "c1", "t3", op.TypeCreate, `{"c1":3}`),
	))
	if _, err := s.Snapshot(ctx, "u1"); !errors.Is(err, ErrSnapshotTooLarge) {
		t.Fatalf("Snapshot err = %v, want ErrSnapshotTooLarge", err)
	}
}
