package oplogstore

import (
	"context"
	"testing"

	"github.com/Tembocs/entidb-sync-sub000/pkg/oplog"
)

func mustOpen(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func upsert(opID uint64, entityID string, version uint64) oplog.Operation {
	return oplog.Operation{
		OpID: opID, DBID: "db1", DeviceID: "devA",
		Collection: "users", EntityID: entityID, OpType: oplog.OpUpsert,
		EntityVersion: version, EntityCBOR: []byte("payload"), TimestampMs: 1000,
	}
}

func TestHandshake_RegistersDeviceAndReturnsCursor(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()

	cursor, err := s.Handshake(ctx, "db1", "devA")
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if cursor != 0 {
		t.Fatalf("expected cursor 0 for fresh db, got %d", cursor)
	}

	if _, err := s.Push(ctx, "db1", "devA", []oplog.Operation{upsert(1, "u1", 100)}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	cursor, err = s.Handshake(ctx, "db1", "devA")
	if err != nil {
		t.Fatalf("Handshake 2: %v", err)
	}
	if cursor != 1 {
		t.Fatalf("expected cursor 1 after one accepted push, got %d", cursor)
	}
}

func TestPush_AcceptsNewEntity(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()

	res, err := s.Push(ctx, "db1", "devA", []oplog.Operation{upsert(1, "u1", 100)})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %+v", res.Conflicts)
	}
	if len(res.Accepted) != 1 || res.Accepted[0].ServerCursor != 1 {
		t.Fatalf("unexpected accepted: %+v", res.Accepted)
	}
	if res.AcknowledgedUpToOpID != 1 {
		t.Fatalf("expected ack 1, got %d", res.AcknowledgedUpToOpID)
	}
}

func TestPush_IdempotentOnReplay(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()

	if _, err := s.Push(ctx, "db1", "devA", []oplog.Operation{upsert(1, "u1", 100)}); err != nil {
		t.Fatalf("first push: %v", err)
	}
	res, err := s.Push(ctx, "db1", "devA", []oplog.Operation{upsert(1, "u1", 100)})
	if err != nil {
		t.Fatalf("replay push: %v", err)
	}
	if len(res.Accepted) != 0 {
		t.Fatalf("expected no newly accepted ops on replay, got %+v", res.Accepted)
	}
	if res.AcknowledgedUpToOpID != 1 {
		t.Fatalf("expected ack 1 on replay, got %d", res.AcknowledgedUpToOpID)
	}

	ops, _, _, err := s.Pull(ctx, "db1", 0, 100, nil)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected exactly one server op despite replay, got %d", len(ops))
	}
}

func TestPush_StaleVersionConflicts(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()

	if _, err := s.Push(ctx, "db1", "devA", []oplog.Operation{upsert(1, "u1", 5)}); err != nil {
		t.Fatalf("first push: %v", err)
	}
	res, err := s.Push(ctx, "db1", "devB", []oplog.Operation{upsert(1, "u1", 5)})
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", res.Conflicts)
	}
	if res.Conflicts[0].ServerState.EntityVersion != 5 {
		t.Fatalf("unexpected conflict server state: %+v", res.Conflicts[0].ServerState)
	}
	if len(res.Accepted) != 0 {
		t.Fatalf("expected no accepted ops, got %+v", res.Accepted)
	}
}

func TestPull_RespectsSinceAndLimit(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		if _, err := s.Push(ctx, "db1", "devA", []oplog.Operation{upsert(i, "u1", i*10)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	ops, next, hasMore, err := s.Pull(ctx, "db1", 0, 2, nil)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(ops) != 2 || !hasMore {
		t.Fatalf("expected 2 ops with more pending, got %d ops hasMore=%v", len(ops), hasMore)
	}
	if next != ops[len(ops)-1].ServerCursor {
		t.Fatalf("next cursor mismatch: %d vs %d", next, ops[len(ops)-1].ServerCursor)
	}

	rest, _, hasMore2, err := s.Pull(ctx, "db1", next, 10, nil)
	if err != nil {
		t.Fatalf("Pull rest: %v", err)
	}
	if len(rest) != 3 || hasMore2 {
		t.Fatalf("expected remaining 3 ops with no more pending, got %d hasMore=%v", len(rest), hasMore2)
	}
}

func TestPull_FiltersByCollection(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()

	op1 := upsert(1, "u1", 1)
	op2 := upsert(2, "p1", 1)
	op2.Collection = "posts"

	if _, err := s.Push(ctx, "db1", "devA", []oplog.Operation{op1, op2}); err != nil {
		t.Fatalf("push: %v", err)
	}

	ops, _, _, err := s.Pull(ctx, "db1", 0, 100, []string{"posts"})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(ops) != 1 || ops[0].Collection != "posts" {
		t.Fatalf("unexpected filtered pull result: %+v", ops)
	}
}

func TestPush_DeleteClearsEntityCBOR(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()

	if _, err := s.Push(ctx, "db1", "devA", []oplog.Operation{upsert(1, "u1", 1)}); err != nil {
		t.Fatalf("upsert push: %v", err)
	}
	del := oplog.Operation{
		OpID: 2, DBID: "db1", DeviceID: "devA",
		Collection: "users", EntityID: "u1", OpType: oplog.OpDelete,
		EntityVersion: 2, TimestampMs: 2000,
	}
	if _, err := s.Push(ctx, "db1", "devA", []oplog.Operation{del}); err != nil {
		t.Fatalf("delete push: %v", err)
	}

	ops, _, _, err := s.Pull(ctx, "db1", 1, 100, nil)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(ops) != 1 || ops[0].OpType != oplog.OpDelete || ops[0].EntityCBOR != nil {
		t.Fatalf("unexpected delete op on pull: %+v", ops[0])
	}
}
