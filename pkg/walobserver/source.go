// Package walobserver implements the WAL Observer (C2): it tails a stream
// of physical WAL records from the embedded database engine (out of scope;
// represented here by the Source interface) and emits a monotonically
// identified stream of logical oplog.Operation records.
package walobserver

import (
	"context"

	"github.com/Tembocs/entidb-sync-sub000/pkg/oplog"
)

// RecordKind is the physical WAL record type.
type RecordKind int

const (
	KindBegin RecordKind = iota
	KindInsert
	KindUpdate
	KindDelete
	KindCommit
	KindAbort
)

// Record is a single physical WAL entry, as produced by the embedded
// database engine's write-ahead log.
type Record struct {
	LSN        uint64
	TxnID      uint64
	Kind       RecordKind
	Collection string
	EntityID   string
	// After is the after-image in the database's native binary format.
	// Present for Insert/Update, absent for Delete/Begin/Commit/Abort.
	After []byte
}

// Source is the physical WAL surface the observer tails. It is the one
// out-of-scope collaborator this package depends on (spec §1).
type Source interface {
	// ReadRange returns records with LSN in (fromLSN, toLSN], ascending by LSN.
	ReadRange(ctx context.Context, fromLSN, toLSN uint64) ([]Record, error)
	// EndLSN returns the current end-of-log LSN.
	EndLSN(ctx context.Context) (uint64, error)
}

// opFromRecord converts a committed physical record into a logical
// operation, or returns ok=false for records that don't produce one
// (Begin/Commit/Abort, or internal collections).
func opFromRecord(r Record, dbID, deviceID string, opID uint64, version uint64, nowMs int64) (oplog.Operation, bool) {
	if oplog.IsInternal(r.Collection) {
		return oplog.Operation{}, false
	}
	switch r.Kind {
	case KindInsert, KindUpdate:
		return oplog.Operation{
			OpID: opID, DBID: dbID, DeviceID: deviceID,
			Collection: r.Collection, EntityID: r.EntityID,
			OpType: oplog.OpUpsert, EntityVersion: version,
			EntityCBOR: r.After, TimestampMs: nowMs,
		}, true
	case KindDelete:
		return oplog.Operation{
			OpID: opID, DBID: dbID, DeviceID: deviceID,
			Collection: r.Collection, EntityID: r.EntityID,
			OpType: oplog.OpDelete, EntityVersion: version,
			TimestampMs: nowMs,
		}, true
	default:
		return oplog.Operation{}, false
	}
}
