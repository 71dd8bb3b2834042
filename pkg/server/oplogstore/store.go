// Package oplogstore implements the Server Oplog & Store (C6): the
// authoritative entities/server_ops/devices/meta collections, backed by a
// pure-Go SQLite driver, plus the push acceptance algorithm and its single
// exclusive lock (spec §5 — no lock is ever held across a network
// boundary; the lock's critical section is exactly the push transaction).
package oplogstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Tembocs/entidb-sync-sub000/pkg/oplog"
	"github.com/Tembocs/entidb-sync-sub000/pkg/server/conflict"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	db_id TEXT NOT NULL,
	collection TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	entity_version INTEGER NOT NULL,
	entity_cbor BLOB,
	deleted INTEGER NOT NULL DEFAULT 0,
	updated_by_device TEXT NOT NULL,
	PRIMARY KEY (db_id, collection, entity_id)
);

CREATE TABLE IF NOT EXISTS server_ops (
	db_id TEXT NOT NULL,
	server_cursor INTEGER NOT NULL,
	collection TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	op_type TEXT NOT NULL,
	entity_cbor BLOB,
	source_device_id TEXT NOT NULL,
	source_op_id INTEGER NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	PRIMARY KEY (db_id, server_cursor)
);
CREATE UNIQUE INDEX IF NOT EXISTS server_ops_idem
	ON server_ops (db_id, source_device_id, source_op_id);

CREATE TABLE IF NOT EXISTS devices (
	db_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	registered_at INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL,
	cursor INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (db_id, device_id)
);

CREATE TABLE IF NOT EXISTS meta (
	db_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value INTEGER NOT NULL,
	PRIMARY KEY (db_id, key)
);
`

// Store is the authoritative server-side store. All pushes are serialized
// through mu; reads may proceed concurrently (sql.DB pools its own
// connections for SELECTs).
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open applies the schema against dsn (a modernc.org/sqlite data source,
// e.g. "file:server.db?_pragma=busy_timeout(5000)" or ":memory:").
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("oplogstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // pure-Go sqlite driver: single writer, avoids SQLITE_BUSY under our own lock anyway
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("oplogstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) globalOpID(ctx context.Context, tx *sql.Tx, dbID string) (uint64, error) {
	var v uint64
	err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE db_id = ? AND key = 'global_op_id'`, dbID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Handshake registers the device if absent and returns the current
// global_op_id (spec §4.6).
func (s *Store) Handshake(ctx context.Context, dbID, deviceID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("oplogstore: handshake begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (db_id, device_id, registered_at, last_seen_at, cursor)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(db_id, device_id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`, dbID, deviceID, now, now)
	if err != nil {
		return 0, fmt.Errorf("oplogstore: handshake upsert device: %w", err)
	}

	cursor, err := s.globalOpID(ctx, tx, dbID)
	if err != nil {
		return 0, fmt.Errorf("oplogstore: handshake read cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("oplogstore: handshake commit: %w", err)
	}
	return cursor, nil
}

// Pull returns the ordered prefix of server_ops with server_cursor > since,
// optionally filtered by collection, capped at limit (spec §4.6).
func (s *Store) Pull(ctx context.Context, dbID string, since uint64, limit int, collections []string) ([]oplog.ServerOp, uint64, bool, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT server_cursor, collection, entity_id, op_type, entity_cbor, source_device_id, source_op_id, timestamp_ms
		FROM server_ops WHERE db_id = ? AND server_cursor > ?`
	args := []any{dbID, since}
	if len(collections) > 0 {
		query += " AND collection IN (" + placeholders(len(collections)) + ")"
		for _, c := range collections {
			args = append(args, c)
		}
	}
	query += " ORDER BY server_cursor ASC LIMIT ?"
	args = append(args, limit+1) // fetch one extra to compute has_more

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, since, false, fmt.Errorf("oplogstore: pull: %w", err)
	}
	defer rows.Close()

	var out []oplog.ServerOp
	for rows.Next() {
		var sop oplog.ServerOp
		var opType string
		var cborBlob []byte
		if err := rows.Scan(&sop.ServerCursor, &sop.Collection, &sop.EntityID, &opType, &cborBlob, &sop.SourceDeviceID, &sop.SourceOpID, &sop.TimestampMs); err != nil {
			return nil, since, false, fmt.Errorf("oplogstore: pull scan: %w", err)
		}
		sop.DBID = dbID
		sop.DeviceID = sop.SourceDeviceID
		sop.OpID = sop.SourceOpID
		sop.OpType = oplog.OpType(opType)
		if sop.OpType == oplog.OpUpsert {
			sop.EntityCBOR = cborBlob
		}
		out = append(out, sop)
	}
	if err := rows.Err(); err != nil {
		return nil, since, false, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	next := since
	if len(out) > 0 {
		next = out[len(out)-1].ServerCursor
	}
	return out, next, hasMore, nil
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

// PushResult is the outcome of Push.
type PushResult struct {
	AcknowledgedUpToOpID uint64
	Conflicts            []conflict.Conflict
	Accepted             []oplog.ServerOp
}

// Push applies a batch of client operations from a single device, in
// order, under the exclusive store lock (spec §4.6, §5).
func (s *Store) Push(ctx context.Context, dbID, deviceID string, ops []oplog.Operation) (PushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result PushResult

	for _, op := range ops {
		if err := oplog.Validate(op); err != nil {
			return result, fmt.Errorf("oplogstore: push: %w", err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return result, fmt.Errorf("oplogstore: push begin: %w", err)
		}

		var existingCursor uint64
		err = tx.QueryRowContext(ctx, `SELECT server_cursor FROM server_ops WHERE db_id = ? AND source_device_id = ? AND source_op_id = ?`,
			dbID, deviceID, op.OpID).Scan(&existingCursor)
		if err == nil {
			// Idempotency probe hit: already accepted.
			result.AcknowledgedUpToOpID = op.OpID
			_ = tx.Rollback()
			continue
		}
		if err != sql.ErrNoRows {
			_ = tx.Rollback()
			return result, fmt.Errorf("oplogstore: push idempotency probe: %w", err)
		}

		srv, hadPrior, err := s.latestEntityTx(ctx, tx, dbID, op.Collection, op.EntityID)
		if err != nil {
			_ = tx.Rollback()
			return result, fmt.Errorf("oplogstore: push lookup entity: %w", err)
		}
		lookup := func(string, string) (conflict.ServerState, bool) { return srv, hadPrior }
		if c, accepted := conflict.Check(op, lookup); !accepted {
			result.Conflicts = append(result.Conflicts, *c)
			_ = tx.Rollback()
			continue
		}

		global, err := s.globalOpID(ctx, tx, dbID)
		if err != nil {
			_ = tx.Rollback()
			return result, fmt.Errorf("oplogstore: push read global cursor: %w", err)
		}
		cursor := global + 1

		_, err = tx.ExecContext(ctx, `
			INSERT INTO server_ops (db_id, server_cursor, collection, entity_id, op_type, entity_cbor, source_device_id, source_op_id, timestamp_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, dbID, cursor, op.Collection, op.EntityID, string(op.OpType), op.EntityCBOR, deviceID, op.OpID, op.TimestampMs)
		if err != nil {
			_ = tx.Rollback()
			return result, fmt.Errorf("oplogstore: push insert server_op: %w", err)
		}

		deleted := 0
		if op.OpType == oplog.OpDelete {
			deleted = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entities (db_id, collection, entity_id, entity_version, entity_cbor, deleted, updated_by_device)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(db_id, collection, entity_id) DO UPDATE SET
				entity_version = excluded.entity_version,
				entity_cbor = excluded.entity_cbor,
				deleted = excluded.deleted,
				updated_by_device = excluded.updated_by_device
		`, dbID, op.Collection, op.EntityID, op.EntityVersion, op.EntityCBOR, deleted, deviceID)
		if err != nil {
			_ = tx.Rollback()
			return result, fmt.Errorf("oplogstore: push upsert entity: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO meta (db_id, key, value) VALUES (?, 'global_op_id', ?)
			ON CONFLICT(db_id, key) DO UPDATE SET value = excluded.value
		`, dbID, cursor)
		if err != nil {
			_ = tx.Rollback()
			return result, fmt.Errorf("oplogstore: push bump global cursor: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return result, fmt.Errorf("oplogstore: push commit: %w", err)
		}

		result.AcknowledgedUpToOpID = op.OpID
		result.Accepted = append(result.Accepted, oplog.ServerOp{
			Operation:      op,
			ServerCursor:   cursor,
			SourceDeviceID: deviceID,
			SourceOpID:     op.OpID,
		})
	}

	return result, nil
}

func (s *Store) latestEntityTx(ctx context.Context, tx *sql.Tx, dbID, collection, entityID string) (conflict.ServerState, bool, error) {
	var st conflict.ServerState
	var lastModified sql.NullInt64
	row := tx.QueryRowContext(ctx, `
		SELECT e.entity_version, e.entity_cbor, so.timestamp_ms
		FROM entities e
		LEFT JOIN server_ops so ON so.db_id = e.db_id AND so.collection = e.collection AND so.entity_id = e.entity_id
		WHERE e.db_id = ? AND e.collection = ? AND e.entity_id = ?
		ORDER BY so.server_cursor DESC LIMIT 1
	`, dbID, collection, entityID)
	if err := row.Scan(&st.EntityVersion, &st.EntityCBOR, &lastModified); err != nil {
		if err == sql.ErrNoRows {
			return conflict.ServerState{}, false, nil
		}
		return conflict.ServerState{}, false, err
	}
	st.LastModified = lastModified.Int64
	return st, true, nil
}
