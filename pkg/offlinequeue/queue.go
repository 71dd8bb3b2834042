// Package offlinequeue implements the durable, deduplicated FIFO of locally
// produced operations awaiting server acknowledgement (C3), backed by
// badger for crash-safe append/acknowledge.
package offlinequeue

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Tembocs/entidb-sync-sub000/pkg/oplog"
)

// State is the lifecycle of a queued record.
type State string

const (
	Pending  State = "pending"
	Retrying State = "retrying"
)

// Record is a single queued operation with retry bookkeeping (spec §3).
type Record struct {
	Op         oplog.Operation `json:"op"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	State      State           `json:"state"`
}

// Stats summarizes the queue contents.
type Stats struct {
	Pending      int
	Retrying     int
	TotalRetries int
}

var (
	ErrClosed = errors.New("offlinequeue: closed")
)

// Queue is the durable FIFO. The zero value is not usable; construct with Open.
type Queue struct {
	db *badger.DB
}

func keyFor(opID uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, opID)
	return k
}

// Open attaches to durable storage at dir (or opens an in-memory instance
// when dir == "").
func Open(dir string) (*Queue, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("offlinequeue: open: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close detaches from durable storage.
func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	err := q.db.Close()
	q.db = nil
	return err
}

// Enqueue durably appends op, returning false if op.OpID was already
// present (dedup). The write is synced before returning (badger's default
// SyncWrites-equivalent via txn.Commit with value log sync).
func (q *Queue) Enqueue(op oplog.Operation) (bool, error) {
	if q.db == nil {
		return false, ErrClosed
	}
	inserted := false
	err := q.db.Update(func(txn *badger.Txn) error {
		key := keyFor(op.OpID)
		if _, err := txn.Get(key); err == nil {
			return nil // already present; dedup
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		rec := Record{Op: op, State: Pending, EnqueuedAt: time.Now().UTC()}
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		inserted = true
		return txn.Set(key, b)
	})
	if err != nil {
		return false, fmt.Errorf("offlinequeue: enqueue: %w", err)
	}
	if inserted {
		if err := q.db.Sync(); err != nil {
			return false, fmt.Errorf("offlinequeue: sync: %w", err)
		}
	}
	return inserted, nil
}

// GetPending returns queued records with op_id > sinceOpID, ordered
// ascending, in state Pending or Retrying.
func (q *Queue) GetPending(sinceOpID uint64, limit int) ([]Record, error) {
	if q.db == nil {
		return nil, ErrClosed
	}
	var out []Record
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		start := keyFor(sinceOpID + 1)
		for it.Seek(start); it.Valid(); it.Next() {
			item := it.Item()
			if bytes.Compare(item.Key(), start) < 0 {
				continue
			}
			var rec Record
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			if rec.State == Pending || rec.State == Retrying {
				out = append(out, rec)
				if limit > 0 && len(out) >= limit {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("offlinequeue: get pending: %w", err)
	}
	return out, nil
}

// Acknowledge removes all entries with op_id <= upToOpID.
func (q *Queue) Acknowledge(upToOpID uint64) error {
	if q.db == nil {
		return ErrClosed
	}
	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var toDelete [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			opID := binary.BigEndian.Uint64(item.KeyCopy(nil))
			if opID > upToOpID {
				break
			}
			toDelete = append(toDelete, item.KeyCopy(nil))
		}
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("offlinequeue: acknowledge: %w", err)
	}
	return q.db.Sync()
}

// MarkFailed increments retry_count, transitions Pending->Retrying, and
// records the last error. It does not remove the record.
func (q *Queue) MarkFailed(opID uint64, cause error) error {
	if q.db == nil {
		return ErrClosed
	}
	err := q.db.Update(func(txn *badger.Txn) error {
		key := keyFor(opID)
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var rec Record
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
			return err
		}
		rec.RetryCount++
		rec.State = Retrying
		if cause != nil {
			rec.LastError = cause.Error()
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return fmt.Errorf("offlinequeue: mark failed: %w", err)
	}
	return nil
}

// Stats summarizes the current queue contents.
func (q *Queue) Stats() (Stats, error) {
	if q.db == nil {
		return Stats{}, ErrClosed
	}
	var s Stats
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			switch rec.State {
			case Pending:
				s.Pending++
			case Retrying:
				s.Retrying++
			}
			s.TotalRetries += rec.RetryCount
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("offlinequeue: stats: %w", err)
	}
	return s, nil
}
