// Package syncclient implements the Client Sync State Machine (C4): it
// walks Idle -> Connecting -> Pulling -> Pushing -> Synced -> Idle once per
// Sync call, pulling server ops into ApplyRemote and draining the offline
// queue through the transport client.
package syncclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/Tembocs/entidb-sync-sub000/pkg/offlinequeue"
	"github.com/Tembocs/entidb-sync-sub000/pkg/oplog"
	"github.com/Tembocs/entidb-sync-sub000/pkg/transport"
)

// Resolver decides how a rejected push conflict is resolved. Returning nil
// accepts the server's version (applied locally via ApplyRemote, local op
// discarded); returning a non-nil Operation replaces the rejected one and
// is re-pushed immediately, within the same sync cycle, as a single-op
// Push.
type Resolver func(ctx context.Context, c transport.ConflictInfo) *oplog.Operation

// ServerWins always accepts the server's version.
func ServerWins(context.Context, transport.ConflictInfo) *oplog.Operation { return nil }

// ClientWins re-pushes the local op with its version bumped past the
// server's, so the retry is accepted.
func ClientWins(_ context.Context, c transport.ConflictInfo) *oplog.Operation {
	replacement := c.ClientOp
	replacement.EntityVersion = c.ServerVersion + 1
	return &replacement
}

// LastWriteWins re-pushes the local op if it is newer than the server's
// last write, and accepts the server's version otherwise.
func LastWriteWins(ctx context.Context, c transport.ConflictInfo) *oplog.Operation {
	if c.ClientOp.TimestampMs > c.ServerLastModifiedMs {
		return ClientWins(ctx, c)
	}
	return ServerWins(ctx, c)
}

// Composite tries each resolver in order and re-pushes the first non-nil
// replacement produced; if none produce one, it falls back to ServerWins.
func Composite(resolvers ...Resolver) Resolver {
	return func(ctx context.Context, c transport.ConflictInfo) *oplog.Operation {
		for _, r := range resolvers {
			if op := r(ctx, c); op != nil {
				return op
			}
		}
		return nil
	}
}

// ApplyRemoteFunc applies a server-accepted operation to local storage.
type ApplyRemoteFunc func(ctx context.Context, op oplog.ServerOp) error

// Options configures an Engine.
type Options struct {
	DBID        string
	DeviceID    string
	Transport   transport.Client
	Queue       *offlinequeue.Queue
	ApplyRemote ApplyRemoteFunc
	OnConflict  Resolver // defaults to ServerWins
	PullLimit   int      // defaults to 200
	PushBatch   int      // defaults to 50
	Collections []string // nil = all
}

// Engine runs the client-side sync state machine. One Engine serves one
// (db_id, device_id) pair; it is not safe for concurrent Sync calls.
type Engine struct {
	opts Options

	mu          sync.Mutex
	state       State
	pullCursor  uint64
	lastErr     error
}

// New constructs an Engine in the Idle state.
func New(opts Options) *Engine {
	if opts.PullLimit <= 0 {
		opts.PullLimit = 200
	}
	if opts.PushBatch <= 0 {
		opts.PushBatch = 50
	}
	if opts.OnConflict == nil {
		opts.OnConflict = ServerWins
	}
	return &Engine{opts: opts, state: Idle}
}

// State returns the engine's current step.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cursor returns the highest server_cursor applied so far.
func (e *Engine) Cursor() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pullCursor
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Sync runs one full Idle->Connecting->Pulling->Pushing->Synced->Idle
// cycle. An error leaves the engine in the Error state, cleared by the
// next Sync call (spec Open Question: transient, not sticky).
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	e.lastErr = nil
	e.mu.Unlock()

	if err := e.connect(ctx); err != nil {
		return e.fail(err)
	}
	if err := e.pull(ctx); err != nil {
		return e.fail(err)
	}
	if err := e.push(ctx); err != nil {
		return e.fail(err)
	}

	e.setState(Synced)
	e.setState(Idle)
	return nil
}

func (e *Engine) fail(err error) error {
	e.mu.Lock()
	e.state = Error
	e.lastErr = err
	e.mu.Unlock()
	return err
}

func (e *Engine) connect(ctx context.Context) error {
	e.setState(Connecting)
	_, err := e.opts.Transport.Handshake(ctx, transport.HandshakeRequest{
		DBID: e.opts.DBID, DeviceID: e.opts.DeviceID,
	})
	if err != nil {
		return fmt.Errorf("syncclient: handshake: %w", err)
	}
	return nil
}

func (e *Engine) pull(ctx context.Context) error {
	e.setState(Pulling)
	for {
		since := e.Cursor()
		resp, err := e.opts.Transport.Pull(ctx, transport.PullRequest{
			DBID: e.opts.DBID, Since: since, Limit: e.opts.PullLimit, Collections: e.opts.Collections,
		})
		if err != nil {
			return fmt.Errorf("syncclient: pull: %w", err)
		}
		for _, op := range resp.Ops {
			if e.opts.ApplyRemote != nil {
				if err := e.opts.ApplyRemote(ctx, op); err != nil {
					return fmt.Errorf("syncclient: apply remote op %d: %w", op.ServerCursor, err)
				}
			}
			e.mu.Lock()
			if op.ServerCursor > e.pullCursor {
				e.pullCursor = op.ServerCursor
			}
			e.mu.Unlock()
		}
		if !resp.HasMore || len(resp.Ops) == 0 {
			return nil
		}
	}
}

func (e *Engine) push(ctx context.Context) error {
	e.setState(Pushing)
	if e.opts.Queue == nil {
		return nil
	}

	var lastAcked uint64
	for {
		records, err := e.opts.Queue.GetPending(lastAcked, e.opts.PushBatch)
		if err != nil {
			return fmt.Errorf("syncclient: read offline queue: %w", err)
		}
		if len(records) == 0 {
			return nil
		}

		ops := make([]oplog.Operation, len(records))
		for i, r := range records {
			ops[i] = r.Op
		}

		resp, err := e.opts.Transport.Push(ctx, transport.PushRequest{
			DBID: e.opts.DBID, DeviceID: e.opts.DeviceID, Ops: ops,
		})
		if err != nil {
			for _, op := range ops {
				_ = e.opts.Queue.MarkFailed(op.OpID, err)
			}
			return fmt.Errorf("syncclient: push: %w", err)
		}

		if resp.AcknowledgedUpToOpID > 0 {
			if err := e.opts.Queue.Acknowledge(resp.AcknowledgedUpToOpID); err != nil {
				return fmt.Errorf("syncclient: acknowledge offline queue: %w", err)
			}
		}

		for _, c := range resp.Conflicts {
			replacement := e.opts.OnConflict(ctx, c)
			if replacement == nil {
				if e.opts.ApplyRemote != nil {
					_ = e.opts.ApplyRemote(ctx, oplog.ServerOp{
						Operation: oplog.Operation{
							DBID: e.opts.DBID, Collection: c.Collection, EntityID: c.EntityID,
							EntityVersion: c.ServerVersion, EntityCBOR: c.ServerCBOR, OpType: oplog.OpUpsert,
						},
					})
				}
				_ = e.opts.Queue.Acknowledge(c.ClientOp.OpID)
				continue
			}

			retryResp, err := e.opts.Transport.Push(ctx, transport.PushRequest{
				DBID: e.opts.DBID, DeviceID: e.opts.DeviceID, Ops: []oplog.Operation{*replacement},
			})
			if err != nil {
				_ = e.opts.Queue.MarkFailed(c.ClientOp.OpID, err)
				continue
			}
			if len(retryResp.Conflicts) > 0 {
				_ = e.opts.Queue.MarkFailed(c.ClientOp.OpID, fmt.Errorf("syncclient: conflict persisted after resolver retry"))
				continue
			}
			_ = e.opts.Queue.Acknowledge(c.ClientOp.OpID)
		}

		if len(ops) > 0 {
			lastAcked = ops[len(ops)-1].OpID
		}
		if len(records) < e.opts.PushBatch {
			return nil
		}
	}
}
