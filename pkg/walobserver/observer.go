package walobserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tembocs/entidb-sync-sub000/pkg/oplog"
)

var (
	ErrWalNotFound    = errors.New("walobserver: wal not found")
	ErrAlreadyRunning = errors.New("walobserver: already running")
	ErrNotRunning     = errors.New("walobserver: not running")
)

// Options configures an Observer.
type Options struct {
	DBID     string
	DeviceID string
	Source   Source
	State    *FileStatePersister

	// PollInterval is the base tick; default 100ms (spec §4.2).
	PollInterval time.Duration
	// MaxPollInterval caps the idle back-off; 0 disables back-off.
	MaxPollInterval time.Duration
	// BufferCap bounds the in-memory emission buffer; default 1000.
	BufferCap int

	Logger *slog.Logger
	Now    func() time.Time
}

// Observer tails a Source and emits a bounded, monotonically identified
// stream of logical operations (C2).
type Observer struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	running   bool
	lastLSN   uint64
	lastOpID  uint64
	versions  map[string]uint64 // "collection/entity_id" -> last assigned version
	buf       []oplog.Operation // ring buffer, ascending op_id
	malformed uint64

	subs   []chan oplog.Operation
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an Observer. Call Start to begin polling.
func New(opts Options) *Observer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.BufferCap <= 0 {
		opts.BufferCap = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Observer{
		opts:     opts,
		log:      opts.Logger,
		versions: make(map[string]uint64),
	}
}

// Start opens the WAL source, loads persisted state, and begins polling.
func (o *Observer) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	if o.opts.Source == nil {
		o.mu.Unlock()
		return ErrWalNotFound
	}
	st := o.opts.State.Load()
	o.lastLSN = st.LastLSN
	o.lastOpID = st.LastOpID
	o.running = true
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()

	go o.pollLoop(runCtx)
	return nil
}

// Stop flushes observer state and stops polling. Idempotent.
func (o *Observer) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	cancel := o.cancel
	done := o.done
	o.mu.Unlock()

	cancel()
	<-done

	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	return o.persistState()
}

func (o *Observer) persistState() error {
	o.mu.Lock()
	st := State{LastLSN: o.lastLSN, LastOpID: o.lastOpID, LastProcessedAt: o.opts.Now()}
	o.mu.Unlock()
	return o.opts.State.Save(st)
}

// Subscribe returns a bounded channel of emitted operations. The channel is
// closed when the Observer stops.
func (o *Observer) Subscribe() <-chan oplog.Operation {
	ch := make(chan oplog.Operation, o.opts.BufferCap)
	o.mu.Lock()
	o.subs = append(o.subs, ch)
	o.mu.Unlock()
	return ch
}

// Acknowledge purges buffered operations with op_id <= ack and persists the
// new watermark.
func (o *Observer) Acknowledge(opID uint64) error {
	o.mu.Lock()
	idx := 0
	for idx < len(o.buf) && o.buf[idx].OpID <= opID {
		idx++
	}
	o.buf = o.buf[idx:]
	o.mu.Unlock()
	return o.persistState()
}

// OperationsSince synchronously queries the in-memory buffer for ops with
// op_id > since, up to limit.
func (o *Observer) OperationsSince(since uint64, limit int) []oplog.Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []oplog.Operation
	for _, op := range o.buf {
		if op.OpID > since {
			out = append(out, op)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// MalformedCount returns the number of malformed records skipped so far.
func (o *Observer) MalformedCount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.malformed
}

func (o *Observer) pollLoop(ctx context.Context) {
	defer close(o.done)
	interval := o.opts.PollInterval
	idle := interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(idle):
		}

		emitted, err := o.tick(ctx)
		if err != nil {
			// Transient WAL-read errors are swallowed and retried next tick.
			o.log.Warn("walobserver: tick failed, retrying", slog.Any("error", err))
			continue
		}
		if emitted > 0 {
			idle = interval
		} else if o.opts.MaxPollInterval > 0 {
			idle *= 2
			if idle > o.opts.MaxPollInterval {
				idle = o.opts.MaxPollInterval
			}
		}
	}
}

// tick runs one observation cycle: transaction-outcome pass, then emission
// pass (spec §4.2 algorithm).
func (o *Observer) tick(ctx context.Context) (int, error) {
	o.mu.Lock()
	from := o.lastLSN
	o.mu.Unlock()

	end, err := o.opts.Source.EndLSN(ctx)
	if err != nil {
		return 0, fmt.Errorf("walobserver: end lsn: %w", err)
	}
	if end <= from {
		return 0, nil
	}

	records, err := o.opts.Source.ReadRange(ctx, from, end)
	if err != nil {
		return 0, fmt.Errorf("walobserver: read range: %w", err)
	}

	committed := make(map[uint64]bool)
	aborted := make(map[uint64]bool)
	for _, r := range records {
		switch r.Kind {
		case KindCommit:
			committed[r.TxnID] = true
		case KindAbort:
			aborted[r.TxnID] = true
		}
	}

	emitted := 0
	o.mu.Lock()
	for _, r := range records {
		if r.LSN <= o.lastLSN {
			continue
		}
		if aborted[r.TxnID] || !committed[r.TxnID] {
			o.lastLSN = r.LSN
			continue
		}
		if r.Kind != KindInsert && r.Kind != KindUpdate && r.Kind != KindDelete {
			o.lastLSN = r.LSN
			continue
		}
		if oplog.IsInternal(r.Collection) {
			o.lastLSN = r.LSN
			continue
		}
		if r.EntityID == "" || r.Collection == "" {
			o.malformed++
			o.lastLSN = r.LSN
			continue
		}

		nextOpID := o.lastOpID + 1
		version := o.nextVersionLocked(r.Collection, r.EntityID)
		op, ok := opFromRecord(r, o.opts.DBID, o.opts.DeviceID, nextOpID, version, o.opts.Now().UnixMilli())
		if !ok {
			o.lastLSN = r.LSN
			continue
		}

		o.lastOpID = nextOpID
		o.lastLSN = r.LSN
		o.appendLocked(op)
		emitted++
	}
	subs := append([]chan oplog.Operation{}, o.subs...)
	start := len(o.buf) - emitted
	if start < 0 {
		start = 0
	}
	buffered := append([]oplog.Operation{}, o.buf[start:]...)
	o.mu.Unlock()

	for _, op := range buffered {
		for _, ch := range subs {
			select {
			case ch <- op:
			default:
				// Slow consumer: it will catch up via OperationsSince.
			}
		}
	}

	if emitted > 0 {
		if err := o.persistState(); err != nil {
			o.log.Warn("walobserver: persist state failed", slog.Any("error", err))
		}
	}
	return emitted, nil
}

func (o *Observer) nextVersionLocked(collection, entityID string) uint64 {
	key := collection + "/" + entityID
	v, ok := o.versions[key]
	if !ok {
		v = uint64(o.opts.Now().UnixMilli())
	} else {
		v++
	}
	o.versions[key] = v
	return v
}

// appendLocked appends op to the bounded buffer, dropping the oldest entry
// on overflow. Caller must hold o.mu.
func (o *Observer) appendLocked(op oplog.Operation) {
	o.buf = append(o.buf, op)
	if len(o.buf) > o.opts.BufferCap {
		o.buf = o.buf[len(o.buf)-o.opts.BufferCap:]
	}
}
