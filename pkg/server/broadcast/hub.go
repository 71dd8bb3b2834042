// Package broadcast implements the Broadcast Hub (C8): fan-out of newly
// accepted server ops to live subscribers (SSE/WebSocket connections),
// keyed per subscription with collection filters and per-device/total
// caps.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tembocs/entidb-sync-sub000/pkg/oplog"
)

// Message is a single Operations delivery to a subscriber: the ops newly
// visible to it (already filtered to its collections, in ascending
// server_cursor order) and the cursor they advance to.
type Message struct {
	DBID   string
	Ops    []oplog.ServerOp
	Cursor uint64
}

// ErrTotalLimit is returned by Subscribe when the hub's total subscription
// cap is reached; unlike the per-device cap, this is a hard refusal
// (spec §4.8's capacity_exceeded).
var ErrTotalLimit = errors.New("broadcast: total subscription limit reached")

// Subscription is a single live listener. Consumers read Messages from C
// until it is closed (by Unsubscribe, a per-device eviction, or a
// hub-initiated Sweep).
type Subscription struct {
	ID          string
	DBID        string
	DeviceID    string
	Collections map[string]bool // nil/empty = all collections
	C           <-chan Message

	ch         chan Message
	lastActive time.Time
}

func (s *Subscription) matches(collection string) bool {
	if len(s.Collections) == 0 {
		return true
	}
	return s.Collections[collection]
}

// Hub tracks live subscriptions and fans ops out to matching ones.
type Hub struct {
	mu sync.Mutex
	subs map[string]*Subscription
	// perDeviceOrder holds each device's live subscription ids, oldest
	// first, so Subscribe can evict the oldest when maxPerDevice is hit.
	perDeviceOrder map[string][]string
	maxPerDevice   int
	maxTotal       int
	now            func() time.Time
}

// NewHub constructs a Hub. A zero limit means unlimited.
func NewHub(maxPerDevice, maxTotal int) *Hub {
	return &Hub{
		subs:           make(map[string]*Subscription),
		perDeviceOrder: make(map[string][]string),
		maxPerDevice:   maxPerDevice,
		maxTotal:       maxTotal,
		now:            time.Now,
	}
}

// Subscribe registers a new listener for dbID, optionally filtered to
// collections (empty/nil means all collections). Buffered channel capacity
// is fixed at 32; a slow consumer drops messages rather than blocking the
// hub. If deviceID already holds maxPerDevice subscriptions, its oldest
// one is closed to make room (spec §4.8: "replaced by new"); only the
// total cap refuses outright.
func (h *Hub) Subscribe(dbID, deviceID string, collections []string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxTotal > 0 && len(h.subs) >= h.maxTotal {
		return nil, ErrTotalLimit
	}
	if h.maxPerDevice > 0 && len(h.perDeviceOrder[deviceID]) >= h.maxPerDevice {
		oldest := h.perDeviceOrder[deviceID][0]
		h.unsubscribeLocked(oldest)
	}

	var colSet map[string]bool
	if len(collections) > 0 {
		colSet = make(map[string]bool, len(collections))
		for _, c := range collections {
			colSet[c] = true
		}
	}

	ch := make(chan Message, 32)
	sub := &Subscription{
		ID:          uuid.NewString(),
		DBID:        dbID,
		DeviceID:    deviceID,
		Collections: colSet,
		C:           ch,
		ch:          ch,
		lastActive:  h.now(),
	}
	h.subs[sub.ID] = sub
	h.perDeviceOrder[deviceID] = append(h.perDeviceOrder[deviceID], sub.ID)
	return sub, nil
}

// Unsubscribe removes and closes a subscription. Idempotent.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(id)
}

func (h *Hub) unsubscribeLocked(id string) {
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	order := h.perDeviceOrder[sub.DeviceID]
	for i, sid := range order {
		if sid == id {
			order = append(order[:i], order[i+1:]...)
			break
		}
	}
	if len(order) == 0 {
		delete(h.perDeviceOrder, sub.DeviceID)
	} else {
		h.perDeviceOrder[sub.DeviceID] = order
	}
	close(sub.ch)
}

// Broadcast fans ops out to every subscription matching dbID: each
// subscription receives exactly one Message containing the subset of ops
// passing its collection filter (order preserved), or none at all if the
// filtered set is empty. Delivery is non-blocking: a subscriber with a
// full buffer misses this message (it will catch up on its next pull by
// cursor anyway).
func (h *Hub) Broadcast(dbID string, ops []oplog.ServerOp, cursor uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.DBID != dbID {
			continue
		}
		filtered := make([]oplog.ServerOp, 0, len(ops))
		for _, op := range ops {
			if sub.matches(op.Collection) {
				filtered = append(filtered, op)
			}
		}
		if len(filtered) == 0 {
			continue
		}
		select {
		case sub.ch <- Message{DBID: dbID, Ops: filtered, Cursor: cursor}:
		default:
		}
	}
}

// Touch records subscriber activity (e.g. a keepalive ping ack), extending
// its Sweep eligibility window.
func (h *Hub) Touch(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		sub.lastActive = h.now()
	}
}

// Sweep unsubscribes (and closes) every subscription whose last activity
// is older than maxIdle. Intended to run periodically from a caller-owned
// ticker.
func (h *Hub) Sweep(maxIdle time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-maxIdle)
	var stale []string
	for id, sub := range h.subs {
		if sub.lastActive.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		h.unsubscribeLocked(id)
	}
	return len(stale)
}

// Stats summarizes the hub's current subscription load.
type Stats struct {
	Total     int
	PerDevice map[string]int
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	perDevice := make(map[string]int, len(h.perDeviceOrder))
	for k, v := range h.perDeviceOrder {
		perDevice[k] = len(v)
	}
	return Stats{Total: len(h.subs), PerDevice: perDevice}
}
