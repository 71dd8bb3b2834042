// Package autosync implements the Auto-Sync Coordinator (C9): it wraps a
// syncclient.Engine with debounce, periodic, startup, and explicit
// triggers, coalescing concurrent requests into a single in-flight Sync.
package autosync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Syncer is the subset of syncclient.Engine the coordinator drives.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Stats aggregates coordinator activity across its lifetime.
type Stats struct {
	Triggered  int
	Coalesced  int
	Succeeded  int
	Failed     int
	LastError  error
}

// Options configures a Coordinator.
type Options struct {
	Engine         Syncer
	DebounceWindow time.Duration // defaults to 500ms
	PeriodicEvery  time.Duration // 0 disables the periodic trigger
	RunOnStartup   bool
	MaxRetries     int                    // per triggered sync, 0 = no retry
	RetryBackoff   func(attempt int) time.Duration
	OnResult       func(err error) // optional observer, called after each attempted sync
}

// Coordinator serializes and coalesces sync triggers onto a single Engine.
type Coordinator struct {
	opts Options

	mu        sync.Mutex
	stats     Stats
	pending   bool
	debounce  *time.Timer
	inFlight  bool
	wantAgain bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Coordinator. Call Start to begin the periodic/startup
// triggers; Trigger can be called any time (before or after Start) for
// debounced explicit/event-driven syncs.
func New(opts Options) *Coordinator {
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 500 * time.Millisecond
	}
	if opts.RetryBackoff == nil {
		opts.RetryBackoff = func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		}
	}
	return &Coordinator{opts: opts}
}

// Start begins the periodic and startup triggers. Cancel the returned
// context's parent (by calling Stop) to end them.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if c.opts.RunOnStartup {
		c.Trigger()
	}

	if c.opts.PeriodicEvery > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			t := time.NewTicker(c.opts.PeriodicEvery)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					c.Trigger()
				}
			}
		}()
	}
}

// Stop ends the periodic trigger and waits for any in-flight debounce
// timer goroutine to finish. It does not cancel a sync already running.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Trigger schedules a sync after the debounce window. Multiple calls
// within the window collapse into a single run (spec: single-in-flight
// coalescing — a trigger arriving while a sync is already running is
// recorded and causes exactly one more run immediately after it finishes).
func (c *Coordinator) Trigger() {
	c.mu.Lock()
	c.stats.Triggered++
	if c.inFlight {
		c.wantAgain = true
		c.stats.Coalesced++
		c.mu.Unlock()
		return
	}
	if c.pending {
		c.stats.Coalesced++
		c.mu.Unlock()
		return
	}
	c.pending = true
	c.debounce = time.AfterFunc(c.opts.DebounceWindow, c.runDebounced)
	c.mu.Unlock()
}

func (c *Coordinator) runDebounced() {
	c.mu.Lock()
	c.pending = false
	c.mu.Unlock()
	c.runNow(context.Background())
}

// SyncNow runs (or joins) a sync immediately, bypassing the debounce
// window, and waits for it to complete.
func (c *Coordinator) SyncNow(ctx context.Context) error {
	c.mu.Lock()
	c.stats.Triggered++
	if c.inFlight {
		c.wantAgain = true
		c.stats.Coalesced++
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.runNow(ctx)
}

func (c *Coordinator) runNow(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight {
		c.wantAgain = true
		c.mu.Unlock()
		return nil
	}
	c.inFlight = true
	c.mu.Unlock()

	var err error
	attempts := c.opts.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		err = c.opts.Engine.Sync(ctx)
		if err == nil {
			break
		}
		if attempt < attempts {
			time.Sleep(c.opts.RetryBackoff(attempt))
		}
	}

	c.mu.Lock()
	c.inFlight = false
	again := c.wantAgain
	c.wantAgain = false
	if err == nil {
		c.stats.Succeeded++
	} else {
		c.stats.Failed++
	}
	c.stats.LastError = err
	c.mu.Unlock()

	if c.opts.OnResult != nil {
		c.opts.OnResult(err)
	}

	if again {
		return c.runNow(ctx)
	}
	if err != nil {
		return fmt.Errorf("autosync: sync failed: %w", err)
	}
	return nil
}

// Stats returns a snapshot of coordinator activity.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
