// Package circuitbreaker is a mizu middleware implementing a per-route
// circuit breaker: closed -> open after Threshold failures -> half-open
// after Timeout -> closed again on the next success.
package circuitbreaker

import (
	"net/http"
	"sync"
	"time"

	"github.com/Tembocs/entidb-sync-sub000"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Options configures the breaker.
type Options struct {
	// Threshold is the number of consecutive failures that opens the
	// circuit. Defaults to 5.
	Threshold int
	// Timeout is how long the circuit stays open before allowing a single
	// half-open probe request. Defaults to 30s.
	Timeout time.Duration
	// IsFailure decides whether err counts as a failure. Defaults to
	// "err != nil".
	IsFailure func(err error) bool
	// ErrorHandler responds when the circuit rejects a request. Defaults
	// to a 503 Service Unavailable text response.
	ErrorHandler func(c *mizu.Ctx) error
	// OnStateChange is called on every transition.
	OnStateChange func(from, to State)
}

type breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	threshold   int
	timeout     time.Duration
	isFailure   func(err error) bool
	onChange    func(from, to State)
}

// New wraps routes with a circuit breaker using default Options.
func New() mizu.Middleware {
	return WithOptions(Options{})
}

// WithOptions wraps routes with a circuit breaker per opts.
func WithOptions(opts Options) mizu.Middleware {
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	isFailure := opts.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	errorHandler := opts.ErrorHandler
	if errorHandler == nil {
		errorHandler = func(c *mizu.Ctx) error {
			return c.Text(http.StatusServiceUnavailable, "circuit breaker open")
		}
	}

	b := &breaker{threshold: threshold, timeout: timeout, isFailure: isFailure, onChange: opts.OnStateChange}

	return func(next mizu.Handler) mizu.Handler {
		return func(c *mizu.Ctx) error {
			if !b.allow() {
				return errorHandler(c)
			}
			err := next(c)
			b.record(isFailure(err))
			return err
		}
	}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) >= b.timeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		if failed {
			b.transition(StateOpen)
			b.openedAt = time.Now()
		} else {
			b.transition(StateClosed)
			b.failures = 0
		}
		return
	}

	if !failed {
		b.failures = 0
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.transition(StateOpen)
		b.openedAt = time.Now()
	}
}

func (b *breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
