// Package retry is a mizu middleware that re-invokes a handler when it
// returns an error, with configurable backoff and retry predicates.
package retry

import (
	"net/http"
	"time"

	"github.com/Tembocs/entidb-sync-sub000"
)

// RetryIf decides whether attempt should be retried given the handler's
// returned error (nil when the handler wrote a response without error).
type RetryIf func(c *mizu.Ctx, err error, attempt int) bool

// Options configures retry behavior.
type Options struct {
	// MaxRetries bounds additional attempts after the first. Defaults to 3.
	MaxRetries int
	// Delay is the base wait between attempts. Defaults to 10ms.
	Delay time.Duration
	// MaxDelay caps Delay*Multiplier^attempt when Multiplier > 0.
	MaxDelay time.Duration
	// Multiplier grows Delay exponentially across attempts when > 1.
	Multiplier float64
	// RetryIf decides whether to retry. Defaults to RetryOnError().
	RetryIf RetryIf
	// OnRetry is called before each retry (not the initial attempt).
	OnRetry func(c *mizu.Ctx, err error, attempt int)
}

// New wraps routes with retry using default Options.
func New() mizu.Middleware {
	return WithOptions(Options{})
}

// WithOptions wraps routes with retry per opts.
func WithOptions(opts Options) mizu.Middleware {
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	delay := opts.Delay
	if delay == 0 {
		delay = 10 * time.Millisecond
	}
	retryIf := opts.RetryIf
	if retryIf == nil {
		retryIf = RetryOnError()
	}

	return func(next mizu.Handler) mizu.Handler {
		return func(c *mizu.Ctx) error {
			var err error
			for attempt := 0; ; attempt++ {
				err = next(c)
				if !retryIf(c, err, attempt) {
					return err
				}
				if attempt >= maxRetries {
					return err
				}

				if opts.OnRetry != nil {
					opts.OnRetry(c, err, attempt)
				}

				wait := delay
				if opts.Multiplier > 1 {
					for i := 0; i < attempt; i++ {
						wait = time.Duration(float64(wait) * opts.Multiplier)
					}
					if opts.MaxDelay > 0 && wait > opts.MaxDelay {
						wait = opts.MaxDelay
					}
				}
				time.Sleep(wait)
			}
		}
	}
}

// RetryOnError retries whenever the handler returned a non-nil error.
func RetryOnError() RetryIf {
	return func(c *mizu.Ctx, err error, attempt int) bool {
		return err != nil
	}
}

// NoRetry never retries.
func NoRetry() RetryIf {
	return func(c *mizu.Ctx, err error, attempt int) bool {
		return false
	}
}

// RetryOn retries when the handler wrote one of the given status codes and
// returned no error, via a response writer that records the status.
func RetryOn(statuses ...int) RetryIf {
	want := make(map[int]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return func(c *mizu.Ctx, err error, attempt int) bool {
		if err != nil {
			return false
		}
		if rw, ok := c.Writer().(*retryResponseWriter); ok {
			return want[rw.status]
		}
		return false
	}
}

// retryResponseWriter records the status code written by a handler so
// RetryOn can inspect it without buffering the body.
type retryResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *retryResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
