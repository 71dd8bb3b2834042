// Package recover is a mizu middleware that turns a panicking handler into
// a 500 response instead of crashing the process.
package recover

import (
	"log/slog"
	"net/http"
	"runtime"

	"github.com/Tembocs/entidb-sync-sub000"
)

// Options configures panic recovery.
type Options struct {
	// ErrorHandler, if set, is called instead of the default 500 response.
	ErrorHandler func(c *mizu.Ctx, err any, stack []byte) error
	// Logger receives a "panic recovered" entry unless DisablePrintStack
	// suppresses the stack field. Defaults to slog.Default().
	Logger *slog.Logger
	// DisablePrintStack omits the stack trace from the log entry.
	DisablePrintStack bool
	// StackSize bounds the captured stack trace in bytes. Defaults to 4KiB.
	StackSize int
}

// New wraps routes with panic recovery using default Options.
func New() mizu.Middleware {
	return WithOptions(Options{})
}

// WithOptions wraps routes with panic recovery per opts.
func WithOptions(opts Options) mizu.Middleware {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stackSize := opts.StackSize
	if stackSize <= 0 {
		stackSize = 4 << 10
	}

	return func(next mizu.Handler) mizu.Handler {
		return func(c *mizu.Ctx) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				stack := make([]byte, stackSize)
				stack = stack[:runtime.Stack(stack, false)]

				if opts.DisablePrintStack {
					logger.Error("panic recovered", "err", r)
				} else {
					logger.Error("panic recovered", "err", r, "stack", string(stack))
				}

				if opts.ErrorHandler != nil {
					err = opts.ErrorHandler(c, r, stack)
					return
				}
				err = c.Text(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
