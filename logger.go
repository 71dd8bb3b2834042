// File: logger.go
package mizu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

// Mode selects the logging output format.
type Mode int

const (
	// Auto picks Dev when Output is a terminal, Prod otherwise.
	Auto Mode = iota
	Dev
	Prod
)

// LoggerOptions configures the request-logging middleware.
type LoggerOptions struct {
	Mode   Mode
	Output io.Writer
	Logger *slog.Logger
	Color  bool

	UserAgent       bool
	RequestIDHeader string
	RequestIDGen    func() string

	TraceExtractor func(ctx context.Context) (traceID, spanID string, sampled bool)
}

// Logger returns middleware that logs one structured line per request.
func Logger(opts LoggerOptions) Middleware {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.RequestIDHeader == "" {
		opts.RequestIDHeader = "X-Request-Id"
	}

	mode := opts.Mode
	if mode == Auto {
		if isTerminal(out) {
			mode = Dev
		} else {
			mode = Prod
		}
	}

	logger := opts.Logger
	if logger == nil {
		color := opts.Color || supportsColorEnv()
		var h slog.Handler
		switch mode {
		case Dev:
			if color {
				h = newColorTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})
			} else {
				h = slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})
			}
		default:
			h = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})
		}
		logger = slog.New(h)
	}

	return func(next Handler) Handler {
		return func(c *Ctx) error {
			start := time.Now()

			reqID := c.Request().Header.Get(opts.RequestIDHeader)
			if reqID == "" && opts.RequestIDGen != nil {
				reqID = opts.RequestIDGen()
			}
			if reqID != "" && opts.RequestIDHeader != "" {
				c.Writer().Header().Set(opts.RequestIDHeader, reqID)
			}

			err := next(c)

			dur := time.Since(start)
			status := c.StatusCode()

			attrs := []any{
				slog.Int("status", status),
				slog.String("method", c.Request().Method),
				slog.String("path", c.Request().URL.Path),
				slog.String("host", c.Request().Host),
				slog.Int64("duration_ms", dur.Milliseconds()),
			}
			if reqID != "" {
				attrs = append(attrs, slog.String("request_id", reqID))
			}
			if opts.UserAgent {
				attrs = append(attrs, slog.String("user_agent", c.Request().UserAgent()))
			}
			if c.Request().URL.RawQuery != "" {
				attrs = append(attrs, slog.String("query", c.Request().URL.RawQuery))
			}
			if opts.TraceExtractor != nil {
				if tid, sid, sampled := opts.TraceExtractor(c.Context()); tid != "" {
					attrs = append(attrs, slog.String("trace_id", tid), slog.String("span_id", sid), slog.Bool("trace_sampled", sampled))
				}
			}
			if mode == Dev {
				attrs = append(attrs, slog.String("latency_human", humanDuration(dur)))
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}

			logger.LogAttrs(c.Context(), levelFor(status, err), "request", toAttrs(attrs)...)
			return err
		}
	}
}

func toAttrs(vs []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(vs))
	for _, v := range vs {
		if a, ok := v.(slog.Attr); ok {
			out = append(out, a)
		}
	}
	return out
}

func levelFor(status int, err error) slog.Level {
	switch {
	case err != nil || status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func humanDuration(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	case d < time.Millisecond:
		return fmt.Sprintf("%.1fµs", float64(d.Nanoseconds())/1000)
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d.Nanoseconds())/1e6)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

func attrInt(a slog.Attr) (int64, bool) {
	switch a.Value.Kind() {
	case slog.KindInt64:
		return a.Value.Int64(), true
	case slog.KindUint64:
		return int64(a.Value.Uint64()), true
	case slog.KindFloat64:
		return int64(a.Value.Float64()), true
	default:
		return 0, false
	}
}

func supportsColorEnv() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if runtime.GOOS == "windows" {
		return false
	}
	if strings.EqualFold(os.Getenv("TERM"), "dumb") {
		return false
	}
	return true
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// colorTextHandler is a minimal slog.Handler emitting ANSI-colored
// key=value lines, used in Dev mode when color is enabled.
type colorTextHandler struct {
	w      io.Writer
	opts   *slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
}

func newColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *colorTextHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &colorTextHandler{w: w, opts: opts}
}

func (h *colorTextHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *colorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	levelColor := "\x1b[36m"
	switch {
	case r.Level >= slog.LevelError:
		levelColor = "\x1b[31m"
	case r.Level >= slog.LevelWarn:
		levelColor = "\x1b[33m"
	}
	fmt.Fprintf(&b, "%s%s\x1b[0m %s", levelColor, r.Level.String(), r.Message)

	write := func(a slog.Attr) {
		if a.Key == "status" {
			if n, ok := attrInt(a); ok {
				color := "\x1b[32m"
				if n >= 500 {
					color = "\x1b[31m"
				} else if n >= 400 {
					color = "\x1b[33m"
				}
				fmt.Fprintf(&b, " %sstatus=%d\x1b[0m", color, n)
				return
			}
		}
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}

	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(a)
		return true
	})
	b.WriteByte('\n')
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *colorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *colorTextHandler) WithGroup(name string) slog.Handler {
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}
