// Package requestid is a mizu middleware that assigns a unique ID to every
// request, propagated via a response header and the request context.
package requestid

import (
	"context"

	"github.com/Tembocs/entidb-sync-sub000"
	"github.com/google/uuid"
)

type ctxKey struct{}

// Options configures the header name and ID generator.
type Options struct {
	// Header is the request/response header carrying the ID. Defaults to
	// "X-Request-ID".
	Header string
	// Generator produces a new ID when the incoming request has none.
	// Defaults to a random UUIDv4.
	Generator func() string
}

// New wraps routes with request ID propagation using default Options.
func New() mizu.Middleware {
	return WithOptions(Options{})
}

// WithOptions wraps routes with request ID propagation per opts.
func WithOptions(opts Options) mizu.Middleware {
	header := opts.Header
	if header == "" {
		header = "X-Request-ID"
	}
	gen := opts.Generator
	if gen == nil {
		gen = generateID
	}

	return func(next mizu.Handler) mizu.Handler {
		return func(c *mizu.Ctx) error {
			id := c.Request().Header.Get(header)
			if id == "" {
				id = gen()
			}
			c.Header().Set(header, id)

			ctx := context.WithValue(c.Request().Context(), ctxKey{}, id)
			*c.Request() = *c.Request().WithContext(ctx)
			return next(c)
		}
	}
}

func generateID() string {
	return uuid.New().String()
}

// FromContext returns the request ID stored by New/WithOptions, or "" if
// none is present.
func FromContext(c *mizu.Ctx) string {
	id, _ := c.Request().Context().Value(ctxKey{}).(string)
	return id
}

// Get is an alias for FromContext.
func Get(c *mizu.Ctx) string {
	return FromContext(c)
}
