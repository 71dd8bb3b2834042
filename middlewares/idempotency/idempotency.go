// Package idempotency is a mizu middleware that caches a mutating
// request's response keyed by an Idempotency-Key header, replaying it on
// retry instead of re-invoking the handler.
package idempotency

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/Tembocs/entidb-sync-sub000"
)

// Response is a cached handler response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	ExpiresAt  time.Time
}

// KeyGenerator derives the cache key from the raw header value and request.
type KeyGenerator func(key string, c *mizu.Ctx) string

// Options configures idempotency caching.
type Options struct {
	// KeyHeader is the header carrying the idempotency key. Defaults to
	// "Idempotency-Key".
	KeyHeader string
	// Methods lists the HTTP methods eligible for caching. Defaults to
	// POST, PUT, PATCH, DELETE.
	Methods []string
	// TTL bounds how long a cached response is replayed. Defaults to 1h.
	TTL time.Duration
	// KeyGenerator customizes the cache key beyond the raw header value.
	KeyGenerator KeyGenerator
}

// New wraps routes with idempotency caching using default Options and a
// fresh in-memory store.
func New() mizu.Middleware {
	return WithOptions(Options{})
}

// WithOptions wraps routes with idempotency caching per opts, using a
// fresh in-memory store.
func WithOptions(opts Options) mizu.Middleware {
	return WithStore(NewMemoryStore(), opts)
}

// WithStore wraps routes with idempotency caching per opts, backed by an
// explicit store (useful for sharing state across middleware instances or
// calling Close on shutdown).
func WithStore(store *MemoryStore, opts Options) mizu.Middleware {
	header := opts.KeyHeader
	if header == "" {
		header = "Idempotency-Key"
	}
	methods := opts.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
	}
	methodSet := make(map[string]bool, len(methods))
	for _, m := range methods {
		methodSet[m] = true
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = time.Hour
	}

	return func(next mizu.Handler) mizu.Handler {
		return func(c *mizu.Ctx) error {
			if !methodSet[c.Request().Method] {
				return next(c)
			}
			rawKey := c.Request().Header.Get(header)
			if rawKey == "" {
				return next(c)
			}
			key := rawKey
			if opts.KeyGenerator != nil {
				key = opts.KeyGenerator(rawKey, c)
			}

			if cached, err := store.Get(key); err == nil && cached != nil {
				for k, vs := range cached.Header {
					for _, v := range vs {
						c.Writer().Header().Add(k, v)
					}
				}
				c.Writer().Header().Set("Idempotent-Replayed", "true")
				c.Writer().WriteHeader(cached.StatusCode)
				_, _ = c.Writer().Write(cached.Body)
				return nil
			}

			rec := &recorder{ResponseWriter: c.Writer(), header: make(http.Header), status: http.StatusOK}
			c.SetWriter(rec)
			err := next(c)
			if err == nil {
				_ = store.Set(key, &Response{
					StatusCode: rec.status,
					Header:     rec.header,
					Body:       rec.body.Bytes(),
					ExpiresAt:  time.Now().Add(ttl),
				})
			}
			return err
		}
	}
}

// recorder captures a handler's response so it can be cached after the
// fact without affecting the live response.
type recorder struct {
	http.ResponseWriter
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.wroteHeader = true
	for k, vs := range r.ResponseWriter.Header() {
		r.header[k] = vs
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

// MemoryStore is an in-process, TTL-expiring idempotency cache.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Response
	done    chan struct{}
}

// NewMemoryStore constructs a MemoryStore with a background sweeper that
// evicts expired entries every minute.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{entries: make(map[string]*Response), done: make(chan struct{})}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) sweepLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.mu.Lock()
			now := time.Now()
			for k, v := range s.entries {
				if now.After(v.ExpiresAt) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

// Get returns the cached response for key, or nil if absent or expired.
func (s *MemoryStore) Get(key string) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(resp.ExpiresAt) {
		delete(s.entries, key)
		return nil, nil
	}
	return resp, nil
}

// Set stores resp under key.
func (s *MemoryStore) Set(key string, resp *Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = resp
	return nil
}

// Delete removes key from the store.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Close stops the background sweeper.
func (s *MemoryStore) Close() error {
	close(s.done)
	return nil
}
