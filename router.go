// File: router.go
package mizu

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
)

// Handler is the mizu request handler signature. Returning a non-nil error
// routes the request to the router's error handler.
type Handler func(c *Ctx) error

// Middleware wraps a Handler to produce a new Handler.
type Middleware func(Handler) Handler

// PanicError wraps a recovered panic value together with the stack trace
// captured at the moment of recovery.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return "panic: " + toString(e.Value)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "unknown panic"
}

// Router multiplexes HTTP requests onto Handlers through a chain of
// Middleware. The zero value is not usable; construct with NewRouter.
type Router struct {
	mux    *http.ServeMux
	base   string
	global []Middleware
	scoped []Middleware
	errFn  func(c *Ctx, err error)
	log    *slog.Logger

	// Compat exposes an stdlib-http.Handler-compatible facade for mounting
	// existing net/http code inside a mizu tree.
	Compat *httpRouter
}

// NewRouter constructs an empty Router with default logging and error
// handling.
func NewRouter() *Router {
	r := &Router{
		mux: http.NewServeMux(),
		log: slog.Default(),
	}
	r.Compat = &httpRouter{r: r}
	return r
}

// Logger returns the router's structured logger.
func (r *Router) Logger() *slog.Logger { return r.log }

// SetLogger replaces the router's logger. A nil logger is ignored.
func (r *Router) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	r.log = l
}

// Use appends global middleware, run for every request served by this
// Router (including sub-routers created with Prefix).
func (r *Router) Use(mw ...Middleware) {
	r.global = append(r.global, mw...)
}

// ErrorHandler overrides how handler errors are turned into responses.
// The default writes a 500 with the standard status text.
func (r *Router) ErrorHandler(fn func(c *Ctx, err error)) {
	r.errFn = fn
}

// Prefix returns a sub-router whose routes are registered under the given
// path prefix. It shares the parent's mux and global middleware.
func (r *Router) Prefix(path string) *Router {
	return &Router{
		mux:    r.mux,
		base:   joinPath(r.base, path),
		global: r.global,
		errFn:  r.errFn,
		log:    r.log,
		Compat: r.Compat,
	}
}

// With returns a sub-router at the same path that additionally runs the
// given middleware, scoped only to routes registered on the returned
// router (and its descendants).
func (r *Router) With(mw ...Middleware) *Router {
	cp := *r
	cp.scoped = append(append([]Middleware{}, r.scoped...), mw...)
	return &cp
}

func (r *Router) fullPath(path string) string {
	return joinPath(r.base, path)
}

func cleanLeading(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func joinPath(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	path = cleanLeading(path)
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "/" || path == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	return base + path
}

func (r *Router) handle(pattern string, h Handler) {
	chain := h
	for i := len(r.scoped) - 1; i >= 0; i-- {
		chain = r.scoped[i](chain)
	}
	final := chain
	r.mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c := newCtx(w, req, r.log)
		r.runWithRecover(c, final)
	}))
}

func (r *Router) runWithRecover(c *Ctx, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			buf := make([]byte, 8192)
			n := runtime.Stack(buf, false)
			r.dispatchError(c, &PanicError{Value: rec, Stack: buf[:n]})
		}
	}()
	if err := h(c); err != nil {
		r.dispatchError(c, err)
	}
}

func (r *Router) dispatchError(c *Ctx, err error) {
	if r.errFn != nil {
		r.errFn(c, err)
		return
	}
	if !c.wroteHeader {
		c.Writer().WriteHeader(http.StatusInternalServerError)
	}
	_, _ = c.Writer().Write([]byte(http.StatusText(http.StatusInternalServerError)))
}

// Handle registers h for the exact method+path pattern (Go 1.22 ServeMux
// syntax, e.g. "GET /users/{id}").
func (r *Router) Handle(methodAndPath string, h Handler) {
	parts := strings.SplitN(methodAndPath, " ", 2)
	if len(parts) != 2 {
		r.handle(r.fullPath(methodAndPath), h)
		return
	}
	r.handle(parts[0]+" "+r.fullPath(parts[1]), h)
}

func (r *Router) method(m, path string, h Handler) {
	r.handle(m+" "+r.fullPath(path), h)
}

func (r *Router) Get(path string, h Handler)    { r.method(http.MethodGet, path, h) }
func (r *Router) Post(path string, h Handler)   { r.method(http.MethodPost, path, h) }
func (r *Router) Put(path string, h Handler)    { r.method(http.MethodPut, path, h) }
func (r *Router) Delete(path string, h Handler) { r.method(http.MethodDelete, path, h) }
func (r *Router) Patch(path string, h Handler)  { r.method(http.MethodPatch, path, h) }

// Static serves the filesystem rooted at fsys under the given path prefix.
func (r *Router) Static(prefix string, fsys http.FileSystem) {
	full := r.fullPath(prefix)
	fileServer := http.FileServer(fsys)
	stripped := full
	if stripped != "/" {
		stripped = strings.TrimSuffix(stripped, "/")
	}
	handler := http.StripPrefix(stripped, fileServer)
	pattern := full
	if !strings.HasSuffix(pattern, "/") {
		pattern += "/"
	}
	chain := Handler(func(c *Ctx) error {
		handler.ServeHTTP(c.Writer(), c.Request())
		return nil
	})
	for i := len(r.scoped) - 1; i >= 0; i-- {
		chain = r.scoped[i](chain)
	}
	final := chain
	r.mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c := newCtx(w, req, r.log)
		r.runWithRecover(c, final)
	}))
	if full != "/" {
		r.mux.Handle(full, http.RedirectHandler(full+"/", http.StatusMovedPermanently))
	}
}

// ServeHTTP implements http.Handler, running the global middleware chain
// before delegating to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var final http.Handler = r.mux
	if len(r.global) > 0 {
		h := Handler(func(c *Ctx) error {
			final.ServeHTTP(c.Writer(), c.Request())
			return nil
		})
		for i := len(r.global) - 1; i >= 0; i-- {
			h = r.global[i](h)
		}
		final = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			c := newCtx(w, req, r.log)
			r.runWithRecover(c, h)
		})
	}
	final.ServeHTTP(w, req)
}

// httpRouter exposes a plain net/http compatible facade over a Router, for
// mounting existing http.Handler-based code.
type httpRouter struct {
	r      *Router
	stdMW  []func(http.Handler) http.Handler
}

// Handle registers a raw http.Handler for all methods at path.
func (hr *httpRouter) Handle(path string, h http.Handler) {
	hr.r.mux.Handle(hr.r.fullPath(path), hr.wrap(h))
}

// HandleMethod registers a raw http.Handler for a single method at path.
func (hr *httpRouter) HandleMethod(method, path string, h http.Handler) {
	hr.r.mux.Handle(method+" "+hr.r.fullPath(path), hr.wrap(h))
}

// Mount registers a raw http.Handler under a path prefix, stripping the
// prefix before delegating.
func (hr *httpRouter) Mount(prefix string, h http.Handler) {
	full := hr.r.fullPath(prefix)
	hr.r.mux.Handle(full, hr.wrap(h))
	if !strings.HasSuffix(full, "/") {
		hr.r.mux.Handle(full+"/", hr.wrap(http.StripPrefix(full, h)))
	}
}

// Use registers standard net/http middleware, applied to everything mounted
// through Compat.
func (hr *httpRouter) Use(mw func(http.Handler) http.Handler) {
	hr.stdMW = append(hr.stdMW, mw)
}

func (hr *httpRouter) wrap(h http.Handler) http.Handler {
	for i := len(hr.stdMW) - 1; i >= 0; i-- {
		h = hr.stdMW[i](h)
	}
	return h
}

// Group scopes a nested httpRouter under a path prefix for stdlib-style
// handler registration.
func (hr *httpRouter) Group(prefix string, fn func(*httpRouter)) {
	sub := &httpRouter{r: hr.r.Prefix(prefix), stdMW: append([]func(http.Handler) http.Handler{}, hr.stdMW...)}
	fn(sub)
}

var errNotImplemented = errors.New("not implemented")
