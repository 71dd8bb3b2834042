// File: context.go
package mizu

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"time"
	"unicode/utf8"
)

// Ctx wraps an in-flight HTTP request/response pair with the convenience
// methods handlers use to read input and write output.
type Ctx struct {
	w http.ResponseWriter
	r *http.Request

	log *slog.Logger

	status      int
	wroteHeader bool

	rc *http.ResponseController
}

func newCtx(w http.ResponseWriter, r *http.Request, log *slog.Logger) *Ctx {
	if log == nil {
		log = slog.Default()
	}
	return &Ctx{
		w:      w,
		r:      r,
		log:    log,
		status: http.StatusOK,
		rc:     http.NewResponseController(w),
	}
}

// Request returns the underlying *http.Request.
func (c *Ctx) Request() *http.Request { return c.r }

// Writer returns the underlying http.ResponseWriter.
func (c *Ctx) Writer() http.ResponseWriter { return c.w }

// Response is an alias for Writer, matching handlers that prefer HTTP
// response terminology.
func (c *Ctx) Response() http.ResponseWriter { return c.w }

// Header returns the response header map.
func (c *Ctx) Header() http.Header { return c.w.Header() }

// Context returns the request's context.Context.
func (c *Ctx) Context() context.Context { return c.r.Context() }

// Logger returns the logger attached to this request.
func (c *Ctx) Logger() *slog.Logger { return c.log }

// StatusCode returns the status code set so far (200 until changed).
func (c *Ctx) StatusCode() int { return c.status }

// Status sets the status code to be used by the next write. It has no
// effect once a write has already flushed the header.
func (c *Ctx) Status(code int) *Ctx {
	c.status = code
	return c
}

func (c *Ctx) writeHeaderOnce() {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.w.WriteHeader(c.status)
}

// Param returns a path value extracted by the Go 1.22 ServeMux pattern
// matcher (e.g. "{id}").
func (c *Ctx) Param(name string) string { return c.r.PathValue(name) }

// Query returns the first value of a query parameter.
func (c *Ctx) Query(name string) string {
	if c.r.URL == nil {
		return ""
	}
	return c.r.URL.Query().Get(name)
}

// QueryValues returns the full parsed query string.
func (c *Ctx) QueryValues() url.Values {
	if c.r.URL == nil {
		return url.Values{}
	}
	return c.r.URL.Query()
}

// Form parses and returns application/x-www-form-urlencoded (and query)
// values.
func (c *Ctx) Form() (url.Values, error) {
	if err := c.r.ParseForm(); err != nil {
		return nil, err
	}
	return c.r.Form, nil
}

// MultipartForm parses a multipart/form-data request, returning a cleanup
// function that removes any temporary files.
func (c *Ctx) MultipartForm(maxMemory int64) (*multipart.Form, func(), error) {
	if err := c.r.ParseMultipartForm(maxMemory); err != nil {
		return nil, func() {}, err
	}
	form := c.r.MultipartForm
	return form, func() {
		if form != nil {
			_ = form.RemoveAll()
		}
	}, nil
}

// Cookie returns a named request cookie.
func (c *Ctx) Cookie(name string) (*http.Cookie, error) {
	return c.r.Cookie(name)
}

// SetCookie appends a Set-Cookie response header.
func (c *Ctx) SetCookie(cookie *http.Cookie) {
	http.SetCookie(c.w, cookie)
}

// Bind decodes a JSON request body into v, rejecting unknown fields and
// trailing data. maxBytes limits the body size when non-zero.
func (c *Ctx) Bind(v any, maxBytes int64) error {
	var r io.Reader = c.r.Body
	if maxBytes > 0 {
		r = io.LimitReader(c.r.Body, maxBytes+1)
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("bind: trailing data after JSON value")
	}
	if lr, ok := r.(*io.LimitedReader); ok && maxBytes > 0 && lr.N <= 0 {
		return fmt.Errorf("bind: request body exceeds %d bytes", maxBytes)
	}
	return nil
}

// NoContent writes a 204 response.
func (c *Ctx) NoContent() error {
	c.status = http.StatusNoContent
	c.writeHeaderOnce()
	return nil
}

// Redirect writes a redirect response. code defaults to 302 when zero.
func (c *Ctx) Redirect(code int, target string) error {
	if code == 0 {
		code = http.StatusFound
	}
	c.w.Header().Set("Location", target)
	c.status = code
	c.writeHeaderOnce()
	return nil
}

// JSON encodes v as application/json and writes it with the given status.
func (c *Ctx) JSON(code int, v any) error {
	if c.w.Header().Get("Content-Type") == "" {
		c.w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	c.status = code
	c.writeHeaderOnce()
	return json.NewEncoder(c.w).Encode(v)
}

// HTML writes body as text/html with the given status.
func (c *Ctx) HTML(code int, body string) error {
	if c.w.Header().Get("Content-Type") == "" {
		c.w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	c.status = code
	c.writeHeaderOnce()
	_, err := io.WriteString(c.w, body)
	return err
}

// Text writes body as text/plain, falling back to application/octet-stream
// when body is not valid UTF-8.
func (c *Ctx) Text(code int, body string) error {
	if c.w.Header().Get("Content-Type") == "" {
		if utf8.ValidString(body) {
			c.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		} else {
			c.w.Header().Set("Content-Type", "application/octet-stream")
		}
	}
	c.status = code
	c.writeHeaderOnce()
	_, err := io.WriteString(c.w, body)
	return err
}

// Bytes writes raw bytes with an explicit (or default) content type.
func (c *Ctx) Bytes(code int, body []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if c.w.Header().Get("Content-Type") == "" {
		c.w.Header().Set("Content-Type", contentType)
	}
	c.status = code
	c.writeHeaderOnce()
	_, err := c.w.Write(body)
	return err
}

// Write implements io.Writer, flushing the status set via Status first.
func (c *Ctx) Write(p []byte) (int, error) {
	c.writeHeaderOnce()
	return c.w.Write(p)
}

// WriteString writes a string, flushing the status set via Status first.
func (c *Ctx) WriteString(s string) (int, error) {
	c.writeHeaderOnce()
	return io.WriteString(c.w, s)
}

// File serves a single file from disk. code overrides the status set via
// Status when non-zero.
func (c *Ctx) File(code int, path string) error {
	if code != 0 {
		c.status = code
	}
	http.ServeFile(&statusLockedWriter{c}, c.r, path)
	return nil
}

// statusLockedWriter adapts http.ServeFile (which calls WriteHeader itself)
// to honor a status already fixed by File/Download.
type statusLockedWriter struct{ c *Ctx }

func (s *statusLockedWriter) Header() http.Header { return s.c.w.Header() }
func (s *statusLockedWriter) Write(p []byte) (int, error) {
	s.c.writeHeaderOnce()
	return s.c.w.Write(p)
}
func (s *statusLockedWriter) WriteHeader(code int) {
	if code != http.StatusOK {
		s.c.status = code
	}
	s.c.writeHeaderOnce()
}

// Download serves a file with a Content-Disposition attachment header.
func (c *Ctx) Download(code int, path, filename string) error {
	if filename == "" {
		filename = filepath.Base(path)
	}
	c.w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, filename))
	return c.File(code, path)
}

// Stream calls fn with the response writer, useful for large or incremental
// bodies. It sets a default content type if none was set.
func (c *Ctx) Stream(fn func(w io.Writer) error) error {
	if c.w.Header().Get("Content-Type") == "" {
		c.w.Header().Set("Content-Type", "application/octet-stream")
	}
	c.writeHeaderOnce()
	return fn(c.w)
}

// SSE writes values from ch as server-sent events, JSON-encoding each one,
// until ch is closed or the request context is canceled. It writes a final
// "end" event on normal completion.
func (c *Ctx) SSE(ch <-chan any) error {
	flusher, ok := c.w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: response writer does not support flushing")
	}
	c.w.Header().Set("Content-Type", "text/event-stream")
	c.w.Header().Set("Cache-Control", "no-cache")
	c.w.Header().Set("Connection", "keep-alive")
	c.writeHeaderOnce()

	for {
		select {
		case <-c.r.Context().Done():
			return nil
		case v, open := <-ch:
			if !open {
				_, _ = io.WriteString(c.w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return nil
			}
			b, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(c.w, "data: %s\n\n", b); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// Flush flushes the underlying writer if it supports it.
func (c *Ctx) Flush() {
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
}

// SetWriter replaces the response writer, rebuilding the ResponseController
// used by SetWriteDeadline/EnableFullDuplex.
func (c *Ctx) SetWriter(w http.ResponseWriter) {
	c.w = w
	c.rc = http.NewResponseController(w)
}

// SetWriteDeadline forwards to the underlying ResponseController.
func (c *Ctx) SetWriteDeadline(t time.Time) error {
	return c.rc.SetWriteDeadline(t)
}

// EnableFullDuplex forwards to the underlying ResponseController.
func (c *Ctx) EnableFullDuplex() error {
	return c.rc.EnableFullDuplex()
}

// Hijack takes over the raw connection, for protocol upgrades such as
// WebSocket.
func (c *Ctx) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := c.w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijack: response writer does not support hijacking")
	}
	return hj.Hijack()
}
