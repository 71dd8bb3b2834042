// Package sse is a mizu middleware for multi-client Server-Sent Events,
// built around a Broker that fans a Broadcast out to every registered
// Client.
package sse

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/Tembocs/entidb-sync-sub000"
)

// Event is one SSE wire event. Empty ID/Event/Retry fields are omitted
// from the wire format.
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// Client is one connected SSE subscriber. Events sent via Send/SendData/
// SendEvent are written to the underlying connection by the middleware's
// serving loop.
type Client struct {
	Events chan *Event
	Done   chan struct{}

	w       http.ResponseWriter
	flusher http.Flusher

	closeOnce sync.Once
}

// Send enqueues an event for delivery, dropping it if the client has
// already closed.
func (c *Client) Send(e *Event) {
	select {
	case <-c.Done:
		return
	default:
	}
	select {
	case c.Events <- e:
	case <-c.Done:
	}
}

// SendData enqueues a data-only event.
func (c *Client) SendData(data string) {
	c.Send(&Event{Data: data})
}

// SendEvent enqueues a named event.
func (c *Client) SendEvent(event, data string) {
	c.Send(&Event{Event: event, Data: data})
}

// Close disconnects the client. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Done) })
}

// send writes e to the client's connection in SSE wire format and
// flushes. Unexported: the middleware's serving loop is the only caller
// with a live connection attached.
func (c *Client) send(e *Event) {
	if c.w == nil {
		return
	}
	var b strings.Builder
	if e.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", e.ID)
	}
	if e.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", e.Event)
	}
	if e.Retry != 0 {
		fmt.Fprintf(&b, "retry: %d\n", e.Retry)
	}
	for _, line := range strings.Split(e.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, _ = c.w.Write([]byte(b.String()))
	if c.flusher != nil {
		c.flusher.Flush()
	}
}

// Broker fans broadcasts out to every registered Client.
type Broker struct {
	mu      sync.Mutex
	clients map[*Client]bool
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{clients: make(map[*Client]bool)}
}

// Register adds client to the broadcast set.
func (b *Broker) Register(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = true
}

// Unregister removes client from the broadcast set.
func (b *Broker) Unregister(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, c)
}

// ClientCount reports how many clients are currently registered, pruning
// any that have closed.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	return len(b.clients)
}

func (b *Broker) pruneLocked() {
	for c := range b.clients {
		select {
		case <-c.Done:
			delete(b.clients, c)
		default:
		}
	}
}

// Broadcast delivers e to every registered client, skipping any whose
// buffer is full rather than blocking.
func (b *Broker) Broadcast(e *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	for c := range b.clients {
		select {
		case c.Events <- e:
		default:
		}
	}
}

// BroadcastData delivers a data-only event to every registered client.
func (b *Broker) BroadcastData(data string) {
	b.Broadcast(&Event{Data: data})
}

// BroadcastEvent delivers a named event to every registered client.
func (b *Broker) BroadcastEvent(event, data string) {
	b.Broadcast(&Event{Event: event, Data: data})
}

// Handler runs for the lifetime of one client connection. The connection
// closes when Handler returns or client.Close is called.
type Handler func(c *mizu.Ctx, client *Client)

// Options configures the per-client event buffer and default retry hint.
type Options struct {
	// BufferSize bounds each client's pending-event queue. Defaults to 16.
	BufferSize int
	// Retry is sent as the initial reconnection hint in milliseconds.
	Retry int
}

// New wraps a route with SSE serving using default Options.
func New(h Handler) mizu.Middleware {
	return WithOptions(h, Options{})
}

// WithOptions wraps a route with SSE serving per opts. Requests whose
// Accept header excludes "text/event-stream" and "*/*" pass through to
// next unchanged.
func WithOptions(h Handler, opts Options) mizu.Middleware {
	bufSize := opts.BufferSize
	if bufSize == 0 {
		bufSize = 16
	}

	return func(next mizu.Handler) mizu.Handler {
		return func(c *mizu.Ctx) error {
			accept := c.Request().Header.Get("Accept")
			if accept != "" && !strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "*/*") {
				return next(c)
			}

			flusher, ok := c.Writer().(http.Flusher)
			if !ok {
				return next(c)
			}

			c.Header().Set("Content-Type", "text/event-stream")
			c.Header().Set("Cache-Control", "no-cache")
			c.Header().Set("Connection", "keep-alive")

			client := &Client{
				Events:  make(chan *Event, bufSize),
				Done:    make(chan struct{}),
				w:       c.Writer(),
				flusher: flusher,
			}
			if opts.Retry != 0 {
				client.send(&Event{Retry: opts.Retry})
			}

			done := make(chan struct{})
			go func() {
				defer close(done)
				h(c, client)
			}()

			for {
				select {
				case e, ok := <-client.Events:
					if !ok {
						return nil
					}
					client.send(e)
				case <-client.Done:
					return nil
				case <-done:
					return nil
				case <-c.Request().Context().Done():
					client.Close()
					return nil
				}
			}
		}
	}
}
