package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/Tembocs/entidb-sync-sub000/pkg/oplog"
)

// maxMessageSize bounds a single Channel B frame; a peer that exceeds it is
// sent an Error message and disconnected (spec §4.5).
const maxMessageSize = 1 << 20 // 1MiB

const (
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 10 * time.Second
)

// WSStream implements EventStream (Channel B) over a client-dialed
// WebSocket, speaking the typed Subscribe/Subscribed/Operations/Ping/Pong
// protocol (spec §4.5). It reconnects on its own with exponential backoff
// until Close is called.
type WSStream struct {
	url, dbID, deviceID, token string
	collections                []string

	notifyCh chan Notification
	closed   chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// DialWS connects to the server's event stream for dbID/deviceID and starts
// the reconnecting read loop. The initial Subscribe handshake must succeed
// once before DialWS returns; subsequent drops are retried transparently.
func DialWS(ctx context.Context, url, token, dbID, deviceID string, collections ...string) (*WSStream, error) {
	s := &WSStream{
		url: url, dbID: dbID, deviceID: deviceID, token: token, collections: collections,
		notifyCh: make(chan Notification, 16),
		closed:   make(chan struct{}),
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	go s.run(conn)
	return s, nil
}

func (s *WSStream) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", ErrUnavailable, err)
	}
	conn.SetReadLimit(maxMessageSize)

	sub := SubscribeMsg{DBID: s.dbID, DeviceID: s.deviceID, Collections: s.collections}
	if err := writeEnvelopeWS(conn, MsgSubscribe, sub); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: subscribe: %w", ErrUnavailable, err)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: await subscribed: %w", ErrUnavailable, err)
	}
	var env Envelope
	if err := oplog.DecodeEnvelope(payload, &env); err != nil || env.Type != MsgSubscribed {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: expected subscribed, got decode error or wrong type", ErrUnavailable)
	}
	return conn, nil
}

// run owns the connection for its lifetime: it answers Pings, enforces the
// pong timeout, forwards Operations as Notifications, and on any error
// reconnects with exponential backoff (initial 500ms, capped at 30s,
// doubling per attempt) until Close is called.
func (s *WSStream) run(conn *websocket.Conn) {
	defer close(s.notifyCh)
	for {
		if err := s.pump(conn); err != nil {
			s.setErr(err)
		}
		_ = conn.Close()

		select {
		case <-s.closed:
			return
		default:
		}

		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.MaxInterval = 30 * time.Second
		eb.MaxElapsedTime = 0 // retry indefinitely until Close

		var next *websocket.Conn
		retryErr := backoff.Retry(func() error {
			select {
			case <-s.closed:
				return backoff.Permanent(fmt.Errorf("transport: closed"))
			default:
			}
			c, err := s.dial(context.Background())
			if err != nil {
				return err
			}
			next = c
			return nil
		}, eb)

		if retryErr != nil || next == nil {
			return
		}
		conn = next
	}
}

// pump services a single live connection until it errors or the pong
// timeout fires, answering inbound Pings with Pongs and forwarding
// Operations messages as Notifications.
func (s *WSStream) pump(conn *websocket.Conn) error {
	pongTimer := time.NewTimer(wsPingInterval + wsPongTimeout)
	defer pongTimer.Stop()

	msgCh := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- payload:
			case <-s.closed:
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.closed:
			return nil
		case err := <-errCh:
			return err
		case <-ping.C:
			if err := writeEnvelopeWS(conn, MsgPing, nil); err != nil {
				return err
			}
			resetTimer(pongTimer, wsPongTimeout)
		case <-pongTimer.C:
			return fmt.Errorf("transport: no pong within timeout")
		case payload := <-msgCh:
			var env Envelope
			if err := oplog.DecodeEnvelope(payload, &env); err != nil {
				continue
			}
			switch env.Type {
			case MsgPong:
				resetTimer(pongTimer, wsPingInterval+wsPongTimeout)
			case MsgPing:
				if err := writeEnvelopeWS(conn, MsgPong, nil); err != nil {
					return err
				}
			case MsgOperations:
				var om OperationsMsg
				if err := oplog.DecodeEnvelope(env.Payload, &om); err != nil {
					continue
				}
				select {
				case s.notifyCh <- Notification{DBID: s.dbID, Ops: om.Ops, Cursor: om.Cursor}:
				case <-s.closed:
					return nil
				}
			case MsgError:
				var em ErrorMsg
				_ = oplog.DecodeEnvelope(env.Payload, &em)
				return fmt.Errorf("transport: server error %s: %s", em.Code, em.Message)
			}
		}
	}
}

func writeEnvelopeWS(conn *websocket.Conn, typ MsgType, payload any) error {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = oplog.EncodeEnvelope(payload)
		if err != nil {
			return err
		}
	}
	b, err := oplog.EncodeEnvelope(Envelope{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

// resetTimer stops t, draining any already-fired value, and reschedules it
// for d — the standard idiom for retargeting a timer without a double fire.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (s *WSStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *WSStream) Notifications() <-chan Notification { return s.notifyCh }

func (s *WSStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *WSStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
