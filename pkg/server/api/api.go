// Package api wires the Server Oplog & Store (C6), Broadcast Hub (C8), and
// JWT/WebSocket middlewares into a mizu router: /v1/handshake, /v1/pull,
// /v1/push, /v1/events (SSE), /v1/ws, plus /health, /v1/version and
// /v1/stats. The three binary-protocol endpoints exchange CBOR envelopes
// (spec §4.1, §6); the ancillary endpoints stay plain JSON/text.
package api

import (
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Tembocs/entidb-sync-sub000"

	jwtmw "github.com/Tembocs/entidb-sync-sub000/middlewares/jwt"
	ssemw "github.com/Tembocs/entidb-sync-sub000/middlewares/sse"
	wsmw "github.com/Tembocs/entidb-sync-sub000/middlewares/websocket"
	"github.com/Tembocs/entidb-sync-sub000/pkg/oplog"
	"github.com/Tembocs/entidb-sync-sub000/pkg/server/broadcast"
	"github.com/Tembocs/entidb-sync-sub000/pkg/server/oplogstore"
	"github.com/Tembocs/entidb-sync-sub000/pkg/transport"
)

// Version is reported by GET /v1/version.
const Version = "1"

// cborContentType is the Content-Type for every /v1/handshake, /v1/pull
// and /v1/push request and response body (spec §6).
const cborContentType = "application/cbor"

// Server bundles the store and hub a mount needs.
type Server struct {
	Store *oplogstore.Store
	Hub   *broadcast.Hub
	Log   *slog.Logger
}

// Mount registers routes on r. jwtSecret, when non-empty, guards every
// /v1/* route except /v1/version with bearer-token auth.
func Mount(r *mizu.Router, s *Server, jwtSecret []byte) {
	if s.Log == nil {
		s.Log = slog.Default()
	}

	r.Get("/health", func(c *mizu.Ctx) error { return c.Text(http.StatusOK, "ok") })
	r.Get("/v1/version", func(c *mizu.Ctx) error {
		return c.JSON(http.StatusOK, map[string]string{"version": Version})
	})

	group := r
	if len(jwtSecret) > 0 {
		group = r.With(jwtmw.New(jwtSecret))
	}

	group.Post("/v1/handshake", s.handleHandshake)
	group.Post("/v1/pull", s.handlePull)
	group.Post("/v1/push", s.handlePush)
	group.Get("/v1/stats", s.handleStats)
	group.Get("/v1/events", s.handleEvents())
	group.Get("/v1/ws", s.handleWS())
}

// readEnvelope reads and CBOR-decodes a request body into v, bounded by
// maxBytes.
func readEnvelope(c *mizu.Ctx, maxBytes int64, v any) error {
	b, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(b)) > maxBytes {
		return oplog.ErrDecode
	}
	return oplog.DecodeEnvelope(b, v)
}

// writeEnvelope CBOR-encodes v and writes it with the binary content type.
func writeEnvelope(c *mizu.Ctx, code int, v any) error {
	b, err := oplog.EncodeEnvelope(v)
	if err != nil {
		return c.Bytes(http.StatusInternalServerError, nil, cborContentType)
	}
	return c.Bytes(code, b, cborContentType)
}

func writeError(c *mizu.Ctx, code int, errCode, msg string) error {
	return writeEnvelope(c, code, transport.ErrorResponse{Code: errCode, Message: msg})
}

func (s *Server) handleHandshake(c *mizu.Ctx) error {
	var req transport.HandshakeRequest
	if err := readEnvelope(c, 4096, &req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request", "invalid request body")
	}
	if req.DBID == "" || req.DeviceID == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request", "db_id and device_id are required")
	}

	cursor, err := s.Store.Handshake(c.Context(), req.DBID, req.DeviceID)
	if err != nil {
		s.Log.Error("handshake failed", "err", err)
		return writeError(c, http.StatusInternalServerError, "internal_error", "handshake failed")
	}
	return writeEnvelope(c, http.StatusOK, transport.HandshakeResponse{
		GlobalOpID:   cursor,
		Capabilities: transport.Capabilities{Pull: true, Push: true, SSE: true},
	})
}

func (s *Server) handlePull(c *mizu.Ctx) error {
	var req transport.PullRequest
	if err := readEnvelope(c, 4096, &req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request", "invalid request body")
	}
	if req.DBID == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request", "db_id is required")
	}

	ops, next, hasMore, err := s.Store.Pull(c.Context(), req.DBID, req.Since, req.Limit, req.Collections)
	if err != nil {
		s.Log.Error("pull failed", "err", err)
		return writeError(c, http.StatusInternalServerError, "internal_error", "pull failed")
	}
	return writeEnvelope(c, http.StatusOK, transport.PullResponse{Ops: ops, NextCursor: next, HasMore: hasMore})
}

func (s *Server) handlePush(c *mizu.Ctx) error {
	var req transport.PushRequest
	if err := readEnvelope(c, 8<<20, &req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request", "invalid request body")
	}
	if req.DBID == "" || req.DeviceID == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request", "db_id and device_id are required")
	}

	res, err := s.Store.Push(c.Context(), req.DBID, req.DeviceID, req.Ops)
	if err != nil {
		s.Log.Error("push failed", "err", err)
		return writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	}

	if len(res.Accepted) > 0 {
		var cursor uint64
		for _, op := range res.Accepted {
			if op.ServerCursor > cursor {
				cursor = op.ServerCursor
			}
		}
		s.Hub.Broadcast(req.DBID, res.Accepted, cursor)
	}

	wireConflicts := make([]transport.ConflictInfo, len(res.Conflicts))
	for i, cf := range res.Conflicts {
		wireConflicts[i] = transport.ConflictInfo{
			Collection:           cf.Collection,
			EntityID:             cf.EntityID,
			ClientOp:             cf.ClientOp,
			ServerVersion:        cf.ServerState.EntityVersion,
			ServerCBOR:           cf.ServerState.EntityCBOR,
			ServerLastModifiedMs: cf.ServerState.LastModified,
		}
	}
	return writeEnvelope(c, http.StatusOK, transport.PushResponse{
		AcknowledgedUpToOpID: res.AcknowledgedUpToOpID,
		Conflicts:            wireConflicts,
	})
}

func (s *Server) handleStats(c *mizu.Ctx) error {
	return c.JSON(http.StatusOK, s.Hub.Stats())
}

// operationsEventData base64-encodes a CBOR-encoded OperationsMsg so it
// can ride an SSE data: line (which must be valid UTF-8 text).
func operationsEventData(msg broadcast.Message) (string, error) {
	b, err := oplog.EncodeEnvelope(transport.OperationsMsg{Ops: msg.Ops, Cursor: msg.Cursor})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// handleEvents serves /v1/events over the sse middleware's Broker/Client
// protocol, bridging each connection's broadcast.Subscription into SSE
// "operations" events carrying the newly visible ops.
func (s *Server) handleEvents() mizu.Handler {
	upgrade := ssemw.New(func(c *mizu.Ctx, client *ssemw.Client) {
		dbID := c.Query("db_id")
		deviceID := c.Query("device_id")
		if dbID == "" || deviceID == "" {
			client.Close()
			return
		}
		var collections []string
		if raw := c.Query("collections"); raw != "" {
			collections = strings.Split(raw, ",")
		}

		sub, err := s.Hub.Subscribe(dbID, deviceID, collections)
		if err != nil {
			client.Close()
			return
		}
		defer s.Hub.Unsubscribe(sub.ID)

		for {
			select {
			case msg, ok := <-sub.C:
				if !ok {
					client.Close()
					return
				}
				data, err := operationsEventData(msg)
				if err != nil {
					continue
				}
				client.SendEvent("operations", data)
				s.Hub.Touch(sub.ID)
			case <-client.Done:
				return
			}
		}
	})
	base := mizu.Handler(func(c *mizu.Ctx) error {
		return writeError(c, http.StatusBadRequest, "invalid_request", "db_id and device_id are required")
	})
	return upgrade(base)
}

// handleWS serves /v1/ws: the server side of Channel B (spec §4.5). After
// the client's Subscribe is received, every broadcast Message is forwarded
// as a binary Operations envelope; a Ping ticker keeps the connection
// alive, and an unanswered Ping within pongTimeout closes it.
func (s *Server) handleWS() mizu.Handler {
	upgrade := wsmw.New(func(c *mizu.Ctx, conn *wsmw.Conn) error {
		op, payload, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		if op != wsmw.OpBinary {
			_ = sendWSError(conn, "invalid_request", "expected a binary Subscribe message")
			return conn.Close()
		}
		var env transport.Envelope
		if err := oplog.DecodeEnvelope(payload, &env); err != nil || env.Type != transport.MsgSubscribe {
			_ = sendWSError(conn, "invalid_request", "expected a Subscribe message")
			return conn.Close()
		}
		var sm transport.SubscribeMsg
		if err := oplog.DecodeEnvelope(env.Payload, &sm); err != nil || sm.DBID == "" || sm.DeviceID == "" {
			_ = sendWSError(conn, "invalid_request", "db_id and device_id are required")
			return conn.Close()
		}

		sub, subErr := s.Hub.Subscribe(sm.DBID, sm.DeviceID, sm.Collections)
		if subErr != nil {
			_ = sendWSError(conn, "rate_limit_exceeded", subErr.Error())
			return conn.Close()
		}
		defer s.Hub.Unsubscribe(sub.ID)

		if err := sendWSEnvelope(conn, transport.MsgSubscribed, transport.SubscribedMsg{SubscriptionID: sub.ID}); err != nil {
			return nil
		}

		const pingInterval = 30 * time.Second
		const pongTimeout = 10 * time.Second
		keepalive := time.NewTicker(pingInterval)
		defer keepalive.Stop()
		// pongTimer fires if a Pong doesn't arrive within pongTimeout of the
		// most recent Ping; it's given one full interval of slack before the
		// first Ping is even sent.
		pongTimer := time.NewTimer(pingInterval + pongTimeout)
		defer pongTimer.Stop()

		pongCh := make(chan struct{}, 1)
		go wsReadLoop(conn, pongCh)

		for {
			select {
			case msg, ok := <-sub.C:
				if !ok {
					return nil
				}
				if err := sendWSEnvelope(conn, transport.MsgOperations, transport.OperationsMsg{Ops: msg.Ops, Cursor: msg.Cursor}); err != nil {
					return nil
				}
				s.Hub.Touch(sub.ID)
			case <-keepalive.C:
				if err := sendWSEnvelope(conn, transport.MsgPing, nil); err != nil {
					return nil
				}
				resetTimer(pongTimer, pongTimeout)
			case <-pongTimer.C:
				_ = sendWSError(conn, "timeout", "no pong within timeout")
				return conn.Close()
			case <-pongCh:
				resetTimer(pongTimer, pingInterval+pongTimeout)
				s.Hub.Touch(sub.ID)
			}
		}
	})
	base := mizu.Handler(func(c *mizu.Ctx) error {
		return c.Text(http.StatusUpgradeRequired, "expected websocket upgrade")
	})
	return upgrade(base)
}

// wsReadLoop drains client frames, answering Ping with Pong and signalling
// pongCh whenever a Pong arrives, until the connection errors.
func wsReadLoop(conn *wsmw.Conn, pongCh chan<- struct{}) {
	for {
		op, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if op != wsmw.OpBinary {
			continue
		}
		var env transport.Envelope
		if err := oplog.DecodeEnvelope(payload, &env); err != nil {
			continue
		}
		switch env.Type {
		case transport.MsgPong:
			select {
			case pongCh <- struct{}{}:
			default:
			}
		case transport.MsgPing:
			_ = sendWSEnvelope(conn, transport.MsgPong, nil)
		}
	}
}

// resetTimer stops t, drains a pending fire if present, and reschedules it
// for d from now.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func sendWSEnvelope(conn *wsmw.Conn, typ transport.MsgType, payload any) error {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = oplog.EncodeEnvelope(payload)
		if err != nil {
			return err
		}
	}
	b, err := oplog.EncodeEnvelope(transport.Envelope{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	return conn.WriteMessage(wsmw.OpBinary, b)
}

func sendWSError(conn *wsmw.Conn, code, msg string) error {
	return sendWSEnvelope(conn, transport.MsgError, transport.ErrorMsg{Code: code, Message: msg})
}
