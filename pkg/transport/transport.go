// Package transport implements the Transport Adapter (C5): the wire-level
// client for talking to the server oplog store, over two channels —
// request/response (Channel A) and a long-lived bidirectional stream used
// for push notifications and in-band pull/push (Channel B). Both channels
// exchange the same binary (CBOR) envelope encoding; see pkg/oplog's
// EncodeEnvelope/DecodeEnvelope.
package transport

import (
	"context"
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/Tembocs/entidb-sync-sub000/pkg/oplog"
)

// ErrUnavailable is returned by a Client method when the underlying
// channel could not reach the server after exhausting its retry budget.
var ErrUnavailable = errors.New("transport: server unavailable")

// Capabilities advertises which transports a server session supports, so a
// client can pick between pull-only and push/subscribe operation.
type Capabilities struct {
	Pull bool `cbor:"pull"`
	Push bool `cbor:"push"`
	SSE  bool `cbor:"sse"`
}

// HandshakeRequest opens (or resumes) a sync session for a device.
type HandshakeRequest struct {
	DBID     string `cbor:"db_id"`
	DeviceID string `cbor:"device_id"`
}

type HandshakeResponse struct {
	GlobalOpID   uint64       `cbor:"server_cursor"`
	Capabilities Capabilities `cbor:"capabilities"`
}

// PullRequest asks for server ops after Since, optionally filtered to
// Collections, capped at Limit.
type PullRequest struct {
	DBID        string   `cbor:"db_id"`
	Since       uint64   `cbor:"since_cursor"`
	Limit       int      `cbor:"limit"`
	Collections []string `cbor:"collections,omitempty"`
}

type PullResponse struct {
	Ops        []oplog.ServerOp `cbor:"ops"`
	NextCursor uint64           `cbor:"next_cursor"`
	HasMore    bool             `cbor:"has_more"`
}

// PushRequest submits a batch of locally produced operations from DeviceID.
type PushRequest struct {
	DBID     string            `cbor:"db_id"`
	DeviceID string            `cbor:"device_id"`
	Ops      []oplog.Operation `cbor:"ops"`
}

// ConflictInfo mirrors a rejected push (spec §3's Conflict/server_state),
// flattened for the wire.
type ConflictInfo struct {
	Collection           string          `cbor:"collection"`
	EntityID             string          `cbor:"entity_id"`
	ClientOp             oplog.Operation `cbor:"client_op"`
	ServerVersion        uint64          `cbor:"entity_version"`
	ServerCBOR           []byte          `cbor:"entity_cbor,omitempty"`
	ServerLastModifiedMs int64           `cbor:"last_modified"`
}

type PushResponse struct {
	AcknowledgedUpToOpID uint64         `cbor:"acknowledged_up_to_op_id"`
	Conflicts            []ConflictInfo `cbor:"conflicts"`
}

// ErrorResponse is the binary-envelope error body (spec §6/§7).
type ErrorResponse struct {
	Code              string `cbor:"code"`
	Message           string `cbor:"message"`
	Details           string `cbor:"details,omitempty"`
	Field             string `cbor:"field,omitempty"`
	RetryAfterSeconds int    `cbor:"retry_after_seconds,omitempty"`
	RequestID         string `cbor:"request_id,omitempty"`
}

// Client is Channel A: request/response operations against the server.
type Client interface {
	Handshake(ctx context.Context, req HandshakeRequest) (HandshakeResponse, error)
	Pull(ctx context.Context, req PullRequest) (PullResponse, error)
	Push(ctx context.Context, req PushRequest) (PushResponse, error)
}

// Notification is a Channel B push: the ops newly available at Cursor,
// already filtered to the subscription's collections.
type Notification struct {
	DBID   string
	Ops    []oplog.ServerOp
	Cursor uint64
}

// EventStream is Channel B: a long-lived connection the server uses to
// push sync hints without the client polling. Notifications is closed when
// the stream ends (error or explicit Close); the caller inspects Err()
// afterward to distinguish a clean close from a failure.
type EventStream interface {
	Notifications() <-chan Notification
	Err() error
	Close() error
}

// MsgType discriminates the typed messages exchanged over Channel B
// (spec §4.5).
type MsgType string

const (
	MsgSubscribe    MsgType = "subscribe"
	MsgSubscribed   MsgType = "subscribed"
	MsgOperations   MsgType = "operations"
	MsgAck          MsgType = "ack"
	MsgPull         MsgType = "pull"
	MsgPullResponse MsgType = "pull_response"
	MsgPush         MsgType = "push"
	MsgPushResponse MsgType = "push_response"
	MsgPing         MsgType = "ping"
	MsgPong         MsgType = "pong"
	MsgError        MsgType = "error"
)

// Envelope wraps every Channel B message. CorrID, when non-empty, lets a
// request (Pull/Push) sent over this channel be matched to its response;
// Subscribe/Operations/Ping/Pong carry no correlation id. Payload holds the
// CBOR encoding of the type-specific body (SubscribeMsg, OperationsMsg,
// ...), deferred so the envelope can be decoded before the payload type is
// known.
type Envelope struct {
	Type    MsgType         `cbor:"type"`
	CorrID  string          `cbor:"corr_id,omitempty"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
}

// SubscribeMsg opens a live subscription for dbID/deviceID, optionally
// filtered to collections.
type SubscribeMsg struct {
	DBID        string   `cbor:"db_id"`
	DeviceID    string   `cbor:"device_id"`
	Collections []string `cbor:"collections,omitempty"`
}

// SubscribedMsg acknowledges a Subscribe, carrying the subscription id.
type SubscribedMsg struct {
	SubscriptionID string `cbor:"subscription_id"`
}

// OperationsMsg carries server ops newly visible to a subscriber, already
// filtered to its collections, in ascending server_cursor order.
type OperationsMsg struct {
	Ops    []oplog.ServerOp `cbor:"ops"`
	Cursor uint64           `cbor:"cursor"`
}

// AckMsg acknowledges receipt of operations up to Cursor.
type AckMsg struct {
	Cursor uint64 `cbor:"cursor"`
}

// PushMsg and PushResponseMsg let Channel B carry an in-band push, using
// the same shapes as Channel A's request/response.
type PushMsg = PushRequest
type PushResponseMsg = PushResponse

// PullMsg and PullResponseMsg let Channel B carry an in-band pull.
type PullMsg = PullRequest
type PullResponseMsg = PullResponse

// ErrorMsg reports a protocol-level failure (oversize message, decode
// failure, ...). The connection is closed after an ErrorMsg is sent.
type ErrorMsg struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}
