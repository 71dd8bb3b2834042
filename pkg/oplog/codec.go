package oplog

import (
	"github.com/fxamacker/cbor/v2"
)

// wireOp mirrors Operation as a flat, self-describing CBOR map. entity_cbor
// is omitted (not null-encoded) for deletes, per spec §4.1.
type wireOp struct {
	OpID          uint64 `cbor:"op_id"`
	DBID          string `cbor:"db_id"`
	DeviceID      string `cbor:"device_id"`
	Collection    string `cbor:"collection"`
	EntityID      string `cbor:"entity_id"`
	OpType        string `cbor:"op_type"`
	EntityVersion uint64 `cbor:"entity_version"`
	EntityCBOR    []byte `cbor:"entity_cbor,omitempty"`
	TimestampMs   int64  `cbor:"timestamp_ms"`
}

func toWire(op Operation) wireOp {
	return wireOp{
		OpID:          op.OpID,
		DBID:          op.DBID,
		DeviceID:      op.DeviceID,
		Collection:    op.Collection,
		EntityID:      op.EntityID,
		OpType:        string(op.OpType),
		EntityVersion: op.EntityVersion,
		EntityCBOR:    op.EntityCBOR,
		TimestampMs:   op.TimestampMs,
	}
}

func fromWire(w wireOp) (Operation, error) {
	op := Operation{
		OpID:          w.OpID,
		DBID:          w.DBID,
		DeviceID:      w.DeviceID,
		Collection:    w.Collection,
		EntityID:      w.EntityID,
		OpType:        OpType(w.OpType),
		EntityVersion: w.EntityVersion,
		EntityCBOR:    w.EntityCBOR,
		TimestampMs:   w.TimestampMs,
	}
	if op.DBID == "" {
		return op, &DecodeError{Field: "db_id", Err: ErrDecode}
	}
	if op.OpType != OpUpsert && op.OpType != OpDelete {
		return op, &DecodeError{Field: "op_type", Err: ErrDecode}
	}
	return op, nil
}

// Encode serializes an Operation to its binary envelope. Round-trips with
// Decode; entity_cbor bytes are preserved exactly.
func Encode(op Operation) ([]byte, error) {
	return cbor.Marshal(toWire(op))
}

// Decode parses bytes produced by Encode back into an Operation.
func Decode(b []byte) (Operation, error) {
	var w wireOp
	if err := cbor.Unmarshal(b, &w); err != nil {
		return Operation{}, &DecodeError{Field: "<root>", Err: err}
	}
	return fromWire(w)
}

// wireServerOp adds the server-assigned fields to wireOp.
type wireServerOp struct {
	wireOp
	ServerCursor   uint64 `cbor:"server_cursor"`
	SourceDeviceID string `cbor:"source_device_id"`
	SourceOpID     uint64 `cbor:"source_op_id"`
}

// EncodeServerOp serializes a ServerOp.
func EncodeServerOp(op ServerOp) ([]byte, error) {
	w := wireServerOp{
		wireOp:         toWire(op.Operation),
		ServerCursor:   op.ServerCursor,
		SourceDeviceID: op.SourceDeviceID,
		SourceOpID:     op.SourceOpID,
	}
	return cbor.Marshal(w)
}

// DecodeServerOp parses bytes produced by EncodeServerOp.
func DecodeServerOp(b []byte) (ServerOp, error) {
	var w wireServerOp
	if err := cbor.Unmarshal(b, &w); err != nil {
		return ServerOp{}, &DecodeError{Field: "<root>", Err: err}
	}
	base, err := fromWire(w.wireOp)
	if err != nil {
		return ServerOp{}, err
	}
	return ServerOp{
		Operation:      base,
		ServerCursor:   w.ServerCursor,
		SourceDeviceID: w.SourceDeviceID,
		SourceOpID:     w.SourceOpID,
	}, nil
}

// EncodeEnvelope CBOR-encodes any envelope message (Handshake/Pull/Push
// requests and responses, Conflict, ErrorResponse) using the same flat-map
// encoding as operations.
func EncodeEnvelope(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// DecodeEnvelope parses bytes produced by EncodeEnvelope into v.
func DecodeEnvelope(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return &DecodeError{Field: "<root>", Err: err}
	}
	return nil
}
