// Package conflict implements the strict version-based Conflict Detector
// (C7): a client op is accepted iff its entity_version exceeds the latest
// server-known version for that entity. No causal or vector-clock model.
package conflict

import "github.com/Tembocs/entidb-sync-sub000/pkg/oplog"

// ServerState is the server's current knowledge of an entity, used to
// populate a Conflict's server_state.
type ServerState struct {
	EntityVersion uint64
	EntityCBOR    []byte
	LastModified  int64
}

// Conflict describes a rejected push (spec §3).
type Conflict struct {
	Collection  string
	EntityID    string
	ClientOp    oplog.Operation
	ServerState ServerState
}

// Lookup resolves the latest server state for an entity, or ok=false if no
// prior server op exists for it.
type Lookup func(collection, entityID string) (ServerState, bool)

// Check implements spec §4.7: accept if no prior op exists or v > v_srv;
// conflict if v <= v_srv.
func Check(op oplog.Operation, lookup Lookup) (*Conflict, bool) {
	srv, ok := lookup(op.Collection, op.EntityID)
	if !ok {
		return nil, true
	}
	if op.EntityVersion > srv.EntityVersion {
		return nil, true
	}
	return &Conflict{
		Collection:  op.Collection,
		EntityID:    op.EntityID,
		ClientOp:    op,
		ServerState: srv,
	}, false
}
