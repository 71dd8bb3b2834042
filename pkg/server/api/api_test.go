package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fxamacker/cbor/v2"

	mizu "github.com/Tembocs/entidb-sync-sub000"

	"github.com/Tembocs/entidb-sync-sub000/pkg/oplog"
	"github.com/Tembocs/entidb-sync-sub000/pkg/server/broadcast"
	"github.com/Tembocs/entidb-sync-sub000/pkg/server/oplogstore"
	"github.com/Tembocs/entidb-sync-sub000/pkg/transport"
)

func newTestServer(t *testing.T) (*mizu.Router, *Server) {
	t.Helper()
	store, err := oplogstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	s := &Server{Store: store, Hub: broadcast.NewHub(0, 0)}
	r := mizu.NewRouter()
	Mount(r, s, nil)
	return r, s
}

func postCBOR(t *testing.T, r *mizu.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := cbor.Marshal(body)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", cborContentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandshake_ReturnsZeroCursorAndCapabilitiesForNewDB(t *testing.T) {
	r, _ := newTestServer(t)

	rec := postCBOR(t, r, "/v1/handshake", transport.HandshakeRequest{DBID: "db1", DeviceID: "devA"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp transport.HandshakeResponse
	if err := cbor.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.GlobalOpID != 0 {
		t.Fatalf("expected cursor 0, got %d", resp.GlobalOpID)
	}
	if !resp.Capabilities.Pull || !resp.Capabilities.Push || !resp.Capabilities.SSE {
		t.Fatalf("expected full capabilities advertised, got %+v", resp.Capabilities)
	}
}

func TestPushThenPull_RoundTrips(t *testing.T) {
	r, _ := newTestServer(t)

	op := oplog.Operation{
		OpID: 1, DBID: "db1", DeviceID: "devA", Collection: "users",
		EntityID: "u1", OpType: oplog.OpUpsert, EntityVersion: 1, EntityCBOR: []byte{0x61, 0x78},
	}
	rec := postCBOR(t, r, "/v1/push", transport.PushRequest{DBID: "db1", DeviceID: "devA", Ops: []oplog.Operation{op}})
	if rec.Code != http.StatusOK {
		t.Fatalf("push: expected 200, got %d", rec.Code)
	}

	rec2 := postCBOR(t, r, "/v1/pull", transport.PullRequest{DBID: "db1", Since: 0, Limit: 10})
	if rec2.Code != http.StatusOK {
		t.Fatalf("pull: expected 200, got %d", rec2.Code)
	}

	var pullResp transport.PullResponse
	if err := cbor.Unmarshal(rec2.Body.Bytes(), &pullResp); err != nil {
		t.Fatalf("decode pull response: %v", err)
	}
	if len(pullResp.Ops) != 1 {
		t.Fatalf("expected 1 op on pull, got %+v", pullResp)
	}
}

func TestHealthAndVersion(t *testing.T) {
	r, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected /health response: %d %q", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("unexpected /v1/version status: %d", rec2.Code)
	}
}

func TestPush_MissingFieldsReturnsBadRequest(t *testing.T) {
	r, _ := newTestServer(t)
	rec := postCBOR(t, r, "/v1/push", transport.PushRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
