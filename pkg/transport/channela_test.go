package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestHTTPClient_Handshake_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/handshake" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("missing auth header: %q", r.Header.Get("Authorization"))
		}
		if ct := r.Header.Get("Content-Type"); ct != cborContentType {
			t.Fatalf("expected %s request, got %q", cborContentType, ct)
		}
		w.Header().Set("Content-Type", cborContentType)
		b, _ := cbor.Marshal(HandshakeResponse{GlobalOpID: 42, Capabilities: Capabilities{Pull: true, Push: true}})
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok")
	resp, err := c.Handshake(t.Context(), HandshakeRequest{DBID: "db1", DeviceID: "devA"})
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if resp.GlobalOpID != 42 {
		t.Fatalf("unexpected cursor: %d", resp.GlobalOpID)
	}
	if !resp.Capabilities.Pull || !resp.Capabilities.Push {
		t.Fatalf("expected capabilities advertised, got %+v", resp.Capabilities)
	}
}

func TestHTTPClient_Push_ServerErrorIsPermanentAfterRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		b, _ := cbor.Marshal(ErrorResponse{Code: "invalid_request", Message: "bad op"})
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	c.MaxElapsed = 0 // 4xx is non-retryable regardless of budget
	_, err := c.Push(t.Context(), PushRequest{DBID: "db1", DeviceID: "devA"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a permanent 4xx, got %d", calls)
	}
}

func TestHTTPClient_Pull_RetriesOn500(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", cborContentType)
		b, _ := cbor.Marshal(PullResponse{NextCursor: 7})
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	resp, err := c.Pull(t.Context(), PullRequest{DBID: "db1"})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if resp.NextCursor != 7 {
		t.Fatalf("unexpected next cursor: %d", resp.NextCursor)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}
