package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/avenlo/handoffd/internal/storage"
)

func ackAction(t *testing.T, recordID string) storage.QueuedAction {
	t.Helper()
	return storage.QueuedAction{
		ID:          "act-1",
		Type:        storage.ActionAcknowledgeRecord,
		PayloadJSON: `{"record_id":"` + recordID + `","notes":"filters changed"}`,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestSendAcknowledgeSuccess(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token-123")
	if err := c.Send(context.Background(), ackAction(t, "h-1")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/handoffs/h-1/acknowledge" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth != "Bearer token-123" {
		t.Errorf("auth = %s", gotAuth)
	}
}

func TestSendIdempotentConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"detail":{"code":"ALREADY_ACKNOWLEDGED"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	err := c.Send(context.Background(), ackAction(t, "h-1"))
	if !errors.Is(err, ErrAlreadyApplied) {
		t.Errorf("expected ErrAlreadyApplied, got %v", err)
	}
}

// A 409 with a different code is an ordinary failure, not idempotent success.
func TestSendOtherConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"detail":{"code":"HANDOFF_LOCKED"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	err := c.Send(context.Background(), ackAction(t, "h-1"))
	if err == nil || errors.Is(err, ErrAlreadyApplied) {
		t.Errorf("expected plain failure, got %v", err)
	}
}

func TestSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	if err := c.Send(context.Background(), ackAction(t, "h-1")); err == nil {
		t.Error("expected error on 502")
	}
}

func TestSendTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL, "t")
	if err := c.Send(context.Background(), ackAction(t, "h-1")); err == nil {
		t.Error("expected transport error")
	}
}

func TestSendUnknownActionType(t *testing.T) {
	c := NewClient("http://unused", "t")
	err := c.Send(context.Background(), storage.QueuedAction{ID: "a", Type: "delete_everything"})
	if err == nil {
		t.Error("expected error for unknown action type")
	}
}
