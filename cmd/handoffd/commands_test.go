package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAckCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /actions": `{"id":"act-123","type":"acknowledge_record","synced":false}`,
	})

	client := ts.client()

	body := map[string]any{
		"type":      "acknowledge_record",
		"record_id": "handoff-42",
		"notes":     "reviewed at shift start",
	}
	resp, err := client.post(ctx, "/actions", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["id"] != "act-123" {
		t.Errorf("id = %v, want act-123", result["id"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/actions" {
		t.Errorf("request = %s %s, want POST /actions", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(r.Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["record_id"] != "handoff-42" {
		t.Errorf("body.record_id = %v, want handoff-42", sent["record_id"])
	}
	if sent["notes"] != "reviewed at shift start" {
		t.Errorf("body.notes = %v", sent["notes"])
	}
}

func TestAckCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ack"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing record id")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want it to mention args", err.Error())
	}
}

func TestQueueList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /actions": `[{"id":"act-1","type":"acknowledge_record","synced":false,"attempts":1,"last_error":"502"}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/actions?all=true")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var actions []map[string]any
	if err := decodeJSON(resp, &actions); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(actions) != 1 || actions[0]["id"] != "act-1" {
		t.Fatalf("actions = %v", actions)
	}

	if ts.requests[0].Path != "/actions?all=true" {
		t.Errorf("path = %q, want /actions?all=true", ts.requests[0].Path)
	}
}

func TestSyncCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sync": `[{"action_id":"act-1","synced":true},{"action_id":"act-2","synced":false,"error":"server returned 500"}]`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/sync", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var results []struct {
		ActionID string `json:"action_id"`
		Synced   bool   `json:"synced"`
		Error    string `json:"error"`
	}
	if err := decodeJSON(resp, &results); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if !results[0].Synced || results[1].Synced {
		t.Errorf("unexpected sync states: %+v", results)
	}
}

func TestDecodeJSONErrorBody(t *testing.T) {
	ts := newTestServer(t, nil)

	client := ts.client()
	resp, err := client.get(ctx, "/records/missing")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var out any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to mention 404", err.Error())
	}
}
