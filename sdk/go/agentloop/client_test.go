package agentloop

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateSessionSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("X-API-Key"); got != "tenant-1" {
			t.Fatalf("unexpected api key: %q", got)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if payload["goal"] != "compute taxes" {
			t.Fatalf("unexpected goal: %v", payload["goal"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Session{ID: "sess-1", Status: "active"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "tenant-1", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sess, err := client.CreateSession(t.Context(), "compute taxes", true)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.ID != "sess-1" {
		t.Fatalf("unexpected session id: %s", sess.ID)
	}
}

func TestErrorResponsesDecodeIntoAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "SESSION_NOT_FOUND",
			"message": "session not found",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetSession(t.Context(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "SESSION_NOT_FOUND" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWaitSessionReturnsOnTerminalStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "active"
		if calls >= 2 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(SessionDetail{Session: Session{ID: "sess-1", Status: status}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	detail, err := client.WaitSession(t.Context(), "sess-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait session: %v", err)
	}
	if detail.Session.Status != "completed" || calls < 2 {
		t.Fatalf("unexpected result: status=%s calls=%d", detail.Session.Status, calls)
	}
}
