package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentLoop/sdk/go/agentloop"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(agentloop.Session{ID: "sess-demo", Status: "active", Goal: "demo"})
	})
	mux.HandleFunc("GET /api/v1/sessions/sess-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentloop.SessionDetail{
			Session: agentloop.Session{ID: "sess-demo", Status: "completed", Goal: "demo"},
			Steps: []agentloop.Step{
				{Number: 1, Kind: "tool_call", ToolName: "calculator", Result: "120", Status: "completed"},
				{Number: 2, Kind: "finish", Result: `{"answer":120}`, Status: "completed"},
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentloop.NewClient(srv.URL, "demo-key", srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := client.CreateSession(ctx, "compute 15*8", true)
	if err != nil {
		panic(err)
	}
	fmt.Printf("created session %s (status=%s)\n", sess.ID, sess.Status)

	detail, err := client.WaitSession(ctx, sess.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("session finished with %d steps, status=%s\n", len(detail.Steps), detail.Session.Status)
}
