package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/fanout"
	"github.com/quarrylabs/quarry/internal/store"
)

func newStreamFixture(t *testing.T) (*httptest.Server, *fanout.Fanout) {
	t.Helper()
	repo := store.NewMemory()
	bus := fanout.New()

	if err := repo.CreateSession(context.Background(), &domain.Session{
		SandboxID: "sb-1",
		TaskID:    "task-1",
		Status:    domain.StatusRunning,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	h := NewStreamHandler(repo, bus, "*", true)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, bus
}

func streamURL(srv *httptest.Server, sandboxID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sandboxes/" + sandboxID + "/stream"
}

func TestStreamDeliversPublishedEvents(t *testing.T) {
	srv, bus := newStreamFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, streamURL(srv, "sb-1"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}()

	// The subscription attaches after the handshake completes server-side,
	// so publish until the first frame comes back.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish(fanout.Envelope{
					Name:  "SANDBOX_agent.tool_use",
					Topic: fanout.SandboxTopic("sb-1"),
					Event: &domain.Event{SandboxID: "sb-1", EventType: domain.EventAgentToolUse},
				})
			}
		}
	}()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	var env fanout.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if env.Name != "SANDBOX_agent.tool_use" {
		t.Errorf("Expected SANDBOX_agent.tool_use, got %s", env.Name)
	}
	if env.Event == nil || env.Event.SandboxID != "sb-1" {
		t.Errorf("Unexpected event payload: %+v", env.Event)
	}
}

func TestStreamUnknownSandboxRejected(t *testing.T) {
	srv, _ := newStreamFixture(t)

	resp, err := http.Get(srv.URL + "/api/sandboxes/sb-ghost/stream")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown sandbox, got %d", resp.StatusCode)
	}
}
