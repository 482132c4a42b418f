package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/mtzanidakis/concord/internal/config"
	"github.com/mtzanidakis/concord/internal/coord"
	"github.com/mtzanidakis/concord/internal/coordinator"
	"github.com/mtzanidakis/concord/internal/natsbus"
	"github.com/mtzanidakis/concord/internal/store"
	"github.com/mtzanidakis/concord/internal/synchrony"
)

// loopback acknowledges every assignment and completes every barrier.
type loopback struct {
	mu sync.Mutex
	c  *coordinator.Coordinator
}

func (l *loopback) Send(_ context.Context, msg coord.Message) error {
	if msg.Type == coord.MsgSyncSignal {
		l.mu.Lock()
		c := l.c
		l.mu.Unlock()
		go func() { _ = c.Report(msg.StringField("barrier_id"), msg.To, "completed") }()
	}
	return nil
}

func (l *loopback) Request(_ context.Context, msg coord.Message) (coord.Message, error) {
	return coord.NewMessage(coord.MsgTaskAck, msg.To, msg.From, map[string]any{
		"task_id":  msg.StringField("task_id"),
		"accepted": true,
	}), nil
}

func newTestServer(t *testing.T, auth string) (*Server, *coordinator.Coordinator) {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "web.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	lb := &loopback{}
	c := coordinator.New(config.CoordinationConfig{
		BarrierTimeout:  time.Second,
		AckTimeout:      time.Second,
		HeartbeatRest:   time.Millisecond,
		FairnessHorizon: time.Minute,
		IdleTimeout:     time.Minute,
		DefaultStrategy: "priority",
	}, lb, coordinator.WithStore(st))
	lb.mu.Lock()
	lb.c = c
	lb.mu.Unlock()
	t.Cleanup(c.Close)

	for _, id := range []string{"a", "b"} {
		if err := c.Orchestrator.AddAgent(coord.Agent{ID: id, Capabilities: coord.NewCapabilitySet("go")}); err != nil {
			t.Fatalf("add agent %s: %v", id, err)
		}
	}

	s := NewServer(c, config.WebConfig{Auth: auth}, "test", WithStore(st))
	return s, c
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAuthCheckWithoutAuth(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Handler()

	if rec := do(t, h, "GET", "/api/auth/check", nil); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/api/status", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	for name, auth := range map[string]string{"plain": "secret", "bcrypt": string(hash)} {
		t.Run(name, func(t *testing.T) {
			s, _ := newTestServer(t, auth)
			h := s.Handler()

			if rec := do(t, h, "GET", "/api/status", nil); rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401 without credentials, got %d", rec.Code)
			}

			req := httptest.NewRequest("GET", "/api/status", nil)
			req.SetBasicAuth("", "secret")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200 with basic auth, got %d", rec.Code)
			}

			if rec := do(t, h, "POST", "/api/login", map[string]string{"password": "wrong"}); rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401 for wrong password, got %d", rec.Code)
			}
			rec = do(t, h, "POST", "/api/login", map[string]string{"password": "secret"})
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200 on login, got %d", rec.Code)
			}
			cookies := rec.Result().Cookies()
			if len(cookies) != 1 || cookies[0].Name != sessionCookieName {
				t.Fatalf("expected session cookie, got %v", cookies)
			}

			req = httptest.NewRequest("GET", "/api/agents", nil)
			req.AddCookie(cookies[0])
			rec = httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200 with session, got %d", rec.Code)
			}

			req = httptest.NewRequest("POST", "/api/logout", nil)
			req.AddCookie(cookies[0])
			h.ServeHTTP(httptest.NewRecorder(), req)
			if s.validSession(httptest.NewRecorder(), req) {
				t.Error("expected session to be gone after logout")
			}
		})
	}
}

func TestAgentsAPI(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Handler()

	agents := decodeBody[[]coord.Agent](t, do(t, h, "GET", "/api/agents", nil))
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
	if rec := do(t, h, "GET", "/api/agents/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec := do(t, h, "PUT", "/api/agents/a/state", map[string]any{"load": 0.5, "status": "busy"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if a := decodeBody[coord.Agent](t, rec); a.Status != coord.AgentBusy || a.Load != 0.5 {
		t.Errorf("unexpected agent %+v", a)
	}
	if rec := do(t, h, "PUT", "/api/agents/a/state", map[string]any{"load": 2, "status": "busy"}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for load out of range, got %d", rec.Code)
	}

	if rec := do(t, h, "POST", "/api/agents/a/messages", map[string]any{"content": map[string]any{"x": 1}}); rec.Code != http.StatusOK {
		t.Errorf("expected 200 on message, got %d", rec.Code)
	}
	out := decodeBody[map[string]int](t, do(t, h, "POST", "/api/broadcast", map[string]any{"capability": "go"}))
	if out["delivered"] != 2 {
		t.Errorf("expected 2 deliveries, got %d", out["delivered"])
	}

	hier := decodeBody[map[string]any](t, do(t, h, "GET", "/api/hierarchy", nil))
	if problems, _ := hier["problems"].([]any); len(problems) != 0 {
		t.Errorf("expected valid hierarchy, got %v", problems)
	}
}

func TestTasksAPI(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Handler()

	rec := do(t, h, "POST", "/api/tasks", map[string]any{
		"task":     map[string]any{"id": "t1", "type": "build", "priority": 0.7},
		"criteria": map[string]any{"required_capabilities": []string{"go"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	task := decodeBody[coord.Task](t, rec)
	if task.Status != coord.TaskAssigned || task.AssignedTo == "" {
		t.Fatalf("unexpected task %+v", task)
	}

	rec = do(t, h, "POST", "/api/tasks", map[string]any{
		"task":     map[string]any{"id": "t2", "type": "build", "priority": 0.7},
		"criteria": map[string]any{"required_capabilities": []string{"rust"}},
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without eligible agent, got %d", rec.Code)
	}

	if rec := do(t, h, "PUT", "/api/tasks/t1/status", map[string]string{"status": "in_progress"}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	got := decodeBody[map[string]json.RawMessage](t, do(t, h, "GET", "/api/tasks/t1", nil))
	var history []store.TaskEvent
	if err := json.Unmarshal(got["history"], &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("expected 2 history events, got %d", len(history))
	}

	ordered := decodeBody[[]coord.Task](t, do(t, h, "POST", "/api/tasks/order", map[string]any{
		"tasks": []map[string]any{
			{"id": "deploy", "dependencies": []string{"build"}},
			{"id": "build"},
		},
	}))
	if len(ordered) != 2 || ordered[0].ID != "build" {
		t.Errorf("expected build first, got %+v", ordered)
	}
	rec = do(t, h, "POST", "/api/tasks/order", map[string]any{
		"tasks": []map[string]any{
			{"id": "x", "dependencies": []string{"y"}},
			{"id": "y", "dependencies": []string{"x"}},
		},
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a cycle, got %d", rec.Code)
	}
}

func TestResourcesAPI(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Handler()

	if rec := do(t, h, "POST", "/api/resources/db/allocate", map[string]string{"agent_id": "a", "duration": "1m"}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, "POST", "/api/resources/db/allocate", map[string]string{"agent_id": "b"}); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for busy resource, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/resources/db/allocate", map[string]string{"agent_id": "b", "duration": "soon"}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad duration, got %d", rec.Code)
	}

	pos := decodeBody[map[string]int](t, do(t, h, "POST", "/api/resources/db/enqueue", map[string]string{"agent_id": "b"}))
	if pos["position"] != 1 {
		t.Errorf("expected position 1, got %d", pos["position"])
	}

	next := decodeBody[map[string]string](t, do(t, h, "POST", "/api/resources/db/release", map[string]string{"agent_id": "a"}))
	if next["next_holder"] != "b" {
		t.Errorf("expected b to hold db next, got %q", next["next_holder"])
	}
	status := decodeBody[coord.ResourceStatus](t, do(t, h, "GET", "/api/resources/db", nil))
	if status.Holder != "b" {
		t.Errorf("expected holder b, got %q", status.Holder)
	}
	if rec := do(t, h, "GET", "/api/resources/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	transfers := decodeBody[[]store.Transfer](t, do(t, h, "GET", "/api/resources/db/transfers", nil))
	if len(transfers) < 2 {
		t.Errorf("expected transfers to be journaled, got %d", len(transfers))
	}
}

func TestSynchronizeAPI(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Handler()

	rec := do(t, h, "POST", "/api/sync", map[string]any{"agents": []string{"a", "b"}, "action": "deploy", "timeout": "2s"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if out := decodeBody[map[string]bool](t, rec); !out["success"] {
		t.Error("expected barrier to succeed")
	}
	// Resolved barriers are no longer live.
	barriers := decodeBody[[]synchrony.BarrierState](t, do(t, h, "GET", "/api/barriers", nil))
	if len(barriers) != 0 {
		t.Errorf("expected no live barriers, got %d", len(barriers))
	}
	if rec := do(t, h, "GET", "/api/barriers/gone", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	if rec := do(t, h, "POST", "/api/sync", map[string]any{"agents": []string{}, "action": "deploy"}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty agent list, got %d", rec.Code)
	}
}

func TestGroupsAPI(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Handler()

	rec := do(t, h, "PUT", "/api/groups/pulse", map[string]any{
		"members": []string{"a", "b"}, "pattern": "heartbeat", "interval": "1h",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	groups := decodeBody[[]synchrony.GroupState](t, do(t, h, "GET", "/api/groups", nil))
	if len(groups) != 1 || groups[0].ID != "pulse" {
		t.Fatalf("unexpected groups %+v", groups)
	}
	if rec := do(t, h, "GET", "/api/groups/pulse/coherence", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200 on coherence, got %d", rec.Code)
	}

	rec = do(t, h, "POST", "/api/groups/pulse/behaviors", map[string]any{"type": "deadlock", "strength": 0.9})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on behavior, got %d: %s", rec.Code, rec.Body)
	}
	if got := decodeBody[map[string]any](t, rec); got["kind"] != "disruptive" {
		t.Errorf("expected disruptive, got %v", got["kind"])
	}
	behaviors := decodeBody[[]store.Behavior](t, do(t, h, "GET", "/api/groups/pulse/behaviors", nil))
	if len(behaviors) != 1 {
		t.Errorf("expected 1 journaled behavior, got %d", len(behaviors))
	}

	if rec := do(t, h, "PUT", "/api/groups/bad", map[string]any{"members": []string{"a"}, "pattern": "heartbeat", "interval": "fast"}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad interval, got %d", rec.Code)
	}
	if rec := do(t, h, "DELETE", "/api/groups/pulse", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200 on stop, got %d", rec.Code)
	}
	if rec := do(t, h, "DELETE", "/api/groups/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{coord.NewValidationError("bad"), http.StatusBadRequest},
		{&coord.NotFoundError{Kind: "agent", ID: "x"}, http.StatusNotFound},
		{&coord.ResourceBusyError{Resource: "db", Holder: "a"}, http.StatusConflict},
		{&coord.TimeoutError{Op: "ack"}, http.StatusGatewayTimeout},
		{fmt.Errorf("sync: %w", synchrony.ErrClosed), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, tt.err)
		if rec.Code != tt.code {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.code, rec.Code)
		}
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	s, _ := newTestServer(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.hub.Broadcast(natsbus.Event{Type: "barrier_resolved", Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev natsbus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "barrier_resolved" {
		t.Errorf("expected barrier_resolved, got %s", ev.Type)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Minute, "5m"},
		{2*time.Hour + 3*time.Minute, "2h 3m"},
		{49 * time.Hour, "2d 1h 0m"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
