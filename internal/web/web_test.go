package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/swarmflow/internal/config"
	"github.com/mtzanidakis/swarmflow/internal/models"
	"github.com/mtzanidakis/swarmflow/internal/store"
	"github.com/mtzanidakis/swarmflow/internal/swarm"
	"github.com/mtzanidakis/swarmflow/internal/vault"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeRunner struct {
	goals chan string
}

func (r *fakeRunner) Run(_ context.Context, goal string) (*models.Flow, error) {
	r.goals <- goal
	return &models.Flow{ID: "f", MacroGoal: goal}, nil
}

type fixture struct {
	store  *store.Store
	orch   *swarm.Orchestrator
	runner *fakeRunner
	server *Server
	ts     *httptest.Server
}

func newFixture(t *testing.T, auth string) *fixture {
	t.Helper()
	s := newTestStore(t)
	orch := swarm.New(s, swarm.Options{Capacity: 2})
	v, err := vault.New("test")
	if err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{goals: make(chan string, 1)}
	srv := NewServer(s, config.WebConfig{Auth: auth}, Options{
		Orchestrator: orch,
		Runner:       runner,
		Vault:        v,
		Version:      "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{store: s, orch: orch, runner: runner, server: srv, ts: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if f.server.cfg.Auth != "" {
		req.SetBasicAuth("admin", f.server.cfg.Auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func seedFlow(t *testing.T, s *store.Store) {
	t.Helper()
	f := &models.Flow{
		ID:                "f1",
		MacroGoal:         "ship it",
		ExecutionStrategy: models.StrategyHybrid,
		Status:            models.FlowReady,
		CreatedAt:         time.Now().UTC(),
		Tasks: []*models.MicroTask{
			{ID: "t1", Title: "one", Type: models.TaskGeneral, Effort: 1, Status: models.TaskPending},
			{ID: "t2", Title: "two", Type: models.TaskGeneral, Effort: 1, Status: models.TaskPending, Dependencies: []string{"t1"}},
		},
	}
	if err := s.StoreFlow(f); err != nil {
		t.Fatalf("store flow: %v", err)
	}
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t, "hunter2")

	resp, err := http.Get(f.ts.URL + "/api/flows")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/flows", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with a bad password, got %d", resp.StatusCode)
	}

	if resp, _ := f.do(t, http.MethodGet, "/api/flows", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with credentials, got %d", resp.StatusCode)
	}
}

func TestFlowEndpoints(t *testing.T) {
	f := newFixture(t, "")
	seedFlow(t, f.store)

	resp, body := f.do(t, http.MethodGet, "/api/flows", "")
	var flows []models.Flow
	if err := json.Unmarshal(body, &flows); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list flows: %d %s", resp.StatusCode, body)
	}
	if len(flows) != 1 || flows[0].ID != "f1" {
		t.Errorf("unexpected flows %+v", flows)
	}

	_, body = f.do(t, http.MethodGet, "/api/flows/f1", "")
	var flow models.Flow
	if err := json.Unmarshal(body, &flow); err != nil {
		t.Fatal(err)
	}
	if len(flow.Tasks) != 2 || flow.Tasks[1].Dependencies[0] != "t1" {
		t.Errorf("flow tasks not returned: %+v", flow.Tasks)
	}

	_, body = f.do(t, http.MethodGet, "/api/flows/f1/progress", "")
	var progress models.FlowProgress
	json.Unmarshal(body, &progress)
	if progress.Total != 2 || progress.Completed != 0 {
		t.Errorf("unexpected progress %+v", progress)
	}

	resp, body = f.do(t, http.MethodGet, "/api/flows/f1/health", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"capacity":2`) {
		t.Errorf("health: %d %s", resp.StatusCode, body)
	}

	for _, path := range []string{"/api/flows/nope", "/api/flows/nope/progress", "/api/flows/nope/health"} {
		if resp, _ := f.do(t, http.MethodGet, path, ""); resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}

	if resp, body := f.do(t, http.MethodGet, "/api/flows/f1/updates", ""); strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("expected empty updates, got %d %s", resp.StatusCode, body)
	}
}

func TestCreateFlowRunsInBackground(t *testing.T) {
	f := newFixture(t, "")

	if resp, _ := f.do(t, http.MethodPost, "/api/flows", `{"goal": "  "}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a blank goal, got %d", resp.StatusCode)
	}

	resp, _ := f.do(t, http.MethodPost, "/api/flows", `{"goal": "write a haiku"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	select {
	case goal := <-f.runner.goals:
		if goal != "write a haiku" {
			t.Errorf("runner got %q", goal)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flow was not started")
	}
	f.server.runsWG.Wait()
}

func TestAgentEndpoints(t *testing.T) {
	f := newFixture(t, "")
	seedFlow(t, f.store)

	flow, _ := f.store.GetFlow("f1")
	a, err := f.orch.SpawnAgent(flow.Tasks[0], "f1")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	_, body := f.do(t, http.MethodGet, "/api/agents", "")
	var agents []models.Agent
	json.Unmarshal(body, &agents)
	if len(agents) != 1 || agents[0].ID != a.ID() {
		t.Fatalf("unexpected agents %s", body)
	}

	if resp, _ := f.do(t, http.MethodDelete, "/api/agents/unknown", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodDelete, "/api/agents/"+a.ID(), ""); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if len(f.orch.ActiveAgents()) != 0 {
		t.Error("agent still active after termination")
	}
	if task, _ := f.store.GetTask("t1"); task.Status != models.TaskBlocked {
		t.Errorf("expected terminated agent's task blocked, got %s", task.Status)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	f := newFixture(t, "")

	if resp, _ := f.do(t, http.MethodPost, "/api/schedules", `{"name":"n","goal":"g","schedule":"whenever"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad schedule, got %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodPost, "/api/schedules", `{"name":"nightly","goal":"tidy up","schedule":"every 1h"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var created map[string]any
	json.Unmarshal(body, &created)
	id := created["id"].(string)
	if created["schedule_display"] != "every hour" || created["enabled"] != true || created["next_run_at"] == nil {
		t.Errorf("unexpected schedule %v", created)
	}

	resp, body = f.do(t, http.MethodPut, "/api/schedules/"+id, `{"enabled": false}`)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"paused"`) {
		t.Errorf("pause: %d %s", resp.StatusCode, body)
	}

	_, body = f.do(t, http.MethodGet, "/api/schedules", "")
	var list []map[string]any
	json.Unmarshal(body, &list)
	if len(list) != 1 || list[0]["name"] != "nightly" {
		t.Errorf("unexpected list %s", body)
	}

	if resp, _ := f.do(t, http.MethodDelete, "/api/schedules/"+id, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("delete: %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodDelete, "/api/schedules/"+id, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestSecretEndpoints(t *testing.T) {
	f := newFixture(t, "")

	if resp, _ := f.do(t, http.MethodPost, "/api/secrets", `{"name":"k","value":"v-123"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("create secret: %d", resp.StatusCode)
	}
	_, body := f.do(t, http.MethodGet, "/api/secrets", "")
	if !strings.Contains(string(body), `"name":"k"`) || strings.Contains(string(body), "v-123") {
		t.Errorf("secret list must show names only: %s", body)
	}
	if resp, _ := f.do(t, http.MethodDelete, "/api/secrets/k", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("delete: %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodDelete, "/api/secrets/k", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestWebSocketReceivesEvents(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.hub.Run(ctx)
	if err := f.server.subscribeEvents(); err != nil {
		t.Fatal(err)
	}

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.server.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	f.orch.Emit(swarm.Event{Type: swarm.EventFlowStatus, FlowID: "f9", Data: map[string]any{"status": "executing"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Topic string      `json:"topic"`
		Event swarm.Event `json:"event"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Topic != "events.flow.f9" || msg.Event.Type != swarm.EventFlowStatus || msg.Event.Data["status"] != "executing" {
		t.Errorf("unexpected message %s", data)
	}
}
