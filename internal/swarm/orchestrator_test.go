package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/swarmflow/internal/completion"
	"github.com/mtzanidakis/swarmflow/internal/config"
	"github.com/mtzanidakis/swarmflow/internal/models"
	"github.com/mtzanidakis/swarmflow/internal/store"
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

func seedFlow(t *testing.T, s *store.Store) *models.Flow {
	t.Helper()
	f := &models.Flow{
		ID:                "f1",
		MacroGoal:         "build a greeter",
		ExecutionStrategy: models.StrategyHybrid,
		Status:            models.FlowExecuting,
		CreatedAt:         time.Now().UTC(),
		Tasks: []*models.MicroTask{
			{ID: "a", Title: "Research", Type: models.TaskResearch, Effort: 5, Status: models.TaskPending},
			{ID: "b", Title: "Implement", Type: models.TaskImplementation, Effort: 2, Status: models.TaskPending},
			{ID: "c", Title: "Test", Type: models.TaskTesting, Effort: 1, Status: models.TaskPending},
		},
	}
	if err := s.StoreFlow(f); err != nil {
		t.Fatalf("store flow: %v", err)
	}
	return f
}

func reply(text string) completion.Func {
	return func(context.Context, string) (string, error) { return text, nil }
}

// gate is a completer that blocks every call until released.
type gate struct {
	entered chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) Complete(ctx context.Context, prompt string) (string, error) {
	g.entered <- prompt
	select {
	case <-g.release:
		return "released", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []Event
}

func (p *recordingPublisher) Publish(topic string, data []byte) error {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, e)
	return nil
}

func TestSpawnAgentRespectsCapacity(t *testing.T) {
	s := newTestStore(t)
	f := seedFlow(t, s)
	o := New(s, Options{Capacity: 2, Completer: reply("ok")})

	for _, task := range f.Tasks[:2] {
		a, err := o.SpawnAgent(task, f.ID)
		if err != nil {
			t.Fatalf("spawn for %s: %v", task.ID, err)
		}
		if task.Status != models.TaskAssigned || task.AssignedAgent != a.ID() {
			t.Errorf("task %s not assigned: %s %q", task.ID, task.Status, task.AssignedAgent)
		}
		stored, err := s.GetTask(task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if stored.Status != models.TaskAssigned || stored.AssignedAgent != a.ID() {
			t.Errorf("stored task %s not assigned: %+v", task.ID, stored)
		}
	}

	if _, err := o.SpawnAgent(f.Tasks[2], f.ID); !errors.Is(err, ErrAgentCapacityExceeded) {
		t.Fatalf("expected ErrAgentCapacityExceeded, got %v", err)
	}
	if got := len(o.ActiveAgents()); got != 2 {
		t.Errorf("expected 2 active agents, got %d", got)
	}
	agents, err := s.ListAgents(f.ID)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 2 {
		t.Errorf("expected 2 stored agents, got %d", len(agents))
	}
	stored, _ := s.GetTask("c")
	if stored.Status != models.TaskPending {
		t.Errorf("rejected task must stay pending, got %s", stored.Status)
	}
}

func TestExecuteTaskSuccess(t *testing.T) {
	s := newTestStore(t)
	f := seedFlow(t, s)
	pub := &recordingPublisher{}
	o := New(s, Options{Completer: reply("greeter researched"), Publisher: pub})

	var mu sync.Mutex
	var seen []EventType
	unsubscribe := o.Subscribe(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})
	defer unsubscribe()

	result, err := o.ExecuteTask(context.Background(), f.Tasks[0], f.ID)
	if err != nil {
		t.Fatalf("execute task: %v", err)
	}
	if result != "greeter researched" {
		t.Errorf("unexpected result %q", result)
	}

	task, _ := s.GetTask("a")
	if task.Status != models.TaskCompleted || task.Result != "greeter researched" {
		t.Errorf("unexpected stored task %+v", task)
	}
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Error("expected start and completion times to be stored")
	}

	if got := len(o.ActiveAgents()); got != 0 {
		t.Errorf("expected agent retired, %d active", got)
	}
	agents, _ := s.ListAgents(f.ID)
	if len(agents) != 0 {
		t.Errorf("expected agent row removed, got %d", len(agents))
	}

	sc, err := s.GetSharedContext(f.ID)
	if err != nil {
		t.Fatalf("shared context: %v", err)
	}
	if len(sc.CompletedTaskTitles) != 1 || sc.CompletedTaskTitles[0] != "Research" {
		t.Errorf("unexpected completed titles %v", sc.CompletedTaskTitles)
	}
	if len(sc.RelevantInfo) != 1 || !strings.HasPrefix(sc.RelevantInfo[0], "Research: ") {
		t.Errorf("expected task result context entry, got %v", sc.RelevantInfo)
	}

	updates, _ := s.ListSwarmUpdates(f.ID, 0)
	if len(updates) != 1 || updates[0].Type != models.UpdateTaskCompleted {
		t.Errorf("expected one task_completed update, got %+v", updates)
	}

	mu.Lock()
	want := []EventType{EventAgentSpawned, EventTaskCompleted, EventSwarmUpdate, EventAgentRetired}
	if strings.Join(eventNames(seen), ",") != strings.Join(eventNames(want), ",") {
		t.Errorf("events = %v, want %v", seen, want)
	}
	mu.Unlock()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.topics) != len(want) {
		t.Fatalf("expected %d published events, got %d", len(want), len(pub.topics))
	}
	for _, topic := range pub.topics {
		if topic != "events.flow.f1" {
			t.Errorf("unexpected topic %s", topic)
		}
	}
}

func eventNames(types []EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func TestExecuteTaskFailureReleasesSlot(t *testing.T) {
	s := newTestStore(t)
	f := seedFlow(t, s)
	o := New(s, Options{
		Capacity: 1,
		Completer: completion.Func(func(context.Context, string) (string, error) {
			return "", errors.New("upstream unavailable")
		}),
	})

	_, err := o.ExecuteTask(context.Background(), f.Tasks[1], f.ID)
	if err == nil {
		t.Fatal("expected error")
	}

	task, _ := s.GetTask("b")
	if task.Status != models.TaskFailed {
		t.Errorf("expected failed, got %s", task.Status)
	}
	if !strings.Contains(task.Result, "upstream unavailable") {
		t.Errorf("expected error text stored, got %q", task.Result)
	}
	progress, _ := s.GetFlowProgress(f.ID)
	if progress.Failed != 1 || progress.ActiveAgents != 0 {
		t.Errorf("unexpected progress %+v", progress)
	}

	// The only slot must be free again.
	if _, err := o.SpawnAgent(f.Tasks[2], f.ID); err != nil {
		t.Errorf("expected slot to be released, got %v", err)
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	s := newTestStore(t)
	f := seedFlow(t, s)
	g := newGate()
	o := New(s, Options{Capacity: 2, Completer: g})

	var wg sync.WaitGroup
	for _, task := range f.Tasks[:2] {
		wg.Add(1)
		go func(task *models.MicroTask) {
			defer wg.Done()
			if _, err := o.ExecuteTask(context.Background(), task, f.ID); err != nil {
				t.Errorf("execute %s: %v", task.ID, err)
			}
		}(task)
	}
	<-g.entered
	<-g.entered

	if got := len(o.ActiveAgents()); got != 2 {
		t.Errorf("expected 2 active agents, got %d", got)
	}
	if _, err := o.ExecuteTask(context.Background(), f.Tasks[2], f.ID); !errors.Is(err, ErrAgentCapacityExceeded) {
		t.Errorf("expected ErrAgentCapacityExceeded, got %v", err)
	}

	close(g.release)
	wg.Wait()

	if got := len(o.ActiveAgents()); got != 0 {
		t.Errorf("expected all agents retired, got %d", got)
	}
}

func TestExecuteTaskCancelledIsBlocked(t *testing.T) {
	s := newTestStore(t)
	f := seedFlow(t, s)
	g := newGate()
	o := New(s, Options{Completer: g})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := o.ExecuteTask(ctx, f.Tasks[0], f.ID)
		errc <- err
	}()
	<-g.entered
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	task, _ := s.GetTask("a")
	if task.Status != models.TaskBlocked {
		t.Errorf("expected cancelled task blocked, got %s", task.Status)
	}
	progress, _ := s.GetFlowProgress(f.ID)
	if progress.Failed != 0 {
		t.Errorf("cancelled task must not count as failed, got %d", progress.Failed)
	}
}

func TestTerminateAgent(t *testing.T) {
	s := newTestStore(t)
	f := seedFlow(t, s)
	g := newGate()
	o := New(s, Options{Completer: g})

	errc := make(chan error, 1)
	go func() {
		_, err := o.ExecuteTask(context.Background(), f.Tasks[0], f.ID)
		errc <- err
	}()
	<-g.entered

	active := o.ActiveAgents()
	if len(active) != 1 {
		t.Fatalf("expected 1 active agent, got %d", len(active))
	}
	if err := o.TerminateAgent(active[0].ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after terminate")
	}

	task, _ := s.GetTask("a")
	if task.Status != models.TaskBlocked {
		t.Errorf("expected blocked, got %s", task.Status)
	}
	agents, _ := s.ListAgents("")
	if len(agents) != 0 {
		t.Errorf("expected agent row removed, got %d", len(agents))
	}
	if err := o.TerminateAgent("missing"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestTerminateFinishedAgent(t *testing.T) {
	s := newTestStore(t)
	f := seedFlow(t, s)
	o := New(s, Options{Completer: reply("done")})

	a, err := o.SpawnAgent(f.Tasks[1], f.ID)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	out, err := a.Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := s.StoreTaskResult(a.Task().ID, out); err != nil {
		t.Fatalf("store result: %v", err)
	}

	var terminated int
	stop := o.Subscribe(func(e Event) {
		if e.Type == EventAgentTerminated {
			terminated++
		}
	})
	defer stop()

	if err := o.TerminateAgent(a.ID()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	task, _ := s.GetTask(a.Task().ID)
	if task.Status != models.TaskCompleted {
		t.Errorf("finished task rewritten to %s", task.Status)
	}
	if a.Status() != models.AgentCompleted {
		t.Errorf("agent status changed to %s", a.Status())
	}
	if terminated != 0 {
		t.Errorf("expected no terminated event, got %d", terminated)
	}
}

func TestTerminateAll(t *testing.T) {
	s := newTestStore(t)
	f := seedFlow(t, s)
	o := New(s, Options{Completer: reply("ok")})

	var spawned []string
	for _, task := range f.Tasks {
		a, err := o.SpawnAgent(task, f.ID)
		if err != nil {
			t.Fatalf("spawn: %v", err)
		}
		spawned = append(spawned, a.ID())
	}

	if err := o.TerminateAll(); err != nil {
		t.Fatalf("terminate all: %v", err)
	}
	if got := len(o.ActiveAgents()); got != 0 {
		t.Errorf("expected no active agents, got %d", got)
	}
	agents, _ := s.ListAgents("")
	if len(agents) != 0 {
		t.Errorf("expected agent table cleared, got %d", len(agents))
	}
	blocked, _ := s.ListTasks(f.ID)
	for _, task := range blocked {
		if task.Status != models.TaskBlocked {
			t.Errorf("task %s: expected blocked, got %s", task.ID, task.Status)
		}
	}
}

func TestBroadcastUpdate(t *testing.T) {
	s := newTestStore(t)
	f := seedFlow(t, s)
	o := New(s, Options{Completer: reply("ok")})

	a, err := o.SpawnAgent(f.Tasks[0], f.ID)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	u := &models.SwarmUpdate{FlowID: f.ID, Type: models.UpdateStrategyChange, Content: "hybrid"}
	if err := o.BroadcastUpdate(u); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if u.ID == "" {
		t.Error("expected update id to be assigned")
	}

	got := a.Updates()
	if len(got) != 1 || got[0].Content != "hybrid" {
		t.Errorf("agent did not receive update: %+v", got)
	}
	stored, _ := s.ListSwarmUpdates(f.ID, 0)
	if len(stored) != 1 {
		t.Errorf("expected stored update, got %d", len(stored))
	}
}

func TestHealth(t *testing.T) {
	s := newTestStore(t)
	f := seedFlow(t, s)

	calls := 0
	o := New(s, Options{Completer: completion.Func(func(context.Context, string) (string, error) {
		calls++
		if calls == 1 {
			return "implemented", nil
		}
		return "", errors.New("tests broke")
	})})

	if _, err := o.ExecuteTask(context.Background(), f.Tasks[1], f.ID); err != nil {
		t.Fatalf("execute b: %v", err)
	}
	if _, err := o.ExecuteTask(context.Background(), f.Tasks[2], f.ID); err == nil {
		t.Fatal("expected c to fail")
	}
	// Effort 5 gives workload 1.0.
	if _, err := o.SpawnAgent(f.Tasks[0], f.ID); err != nil {
		t.Fatalf("spawn a: %v", err)
	}

	h, err := o.Health(f.ID)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.ActiveAgents != 1 || h.Capacity != DefaultCapacity {
		t.Errorf("unexpected agent counts %+v", h)
	}
	if h.CompletedTasks != 1 || h.FailedTasks != 1 {
		t.Errorf("unexpected task counts %+v", h)
	}
	if h.AverageEfficiency != 0 {
		t.Errorf("expected no efficiency without estimates, got %v", h.AverageEfficiency)
	}
	if len(h.Recommendations) != 3 {
		t.Fatalf("expected 3 recommendations, got %v", h.Recommendations)
	}
	if !strings.Contains(h.Recommendations[0], "overloaded") ||
		!strings.Contains(h.Recommendations[1], "failed") ||
		!strings.Contains(h.Recommendations[2], "idle") {
		t.Errorf("unexpected recommendations %v", h.Recommendations)
	}
}

func TestHealthEfficiency(t *testing.T) {
	s := newTestStore(t)
	at := func(minute int) *time.Time {
		ts := time.Date(2026, 1, 2, 10, minute, 0, 0, time.UTC)
		return &ts
	}
	f := &models.Flow{
		ID:                "f1",
		MacroGoal:         "ship the report",
		ExecutionStrategy: models.StrategySequential,
		Status:            models.FlowCompleted,
		CreatedAt:         time.Now().UTC(),
		Tasks: []*models.MicroTask{
			// Took twice its estimate.
			{ID: "slow", Title: "Draft", Type: models.TaskDocumentation, EstimatedDuration: "15m",
				Status: models.TaskCompleted, StartedAt: at(0), CompletedAt: at(30)},
			// Faster than estimated is capped at 1.
			{ID: "fast", Title: "Review", Type: models.TaskReview, EstimatedDuration: "1h",
				Status: models.TaskCompleted, StartedAt: at(30), CompletedAt: at(40)},
			// No estimate, not rated.
			{ID: "free", Title: "Publish", Type: models.TaskDevOps,
				Status: models.TaskCompleted, StartedAt: at(40), CompletedAt: at(50)},
		},
	}
	if err := s.StoreFlow(f); err != nil {
		t.Fatalf("store flow: %v", err)
	}

	h, err := New(s, Options{}).Health(f.ID)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.AverageEfficiency != 0.75 {
		t.Errorf("expected efficiency 0.75, got %v", h.AverageEfficiency)
	}
	if h.AverageTaskDuration != time.Duration(50)*time.Minute/3 {
		t.Errorf("unexpected average duration %v", h.AverageTaskDuration)
	}
}
