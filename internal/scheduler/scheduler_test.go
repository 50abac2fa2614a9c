package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

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

type fakeRunner struct {
	goals []string
	err   error
}

func (r *fakeRunner) Run(_ context.Context, goal string) (*models.Flow, error) {
	r.goals = append(r.goals, goal)
	return &models.Flow{ID: "flow-" + goal, MacroGoal: goal}, r.err
}

type fakePublisher struct {
	topics []string
	events []map[string]any
}

func (p *fakePublisher) Publish(topic string, data []byte) error {
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.topics = append(p.topics, topic)
	p.events = append(p.events, ev)
	return nil
}

func newTestScheduler(t *testing.T, r Runner, p Publisher, now time.Time) (*Scheduler, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	sched := New(s, r, p, config.SchedulerConfig{})
	sched.now = func() time.Time { return now }
	return sched, s
}

func saveGoal(t *testing.T, s *store.Store, id, sched string, next time.Time) {
	t.Helper()
	if err := s.SaveGoal(&store.ScheduledGoal{ID: id, Name: id, Goal: id, Schedule: sched, NextRunAt: &next}); err != nil {
		t.Fatalf("save goal: %v", err)
	}
}

func TestPollRunsDueGoals(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{}
	pub := &fakePublisher{}
	sched, s := newTestScheduler(t, runner, pub, now)

	saveGoal(t, s, "due", `{"kind":"interval","interval_ms":60000}`, now.Add(-time.Minute))
	saveGoal(t, s, "later", `{"kind":"interval","interval_ms":60000}`, now.Add(time.Hour))

	sched.poll(context.Background())

	if len(runner.goals) != 1 || runner.goals[0] != "due" {
		t.Fatalf("expected only the due goal to run, got %v", runner.goals)
	}
	g, err := s.GetGoal("due")
	if err != nil || g == nil {
		t.Fatalf("get goal: %v", err)
	}
	if g.LastStatus != "success" || g.LastFlowID != "flow-due" || g.Status != store.GoalActive {
		t.Errorf("unexpected goal after run: %+v", g)
	}
	if g.NextRunAt == nil || !g.NextRunAt.Equal(now.Add(time.Minute)) {
		t.Errorf("next run = %v, want %v", g.NextRunAt, now.Add(time.Minute))
	}

	if len(pub.topics) != 1 || pub.topics[0] != "events.schedule.due" {
		t.Fatalf("unexpected topics %v", pub.topics)
	}
	data := pub.events[0]["data"].(map[string]any)
	if data["flow_id"] != "flow-due" || data["status"] != "success" {
		t.Errorf("unexpected event data %v", data)
	}
}

func TestPollRecordsFailure(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{err: errors.New("decomposition failed")}
	sched, s := newTestScheduler(t, runner, nil, now)
	saveGoal(t, s, "g", `{"kind":"cron","cron_expr":"0 * * * *"}`, now)

	sched.poll(context.Background())

	g, _ := s.GetGoal("g")
	if g.LastStatus != "error" || g.LastError != "decomposition failed" {
		t.Errorf("failure not recorded: %+v", g)
	}
	if g.NextRunAt == nil || !g.NextRunAt.Equal(now.Add(time.Hour)) {
		t.Errorf("next run = %v", g.NextRunAt)
	}
}

func TestOneOffGoalCompletes(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{}
	sched, s := newTestScheduler(t, runner, nil, now)
	at := now.Add(-time.Second)
	saveGoal(t, s, "once", `{"kind":"once","at_ms":`+jsonInt(at.UnixMilli())+`}`, at)

	sched.poll(context.Background())
	sched.poll(context.Background())

	if len(runner.goals) != 1 {
		t.Errorf("one-off goal ran %d times", len(runner.goals))
	}
	g, _ := s.GetGoal("once")
	if g.Status != store.GoalCompleted || g.NextRunAt != nil {
		t.Errorf("expected completed one-off, got %+v", g)
	}
}

func TestPausedGoalIsSkipped(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{}
	sched, s := newTestScheduler(t, runner, nil, now)
	saveGoal(t, s, "p", `{"kind":"interval","interval_ms":1000}`, now.Add(-time.Hour))
	if err := s.UpdateGoalStatus("p", store.GoalPaused); err != nil {
		t.Fatal(err)
	}

	sched.poll(context.Background())
	if len(runner.goals) != 0 {
		t.Errorf("paused goal ran: %v", runner.goals)
	}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
