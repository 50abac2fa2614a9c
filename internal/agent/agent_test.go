package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mtzanidakis/swarmflow/internal/completion"
	"github.com/mtzanidakis/swarmflow/internal/config"
	"github.com/mtzanidakis/swarmflow/internal/models"
	"github.com/mtzanidakis/swarmflow/internal/sandbox"
)

type fakeRecorder struct {
	mu      sync.Mutex
	started map[string]time.Time
}

func (r *fakeRecorder) MarkTaskStarted(taskID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started == nil {
		r.started = make(map[string]time.Time)
	}
	r.started[taskID] = at
	return nil
}

func reply(text string) completion.Func {
	return func(context.Context, string) (string, error) { return text, nil }
}

func testTask() *models.MicroTask {
	return &models.MicroTask{
		ID:          "t1",
		FlowID:      "f1",
		Title:       "Write greeting",
		Description: "Create a greeting file",
		Type:        models.TaskImplementation,
		Effort:      2,
		Status:      models.TaskAssigned,
	}
}

func newTestSandboxes(t *testing.T) *sandbox.Manager {
	t.Helper()
	dir := t.TempDir()
	mgr, err := sandbox.NewManager(config.SandboxConfig{
		BaseDir:        dir + "/sandboxes",
		ArchiveDir:     dir + "/archives",
		CommandTimeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("new sandbox manager: %v", err)
	}
	return mgr
}

func TestExecuteSuccess(t *testing.T) {
	rec := &fakeRecorder{}
	task := testTask()
	a := New("a1", "f1", task, models.SharedContext{MacroGoal: "greet"}, Options{
		Completer: reply("all done"),
		Recorder:  rec,
	})

	if a.Status() != models.AgentIdle {
		t.Fatalf("expected idle, got %s", a.Status())
	}

	result, err := a.Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != "all done" {
		t.Errorf("unexpected result %q", result)
	}
	if a.Status() != models.AgentCompleted {
		t.Errorf("expected completed, got %s", a.Status())
	}
	if task.Status != models.TaskCompleted || task.Result != "all done" {
		t.Errorf("task not completed: %s %q", task.Status, task.Result)
	}
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Fatal("expected start and completion timestamps")
	}
	if _, ok := rec.started["t1"]; !ok {
		t.Error("expected start to be recorded")
	}
	if got := a.Snapshot().Workload; got != 0.4 {
		t.Errorf("expected workload 0.4, got %v", got)
	}
}

func TestExecuteCompletionFailure(t *testing.T) {
	boom := errors.New("connection reset")
	task := testTask()
	a := New("a1", "f1", task, models.SharedContext{}, Options{
		Completer: completion.Func(func(context.Context, string) (string, error) { return "", boom }),
	})

	_, err := a.Execute(context.Background())
	if !errors.Is(err, ErrTaskExecutionFailed) {
		t.Fatalf("expected ErrTaskExecutionFailed, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
	var terr *TaskError
	if !errors.As(err, &terr) || terr.TaskID != "t1" {
		t.Errorf("expected *TaskError for t1, got %#v", err)
	}
	if a.Status() != models.AgentFailed {
		t.Errorf("expected failed, got %s", a.Status())
	}
	if task.Status != models.TaskFailed {
		t.Errorf("expected task failed, got %s", task.Status)
	}
	if !strings.Contains(task.Result, "connection reset") {
		t.Errorf("expected error text as result, got %q", task.Result)
	}
}

func TestExecuteWithoutCompleter(t *testing.T) {
	a := New("a1", "f1", testTask(), models.SharedContext{}, Options{})
	_, err := a.Execute(context.Background())
	if !errors.Is(err, completion.ErrFeatureUnavailable) {
		t.Fatalf("expected ErrFeatureUnavailable, got %v", err)
	}
}

func TestExecuteOnlyOnce(t *testing.T) {
	a := New("a1", "f1", testTask(), models.SharedContext{}, Options{Completer: reply("ok")})
	if _, err := a.Execute(context.Background()); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := a.Execute(context.Background()); !errors.Is(err, ErrTaskExecutionFailed) {
		t.Fatalf("expected second execute to fail, got %v", err)
	}
	if a.Status() != models.AgentCompleted {
		t.Errorf("second execute must not change status, got %s", a.Status())
	}
}

func TestExecuteRoutesOperations(t *testing.T) {
	mgr := newTestSandboxes(t)
	response := "Here you go.\n\n```file:hello.txt\nhello swarm\n```\n\n```bash\ncat hello.txt\n```\n"

	task := testTask()
	a := New("a1", "f1", task, models.SharedContext{}, Options{
		Completer:    reply(response),
		Sandboxes:    mgr,
		Restrictions: sandbox.DefaultRestrictions(),
	})

	result, err := a.Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(result, "Here you go.") {
		t.Errorf("expected model response to lead the result, got %q", result)
	}
	for _, want := range []string{"## Execution Results", "wrote hello.txt", "$ cat hello.txt", "hello swarm"} {
		if !strings.Contains(result, want) {
			t.Errorf("result missing %q:\n%s", want, result)
		}
	}
	if len(mgr.Active()) != 0 {
		t.Errorf("expected sandbox to be cleaned up, %d active", len(mgr.Active()))
	}
}

func TestExecuteSandboxRejection(t *testing.T) {
	mgr := newTestSandboxes(t)
	task := testTask()
	a := New("a1", "f1", task, models.SharedContext{}, Options{
		Completer:    reply("```bash\nsudo rm -rf /\n```"),
		Sandboxes:    mgr,
		Restrictions: sandbox.DefaultRestrictions(),
	})

	_, err := a.Execute(context.Background())
	if !errors.Is(err, sandbox.ErrDangerousCommand) {
		t.Fatalf("expected ErrDangerousCommand, got %v", err)
	}
	if !errors.Is(err, ErrTaskExecutionFailed) {
		t.Errorf("expected ErrTaskExecutionFailed, got %v", err)
	}
	if task.Status != models.TaskFailed {
		t.Errorf("expected task failed, got %s", task.Status)
	}
}

func TestExecuteSkipsOperationsWithoutSandbox(t *testing.T) {
	a := New("a1", "f1", testTask(), models.SharedContext{}, Options{
		Completer: reply("```bash\necho hi\n```"),
	})
	result, err := a.Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.Contains(result, "Execution Results") {
		t.Errorf("expected no execution report, got %q", result)
	}
}

func TestEfficiency(t *testing.T) {
	tests := []struct {
		name     string
		estimate string
		took     time.Duration
		want     float64
	}{
		{"faster than estimate", "2h", time.Hour, 1},
		{"twice as slow", "1h", 2 * time.Hour, 0.5},
		{"unparseable keeps default", "soon", 3 * time.Hour, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := testTask()
			task.EstimatedDuration = tt.estimate
			a := New("a1", "f1", task, models.SharedContext{}, Options{Completer: reply("ok")})

			start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
			calls := 0
			a.now = func() time.Time {
				calls++
				if calls <= 2 {
					return start
				}
				return start.Add(tt.took)
			}

			if _, err := a.Execute(context.Background()); err != nil {
				t.Fatalf("execute: %v", err)
			}
			if got := a.Snapshot().Efficiency; got != tt.want {
				t.Errorf("efficiency = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTerminateCancelsWork(t *testing.T) {
	started := make(chan struct{})
	task := testTask()
	a := New("a1", "f1", task, models.SharedContext{}, Options{
		Completer: completion.Func(func(ctx context.Context, _ string) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}),
	})

	errc := make(chan error, 1)
	go func() {
		_, err := a.Execute(context.Background())
		errc <- err
	}()

	<-started
	if !a.Terminate() {
		t.Fatal("expected terminate to succeed on a working agent")
	}

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after terminate")
	}

	if a.Status() != models.AgentTerminated {
		t.Errorf("expected terminated, got %s", a.Status())
	}
	if task.Status != models.TaskBlocked {
		t.Errorf("expected task blocked, got %s", task.Status)
	}
	if a.Terminate() {
		t.Error("terminating twice should report false")
	}
}

func TestReceiveSwarmUpdate(t *testing.T) {
	var prompt string
	a := New("a1", "f1", testTask(), models.SharedContext{}, Options{
		Completer: completion.Func(func(_ context.Context, p string) (string, error) {
			prompt = p
			return "ok", nil
		}),
	})

	a.ReceiveSwarmUpdate(models.SwarmUpdate{Type: models.UpdateStrategyChange, Content: "hybrid"})
	a.ReceiveSwarmUpdate(models.SwarmUpdate{Type: models.UpdateContextUpdate, Content: "use port 9000"})
	if got := len(a.Updates()); got != 2 {
		t.Fatalf("expected 2 updates, got %d", got)
	}
	if a.Status() != models.AgentIdle {
		t.Errorf("updates must not change status, got %s", a.Status())
	}

	if _, err := a.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(prompt, "use port 9000") {
		t.Errorf("expected context update in prompt:\n%s", prompt)
	}

	a.ReceiveSwarmUpdate(models.SwarmUpdate{Type: models.UpdateTaskCompleted})
	if got := len(a.Updates()); got != 2 {
		t.Errorf("finished agent should ignore updates, got %d", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	task := testTask()
	task.Deliverable = "greeting.txt"
	task.Prerequisites = []string{"shell access"}
	shared := models.SharedContext{
		MacroGoal:           "Ship a greeter",
		RelevantInfo:        []string{"language is Go"},
		CompletedTaskTitles: []string{"Design greeter"},
	}

	p := BuildPrompt(task, shared)
	for _, want := range []string{
		Personality(models.TaskImplementation),
		"## Overall Goal\n\nShip a greeter",
		"- Design greeter",
		"- language is Go",
		"### Write greeting",
		"Create a greeting file",
		"Deliverable: greeting.txt",
		"- shell access",
		"file:<path>",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestPersonalityCoversEveryType(t *testing.T) {
	for _, tt := range models.TaskTypes {
		if _, ok := personalities[tt]; !ok {
			t.Errorf("no personality for %s", tt)
		}
	}
	if Personality("unknown") != personalities[models.TaskGeneral] {
		t.Error("unknown types should fall back to the general personality")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"abcdef", 3, "abc..."},
		// "é" is two bytes; cutting inside it backs off to the rune start.
		{"caféteria", 4, "caf..."},
		{"日本語", 4, "日..."},
	}
	for _, tt := range tests {
		got := Truncate(tt.in, tt.max)
		if got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("Truncate(%q, %d) produced invalid UTF-8 %q", tt.in, tt.max, got)
		}
	}
}
