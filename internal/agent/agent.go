// Package agent implements the transient worker bound to a single task. An
// agent asks the completion service to do the work, then routes any commands
// or files in the response through its sandbox.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mtzanidakis/swarmflow/internal/completion"
	"github.com/mtzanidakis/swarmflow/internal/extract"
	"github.com/mtzanidakis/swarmflow/internal/models"
	"github.com/mtzanidakis/swarmflow/internal/sandbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrTaskExecutionFailed = errors.New("task execution failed")

// TaskError carries the detail of a failed task and matches
// ErrTaskExecutionFailed as well as the underlying cause.
type TaskError struct {
	TaskID string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v: %v", e.TaskID, ErrTaskExecutionFailed, e.Err)
}

func (e *TaskError) Unwrap() []error { return []error{ErrTaskExecutionFailed, e.Err} }

// TaskRecorder is the slice of the store an agent writes through while it
// runs. Final results are persisted by the orchestrator.
type TaskRecorder interface {
	MarkTaskStarted(taskID string, at time.Time) error
}

// Sandboxes is the sandbox surface an agent needs to carry out side effects.
type Sandboxes interface {
	CreateSandbox(agentType models.TaskType, r sandbox.Restrictions) (*sandbox.Sandbox, error)
	ExecuteCommand(ctx context.Context, command string, sb *sandbox.Sandbox) (string, error)
	WriteFile(sb *sandbox.Sandbox, path string, content []byte) error
	CleanupSandbox(sb *sandbox.Sandbox) error
}

type Options struct {
	Completer completion.Completer
	Recorder  TaskRecorder
	// Sandboxes may be nil, in which case requested operations are skipped.
	Sandboxes    Sandboxes
	Restrictions sandbox.Restrictions
}

type Agent struct {
	id     string
	flowID string
	task   *models.MicroTask
	shared models.SharedContext
	opts   Options
	tracer trace.Tracer
	now    func() time.Time

	mu         sync.Mutex
	status     models.AgentStatus
	workload   float64
	efficiency float64
	updates    []models.SwarmUpdate
	cancel     context.CancelFunc
	createdAt  time.Time
	updatedAt  time.Time
}

// New binds an idle agent to task. Workload is derived from the task's
// effort on the 1..5 scale.
func New(id, flowID string, task *models.MicroTask, shared models.SharedContext, opts Options) *Agent {
	if opts.Completer == nil {
		opts.Completer = completion.Unavailable{}
	}
	now := time.Now().UTC()
	return &Agent{
		id:         id,
		flowID:     flowID,
		task:       task,
		shared:     shared,
		opts:       opts,
		tracer:     otel.Tracer("github.com/mtzanidakis/swarmflow/internal/agent"),
		now:        time.Now,
		status:     models.AgentIdle,
		workload:   workload(task.Effort),
		efficiency: 1.0,
		createdAt:  now,
		updatedAt:  now,
	}
}

func workload(effort int) float64 {
	w := float64(effort) / 5
	return min(max(w, 0), 1)
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) FlowID() string { return a.flowID }

func (a *Agent) Task() *models.MicroTask { return a.task }

func (a *Agent) Status() models.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Snapshot returns the persisted view of the agent.
func (a *Agent) Snapshot() models.Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.Agent{
		ID:             a.id,
		FlowID:         a.flowID,
		Specialization: a.task.Type,
		TaskID:         a.task.ID,
		Status:         a.status,
		Workload:       a.workload,
		Efficiency:     a.efficiency,
		CreatedAt:      a.createdAt,
		UpdatedAt:      a.updatedAt,
	}
}

// Updates returns the swarm updates delivered to this agent so far.
func (a *Agent) Updates() []models.SwarmUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.SwarmUpdate(nil), a.updates...)
}

func (a *Agent) setStatus(s models.AgentStatus) {
	a.status = s
	a.updatedAt = a.now().UTC()
}

// Execute works the bound task once. On success the task carries the result
// and completion time; on failure it carries the error text and a *TaskError
// is returned. An agent executes at most once.
func (a *Agent) Execute(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.status != models.AgentIdle {
		status := a.status
		a.mu.Unlock()
		return "", &TaskError{TaskID: a.task.ID, Err: fmt.Errorf("agent %s is %s", a.id, status)}
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.setStatus(models.AgentWorking)
	started := a.now().UTC()
	a.task.Status = models.TaskInProgress
	a.task.StartedAt = &started
	a.mu.Unlock()
	defer cancel()

	ctx, span := a.tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		attribute.String("agent.id", a.id),
		attribute.String("task.id", a.task.ID),
		attribute.String("task.type", string(a.task.Type)),
	))
	defer span.End()

	slog.Info("agent working", "agent", a.id, "task", a.task.ID, "type", a.task.Type)

	result, err := a.work(ctx, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", a.fail(err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == models.AgentTerminated {
		return "", &TaskError{TaskID: a.task.ID, Err: context.Canceled}
	}
	done := a.now().UTC()
	a.task.Status = models.TaskCompleted
	a.task.Result = result
	a.task.CompletedAt = &done
	if e, ok := a.task.Efficiency(); ok {
		a.efficiency = e
	}
	a.setStatus(models.AgentCompleted)
	span.SetStatus(codes.Ok, "")
	slog.Info("agent completed", "agent", a.id, "task", a.task.ID, "efficiency", a.efficiency)
	return result, nil
}

func (a *Agent) work(ctx context.Context, started time.Time) (string, error) {
	if a.opts.Recorder != nil {
		if err := a.opts.Recorder.MarkTaskStarted(a.task.ID, started); err != nil {
			return "", err
		}
	}

	a.mu.Lock()
	prompt := BuildPrompt(a.task, a.shared)
	a.mu.Unlock()

	response, err := a.opts.Completer.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}

	commands, files := extract.Operations(response)
	if len(commands) == 0 && len(files) == 0 {
		return response, nil
	}
	if a.opts.Sandboxes == nil {
		slog.Debug("no sandbox configured, skipping requested operations",
			"agent", a.id, "commands", len(commands), "files", len(files))
		return response, nil
	}

	report, err := a.runOperations(ctx, commands, files)
	if err != nil {
		return "", err
	}
	return response + "\n\n## Execution Results\n\n" + report, nil
}

// runOperations writes files before running commands so scripts can use them.
func (a *Agent) runOperations(ctx context.Context, commands []extract.Command, files []extract.File) (string, error) {
	sb, err := a.opts.Sandboxes.CreateSandbox(a.task.Type, a.opts.Restrictions)
	if err != nil {
		return "", fmt.Errorf("create sandbox: %w", err)
	}
	defer func() {
		if err := a.opts.Sandboxes.CleanupSandbox(sb); err != nil {
			slog.Warn("sandbox cleanup failed", "agent", a.id, "sandbox", sb.ID, "error", err)
		}
	}()

	var b strings.Builder
	for _, f := range files {
		if err := a.opts.Sandboxes.WriteFile(sb, f.Name, []byte(f.Content)); err != nil {
			return "", fmt.Errorf("write %s: %w", f.Name, err)
		}
		fmt.Fprintf(&b, "wrote %s (%d bytes)\n", f.Name, len(f.Content))
	}
	for _, c := range commands {
		out, err := a.opts.Sandboxes.ExecuteCommand(ctx, c.Script, sb)
		if err != nil {
			return "", fmt.Errorf("command %q: %w", Truncate(c.Script, 80), err)
		}
		fmt.Fprintf(&b, "$ %s\n%s", c.Script, out)
		if out != "" && !strings.HasSuffix(out, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

func (a *Agent) fail(cause error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	terr := &TaskError{TaskID: a.task.ID, Err: cause}
	if a.status == models.AgentTerminated {
		return terr
	}
	done := a.now().UTC()
	a.task.Status = models.TaskFailed
	a.task.Result = cause.Error()
	a.task.CompletedAt = &done
	a.setStatus(models.AgentFailed)
	slog.Warn("agent failed", "agent", a.id, "task", a.task.ID, "error", cause)
	return terr
}

// ReceiveSwarmUpdate records an update broadcast to the swarm. Updates only
// inform later prompts; they never change the agent's state.
func (a *Agent) ReceiveSwarmUpdate(u models.SwarmUpdate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.Terminal() {
		return
	}
	a.updates = append(a.updates, u)
	if u.Type == models.UpdateContextUpdate && u.Content != "" {
		a.shared.RelevantInfo = append([]string{u.Content}, a.shared.RelevantInfo...)
	}
}

// Terminate force-stops the agent. It reports false if the agent had already
// reached a terminal state.
func (a *Agent) Terminate() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.Terminal() {
		return false
	}
	a.setStatus(models.AgentTerminated)
	a.task.Status = models.TaskBlocked
	if a.cancel != nil {
		a.cancel()
	}
	slog.Info("agent terminated", "agent", a.id, "task", a.task.ID)
	return true
}

// Truncate shortens s to at most max bytes plus an ellipsis, cutting on a
// rune boundary.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
