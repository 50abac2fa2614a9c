// Package swarm owns the set of active agents: it enforces the capacity
// ceiling, binds agents to tasks, persists their outcome and retires them.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mtzanidakis/swarmflow/internal/agent"
	"github.com/mtzanidakis/swarmflow/internal/completion"
	"github.com/mtzanidakis/swarmflow/internal/models"
	"github.com/mtzanidakis/swarmflow/internal/sandbox"
	"github.com/mtzanidakis/swarmflow/internal/store"
)

const DefaultCapacity = 3

var (
	ErrAgentCapacityExceeded = errors.New("agent capacity exceeded")
	ErrAgentNotFound         = errors.New("agent not found")
)

type Options struct {
	Capacity     int
	Completer    completion.Completer
	Sandboxes    agent.Sandboxes
	Restrictions sandbox.Restrictions
	Publisher    Publisher
}

type Orchestrator struct {
	store        *store.Store
	capacity     int
	completer    completion.Completer
	sandboxes    agent.Sandboxes
	restrictions sandbox.Restrictions
	publisher    Publisher

	mu     sync.Mutex
	active map[string]*agent.Agent

	subsMu  sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

func New(s *store.Store, opts Options) *Orchestrator {
	capacity := opts.Capacity
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	restrictions := opts.Restrictions
	if len(restrictions.AllowedOperations) == 0 && len(restrictions.DeniedOperations) == 0 {
		restrictions = sandbox.DefaultRestrictions()
	}
	return &Orchestrator{
		store:        s,
		capacity:     capacity,
		completer:    opts.Completer,
		sandboxes:    opts.Sandboxes,
		restrictions: restrictions,
		publisher:    opts.Publisher,
		active:       make(map[string]*agent.Agent),
		subs:         make(map[int]func(Event)),
	}
}

func (o *Orchestrator) Capacity() int { return o.capacity }

// ActiveAgents returns a snapshot of the live agents, oldest first.
func (o *Orchestrator) ActiveAgents() []models.Agent {
	o.mu.Lock()
	out := make([]models.Agent, 0, len(o.active))
	for _, a := range o.active {
		out = append(out, a.Snapshot())
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SpawnAgent binds a new agent to task. It fails with
// ErrAgentCapacityExceeded when every slot is taken; there is no waiting.
func (o *Orchestrator) SpawnAgent(task *models.MicroTask, flowID string) (*agent.Agent, error) {
	a, active, err := o.spawn(task, flowID)
	if err != nil {
		return nil, err
	}
	slog.Info("agent spawned", "agent", a.ID(), "flow", flowID, "task", task.ID, "type", task.Type,
		"active", active, "capacity", o.capacity)
	o.Emit(Event{Type: EventAgentSpawned, FlowID: flowID, AgentID: a.ID(), TaskID: task.ID,
		Data: map[string]any{"specialization": task.Type}})
	return a, nil
}

// spawn holds the lock from the capacity check until the agent is live so
// concurrent callers can never overshoot.
func (o *Orchestrator) spawn(task *models.MicroTask, flowID string) (*agent.Agent, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.active) >= o.capacity {
		return nil, 0, fmt.Errorf("spawn agent for task %s: %w (%d/%d)", task.ID, ErrAgentCapacityExceeded, len(o.active), o.capacity)
	}

	shared, err := o.store.GetSharedContext(flowID)
	if err != nil {
		return nil, 0, fmt.Errorf("load shared context: %w", err)
	}

	id := uuid.New().String()
	a := agent.New(id, flowID, task, *shared, agent.Options{
		Completer:    o.completer,
		Recorder:     o.store,
		Sandboxes:    o.sandboxes,
		Restrictions: o.restrictions,
	})

	snap := a.Snapshot()
	if err := o.store.StoreAgent(&snap); err != nil {
		return nil, 0, fmt.Errorf("persist agent: %w", err)
	}
	if err := o.store.UpdateTaskStatus(task.ID, models.TaskAssigned, id); err != nil {
		_ = o.store.RemoveAgent(id)
		return nil, 0, fmt.Errorf("assign task: %w", err)
	}
	task.Status = models.TaskAssigned
	task.AssignedAgent = id
	o.active[id] = a
	return a, len(o.active), nil
}

// ExecuteTask runs task on a fresh agent and persists the outcome. The agent
// is retired whatever happens, releasing its slot.
func (o *Orchestrator) ExecuteTask(ctx context.Context, task *models.MicroTask, flowID string) (string, error) {
	a, err := o.SpawnAgent(task, flowID)
	if err != nil {
		return "", err
	}
	defer o.retire(a)

	result, execErr := a.Execute(ctx)

	switch {
	case a.Status() == models.AgentTerminated:
		// TerminateAgent already recorded the task as blocked.
		return "", execErr
	case execErr != nil && ctx.Err() != nil:
		// Cancelled from outside, typically because a sibling failed.
		if err := o.store.UpdateTaskStatus(task.ID, models.TaskBlocked, ""); err != nil {
			slog.Warn("failed to mark cancelled task", "task", task.ID, "error", err)
		}
		task.Status = models.TaskBlocked
		return "", execErr
	case execErr != nil:
		if err := o.store.StoreTaskFailure(task.ID, task.Result); err != nil {
			return "", errors.Join(execErr, fmt.Errorf("persist failure: %w", err))
		}
		o.Emit(Event{Type: EventTaskFailed, FlowID: flowID, AgentID: a.ID(), TaskID: task.ID,
			Data: map[string]any{"title": task.Title, "error": agent.Truncate(task.Result, 200)}})
		return "", execErr
	}

	if err := o.store.StoreTaskResult(task.ID, result); err != nil {
		return "", fmt.Errorf("persist result: %w", err)
	}
	entry := &models.ContextEntry{
		FlowID:    flowID,
		Type:      models.ContextTaskResult,
		Content:   fmt.Sprintf("%s: %s", task.Title, agent.Truncate(result, 500)),
		CreatedBy: a.ID(),
	}
	if err := o.store.AddContextEntry(entry); err != nil {
		return "", fmt.Errorf("record task result: %w", err)
	}

	o.Emit(Event{Type: EventTaskCompleted, FlowID: flowID, AgentID: a.ID(), TaskID: task.ID,
		Data: map[string]any{"title": task.Title, "output": agent.Truncate(result, 200)}})
	if err := o.BroadcastUpdate(&models.SwarmUpdate{
		FlowID:  flowID,
		Type:    models.UpdateTaskCompleted,
		Content: task.Title,
		AgentID: a.ID(),
	}); err != nil {
		slog.Warn("task completion broadcast failed", "task", task.ID, "error", err)
	}
	return result, nil
}

func (o *Orchestrator) retire(a *agent.Agent) {
	o.mu.Lock()
	_, live := o.active[a.ID()]
	delete(o.active, a.ID())
	o.mu.Unlock()

	if err := o.store.RemoveAgent(a.ID()); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("failed to remove agent", "agent", a.ID(), "error", err)
	}
	if !live {
		return
	}
	slog.Info("agent retired", "agent", a.ID(), "task", a.Task().ID, "status", a.Status())
	o.Emit(Event{Type: EventAgentRetired, FlowID: a.FlowID(), AgentID: a.ID(), TaskID: a.Task().ID,
		Data: map[string]any{"status": a.Status()}})
}

// TerminateAgent force-stops an agent and marks its task blocked.
func (o *Orchestrator) TerminateAgent(id string) error {
	o.mu.Lock()
	a, ok := o.active[id]
	delete(o.active, id)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("terminate %s: %w", id, ErrAgentNotFound)
	}
	return o.terminate(a)
}

func (o *Orchestrator) terminate(a *agent.Agent) error {
	if !a.Terminate() {
		// Already finished; its outcome is recorded and retire removes the row.
		return nil
	}

	var errs []error
	if err := o.store.UpdateTaskStatus(a.Task().ID, models.TaskBlocked, ""); err != nil {
		errs = append(errs, err)
	}
	if err := o.store.RemoveAgent(a.ID()); err != nil && !errors.Is(err, store.ErrNotFound) {
		errs = append(errs, err)
	}
	o.Emit(Event{Type: EventAgentTerminated, FlowID: a.FlowID(), AgentID: a.ID(), TaskID: a.Task().ID})
	return errors.Join(errs...)
}

// TerminateAll stops every active agent and clears the agent table.
func (o *Orchestrator) TerminateAll() error {
	o.mu.Lock()
	agents := make([]*agent.Agent, 0, len(o.active))
	for id, a := range o.active {
		agents = append(agents, a)
		delete(o.active, id)
	}
	o.mu.Unlock()

	var errs []error
	for _, a := range agents {
		if err := o.terminate(a); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.store.ClearAllAgents(); err != nil {
		errs = append(errs, err)
	}
	if len(agents) > 0 {
		slog.Info("all agents terminated", "count", len(agents))
	}
	return errors.Join(errs...)
}

// BroadcastUpdate persists u and hands it to every active agent.
func (o *Orchestrator) BroadcastUpdate(u *models.SwarmUpdate) error {
	if err := o.store.StoreSwarmUpdate(u); err != nil {
		return fmt.Errorf("persist swarm update: %w", err)
	}

	o.mu.Lock()
	agents := make([]*agent.Agent, 0, len(o.active))
	for _, a := range o.active {
		agents = append(agents, a)
	}
	o.mu.Unlock()

	for _, a := range agents {
		a.ReceiveSwarmUpdate(*u)
	}
	o.Emit(Event{Type: EventSwarmUpdate, FlowID: u.FlowID, AgentID: u.AgentID,
		Data: map[string]any{"update_type": u.Type, "content": agent.Truncate(u.Content, 200)}})
	return nil
}
