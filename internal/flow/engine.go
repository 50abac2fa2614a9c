// Package flow turns a goal into a dependency graph of tasks and drives its
// execution through the swarm, batch by batch.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/swarmflow/internal/completion"
	"github.com/mtzanidakis/swarmflow/internal/models"
	"github.com/mtzanidakis/swarmflow/internal/store"
	"github.com/mtzanidakis/swarmflow/internal/swarm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidResponse    = errors.New("invalid response")
	ErrCircularDependency = errors.New("circular dependency")
)

type Engine struct {
	store     *store.Store
	swarm     *swarm.Orchestrator
	completer completion.Completer
	tracer    trace.Tracer
}

func NewEngine(s *store.Store, orch *swarm.Orchestrator, completer completion.Completer) *Engine {
	if completer == nil {
		completer = completion.Unavailable{}
	}
	return &Engine{
		store:     s,
		swarm:     orch,
		completer: completer,
		tracer:    otel.Tracer("github.com/mtzanidakis/swarmflow/internal/flow"),
	}
}

// Run decomposes goal and executes the resulting flow. The flow is returned
// whenever it was created, even if execution failed.
func (e *Engine) Run(ctx context.Context, goal string) (*models.Flow, error) {
	f, err := e.Decompose(ctx, goal)
	if err != nil {
		return nil, err
	}
	return f, e.Execute(ctx, f)
}

// Execute runs f with its declared strategy. The first task failure cancels
// the batch it belongs to and fails the flow.
func (e *Engine) Execute(ctx context.Context, f *models.Flow) error {
	ctx, span := e.tracer.Start(ctx, "flow.execute", trace.WithAttributes(
		attribute.String("flow.id", f.ID),
		attribute.String("flow.strategy", string(f.ExecutionStrategy)),
		attribute.Int("flow.tasks", len(f.Tasks)),
	))
	defer span.End()

	if err := e.setStatus(f, models.FlowExecuting); err != nil {
		return err
	}
	if err := e.swarm.BroadcastUpdate(&models.SwarmUpdate{
		FlowID:  f.ID,
		Type:    models.UpdateStrategyChange,
		Content: string(f.ExecutionStrategy),
	}); err != nil {
		slog.Warn("strategy broadcast failed", "flow", f.ID, "error", err)
	}
	slog.Info("flow started", "flow", f.ID, "strategy", f.ExecutionStrategy, "tasks", len(f.Tasks))

	var err error
	switch f.ExecutionStrategy {
	case models.StrategySequential:
		err = e.runSequential(ctx, f)
	case models.StrategyParallel:
		err = e.runParallel(ctx, f)
	default:
		err = e.runHybrid(ctx, f, completedSet(f))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("flow failed", "flow", f.ID, "error", err)
		if serr := e.setStatus(f, models.FlowFailed); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}

	span.SetStatus(codes.Ok, "")
	slog.Info("flow finished", "flow", f.ID)
	return e.setStatus(f, models.FlowCompleted)
}

func completedSet(f *models.Flow) map[string]bool {
	done := make(map[string]bool, len(f.Tasks))
	for _, t := range f.Tasks {
		if t.Status == models.TaskCompleted {
			done[t.ID] = true
		}
	}
	return done
}

// runSequential works tasks one at a time in declared order. The order is
// trusted to be dependency-correct.
func (e *Engine) runSequential(ctx context.Context, f *models.Flow) error {
	for _, t := range f.Tasks {
		if t.Status == models.TaskCompleted {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.swarm.ExecuteTask(ctx, t, f.ID); err != nil {
			return err
		}
	}
	return nil
}

// runParallel starts every task without dependencies at once, then hands
// the rest to the hybrid scheduler.
func (e *Engine) runParallel(ctx context.Context, f *models.Flow) error {
	done := completedSet(f)

	var independent []*models.MicroTask
	for _, t := range f.Tasks {
		if !done[t.ID] && len(t.Dependencies) == 0 {
			independent = append(independent, t)
		}
	}
	if len(independent) > 0 {
		if err := e.runBatch(ctx, f, 0, independent); err != nil {
			return err
		}
		for _, t := range independent {
			done[t.ID] = true
		}
	}
	return e.runHybrid(ctx, f, done)
}

// runHybrid repeatedly runs every task whose dependencies are done. When
// tasks remain and none is ready the flow can never finish.
func (e *Engine) runHybrid(ctx context.Context, f *models.Flow, done map[string]bool) error {
	var remaining []*models.MicroTask
	for _, t := range f.Tasks {
		if !done[t.ID] {
			remaining = append(remaining, t)
		}
	}

	for batch := 1; len(remaining) > 0; batch++ {
		var ready, blocked []*models.MicroTask
		for _, t := range remaining {
			if t.DependsOnAll(done) {
				ready = append(ready, t)
			} else {
				blocked = append(blocked, t)
			}
		}
		if len(ready) == 0 {
			return fmt.Errorf("%w: %d task(s) can never become ready: %s",
				ErrCircularDependency, len(blocked), strings.Join(taskIDs(blocked), ", "))
		}

		if err := e.runBatch(ctx, f, batch, ready); err != nil {
			return err
		}
		for _, t := range ready {
			done[t.ID] = true
		}
		remaining = blocked
	}
	return nil
}

// runBatch executes tasks concurrently, at most capacity at a time. The
// first failure cancels the tasks still running and prevents new starts.
func (e *Engine) runBatch(ctx context.Context, f *models.Flow, n int, tasks []*models.MicroTask) error {
	ctx, span := e.tracer.Start(ctx, "flow.batch", trace.WithAttributes(
		attribute.Int("batch", n),
		attribute.StringSlice("tasks", taskIDs(tasks)),
	))
	defer span.End()

	slog.Info("executing batch", "flow", f.ID, "batch", n, "tasks", len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.swarm.Capacity())
	for _, t := range tasks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := e.swarm.ExecuteTask(gctx, t, f.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func taskIDs(tasks []*models.MicroTask) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func (e *Engine) setStatus(f *models.Flow, status models.FlowStatus) error {
	if err := e.store.UpdateFlowStatus(f.ID, status); err != nil {
		return fmt.Errorf("update flow status: %w", err)
	}
	f.Status = status
	e.emit(f.ID, status, nil)
	return nil
}

func (e *Engine) emit(flowID string, status models.FlowStatus, data map[string]any) {
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["status"] = status
	e.swarm.Emit(swarm.Event{Type: swarm.EventFlowStatus, FlowID: flowID, Data: data})
}
