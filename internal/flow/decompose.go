package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/swarmflow/internal/extract"
	"github.com/mtzanidakis/swarmflow/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const decompositionPrompt = `Break the following goal into small, concrete tasks that a team of specialist agents can work on.

Goal:
%s

Return ONLY a JSON object with this structure:
{
  "execution_strategy": "parallel | sequential | hybrid",
  "total_estimated_time": "e.g. 3h",
  "tasks": [
    {
      "id": "task-1",
      "title": "Short task title",
      "description": "What needs to be done",
      "type": "%s",
      "effort": 3,
      "dependencies": ["ids of tasks that must finish first"],
      "estimated_duration": "e.g. 45m",
      "prerequisites": ["tools or knowledge needed"],
      "deliverable": "The concrete output"
    }
  ]
}

Guidelines:
- Keep tasks independent where possible so they can run in parallel
- Only add a dependency when a task needs another task's output
- effort is 1 (trivial) to 5 (large)
- Use "sequential" only when every task depends on the previous one`

type decomposedFlow struct {
	ExecutionStrategy  string           `json:"execution_strategy"`
	TotalEstimatedTime string           `json:"total_estimated_time"`
	Tasks              []decomposedTask `json:"tasks"`
}

type decomposedTask struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Type              string   `json:"type"`
	Effort            int      `json:"effort"`
	Dependencies      []string `json:"dependencies"`
	EstimatedDuration string   `json:"estimated_duration"`
	Prerequisites     []string `json:"prerequisites"`
	Deliverable       string   `json:"deliverable"`
}

func taskTypeList() string {
	names := make([]string, len(models.TaskTypes))
	for i, t := range models.TaskTypes {
		names[i] = string(t)
	}
	return strings.Join(names, " | ")
}

// Decompose asks the completion service to split goal into tasks, validates
// the answer and persists the resulting flow as ready.
func (e *Engine) Decompose(ctx context.Context, goal string) (*models.Flow, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("%w: empty goal", ErrInvalidResponse)
	}

	flowID := uuid.New().String()
	ctx, span := e.tracer.Start(ctx, "flow.decompose", trace.WithAttributes(attribute.String("flow.id", flowID)))
	defer span.End()
	e.emit(flowID, models.FlowAnalyzing, nil)

	response, err := e.completer.Complete(ctx, fmt.Sprintf(decompositionPrompt, goal, taskTypeList()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decompose: %w", err)
	}

	f, err := parseDecomposition(flowID, goal, response)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("flow.tasks", len(f.Tasks)),
		attribute.String("flow.strategy", string(f.ExecutionStrategy)),
	)

	if plan := Analyze(f.Tasks); plan.HasCycle() {
		slog.Warn("decomposed flow contains a dependency cycle", "flow", f.ID, "tasks", plan.Unplaced)
	}

	if err := e.store.StoreFlow(f); err != nil {
		return nil, fmt.Errorf("store flow: %w", err)
	}
	if err := e.store.AddContextEntry(&models.ContextEntry{
		FlowID:    f.ID,
		Type:      models.ContextMacroGoal,
		Content:   goal,
		CreatedBy: "flow-engine",
	}); err != nil {
		return nil, fmt.Errorf("record goal: %w", err)
	}

	slog.Info("flow created", "flow", f.ID, "tasks", len(f.Tasks), "strategy", f.ExecutionStrategy)
	e.emit(f.ID, f.Status, map[string]any{"tasks": len(f.Tasks), "strategy": f.ExecutionStrategy})
	return f, nil
}

// parseDecomposition turns a completion response into a flow. Task ids the
// model chose are only meaningful within the response; they are rewritten
// to unique ids and dependencies may name a task by id or by title.
func parseDecomposition(flowID, goal, response string) (*models.Flow, error) {
	raw, ok := extract.FirstObject(response)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrInvalidResponse)
	}

	var df decomposedFlow
	if err := json.Unmarshal([]byte(raw), &df); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(df.Tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks", ErrInvalidResponse)
	}

	byLocal := make(map[string]string, len(df.Tasks))
	byTitle := make(map[string]string, len(df.Tasks))
	tasks := make([]*models.MicroTask, len(df.Tasks))

	for i, dt := range df.Tasks {
		title := strings.TrimSpace(dt.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: task %d has no title", ErrInvalidResponse, i+1)
		}
		local := strings.TrimSpace(dt.ID)
		if local == "" {
			local = fmt.Sprintf("task-%d", i+1)
		}
		if _, dup := byLocal[local]; dup {
			return nil, fmt.Errorf("%w: duplicate task id %q", ErrInvalidResponse, local)
		}

		id := uuid.New().String()
		byLocal[local] = id
		if _, seen := byTitle[strings.ToLower(title)]; !seen {
			byTitle[strings.ToLower(title)] = id
		}
		tasks[i] = &models.MicroTask{
			ID:                id,
			FlowID:            flowID,
			Title:             title,
			Description:       strings.TrimSpace(dt.Description),
			Type:              models.ParseTaskType(dt.Type),
			Effort:            min(max(dt.Effort, 1), 5),
			EstimatedDuration: strings.TrimSpace(dt.EstimatedDuration),
			Prerequisites:     dt.Prerequisites,
			Deliverable:       strings.TrimSpace(dt.Deliverable),
			Status:            models.TaskPending,
		}
	}

	for i, dt := range df.Tasks {
		for _, dep := range dt.Dependencies {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				continue
			}
			id, ok := byLocal[dep]
			if !ok {
				id, ok = byTitle[strings.ToLower(dep)]
			}
			if !ok {
				return nil, fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidResponse, tasks[i].Title, dep)
			}
			tasks[i].Dependencies = append(tasks[i].Dependencies, id)
		}
	}

	return &models.Flow{
		ID:                 flowID,
		MacroGoal:          goal,
		Tasks:              tasks,
		ExecutionStrategy:  models.ParseStrategy(df.ExecutionStrategy),
		TotalEstimatedTime: strings.TrimSpace(df.TotalEstimatedTime),
		CreatedAt:          time.Now().UTC(),
		Status:             models.FlowReady,
	}, nil
}
