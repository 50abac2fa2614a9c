// Package scheduler polls for scheduled goals that are due and runs each one
// as a fresh flow.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mtzanidakis/swarmflow/internal/config"
	"github.com/mtzanidakis/swarmflow/internal/models"
	"github.com/mtzanidakis/swarmflow/internal/natsbus"
	"github.com/mtzanidakis/swarmflow/internal/schedule"
	"github.com/mtzanidakis/swarmflow/internal/store"
)

// Runner decomposes and executes a goal. *flow.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, goal string) (*models.Flow, error)
}

type Publisher interface {
	Publish(topic string, data []byte) error
}

type Scheduler struct {
	store        *store.Store
	runner       Runner
	publisher    Publisher
	pollInterval time.Duration
	now          func() time.Time
}

// New returns a scheduler. publisher may be nil.
func New(s *store.Store, runner Runner, publisher Publisher, cfg config.SchedulerConfig) *Scheduler {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		store:        s,
		runner:       runner,
		publisher:    publisher,
		pollInterval: interval,
		now:          time.Now,
	}
}

// Start polls until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll runs the due goals one after the other; flows share the swarm's
// agent capacity.
func (s *Scheduler) poll(ctx context.Context) {
	goals, err := s.store.GetDueGoals(s.now())
	if err != nil {
		slog.Error("failed to get due goals", "error", err)
		return
	}
	for _, g := range goals {
		if ctx.Err() != nil {
			return
		}
		s.execute(ctx, g)
	}
}

func (s *Scheduler) execute(ctx context.Context, g store.ScheduledGoal) {
	slog.Info("running scheduled goal", "id", g.ID, "name", g.Name)

	f, err := s.runner.Run(ctx, g.Goal)

	var flowID string
	if f != nil {
		flowID = f.ID
	}
	lastStatus, lastError := "success", ""
	if err != nil {
		lastStatus, lastError = "error", err.Error()
		slog.Error("scheduled goal failed", "id", g.ID, "flow", flowID, "error", err)
	}

	nextRun := schedule.NextRun(g.Schedule, s.now())
	if err := s.store.UpdateGoalRun(g.ID, lastStatus, lastError, flowID, nextRun); err != nil {
		slog.Error("failed to record goal run", "id", g.ID, "error", err)
	}
	if nextRun == nil {
		slog.Info("no next run, marking goal as completed", "id", g.ID, "name", g.Name)
		if err := s.store.UpdateGoalStatus(g.ID, store.GoalCompleted); err != nil {
			slog.Error("failed to complete goal", "id", g.ID, "error", err)
		}
	}

	s.publish(g, flowID, lastStatus)
}

func (s *Scheduler) publish(g store.ScheduledGoal, flowID, status string) {
	if s.publisher == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"type":      "goal_executed",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":      g.ID,
			"name":    g.Name,
			"flow_id": flowID,
			"status":  status,
		},
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(natsbus.TopicEventsSchedule(g.ID), data); err != nil {
		slog.Debug("schedule event not published", "id", g.ID, "error", err)
	}
}
