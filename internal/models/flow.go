// Package models holds the flow, task, agent and coordination types shared by
// the store, the swarm orchestrator and the flow engine.
package models

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

type FlowStatus string

const (
	FlowAnalyzing FlowStatus = "analyzing"
	FlowReady     FlowStatus = "ready"
	FlowExecuting FlowStatus = "executing"
	FlowCompleted FlowStatus = "completed"
	FlowFailed    FlowStatus = "failed"
)

type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyHybrid     Strategy = "hybrid"
)

// ParseStrategy maps free-form strategy names onto the known strategies.
// Anything unrecognized runs as hybrid.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyParallel:
		return StrategyParallel
	case StrategySequential:
		return StrategySequential
	default:
		return StrategyHybrid
	}
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// TaskType is the specialization an agent needs to work a task.
type TaskType string

const (
	TaskResearch       TaskType = "research"
	TaskArchitecture   TaskType = "architecture"
	TaskImplementation TaskType = "implementation"
	TaskTesting        TaskType = "testing"
	TaskReview         TaskType = "review"
	TaskDocumentation  TaskType = "documentation"
	TaskDevOps         TaskType = "devops"
	TaskSecurity       TaskType = "security"
	TaskGeneral        TaskType = "general"
)

var TaskTypes = []TaskType{
	TaskResearch, TaskArchitecture, TaskImplementation, TaskTesting,
	TaskReview, TaskDocumentation, TaskDevOps, TaskSecurity, TaskGeneral,
}

func ParseTaskType(s string) TaskType {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range TaskTypes {
		if string(t) == s {
			return t
		}
	}
	switch s {
	case "code", "coding", "backend", "frontend", "feature":
		return TaskImplementation
	case "test", "qa":
		return TaskTesting
	case "design":
		return TaskArchitecture
	case "docs":
		return TaskDocumentation
	case "deploy", "deployment", "infrastructure", "ops":
		return TaskDevOps
	}
	return TaskGeneral
}

type MicroTask struct {
	ID                string     `json:"id"`
	FlowID            string     `json:"flow_id"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Type              TaskType   `json:"type"`
	Effort            int        `json:"effort"`
	Dependencies      []string   `json:"dependencies"`
	EstimatedDuration string     `json:"estimated_duration,omitempty"`
	Prerequisites     []string   `json:"prerequisites,omitempty"`
	Deliverable       string     `json:"deliverable,omitempty"`
	Status            TaskStatus `json:"status"`
	AssignedAgent     string     `json:"assigned_agent,omitempty"`
	Result            string     `json:"result,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// DependsOnAll reports whether every dependency of t is in done.
func (t *MicroTask) DependsOnAll(done map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !done[dep] {
			return false
		}
	}
	return true
}

// Duration returns the recorded execution time, or zero if the task has not
// both started and finished.
func (t *MicroTask) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// Efficiency is the estimate over the recorded duration, capped at 1. It
// reports false when the estimate does not parse or no duration exists.
func (t *MicroTask) Efficiency() (float64, bool) {
	est, ok := ParseEstimate(t.EstimatedDuration)
	actual := t.Duration()
	if !ok || actual <= 0 {
		return 0, false
	}
	return min(1, float64(est)/float64(actual)), true
}

type Flow struct {
	ID                 string       `json:"id"`
	MacroGoal          string       `json:"macro_goal"`
	Tasks              []*MicroTask `json:"tasks"`
	ExecutionStrategy  Strategy     `json:"execution_strategy"`
	TotalEstimatedTime string       `json:"total_estimated_time,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	Status             FlowStatus   `json:"status"`
}

// Task looks up a task by id.
func (f *Flow) Task(id string) *MicroTask {
	for _, t := range f.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

type FlowProgress struct {
	FlowID       string `json:"flow_id"`
	Total        int    `json:"total"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	ActiveAgents int    `json:"active_agents"`
}

var estimateRe = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*(s|secs?|seconds?|m|mins?|minutes?|h|hrs?|hours?|d|days?)\s*$`)

// ParseEstimate parses durations such as "45m", "1h30m", "2 hours" or
// "30 minutes". The second return value is false when s is not parseable.
func ParseEstimate(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, true
	}
	m := estimateRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	var unit time.Duration
	switch strings.ToLower(m[2])[0] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	}
	return time.Duration(n * float64(unit)), true
}
