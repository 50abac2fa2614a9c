package models

import "time"

type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentAssigned   AgentStatus = "assigned"
	AgentWorking    AgentStatus = "working"
	AgentCompleted  AgentStatus = "completed"
	AgentFailed     AgentStatus = "failed"
	AgentTerminated AgentStatus = "terminated"
)

// Terminal reports whether no further transition is possible from s.
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed || s == AgentTerminated
}

// Agent is the persisted view of a worker bound to a single task.
type Agent struct {
	ID             string      `json:"id"`
	FlowID         string      `json:"flow_id"`
	Specialization TaskType    `json:"specialization"`
	TaskID         string      `json:"task_id"`
	Status         AgentStatus `json:"status"`
	Workload       float64     `json:"workload"`
	Efficiency     float64     `json:"efficiency"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
