package models

import "time"

// GlobalScope is the flow id under which context entries visible to every flow live.
const GlobalScope = "global"

const (
	ContextMacroGoal  = "macro_goal"
	ContextTaskResult = "task_result"
	ContextNote       = "note"
)

// ContextEntry is an append-only fact any agent's prompt may draw on.
type ContextEntry struct {
	ID        string    `json:"id"`
	FlowID    string    `json:"flow_id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// SharedContext is the snapshot handed to an agent when it is spawned.
type SharedContext struct {
	MacroGoal           string   `json:"macro_goal"`
	RelevantInfo        []string `json:"relevant_info"`
	CompletedTaskTitles []string `json:"completed_task_titles"`
}

type UpdateType string

const (
	UpdateTaskCompleted  UpdateType = "task_completed"
	UpdateContextUpdate  UpdateType = "context_update"
	UpdateStrategyChange UpdateType = "strategy_change"
	UpdateAgentMessage   UpdateType = "agent_message"
)

// SwarmUpdate is a broadcast notification agents may consume.
type SwarmUpdate struct {
	ID        string     `json:"id"`
	FlowID    string     `json:"flow_id"`
	Type      UpdateType `json:"type"`
	Content   string     `json:"content"`
	AgentID   string     `json:"agent_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
