package swarm

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mtzanidakis/swarmflow/internal/natsbus"
)

type EventType string

const (
	EventAgentSpawned    EventType = "agent_spawned"
	EventAgentRetired    EventType = "agent_retired"
	EventAgentTerminated EventType = "agent_terminated"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"
	EventFlowStatus      EventType = "flow_status"
	EventSwarmUpdate     EventType = "swarm_update"
)

// Event is a change notification for observers of the swarm.
type Event struct {
	Type      EventType      `json:"type"`
	FlowID    string         `json:"flow_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher forwards encoded events to an external bus. *natsbus.Client
// satisfies it.
type Publisher interface {
	Publish(topic string, data []byte) error
}

// Subscribe registers fn for every event emitted from now on. Handlers run
// synchronously on the emitting goroutine and must not block. The returned
// function removes the subscription.
func (o *Orchestrator) Subscribe(fn func(Event)) func() {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()

	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	return func() {
		o.subsMu.Lock()
		delete(o.subs, id)
		o.subsMu.Unlock()
	}
}

// Emit delivers e to in-process subscribers and publishes it on the flow's
// event subject.
func (o *Orchestrator) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	o.subsMu.RLock()
	handlers := make([]func(Event), 0, len(o.subs))
	for _, fn := range o.subs {
		handlers = append(handlers, fn)
	}
	o.subsMu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}

	if o.publisher == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := o.publisher.Publish(natsbus.TopicEventsFlow(e.FlowID), payload); err != nil {
		slog.Debug("event publish failed", "type", e.Type, "flow", e.FlowID, "error", err)
	}
}
