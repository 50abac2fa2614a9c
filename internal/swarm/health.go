package swarm

import (
	"fmt"
	"time"
)

// overloadThreshold is the workload above which an agent is flagged.
const overloadThreshold = 0.8

type Health struct {
	FlowID              string        `json:"flow_id"`
	ActiveAgents        int           `json:"active_agents"`
	Capacity            int           `json:"capacity"`
	CompletedTasks      int           `json:"completed_tasks"`
	FailedTasks         int           `json:"failed_tasks"`
	AverageTaskDuration time.Duration `json:"average_task_duration"`
	AverageEfficiency   float64       `json:"average_efficiency"`
	Recommendations     []string      `json:"recommendations"`
}

// Health summarizes the swarm as seen by one flow.
func (o *Orchestrator) Health(flowID string) (*Health, error) {
	completed, err := o.store.GetCompletedTasks(flowID)
	if err != nil {
		return nil, err
	}
	failed, err := o.store.GetFailedTasks(flowID)
	if err != nil {
		return nil, err
	}
	agents := o.ActiveAgents()

	h := &Health{
		FlowID:         flowID,
		ActiveAgents:   len(agents),
		Capacity:       o.capacity,
		CompletedTasks: len(completed),
		FailedTasks:    len(failed),
	}

	var total time.Duration
	var timed, rated int
	var efficiency float64
	for _, t := range completed {
		if d := t.Duration(); d > 0 {
			total += d
			timed++
		}
		if e, ok := t.Efficiency(); ok {
			efficiency += e
			rated++
		}
	}
	if timed > 0 {
		h.AverageTaskDuration = total / time.Duration(timed)
	}
	if rated > 0 {
		h.AverageEfficiency = efficiency / float64(rated)
	}

	for _, a := range agents {
		if a.Workload > overloadThreshold {
			h.Recommendations = append(h.Recommendations,
				fmt.Sprintf("agent %s is overloaded (workload %.2f); consider splitting task %s", a.ID, a.Workload, a.TaskID))
		}
	}
	if len(failed) > 0 {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("%d task(s) failed; review their errors before re-running the flow", len(failed)))
	}
	if idle := o.capacity - len(agents); idle > 0 && len(completed) > 0 {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("%d agent slot(s) idle; more independent tasks could run in parallel", idle))
	}
	return h, nil
}
