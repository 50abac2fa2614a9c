package flow

import (
	"slices"

	"github.com/mtzanidakis/swarmflow/internal/models"
)

// Plan is the static shape of a flow's dependency graph.
type Plan struct {
	// Tiers groups task ids by dependency depth. Tasks in one tier only
	// depend on earlier tiers and keep their declared order.
	Tiers [][]string
	// Dangling maps a task id to the dependencies that name no task.
	Dangling map[string][]string
	// Duplicates lists ids declared more than once.
	Duplicates []string
	// Unplaced lists tasks that sit on or behind a cycle.
	Unplaced []string
}

func (p *Plan) HasCycle() bool { return len(p.Unplaced) > 0 }

// Analyze computes dependency tiers with Kahn's algorithm. Dangling
// references are reported and otherwise ignored.
func Analyze(tasks []*models.MicroTask) *Plan {
	p := &Plan{Dangling: make(map[string][]string)}

	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		if _, dup := index[t.ID]; dup {
			if !slices.Contains(p.Duplicates, t.ID) {
				p.Duplicates = append(p.Duplicates, t.ID)
			}
			continue
		}
		index[t.ID] = i
	}

	dependents := make(map[string][]string)
	inDegree := make(map[string]int, len(index))
	for id := range index {
		inDegree[id] = 0
	}
	for id, i := range index {
		seen := make(map[string]bool)
		for _, dep := range tasks[i].Dependencies {
			if _, ok := index[dep]; !ok {
				p.Dangling[id] = append(p.Dangling[id], dep)
				continue
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			dependents[dep] = append(dependents[dep], id)
			inDegree[id]++
		}
	}

	depth := make(map[string]int)
	var queue []string
	for _, t := range tasks {
		if i, ok := index[t.ID]; ok && tasks[i] == t && inDegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}

	maxDepth := -1
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		maxDepth = max(maxDepth, depth[id])

		for _, next := range dependents[id] {
			inDegree[next]--
			depth[next] = max(depth[next], depth[id]+1)
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	p.Tiers = make([][]string, maxDepth+1)
	for _, t := range tasks {
		i, ok := index[t.ID]
		if !ok || tasks[i] != t {
			continue
		}
		if inDegree[t.ID] > 0 {
			p.Unplaced = append(p.Unplaced, t.ID)
			continue
		}
		d := depth[t.ID]
		p.Tiers[d] = append(p.Tiers[d], t.ID)
	}
	return p
}
