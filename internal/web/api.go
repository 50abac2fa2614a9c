package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/swarmflow/internal/models"
	"github.com/mtzanidakis/swarmflow/internal/schedule"
	"github.com/mtzanidakis/swarmflow/internal/store"
	"github.com/mtzanidakis/swarmflow/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Flows
	mux.HandleFunc("GET /api/flows", s.listFlows)
	mux.HandleFunc("POST /api/flows", s.createFlow)
	mux.HandleFunc("GET /api/flows/{id}", s.getFlow)
	mux.HandleFunc("GET /api/flows/{id}/progress", s.getFlowProgress)
	mux.HandleFunc("GET /api/flows/{id}/health", s.getFlowHealth)
	mux.HandleFunc("GET /api/flows/{id}/updates", s.listFlowUpdates)
	mux.HandleFunc("GET /api/flows/{id}/context", s.listFlowContext)

	// Live agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("DELETE /api/agents", s.terminateAllAgents)
	mux.HandleFunc("DELETE /api/agents/{id}", s.terminateAgent)

	// Scheduled goals
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.store.ListFlows(queryInt(r, "limit"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if flows == nil {
		flows = []models.Flow{}
	}
	jsonResponse(w, flows)
}

// createFlow accepts a goal and runs it in the background. Progress is
// observed through the event feed.
func (s *Server) createFlow(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		jsonError(w, "flow execution is not available", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Goal string `json:"goal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	goal := strings.TrimSpace(body.Goal)
	if goal == "" {
		jsonError(w, "goal is required", http.StatusBadRequest)
		return
	}

	s.runsWG.Add(1)
	go func() {
		defer s.runsWG.Done()
		f, err := s.runner.Run(s.runs, goal)
		if err != nil {
			attrs := []any{"error", err}
			if f != nil {
				attrs = append(attrs, "flow", f.ID)
			}
			slog.Error("submitted flow failed", attrs...)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "goal": goal})
}

func (s *Server) getFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFlow(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if f == nil {
		jsonError(w, "flow not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, f)
}

func (s *Server) getFlowProgress(w http.ResponseWriter, r *http.Request) {
	if !s.flowExists(w, r.PathValue("id")) {
		return
	}
	p, err := s.store.GetFlowProgress(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, p)
}

func (s *Server) getFlowHealth(w http.ResponseWriter, r *http.Request) {
	if !s.flowExists(w, r.PathValue("id")) {
		return
	}
	h, err := s.orch.Health(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, h)
}

func (s *Server) listFlowUpdates(w http.ResponseWriter, r *http.Request) {
	updates, err := s.store.ListSwarmUpdates(r.PathValue("id"), queryInt(r, "limit"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if updates == nil {
		updates = []models.SwarmUpdate{}
	}
	jsonResponse(w, updates)
}

func (s *Server) listFlowContext(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListContextEntries(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.ContextEntry{}
	}
	jsonResponse(w, entries)
}

func (s *Server) flowExists(w http.ResponseWriter, id string) bool {
	f, err := s.store.GetFlow(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return false
	}
	if f == nil {
		jsonError(w, "flow not found", http.StatusNotFound)
		return false
	}
	return true
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.orch.ActiveAgents())
}

func (s *Server) terminateAllAgents(w http.ResponseWriter, r *http.Request) {
	n := len(s.orch.ActiveAgents())
	if err := s.orch.TerminateAll(); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"status": "terminated", "count": n})
}

func (s *Server) terminateAgent(w http.ResponseWriter, r *http.Request) {
	err := s.orch.TerminateAgent(r.PathValue("id"))
	if errors.Is(err, swarm.ErrAgentNotFound) {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "terminated"})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	goals, err := s.store.ListGoals()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(goals))
	for _, g := range goals {
		out = append(out, goalToAPI(g))
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Goal     string `json:"goal"`
		Schedule string `json:"schedule"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Goal == "" || body.Schedule == "" {
		jsonError(w, "name, goal, and schedule are required", http.StatusBadRequest)
		return
	}

	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	g := store.ScheduledGoal{
		ID:       uuid.New().String(),
		Name:     body.Name,
		Goal:     body.Goal,
		Schedule: normalized,
		Status:   store.GoalActive,
	}
	if body.Enabled != nil && !*body.Enabled {
		g.Status = store.GoalPaused
	} else {
		g.NextRunAt = schedule.NextRun(normalized, time.Now())
	}

	if err := s.store.SaveGoal(&g); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(goalToAPI(g))
}

// updateSchedule edits a goal. Resuming or rescheduling recomputes the next
// run from now.
func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGoal(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if g == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name     *string `json:"name"`
		Goal     *string `json:"goal"`
		Schedule *string `json:"schedule"`
		Enabled  *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		g.Name = *body.Name
	}
	if body.Goal != nil {
		g.Goal = *body.Goal
	}
	reschedule := false
	if body.Schedule != nil {
		normalized, err := schedule.Normalize(*body.Schedule)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		g.Schedule = normalized
		reschedule = true
	}
	if body.Enabled != nil {
		if *body.Enabled {
			reschedule = reschedule || g.Status != store.GoalActive
			g.Status = store.GoalActive
		} else {
			g.Status = store.GoalPaused
		}
	}
	if reschedule && g.Status == store.GoalActive {
		g.NextRunAt = schedule.NextRun(g.Schedule, time.Now())
	}

	if err := s.store.SaveGoal(g); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, goalToAPI(*g))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteGoal(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"version":       s.version,
		"uptime":        formatUptime(time.Since(s.startedAt)),
		"active_agents": len(s.orch.ActiveAgents()),
		"capacity":      s.orch.Capacity(),
		"observers":     s.hub.Clients(),
	})
}

func goalToAPI(g store.ScheduledGoal) map[string]any {
	m := map[string]any{
		"id":               g.ID,
		"name":             g.Name,
		"goal":             g.Goal,
		"schedule":         g.Schedule,
		"schedule_display": schedule.Describe(g.Schedule),
		"enabled":          g.Status == store.GoalActive,
		"status":           g.Status,
	}
	if g.NextRunAt != nil {
		m["next_run_at"] = g.NextRunAt.UTC()
	}
	if g.LastRunAt != nil {
		m["last_run_at"] = g.LastRunAt.UTC()
		m["last_status"] = g.LastStatus
		m["last_flow_id"] = g.LastFlowID
	}
	if g.LastError != "" {
		m["last_error"] = g.LastError
	}
	return m
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
