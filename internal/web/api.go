package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/concord/internal/agent"
	"github.com/mtzanidakis/concord/internal/coherence"
	"github.com/mtzanidakis/concord/internal/config"
	"github.com/mtzanidakis/concord/internal/conflict"
	"github.com/mtzanidakis/concord/internal/coord"
	"github.com/mtzanidakis/concord/internal/registry"
	"github.com/mtzanidakis/concord/internal/synchrony"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("PUT /api/agents/{id}/state", s.updateAgentState)
	mux.HandleFunc("POST /api/agents/{id}/messages", s.sendMessage)
	mux.HandleFunc("GET /api/agents/{id}/resources", s.getAgentResources)
	mux.HandleFunc("POST /api/broadcast", s.broadcast)
	mux.HandleFunc("GET /api/hierarchy", s.getHierarchy)
	mux.HandleFunc("GET /api/roles", s.listRoles)

	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.delegateTask)
	mux.HandleFunc("POST /api/tasks/prioritize", s.prioritizeTasks)
	mux.HandleFunc("POST /api/tasks/order", s.orderTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("PUT /api/tasks/{id}/status", s.updateTaskStatus)

	// Resources
	mux.HandleFunc("GET /api/resources", s.listResources)
	mux.HandleFunc("GET /api/resources/{id}", s.getResource)
	mux.HandleFunc("POST /api/resources/{id}/allocate", s.allocateResource)
	mux.HandleFunc("POST /api/resources/{id}/enqueue", s.enqueueResource)
	mux.HandleFunc("POST /api/resources/{id}/release", s.releaseResource)
	mux.HandleFunc("POST /api/resources/{id}/arbitrate", s.arbitrateResource)
	mux.HandleFunc("GET /api/resources/{id}/transfers", s.listTransfers)

	// Synchronization
	mux.HandleFunc("POST /api/sync", s.synchronize)
	mux.HandleFunc("GET /api/barriers", s.listBarriers)
	mux.HandleFunc("GET /api/barriers/{id}", s.getBarrier)
	mux.HandleFunc("POST /api/barriers/{id}/report", s.reportBarrier)

	// Groups
	mux.HandleFunc("GET /api/groups", s.listGroups)
	mux.HandleFunc("GET /api/groups/{id}", s.getGroup)
	mux.HandleFunc("PUT /api/groups/{id}", s.establishGroup)
	mux.HandleFunc("DELETE /api/groups/{id}", s.stopGroup)
	mux.HandleFunc("GET /api/groups/{id}/coherence", s.getCoherence)
	mux.HandleFunc("GET /api/groups/{id}/coherence/history", s.getCoherenceHistory)
	mux.HandleFunc("GET /api/groups/{id}/behaviors", s.listBehaviors)
	mux.HandleFunc("POST /api/groups/{id}/behaviors", s.reportBehavior)

	// System
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	orch := s.coord.Orchestrator
	switch {
	case r.URL.Query().Get("role") != "":
		jsonResponse(w, orch.AgentsByRole(r.URL.Query().Get("role")))
	case r.URL.Query().Get("capability") != "":
		jsonResponse(w, orch.AgentsByCapability(coord.Capability(r.URL.Query().Get("capability"))))
	default:
		jsonResponse(w, orch.Agents())
	}
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.coord.Orchestrator.Agent(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, a)
}

func (s *Server) updateAgentState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Load   float64 `json:"load"`
		Status string  `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	if err := s.coord.UpdateAgentState(id, body.Load, body.Status); err != nil {
		writeError(w, err)
		return
	}
	s.getAgent(w, r)
}

type messageRequest struct {
	Type    coord.MessageType `json:"type"`
	Content map[string]any    `json:"content"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body messageRequest
	if !decode(w, r, &body) {
		return
	}
	if body.Type == "" {
		body.Type = coord.MsgBroadcast
	}
	msg := coord.NewMessage(body.Type, "", r.PathValue("id"), body.Content)
	if err := s.coord.Orchestrator.SendMessage(r.Context(), msg); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "sent", "id": msg.ID})
}

func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		messageRequest
		Role       string `json:"role"`
		Capability string `json:"capability"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Type == "" {
		body.Type = coord.MsgBroadcast
	}
	var filter agent.Filter
	if body.Role != "" || body.Capability != "" {
		filter = func(a coord.Agent) bool {
			if body.Role != "" && (a.Role == nil || a.Role.Name != body.Role) {
				return false
			}
			return body.Capability == "" || a.Capabilities.Has(coord.Capability(body.Capability))
		}
	}
	msg := coord.NewMessage(body.Type, "", "", body.Content)
	n := s.coord.Orchestrator.BroadcastMessage(r.Context(), msg, filter)
	jsonResponse(w, map[string]int{"delivered": n})
}

func (s *Server) getAgentResources(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.Resources.AgentResources(r.PathValue("id")))
}

func (s *Server) getHierarchy(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"hierarchy": s.coord.Orchestrator.Hierarchy(),
		"problems":  []string{},
	}
	if err := s.coord.Orchestrator.ValidateHierarchy(); err != nil {
		var ve *coord.ValidationError
		if errors.As(err, &ve) {
			out["problems"] = ve.Problems
		}
	}
	jsonResponse(w, out)
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		jsonResponse(w, []coord.Role{})
		return
	}
	jsonResponse(w, s.registry.Roles())
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.Orchestrator.Tasks())
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.coord.Orchestrator.Task(id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := map[string]any{"task": task}
	if s.store != nil {
		history, err := s.store.GetTaskHistory(id)
		if err != nil {
			writeError(w, err)
			return
		}
		out["history"] = history
	}
	jsonResponse(w, out)
}

func (s *Server) delegateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task     coord.Task     `json:"task"`
		Criteria agent.Criteria `json:"criteria"`
	}
	if !decode(w, r, &body) {
		return
	}
	task, err := s.coord.Orchestrator.DelegateTask(r.Context(), body.Task, body.Criteria)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(task)
}

func (s *Server) updateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status coord.TaskStatus `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	task, err := s.coord.Orchestrator.UpdateTaskStatus(r.PathValue("id"), body.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, task)
}

func (s *Server) prioritizeTasks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tasks []coord.Task `json:"tasks"`
	}
	if !decode(w, r, &body) {
		return
	}
	jsonResponse(w, s.coord.Resolver.ResolvePriorityConflict(body.Tasks))
}

func (s *Server) orderTasks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tasks []coord.Task `json:"tasks"`
	}
	if !decode(w, r, &body) {
		return
	}
	ordered, err := s.coord.Resolver.ResolveCircularDependency(body.Tasks)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, ordered)
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.Resources.List())
}

func (s *Server) getResource(w http.ResponseWriter, r *http.Request) {
	st, err := s.coord.Resources.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, st)
}

type holdRequest struct {
	AgentID  string `json:"agent_id"`
	Duration string `json:"duration"`
}

func (s *Server) allocateResource(w http.ResponseWriter, r *http.Request) {
	var body holdRequest
	if !decode(w, r, &body) {
		return
	}
	d, err := parseDuration(body.Duration)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.coord.Resources.Allocate(r.PathValue("id"), body.AgentID, d)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, st)
}

func (s *Server) enqueueResource(w http.ResponseWriter, r *http.Request) {
	var body holdRequest
	if !decode(w, r, &body) {
		return
	}
	d, err := parseDuration(body.Duration)
	if err != nil {
		writeError(w, err)
		return
	}
	pos, err := s.coord.Resources.Enqueue(r.PathValue("id"), body.AgentID, d)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]int{"position": pos})
}

func (s *Server) releaseResource(w http.ResponseWriter, r *http.Request) {
	var body holdRequest
	if !decode(w, r, &body) {
		return
	}
	next, err := s.coord.Resources.Release(r.PathValue("id"), body.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"next_holder": next})
}

func (s *Server) arbitrateResource(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agents   []string           `json:"agents"`
		Strategy string             `json:"strategy"`
		Tags     []coord.Capability `json:"tags"`
		Duration string             `json:"duration"`
	}
	if !decode(w, r, &body) {
		return
	}
	d, err := parseDuration(body.Duration)
	if err != nil {
		writeError(w, err)
		return
	}
	res := conflict.Resource{ID: r.PathValue("id"), Tags: body.Tags}
	winner, err := s.coord.Arbitrate(r.Context(), res, body.Agents, body.Strategy, d)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"winner": winner})
}

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []any{})
		return
	}
	transfers, err := s.store.ListTransfers(r.PathValue("id"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, transfers)
}

func (s *Server) synchronize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agents  []string       `json:"agents"`
		Action  string         `json:"action"`
		Params  map[string]any `json:"params"`
		GroupID string         `json:"group_id"`
		Timeout string         `json:"timeout"`
	}
	if !decode(w, r, &body) {
		return
	}
	timeout, err := parseDuration(body.Timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := s.coord.Synchronize(r.Context(), body.Agents, body.Action, body.Params, body.GroupID, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]bool{"success": ok})
}

func (s *Server) listBarriers(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.Synchrony.Barriers())
}

func (s *Server) getBarrier(w http.ResponseWriter, r *http.Request) {
	b, err := s.coord.Synchrony.Barrier(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, b)
}

func (s *Server) reportBarrier(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
		Status  string `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.coord.Report(r.PathValue("id"), body.AgentID, body.Status); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "recorded"})
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.Synchrony.Groups())
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	g, err := s.coord.Synchrony.Group(id)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.coord.Synchrony.Stats(id)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]any{"group": g, "stats": stats})
}

type phaseRequest struct {
	Name     string         `json:"name"`
	Action   string         `json:"action"`
	Agents   []string       `json:"agents"`
	Duration string         `json:"duration"`
	Params   map[string]any `json:"params"`
}

func (s *Server) establishGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Members  []string       `json:"members"`
		Pattern  string         `json:"pattern"`
		Interval string         `json:"interval"`
		Action   string         `json:"action"`
		Rest     string         `json:"rest"`
		Phases   []phaseRequest `json:"phases"`
	}
	if !decode(w, r, &body) {
		return
	}

	def := config.GroupDefinition{Members: body.Members, Pattern: body.Pattern, Action: body.Action}
	var problems []string
	var err error
	if def.Interval, err = parseDuration(body.Interval); err != nil {
		problems = append(problems, err.Error())
	}
	if def.Rest, err = parseDuration(body.Rest); err != nil {
		problems = append(problems, err.Error())
	}
	for _, p := range body.Phases {
		d, err := parseDuration(p.Duration)
		if err != nil {
			problems = append(problems, fmt.Sprintf("phase %s: %v", p.Name, err))
		}
		def.Phases = append(def.Phases, config.PhaseDefinition{
			Name: p.Name, Action: p.Action, Agents: p.Agents, Duration: d, Params: p.Params,
		})
	}
	if len(problems) > 0 {
		writeError(w, &coord.ValidationError{Problems: problems})
		return
	}

	g, err := s.coord.Synchrony.EstablishGroupRhythm(r.PathValue("id"), def.Members, registry.RhythmFor(def))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, g)
}

func (s *Server) stopGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.coord.Synchrony.StopGroupRhythm(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, g)
}

func (s *Server) getCoherence(w http.ResponseWriter, r *http.Request) {
	m, err := s.coord.Monitor.MonitorGroupCoherence(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, m)
}

func (s *Server) getCoherenceHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []any{})
		return
	}
	history, err := s.store.GetCoherenceHistory(r.PathValue("id"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, history)
}

func (s *Server) listBehaviors(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.store == nil {
		jsonResponse(w, s.coord.Monitor.Behaviors(id))
		return
	}
	behaviors, err := s.store.ListBehaviors(id, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, behaviors)
}

func (s *Server) reportBehavior(w http.ResponseWriter, r *http.Request) {
	var b coherence.Behavior
	if !decode(w, r, &b) {
		return
	}
	rec, err := s.coord.Monitor.HandleGroupEmergentBehavior(r.Context(), r.PathValue("id"), b)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, rec)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, s.scheduler.Jobs())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"version":    s.version,
		"uptime":     formatUptime(time.Since(s.startedAt)),
		"agents":     len(s.coord.Orchestrator.Agents()),
		"tasks":      len(s.coord.Orchestrator.Tasks()),
		"groups":     len(s.coord.Synchrony.Groups()),
		"barriers":   len(s.coord.Synchrony.Barriers()),
		"resources":  len(s.coord.Resources.List()),
		"strategies": s.coord.Resolver.Strategies(),
	}
	if s.store != nil {
		if counts, err := s.store.Counts(); err == nil {
			out["journal"] = counts
		}
	}
	jsonResponse(w, out)
}

// writeError maps error categories to status codes.
func writeError(w http.ResponseWriter, err error) {
	var ve *coord.ValidationError
	switch {
	case errors.As(err, &ve):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "problems": ve.Problems})
	case errors.Is(err, coord.ErrValidation):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, coord.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, coord.ErrConflict):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, coord.ErrTimeout):
		jsonError(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, synchrony.ErrClosed):
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// parseDuration treats an empty string as zero.
func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, coord.NewValidationError("invalid duration %q", v)
	}
	return d, nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
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
