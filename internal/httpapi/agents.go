package httpapi

import (
	"net/http"
	"sort"
	"strings"
	"time"
)

type agentResponse struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Model       string         `json:"model"`
	Temperature float64        `json:"temperature"`
	CreatedAt   time.Time      `json:"created_at"`
	TasksCount  int            `json:"tasks_count"`
	RecentTasks []taskResponse `json:"recent_tasks"`
}

type agentRequest struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Model       *string  `json:"model"`
	Temperature *float64 `json:"temperature"`
}

const recentTasksPerAgent = 5

func (s *Server) agentResponseLocked(a *agentRecord) agentResponse {
	out := agentResponse{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		Model:       a.Model,
		Temperature: a.Temperature,
		CreatedAt:   a.CreatedAt,
		RecentTasks: []taskResponse{},
	}
	tasks := s.tasksLocked(func(t *taskRecord) bool { return t.Agent == a.ID })
	out.TasksCount = len(tasks)
	for i, t := range tasks {
		if i == recentTasksPerAgent {
			break
		}
		out.RecentTasks = append(out.RecentTasks, s.taskResponseLocked(t))
	}
	return out
}

func (s *Server) ownedAgentLocked(r *http.Request) (*agentRecord, bool) {
	id, ok := pathID(r)
	if !ok {
		return nil, false
	}
	a, ok := s.agents[id]
	if !ok || a.Owner != currentUser(r).ID {
		return nil, false
	}
	return a, true
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	owner := currentUser(r).ID
	s.mu.Lock()
	defer s.mu.Unlock()
	agents := make([]*agentRecord, 0, len(s.agents))
	for _, a := range s.agents {
		if a.Owner == owner {
			agents = append(agents, a)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID > agents[j].ID })

	start, end, next, prev, ok := paginate(r, len(agents))
	if !ok {
		respondError(w, http.StatusNotFound, "Invalid page.")
		return
	}
	results := make([]agentResponse, 0, end-start)
	for _, a := range agents[start:end] {
		results = append(results, s.agentResponseLocked(a))
	}
	respondJSON(w, http.StatusOK, page{Count: len(agents), Next: next, Previous: prev, Results: results})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fields := validateAgent(req, true); len(fields) > 0 {
		respondFieldErrors(w, fields)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAgentID++
	a := &agentRecord{
		ID:          s.nextAgentID,
		Owner:       currentUser(r).ID,
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
		CreatedAt:   s.now(),
	}
	applyAgent(a, req)
	s.agents[a.ID] = a
	respondJSON(w, http.StatusCreated, s.agentResponseLocked(a))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.ownedAgentLocked(r)
	if !ok {
		respondError(w, http.StatusNotFound, "Not found.")
		return
	}
	respondJSON(w, http.StatusOK, s.agentResponseLocked(a))
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fields := validateAgent(req, r.Method == http.MethodPut); len(fields) > 0 {
		respondFieldErrors(w, fields)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.ownedAgentLocked(r)
	if !ok {
		respondError(w, http.StatusNotFound, "Not found.")
		return
	}
	applyAgent(a, req)
	respondJSON(w, http.StatusOK, s.agentResponseLocked(a))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.ownedAgentLocked(r)
	if !ok {
		respondError(w, http.StatusNotFound, "Not found.")
		return
	}
	delete(s.agents, a.ID)
	for id, t := range s.tasks {
		if t.Agent == a.ID {
			delete(s.tasks, id)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateAgent(req agentRequest, requireName bool) map[string][]string {
	fields := map[string][]string{}
	if req.Name == nil {
		if requireName {
			fields["name"] = []string{"This field is required."}
		}
	} else if strings.TrimSpace(*req.Name) == "" {
		fields["name"] = []string{"This field may not be blank."}
	} else if len(*req.Name) > 120 {
		fields["name"] = []string{"Ensure this field has no more than 120 characters."}
	}
	if req.Model != nil && len(*req.Model) > 50 {
		fields["model"] = []string{"Ensure this field has no more than 50 characters."}
	}
	return fields
}

func applyAgent(a *agentRecord, req agentRequest) {
	if req.Name != nil {
		a.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		a.Description = *req.Description
	}
	if req.Model != nil && strings.TrimSpace(*req.Model) != "" {
		a.Model = strings.TrimSpace(*req.Model)
	}
	if req.Temperature != nil {
		a.Temperature = *req.Temperature
	}
}
