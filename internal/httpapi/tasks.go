package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	statusPending   = "pending"
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

type taskResponse struct {
	ID         int64      `json:"id"`
	Agent      int64      `json:"agent"`
	AgentName  string     `json:"agent_name"`
	InputText  string     `json:"input_text"`
	OutputText string     `json:"output_text"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

type taskEvent struct {
	ID         int64      `json:"id"`
	Agent      int64      `json:"agent"`
	Status     string     `json:"status"`
	OutputText string     `json:"output_text"`
	InputText  string     `json:"input_text"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

type runTaskRequest struct {
	Agent     json.Number `json:"agent"`
	InputText string      `json:"input_text"`
}

func (s *Server) taskResponseLocked(t *taskRecord) taskResponse {
	out := taskResponse{
		ID:         t.ID,
		Agent:      t.Agent,
		InputText:  t.InputText,
		OutputText: t.OutputText,
		Status:     t.Status,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	if a, ok := s.agents[t.Agent]; ok {
		out.AgentName = a.Name
	}
	return out
}

// tasksLocked returns matching tasks newest first.
func (s *Server) tasksLocked(match func(*taskRecord) bool) []*taskRecord {
	out := make([]*taskRecord, 0, len(s.tasks))
	for _, t := range s.tasks {
		if match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := currentUser(r).ID

	status := strings.TrimSpace(q.Get("status"))
	var agent int64
	if raw := q.Get("agent"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondFieldErrors(w, map[string][]string{"agent": {"Enter a number."}})
			return
		}
		agent = v
	}
	var after, before time.Time
	for key, dst := range map[string]*time.Time{"created_at__gte": &after, "created_at__lte": &before} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		v, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondFieldErrors(w, map[string][]string{key: {"Enter a valid date/time."}})
			return
		}
		*dst = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.tasksLocked(func(t *taskRecord) bool {
		switch {
		case t.Owner != owner:
			return false
		case status != "" && t.Status != status:
			return false
		case agent != 0 && t.Agent != agent:
			return false
		case !after.IsZero() && t.CreatedAt.Before(after):
			return false
		case !before.IsZero() && t.CreatedAt.After(before):
			return false
		}
		return true
	})
	orderTasks(tasks, q.Get("ordering"))

	start, end, next, prev, ok := paginate(r, len(tasks))
	if !ok {
		respondError(w, http.StatusNotFound, "Invalid page.")
		return
	}
	results := make([]taskResponse, 0, end-start)
	for _, t := range tasks[start:end] {
		results = append(results, s.taskResponseLocked(t))
	}
	respondJSON(w, http.StatusOK, page{Count: len(tasks), Next: next, Previous: prev, Results: results})
}

func orderTasks(tasks []*taskRecord, ordering string) {
	desc := strings.HasPrefix(ordering, "-")
	switch strings.TrimPrefix(ordering, "-") {
	case "created_at":
		if !desc {
			sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
		}
	case "status":
		sort.SliceStable(tasks, func(i, j int) bool {
			if desc {
				return tasks[i].Status > tasks[j].Status
			}
			return tasks[i].Status < tasks[j].Status
		})
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusNotFound, "Not found.")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		respondError(w, http.StatusNotFound, "Not found.")
		return
	}
	if t.Owner != currentUser(r).ID {
		respondError(w, http.StatusForbidden, "Not owner")
		return
	}
	respondJSON(w, http.StatusOK, s.taskResponseLocked(t))
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	var req runTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	agentID, err := req.Agent.Int64()
	if err != nil {
		respondError(w, http.StatusNotFound, "Agent not found")
		return
	}
	if strings.TrimSpace(req.InputText) == "" {
		respondFieldErrors(w, map[string][]string{"input_text": {"This field may not be blank."}})
		return
	}

	owner := currentUser(r).ID
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok || a.Owner != owner {
		respondError(w, http.StatusNotFound, "Agent not found")
		return
	}
	now := s.now()
	s.nextTaskID++
	t := &taskRecord{
		ID:        s.nextTaskID,
		Owner:     owner,
		Agent:     a.ID,
		InputText: req.InputText,
		Status:    statusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[t.ID] = t
	s.publishTaskLocked(t)
	respondJSON(w, http.StatusCreated, s.taskResponseLocked(t))
}

// SetTaskStatus moves a task forward the way the worker does and publishes
// the change on the tasks stream. It reports whether the task exists.
func (s *Server) SetTaskStatus(id int64, status, output string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	now := s.now()
	t.Status = status
	if output != "" {
		t.OutputText = output
	}
	switch status {
	case statusRunning:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case statusCompleted, statusFailed:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.FinishedAt = &now
	}
	t.UpdatedAt = now
	s.publishTaskLocked(t)
	return true
}

// CompleteTask is SetTaskStatus with the completed status.
func (s *Server) CompleteTask(id int64, output string) bool {
	return s.SetTaskStatus(id, statusCompleted, output)
}

// RepublishTask sends the task's current state again, as the polling
// stream does when a row is touched twice within one poll window.
func (s *Server) RepublishTask(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if ok {
		s.publishTaskLocked(t)
	}
	return ok
}

func (s *Server) publishTaskLocked(t *taskRecord) {
	payload, err := json.Marshal(taskEvent{
		ID:         t.ID,
		Agent:      t.Agent,
		Status:     t.Status,
		OutputText: t.OutputText,
		InputText:  t.InputText,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	})
	if err != nil {
		return
	}
	s.publishLocked(TopicTasks, frame{data: string(payload)})
}
