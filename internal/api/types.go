package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further updates are expected for the task.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

type Task struct {
	ID         int64      `json:"id"`
	Agent      int64      `json:"agent"`
	AgentName  string     `json:"agent_name,omitempty"`
	InputText  string     `json:"input_text"`
	OutputText string     `json:"output_text"`
	Status     TaskStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TaskEvent is one push-stream payload on the tasks topic. Every field is
// optional on the wire; a nil ID makes the event unusable.
type TaskEvent struct {
	ID         *int64     `json:"id"`
	Agent      *int64     `json:"agent"`
	Status     TaskStatus `json:"status"`
	InputText  string     `json:"input_text"`
	OutputText string     `json:"output_text"`
	CreatedAt  *time.Time `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`

	// sent records the keys a decoded payload carried.
	sent eventKeys
}

type eventKeys uint16

const (
	keysTracked eventKeys = 1 << iota
	keyInputText
	keyOutputText
	keyCreatedAt
	keyUpdatedAt
	keyStartedAt
	keyFinishedAt
)

var taskEventKeys = map[string]eventKeys{
	"input_text":  keyInputText,
	"output_text": keyOutputText,
	"created_at":  keyCreatedAt,
	"updated_at":  keyUpdatedAt,
	"started_at":  keyStartedAt,
	"finished_at": keyFinishedAt,
}

func (e *TaskEvent) UnmarshalJSON(data []byte) error {
	type plain TaskEvent
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = TaskEvent(p)
	e.sent = keysTracked
	for key := range raw {
		e.sent |= taskEventKeys[key]
	}
	return nil
}

// Sent reports whether the event sets the field with JSON name key. A
// decoded payload sets every key it carried, even as "" or null, so an
// update can clear a field. Events built in code set their non-empty
// fields. id, agent and status are never cleared.
func (e TaskEvent) Sent(key string) bool {
	if e.sent&keysTracked != 0 {
		if bit, ok := taskEventKeys[key]; ok {
			return e.sent&bit != 0
		}
	}
	switch key {
	case "id":
		return e.ID != nil
	case "agent":
		return e.Agent != nil
	case "status":
		return e.Status != ""
	case "input_text":
		return e.InputText != ""
	case "output_text":
		return e.OutputText != ""
	case "created_at":
		return e.CreatedAt != nil
	case "updated_at":
		return e.UpdatedAt != nil
	case "started_at":
		return e.StartedAt != nil
	case "finished_at":
		return e.FinishedAt != nil
	}
	return false
}

// Fold layers ev over e. Fields ev does not send keep their value in e.
func (e *TaskEvent) Fold(ev TaskEvent) {
	if ev.ID != nil {
		e.ID = ev.ID
	}
	if ev.Agent != nil {
		e.Agent = ev.Agent
	}
	if ev.Status != "" {
		e.Status = ev.Status
	}
	for key, bit := range taskEventKeys {
		if ev.Sent(key) {
			e.sent |= keysTracked | bit
		}
	}
	if ev.Sent("input_text") {
		e.InputText = ev.InputText
	}
	if ev.Sent("output_text") {
		e.OutputText = ev.OutputText
	}
	if ev.Sent("created_at") {
		e.CreatedAt = ev.CreatedAt
	}
	if ev.Sent("updated_at") {
		e.UpdatedAt = ev.UpdatedAt
	}
	if ev.Sent("started_at") {
		e.StartedAt = ev.StartedAt
	}
	if ev.Sent("finished_at") {
		e.FinishedAt = ev.FinishedAt
	}
}

// EventFromTask builds the event a stream would carry for t.
func EventFromTask(t Task) TaskEvent {
	id, agent := t.ID, t.Agent
	created := t.CreatedAt
	return TaskEvent{
		ID:         &id,
		Agent:      &agent,
		Status:     t.Status,
		InputText:  t.InputText,
		OutputText: t.OutputText,
		CreatedAt:  &created,
		UpdatedAt:  t.UpdatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
}

// Signal is one payload on the signals topic. Timestamp is kept as sent;
// the server emits naive ISO timestamps.
type Signal struct {
	Timestamp  string         `json:"timestamp"`
	SignalType string         `json:"signal_type"`
	Level      string         `json:"level"`
	Data       map[string]any `json:"data,omitempty"`
}

type Agent struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	CreatedAt   time.Time `json:"created_at"`
	TasksCount  int       `json:"tasks_count,omitempty"`
	RecentTasks []Task    `json:"recent_tasks,omitempty"`
}

// AgentInput is the writable subset of Agent. Nil fields are omitted so
// the same type serves create and partial update.
type AgentInput struct {
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Model       *string  `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type User struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	DateJoined  time.Time  `json:"date_joined"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
	IsSuperuser bool       `json:"is_superuser,omitempty"`
}

type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
}

type ProfileUpdate struct {
	Email     *string `json:"email,omitempty"`
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
}

// Page is one page of a list endpoint. Endpoints without pagination
// return a bare array, which decodes into a single complete page.
type Page[T any] struct {
	Count    int    `json:"count"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
	Results  []T    `json:"results"`
}

func (p *Page[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("decode list: %w", err)
		}
		*p = Page[T]{Count: len(items), Results: items}
		return nil
	}
	var env struct {
		Count    int     `json:"count"`
		Next     *string `json:"next"`
		Previous *string `json:"previous"`
		Results  []T     `json:"results"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode page: %w", err)
	}
	out := Page[T]{Count: env.Count, Results: env.Results}
	if env.Next != nil {
		out.Next = *env.Next
	}
	if env.Previous != nil {
		out.Previous = *env.Previous
	}
	if out.Results == nil {
		out.Results = []T{}
	}
	*p = out
	return nil
}

// HasNext reports whether another page follows.
func (p Page[T]) HasNext() bool {
	return p.Next != ""
}
