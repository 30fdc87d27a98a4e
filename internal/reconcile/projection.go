package reconcile

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ent0n29/taskdeck/internal/api"
)

var (
	// ErrMissingID marks an event that carries no task id.
	ErrMissingID = errors.New("event has no id")
	// ErrIDOutOfRange marks a task id the projection cannot map to rows
	// without colliding with another task.
	ErrIDOutOfRange = errors.New("event id out of range")
	// ErrNotInView marks an event about a task the projection does not show.
	ErrNotInView = errors.New("event not part of view")
)

type Role string

const (
	RoleTask      Role = "task"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Row is one entry of a merged view. ID is unique within a view; TaskID
// names the task the row was projected from.
type Row struct {
	ID      int64
	TaskID  int64
	AgentID int64
	Role    Role
	Status  api.TaskStatus
	Input   string
	Content string
	At      time.Time
}

// Projection maps tasks and task events onto view rows.
type Projection interface {
	Name() string
	// Base projects a snapshot, newest task first as the list endpoint
	// returns it, into rows in display order.
	Base(tasks []api.Task) []Row
	// Resolve returns the task an event is about, or why it is dropped.
	Resolve(ev api.TaskEvent) (int64, error)
	// Overlay merges an accumulated patch into the rows it touches and
	// returns them in display order. lookup reports the current row for id.
	Overlay(lookup func(id int64) (Row, bool), p api.TaskEvent) []Row
	// Keep reports whether a merged row belongs in the view. A row that
	// stops matching leaves it.
	Keep(r Row) bool
}

// LiveFeed shows one row per task, keyed by the task id. A non-zero Agent
// or a non-empty Status narrows it to matching tasks, the same way the
// list endpoint filters the snapshot.
type LiveFeed struct {
	Agent  int64
	Status api.TaskStatus
}

// FeedFor narrows a LiveFeed by the parts of filter a stream event can be
// checked against.
func FeedFor(filter api.TaskFilter) LiveFeed {
	return LiveFeed{Agent: filter.Agent, Status: filter.Status}
}

func (LiveFeed) Name() string { return "feed" }

func (LiveFeed) Base(tasks []api.Task) []Row {
	rows := make([]Row, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, Row{
			ID:      t.ID,
			TaskID:  t.ID,
			AgentID: t.Agent,
			Role:    RoleTask,
			Status:  t.Status,
			Input:   t.InputText,
			Content: t.OutputText,
			At:      firstTime(t.FinishedAt, t.StartedAt, t.UpdatedAt, &t.CreatedAt),
		})
	}
	return rows
}

func (f LiveFeed) Resolve(ev api.TaskEvent) (int64, error) {
	if ev.ID == nil {
		return 0, ErrMissingID
	}
	if *ev.ID < 0 {
		return 0, fmt.Errorf("%w: %d", ErrIDOutOfRange, *ev.ID)
	}
	if f.Agent != 0 && ev.Agent != nil && *ev.Agent != f.Agent {
		return 0, ErrNotInView
	}
	return *ev.ID, nil
}

// Keep drops rows outside the filter. A status change can move a task out
// of a status-filtered feed, and a stream-only row whose agent is unknown
// is not shown in an agent-filtered one.
func (f LiveFeed) Keep(r Row) bool {
	if f.Agent != 0 && r.AgentID != f.Agent {
		return false
	}
	return f.Status == "" || r.Status == f.Status
}

func (LiveFeed) Overlay(lookup func(int64) (Row, bool), p api.TaskEvent) []Row {
	id := *p.ID
	row, ok := lookup(id)
	if !ok {
		row = Row{ID: id, TaskID: id, Role: RoleTask}
	}
	if p.Agent != nil {
		row.AgentID = *p.Agent
	}
	if p.Status != "" {
		row.Status = p.Status
	}
	if p.Sent("input_text") {
		row.Input = p.InputText
	}
	if p.Sent("output_text") {
		row.Content = p.OutputText
	}
	if at := firstTime(p.FinishedAt, p.StartedAt, p.UpdatedAt, p.CreatedAt); !at.IsZero() {
		row.At = at
	}
	return []Row{row}
}

// maxConversationTaskID keeps 2T+1 within int64, so distinct tasks never
// share a row id.
const maxConversationTaskID = math.MaxInt64 / 2

// Conversation projects one agent's tasks as a chat: task T becomes a user
// turn with id 2T and an assistant turn with id 2T+1.
type Conversation struct {
	AgentID int64
}

func (c Conversation) Name() string { return "conversation" }

// UserRowID and AssistantRowID are the ids task t occupies in the view.
func UserRowID(t int64) int64      { return 2 * t }
func AssistantRowID(t int64) int64 { return 2*t + 1 }

func (c Conversation) Base(tasks []api.Task) []Row {
	rows := make([]Row, 0, 2*len(tasks))
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if t.Agent != c.AgentID || t.ID < 0 || t.ID > maxConversationTaskID {
			continue
		}
		rows = append(rows, Row{
			ID:      UserRowID(t.ID),
			TaskID:  t.ID,
			AgentID: t.Agent,
			Role:    RoleUser,
			Content: t.InputText,
			At:      t.CreatedAt,
		})
		if t.OutputText == "" && t.Status == api.TaskStatusPending {
			continue
		}
		rows = append(rows, Row{
			ID:      AssistantRowID(t.ID),
			TaskID:  t.ID,
			AgentID: t.Agent,
			Role:    RoleAssistant,
			Status:  t.Status,
			Content: t.OutputText,
			At:      firstTime(t.FinishedAt, t.StartedAt, &t.CreatedAt),
		})
	}
	return rows
}

func (c Conversation) Resolve(ev api.TaskEvent) (int64, error) {
	if ev.ID == nil {
		return 0, ErrMissingID
	}
	if *ev.ID < 0 || *ev.ID > maxConversationTaskID {
		return 0, fmt.Errorf("%w: %d", ErrIDOutOfRange, *ev.ID)
	}
	if ev.Agent == nil || *ev.Agent != c.AgentID {
		return 0, ErrNotInView
	}
	return *ev.ID, nil
}

func (c Conversation) Overlay(lookup func(int64) (Row, bool), p api.TaskEvent) []Row {
	t := *p.ID
	var out []Row
	if _, ok := lookup(UserRowID(t)); !ok && p.InputText != "" {
		out = append(out, Row{
			ID:      UserRowID(t),
			TaskID:  t,
			AgentID: c.AgentID,
			Role:    RoleUser,
			Content: p.InputText,
			At:      firstTime(p.CreatedAt),
		})
	}

	row, ok := lookup(AssistantRowID(t))
	if !ok {
		row = Row{
			ID:      AssistantRowID(t),
			TaskID:  t,
			AgentID: c.AgentID,
			Role:    RoleAssistant,
			At:      firstTime(p.CreatedAt),
		}
	}
	if p.Sent("output_text") {
		row.Content = p.OutputText
	}
	if p.Status != "" {
		row.Status = p.Status
	}
	if at := firstTime(p.FinishedAt, p.StartedAt); !at.IsZero() {
		row.At = at
	}
	return append(out, row)
}

func (c Conversation) Keep(Row) bool { return true }

// firstTime returns the first set time in preference order.
func firstTime(ts ...*time.Time) time.Time {
	for _, t := range ts {
		if t != nil && !t.IsZero() {
			return *t
		}
	}
	return time.Time{}
}
