// Package liveview keeps merged task views current: a snapshot from the
// fetcher forms the base and the tasks stream is layered on top.
package liveview

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/ent0n29/taskdeck/internal/api"
	"github.com/ent0n29/taskdeck/internal/observability"
	"github.com/ent0n29/taskdeck/internal/reconcile"
	"github.com/ent0n29/taskdeck/internal/stream"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Deps are the collaborators a view needs.
type Deps struct {
	Client  *api.Client
	Fetcher *api.Fetcher
	Stream  *stream.Subscriber
	Metrics *observability.Metrics
	Logger  Logger
}

func (d Deps) logger() Logger {
	if d.Logger == nil {
		return log.Default()
	}
	return d.Logger
}

type taskView struct {
	engine  *reconcile.Engine
	fetcher *api.Fetcher
	stream  *stream.Subscriber
	logger  Logger
	key     string

	snapshot    func(ctx context.Context, apply func([]api.Task)) error
	unsubscribe func()
	closer      closer
}

// closer runs a view's teardown once and then its OnClose hooks.
type closer struct {
	mu     sync.Mutex
	closed bool
	hooks  []func()
}

func (c *closer) add(fn func()) {
	c.mu.Lock()
	if !c.closed {
		c.hooks = append(c.hooks, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

func (c *closer) close(teardown func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	teardown()
	for _, fn := range hooks {
		fn()
	}
}

func newTaskView(d Deps, proj reconcile.Projection, strategy reconcile.Strategy, key string) *taskView {
	v := &taskView{
		engine:  reconcile.NewEngine(proj, strategy, d.Metrics),
		fetcher: d.Fetcher,
		stream:  d.Stream,
		logger:  d.logger(),
		key:     key,
	}
	v.unsubscribe = d.Stream.Subscribe(stream.TopicTasks, v.onEvent)
	return v
}

func (v *taskView) onEvent(ev stream.Event) {
	var te api.TaskEvent
	if err := ev.Decode(&te); err != nil {
		v.logger.Printf("%s: undecodable task event dropped: %v", v.key, err)
		return
	}
	if err := v.engine.Apply(te); err != nil && !errors.Is(err, reconcile.ErrNotInView) {
		v.logger.Printf("%s: task event dropped: %v", v.key, err)
	}
}

// Refresh loads a fresh snapshot as the base layer. A refresh that a newer
// one superseded returns nil without touching the view.
func (v *taskView) Refresh(ctx context.Context) error {
	err := v.snapshot(ctx, v.engine.ReplaceBase)
	if errors.Is(err, api.ErrSuperseded) {
		return nil
	}
	return err
}

func (v *taskView) View() []reconcile.Row {
	return v.engine.View()
}

func (v *taskView) Watch() (<-chan []reconcile.Row, func()) {
	return v.engine.Watch()
}

// Live reports the tasks stream liveness.
func (v *taskView) Live() (bool, error) {
	return v.stream.Liveness(stream.TopicTasks)
}

// Reset empties the view, for example after logout.
func (v *taskView) Reset() {
	v.fetcher.Cancel(v.key)
	v.engine.Reset()
}

// Close stops stream delivery and cancels an in-flight refresh. No event
// reaches the view after Close returns. Closing twice is a no-op.
func (v *taskView) Close() {
	v.closer.close(func() {
		v.unsubscribe()
		v.fetcher.Cancel(v.key)
	})
}

// OnClose registers fn to run after Close. On a closed view it runs now.
func (v *taskView) OnClose(fn func()) {
	v.closer.add(fn)
}

// TaskFeed is the live task list: one row per task, most recently touched
// first.
type TaskFeed struct {
	*taskView
	filter api.TaskFilter
}

func NewTaskFeed(d Deps, filter api.TaskFilter) *TaskFeed {
	f := &TaskFeed{filter: filter}
	f.taskView = newTaskView(d, reconcile.FeedFor(filter), reconcile.MostRecentFirst, "feed?"+filter.Values().Encode())
	f.snapshot = func(ctx context.Context, apply func([]api.Task)) error {
		_, err := f.fetcher.Tasks(ctx, f.key, f.filter, func(p api.Page[api.Task]) { apply(p.Results) })
		return err
	}
	return f
}

// Conversation shows one agent's tasks as alternating user and assistant
// turns in chronological order.
type Conversation struct {
	*taskView
	agentID int64
	client  *api.Client
}

func NewConversation(d Deps, agentID int64) *Conversation {
	c := &Conversation{agentID: agentID, client: d.Client}
	key := "conversation/" + strconv.FormatInt(agentID, 10)
	c.taskView = newTaskView(d, reconcile.Conversation{AgentID: agentID}, reconcile.InsertionOrder, key)
	c.snapshot = func(ctx context.Context, apply func([]api.Task)) error {
		_, err := c.fetcher.AllTasks(ctx, c.key, api.TaskFilter{Agent: agentID}, apply)
		return err
	}
	return c
}

// Send runs a task for the agent and shows the new turn right away; the
// stream fills in the answer.
func (c *Conversation) Send(ctx context.Context, input string) (api.Task, error) {
	if c.client == nil {
		return api.Task{}, errors.New("conversation has no client")
	}
	t, err := c.client.RunTask(ctx, c.agentID, input)
	if err != nil {
		return api.Task{}, err
	}
	if err := c.engine.Apply(api.EventFromTask(t)); err != nil {
		return t, fmt.Errorf("show task %d: %w", t.ID, err)
	}
	return t, nil
}
