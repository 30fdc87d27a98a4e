// Package reconcile merges task snapshots with the live task stream into
// one de-duplicated view per projection.
//
// A snapshot forms the base layer. Every accepted stream event is folded
// into a per-task patch in the overlay, and the view is the base with the
// overlay replayed on top. Replacing the base with a newer snapshot keeps
// the overlay, so updates that arrived after the snapshot stay visible.
package reconcile

import (
	"errors"
	"sort"
	"sync"

	"github.com/ent0n29/taskdeck/internal/api"
	"github.com/ent0n29/taskdeck/internal/observability"
)

// Strategy orders the rows of a view.
type Strategy int

const (
	// MostRecentFirst moves a row to the front whenever an event touches it.
	MostRecentFirst Strategy = iota
	// InsertionOrder keeps rows in order of first appearance: snapshot
	// order first, then rows that only the stream knows about.
	InsertionOrder
)

func (s Strategy) String() string {
	switch s {
	case MostRecentFirst:
		return "most_recent_first"
	case InsertionOrder:
		return "insertion_order"
	default:
		return "unknown"
	}
}

type patch struct {
	ev      api.TaskEvent
	first   uint64
	touched uint64
}

type Engine struct {
	proj     Projection
	strategy Strategy
	metrics  *observability.Metrics

	mu       sync.Mutex
	base     []Row
	overlay  map[int64]*patch
	seq      uint64
	view     []Row
	watchers map[int]chan []Row
	nextID   int
}

func NewEngine(proj Projection, strategy Strategy, metrics *observability.Metrics) *Engine {
	return &Engine{
		proj:     proj,
		strategy: strategy,
		metrics:  metrics,
		overlay:  make(map[int64]*patch),
		watchers: make(map[int]chan []Row),
	}
}

// Apply merges one stream event. Events the projection cannot resolve are
// dropped and the reason is returned; the view is unchanged.
func (e *Engine) Apply(ev api.TaskEvent) error {
	taskID, err := e.proj.Resolve(ev)
	if err != nil {
		e.mu.Lock()
		n := len(e.view)
		e.mu.Unlock()
		result := "dropped"
		if errors.Is(err, ErrNotInView) {
			result = "ignored"
		}
		e.metrics.ObserveEngineEvent(e.proj.Name(), result, n)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	p, ok := e.overlay[taskID]
	if !ok {
		p = &patch{first: e.seq}
		e.overlay[taskID] = p
	}
	p.touched = e.seq
	p.ev.Fold(ev)
	e.rebuildLocked()
	e.metrics.ObserveEngineEvent(e.proj.Name(), "applied", len(e.view))
	return nil
}

// ReplaceBase installs tasks as the new base layer and replays the overlay
// on top. A patch whose status is not terminal is discarded when the
// snapshot already shows its task finished.
func (e *Engine) ReplaceBase(tasks []api.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range tasks {
		p, ok := e.overlay[t.ID]
		if !ok || !t.Status.Terminal() {
			continue
		}
		if p.ev.Status != "" && !p.ev.Status.Terminal() {
			delete(e.overlay, t.ID)
		}
	}
	e.base = e.proj.Base(tasks)
	e.rebuildLocked()
	e.metrics.ObserveEngineEvent(e.proj.Name(), "snapshot", len(e.view))
}

// Reset drops the base and the overlay.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.base = nil
	e.overlay = make(map[int64]*patch)
	e.rebuildLocked()
}

// View returns a copy of the merged view.
func (e *Engine) View() []Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Row(nil), e.view...)
}

// Len reports the number of rows in the view.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.view)
}

// Watch returns a channel that receives the view after every change,
// starting with the current one. A slow reader only sees the newest view.
func (e *Engine) Watch() (<-chan []Row, func()) {
	ch := make(chan []Row, 1)
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.watchers[id] = ch
	ch <- append([]Row(nil), e.view...)
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.watchers, id)
			close(ch)
		})
	}
}

func (e *Engine) rebuildLocked() {
	rows := make(map[int64]Row, len(e.base)+2*len(e.overlay))
	order := make([]int64, 0, len(e.base))
	hidden := make(map[int64]bool)
	for _, r := range e.base {
		if _, dup := rows[r.ID]; dup || !e.proj.Keep(r) {
			continue
		}
		rows[r.ID] = r
		order = append(order, r.ID)
	}

	patches := make([]*patch, 0, len(e.overlay))
	for _, p := range e.overlay {
		patches = append(patches, p)
	}
	if e.strategy == MostRecentFirst {
		sort.Slice(patches, func(i, j int) bool { return patches[i].touched > patches[j].touched })
	} else {
		sort.Slice(patches, func(i, j int) bool { return patches[i].first < patches[j].first })
	}

	lookup := func(id int64) (Row, bool) {
		r, ok := rows[id]
		return r, ok
	}
	var front []int64
	for _, p := range patches {
		for _, r := range e.proj.Overlay(lookup, p.ev) {
			_, existed := rows[r.ID]
			rows[r.ID] = r
			if !e.proj.Keep(r) {
				hidden[r.ID] = true
				continue
			}
			delete(hidden, r.ID)
			switch {
			case e.strategy == MostRecentFirst:
				front = append(front, r.ID)
			case !existed:
				order = append(order, r.ID)
			}
		}
	}
	if e.strategy == MostRecentFirst && len(front) > 0 {
		moved := make(map[int64]bool, len(front))
		for _, id := range front {
			moved[id] = true
		}
		rest := order
		order = front
		for _, id := range rest {
			if !moved[id] {
				order = append(order, id)
			}
		}
	}

	view := make([]Row, 0, len(order))
	for _, id := range order {
		if hidden[id] {
			continue
		}
		view = append(view, rows[id])
	}
	e.view = view
	e.publishLocked()
}

func (e *Engine) publishLocked() {
	for _, ch := range e.watchers {
		snapshot := append([]Row(nil), e.view...)
		select {
		case ch <- snapshot:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
