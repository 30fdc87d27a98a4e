package liveview

import (
	"sync"

	"github.com/ent0n29/taskdeck/internal/api"
	"github.com/ent0n29/taskdeck/internal/stream"
)

const defaultSignalHistory = 200

// SignalMonitor keeps the most recent system signals, newest first. The
// signals topic is only open to superusers.
type SignalMonitor struct {
	stream  *stream.Subscriber
	logger  Logger
	history int

	mu          sync.Mutex
	signals     []api.Signal
	counts      map[string]int
	unsubscribe func()
	closer      closer
}

func NewSignalMonitor(d Deps, history int) *SignalMonitor {
	if history <= 0 {
		history = defaultSignalHistory
	}
	m := &SignalMonitor{
		stream:  d.Stream,
		logger:  d.logger(),
		history: history,
		counts:  make(map[string]int),
	}
	m.unsubscribe = d.Stream.Subscribe(stream.TopicSignals, m.onEvent)
	return m
}

func (m *SignalMonitor) onEvent(ev stream.Event) {
	var sig api.Signal
	if err := ev.Decode(&sig); err != nil {
		m.logger.Printf("signals: undecodable event dropped: %v", err)
		return
	}
	if sig.SignalType == "" {
		m.logger.Printf("signals: event without type dropped")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append([]api.Signal{sig}, m.signals...)
	if len(m.signals) > m.history {
		m.signals = m.signals[:m.history]
	}
	m.counts[sig.Level]++
}

// Signals returns a copy of the retained signals, newest first.
func (m *SignalMonitor) Signals() []api.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]api.Signal(nil), m.signals...)
}

// Counts reports how many signals of each level arrived since the last
// Clear, including ones no longer retained.
func (m *SignalMonitor) Counts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.counts))
	for level, n := range m.counts {
		out[level] = n
	}
	return out
}

func (m *SignalMonitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = nil
	m.counts = make(map[string]int)
}

func (m *SignalMonitor) Live() (bool, error) {
	return m.stream.Liveness(stream.TopicSignals)
}

func (m *SignalMonitor) Close() {
	m.closer.close(m.unsubscribe)
}

// OnClose registers fn to run after Close. On a closed monitor it runs now.
func (m *SignalMonitor) OnClose(fn func()) {
	m.closer.add(fn)
}
