package health

import (
	"sync"
	"time"
)

// streamState is the mutable per-stream record behind the monitor.
type streamState struct {
	connected   bool
	gaveUp      bool
	retries     uint64
	messages    uint64
	lastMessage time.Time
}

// Monitor aggregates health status reported by the relay's stream loops.
type Monitor struct {
	staleAfter time.Duration
	streams    map[string]*streamState
	mu         sync.RWMutex
}

// NewMonitor creates a new health monitor. Streams with no message for
// longer than staleAfter are reported as degraded; zero disables the check.
func NewMonitor(staleAfter time.Duration) *Monitor {
	return &Monitor{
		staleAfter: staleAfter,
		streams:    make(map[string]*streamState),
	}
}

// Register declares a stream before its first connection attempt.
func (m *Monitor) Register(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[stream]; !ok {
		m.streams[stream] = &streamState{}
	}
}

// RecordMessage notes one relayed message for a stream.
func (m *Monitor) RecordMessage(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(stream)
	s.messages++
	s.lastMessage = time.Now()
}

// RecordRetry notes one reconnection attempt for a stream.
func (m *Monitor) RecordRetry(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(stream)
	s.retries++
	s.connected = false
}

// SetConnected marks a stream's connection state.
func (m *Monitor) SetConnected(stream string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(stream).connected = connected
}

// SetGaveUp marks a stream whose retry budget ran out.
func (m *Monitor) SetGaveUp(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(stream)
	s.gaveUp = true
	s.connected = false
}

// state returns the record for stream, creating it if needed.
// Callers must hold m.mu.
func (m *Monitor) state(stream string) *streamState {
	s, ok := m.streams[stream]
	if !ok {
		s = &streamState{}
		m.streams[stream] = s
	}
	return s
}

// CheckHealth builds a health snapshot for all registered streams.
func (m *Monitor) CheckHealth() map[string]StreamHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := make(map[string]StreamHealth, len(m.streams))
	for name, s := range m.streams {
		health := StreamHealth{
			Stream:    name,
			Status:    StatusHealthy,
			Connected: s.connected,
			Retries:   s.retries,
			Messages:  s.messages,
		}
		if !s.lastMessage.IsZero() {
			health.LastMessage = s.lastMessage.UTC().Format(time.RFC3339)
		}

		switch {
		case s.gaveUp:
			health.Status = StatusCritical
		case !s.connected:
			health.Status = StatusDegraded
		case m.staleAfter > 0 && !s.lastMessage.IsZero() && time.Since(s.lastMessage) > m.staleAfter:
			health.Status = StatusDegraded
		}

		report[name] = health
	}
	return report
}
