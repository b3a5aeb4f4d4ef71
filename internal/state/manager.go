// Package state records stream liveness. Pipeline components report
// transitions here; they do not own the record.
package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/vtcast/internal/clock"
)

// Status is the liveness of one stream.
type Status struct {
	StreamID  string    `json:"stream_id"`
	Live      bool      `json:"live"`
	Reason    string    `json:"reason,omitempty"`
	Since     time.Time `json:"since"`
	UpdatedAt time.Time `json:"updated_at"`
	// Transitions counts live/down flips since the stream was first seen.
	Transitions int `json:"transitions"`
}

// ChangeFunc observes liveness transitions. It is called without locks held.
type ChangeFunc func(prev, next Status)

// Manager tracks liveness per stream.
type Manager struct {
	mu        sync.RWMutex
	clock     clock.Clock
	states    map[string]*Status
	listeners []ChangeFunc
	changed   chan struct{}
}

// NewManager creates an empty Manager. clk may be nil.
func NewManager(clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		clock:   clk,
		states:  make(map[string]*Status),
		changed: make(chan struct{}),
	}
}

// OnChange registers fn for every subsequent transition.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetLive marks streamID live.
func (m *Manager) SetLive(streamID string) {
	m.set(streamID, true, "")
}

// SetDown marks streamID down with a reason.
func (m *Manager) SetDown(streamID, reason string) {
	m.set(streamID, false, reason)
}

func (m *Manager) set(streamID string, live bool, reason string) {
	now := m.clock.Now()

	m.mu.Lock()
	st, exists := m.states[streamID]
	if !exists {
		st = &Status{StreamID: streamID, Since: now}
		m.states[streamID] = st
	}
	prev := *st
	flipped := !exists || st.Live != live
	if flipped {
		st.Since = now
		if exists {
			st.Transitions++
		}
	}
	st.Live = live
	st.Reason = reason
	st.UpdatedAt = now
	next := *st

	var listeners []ChangeFunc
	if flipped {
		listeners = append(listeners, m.listeners...)
		close(m.changed)
		m.changed = make(chan struct{})
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, next)
	}
}

// Get returns a copy of the status of streamID.
func (m *Manager) Get(streamID string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[streamID]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// IsLive reports whether streamID is currently live.
func (m *Manager) IsLive(streamID string) bool {
	st, ok := m.Get(streamID)
	return ok && st.Live
}

// All returns every known status, ordered by stream id.
func (m *Manager) All() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// Forget drops streamID.
func (m *Manager) Forget(streamID string) {
	m.mu.Lock()
	delete(m.states, streamID)
	m.mu.Unlock()
}

// WaitFor blocks until streamID's liveness equals live or ctx ends.
func (m *Manager) WaitFor(ctx context.Context, streamID string, live bool) error {
	for {
		m.mu.RLock()
		st, ok := m.states[streamID]
		done := ok && st.Live == live
		changed := m.changed
		m.mu.RUnlock()

		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
