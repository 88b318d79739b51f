package wsocket

import (
	"sync"
	"time"
)

// HeartbeatState is the liveness view of the peer.
type HeartbeatState int32

const (
	HeartbeatIdle HeartbeatState = iota
	HeartbeatActive
	HeartbeatSuspect
	HeartbeatDead
)

func (s HeartbeatState) String() string {
	switch s {
	case HeartbeatIdle:
		return "idle"
	case HeartbeatActive:
		return "active"
	case HeartbeatSuspect:
		return "suspect"
	case HeartbeatDead:
		return "dead"
	default:
		return "unknown"
	}
}

// HeartbeatMonitor tracks peer activity. It only reports state; the owning
// session decides what to do when the peer is declared dead.
//
// Observe may be called from the read goroutine while Check runs on the
// heartbeat ticker.
type HeartbeatMonitor struct {
	interval time.Duration
	missed   int

	mu       sync.Mutex
	state    HeartbeatState
	lastSeen time.Time
}

// NewHeartbeatMonitor returns an idle monitor. The peer turns suspect after
// missed intervals of silence and dead one interval later.
func NewHeartbeatMonitor(interval time.Duration, missed int) *HeartbeatMonitor {
	if missed <= 0 {
		missed = defaultMissedHeartbeats
	}
	return &HeartbeatMonitor{interval: interval, missed: missed}
}

// Start moves an idle monitor to active.
func (m *HeartbeatMonitor) Start(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == HeartbeatIdle {
		m.state = HeartbeatActive
		m.lastSeen = now
	}
}

// Observe records inbound activity. It returns true when a suspect peer
// recovered to active.
func (m *HeartbeatMonitor) Observe(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == HeartbeatDead || m.state == HeartbeatIdle {
		return false
	}
	m.lastSeen = now
	if m.state == HeartbeatSuspect {
		m.state = HeartbeatActive
		return true
	}
	return false
}

// Check advances the state machine at most one step and reports the new state
// and whether it changed.
func (m *HeartbeatMonitor) Check(now time.Time) (HeartbeatState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	silence := now.Sub(m.lastSeen)
	suspectAfter := time.Duration(m.missed) * m.interval

	switch m.state {
	case HeartbeatActive:
		if silence >= suspectAfter {
			m.state = HeartbeatSuspect
			return m.state, true
		}
	case HeartbeatSuspect:
		if silence >= suspectAfter+m.interval {
			m.state = HeartbeatDead
			return m.state, true
		}
	}
	return m.state, false
}

// State returns the current state.
func (m *HeartbeatMonitor) State() HeartbeatState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastSeen returns the time of the last observed peer activity.
func (m *HeartbeatMonitor) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}
