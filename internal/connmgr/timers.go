package connmgr

import (
	"sync"
	"time"
)

// timerMap is the single owned collection of pending reconnection timers
// per Design Notes §9's "maps of timers" re-architecture: one map, one
// lock, explicit idempotent cancellation. No raw *time.Timer ever leaves
// this file.
type timerMap struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimerMap() *timerMap {
	return &timerMap{timers: make(map[string]*time.Timer)}
}

// Arm schedules fn to run after delay under sessionID's slot, cancelling
// any timer already armed for that session.
func (m *timerMap) Arm(sessionID string, delay time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.timers[sessionID]; ok {
		existing.Stop()
	}
	m.timers[sessionID] = time.AfterFunc(delay, func() {
		m.clear(sessionID)
		fn()
	})
}

// Cancel stops and removes sessionID's timer, if any. Idempotent.
func (m *timerMap) Cancel(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.timers[sessionID]; ok {
		existing.Stop()
		delete(m.timers, sessionID)
	}
}

func (m *timerMap) clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, sessionID)
}

// CancelAll stops every armed timer; used on shutdown.
func (m *timerMap) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
}
