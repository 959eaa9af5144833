package observability

import (
	"sync"
	"time"
)

// Status is a point-in-time view of the process.
type Status struct {
	ActiveRuns      int
	LastEvent       string
	LastHeartbeat   time.Time
	FirstStatusP95  time.Duration
	PlanCompleteP95 time.Duration
	Started         time.Time
}

// StatusBoard holds the live status shown on the terminal. It is owned by
// main and shared by pointer.
type StatusBoard struct {
	mu     sync.RWMutex
	status Status
	now    func() time.Time
}

func NewStatusBoard() *StatusBoard {
	now := time.Now()
	return &StatusBoard{
		status: Status{Started: now, LastHeartbeat: now},
		now:    time.Now,
	}
}

// Update records the current activity and refreshes the heartbeat.
func (b *StatusBoard) Update(active int, firstP95, completeP95 time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.ActiveRuns = active
	b.status.FirstStatusP95 = firstP95
	b.status.PlanCompleteP95 = completeP95
	b.status.LastHeartbeat = b.now()
}

// Note sets the most recent notable event.
func (b *StatusBoard) Note(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.LastEvent = event
}

// Snapshot returns a copy of the current status.
func (b *StatusBoard) Snapshot() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}
