package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Checkpoint marks a moment in a plan's life.
type Checkpoint string

const (
	RequestSent        Checkpoint = "request_sent"
	FirstStatusEmitted Checkpoint = "first_status_emitted"
	PlanCompleted      Checkpoint = "plan_completed"
)

// Metric names.
const (
	TimeToFirstStatus  = "time_to_first_status"
	TimeToPlanComplete = "time_to_plan_complete"
)

const (
	DefaultWindow = 500
	// DefaultPendingTTL bounds how long a plan that never completes keeps
	// its request mark.
	DefaultPendingTTL = time.Hour
)

// Stats summarises a rolling window of observations.
type Stats struct {
	Count  int           `json:"count"`
	Median time.Duration `json:"median"`
	P95    time.Duration `json:"p95"`
	Max    time.Duration `json:"max"`
}

// window is a fixed-size ring of the most recent samples.
type window struct {
	samples []time.Duration
	next    int
}

func (w *window) add(d time.Duration) {
	if len(w.samples) < cap(w.samples) {
		w.samples = append(w.samples, d)
		return
	}
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
}

func (w *window) stats() Stats {
	n := len(w.samples)
	if n == 0 {
		return Stats{}
	}
	sorted := append([]time.Duration(nil), w.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return Stats{
		Count:  n,
		Median: percentile(sorted, 0.50),
		P95:    percentile(sorted, 0.95),
		Max:    sorted[n-1],
	}
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

type marks struct {
	requested time.Time
	first     bool
}

// Aggregator turns per-plan checkpoints into rolling latency distributions.
type Aggregator struct {
	// PendingTTL is the age after which an unfinished plan's marks are
	// dropped. Zero or less keeps them until Forget.
	PendingTTL time.Duration

	mu      sync.Mutex
	pending map[string]*marks
	metrics map[string]*window
}

func NewAggregator(size int) *Aggregator {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Aggregator{
		PendingTTL: DefaultPendingTTL,
		pending:    map[string]*marks{},
		metrics: map[string]*window{
			TimeToFirstStatus:  {samples: make([]time.Duration, 0, size)},
			TimeToPlanComplete: {samples: make([]time.Duration, 0, size)},
		},
	}
}

// Mark records a checkpoint for planID. Checkpoints without a preceding
// RequestSent are ignored, as is any FirstStatusEmitted after the first.
func (a *Aggregator) Mark(planID string, cp Checkpoint, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch cp {
	case RequestSent:
		a.expire(at)
		a.pending[planID] = &marks{requested: at}
	case FirstStatusEmitted:
		m, ok := a.pending[planID]
		if !ok || m.first {
			return
		}
		m.first = true
		a.metrics[TimeToFirstStatus].add(at.Sub(m.requested))
	case PlanCompleted:
		m, ok := a.pending[planID]
		if !ok {
			return
		}
		a.metrics[TimeToPlanComplete].add(at.Sub(m.requested))
		delete(a.pending, planID)
	}
}

// expire drops marks requested more than PendingTTL before now.
func (a *Aggregator) expire(now time.Time) {
	if a.PendingTTL <= 0 {
		return
	}
	cutoff := now.Add(-a.PendingTTL)
	for id, m := range a.pending {
		if m.requested.Before(cutoff) {
			delete(a.pending, id)
		}
	}
}

// Pending returns the number of plans with an open request mark.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Forget drops the checkpoints of a plan that will never complete.
func (a *Aggregator) Forget(planID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, planID)
}

// Snapshot returns the current stats per metric.
func (a *Aggregator) Snapshot() map[string]Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Stats, len(a.metrics))
	for name, w := range a.metrics {
		out[name] = w.stats()
	}
	return out
}
