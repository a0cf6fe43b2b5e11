package orchestrator

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"golang.org/x/sync/semaphore"
)

// admissionGate bounds concurrent runs to capacity worker slots. Up to
// threshold further runs may wait for a slot; beyond that admission fails
// with a BackpressureError.
type admissionGate struct {
	sem       *semaphore.Weighted
	capacity  int
	threshold int

	mu      sync.Mutex
	waiting int
	active  int
}

func newAdmissionGate(capacity, threshold int) *admissionGate {
	if capacity <= 0 {
		capacity = 1
	}
	if threshold < 0 {
		threshold = 0
	}
	return &admissionGate{
		sem:       semaphore.NewWeighted(int64(capacity)),
		capacity:  capacity,
		threshold: threshold,
	}
}

// ticket is an admitted run. held is true once the run owns a slot.
type ticket struct {
	gate *admissionGate
	held bool
	once sync.Once
}

// admit either takes a free slot immediately or reserves a queue place.
func (g *admissionGate) admit() (*ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sem.TryAcquire(1) {
		g.active++
		return &ticket{gate: g, held: true}, nil
	}
	if g.waiting >= g.threshold {
		return nil, &errs.BackpressureError{Capacity: g.capacity, Queued: g.waiting}
	}
	g.waiting++
	return &ticket{gate: g}, nil
}

// wait blocks until the ticket owns a slot or ctx ends. A ticket that
// fails to acquire gives up its queue place.
func (t *ticket) wait(ctx context.Context) error {
	if t.held {
		return nil
	}
	err := t.gate.sem.Acquire(ctx, 1)

	t.gate.mu.Lock()
	defer t.gate.mu.Unlock()
	t.gate.waiting--
	if err != nil {
		return err
	}
	t.gate.active++
	t.held = true
	return nil
}

// release frees the slot. It is safe to call more than once.
func (t *ticket) release() {
	t.once.Do(func() {
		if !t.held {
			return
		}
		t.gate.mu.Lock()
		t.gate.active--
		t.gate.mu.Unlock()
		t.gate.sem.Release(1)
	})
}

// abandon gives up a ticket whose run was never started.
func (t *ticket) abandon() {
	if t.held {
		t.release()
		return
	}
	t.gate.mu.Lock()
	t.gate.waiting--
	t.gate.mu.Unlock()
}

// GateStats reports admission gate occupancy.
type GateStats struct {
	Capacity  int `json:"capacity"`
	Active    int `json:"active"`
	Waiting   int `json:"waiting"`
	Threshold int `json:"queue_threshold"`
}

func (g *admissionGate) stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GateStats{Capacity: g.capacity, Active: g.active, Waiting: g.waiting, Threshold: g.threshold}
}
