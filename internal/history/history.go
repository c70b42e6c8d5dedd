// Package history keeps the most recent closed snapshots in a fixed-size ring.
package history

import (
	"sync"

	"cluster-watchdog/internal/model"
)

type Ring struct {
	mu    sync.RWMutex
	items []*model.ClusterSnapshot
	next  int
	full  bool
}

// New returns a ring holding at most size snapshots. size < 1 is treated as 1.
func New(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{items: make([]*model.ClusterSnapshot, size)}
}

func (r *Ring) Add(s *model.ClusterSnapshot) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.items[r.next] = s
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.items)
	}
	return r.next
}

func (r *Ring) Cap() int { return len(r.items) }

// Latest returns the most recently added snapshot.
func (r *Ring) Latest() (*model.ClusterSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full && r.next == 0 {
		return nil, false
	}
	idx := (r.next - 1 + len(r.items)) % len(r.items)
	return r.items[idx], true
}

// Recent returns up to k snapshots, oldest first. k <= 0 returns everything held.
// Snapshots are immutable so the slice shares them with the ring.
func (r *Ring) Recent(k int) []*model.ClusterSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	held := r.next
	if r.full {
		held = len(r.items)
	}
	if k <= 0 || k > held {
		k = held
	}
	out := make([]*model.ClusterSnapshot, 0, k)
	start := (r.next - k + len(r.items)) % len(r.items)
	for i := 0; i < k; i++ {
		out = append(out, r.items[(start+i)%len(r.items)])
	}
	return out
}
