package engine

import (
	"sync"
	"time"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

// Ring is the bounded recent-state log of handler invocations. Two retention
// policies apply together: a capacity bound (oldest evicted on overflow) and
// an age bound (entries older than maxAge evicted regardless of capacity).
type Ring struct {
	mu       sync.Mutex
	capacity int
	maxAge   time.Duration
	entries  []*models.HandlerState // oldest first
}

// NewRing creates a ring with the given capacity and age bound.
func NewRing(capacity int, maxAge time.Duration) *Ring {
	return &Ring{
		capacity: capacity,
		maxAge:   maxAge,
		entries:  make([]*models.HandlerState, 0, capacity),
	}
}

// Add appends a state, evicting the oldest entry on overflow.
func (r *Ring) Add(state *models.HandlerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked(time.Now())
	if len(r.entries) >= r.capacity {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, state)
}

// Transition moves the invocation identified by handlerID to the given
// state, stamping EndedAt on terminal transitions. The first terminal
// transition wins: a TTL expiry and the actor's own stop can race, and the
// recorded outcome must match the response the sink already delivered.
func (r *Ring) Transition(handlerID string, state models.HandlerStateValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.HandlerID == handlerID {
			if e.State.Terminal() {
				return
			}
			e.State = state
			if state.Terminal() {
				e.EndedAt = time.Now()
			}
			return
		}
	}
}

// Get returns a copy of the entry for handlerID, or nil.
func (r *Ring) Get(handlerID string) *models.HandlerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.HandlerID == handlerID {
			cp := *e
			return &cp
		}
	}
	return nil
}

// Snapshot returns copies of the retained entries, newest first.
func (r *Ring) Snapshot() []models.HandlerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked(time.Now())
	out := make([]models.HandlerState, 0, len(r.entries))
	for i := len(r.entries) - 1; i >= 0; i-- {
		out = append(out, *r.entries[i])
	}
	return out
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked(time.Now())
	return len(r.entries)
}

// evictExpiredLocked drops entries older than maxAge. Entries are appended
// in admission order, so expired ones form a prefix.
func (r *Ring) evictExpiredLocked(now time.Time) {
	cutoff := now.Add(-r.maxAge)
	i := 0
	for ; i < len(r.entries); i++ {
		if r.entries[i].StartedAt.After(cutoff) {
			break
		}
	}
	if i > 0 {
		r.entries = r.entries[i:]
	}
}
