package decodecache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Signal is delivered to views registered for an emote id.
type Signal int

const (
	// SignalAdvance asks the view to draw the next frame.
	SignalAdvance Signal = iota
	// SignalInvalidate tells the view that its decoded handle was released.
	SignalInvalidate
)

func (s Signal) String() string {
	switch s {
	case SignalAdvance:
		return "advance"
	case SignalInvalidate:
		return "invalidate"
	}
	return "unknown"
}

// Callback receives signals for one registration.
type Callback func(id string, s Signal)

// Handle identifies one registration. A handle whose generation no longer
// matches its slot is stale and is ignored everywhere.
type Handle struct {
	index uint32
	gen   uint32
}

type registration struct {
	gen  uint32
	live bool
	id   string
	cb   Callback
}

// Registry tracks which views display which emote ids. Registrations live in
// an arena of reusable slots; slot reuse bumps the generation so handles kept
// after Unregister cannot address the new occupant.
type Registry struct {
	mu    sync.Mutex
	slots []registration
	free  []uint32
	byID  map[string]map[uint32]struct{}
}

func NewRegistry() *Registry {
	return &Registry{byID: map[string]map[uint32]struct{}{}}
}

// Register subscribes cb to signals for id.
func (r *Registry) Register(id string, cb Callback) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, registration{})
	}
	slot := &r.slots[idx]
	slot.gen++
	slot.live = true
	slot.id = id
	slot.cb = cb

	set, ok := r.byID[id]
	if !ok {
		set = map[uint32]struct{}{}
		r.byID[id] = set
	}
	set[idx] = struct{}{}
	return Handle{index: idx, gen: slot.gen}
}

// Unregister removes the registration behind h. It reports false for a
// stale or unknown handle.
func (r *Registry) Unregister(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.liveLocked(h) {
		return false
	}
	slot := &r.slots[h.index]
	if set := r.byID[slot.id]; set != nil {
		delete(set, h.index)
		if len(set) == 0 {
			delete(r.byID, slot.id)
		}
	}
	slot.live = false
	slot.gen++
	slot.id = ""
	slot.cb = nil
	r.free = append(r.free, h.index)
	return true
}

func (r *Registry) liveLocked(h Handle) bool {
	if int(h.index) >= len(r.slots) {
		return false
	}
	slot := r.slots[h.index]
	return slot.live && slot.gen == h.gen
}

// Dispatch delivers s to every live registration for id and returns how many
// callbacks ran. Callbacks run without the registry lock held and may
// register or unregister; a registration removed before its turn is skipped.
func (r *Registry) Dispatch(id string, s Signal) int {
	r.mu.Lock()
	set := r.byID[id]
	targets := make([]Handle, 0, len(set))
	for idx := range set {
		targets = append(targets, Handle{index: idx, gen: r.slots[idx].gen})
	}
	r.mu.Unlock()

	delivered := 0
	for _, h := range targets {
		r.mu.Lock()
		var cb Callback
		if r.liveLocked(h) {
			cb = r.slots[h.index].cb
		}
		r.mu.Unlock()
		if cb == nil {
			continue
		}
		cb(id, s)
		delivered++
	}
	return delivered
}

// IDs returns every id with at least one registration.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots) - len(r.free)
}

// Animate sends SignalAdvance to every registered id once per interval until
// ctx is done.
func (r *Registry) Animate(ctx context.Context, clock clockwork.Clock, interval time.Duration) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	slog.Debug("decodecache: animating", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, id := range r.IDs() {
				r.Dispatch(id, SignalAdvance)
			}
		}
	}
}

// Invalidating wraps release so that every view of an evicted id is told
// before the value itself is released.
func Invalidating[V any](r *Registry, release ReleaseFunc[V]) ReleaseFunc[V] {
	return func(id string, v V) {
		r.Dispatch(id, SignalInvalidate)
		if release != nil {
			release(id, v)
		}
	}
}
