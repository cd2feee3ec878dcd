package pipeline

import (
	"slices"
	"sync"
)

// InFlight is the set of accounts admitted by Source and not yet released by
// Recorder. It keeps an account out of the next poll while it is queued.
type InFlight struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func NewInFlight() *InFlight { return &InFlight{ids: make(map[int64]struct{})} }

func (f *InFlight) Add(ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.ids[id] = struct{}{}
	}
}

func (f *InFlight) Remove(ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.ids, id)
	}
}

// IDs returns a sorted snapshot.
func (f *InFlight) IDs() []int64 {
	f.mu.Lock()
	out := make([]int64, 0, len(f.ids))
	for id := range f.ids {
		out = append(out, id)
	}
	f.mu.Unlock()
	slices.Sort(out)
	return out
}

func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}
