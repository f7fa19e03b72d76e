package deal

import (
	"context"
	"sync"
)

// dealLocks serialises operations per deal id. Entries are reference counted
// and dropped once the last holder or waiter leaves, so the map only ever
// contains ids with in-flight operations.
type dealLocks struct {
	mu      sync.Mutex
	entries map[uint64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// heldLock records, inside a context, which ids the current call chain owns.
// A call that re-enters the engine with that context skips re-acquisition
// instead of deadlocking on its own lock.
type heldLock struct {
	owner  *dealLocks
	id     uint64
	parent *heldLock
}

type heldLockKey struct{}

func newDealLocks() *dealLocks {
	return &dealLocks{entries: make(map[uint64]*lockEntry)}
}

func (l *dealLocks) owns(ctx context.Context, id uint64) bool {
	if ctx == nil {
		return false
	}
	held, _ := ctx.Value(heldLockKey{}).(*heldLock)
	for ; held != nil; held = held.parent {
		if held.owner == l && held.id == id {
			return true
		}
	}
	return false
}

// acquire locks id for the caller and returns a context that records the
// ownership together with the release func.
func (l *dealLocks) acquire(ctx context.Context, id uint64) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.owns(ctx, id) {
		return ctx, func() {}
	}

	l.mu.Lock()
	entry, ok := l.entries[id]
	if !ok {
		entry = &lockEntry{}
		l.entries[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	parent, _ := ctx.Value(heldLockKey{}).(*heldLock)
	owned := context.WithValue(ctx, heldLockKey{}, &heldLock{owner: l, id: id, parent: parent})

	var once sync.Once
	release := func() {
		once.Do(func() {
			entry.mu.Unlock()
			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.entries, id)
			}
			l.mu.Unlock()
		})
	}
	return owned, release
}

func (l *dealLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
