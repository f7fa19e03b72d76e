package events

import (
	"context"
	"sync"
	"time"

	"dealescrow/core/types"
)

const defaultFeedHistory = 4096

// Record is a sequenced event as seen by feed subscribers.
type Record struct {
	Sequence  uint64       `json:"sequence"`
	Timestamp int64        `json:"timestamp"`
	Event     *types.Event `json:"event"`
}

func cloneRecord(rec Record) Record {
	rec.Event = rec.Event.Clone()
	return rec
}

// Feed keeps a bounded, sequenced history of emitted events and fans new
// events out to live subscribers. Slow subscribers miss live events rather
// than blocking the emitter; they can catch up from the history by cursor.
type Feed struct {
	mu      sync.Mutex
	seq     uint64
	limit   int
	history []Record
	subs    map[uint64]chan Record
	nextID  uint64
	nowFn   func() int64
}

// NewFeed creates a feed retaining at most limit records. A non-positive
// limit selects the default.
func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = defaultFeedHistory
	}
	return &Feed{
		limit: limit,
		subs:  make(map[uint64]chan Record),
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// Emit implements the Emitter interface.
func (f *Feed) Emit(evt Event) {
	rendered := Render(evt)
	if f == nil || rendered == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	rec := Record{Sequence: f.seq, Timestamp: f.nowFn(), Event: rendered}
	f.history = append(f.history, rec)
	if len(f.history) > f.limit {
		excess := len(f.history) - f.limit
		trimmed := make([]Record, f.limit)
		copy(trimmed, f.history[excess:])
		f.history = trimmed
	}
	for _, ch := range f.subs {
		select {
		case ch <- cloneRecord(rec):
		default:
		}
	}
}

// Head returns the sequence of the newest record, zero when empty.
func (f *Feed) Head() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// Since returns up to limit records with a sequence greater than after.
func (f *Feed) Since(after uint64, limit int) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, 0)
	for _, rec := range f.history {
		if rec.Sequence <= after {
			continue
		}
		out = append(out, cloneRecord(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Subscribe registers a live subscriber and returns the retained backlog after
// cursor. The backlog and the live channel never overlap: both are captured
// under the same lock. The cancel func is idempotent and is also invoked when
// ctx is done.
func (f *Feed) Subscribe(ctx context.Context, cursor uint64) (<-chan Record, func(), []Record) {
	updates := make(chan Record, 64)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = updates
	backlog := make([]Record, 0, len(f.history))
	for _, rec := range f.history {
		if rec.Sequence > cursor {
			backlog = append(backlog, cloneRecord(rec))
		}
	}
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
			f.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Subscribers reports the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
