package audit

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Log is the append-only, shared-read audit trail. Entries are stamped with a
// monotonically increasing sequence and never modified after Append.
//
// With a capacity, only the most recent entries stay in memory; older ones
// are served by the durable store.
type Log struct {
	mu       sync.RWMutex
	entries  []models.AuditLogEntry
	seq      int64
	capacity int
	horizon  time.Time // timestamp of the newest evicted entry
	evicted  bool
	subs     map[int]chan models.AuditLogEntry
	nextSub  int
	now      func() time.Time
}

// Option customises a Log.
type Option func(*Log)

// WithCapacity bounds the number of entries kept in memory. Zero keeps all.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// NewLog returns an empty log.
func NewLog(opts ...Option) *Log {
	l := &Log{subs: make(map[int]chan models.AuditLogEntry), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Stamp assigns ids, sequences and timestamps to entries about to be committed.
// It does not make them visible; call Publish once the commit succeeded.
func (l *Log) Stamp(entries []models.AuditLogEntry) []models.AuditLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.AuditLogEntry, len(entries))
	for i, e := range entries {
		l.seq++
		e = e.Clone()
		e.Sequence = l.seq
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = l.now().UTC()
		}
		out[i] = e
	}
	return out
}

// Publish makes stamped entries visible to queries and subscribers.
func (l *Log) Publish(entries []models.AuditLogEntry) {
	if len(entries) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entries...)
	// Concurrent commits may publish out of stamp order.
	if !slices.IsSortedFunc(l.entries, bySequence) {
		slices.SortStableFunc(l.entries, bySequence)
	}
	l.trim()
	for _, e := range entries {
		for _, ch := range l.subs {
			select {
			case ch <- e.Clone():
			default:
				// slow subscriber; drop rather than block committers
			}
		}
	}
}

func bySequence(a, b models.AuditLogEntry) int {
	return cmp.Compare(a.Sequence, b.Sequence)
}

// Append stamps and publishes in one step, for entries not tied to a store commit.
func (l *Log) Append(entries ...models.AuditLogEntry) []models.AuditLogEntry {
	stamped := l.Stamp(entries)
	l.Publish(stamped)
	return stamped
}

// Restore loads previously persisted entries, keeping sequence numbers.
func (l *Log) Restore(entries []models.AuditLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		l.entries = append(l.entries, e.Clone())
		if e.Sequence > l.seq {
			l.seq = e.Sequence
		}
	}
	slices.SortStableFunc(l.entries, bySequence)
	l.trim()
}

// trim evicts the oldest entries beyond capacity. Callers hold mu.
func (l *Log) trim() {
	if l.capacity == 0 || len(l.entries) <= l.capacity {
		return
	}
	drop := len(l.entries) - l.capacity
	for _, e := range l.entries[:drop] {
		if e.Timestamp.After(l.horizon) {
			l.horizon = e.Timestamp
		}
	}
	l.evicted = true
	l.entries = slices.Clone(l.entries[drop:])
}

// Covers reports whether memory alone can answer filter: nothing was evicted,
// or the filter starts after every evicted entry.
func (l *Log) Covers(filter models.AuditFilter) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.evicted {
		return true
	}
	return !filter.Since.IsZero() && filter.Since.After(l.horizon)
}

// Query returns copies of the entries matching filter in sequence order.
// A positive Limit keeps the most recent entries.
func (l *Log) Query(filter models.AuditFilter) []models.AuditLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.AuditLogEntry, 0)
	for _, e := range l.entries {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Len returns the number of published entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Subscribe returns a channel receiving every entry published after the call
// and a cancel func that must be called to release it.
func (l *Log) Subscribe(buffer int) (<-chan models.AuditLogEntry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.AuditLogEntry, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
