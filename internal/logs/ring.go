package logs

import (
	"sync"
	"time"
)

const defaultRingSize = 1000

// Ring is a bounded in-memory log that assigns sequence numbers on append.
// Once full, the oldest entries are overwritten.
type Ring struct {
	mu    sync.RWMutex
	now   func() time.Time
	buf   []Entry
	size  int
	head  int
	count int
	seq   uint64
}

func NewRing(size int, now func() time.Time) *Ring {
	if size <= 0 {
		size = defaultRingSize
	}
	if now == nil {
		now = time.Now
	}
	return &Ring{
		now:  now,
		buf:  make([]Entry, size),
		size: size,
	}
}

func (r *Ring) Append(level Level, message string, ctx map[string]string) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e := Entry{
		Seq:     r.seq,
		Time:    r.now().UTC(),
		Level:   level,
		Message: message,
		Context: cloneContext(ctx),
	}
	if r.count > 0 {
		// Keep time non-decreasing even if the wall clock steps back.
		prev := r.buf[(r.head-1+r.size)%r.size]
		if e.Time.Before(prev.Time) {
			e.Time = prev.Time
		}
	}
	r.buf[r.head] = e
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
	return e
}

// After returns the retained entries with Seq > seq, oldest first.
func (r *Ring) After(seq uint64) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0)
	start := (r.head - r.count + r.size) % r.size
	for i := 0; i < r.count; i++ {
		e := r.buf[(start+i)%r.size]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
