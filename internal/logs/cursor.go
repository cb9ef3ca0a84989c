package logs

import "sync"

// Cursor remembers, per stream, the last sequence number a single client
// has already received. Cursors are never shared between clients.
type Cursor struct {
	mu   sync.Mutex
	seen map[string]uint64
}

func NewCursor() *Cursor {
	return &Cursor{seen: make(map[string]uint64)}
}

func (c *Cursor) Position(stream string) uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[stream]
}

// Advance moves the stream position forward. Older positions are ignored.
func (c *Cursor) Advance(stream string, seq uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.seen[stream] {
		c.seen[stream] = seq
	}
}
