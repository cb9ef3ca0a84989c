package logs

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// SessionCookie carries the session id that selects a client's cursor.
const SessionCookie = "bridgeui_session"

const (
	defaultSessionTTL = 30 * time.Minute
	defaultMaxSession = 10000
)

type session struct {
	cursor   *Cursor
	lastSeen time.Time
}

// Sessions maps session ids to cursors. Idle sessions expire after the TTL
// and the least recently used session is evicted when the registry is full.
type Sessions struct {
	mu        sync.Mutex
	clock     clock.Clock
	ttl       time.Duration
	max       int
	items     map[string]*session
	lastSweep time.Time
}

func NewSessions(clk clock.Clock, ttl time.Duration, max int) *Sessions {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if max <= 0 {
		max = defaultMaxSession
	}
	return &Sessions{
		clock:     clk,
		ttl:       ttl,
		max:       max,
		items:     make(map[string]*session),
		lastSweep: clk.Now(),
	}
}

// Get returns the cursor for id. Unknown, expired or empty ids get a fresh
// session; the returned id is the one the client must present next time.
func (s *Sessions) Get(id string) (string, *Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if now.Sub(s.lastSweep) >= s.sweepInterval() {
		s.sweepLocked(now)
	}

	id = strings.TrimSpace(id)
	if sess, ok := s.items[id]; ok && id != "" {
		if !s.expired(sess, now) {
			sess.lastSeen = now
			return id, sess.cursor
		}
		delete(s.items, id)
	}

	if len(s.items) >= s.max {
		s.evictOldestLocked()
	}
	id = uuid.NewString()
	sess := &session{cursor: NewCursor(), lastSeen: now}
	s.items[id] = sess
	return id, sess.cursor
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.clock.Now())
	return len(s.items)
}

// sweepInterval spaces full sweeps; lookups check expiry on their own.
func (s *Sessions) sweepInterval() time.Duration {
	return s.ttl / 4
}

func (s *Sessions) expired(sess *session, now time.Time) bool {
	return now.Sub(sess.lastSeen) > s.ttl
}

func (s *Sessions) sweepLocked(now time.Time) {
	s.lastSweep = now
	for id, sess := range s.items {
		if s.expired(sess, now) {
			delete(s.items, id)
		}
	}
}

func (s *Sessions) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, sess := range s.items {
		if oldestID == "" || sess.lastSeen.Before(oldest) {
			oldestID = id
			oldest = sess.lastSeen
		}
	}
	if oldestID != "" {
		delete(s.items, oldestID)
	}
}
