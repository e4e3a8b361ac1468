package chatquota

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Manager decides whether anonymous chat turns are admitted and accounts for
// their consumption against daily budgets.
//
// Every operation runs under a single mutex: they touch only in-memory state
// and complete in bounded time, and global serialization rules out lost
// updates and duplicate session creation.
type Manager struct {
	mu     sync.Mutex
	limits Limits
	clock  Clock
	store  SessionStore
	meter  Meter
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLimits sets the budgets. Zero fields fall back to DefaultLimits.
func WithLimits(l Limits) ManagerOption {
	return func(m *Manager) { m.limits = l }
}

// WithClock sets the clock and day boundary.
func WithClock(c Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithStore sets the session store.
func WithStore(s SessionStore) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithMeter sets the meter.
func WithMeter(mt Meter) ManagerOption {
	return func(m *Manager) { m.meter = mt }
}

// NewManager creates a Manager. Default components (SystemClock in
// time.Local, an LRU-ordered in-memory store sized to MaxSessions, no-op meter) are used unless
// overridden via options.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{limits: DefaultLimits()}
	for _, opt := range opts {
		opt(m)
	}

	m.limits = m.limits.withDefaults()
	if m.clock == nil {
		m.clock = NewSystemClock(nil)
	}
	if m.store == nil {
		m.store = newLRUStore(m.limits.MaxSessions)
	}
	if m.meter == nil {
		m.meter = noopMeter{}
	}
	return m
}

// Limits returns the budgets in effect.
func (m *Manager) Limits() Limits {
	return m.limits
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Len()
}

// NewSession provisions a session with a generated ID.
func (m *Manager) NewSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	m.create(id, m.clock.Now())
	return id
}

// CheckAndReserve admits a chat turn costing requestedTokens if the session
// has at least one message and requestedTokens tokens left today. An admitted
// turn is committed immediately; the returned Reservation may later be settled
// with Commit or Rollback once the real cost is known.
//
// An empty sessionID provisions a new session; its ID is in the Decision.
func (m *Manager) CheckAndReserve(sessionID string, requestedTokens int64) Decision {
	if requestedTokens < 0 {
		requestedTokens = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	s, ok := m.lookup(sessionID, now)
	if !ok {
		s = m.create(sessionID, now)
	}
	m.resetIfNewDay(s, now)

	d := Decision{
		SessionID:         sessionID,
		RemainingTokens:   max(m.limits.DailyTokens-s.TokensUsed, 0),
		RemainingMessages: max(m.limits.DailyMessages-s.MessagesUsed, 0),
		ResetTime:         nextDay(m.clock, now),
	}

	switch {
	case d.RemainingMessages <= 0:
		d.Limit = LimitMessages
	case d.RemainingTokens < requestedTokens:
		d.Limit = LimitTokens
	default:
		d.Allowed = true
		d.Reservation = m.reserve(s, requestedTokens, now)
		d.RemainingTokens -= requestedTokens
		d.RemainingMessages--
	}

	m.meter.OnAdmission(AdmissionEvent{
		SessionID:         sessionID,
		NewSession:        !ok,
		Requested:         requestedTokens,
		Allowed:           d.Allowed,
		Limit:             d.Limit,
		RemainingTokens:   d.RemainingTokens,
		RemainingMessages: d.RemainingMessages,
	})

	return d
}

// Commit replaces the tokens reserved by res with actualTokens. The result is
// clamped to the daily budget. Reservations from a previous accounting day are
// ignored.
func (m *Manager) Commit(res Reservation, actualTokens int64) error {
	if actualTokens < 0 {
		actualTokens = 0
	}
	return m.settle(res, func(s *Session, reserved int64) {
		s.TokensUsed = min(max(s.TokensUsed-reserved+actualTokens, 0), m.limits.DailyTokens)
		m.meter.OnSettle(SettleEvent{SessionID: s.ID, Reserved: reserved, Actual: actualTokens})
	})
}

// Rollback refunds the tokens and the message slot taken by res.
func (m *Manager) Rollback(res Reservation) error {
	return m.settle(res, func(s *Session, reserved int64) {
		s.TokensUsed = max(s.TokensUsed-reserved, 0)
		s.MessagesUsed = max(s.MessagesUsed-1, 0)
		m.meter.OnSettle(SettleEvent{SessionID: s.ID, Reserved: reserved, RolledBack: true})
	})
}

// GetUsageInfo returns a snapshot of the session's quota. Unknown or expired
// sessions report a full budget without being provisioned.
func (m *Manager) GetUsageInfo(sessionID string) Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	u := Usage{
		SessionID:         sessionID,
		TokensRemaining:   m.limits.DailyTokens,
		MessagesRemaining: m.limits.DailyMessages,
		ResetTime:         nextDay(m.clock, now),
	}

	if s, ok := m.lookup(sessionID, now); ok {
		m.resetIfNewDay(s, now)
		u.TokensUsed = s.TokensUsed
		u.MessagesUsed = s.MessagesUsed
		u.TokensRemaining = max(m.limits.DailyTokens-s.TokensUsed, 0)
		u.MessagesRemaining = max(m.limits.DailyMessages-s.MessagesUsed, 0)
	}
	return u
}

// EvictIdle removes every session idle for longer than the idle timeout and
// returns how many were removed.
func (m *Manager) EvictIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictIdle(m.clock.Now())
}

// lookup returns a live session. An idle session is removed and reported
// absent. Must be called with lock held.
func (m *Manager) lookup(id string, now time.Time) (*Session, bool) {
	s, ok := m.store.Get(id)
	if !ok {
		return nil, false
	}
	if m.isIdle(s, now) {
		m.store.Delete(id)
		m.meter.OnEviction(EvictionEvent{SessionID: id, Reason: EvictIdle, IdleFor: now.Sub(s.LastActivity)})
		return nil, false
	}
	return s, true
}

// create provisions a session, making room first when the store is full.
// Must be called with lock held.
func (m *Manager) create(id string, now time.Time) *Session {
	if m.store.Len() >= m.limits.MaxSessions {
		m.evictIdle(now)
	}
	// Under sustained pressure the least recently active sessions go first,
	// even if they are still within the idle timeout.
	for m.store.Len() >= m.limits.MaxSessions {
		oldest, ok := m.store.Oldest()
		if !ok {
			break
		}
		m.store.Delete(oldest.ID)
		m.meter.OnEviction(EvictionEvent{SessionID: oldest.ID, Reason: EvictCapacity, IdleFor: now.Sub(oldest.LastActivity)})
	}

	s := &Session{
		ID:           id,
		LastActivity: now,
		ResetAnchor:  m.clock.StartOfDay(now),
	}
	m.store.Put(s)
	return s
}

// evictIdle walks the store from the least recently active session and stops
// at the first one still live. Must be called with lock held.
func (m *Manager) evictIdle(now time.Time) int {
	n := 0
	for {
		s, ok := m.store.Oldest()
		if !ok || !m.isIdle(s, now) {
			return n
		}
		m.store.Delete(s.ID)
		m.meter.OnEviction(EvictionEvent{SessionID: s.ID, Reason: EvictIdle, IdleFor: now.Sub(s.LastActivity)})
		n++
	}
}

// reserve commits an admitted turn. Must be called with lock held.
func (m *Manager) reserve(s *Session, tokens int64, now time.Time) Reservation {
	s.TokensUsed += tokens
	s.MessagesUsed++
	s.LastActivity = now

	res := Reservation{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		Tokens:    tokens,
		Day:       s.ResetAnchor,
	}
	if s.pending == nil {
		s.pending = make(map[string]int64)
	}
	s.pending[res.ID] = tokens

	m.store.Put(s)
	return res
}

func (m *Manager) settle(res Reservation, apply func(s *Session, reserved int64)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	s, ok := m.lookup(res.SessionID, now)
	if !ok {
		return fmt.Errorf("%w: session %q is no longer tracked", ErrReservationNotFound, res.SessionID)
	}
	m.resetIfNewDay(s, now)

	// Yesterday's consumption was already wiped by the daily reset.
	if !res.Day.Equal(s.ResetAnchor) {
		return nil
	}

	reserved, ok := s.pending[res.ID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrReservationNotFound, res.ID)
	}
	delete(s.pending, res.ID)

	apply(s, reserved)
	return nil
}

func (m *Manager) isIdle(s *Session, now time.Time) bool {
	return now.Sub(s.LastActivity) > m.limits.IdleTimeout
}

// resetIfNewDay zeroes the counters when the accounting day has rolled over.
// Must be called with lock held.
func (m *Manager) resetIfNewDay(s *Session, now time.Time) {
	today := m.clock.StartOfDay(now)
	if today.Equal(s.ResetAnchor) {
		return
	}
	s.TokensUsed = 0
	s.MessagesUsed = 0
	s.ResetAnchor = today
	s.pending = nil
}

// lruStore is the default SessionStore, kept inline to avoid an import cycle
// with the quota package. The Manager makes room before inserting, so the
// LRU never evicts on its own.
type lruStore struct {
	lru *simplelru.LRU[string, *Session]
}

func newLRUStore(capacity int) *lruStore {
	l, err := simplelru.NewLRU[string, *Session](capacity, nil)
	if err != nil {
		// Only returned for a non-positive size; limits are defaulted first.
		panic(err)
	}
	return &lruStore{lru: l}
}

func (s *lruStore) Get(id string) (*Session, bool) { return s.lru.Peek(id) }
func (s *lruStore) Put(sess *Session)              { s.lru.Add(sess.ID, sess) }
func (s *lruStore) Delete(id string)               { s.lru.Remove(id) }
func (s *lruStore) Len() int                       { return s.lru.Len() }

func (s *lruStore) Oldest() (*Session, bool) {
	_, sess, ok := s.lru.GetOldest()
	return sess, ok
}
