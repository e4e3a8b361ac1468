// Package quota provides SessionStore implementations for chatquota.
package quota

import (
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ineyio/chatquota"
)

// MemoryStore is an in-memory SessionStore that keeps sessions in
// least-recently-active order, so the Manager's idle sweep and capacity
// eviction run in O(1) per removed session.
type MemoryStore struct {
	lru *simplelru.LRU[string, *chatquota.Session]
}

var _ chatquota.SessionStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding at most capacity sessions. The
// Manager makes room before inserting, so capacity should be at least
// Limits.MaxSessions; a non-positive capacity means
// chatquota.DefaultMaxSessions.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = chatquota.DefaultMaxSessions
	}
	l, err := simplelru.NewLRU[string, *chatquota.Session](capacity, nil)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &MemoryStore{lru: l}
}

// Get returns the session without refreshing its position.
func (s *MemoryStore) Get(id string) (*chatquota.Session, bool) {
	return s.lru.Peek(id)
}

// Put inserts the session or moves it to the most recently active position.
func (s *MemoryStore) Put(sess *chatquota.Session) {
	s.lru.Add(sess.ID, sess)
}

// Delete removes a session.
func (s *MemoryStore) Delete(id string) {
	s.lru.Remove(id)
}

// Oldest returns the least recently active session.
func (s *MemoryStore) Oldest() (*chatquota.Session, bool) {
	_, sess, ok := s.lru.GetOldest()
	return sess, ok
}

// Len returns the number of tracked sessions.
func (s *MemoryStore) Len() int {
	return s.lru.Len()
}

// IDs returns the tracked session IDs from least to most recently active.
func (s *MemoryStore) IDs() []string {
	return s.lru.Keys()
}
