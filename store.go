package chatquota

// SessionStore holds the sessions tracked by a Manager, ordered by last
// admitted activity. The Manager serializes every call; implementations do
// not need their own locking.
type SessionStore interface {
	// Get returns the session without changing its activity order.
	Get(id string) (*Session, bool)

	// Put inserts the session or marks an existing one as most recently active.
	Put(s *Session)

	// Delete removes the session if present.
	Delete(id string)

	// Oldest returns the least recently active session.
	Oldest() (*Session, bool)

	// Len returns the number of tracked sessions.
	Len() int
}
