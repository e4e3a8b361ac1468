package chatquota

import "time"

// Meter observes quota and streaming events for monitoring/logging.
type Meter interface {
	// OnAdmission is called after every admission check.
	OnAdmission(event AdmissionEvent)

	// OnEviction is called when a session is removed from the store.
	OnEviction(event EvictionEvent)

	// OnStream is called once when a reply stream reaches a terminal state.
	OnStream(event StreamEvent)

	// OnSettle is called when a reservation is committed or rolled back.
	OnSettle(event SettleEvent)
}

// AdmissionEvent describes an admission decision.
type AdmissionEvent struct {
	SessionID         string
	NewSession        bool
	Requested         int64
	Allowed           bool
	Limit             Limit
	RemainingTokens   int64
	RemainingMessages int64
}

// EvictionReason says why a session left the store.
type EvictionReason string

const (
	EvictIdle     EvictionReason = "idle"
	EvictCapacity EvictionReason = "capacity"
)

// EvictionEvent describes a removed session.
type EvictionEvent struct {
	SessionID string
	Reason    EvictionReason
	IdleFor   time.Duration
}

// StreamEvent describes the outcome of one consumed reply stream.
type StreamEvent struct {
	TurnID    string
	State     StreamState
	Fragments int
	Bytes     int
	Duration  time.Duration
	Error     error
}

// SettleEvent describes a settled reservation.
type SettleEvent struct {
	SessionID  string
	Reserved   int64
	Actual     int64
	RolledBack bool
	Error      error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnAdmission(AdmissionEvent) {}
func (noopMeter) OnEviction(EvictionEvent)   {}
func (noopMeter) OnStream(StreamEvent)       {}
func (noopMeter) OnSettle(SettleEvent)       {}
