package chatquota

import "time"

// Session tracks the daily consumption of one anonymous visitor.
type Session struct {
	ID           string
	TokensUsed   int64
	MessagesUsed int64
	LastActivity time.Time
	ResetAnchor  time.Time // start of the accounting day the counters belong to

	pending map[string]int64 // open reservation ID -> reserved tokens
}

// Limit names the budget that blocked an admission.
type Limit string

const (
	LimitNone     Limit = ""
	LimitMessages Limit = "messages"
	LimitTokens   Limit = "tokens"
)

// Decision is the outcome of an admission check.
type Decision struct {
	SessionID         string
	Allowed           bool
	RemainingTokens   int64
	RemainingMessages int64
	Limit             Limit
	ResetTime         time.Time
	Reservation       Reservation // zero value when not allowed
}

// Reservation identifies the consumption committed by an admitted turn so the
// caller can settle it once the reply cost is known.
type Reservation struct {
	ID        string
	SessionID string
	Tokens    int64
	Day       time.Time // accounting day the reservation was made in
}

// Usage is a read-only snapshot of a session's quota.
type Usage struct {
	SessionID         string    `json:"sessionId"`
	TokensUsed        int64     `json:"tokensUsed"`
	MessagesUsed      int64     `json:"messagesUsed"`
	TokensRemaining   int64     `json:"tokensRemaining"`
	MessagesRemaining int64     `json:"messagesRemaining"`
	ResetTime         time.Time `json:"resetTime"`
}

// Limits configures the budgets and the memory bound of a Manager.
type Limits struct {
	DailyTokens   int64
	DailyMessages int64
	IdleTimeout   time.Duration
	MaxSessions   int
}

const (
	DefaultDailyTokens   int64 = 20000
	DefaultDailyMessages int64 = 20
	DefaultIdleTimeout         = 2 * time.Hour
	DefaultMaxSessions         = 10000
)

// DefaultLimits returns the free-tier budgets.
func DefaultLimits() Limits {
	return Limits{
		DailyTokens:   DefaultDailyTokens,
		DailyMessages: DefaultDailyMessages,
		IdleTimeout:   DefaultIdleTimeout,
		MaxSessions:   DefaultMaxSessions,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.DailyTokens <= 0 {
		l.DailyTokens = d.DailyTokens
	}
	if l.DailyMessages <= 0 {
		l.DailyMessages = d.DailyMessages
	}
	if l.IdleTimeout <= 0 {
		l.IdleTimeout = d.IdleTimeout
	}
	if l.MaxSessions <= 0 {
		l.MaxSessions = d.MaxSessions
	}
	return l
}
