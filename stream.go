package chatquota

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// UsageReporter is implemented by sources that learn the real token cost of
// a reply from the upstream model.
type UsageReporter interface {
	// Usage returns the total tokens billed for the exchange, if known.
	Usage() (int64, bool)
}

// AccountedSource wraps a ChunkSource and settles the turn's reservation with
// the Manager when it is closed.
type AccountedSource struct {
	inner       ChunkSource
	manager     *Manager
	reservation Reservation
	meter       Meter

	mu        sync.Mutex
	reply     strings.Builder
	delivered bool
	done      bool  // io.EOF seen
	streamErr error // first non-EOF error
	closed    bool
}

var _ ChunkSource = (*AccountedSource)(nil)

// NewAccountedSource returns a source that commits the reply cost against res
// when closed.
func NewAccountedSource(inner ChunkSource, m *Manager, res Reservation) *AccountedSource {
	return &AccountedSource{
		inner:       inner,
		manager:     m,
		reservation: res,
		meter:       m.meter,
	}
}

// Next returns the next fragment from the wrapped source.
func (s *AccountedSource) Next(ctx context.Context) (string, error) {
	frag, err := s.inner.Next(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, io.EOF):
		s.done = true
	case err != nil:
		if s.streamErr == nil {
			s.streamErr = err
		}
	case frag != "":
		s.reply.WriteString(frag)
		s.delivered = true
	}
	return frag, err
}

// Reply returns the text received so far.
func (s *AccountedSource) Reply() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reply.String()
}

// Close releases the wrapped source and settles the reservation. A reply that
// delivered nothing and did not complete is rolled back; anything else is
// committed at the prompt cost plus the delivered reply cost.
func (s *AccountedSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	delivered, done := s.delivered, s.done
	actual := s.reservation.Tokens + EstimateCost(s.reply.String())
	s.mu.Unlock()

	err := s.inner.Close()

	if ur, ok := s.inner.(UsageReporter); ok && done {
		if total, ok := ur.Usage(); ok {
			actual = total
		}
	}

	var settleErr error
	if !delivered && !done {
		settleErr = s.manager.Rollback(s.reservation)
	} else {
		settleErr = s.manager.Commit(s.reservation, actual)
	}
	if settleErr != nil {
		s.meter.OnSettle(SettleEvent{
			SessionID:  s.reservation.SessionID,
			Reserved:   s.reservation.Tokens,
			Actual:     actual,
			RolledBack: !delivered && !done,
			Error:      settleErr,
		})
	}

	return err
}

// Err returns the first stream error other than io.EOF.
func (s *AccountedSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}
