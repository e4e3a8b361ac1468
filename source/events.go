package source

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ineyio/chatquota"
)

// Events decodes a stream of chatquota wire events into reply fragments.
//
// A "delta" yields its content, "end" yields io.EOF, "error" yields an error
// matching chatquota.ErrDeliveryFailed and "denied" yields a
// *chatquota.DeniedError. A transport that ends before "end" yields
// io.ErrUnexpectedEOF. Once an error is returned every later call returns it
// again.
type Events struct {
	events chan frame
	done   chan struct{}
	closer io.Closer
	once   sync.Once

	mu        sync.Mutex
	sessionID string
	turnID    string
	quota     *chatquota.Usage
	err       error
}

var _ chatquota.ChunkSource = (*Events)(nil)

type frame struct {
	event chatquota.WireEvent
	err   error
}

// newEvents starts a reader goroutine calling read until it fails or a
// terminal event arrives.
func newEvents(read func() (chatquota.WireEvent, error), closer io.Closer) *Events {
	s := &Events{
		events: make(chan frame),
		done:   make(chan struct{}),
		closer: closer,
	}
	go s.pump(read)
	return s
}

func (s *Events) pump(read func() (chatquota.WireEvent, error)) {
	for {
		ev, err := read()
		select {
		case s.events <- frame{event: ev, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
		switch ev.Event {
		case chatquota.EventEnd, chatquota.EventError, chatquota.EventDenied:
			return
		}
	}
}

// Next returns the next non-empty fragment.
func (s *Events) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case f := <-s.events:
			frag, err := s.handle(f)
			if err != nil {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				return "", err
			}
			if frag != "" {
				return frag, nil
			}
		}
	}
}

func (s *Events) handle(f frame) (string, error) {
	if f.err != nil {
		return "", f.err
	}

	ev := f.event
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.SessionID != "" {
		s.sessionID = ev.SessionID
	}
	if ev.TurnID != "" {
		s.turnID = ev.TurnID
	}
	if ev.Usage != nil {
		u := *ev.Usage
		s.quota = &u
	}

	switch ev.Event {
	case chatquota.EventDelta:
		return ev.Content, nil
	case chatquota.EventEnd:
		return "", io.EOF
	case chatquota.EventError:
		return "", fmt.Errorf("%w: %s", chatquota.ErrDeliveryFailed, ev.Error)
	case chatquota.EventDenied:
		if ev.Denial == nil {
			return "", chatquota.ErrQuotaExceeded
		}
		return "", &chatquota.DeniedError{Denial: *ev.Denial}
	default:
		// start and unknown events carry no text.
		return "", nil
	}
}

// SessionID returns the session ID announced by the server, if any.
func (s *Events) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// TurnID returns the turn ID announced by the server, if any.
func (s *Events) TurnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnID
}

// Quota returns the session quota the server reported with the reply.
func (s *Events) Quota() (chatquota.Usage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quota == nil {
		return chatquota.Usage{}, false
	}
	return *s.quota, true
}

// Close stops the reader and closes the transport. Safe to call more than once.
func (s *Events) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.closer.Close()
	})
	return err
}
