// Package source provides ChunkSource implementations: in-memory fragments
// for tests and demos, and decoders for the wire events a chatquota server
// streams over SSE or WebSocket.
package source

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/ineyio/chatquota"
)

// Static replays a fixed list of fragments, then ends with io.EOF or a
// configured error.
type Static struct {
	fragments []string
	err       error
	index     int
	closed    atomic.Bool
}

var _ chatquota.ChunkSource = (*Static)(nil)

// Slice returns a source that yields fragments in order, then io.EOF.
func Slice(fragments ...string) *Static {
	return &Static{fragments: fragments}
}

// Failing returns a source that yields fragments in order, then err.
func Failing(err error, fragments ...string) *Static {
	return &Static{fragments: fragments, err: err}
}

func (s *Static) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.index < len(s.fragments) {
		frag := s.fragments[s.index]
		s.index++
		return frag, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *Static) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (s *Static) Closed() bool { return s.closed.Load() }

// Chan yields fragments received on a channel. A closed channel ends the
// reply with io.EOF. Next blocks until a fragment arrives or ctx is done.
type Chan struct {
	ch     <-chan string
	closed atomic.Bool
}

var _ chatquota.ChunkSource = (*Chan)(nil)

// FromChan returns a source reading from ch.
func FromChan(ch <-chan string) *Chan {
	return &Chan{ch: ch}
}

func (s *Chan) Next(ctx context.Context) (string, error) {
	select {
	case frag, ok := <-s.ch:
		if !ok {
			return "", io.EOF
		}
		return frag, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Chan) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (s *Chan) Closed() bool { return s.closed.Load() }
