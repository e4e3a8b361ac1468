package mock

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/ineyio/chatquota"
)

// Upstream is a mock reply model for testing and local runs.
type Upstream struct {
	name      string
	fragments []string
	latency   time.Duration
	failAfter int
	staticErr error
	streamErr error
	usage     int64
	replyFunc func(history []chatquota.Message) []string
	callCount atomic.Int64
}

var _ chatquota.Upstream = (*Upstream)(nil)

// Option configures a mock Upstream.
type Option func(*Upstream)

// New creates a mock upstream with the given options.
func New(opts ...Option) *Upstream {
	u := &Upstream{
		name:      "mock",
		fragments: []string{"Hello", " from", " mock", " upstream"},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// WithName sets the upstream name.
func WithName(name string) Option {
	return func(u *Upstream) { u.name = name }
}

// WithFragments sets the reply fragments.
func WithFragments(fragments ...string) Option {
	return func(u *Upstream) { u.fragments = fragments }
}

// WithLatency adds simulated latency before each fragment.
func WithLatency(d time.Duration) Option {
	return func(u *Upstream) { u.latency = d }
}

// WithFailAfter makes Stream fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(u *Upstream) { u.failAfter = n }
}

// WithError makes Stream always return this error.
func WithError(err error) Option {
	return func(u *Upstream) { u.staticErr = err }
}

// WithStreamError makes every reply end with err after its fragments.
func WithStreamError(err error) Option {
	return func(u *Upstream) { u.streamErr = err }
}

// WithUsage sets the total tokens reported when a reply completes.
func WithUsage(total int64) Option {
	return func(u *Upstream) { u.usage = total }
}

// WithReplyFunc sets a custom reply function.
func WithReplyFunc(fn func(history []chatquota.Message) []string) Option {
	return func(u *Upstream) { u.replyFunc = fn }
}

// Echo replies with the last user message, one word per fragment.
func Echo() Option {
	return WithReplyFunc(func(history []chatquota.Message) []string {
		var last string
		for _, m := range history {
			if m.Role == chatquota.RoleUser {
				last = m.Content
			}
		}
		var out []string
		start := 0
		for i := 1; i <= len(last); i++ {
			if i == len(last) || last[i] == ' ' {
				out = append(out, last[start:i])
				start = i
			}
		}
		return out
	})
}

func (u *Upstream) Name() string { return u.name }

func (u *Upstream) Stream(ctx context.Context, history []chatquota.Message) (chatquota.ChunkSource, error) {
	count := u.callCount.Add(1)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if u.staticErr != nil {
		return nil, u.staticErr
	}
	if u.failAfter > 0 && int(count) > u.failAfter {
		return nil, chatquota.ErrUpstreamUnavailable
	}

	fragments := u.fragments
	if u.replyFunc != nil {
		fragments = u.replyFunc(history)
	}
	return &stream{
		fragments: fragments,
		latency:   u.latency,
		err:       u.streamErr,
		usage:     u.usage,
	}, nil
}

// CallCount returns the number of calls made to Stream.
func (u *Upstream) CallCount() int64 { return u.callCount.Load() }

type stream struct {
	fragments []string
	index     int
	latency   time.Duration
	err       error
	usage     int64
	done      bool
}

var _ chatquota.UsageReporter = (*stream)(nil)

func (s *stream) Next(ctx context.Context) (string, error) {
	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
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
	s.done = true
	return "", io.EOF
}

func (s *stream) Usage() (int64, bool) {
	return s.usage, s.done && s.usage > 0
}

func (s *stream) Close() error { return nil }
