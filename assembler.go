package chatquota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ChunkSource yields the text fragments of one assistant reply.
type ChunkSource interface {
	// Next blocks until the next fragment arrives. Returns io.EOF when the
	// reply is complete. Implementations must return promptly once ctx is done.
	Next(ctx context.Context) (string, error)

	// Close releases the underlying transport.
	Close() error
}

// StreamState is the state of a reply stream as seen in a Snapshot.
type StreamState string

const (
	StateStreaming StreamState = "streaming"
	StateCompleted StreamState = "completed"
	StateFailed    StreamState = "failed"
	StateCancelled StreamState = "cancelled"
)

// Snapshot is the transcript as it stood after one step of a reply stream.
type Snapshot struct {
	TurnID   string
	Reply    Message   // the assistant message for TurnID
	Messages []Message // the whole transcript, in order
	State    StreamState
	Err      error // set when State is StateFailed; matches ErrDeliveryFailed
}

// Terminal reports whether no further snapshots follow.
func (s Snapshot) Terminal() bool {
	return s.State != StateStreaming
}

// FailurePolicy decides what a failed reply shows.
type FailurePolicy int

const (
	// FailurePreservePartial keeps whatever content arrived before the failure.
	FailurePreservePartial FailurePolicy = iota
	// FailureReplaceWithApology replaces the reply with a fixed apology,
	// discarding partial content.
	FailureReplaceWithApology
)

// DefaultApology is the reply shown under FailureReplaceWithApology.
const DefaultApology = "Sorry, something went wrong while generating the reply. Please try again."

// Assembler folds streamed reply fragments into one conversation's transcript.
type Assembler struct {
	transcript      *transcript
	policy          FailurePolicy
	apology         string
	fragmentTimeout time.Duration
	meter           Meter

	mu    sync.Mutex
	turns map[string]bool
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithFailurePolicy sets how failed replies are presented.
func WithFailurePolicy(p FailurePolicy) AssemblerOption {
	return func(a *Assembler) { a.policy = p }
}

// WithApology sets the text used by FailureReplaceWithApology.
func WithApology(text string) AssemblerOption {
	return func(a *Assembler) { a.apology = text }
}

// WithFragmentTimeout bounds the wait for each fragment. Zero disables it.
func WithFragmentTimeout(d time.Duration) AssemblerOption {
	return func(a *Assembler) { a.fragmentTimeout = d }
}

// WithAssemblerMeter sets the meter notified when a stream ends.
func WithAssemblerMeter(m Meter) AssemblerOption {
	return func(a *Assembler) { a.meter = m }
}

// NewAssembler creates an Assembler with an empty transcript.
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		transcript: newTranscript(),
		apology:    DefaultApology,
		turns:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.meter == nil {
		a.meter = noopMeter{}
	}
	return a
}

// AppendUser appends the user's own turn to the transcript.
func (a *Assembler) AppendUser(content string) Message {
	m := Message{
		ID:      uuid.NewString(),
		Role:    RoleUser,
		Content: content,
		Status:  StatusComplete,
	}
	a.transcript.append(m)
	return m
}

// Transcript returns a copy of the transcript. Safe to call while a reply is
// being consumed.
func (a *Assembler) Transcript() []Message {
	return a.transcript.snapshot()
}

// Consume returns the sequence of snapshots produced by reading src as the
// reply for turnID. Nothing is read until the sequence is ranged over, and it
// can be ranged over only once; call Consume again to retry a turn under a new
// ID. The source is closed when the sequence ends.
//
// Stopping the range loop early or cancelling ctx abandons the reply: the
// message is marked cancelled and never touched again.
//
// Consume panics if turnID is already part of this transcript.
func (a *Assembler) Consume(ctx context.Context, turnID string, src ChunkSource) iter.Seq[Snapshot] {
	a.claim(turnID)

	var started atomic.Bool
	return func(yield func(Snapshot) bool) {
		if !started.CompareAndSwap(false, true) {
			panic("chatquota: reply stream for turn " + turnID + " was already consumed")
		}
		defer src.Close()

		t := &turn{a: a, id: turnID, start: time.Now()}
		for {
			if err := ctx.Err(); err != nil {
				t.cancel(err)
				return
			}

			frag, err := a.next(ctx, src)
			switch {
			case errors.Is(err, io.EOF):
				yield(t.finish(StateCompleted, nil))
				return
			case err != nil:
				if ctx.Err() != nil {
					t.cancel(ctx.Err())
					return
				}
				yield(t.finish(StateFailed, err))
				return
			case frag == "":
				continue
			}

			if !yield(t.add(frag)) {
				t.cancel(nil)
				return
			}
		}
	}
}

func (a *Assembler) claim(turnID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turns[turnID] || a.transcript.has(turnID) {
		panic("chatquota: turn id " + turnID + " is already in use")
	}
	a.turns[turnID] = true
}

func (a *Assembler) next(ctx context.Context, src ChunkSource) (string, error) {
	if a.fragmentTimeout <= 0 {
		return src.Next(ctx)
	}

	fctx, cancel := context.WithTimeout(ctx, a.fragmentTimeout)
	defer cancel()

	frag, err := src.Next(fctx)
	if err != nil && ctx.Err() == nil && errors.Is(fctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s", ErrFragmentTimeout, a.fragmentTimeout)
	}
	return frag, err
}

// turn tracks one reply while it is being consumed.
type turn struct {
	a         *Assembler
	id        string
	start     time.Time
	buf       strings.Builder
	created   bool
	fragments int
}

func (t *turn) add(frag string) Snapshot {
	t.buf.WriteString(frag)
	t.fragments++

	var reply Message
	if !t.created {
		reply = Message{ID: t.id, Role: RoleAssistant, Content: t.buf.String(), Status: StatusStreaming}
		t.a.transcript.append(reply)
		t.created = true
	} else {
		reply = t.a.transcript.update(t.id, func(m *Message) { m.Content = t.buf.String() })
	}
	return t.snapshot(reply, StateStreaming, nil)
}

func (t *turn) finish(state StreamState, cause error) Snapshot {
	status := StatusComplete
	content := t.buf.String()

	var err error
	if state == StateFailed {
		status = StatusFailed
		err = &DeliveryError{TurnID: t.id, Err: cause}
		if t.a.policy == FailureReplaceWithApology {
			content = t.a.apology
		}
	}

	reply := t.settle(status, content)
	t.report(state, err)
	return t.snapshot(reply, state, err)
}

func (t *turn) cancel(cause error) {
	if t.created {
		t.a.transcript.update(t.id, func(m *Message) { m.Status = StatusCancelled })
	}
	t.report(StateCancelled, cause)
}

// settle writes the terminal status. A reply that never received a fragment
// still gets a message so the renderer leaves its loading state.
func (t *turn) settle(status MessageStatus, content string) Message {
	if !t.created {
		m := Message{ID: t.id, Role: RoleAssistant, Content: content, Status: status}
		t.a.transcript.append(m)
		t.created = true
		return m
	}
	return t.a.transcript.update(t.id, func(m *Message) {
		m.Content = content
		m.Status = status
	})
}

func (t *turn) report(state StreamState, err error) {
	t.a.meter.OnStream(StreamEvent{
		TurnID:    t.id,
		State:     state,
		Fragments: t.fragments,
		Bytes:     t.buf.Len(),
		Duration:  time.Since(t.start),
		Error:     err,
	})
}

func (t *turn) snapshot(reply Message, state StreamState, err error) Snapshot {
	return Snapshot{
		TurnID:   t.id,
		Reply:    reply,
		Messages: t.a.transcript.snapshot(),
		State:    state,
		Err:      err,
	}
}
