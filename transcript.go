package chatquota

import "sync"

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus describes where a message is in its lifecycle.
type MessageStatus string

const (
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusFailed    MessageStatus = "failed"
	StatusCancelled MessageStatus = "cancelled"
)

// Message is one entry of a chat transcript.
type Message struct {
	ID      string        `json:"id"`
	Role    Role          `json:"role"`
	Content string        `json:"content"`
	Status  MessageStatus `json:"status,omitempty"`
}

// transcript is an ordered, id-indexed list of messages.
type transcript struct {
	mu       sync.RWMutex
	messages []Message
	index    map[string]int
}

func newTranscript() *transcript {
	return &transcript{index: make(map[string]int)}
}

func (t *transcript) has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.index[id]
	return ok
}

func (t *transcript) append(m Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[m.ID]; ok {
		panic("chatquota: duplicate transcript message id " + m.ID)
	}
	t.index[m.ID] = len(t.messages)
	t.messages = append(t.messages, m)
}

// update applies fn to the message with the given id and returns the result.
func (t *transcript) update(id string, fn func(m *Message)) Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.index[id]
	fn(&t.messages[i])
	return t.messages[i]
}

func (t *transcript) snapshot() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}
