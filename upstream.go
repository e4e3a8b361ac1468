package chatquota

import "context"

// Upstream is the interface that LLM adapters must implement to produce
// reply streams.
type Upstream interface {
	// Name returns the upstream identifier (e.g. "openai", "mock").
	Name() string

	// Stream starts a reply to the conversation and returns its fragments.
	// Errors returned here happen before any fragment was produced.
	Stream(ctx context.Context, history []Message) (ChunkSource, error)
}
