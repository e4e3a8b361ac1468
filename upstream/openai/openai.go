// Package openai streams replies from an OpenAI-compatible chat completions
// API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ineyio/chatquota"
)

// Config holds the upstream settings.
type Config struct {
	Name         string // defaults to "openai"
	APIKey       string
	BaseURL      string // empty means the OpenAI default
	Model        string
	MaxTokens    int
	SystemPrompt string
	HTTPClient   *http.Client
}

// Upstream is a chatquota.Upstream backed by go-openai.
type Upstream struct {
	client    *openai.Client
	name      string
	model     string
	maxTokens int
	system    string
}

var _ chatquota.Upstream = (*Upstream)(nil)

// New creates an OpenAI-compatible upstream.
func New(cfg Config) *Upstream {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &Upstream{
		client:    openai.NewClientWithConfig(clientCfg),
		name:      name,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		system:    cfg.SystemPrompt,
	}
}

func (u *Upstream) Name() string { return u.name }

// Stream opens a streaming chat completion. The returned source reports the
// upstream's total token count once the reply completes.
func (u *Upstream) Stream(ctx context.Context, history []chatquota.Message) (chatquota.ChunkSource, error) {
	req := openai.ChatCompletionRequest{
		Model:         u.model,
		Messages:      u.buildMessages(history),
		MaxTokens:     u.maxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	sctx, cancel := context.WithCancel(ctx)
	st, err := u.client.CreateChatCompletionStream(sctx, req)
	if err != nil {
		cancel()
		return nil, mapError(err)
	}

	s := &stream{
		frags:  make(chan result),
		done:   make(chan struct{}),
		cancel: cancel,
		stream: st,
	}
	go s.pump()
	return s, nil
}

func (u *Upstream) buildMessages(history []chatquota.Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if u.system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: u.system,
		})
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == chatquota.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return msgs
}

// mapError converts go-openai errors into chatquota sentinels.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := 0
	detail := err.Error()

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		detail = apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch status {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", chatquota.ErrRateLimited, detail)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", chatquota.ErrAuthFailed, detail)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", chatquota.ErrInvalidRequest, detail)
	default:
		return fmt.Errorf("%w: %s", chatquota.ErrUpstreamUnavailable, detail)
	}
}

type result struct {
	text string
	err  error
}

// stream adapts the blocking go-openai Recv loop to a context-aware
// ChunkSource.
type stream struct {
	frags  chan result
	done   chan struct{}
	cancel context.CancelFunc
	stream *openai.ChatCompletionStream
	once   sync.Once

	mu       sync.Mutex
	total    int64
	hasUsage bool
	finished bool
	err      error // terminal result, returned again on later calls
}

var _ chatquota.UsageReporter = (*stream)(nil)

func (s *stream) pump() {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				err = mapError(err)
			}
			s.send(result{err: err})
			return
		}

		if resp.Usage != nil {
			s.mu.Lock()
			s.total = int64(resp.Usage.TotalTokens)
			s.hasUsage = true
			s.mu.Unlock()
		}
		for _, c := range resp.Choices {
			if c.Delta.Content == "" {
				continue
			}
			if !s.send(result{text: c.Delta.Content}) {
				return
			}
		}
	}
}

func (s *stream) send(r result) bool {
	select {
	case s.frags <- r:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	select {
	case r := <-s.frags:
		if r.err != nil {
			s.mu.Lock()
			s.err = r.err
			s.finished = errors.Is(r.err, io.EOF)
			s.mu.Unlock()
		}
		return r.text, r.err
	case <-s.done:
		return "", io.ErrClosedPipe
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *stream) Usage() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.finished && s.hasUsage
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		err = s.stream.Close()
	})
	return err
}
