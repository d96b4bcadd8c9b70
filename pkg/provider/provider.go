// Package provider implements raw wire clients for the two chat-completion
// protocols in use: the OpenAI-compatible SSE dialect and the Anthropic
// named-event SSE dialect. Both clients own their request encoding so that
// identical inputs produce byte-identical request bodies.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/mirelabs/coda/pkg/chat"
)

// ToolSchema describes one callable tool action in provider-neutral form.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Request is a provider-neutral chat request.
type Request struct {
	Model    string
	Messages []chat.Message
	// MaxTokens caps the completion length; 0 uses the client default.
	MaxTokens int
	Tools     []ToolSchema
	// ToolChoice forces the named tool when non-empty.
	ToolChoice string
	// Prefill seeds the assistant response with leading text on dialects
	// that support it.
	Prefill        string
	EnableThinking bool
}

// Response is the fully assembled result of a blocking chat call.
type Response struct {
	Message      chat.Message
	FinishReason chat.FinishReason
	Usage        *chat.Usage
}

// Client is one configured provider connection.
type Client interface {
	// Chat performs a blocking completion with retry.
	Chat(ctx context.Context, req Request) (*Response, error)
	// StreamChat opens a streaming completion. HTTP-level failures are
	// returned synchronously; everything after the headers flows through
	// the returned Stream.
	StreamChat(ctx context.Context, req Request) (*Stream, error)
	// Model returns the configured model identifier.
	Model() string
}

// Stream delivers chunks as they arrive. The channel closes when the stream
// ends; Err reports how it ended and is valid only after the close.
type Stream struct {
	chunks chan chat.StreamChunk
	err    error
}

func newStream() *Stream {
	return &Stream{chunks: make(chan chat.StreamChunk, 64)}
}

// Chunks returns the chunk channel.
func (s *Stream) Chunks() <-chan chat.StreamChunk {
	return s.chunks
}

// Err returns the terminal error, nil for a clean finish. Only valid after
// the chunk channel has closed.
func (s *Stream) Err() error {
	return s.err
}

// NewReplayStream returns a Stream that replays the given chunks and then
// finishes with err. Used by fakes standing in for a live connection.
func NewReplayStream(chunks []chat.StreamChunk, err error) *Stream {
	s := newStream()
	go func() {
		for _, chunk := range chunks {
			s.chunks <- chunk
		}
		s.finish(err)
	}()
	return s
}

func (s *Stream) finish(err error) {
	s.err = err
	close(s.chunks)
}

// emit delivers a chunk unless the consumer has gone away.
func (s *Stream) emit(ctx context.Context, chunk chat.StreamChunk) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Options configures a client. Zero timeouts fall back to defaults.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	// MaxTokens is the default completion cap.
	MaxTokens int
	// ConnectionTimeout bounds the wait for response headers.
	ConnectionTimeout time.Duration
	// ActivityTimeout bounds the gap between consecutive stream events.
	ActivityTimeout time.Duration
	// RequestTimeout bounds a whole blocking call.
	RequestTimeout time.Duration
	MaxRetries     int
	HTTPClient     *http.Client
}

const (
	defaultConnectionTimeout = 30 * time.Second
	defaultActivityTimeout   = 120 * time.Second
	defaultRequestTimeout    = 5 * time.Minute
	defaultMaxRetries        = 3
	defaultMaxTokens         = 4096
)

func (o *Options) applyDefaults() {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = defaultConnectionTimeout
	}
	if o.ActivityTimeout <= 0 {
		o.ActivityTimeout = defaultActivityTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = defaultMaxTokens
	}
	if o.HTTPClient == nil {
		// Streaming responses stay open far longer than any sane
		// client-level timeout; the watchdog timers bound them instead.
		o.HTTPClient = &http.Client{}
	}
}
