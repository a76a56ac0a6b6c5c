package ai

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chatmate/backend/internal/config"
	"github.com/zhouzirui/chatmate/backend/internal/model/persona"
)

// historyLimit caps how many prior messages are replayed to the model per turn.
const historyLimit = 20

// TransportError reports that a reply stream could not be opened or continued.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TextStream is a finite, ordered sequence of reply fragments. Recv returns
// io.EOF once the model has finished the turn.
type TextStream interface {
	Recv() (string, error)
	Close()
}

// Client owns the configured chat model and the compiled prompt chain.
type Client struct {
	cfg          config.AIConfig
	systemPrompt string
	chain        compose.Runnable[map[string]any, *schema.Message]
}

// NewClient validates credentials and builds the chat model for cfg.Provider.
// Missing credentials are reported as *config.ConfigurationError.
func NewClient(ctx context.Context, cfg config.AIConfig, p persona.Persona) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	chatModel, err := newChatModel(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create chat model")
	}

	return NewClientWithModel(ctx, chatModel, cfg, p)
}

// NewClientWithModel compiles the chain around an already constructed model.
func NewClientWithModel(ctx context.Context, chatModel model.BaseChatModel, cfg config.AIConfig, p persona.Persona) (*Client, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile chat chain")
	}

	return &Client{
		cfg:          cfg,
		systemPrompt: BuildSystemPrompt(p),
		chain:        runnable,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.cfg.Model
}

// OpenSession creates a conversation context bound to this client's model,
// persona and sampling parameters.
func (c *Client) OpenSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session := &Session{
		id:     uuid.NewString(),
		client: c,
	}
	log.Info().Str("component", "ai").Str("session", session.id).Str("model", c.cfg.Model).Msg("session opened")
	return session, nil
}

// Session is one server-side conversation context. Turns must be issued
// sequentially; the history only grows after a turn completes.
type Session struct {
	id     string
	client *Client

	mu      sync.Mutex
	history []*schema.Message
}

// SendStream issues one turn and returns the reply as a lazy stream.
func (s *Session) SendStream(ctx context.Context, text string) (TextStream, error) {
	input := map[string]any{
		"system":  s.client.systemPrompt,
		"history": s.recentHistory(),
		"query":   text,
	}

	reader, err := s.client.chain.Stream(ctx, input)
	if err != nil {
		return nil, &TransportError{Op: "open stream", Err: err}
	}

	return &replyStream{reader: reader, session: s, query: text}, nil
}

// History returns a copy of the committed turns.
func (s *Session) History() []*schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*schema.Message(nil), s.history...)
}

func (s *Session) recentHistory() []*schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if len(s.history) > historyLimit {
		start = len(s.history) - historyLimit
	}
	return append([]*schema.Message(nil), s.history[start:]...)
}

func (s *Session) commit(query string, chunks []*schema.Message) {
	reply := ""
	if len(chunks) > 0 {
		merged, err := schema.ConcatMessages(chunks)
		if err != nil {
			log.Warn().Err(err).Str("component", "ai").Str("session", s.id).Msg("concat reply chunks failed")
			var builder strings.Builder
			for _, chunk := range chunks {
				builder.WriteString(chunk.Content)
			}
			reply = builder.String()
		} else {
			reply = merged.Content
		}
	}

	s.mu.Lock()
	s.history = append(s.history, schema.UserMessage(query), schema.AssistantMessage(reply, nil))
	s.mu.Unlock()

	log.Debug().Str("component", "ai").Str("session", s.id).Int("length", len(reply)).Msg("turn committed")
}

type replyStream struct {
	reader  *schema.StreamReader[*schema.Message]
	session *Session
	query   string
	chunks  []*schema.Message
	done    bool
	err     error
}

func (r *replyStream) Recv() (string, error) {
	if r.done {
		return "", io.EOF
	}
	if r.err != nil {
		return "", r.err
	}

	for {
		chunk, err := r.reader.Recv()
		if errors.Is(err, io.EOF) {
			r.done = true
			r.session.commit(r.query, r.chunks)
			return "", io.EOF
		}
		if err != nil {
			r.err = &TransportError{Op: "receive", Err: err}
			return "", r.err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		r.chunks = append(r.chunks, chunk)
		return chunk.Content, nil
	}
}

func (r *replyStream) Close() {
	r.reader.Close()
}
