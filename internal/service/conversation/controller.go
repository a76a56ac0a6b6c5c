package conversation

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chatmate/backend/internal/model/chat"
	"github.com/zhouzirui/chatmate/backend/internal/model/persona"
	"github.com/zhouzirui/chatmate/backend/internal/service/ai"
)

const (
	unknownInitMessage = "An unknown error occurred during initialization."
	sendFailureMessage = "Sorry, I encountered an error. Please try again."
)

var errUnknownInit = errors.New("unknown initialization failure")

// Session issues turns against an open conversation context.
type Session interface {
	SendStream(ctx context.Context, text string) (ai.TextStream, error)
}

// Opener opens the single session a controller drives.
type Opener func(ctx context.Context) (Session, error)

// ClientOpener opens sessions on an ai.Client.
func ClientOpener(client *ai.Client) Opener {
	return func(ctx context.Context) (Session, error) {
		if client == nil {
			return nil, errUnknownInit
		}
		session, err := client.OpenSession(ctx)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

// FailedOpener always fails with err, used when the client could not be built.
func FailedOpener(err error) Opener {
	return func(context.Context) (Session, error) {
		return nil, err
	}
}

// Snapshot is a copy of the controller state.
type Snapshot struct {
	Messages []chat.Message `json:"messages"`
	Loading  bool           `json:"loading"`
	Error    string         `json:"error,omitempty"`
	Ready    bool           `json:"ready"`
}

// Controller owns the message thread and drives one session.
type Controller struct {
	open    Opener
	persona persona.Persona

	mu        sync.Mutex
	session   Session
	messages  []chat.Message
	loading   bool
	lastError string
	turn      Listener // 当前轮次的专属监听者

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// New creates a controller. Call Initialize before sending.
func New(open Opener, p persona.Persona) *Controller {
	return &Controller{
		open:      open,
		persona:   p,
		listeners: make(map[int]Listener),
	}
}

// Initialize opens the session and seeds the greeting. On failure the thread
// stays empty and the error is kept for display; there is no retry.
func (c *Controller) Initialize(ctx context.Context) error {
	session, err := c.openSession(ctx)
	if err != nil {
		message := initErrorMessage(err)
		log.Warn().Err(err).Str("component", "conversation").Msg("failed to initialize session")

		c.mu.Lock()
		c.session = nil
		c.messages = nil
		c.lastError = message
		c.mu.Unlock()

		c.emit(Event{Type: EventError, Error: message})
		return err
	}

	greeting := chat.Message{Role: chat.RoleModel, Content: c.persona.Greeting}

	c.mu.Lock()
	c.session = session
	c.messages = []chat.Message{greeting}
	c.lastError = ""
	c.mu.Unlock()

	c.emit(Event{Type: EventMessage, Index: 0, Message: &greeting})
	return nil
}

func (c *Controller) openSession(ctx context.Context) (session Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			session = nil
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = errUnknownInit
		}
	}()

	if c.open == nil {
		return nil, errUnknownInit
	}
	session, err = c.open(ctx)
	if err == nil && session == nil {
		err = errUnknownInit
	}
	return session, err
}

func initErrorMessage(err error) string {
	if err == nil || errors.Is(err, errUnknownInit) || strings.TrimSpace(err.Error()) == "" {
		return unknownInitMessage
	}
	return fmt.Sprintf("Failed to initialize AI session: %s. Please check your API key.", err.Error())
}

// SendMessage runs one turn to completion and reports whether it started.
// It is a silent no-op without a session, while a turn is in flight, or for
// blank text.
func (c *Controller) SendMessage(ctx context.Context, text string) bool {
	return c.send(ctx, text, nil)
}

// StreamMessage is SendMessage with l receiving exactly the events of this
// turn, after the other listeners. l is never called for a rejected send.
func (c *Controller) StreamMessage(ctx context.Context, text string, l Listener) bool {
	return c.send(ctx, text, l)
}

func (c *Controller) send(ctx context.Context, text string, turn Listener) bool {
	c.mu.Lock()
	if c.session == nil || c.loading || strings.TrimSpace(text) == "" {
		c.mu.Unlock()
		return false
	}
	c.turn = turn

	session := c.session
	hadError := c.lastError != ""
	c.lastError = ""
	c.loading = true

	user := chat.Message{Role: chat.RoleUser, Content: text}
	placeholder := chat.Message{Role: chat.RoleModel}
	c.messages = append(c.messages, user, placeholder)
	userIndex := len(c.messages) - 2
	c.mu.Unlock()

	if hadError {
		c.emit(Event{Type: EventError})
	}
	c.emit(
		Event{Type: EventLoading, Loading: true},
		Event{Type: EventMessage, Index: userIndex, Message: &user},
		Event{Type: EventMessage, Index: userIndex + 1, Message: &placeholder},
	)

	defer c.finishTurn()
	c.consume(ctx, session, text)
	return true
}

func (c *Controller) consume(ctx context.Context, session Session, text string) {
	defer func() {
		if r := recover(); r != nil {
			c.failTurn(errors.Errorf("reply stream panicked: %v", r))
		}
	}()

	stream, err := session.SendStream(ctx, text)
	if err != nil {
		c.failTurn(err)
		return
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			c.failTurn(err)
			return
		}
		c.appendChunk(chunk)
	}
}

// appendChunk only extends the tail when it is a model message.
func (c *Controller) appendChunk(chunk string) {
	c.mu.Lock()
	last := len(c.messages) - 1
	if last < 0 || c.messages[last].Role != chat.RoleModel {
		c.mu.Unlock()
		return
	}
	c.messages[last].Content += chunk
	c.mu.Unlock()

	c.emit(Event{Type: EventDelta, Index: last, Delta: chunk})
}

func (c *Controller) failTurn(err error) {
	log.Warn().Err(err).Str("component", "conversation").Msg("reply stream failed")

	c.mu.Lock()
	c.lastError = sendFailureMessage

	var event Event
	last := len(c.messages) - 1
	if last >= 0 && c.messages[last].Role == chat.RoleModel && c.messages[last].Content == "" {
		c.messages[last].Content = sendFailureMessage
		msg := c.messages[last]
		event = Event{Type: EventUpdate, Index: last, Message: &msg}
	} else {
		msg := chat.Message{Role: chat.RoleModel, Content: sendFailureMessage}
		c.messages = append(c.messages, msg)
		event = Event{Type: EventMessage, Index: len(c.messages) - 1, Message: &msg}
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventError, Error: sendFailureMessage}, event)
}

func (c *Controller) finishTurn() {
	c.mu.Lock()
	c.loading = false
	turn := c.turn
	c.turn = nil
	c.mu.Unlock()

	ev := Event{Type: EventLoading, Loading: false}
	c.emit(ev)
	if turn != nil {
		turn(ev)
	}
}

// Loading reports whether a turn is in flight.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Ready reports whether a session is open.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		Messages: append([]chat.Message{}, c.messages...),
		Loading:  c.loading,
		Error:    c.lastError,
		Ready:    c.session != nil,
	}
}
