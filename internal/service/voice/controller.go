package voice

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chatmate/backend/internal/model/speech"
)

const startFailureMessage = "Could not start voice recognition."

// ErrNotRecording is returned by WriteAudio outside a recording.
var ErrNotRecording = errors.New("voice input is not recording")

// Recognizer is a platform speech recognition session. Start and Stop must
// not invoke the handlers synchronously.
type Recognizer interface {
	Start() error
	Stop()
}

// AudioWriter is implemented by recognizers that consume raw audio.
type AudioWriter interface {
	WriteAudio(pcm []byte) error
}

// Factory acquires a recognizer bound to the given handlers. Returning
// speech.ErrUnsupported (or any error) marks voice input unsupported.
type Factory func(rc speech.RecognizerConfig, h speech.Handlers) (Recognizer, error)

// State is the observable voice input state.
type State struct {
	IsRecording bool   `json:"isRecording"`
	Transcript  string `json:"transcript"`
	Supported   bool   `json:"supported"`
	Error       string `json:"error,omitempty"`
}

// Option customises a Controller.
type Option func(*options)

type options struct {
	recognizer speech.RecognizerConfig
}

// WithRecognizerConfig overrides the recognizer configuration.
func WithRecognizerConfig(rc speech.RecognizerConfig) Option {
	return func(o *options) {
		o.recognizer = rc
	}
}

// Controller is the Idle/Recording state machine over a Recognizer.
type Controller struct {
	mu    sync.Mutex
	rec   Recognizer
	state State

	// listening 从 Start 成功到平台 end/error 事件为止，覆盖显式 Stop 之后的收尾结果
	listening bool
	starting  bool
	closed    bool

	listenersMu sync.Mutex
	listeners   map[int]func(State)
	nextID      int
}

// New acquires the recognizer once. Support is decided here and never changes.
func New(factory Factory, opts ...Option) *Controller {
	o := options{recognizer: speech.DefaultRecognizerConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{listeners: make(map[int]func(State))}
	if factory == nil {
		return c
	}

	rec, err := factory(o.recognizer, speech.Handlers{
		OnResult: c.HandleResult,
		OnError:  c.HandleError,
		OnEnd:    c.HandleEnd,
	})
	if err != nil || rec == nil {
		if err != nil && !errors.Is(err, speech.ErrUnsupported) {
			log.Warn().Err(err).Str("component", "voice").Msg("speech recognizer unavailable")
		}
		return c
	}

	c.rec = rec
	c.state.Supported = true
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start moves Idle to Recording. It is ignored when unsupported, already
// recording or still starting; a failing platform start leaves the controller
// Idle with an error. The platform start runs without the state lock.
func (c *Controller) Start() {
	c.mu.Lock()
	if !c.state.Supported || c.state.IsRecording || c.starting || c.closed {
		c.mu.Unlock()
		return
	}

	c.starting = true
	c.state.Transcript = ""
	c.state.Error = ""
	// 平台会话可能在 Start 返回前就推送结果
	c.listening = true
	rec := c.rec
	c.mu.Unlock()

	err := rec.Start()

	c.mu.Lock()
	c.starting = false
	if c.closed {
		c.mu.Unlock()
		if err == nil {
			rec.Stop()
		}
		return
	}
	switch {
	case err != nil:
		log.Warn().Err(err).Str("component", "voice").Msg("failed to start recognition")
		c.state.Error = startFailureMessage
		c.state.IsRecording = false
		c.listening = false
	case c.listening:
		c.state.IsRecording = true
	default:
		// 启动期间已收到 end/error 事件，保持 Idle
	}
	state := c.state
	c.mu.Unlock()

	c.notify(state)
}

// Stop moves Recording to Idle on explicit request.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.state.IsRecording {
		c.mu.Unlock()
		return
	}
	c.rec.Stop()
	c.state.IsRecording = false
	state := c.state
	c.mu.Unlock()

	c.notify(state)
}

// Close stops the recognizer unconditionally. The controller is unusable afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.listening = false
	wasRecording := c.state.IsRecording
	c.state.IsRecording = false

	if c.rec != nil {
		c.rec.Stop()
		if closer, ok := c.rec.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				log.Debug().Err(err).Str("component", "voice").Msg("close recognizer")
			}
		}
	}
	state := c.state
	c.mu.Unlock()

	if wasRecording {
		c.notify(state)
	}

	c.listenersMu.Lock()
	c.listeners = make(map[int]func(State))
	c.listenersMu.Unlock()
}

// WriteAudio forwards raw audio to the recognizer while recording.
func (c *Controller) WriteAudio(pcm []byte) error {
	c.mu.Lock()
	if !c.state.IsRecording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	writer, ok := c.rec.(AudioWriter)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return writer.WriteAudio(pcm)
}

// HandleResult appends the final segments from ev.ResultIndex on; interim
// segments are ignored.
func (c *Controller) HandleResult(ev speech.ResultEvent) {
	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return
	}

	start := ev.ResultIndex
	if start < 0 {
		start = 0
	}

	changed := false
	for i := start; i < len(ev.Results); i++ {
		result := ev.Results[i]
		if !result.Final {
			continue
		}
		segment := strings.TrimSpace(result.Transcript())
		if segment == "" {
			continue
		}
		c.state.Transcript = strings.TrimSpace(c.state.Transcript + " " + segment)
		changed = true
	}
	state := c.state
	c.mu.Unlock()

	if changed {
		c.notify(state)
	}
}

// HandleError forces Idle and records a microphone hint.
func (c *Controller) HandleError(ev speech.ErrorEvent) {
	log.Warn().Str("component", "voice").Str("code", ev.Code).Str("message", ev.Message).Msg("recognition error")

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.listening = false
	c.state.IsRecording = false
	c.state.Error = fmt.Sprintf("Error: %s. Please ensure microphone access is allowed.", ev.Code)
	state := c.state
	c.mu.Unlock()

	c.notify(state)
}

// HandleEnd treats a platform-initiated end exactly like an explicit stop.
func (c *Controller) HandleEnd() {
	c.mu.Lock()
	c.listening = false
	if !c.state.IsRecording {
		c.mu.Unlock()
		return
	}
	c.state.IsRecording = false
	state := c.state
	c.mu.Unlock()

	c.notify(state)
}

// Subscribe registers fn for state changes and returns a function that removes it.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Controller) notify(state State) {
	c.listenersMu.Lock()
	listeners := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}
