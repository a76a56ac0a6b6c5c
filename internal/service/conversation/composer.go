package conversation

import (
	"context"
	"strings"
	"sync"

	"github.com/zhouzirui/chatmate/backend/internal/service/voice"
)

// VoiceInput is the part of the voice controller the composer drives.
type VoiceInput interface {
	State() voice.State
	Start()
	Stop()
	Subscribe(func(voice.State)) func()
}

// Composer holds the draft input and feeds it, typed or transcribed, into a Controller.
type Composer struct {
	controller *Controller
	voice      VoiceInput

	mu             sync.Mutex
	input          string
	lastTranscript string
	listeners      map[int]func(string)
	nextID         int

	unsubscribe func()
}

// NewComposer binds a composer to controller. voice may be nil.
func NewComposer(controller *Controller, v VoiceInput) *Composer {
	c := &Composer{
		controller: controller,
		voice:      v,
		listeners:  make(map[int]func(string)),
	}
	if v != nil {
		c.unsubscribe = v.Subscribe(func(s voice.State) {
			c.ApplyTranscript(s.Transcript)
		})
	}
	return c
}

// Input returns the current draft.
func (c *Composer) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// SetInput replaces the draft.
func (c *Composer) SetInput(text string) {
	c.mu.Lock()
	changed := c.input != text
	c.input = text
	c.mu.Unlock()

	if changed {
		c.notify(text)
	}
}

// ApplyTranscript replaces the draft with a new, non-empty transcript.
func (c *Composer) ApplyTranscript(transcript string) {
	c.mu.Lock()
	if transcript == "" || transcript == c.lastTranscript {
		c.lastTranscript = transcript
		c.mu.Unlock()
		return
	}
	c.lastTranscript = transcript
	c.mu.Unlock()

	c.SetInput(transcript)
}

// Submit stops an active recording, then sends the draft unless it is blank
// or a turn is already running. The draft is cleared once the controller
// accepts the turn and kept when it is rejected.
func (c *Composer) Submit(ctx context.Context) bool {
	if c.voice != nil && c.voice.State().IsRecording {
		c.voice.Stop()
	}

	c.mu.Lock()
	text := c.input
	c.mu.Unlock()
	if strings.TrimSpace(text) == "" || c.controller.Loading() {
		return false
	}

	var once sync.Once
	return c.controller.StreamMessage(ctx, text, func(Event) {
		once.Do(func() {
			c.mu.Lock()
			// 发送期间草稿已被改写则保留
			cleared := c.input == text
			if cleared {
				c.input = ""
			}
			c.mu.Unlock()
			if cleared {
				c.notify("")
			}
		})
	})
}

// ToggleVoice starts or stops recording; ignored while a turn is running.
func (c *Composer) ToggleVoice() {
	if c.voice == nil || c.controller.Loading() {
		return
	}

	state := c.voice.State()
	if !state.Supported {
		return
	}
	if state.IsRecording {
		c.voice.Stop()
		return
	}
	c.voice.Start()
}

// Subscribe registers fn for draft changes.
func (c *Composer) Subscribe(fn func(string)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close detaches the composer from voice input.
func (c *Composer) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

func (c *Composer) notify(input string) {
	c.mu.Lock()
	listeners := make([]func(string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(input)
	}
}
