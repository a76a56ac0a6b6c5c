package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chatmate/backend/internal/model/chat"
	"github.com/zhouzirui/chatmate/backend/internal/model/persona"
	"github.com/zhouzirui/chatmate/backend/internal/service/voice"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Instance is one app lifetime: a controller, its voice input and composer.
type Instance struct {
	Info       chat.Conversation
	Controller *Controller
	Voice      *voice.Controller
	Composer   *Composer
}

// Close releases the voice recognizer.
func (i *Instance) Close() {
	i.Composer.Close()
	i.Voice.Close()
}

// Registry keeps live conversations in memory.
type Registry struct {
	open         Opener
	persona      persona.Persona
	voiceFactory voice.Factory

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewRegistry bootstraps the in-memory registry. voiceFactory may be nil.
func NewRegistry(open Opener, p persona.Persona, voiceFactory voice.Factory) *Registry {
	return &Registry{
		open:         open,
		persona:      p,
		voiceFactory: voiceFactory,
		instances:    make(map[string]*Instance),
	}
}

// Create provisions and initializes a conversation. Initialization failures
// are kept in the controller state; the conversation is still registered.
func (r *Registry) Create(ctx context.Context) *Instance {
	controller := New(r.open, r.persona)
	if err := controller.Initialize(ctx); err != nil {
		log.Debug().Err(err).Str("component", "registry").Msg("conversation created without session")
	}

	v := voice.New(r.voiceFactory)
	inst := &Instance{
		Info: chat.Conversation{
			ID:        uuid.NewString(),
			CreatedAt: time.Now().UTC(),
		},
		Controller: controller,
		Voice:      v,
		Composer:   NewComposer(controller, v),
	}

	r.mu.Lock()
	r.instances[inst.Info.ID] = inst
	r.mu.Unlock()

	log.Info().Str("component", "registry").Str("conversation", inst.Info.ID).Bool("ready", controller.Ready()).Msg("conversation created")
	return inst
}

// Get retrieves a conversation by identifier.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return inst, nil
}

// Remove unregisters and tears down a conversation.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()

	if !ok {
		return ErrConversationNotFound
	}
	inst.Close()
	return nil
}

// Len returns the number of live conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Close tears down every conversation.
func (r *Registry) Close() {
	r.mu.Lock()
	instances := r.instances
	r.instances = make(map[string]*Instance)
	r.mu.Unlock()

	for _, inst := range instances {
		inst.Close()
	}
}
