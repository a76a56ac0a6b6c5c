package persona

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Persona captures the companion character the model plays for the whole session.
type Persona struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	Title             string   `json:"title" yaml:"title"`
	Tone              string   `json:"tone" yaml:"tone"`
	SystemInstruction string   `json:"-" yaml:"systemInstruction"`
	Greeting          string   `json:"greeting" yaml:"greeting"`
	Traits            []string `json:"traits,omitempty" yaml:"traits"`
	Boundaries        []string `json:"-" yaml:"boundaries"`
}

// Default returns the built-in Chatmate persona.
func Default() Persona {
	return Persona{
		ID:    "chatmate",
		Name:  "Chatmate",
		Title: "Empathetic AI companion",
		Tone:  "warm, patient, non-judgmental",
		SystemInstruction: "You are Chatmate, an empathetic AI companion. Listen carefully, reflect the user's " +
			"feelings back to them, and respond with warmth and encouragement. Keep replies concise and conversational. " +
			"Ask gentle follow-up questions to help the user explore what they feel.",
		Greeting: "Hello! I'm Chatmate, your empathetic AI companion. How are you feeling today?",
		Traits:   []string{"empathetic", "supportive", "curious", "calm"},
		Boundaries: []string{
			"You are not a therapist or a doctor; never diagnose or prescribe.",
			"If the user mentions self-harm or danger, encourage them to contact local emergency services or a crisis line.",
		},
	}
}

// LoadFile reads a persona from a YAML file. Empty fields fall back to Default.
func LoadFile(path string) (Persona, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, errors.Wrapf(err, "read persona file %s", path)
	}

	var p Persona
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Persona{}, errors.Wrapf(err, "parse persona file %s", path)
	}

	return p.withDefaults(), nil
}

func (p Persona) withDefaults() Persona {
	def := Default()
	if strings.TrimSpace(p.ID) == "" {
		p.ID = def.ID
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = def.Name
	}
	if strings.TrimSpace(p.SystemInstruction) == "" {
		p.SystemInstruction = def.SystemInstruction
	}
	if strings.TrimSpace(p.Greeting) == "" {
		p.Greeting = def.Greeting
	}
	return p
}
