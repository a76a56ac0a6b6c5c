package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/chatmate/backend/internal/model/persona"
)

// BuildSystemPrompt renders the fixed system instruction for a persona.
func BuildSystemPrompt(p persona.Persona) string {
	var builder strings.Builder
	builder.WriteString(strings.TrimSpace(p.SystemInstruction))

	if p.Name != "" || p.Tone != "" {
		builder.WriteString("\n\nCharacter:")
		if p.Name != "" {
			builder.WriteString(fmt.Sprintf("\n- Name: %s", p.Name))
		}
		if p.Title != "" {
			builder.WriteString(fmt.Sprintf("\n- Role: %s", p.Title))
		}
		if p.Tone != "" {
			builder.WriteString(fmt.Sprintf("\n- Tone: %s", p.Tone))
		}
		if len(p.Traits) > 0 {
			builder.WriteString(fmt.Sprintf("\n- Traits: %s", strings.Join(p.Traits, ", ")))
		}
	}

	if len(p.Boundaries) > 0 {
		builder.WriteString("\n\nRules:")
		for _, rule := range p.Boundaries {
			builder.WriteString("\n- ")
			builder.WriteString(rule)
		}
	}

	if p.Greeting != "" {
		builder.WriteString("\n\nYou opened the conversation with: ")
		builder.WriteString(p.Greeting)
	}

	return builder.String()
}
