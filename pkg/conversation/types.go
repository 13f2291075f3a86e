package conversation

import (
	"fmt"
	"sort"
)

// Role identifies who authored a turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in the conversation
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Persona selects the system prompt and reply length used for a question
type Persona struct {
	Name              string `json:"name"`
	SystemPrompt      string `json:"system_prompt"`
	MaxResponseTokens int    `json:"max_tokens"`
}

// Registry is a fixed set of personas keyed by name
type Registry struct {
	personas map[string]Persona
	fallback string
}

// NewRegistry builds a registry. The fallback persona must be part of the set.
func NewRegistry(personas []Persona, fallback string) (*Registry, error) {
	if len(personas) == 0 {
		return nil, fmt.Errorf("conversation: registry needs at least one persona")
	}
	r := &Registry{
		personas: make(map[string]Persona, len(personas)),
		fallback: fallback,
	}
	for _, p := range personas {
		if p.Name == "" {
			return nil, fmt.Errorf("conversation: persona with empty name")
		}
		if _, dup := r.personas[p.Name]; dup {
			return nil, fmt.Errorf("conversation: duplicate persona %q", p.Name)
		}
		r.personas[p.Name] = p
	}
	if _, ok := r.personas[fallback]; !ok {
		return nil, fmt.Errorf("conversation: default persona %q is not registered", fallback)
	}
	return r, nil
}

// Lookup returns the persona with the given name
func (r *Registry) Lookup(name string) (Persona, bool) {
	p, ok := r.personas[name]
	return p, ok
}

// Default returns the persona that is active at startup
func (r *Registry) Default() Persona {
	return r.personas[r.fallback]
}

// Names returns all persona names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.personas))
	for name := range r.personas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
