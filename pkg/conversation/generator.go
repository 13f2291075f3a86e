package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultTemperature = 0.7
)

// CompletionRequest is what the language model backend receives
type CompletionRequest struct {
	Model       string
	Messages    []Turn
	MaxTokens   int
	Temperature float64
}

// Completer is the language model backend
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// GeneratorConfig holds generator settings
type GeneratorConfig struct {
	Model       string
	Temperature float64
	Timeout     time.Duration
	WindowSize  int
	Logger      *zap.Logger
}

// Generator produces assistant replies and owns the conversation window and
// the active persona.
type Generator struct {
	llm         Completer
	registry    *Registry
	window      *Window
	model       string
	temperature float64
	timeout     time.Duration
	logger      *zap.Logger

	mu      sync.RWMutex
	persona Persona
}

// NewGenerator creates a generator starting with the registry's default persona
func NewGenerator(llm Completer, registry *Registry, config GeneratorConfig) (*Generator, error) {
	if llm == nil {
		return nil, errors.New("conversation: completer must not be nil")
	}
	if registry == nil {
		return nil, errors.New("conversation: persona registry must not be nil")
	}
	if strings.TrimSpace(config.Model) == "" {
		return nil, errors.New("conversation: model must not be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Generator{
		llm:         llm,
		registry:    registry,
		window:      NewWindow(config.WindowSize),
		model:       config.Model,
		temperature: config.Temperature,
		timeout:     config.Timeout,
		logger:      config.Logger,
		persona:     registry.Default(),
	}, nil
}

// Generate asks the backend to answer question. The question and the answer
// are only recorded in the history when the call succeeds.
func (g *Generator) Generate(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", newError(ErrorInvalidInput, "empty_question", nil)
	}

	persona := g.Persona()
	req := CompletionRequest{
		Model:       g.model,
		Messages:    BuildPrompt(persona, g.window.Turns(), question),
		MaxTokens:   persona.MaxResponseTokens,
		Temperature: g.temperature,
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	g.logger.Info("requesting answer",
		zap.String("persona", persona.Name),
		zap.Int("messages", len(req.Messages)),
		zap.String("question", preview(question)))

	answer, err := g.llm.Complete(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return "", newError(ErrorTimeout, "llm_timeout", err)
		}
		return "", newError(ErrorUpstream, "llm_error", err)
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", newError(ErrorUpstream, "llm_empty_answer", nil)
	}

	g.window.AppendPair(question, answer)
	g.logger.Info("answer received", zap.Int("length", len(answer)))
	return answer, nil
}

// SetPersona switches the active persona. History is kept.
func (g *Generator) SetPersona(name string) error {
	p, ok := g.registry.Lookup(name)
	if !ok {
		g.logger.Warn("unknown persona", zap.String("persona", name))
		return fmt.Errorf("%w: %s", ErrUnknownPersona, name)
	}

	g.mu.Lock()
	g.persona = p
	g.mu.Unlock()

	g.logger.Info("persona changed", zap.String("persona", name))
	return nil
}

// Persona returns the active persona
func (g *Generator) Persona() Persona {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.persona
}

// DefaultPersona returns the persona the generator started with
func (g *Generator) DefaultPersona() Persona {
	return g.registry.Default()
}

// ClearHistory empties the conversation window
func (g *Generator) ClearHistory() {
	g.window.Clear()
	g.logger.Info("history cleared")
}

// HistoryLen returns the number of turns in the window
func (g *Generator) HistoryLen() int {
	return g.window.Len()
}

// History returns a copy of the window
func (g *Generator) History() []Turn {
	return g.window.Turns()
}

func preview(s string) string {
	const max = 100
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
