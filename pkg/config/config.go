// Package config loads hub settings from flags, environment and the persona file.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"example.com/speech_hub/pkg/conversation"
	"example.com/speech_hub/pkg/stt"
)

const (
	DefaultAddr        = "localhost:8765"
	DefaultLLMBaseURL  = "https://api.proxyapi.ru/openai/v1"
	DefaultModel       = "gpt-3.5-turbo"
	DefaultMaxTokens   = 1000
	DefaultSampleRate  = 48000
	DefaultPersonaName = "general"
)

// ErrMissingAPIKey is returned when no language model key is configured
var ErrMissingAPIKey = errors.New("config: LLM_API_KEY (or PROXYAPI_KEY) is not set")

// LLM holds language model backend settings
type LLM struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// STT holds speech-to-text settings. An empty Provider selects the stub engine.
type STT struct {
	Provider   stt.Provider
	APIKey     string
	Language   string
	SampleRate int
}

// Config is the complete hub configuration
type Config struct {
	Addr             string
	LLM              LLM
	STT              STT
	HistorySize      int
	StopGrace        time.Duration
	SendTimeout      time.Duration
	SecurityInterval time.Duration
	SecurityMonitor  bool
	LogDev           bool

	PersonasPath   string
	Personas       []conversation.Persona
	DefaultPersona string
}

// Load parses args (without the program name) and reads keys through getenv
func Load(args []string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	fs := flag.NewFlagSet("speech_hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cfg := &Config{}
	llmKey := getenv("LLM_API_KEY")
	if llmKey == "" {
		llmKey = getenv("PROXYAPI_KEY")
	}

	fs.StringVar(&cfg.Addr, "addr", DefaultAddr, "Listen address")
	fs.StringVar(&cfg.LLM.APIKey, "llm-key", llmKey, "Language model API key")
	fs.StringVar(&cfg.LLM.BaseURL, "llm-url", envOr(getenv, "LLM_BASE_URL", DefaultLLMBaseURL), "OpenAI-compatible base URL")
	fs.StringVar(&cfg.LLM.Model, "model", envOr(getenv, "LLM_MODEL", DefaultModel), "Chat model")
	fs.Float64Var(&cfg.LLM.Temperature, "temperature", conversation.DefaultTemperature, "Sampling temperature")
	fs.IntVar(&cfg.LLM.MaxTokens, "max-tokens", DefaultMaxTokens, "Reply token limit for personas without their own")
	fs.DurationVar(&cfg.LLM.Timeout, "llm-timeout", conversation.DefaultTimeout, "Language model call timeout")
	fs.IntVar(&cfg.HistorySize, "history", conversation.DefaultWindowSize, "Conversation turns kept as context")
	fs.DurationVar(&cfg.StopGrace, "stop-grace", 2*time.Second, "How long stop waits for the recognition worker")
	fs.DurationVar(&cfg.SendTimeout, "send-timeout", 5*time.Second, "Per-viewer send timeout")
	fs.DurationVar(&cfg.SecurityInterval, "security-interval", 5*time.Second, "Process scan interval")
	fs.BoolVar(&cfg.SecurityMonitor, "security", true, "Watch for screen capture software")
	fs.BoolVar(&cfg.LogDev, "log-dev", false, "Human readable debug logging")
	fs.StringVar(&cfg.PersonasPath, "personas", "", "Path to personas.json")
	fs.StringVar(&cfg.DefaultPersona, "persona", "", "Persona active at startup")

	provider := fs.String("stt", "auto", "Speech-to-text provider: auto, deepgram, assemblyai or stub")
	deepgramKey := fs.String("deepgram-key", getenv("DEEPGRAM_API_KEY"), "Deepgram API key")
	assemblyKey := fs.String("assemblyai-key", getenv("ASSEMBLYAI_API_KEY"), "AssemblyAI API key")
	fs.StringVar(&cfg.STT.Language, "language", envOr(getenv, "STT_LANGUAGE", ""), "Recognition language")
	fs.IntVar(&cfg.STT.SampleRate, "sample-rate", DefaultSampleRate, "Rate ingested audio is decoded at and streamed to STT: 8000, 12000, 16000, 24000 or 48000")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return nil, fmt.Errorf("config: invalid listen address %q: %w", cfg.Addr, err)
	}
	if cfg.HistorySize <= 0 {
		return nil, fmt.Errorf("config: history size must be positive, got %d", cfg.HistorySize)
	}
	if cfg.LLM.MaxTokens <= 0 {
		return nil, fmt.Errorf("config: max tokens must be positive, got %d", cfg.LLM.MaxTokens)
	}
	switch cfg.STT.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("config: unsupported sample rate %d", cfg.STT.SampleRate)
	}

	if err := cfg.selectSTT(*provider, *deepgramKey, *assemblyKey); err != nil {
		return nil, err
	}
	if err := cfg.loadPersonas(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

// selectSTT prefers AssemblyAI, then Deepgram, when the provider is auto
func (c *Config) selectSTT(provider, deepgramKey, assemblyKey string) error {
	switch provider {
	case "auto":
		switch {
		case assemblyKey != "":
			c.STT.Provider, c.STT.APIKey = stt.ProviderAssemblyAI, assemblyKey
		case deepgramKey != "":
			c.STT.Provider, c.STT.APIKey = stt.ProviderDeepgram, deepgramKey
		}
	case "stub":
	case string(stt.ProviderDeepgram):
		c.STT.Provider, c.STT.APIKey = stt.ProviderDeepgram, deepgramKey
	case string(stt.ProviderAssemblyAI):
		c.STT.Provider, c.STT.APIKey = stt.ProviderAssemblyAI, assemblyKey
	default:
		return fmt.Errorf("config: unknown stt provider %q", provider)
	}
	return nil
}

// PersonaFile is the on-disk persona format
type PersonaFile struct {
	Default  string                 `json:"default"`
	Personas map[string]PersonaSpec `json:"personas"`
}

// PersonaSpec is one persona entry; the name is the map key
type PersonaSpec struct {
	Description  string `json:"description,omitempty"`
	SystemPrompt string `json:"system_prompt"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

// BuiltinPersonas are used when no persona file is found
func BuiltinPersonas() PersonaFile {
	return PersonaFile{
		Default: DefaultPersonaName,
		Personas: map[string]PersonaSpec{
			"technical": {
				SystemPrompt: "You are an experienced engineer. Answer briefly, precisely and to the point. Give concrete code examples when needed.",
				MaxTokens:    800,
			},
			"hr": {
				SystemPrompt: "You are an HR consultant. Help with behavioral questions, soft skills and company culture.",
				MaxTokens:    600,
			},
			"sales": {
				SystemPrompt: "You are a sales expert. Help with negotiation, handling objections and closing deals.",
				MaxTokens:    500,
			},
			"general": {
				SystemPrompt: "You are a smart assistant. Answer briefly, to the point and helpfully.",
				MaxTokens:    600,
			},
		},
	}
}

// ReadPersonaFile parses a persona file
func ReadPersonaFile(path string) (PersonaFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PersonaFile{}, fmt.Errorf("config: read personas: %w", err)
	}
	var pf PersonaFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return PersonaFile{}, fmt.Errorf("config: parse personas %s: %w", path, err)
	}
	if len(pf.Personas) == 0 {
		return PersonaFile{}, fmt.Errorf("config: %s defines no personas", path)
	}
	return pf, nil
}

// FindPersonaFile looks next to the executable and then relative to the
// working directory. It returns "" when nothing is found.
func FindPersonaFile() string {
	if exe, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(exe), "config", "personas.json")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range []string{
		"config/personas.json",
		"../config/personas.json",
		"../../config/personas.json",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *Config) loadPersonas() error {
	pf := BuiltinPersonas()
	path := c.PersonasPath
	if path == "" {
		path = FindPersonaFile()
	}
	if path != "" {
		loaded, err := ReadPersonaFile(path)
		if err != nil {
			return err
		}
		pf = loaded
		c.PersonasPath = path
	}

	names := make([]string, 0, len(pf.Personas))
	for name := range pf.Personas {
		names = append(names, name)
	}
	sort.Strings(names)

	c.Personas = c.Personas[:0]
	for _, name := range names {
		ps := pf.Personas[name]
		maxTokens := ps.MaxTokens
		if maxTokens <= 0 {
			maxTokens = c.LLM.MaxTokens
		}
		c.Personas = append(c.Personas, conversation.Persona{
			Name:              name,
			SystemPrompt:      strings.TrimSpace(ps.SystemPrompt),
			MaxResponseTokens: maxTokens,
		})
	}

	if c.DefaultPersona == "" {
		c.DefaultPersona = pf.Default
	}
	if c.DefaultPersona == "" {
		c.DefaultPersona = DefaultPersonaName
	}
	if _, ok := pf.Personas[c.DefaultPersona]; !ok {
		return fmt.Errorf("config: default persona %q not defined (have %s)", c.DefaultPersona, strings.Join(names, ", "))
	}
	return nil
}

// Registry builds the persona registry
func (c *Config) Registry() (*conversation.Registry, error) {
	return conversation.NewRegistry(c.Personas, c.DefaultPersona)
}
