package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// StepConfig is the decoded, service-specific configuration of a step.
// Exactly one concrete type exists per ServiceKind.
type StepConfig interface {
	Service() ServiceKind
	// Source is the context field the step reads its primary input from.
	Source() string
}

type ASRConfig struct {
	Language   string `json:"language,omitempty"`
	Model      string `json:"model,omitempty"`
	InputField string `json:"inputField,omitempty"`
}

func (ASRConfig) Service() ServiceKind { return ServiceASR }
func (c ASRConfig) Source() string { return c.InputField }

type LLMConfig struct {
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	Title        string `json:"title,omitempty"`
	InputField   string `json:"inputField,omitempty"`
}

func (LLMConfig) Service() ServiceKind { return ServiceLLM }
func (c LLMConfig) Source() string { return c.InputField }

type TTSConfig struct {
	// Voice is left empty when unset; the TTS client applies its
	// configured default.
	Voice      string `json:"voice,omitempty"`
	Language   string `json:"language,omitempty"`
	InputField string `json:"inputField,omitempty"`
}

func (TTSConfig) Service() ServiceKind { return ServiceTTS }
func (c TTSConfig) Source() string { return c.InputField }

type AudioPostConfig struct {
	Operation  string `json:"operation,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	InputField string `json:"inputField,omitempty"`
}

func (AudioPostConfig) Service() ServiceKind { return ServiceAudioPost }
func (c AudioPostConfig) Source() string { return c.InputField }

const (
	DefaultLanguage = "en"
	DefaultLLMModel = "gpt-3.5-turbo"
	DefaultVoice    = "alloy"
)

// DecodeStepConfig parses step.Config into the variant for step.Service and
// applies defaults. Unknown fields are rejected.
func DecodeStepConfig(step Step) (StepConfig, error) {
	switch step.Service {
	case ServiceASR:
		cfg := ASRConfig{}
		if err := decodeStrict(step.Config, &cfg); err != nil {
			return nil, err
		}
		cfg.Language = defaultString(cfg.Language, DefaultLanguage)
		cfg.InputField = defaultString(cfg.InputField, "audioUrl")
		return cfg, nil
	case ServiceLLM:
		cfg := LLMConfig{}
		if err := decodeStrict(step.Config, &cfg); err != nil {
			return nil, err
		}
		cfg.Model = defaultString(cfg.Model, DefaultLLMModel)
		cfg.InputField = defaultString(cfg.InputField, "transcript")
		return cfg, nil
	case ServiceTTS:
		cfg := TTSConfig{}
		if err := decodeStrict(step.Config, &cfg); err != nil {
			return nil, err
		}
		cfg.Voice = strings.TrimSpace(cfg.Voice)
		cfg.Language = defaultString(cfg.Language, DefaultLanguage)
		cfg.InputField = defaultString(cfg.InputField, "completion")
		return cfg, nil
	case ServiceAudioPost:
		cfg := AudioPostConfig{}
		if err := decodeStrict(step.Config, &cfg); err != nil {
			return nil, err
		}
		if cfg.SampleRate < 0 {
			return nil, errors.New("sampleRate must be >= 0")
		}
		cfg.Operation = defaultString(cfg.Operation, step.Action)
		cfg.InputField = defaultString(cfg.InputField, "speechUrl")
		return cfg, nil
	default:
		return nil, fmt.Errorf("unknown service %q", step.Service)
	}
}

func decodeStrict(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func defaultString(v, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}
