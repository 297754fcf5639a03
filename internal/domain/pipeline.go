package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ServiceKind names a downstream service a step can invoke.
type ServiceKind string

const (
	ServiceASR       ServiceKind = "asr"
	ServiceLLM       ServiceKind = "llm"
	ServiceTTS       ServiceKind = "tts"
	ServiceAudioPost ServiceKind = "audio_post"
)

func (s ServiceKind) Valid() bool {
	switch s {
	case ServiceASR, ServiceLLM, ServiceTTS, ServiceAudioPost:
		return true
	default:
		return false
	}
}

// DefaultAction is used when a step omits its action.
func (s ServiceKind) DefaultAction() string {
	switch s {
	case ServiceASR:
		return "transcribe"
	case ServiceLLM:
		return "chat"
	case ServiceTTS:
		return "synthesize"
	case ServiceAudioPost:
		return "process"
	default:
		return ""
	}
}

var serviceActions = map[ServiceKind][]string{
	ServiceASR: {"transcribe"},
	ServiceLLM: {"chat", "process", "complete"},
	ServiceTTS: {"synthesize"},
}

// AllowsAction reports whether action is part of the service contract.
// audio_post accepts any operation name; the downstream service decides.
func (s ServiceKind) AllowsAction(action string) bool {
	allowed, ok := serviceActions[s]
	if !ok {
		return s == ServiceAudioPost && action != ""
	}
	for _, candidate := range allowed {
		if candidate == action {
			return true
		}
	}
	return false
}

type DefinitionStatus string

const (
	DefinitionActive   DefinitionStatus = "active"
	DefinitionInactive DefinitionStatus = "inactive"
	DefinitionArchived DefinitionStatus = "archived"
)

func (s DefinitionStatus) Valid() bool {
	switch s {
	case DefinitionActive, DefinitionInactive, DefinitionArchived:
		return true
	default:
		return false
	}
}

// Step is one entry of a pipeline's ordered step list.
type Step struct {
	Service ServiceKind     `json:"service" yaml:"service"`
	Action  string          `json:"action" yaml:"action"`
	Config  json.RawMessage `json:"config,omitempty" yaml:"-"`
}

// Name renders the step as service.action, the form used in error messages.
func (s Step) Name() string {
	return fmt.Sprintf("%s.%s", s.Service, s.Action)
}

// PipelineDefinition is a named, versioned, ordered step list owned by a user.
type PipelineDefinition struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	Steps       []Step
	Status      DefinitionStatus
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (d PipelineDefinition) Validate() error {
	if strings.TrimSpace(d.OwnerID) == "" {
		return NewValidationError("ownerId", "owner is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return NewValidationError("name", "name is required")
	}
	if d.Status != "" && !d.Status.Valid() {
		return NewValidationError("status", "unknown status %q", d.Status)
	}
	_, err := NormalizeSteps(d.Steps)
	return err
}

// Runnable reports whether new executions may be triggered.
func (d PipelineDefinition) Runnable() bool {
	return d.Status == DefinitionActive
}

// NormalizeSteps validates a step list and returns a copy with default
// actions and config filled in. Errors name the offending field.
func NormalizeSteps(steps []Step) ([]Step, error) {
	if len(steps) == 0 {
		return nil, NewValidationError("steps", "at least one step is required")
	}
	out := make([]Step, 0, len(steps))
	for i, step := range steps {
		field := fmt.Sprintf("steps[%d]", i)
		service := ServiceKind(strings.TrimSpace(string(step.Service)))
		if service == "" {
			return nil, NewValidationError(field+".service", "service is required")
		}
		if !service.Valid() {
			return nil, NewValidationError(field+".service", "unknown service %q", step.Service)
		}
		action := strings.TrimSpace(step.Action)
		if action == "" {
			action = service.DefaultAction()
		}
		if !service.AllowsAction(action) {
			return nil, NewValidationError(field+".action", "action %q is not supported by %s", action, service)
		}
		normalized := Step{Service: service, Action: action, Config: step.Config}
		if _, err := DecodeStepConfig(normalized); err != nil {
			return nil, NewValidationError(field+".config", "%s", err.Error())
		}
		out = append(out, normalized)
	}
	return out, nil
}

// CloneSteps deep-copies a step list so a snapshot never aliases the source.
func CloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, step := range steps {
		out[i] = step
		if step.Config != nil {
			out[i].Config = append(json.RawMessage(nil), step.Config...)
		}
	}
	return out
}
