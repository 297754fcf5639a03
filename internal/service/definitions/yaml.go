package definitions

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/mediaflow/internal/domain"
)

type yamlDefinition struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Steps       []yamlStep `yaml:"steps"`
}

type yamlStep struct {
	Service string         `yaml:"service"`
	Action  string         `yaml:"action,omitempty"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// ParseYAML decodes a YAML pipeline document:
//
//	name: voice-reply
//	steps:
//	  - service: asr
//	  - service: llm
//	    config:
//	      prompt: "Reply to: {{transcript}}"
//	  - service: tts
//	    config:
//	      voice: alloy
//
// The owner is not part of the document.
func ParseYAML(input []byte) (CreateInput, error) {
	var doc yamlDefinition
	if err := yaml.Unmarshal(input, &doc); err != nil {
		return CreateInput{}, domain.NewValidationError("body", "decode yaml: %s", err.Error())
	}
	steps := make([]domain.Step, 0, len(doc.Steps))
	for i, s := range doc.Steps {
		step := domain.Step{Service: domain.ServiceKind(s.Service), Action: s.Action}
		if len(s.Config) > 0 {
			raw, err := json.Marshal(s.Config)
			if err != nil {
				return CreateInput{}, domain.NewValidationError(fmt.Sprintf("steps[%d].config", i), "config is not representable as json: %s", err.Error())
			}
			step.Config = raw
		}
		steps = append(steps, step)
	}
	return CreateInput{Name: doc.Name, Description: doc.Description, Steps: steps}, nil
}
