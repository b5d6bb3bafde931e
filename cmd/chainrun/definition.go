package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/shaneholloman/latitude-llm/runtime/chain"
	"github.com/shaneholloman/latitude-llm/runtime/latitudetools"
	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/tools"
)

type (
	// definition is the YAML description of a chain run.
	definition struct {
		UUID          string                  `yaml:"uuid"`
		Config        map[string]any          `yaml:"config"`
		Messages      []messageDefinition     `yaml:"messages"`
		Tools         []model.ToolDefinition  `yaml:"tools"`
		LatitudeTools []string                `yaml:"latitudeTools"`
		Agents        []agentDefinition       `yaml:"agents"`
		AgentReturn   *model.ToolDefinition   `yaml:"agentReturn"`
		Integrations  []integrationDefinition `yaml:"integrations"`
	}

	messageDefinition struct {
		Role    model.ConversationRole `yaml:"role"`
		Content string                 `yaml:"content"`
	}

	agentDefinition struct {
		model.ToolDefinition `yaml:",inline"`
		Path                 string `yaml:"path"`
	}

	integrationDefinition struct {
		Name  string                 `yaml:"name"`
		Tools []model.ToolDefinition `yaml:"tools"`
	}
)

// loadDefinition reads and validates the chain definition at path. A missing
// uuid is generated.
func loadDefinition(path string) (*definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain definition: %w", err)
	}
	return parseDefinition(data)
}

func parseDefinition(data []byte) (*definition, error) {
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse chain definition: %w", err)
	}
	if def.UUID == "" {
		def.UUID = uuid.NewString()
	}
	if len(def.Messages) == 0 {
		return nil, errors.New("chain definition has no messages")
	}
	for i, m := range def.Messages {
		switch m.Role {
		case model.RoleSystem, model.RoleUser, model.RoleAssistant:
		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, m.Role)
		}
	}
	return &def, nil
}

// conversation returns the initial messages and model config.
func (d *definition) conversation() chain.Conversation {
	msgs := make([]model.Message, 0, len(d.Messages))
	for _, m := range d.Messages {
		msgs = append(msgs, model.NewTextMessage(m.Role, m.Content))
	}
	return chain.Conversation{Messages: msgs, Config: model.Config(d.Config)}
}

// resolveTools builds the tool table of the run from every configured
// source. Integration tools are exposed as "<integration>_<tool>".
func (d *definition) resolveTools(builtins *latitudetools.Registry) (tools.ResolvedTools, error) {
	resolved := tools.ResolvedTools{}
	for _, t := range d.Tools {
		if err := resolved.Add(t.Name, t, tools.ClientSource{}); err != nil {
			return nil, err
		}
	}
	enabled := make([]tools.LatitudeTool, 0, len(d.LatitudeTools))
	for _, name := range d.LatitudeTools {
		lt := tools.LatitudeTool(name)
		if !lt.Valid() {
			return nil, fmt.Errorf("unknown latitude tool %q", name)
		}
		enabled = append(enabled, lt)
	}
	if err := builtins.Resolve(resolved, enabled...); err != nil {
		return nil, err
	}
	for _, a := range d.Agents {
		if a.Path == "" {
			return nil, fmt.Errorf("agent %q: path is required", a.Name)
		}
		if err := resolved.Add(a.Name, a.ToolDefinition, tools.AgentAsToolSource{AgentPath: a.Path}); err != nil {
			return nil, err
		}
	}
	if d.AgentReturn != nil {
		if err := resolved.Add(d.AgentReturn.Name, *d.AgentReturn, tools.AgentReturnSource{}); err != nil {
			return nil, err
		}
	}
	for _, in := range d.Integrations {
		for _, t := range in.Tools {
			name := in.Name + "_" + t.Name
			def := t
			def.Name = name
			if err := resolved.Add(name, def, tools.IntegrationSource{IntegrationName: in.Name, ToolName: t.Name}); err != nil {
				return nil, err
			}
		}
	}
	return resolved, nil
}
