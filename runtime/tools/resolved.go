package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shaneholloman/latitude-llm/runtime/model"
)

type (
	// ResolvedTool pairs a tool definition with its source.
	ResolvedTool struct {
		Definition model.ToolDefinition
		SourceData SourceData
	}

	// ResolvedTools indexes the tools available to a chain by name.
	ResolvedTools map[string]ResolvedTool

	// LatitudeCall is a tool call resolved to a built-in tool.
	LatitudeCall struct {
		model.ToolCall
		Tool LatitudeTool `json:"latitudeTool"`
	}

	// Partition splits the tool calls of one step by source. Each slice
	// preserves the order of the original calls.
	Partition struct {
		Latitude    []LatitudeCall
		Client      []model.ToolCall
		AgentReturn []model.ToolCall
		AgentAsTool []model.ToolCall
		Integration []model.ToolCall

		order []model.ToolCall
		kinds []Source
	}
)

// Add registers a tool. It fails when the name is already taken.
func (r ResolvedTools) Add(name string, def model.ToolDefinition, sd SourceData) error {
	if name == "" {
		return fmt.Errorf("tools: name is required")
	}
	if sd == nil {
		return fmt.Errorf("tools: %s: source data is required", name)
	}
	if _, ok := r[name]; ok {
		return fmt.Errorf("tools: duplicate tool %q", name)
	}
	if def.Name == "" {
		def.Name = name
	}
	r[name] = ResolvedTool{Definition: def, SourceData: sd}
	return nil
}

// Definitions returns the tool definitions sorted by name.
func (r ResolvedTools) Definitions() []model.ToolDefinition {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r[name].Definition)
	}
	return defs
}

// SourceOf returns the source of the named tool. Unknown names resolve to
// ClientSource so the caller gets a chance to handle them.
func (r ResolvedTools) SourceOf(name string) SourceData {
	if rt, ok := r[name]; ok && rt.SourceData != nil {
		return rt.SourceData
	}
	return ClientSource{}
}

// MarshalJSON encodes the table as {name: {definition, sourceData}}.
func (r ResolvedTools) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r))
	for name, rt := range r {
		sd, err := MarshalSourceData(rt.SourceData)
		if err != nil {
			return nil, fmt.Errorf("tools: %s: %w", name, err)
		}
		raw, err := json.Marshal(struct {
			Definition model.ToolDefinition `json:"definition"`
			SourceData json.RawMessage      `json:"sourceData"`
		}{rt.Definition, sd})
		if err != nil {
			return nil, err
		}
		out[name] = raw
	}
	return json.Marshal(out)
}

// PartitionCalls splits calls by the source of the tool they target.
func PartitionCalls(calls []model.ToolCall, resolved ResolvedTools) Partition {
	var p Partition
	for _, call := range calls {
		sd := resolved.SourceOf(call.Name)
		switch v := sd.(type) {
		case LatitudeSource:
			p.Latitude = append(p.Latitude, LatitudeCall{ToolCall: call, Tool: v.Tool})
		case AgentReturnSource:
			p.AgentReturn = append(p.AgentReturn, call)
		case AgentAsToolSource:
			p.AgentAsTool = append(p.AgentAsTool, call)
		case IntegrationSource:
			p.Integration = append(p.Integration, call)
		case ClientSource:
			p.Client = append(p.Client, call)
		}
		p.order = append(p.order, call)
		p.kinds = append(p.kinds, sd.Source())
	}
	return p
}

// Requested returns, in original call order, the calls the server cannot
// resolve synchronously: client, agent-as-tool and integration calls.
func (p Partition) Requested() []model.ToolCall {
	var out []model.ToolCall
	for i, call := range p.order {
		switch p.kinds[i] {
		case SourceClient, SourceAgentAsTool, SourceIntegration:
			out = append(out, call)
		}
	}
	return out
}

// Empty reports whether the partition holds no calls.
func (p Partition) Empty() bool { return len(p.order) == 0 }
