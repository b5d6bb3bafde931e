// Package tools classifies the tool calls emitted by a provider step by their
// source (client, built-in Latitude tool, sub-agent, integration) and splits
// them into the calls the server executes and the calls escalated to the
// caller.
package tools

import (
	"encoding/json"
	"fmt"
)

type (
	// Source identifies who executes a tool.
	Source string

	// SourceData is the tagged variant describing a tool's source. The
	// implementations are ClientSource, LatitudeSource, AgentReturnSource,
	// AgentAsToolSource and IntegrationSource.
	SourceData interface {
		// Source returns the variant tag.
		Source() Source
		sealed()
	}

	// ClientSource marks a tool executed by the caller.
	ClientSource struct{}

	// LatitudeSource marks a built-in tool executed by the server.
	LatitudeSource struct {
		Tool LatitudeTool
	}

	// AgentReturnSource marks the tool a sub-agent calls to return its result.
	AgentReturnSource struct{}

	// AgentAsToolSource marks a sub-agent exposed as a tool.
	AgentAsToolSource struct {
		AgentPath string
	}

	// IntegrationSource marks a tool provided by an external integration.
	IntegrationSource struct {
		IntegrationName string
		ToolName        string
	}
)

const (
	SourceClient      Source = "client"
	SourceLatitude    Source = "latitude"
	SourceAgentReturn Source = "agentReturn"
	SourceAgentAsTool Source = "agentAsTool"
	SourceIntegration Source = "integration"
)

func (ClientSource) Source() Source      { return SourceClient }
func (LatitudeSource) Source() Source    { return SourceLatitude }
func (AgentReturnSource) Source() Source { return SourceAgentReturn }
func (AgentAsToolSource) Source() Source { return SourceAgentAsTool }
func (IntegrationSource) Source() Source { return SourceIntegration }

func (ClientSource) sealed()      {}
func (LatitudeSource) sealed()    {}
func (AgentReturnSource) sealed() {}
func (AgentAsToolSource) sealed() {}
func (IntegrationSource) sealed() {}

type sourceDataJSON struct {
	Source          Source       `json:"source"`
	LatitudeTool    LatitudeTool `json:"latitudeTool,omitempty"`
	AgentPath       string       `json:"agentPath,omitempty"`
	IntegrationName string       `json:"integrationName,omitempty"`
	ToolName        string       `json:"toolName,omitempty"`
}

// MarshalSourceData encodes sd as {"source": ..., <variant fields>}.
func MarshalSourceData(sd SourceData) ([]byte, error) {
	var out sourceDataJSON
	switch v := sd.(type) {
	case ClientSource:
		out.Source = SourceClient
	case LatitudeSource:
		out.Source, out.LatitudeTool = SourceLatitude, v.Tool
	case AgentReturnSource:
		out.Source = SourceAgentReturn
	case AgentAsToolSource:
		out.Source, out.AgentPath = SourceAgentAsTool, v.AgentPath
	case IntegrationSource:
		out.Source, out.IntegrationName, out.ToolName = SourceIntegration, v.IntegrationName, v.ToolName
	default:
		return nil, fmt.Errorf("tools: unsupported source data %T", sd)
	}
	return json.Marshal(out)
}

// UnmarshalSourceData decodes the output of MarshalSourceData.
func UnmarshalSourceData(data []byte) (SourceData, error) {
	var in sourceDataJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("tools: decode source data: %w", err)
	}
	switch in.Source {
	case SourceClient:
		return ClientSource{}, nil
	case SourceLatitude:
		if !in.LatitudeTool.Valid() {
			return nil, fmt.Errorf("tools: unknown latitude tool %q", in.LatitudeTool)
		}
		return LatitudeSource{Tool: in.LatitudeTool}, nil
	case SourceAgentReturn:
		return AgentReturnSource{}, nil
	case SourceAgentAsTool:
		if in.AgentPath == "" {
			return nil, fmt.Errorf("tools: agentAsTool source requires agentPath")
		}
		return AgentAsToolSource{AgentPath: in.AgentPath}, nil
	case SourceIntegration:
		if in.IntegrationName == "" || in.ToolName == "" {
			return nil, fmt.Errorf("tools: integration source requires integrationName and toolName")
		}
		return IntegrationSource{IntegrationName: in.IntegrationName, ToolName: in.ToolName}, nil
	default:
		return nil, fmt.Errorf("tools: unknown source %q", in.Source)
	}
}
