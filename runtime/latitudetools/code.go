package latitudetools

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/toolerrors"
)

type (
	// Sandbox executes untrusted code.
	Sandbox interface {
		Run(ctx context.Context, language, code string) (CodeResult, error)
	}

	// CodeResult is the outcome of a sandboxed execution.
	CodeResult struct {
		Output   string `json:"output"`
		ExitCode int    `json:"exitCode"`
	}

	// RunCode is the handler of the code built-in.
	RunCode struct {
		Sandbox Sandbox
	}

	// HTTPSandbox posts {"language","code"} to an executor service and
	// decodes a CodeResult.
	HTTPSandbox struct {
		URL    string
		APIKey string
		Client *http.Client
	}
)

func (RunCode) Definition() model.ToolDefinition {
	return model.ToolDefinition{
		Description: "Runs a script in a sandboxed environment and returns its output. " +
			"Only the standard library of the language is available.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"language": map[string]any{"type": "string", "enum": []any{"python", "javascript"}},
				"code":     map[string]any{"type": "string", "minLength": 1},
			},
			"required":             []any{"language", "code"},
			"additionalProperties": false,
		},
	}
}

func (h RunCode) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Language string `json:"language"`
		Code     string `json:"code"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, toolerrors.Validation("decode arguments", err)
	}
	if h.Sandbox == nil {
		return nil, toolerrors.New("code execution is not configured")
	}
	res, err := h.Sandbox.Run(ctx, in.Language, in.Code)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, toolerrors.Errorf("exited with code %d: %s", res.ExitCode, res.Output)
	}
	return res, nil
}

// Run implements Sandbox.
func (s HTTPSandbox) Run(ctx context.Context, language, code string) (CodeResult, error) {
	var out CodeResult
	err := postJSON(ctx, defaultClient(s.Client), s.URL, s.APIKey,
		map[string]string{"language": language, "code": code}, &out)
	return out, err
}
