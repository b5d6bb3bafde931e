package latitudetools

import (
	"errors"

	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/toolerrors"
)

// BuildToolMessage builds the tool-result message for a call. When err is
// not nil the result is {"error": {"name", "message"}} and the part is
// flagged as an error.
func BuildToolMessage(call model.ToolCall, result any, err error) model.Message {
	part := model.ToolResultPart{ToolCallID: call.ID, ToolName: call.Name, Result: result}
	if err != nil {
		name := "Error"
		var te *toolerrors.ToolError
		if errors.As(err, &te) {
			name = te.Name()
		}
		part.Result = map[string]any{
			"error": map[string]any{"name": name, "message": err.Error()},
		}
		part.IsError = true
	}
	return model.Message{Role: model.RoleTool, Parts: []model.Part{part}}
}
