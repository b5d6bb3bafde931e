// Package latitudetools executes the built-in tools a chain can resolve on
// the server: running code in a sandbox, searching the web and extracting the
// content of a web page. Arguments are validated against each tool's JSON
// Schema before the handler runs.
package latitudetools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/toolerrors"
	"github.com/shaneholloman/latitude-llm/runtime/tools"
)

type (
	// Handler implements one built-in tool.
	Handler interface {
		// Definition returns the schema presented to providers. The name is
		// replaced with the tool's internal name on registration.
		Definition() model.ToolDefinition
		// Call runs the tool with validated JSON arguments.
		Call(ctx context.Context, args json.RawMessage) (any, error)
	}

	// Registry maps built-in tools to their handlers. It implements the
	// chain tool executor contract.
	Registry struct {
		mu      sync.RWMutex
		entries map[tools.LatitudeTool]entry
	}

	entry struct {
		handler Handler
		def     model.ToolDefinition
		schema  *jsonschema.Schema
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[tools.LatitudeTool]entry)}
}

// Register binds h to tool and compiles its argument schema.
func (r *Registry) Register(tool tools.LatitudeTool, h Handler) error {
	if !tool.Valid() {
		return fmt.Errorf("latitudetools: unknown tool %q", tool)
	}
	def := h.Definition()
	def.Name = tool.InternalName()
	var schema *jsonschema.Schema
	if len(def.Parameters) > 0 {
		s, err := compileSchema(def.Name, def.Parameters)
		if err != nil {
			return fmt.Errorf("latitudetools: %s: %w", def.Name, err)
		}
		schema = s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[tool]; ok {
		return fmt.Errorf("latitudetools: %s already registered", def.Name)
	}
	r.entries[tool] = entry{handler: h, def: def, schema: schema}
	return nil
}

// Definition returns the provider-facing definition of tool.
func (r *Registry) Definition(tool tools.LatitudeTool) (model.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[tool]
	return e.def, ok
}

// Resolve adds the enabled built-in tools to resolved under their internal
// names.
func (r *Registry) Resolve(resolved tools.ResolvedTools, enabled ...tools.LatitudeTool) error {
	for _, tool := range enabled {
		def, ok := r.Definition(tool)
		if !ok {
			return fmt.Errorf("latitudetools: %q is not registered", tool)
		}
		if err := resolved.Add(def.Name, def, tools.LatitudeSource{Tool: tool}); err != nil {
			return err
		}
	}
	return nil
}

// Execute validates the call arguments and runs the handler. Failures are
// returned as *toolerrors.ToolError.
func (r *Registry) Execute(ctx context.Context, call tools.LatitudeCall) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[call.Tool]
	r.mu.RUnlock()
	if !ok {
		return nil, toolerrors.Validation(fmt.Sprintf("unsupported latitude tool %q", call.Tool), nil)
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if e.schema != nil {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
		if err != nil {
			return nil, toolerrors.Validation("tool arguments are not valid JSON", err)
		}
		if err := e.schema.Validate(inst); err != nil {
			return nil, toolerrors.Validation(fmt.Sprintf("invalid arguments for %s", e.def.Name), err)
		}
	}
	res, err := e.handler.Call(ctx, args)
	if err != nil {
		return nil, toolerrors.NewWithCause("", err)
	}
	return res, nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}
