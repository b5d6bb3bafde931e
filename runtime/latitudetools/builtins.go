package latitudetools

import (
	"net/http"

	"github.com/shaneholloman/latitude-llm/runtime/tools"
)

// BuiltinsConfig configures the default built-in tool backends. Empty URLs
// leave the corresponding tool registered but unconfigured; calls fail with
// an execution error.
type BuiltinsConfig struct {
	SandboxURL    string
	SandboxAPIKey string
	SearchURL     string
	SearchAPIKey  string
	Client        *http.Client
}

// NewBuiltins returns a registry holding the three built-in tools.
func NewBuiltins(cfg BuiltinsConfig) (*Registry, error) {
	r := NewRegistry()
	code := RunCode{}
	if cfg.SandboxURL != "" {
		code.Sandbox = HTTPSandbox{URL: cfg.SandboxURL, APIKey: cfg.SandboxAPIKey, Client: cfg.Client}
	}
	search := WebSearch{MaxResults: 5}
	if cfg.SearchURL != "" {
		search.Searcher = HTTPSearcher{URL: cfg.SearchURL, APIKey: cfg.SearchAPIKey, Client: cfg.Client}
	}
	handlers := map[tools.LatitudeTool]Handler{
		tools.LatitudeToolRunCode:    code,
		tools.LatitudeToolWebSearch:  search,
		tools.LatitudeToolWebExtract: WebExtract{Client: cfg.Client},
	}
	for _, t := range tools.LatitudeTools() {
		if err := r.Register(t, handlers[t]); err != nil {
			return nil, err
		}
	}
	return r, nil
}
