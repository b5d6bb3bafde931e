package latitudetools

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/toolerrors"
)

type (
	// Searcher queries a web search backend.
	Searcher interface {
		Search(ctx context.Context, req SearchRequest) (SearchResponse, error)
	}

	SearchRequest struct {
		Query      string `json:"query"`
		Topic      string `json:"topic,omitempty"`
		MaxResults int    `json:"max_results,omitempty"`
	}

	SearchResponse struct {
		Query   string         `json:"query"`
		Answer  string         `json:"answer,omitempty"`
		Results []SearchResult `json:"results"`
	}

	SearchResult struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score,omitempty"`
	}

	// WebSearch is the handler of the search built-in.
	WebSearch struct {
		Searcher   Searcher
		MaxResults int
	}

	// HTTPSearcher posts the request as JSON to a search API authenticated
	// with a bearer key.
	HTTPSearcher struct {
		URL    string
		APIKey string
		Client *http.Client
	}
)

func (WebSearch) Definition() model.ToolDefinition {
	return model.ToolDefinition{
		Description: "Searches the web and returns the most relevant results with a short extract of each page.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "minLength": 1},
				"topic": map[string]any{"type": "string", "enum": []any{"general", "news", "finance"}},
			},
			"required": []any{"query"},
		},
	}
}

func (h WebSearch) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var req SearchRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, toolerrors.Validation("decode arguments", err)
	}
	if h.Searcher == nil {
		return nil, toolerrors.New("web search is not configured")
	}
	if req.MaxResults == 0 {
		req.MaxResults = h.MaxResults
	}
	return h.Searcher.Search(ctx, req)
}

// Search implements Searcher.
func (s HTTPSearcher) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	var out SearchResponse
	err := postJSON(ctx, defaultClient(s.Client), s.URL, s.APIKey, req, &out)
	return out, err
}
