package latitudetools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/toolerrors"
	"github.com/shaneholloman/latitude-llm/runtime/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sandboxFunc func(ctx context.Context, language, code string) (CodeResult, error)

func (f sandboxFunc) Run(ctx context.Context, language, code string) (CodeResult, error) {
	return f(ctx, language, code)
}

func call(tool tools.LatitudeTool, args string) tools.LatitudeCall {
	return tools.LatitudeCall{
		ToolCall: model.ToolCall{ID: "call-1", Name: tool.InternalName(), Arguments: json.RawMessage(args)},
		Tool:     tool,
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(tools.LatitudeToolRunCode, RunCode{Sandbox: sandboxFunc(
		func(_ context.Context, language, code string) (CodeResult, error) {
			return CodeResult{Output: language + ":" + code}, nil
		})}))

	res, err := r.Execute(context.Background(), call(tools.LatitudeToolRunCode, `{"language":"python","code":"print(1)"}`))
	require.NoError(t, err)
	assert.Equal(t, CodeResult{Output: "python:print(1)"}, res)

	_, err = r.Execute(context.Background(), call(tools.LatitudeToolRunCode, `{"language":"cobol","code":"x"}`))
	var te *toolerrors.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, toolerrors.KindValidation, te.Kind)

	_, err = r.Execute(context.Background(), call(tools.LatitudeToolWebSearch, `{"query":"go"}`))
	require.ErrorAs(t, err, &te)
	assert.Equal(t, toolerrors.KindValidation, te.Kind)
}

func TestRunCodeNonZeroExit(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(tools.LatitudeToolRunCode, RunCode{Sandbox: sandboxFunc(
		func(context.Context, string, string) (CodeResult, error) {
			return CodeResult{Output: "NameError", ExitCode: 1}, nil
		})}))
	_, err := r.Execute(context.Background(), call(tools.LatitudeToolRunCode, `{"language":"python","code":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 1")
}

func TestRegisterRejectsDuplicatesAndResolves(t *testing.T) {
	r, err := NewBuiltins(BuiltinsConfig{})
	require.NoError(t, err)
	require.Error(t, r.Register(tools.LatitudeToolWebExtract, WebExtract{}))

	resolved := tools.ResolvedTools{}
	require.NoError(t, r.Resolve(resolved, tools.LatitudeToolWebSearch, tools.LatitudeToolWebExtract))
	rt, ok := resolved["lat_tool_web_search"]
	require.True(t, ok)
	assert.Equal(t, tools.LatitudeSource{Tool: tools.LatitudeToolWebSearch}, rt.SourceData)
	assert.Equal(t, "lat_tool_web_search", rt.Definition.Name)

	_, err = r.Execute(context.Background(), call(tools.LatitudeToolWebSearch, `{"query":"go"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestHTTPSearcherClassifiesStatus(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req SearchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(SearchResponse{Query: req.Query, Results: []SearchResult{{Title: "Go", URL: "https://go.dev"}}})
		}
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(tools.LatitudeToolWebSearch, WebSearch{Searcher: HTTPSearcher{URL: srv.URL, APIKey: "key"}}))

	res, err := r.Execute(context.Background(), call(tools.LatitudeToolWebSearch, `{"query":"golang"}`))
	require.NoError(t, err)
	assert.Equal(t, "golang", res.(SearchResponse).Query)

	cases := map[int]toolerrors.Kind{
		http.StatusTooManyRequests:     toolerrors.KindQuota,
		http.StatusPaymentRequired:     toolerrors.KindQuota,
		http.StatusBadRequest:          toolerrors.KindValidation,
		http.StatusInternalServerError: toolerrors.KindNetwork,
	}
	for code, kind := range cases {
		status = code
		_, err := r.Execute(context.Background(), call(tools.LatitudeToolWebSearch, `{"query":"golang"}`))
		var te *toolerrors.ToolError
		require.ErrorAs(t, err, &te, code)
		assert.Equal(t, kind, te.Kind, code)
	}
}

func TestWebExtractStripsMarkupAndTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>t</title><style>p{}</style></head>
<body><h1>Hello &amp; welcome</h1><script>alert(1)</script><p>` + strings.Repeat("a", 100) + `</p></body></html>`))
	}))
	defer srv.Close()

	h := WebExtract{MaxBytes: 40}
	res, err := h.Call(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`"}`))
	require.NoError(t, err)
	out := res.(ExtractResult)
	assert.True(t, out.Truncated)
	assert.Len(t, out.Content, 40)
	assert.True(t, strings.HasPrefix(out.Content, "Hello & welcome\naaa"))
	assert.NotContains(t, out.Content, "alert")

	_, err = h.Call(context.Background(), json.RawMessage(`{"url":"ftp://example.com"}`))
	var te *toolerrors.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, toolerrors.KindValidation, te.Kind)
}

func TestBuildToolMessage(t *testing.T) {
	tc := model.ToolCall{ID: "c1", Name: "lat_tool_web_search"}

	ok := BuildToolMessage(tc, map[string]any{"n": 1}, nil)
	assert.Equal(t, model.RoleTool, ok.Role)
	part := ok.Parts[0].(model.ToolResultPart)
	assert.False(t, part.IsError)
	assert.Equal(t, "c1", part.ToolCallID)

	failed := BuildToolMessage(tc, nil, toolerrors.Quota("quota exhausted", nil))
	part = failed.Parts[0].(model.ToolResultPart)
	assert.True(t, part.IsError)
	assert.Equal(t, map[string]any{"error": map[string]any{"name": "QuotaError", "message": "quota exhausted"}}, part.Result)

	plain := BuildToolMessage(tc, nil, errors.New("boom")).Parts[0].(model.ToolResultPart)
	assert.Equal(t, "Error", plain.Result.(map[string]any)["error"].(map[string]any)["name"])
}
