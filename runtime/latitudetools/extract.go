package latitudetools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/toolerrors"
)

const defaultExtractLimit = 64 << 10

var (
	dropBlocks = regexp.MustCompile(`(?is)<(script|style|noscript|svg|head)\b.*?</(script|style|noscript|svg|head)>`)
	tags       = regexp.MustCompile(`(?s)<[^>]*>`)
	spaces     = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankLines = regexp.MustCompile(`\n\s*\n+`)
)

type (
	// WebExtract is the handler of the extract built-in. It fetches a page
	// and returns its visible text.
	WebExtract struct {
		Client *http.Client
		// MaxBytes truncates the extracted content. Zero uses 64KiB.
		MaxBytes int
	}

	// ExtractResult is the outcome of an extraction.
	ExtractResult struct {
		URL       string `json:"url"`
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
)

func (WebExtract) Definition() model.ToolDefinition {
	return model.ToolDefinition{
		Description: "Fetches a web page and returns its text content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "minLength": 1},
			},
			"required": []any{"url"},
		},
	}
}

func (h WebExtract) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, toolerrors.Validation("decode arguments", err)
	}
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, toolerrors.Validation(fmt.Sprintf("invalid url %q", in.URL), err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, toolerrors.Validation("build request", err)
	}
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")
	resp, err := defaultClient(h.Client).Do(req)
	if err != nil {
		return nil, toolerrors.Network(fmt.Sprintf("GET %s failed", u), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := statusError(resp); err != nil {
		return nil, err
	}
	limit := h.MaxBytes
	if limit <= 0 {
		limit = defaultExtractLimit
	}
	// Read past the limit so markup does not eat into the text budget.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)*8))
	if err != nil {
		return nil, toolerrors.Network("read body", err)
	}
	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") || strings.Contains(text[:min(len(text), 512)], "<") {
		text = htmlToText(text)
	}
	res := ExtractResult{URL: u.String(), Content: text}
	if len(res.Content) > limit {
		res.Content = strings.ToValidUTF8(res.Content[:limit], "")
		res.Truncated = true
	}
	return res, nil
}

func htmlToText(s string) string {
	s = dropBlocks.ReplaceAllString(s, " ")
	s = tags.ReplaceAllString(s, "\n")
	s = html.UnescapeString(s)
	s = spaces.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}
