package latitudetools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaneholloman/latitude-llm/runtime/toolerrors"
)

const defaultTimeout = 60 * time.Second

func defaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultTimeout}
}

// postJSON sends body to url and decodes the JSON response into out.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return toolerrors.Validation("encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return toolerrors.Validation("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return toolerrors.Network(fmt.Sprintf("POST %s failed", url), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := statusError(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return toolerrors.Network("decode response", err)
	}
	return nil
}

// statusError classifies non-2xx responses: 429 and 402 exhaust quota, other
// 4xx reject the call, 5xx are backend failures.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusPaymentRequired:
		return toolerrors.Quota(msg, nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return toolerrors.Validation(msg, nil)
	default:
		return toolerrors.Network(msg, nil)
	}
}
