// Package providerlog records one log entry per provider call made by a chain
// run: what was sent, what came back, how long it took and what it cost in
// tokens.
package providerlog

import (
	"context"
	"errors"
	"time"

	"github.com/shaneholloman/latitude-llm/runtime/model"
)

type (
	// Source identifies what triggered the provider call.
	Source string

	// ProviderLog is the record of one provider call.
	ProviderLog struct {
		UUID            string             `json:"uuid"`
		DocumentLogUUID string             `json:"documentLogUuid,omitempty"`
		Provider        string             `json:"provider"`
		Model           string             `json:"model"`
		Config          model.Config       `json:"config"`
		Messages        []model.Message    `json:"messages"`
		ResponseText    string             `json:"responseText"`
		ToolCalls       []model.ToolCall   `json:"toolCalls,omitempty"`
		Usage           model.TokenUsage   `json:"usage"`
		FinishReason    model.FinishReason `json:"finishReason"`
		Duration        time.Duration      `json:"duration"`
		Source          Source             `json:"source"`
		GeneratedAt     time.Time          `json:"generatedAt"`
	}

	// Store persists provider logs.
	Store interface {
		// Create persists log. UUID must be set.
		Create(ctx context.Context, log *ProviderLog) error
		// Get returns the log with the given uuid or ErrNotFound.
		Get(ctx context.Context, uuid string) (*ProviderLog, error)
		// ListByDocumentLog returns the logs of one errorable in creation
		// order.
		ListByDocumentLog(ctx context.Context, documentLogUUID string) ([]*ProviderLog, error)
	}
)

const (
	SourcePlayground Source = "playground"
	SourceAPI        Source = "api"
	SourceEvaluation Source = "evaluation"
	SourceAgent      Source = "agent"
)

// ErrNotFound is returned by Store.Get for unknown uuids.
var ErrNotFound = errors.New("providerlog: not found")

// Validate reports missing required fields.
func (l *ProviderLog) Validate() error {
	if l == nil {
		return errors.New("providerlog: log is required")
	}
	if l.UUID == "" {
		return errors.New("providerlog: uuid is required")
	}
	if l.Provider == "" {
		return errors.New("providerlog: provider is required")
	}
	return nil
}
