// Package events publishes ingestion lifecycle events for downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/lakeside-io/lakeside/internal/ingestion"
)

// IngestionCompleted is published once per finished run.
type IngestionCompleted struct {
	RunID       string              `json:"runId"`
	ClientID    string              `json:"clientId"`
	ModelID     string              `json:"modelId"`
	Status      ingestion.RunStatus `json:"status"`
	Files       int                 `json:"files"`
	FailedTasks int                 `json:"failedTasks"`
	RowErrors   int                 `json:"rowErrors"`
	Tables      []string            `json:"tables"`
	Error       string              `json:"error,omitempty"`
	CompletedAt time.Time           `json:"completedAt"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	PublishIngestionCompleted(ctx context.Context, event IngestionCompleted) error
	Close() error
}

// NewIngestionCompleted summarizes a finished run.
func NewIngestionCompleted(run *ingestion.Run, result *ingestion.Result) IngestionCompleted {
	event := IngestionCompleted{
		RunID:       run.ID,
		ClientID:    run.ClientID,
		ModelID:     run.ModelID,
		Status:      run.Status,
		Files:       run.FileCount,
		Tables:      []string{},
		Error:       run.Error,
		CompletedAt: time.Now().UTC(),
	}

	if run.CompletedAt != nil {
		event.CompletedAt = *run.CompletedAt
	}

	if result == nil {
		return event
	}

	event.FailedTasks = result.FailedTasks()
	event.RowErrors = len(result.FileProcessingErrors)

	for _, def := range result.JoinInformation {
		event.Tables = append(event.Tables, def.TableName)
	}

	return event
}

// NoopPublisher drops every event. Used when no broker is configured.
type NoopPublisher struct{}

// PublishIngestionCompleted implements Publisher.
func (NoopPublisher) PublishIngestionCompleted(context.Context, IngestionCompleted) error { return nil }

// Close implements Publisher.
func (NoopPublisher) Close() error { return nil }
