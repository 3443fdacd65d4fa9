package api

import (
	"net/http"
	"time"

	"github.com/lakeside-io/lakeside/internal/ingestion"
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Manifest is the `manifest` part of an ingestion upload. It is kept apart
	// from ingestion.Request so the wire contract does not follow domain changes.
	Manifest struct {
		// Bucket and Database fall back to the server defaults when empty.
		Bucket          string         `json:"bucket,omitempty"`
		Database        string         `json:"database,omitempty"`
		ContinueOnError bool           `json:"continueOnError"`
		Files           []ManifestFile `json:"files"`
	}

	// ManifestFile is one task of a Manifest. For ADD, APPEND and REPLACE the
	// file contents arrive in the multipart part named FileName.
	ManifestFile struct {
		TableName string `json:"tableName"`
		FileName  string `json:"fileName,omitempty"`
		Operation string `json:"operation"`
	}

	// IngestionResponse reports a processed ingestion. Result carries every task
	// outcome, including the ones accumulated before a fatal error.
	IngestionResponse struct {
		RunID         string              `json:"runId"`
		Status        ingestion.RunStatus `json:"status"`
		Error         string              `json:"error,omitempty"`
		Result        *ingestion.Result   `json:"result"`
		CorrelationID string              `json:"correlationId"`
		Timestamp     string              `json:"timestamp"`
	}

	// RunResponse is a run ledger entry.
	RunResponse struct {
		RunID       string              `json:"runId"`
		ClientID    string              `json:"clientId"`
		ModelID     string              `json:"modelId"`
		Status      ingestion.RunStatus `json:"status"`
		FileCount   int                 `json:"fileCount"`
		StartedAt   time.Time           `json:"startedAt"`
		CompletedAt *time.Time          `json:"completedAt,omitempty"`
		Error       string              `json:"error,omitempty"`
		Result      *ingestion.Result   `json:"result,omitempty"`
	}

	// ViewColumn is one column of a view preview.
	ViewColumn struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}

	// ViewPreviewResponse holds the first rows of a model's view. Null cells
	// are empty strings.
	ViewPreviewResponse struct {
		View     string       `json:"view"`
		Columns  []ViewColumn `json:"columns"`
		Rows     [][]string   `json:"rows"`
		RowCount int          `json:"rowCount"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	Route struct {
		Path    string
		Handler http.HandlerFunc
	}
)

func newRunResponse(run *ingestion.Run) RunResponse {
	return RunResponse{
		RunID:       run.ID,
		ClientID:    run.ClientID,
		ModelID:     run.ModelID,
		Status:      run.Status,
		FileCount:   run.FileCount,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Error:       run.Error,
		Result:      run.Result,
	}
}
