package api

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/lakeside-io/lakeside/internal/api/middleware"
	"github.com/lakeside-io/lakeside/internal/ingestion"
	"github.com/lakeside-io/lakeside/internal/ingestor"
)

const manifestPart = "manifest"

// handleIngest accepts a multipart upload of one manifest part plus one part
// per uploaded file, and processes it synchronously.
//
// Response codes:
//   - 200 OK: every task succeeded
//   - 207 Multi-Status: some tasks failed under continueOnError
//   - 400 Bad Request: malformed multipart body or manifest JSON
//   - 409 Conflict: the model lock could not be acquired in time
//   - 413 Payload Too Large: the upload exceeds LAKESIDE_MAX_UPLOAD_SIZE
//   - 415 Unsupported Media Type: the body is not multipart/form-data
//   - 422 Unprocessable Entity: the manifest or a file failed validation
//   - 502 Bad Gateway: the object store or query engine failed
//
// Responses to processed runs carry the IngestionResponse body, failures
// included, so callers always see what was applied before a fatal error.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be multipart/form-data"))

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)

	if err := r.ParseMultipartForm(s.config.MaxUploadMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorResponse(w, r, s.logger, PayloadTooLarge(
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit)))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest("malformed multipart body: "+err.Error()))

		return
	}

	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			s.logger.Warn("Failed to remove multipart temp files",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()))
		}
	}()

	manifest, err := readManifest(r.MultipartForm)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	req, err := s.buildRequest(r, manifest)
	if err != nil {
		s.writeIngestError(w, r, err)

		return
	}

	s.logger.Info("Ingestion request received",
		slog.String("correlation_id", correlationID),
		slog.String("client_id", req.ClientID),
		slog.String("model_id", req.ModelID),
		slog.Int("files", len(req.Files)),
		slog.Bool("continue_on_error", req.ContinueOnError))

	result, err := s.service.Ingest(r.Context(), req)
	if result == nil {
		s.writeIngestError(w, r, err)

		return
	}

	status := http.StatusOK

	switch {
	case err != nil:
		status = ingestErrorStatus(err)
	case result.FailedTasks() > 0:
		status = http.StatusMultiStatus
	}

	response := IngestionResponse{
		RunID:         req.RunID,
		Status:        ingestion.StatusFor(result, err),
		Result:        result,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	if err != nil {
		response.Error = err.Error()
	}

	s.writeJSON(w, r, status, response)
}

// readManifest accepts the manifest either as a plain form field or as a file part.
func readManifest(form *multipart.Form) (*Manifest, error) {
	var src io.Reader

	switch {
	case len(form.Value[manifestPart]) > 0:
		src = strings.NewReader(form.Value[manifestPart][0])
	case len(form.File[manifestPart]) > 0:
		f, err := form.File[manifestPart][0].Open()
		if err != nil {
			return nil, fmt.Errorf("open manifest part: %w", err)
		}
		defer f.Close()

		src = f
	default:
		return nil, errors.New("missing manifest part")
	}

	var manifest Manifest
	if err := json.NewDecoder(src).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest JSON: %w", err)
	}

	return &manifest, nil
}

// buildRequest maps a manifest onto an ingestion.Request, opening the file
// part of every uploading task. Missing parts are left to the validator.
func (s *Server) buildRequest(r *http.Request, manifest *Manifest) (*ingestion.Request, error) {
	req := &ingestion.Request{
		RunID:           ingestion.NewRunID(),
		ClientID:        r.PathValue("clientId"),
		ModelID:         r.PathValue("modelId"),
		Bucket:          cmp.Or(manifest.Bucket, s.config.DefaultBucket),
		Database:        cmp.Or(manifest.Database, s.config.DefaultDatabase),
		ContinueOnError: manifest.ContinueOnError,
		Files:           make([]ingestion.FileTask, 0, len(manifest.Files)),
	}

	for i, file := range manifest.Files {
		op, err := ingestion.ParseOperation(file.Operation)
		if err != nil {
			closeBodies(req)

			return nil, fmt.Errorf("files[%d]: %w", i, err)
		}

		task := ingestion.FileTask{
			TableName: file.TableName,
			FileName:  file.FileName,
			Operation: op,
		}

		if headers := r.MultipartForm.File[file.FileName]; op.HasUpload() && file.FileName != "" && len(headers) > 0 {
			body, err := headers[0].Open()
			if err != nil {
				closeBodies(req)

				return nil, fmt.Errorf("open file part %q: %w", file.FileName, err)
			}

			task.Body = body
		}

		req.Files = append(req.Files, task)
	}

	return req, nil
}

func (s *Server) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	status := ingestErrorStatus(err)

	if status >= http.StatusInternalServerError {
		s.logger.Error("Ingestion failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()))
	}

	WriteErrorResponse(w, r, s.logger, NewProblemDetail(status, err.Error()))
}

func ingestErrorStatus(err error) int {
	switch {
	case errors.Is(err, ingestor.ErrLockTimeout):
		return http.StatusConflict
	case errors.Is(err, ingestion.ErrInvalidArgument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingestion.ErrExternal):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func closeBodies(req *ingestion.Request) {
	for _, task := range req.Files {
		if task.Body != nil {
			_ = task.Body.Close()
		}
	}
}
