package api

import (
	"cmp"
	"errors"
	"net/http"
	"strconv"

	"github.com/lakeside-io/lakeside/internal/ingestion"
)

// handleGetRun returns one run ledger entry, 404 for unknown IDs.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.GetRun(r.Context(), r.PathValue("runId"))
	if err != nil {
		if errors.Is(err, ingestion.ErrRunNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))

			return
		}

		s.writeIngestError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, newRunResponse(run))
}

// handlePreviewView returns the first rows of the model's view. `limit` is
// clamped by the service; `database` defaults to LAKESIDE_DATABASE.
func (s *Server) handlePreviewView(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	limit := 0

	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("limit must be an integer"))

			return
		}

		limit = n
	}

	clientID, modelID := r.PathValue("clientId"), r.PathValue("modelId")

	if err := ingestion.NewValidator().ValidateModel(clientID, modelID); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	rs, err := s.service.PreviewView(r.Context(), clientID, modelID,
		cmp.Or(params.Get("database"), s.config.DefaultDatabase), limit)
	if err != nil {
		s.writeIngestError(w, r, err)

		return
	}

	response := ViewPreviewResponse{
		View:     ingestion.ViewName(clientID, modelID),
		Columns:  make([]ViewColumn, 0, len(rs.Columns)),
		Rows:     rs.Rows,
		RowCount: len(rs.Rows),
	}

	if response.Rows == nil {
		response.Rows = [][]string{}
	}

	for _, col := range rs.Columns {
		response.Columns = append(response.Columns, ViewColumn{Name: col.Name, Type: col.Type})
	}

	s.writeJSON(w, r, http.StatusOK, response)
}
