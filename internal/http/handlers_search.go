package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/aifocal/akidb/internal/index"
	"github.com/aifocal/akidb/internal/vector"
	"github.com/go-chi/chi/v5"
)

// HandleQuery performs a top-k similarity search over a collection with an
// optional metadata filter.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn().Err(err).Msg("invalid query request")
		writeError(w, http.StatusBadRequest, "invalid JSON", "INVALID_JSON")
		return
	}

	if req.K == 0 {
		req.K = 10 // Default limit
	}
	if req.K > 1000 {
		req.K = 1000 // Max limit for performance
	}

	filter, err := index.ParseFilter(req.Filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_FILTER")
		return
	}

	resp, err := h.eng.Query(r.Context(), name, vector.Vector(req.Vector), req.K, filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	results := make([]QueryResult, len(resp.Results))
	for i, res := range resp.Results {
		results[i] = QueryResult{
			ID:       res.ID.String(),
			Distance: res.Distance,
			Payload:  json.RawMessage(res.Payload),
		}
	}

	h.logger.Info().
		Str("collection", name).
		Int("k", req.K).
		Int("results", len(results)).
		Bool("timed_out", resp.TimedOut).
		Msg("query completed")

	writeJSON(w, http.StatusOK, QueryResponse{
		Results:  results,
		Count:    len(results),
		TimedOut: resp.TimedOut,
	})
}
