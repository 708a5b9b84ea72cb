package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/engine"
	"github.com/aifocal/akidb/internal/storage/manifest"
	"github.com/aifocal/akidb/internal/vector"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler contains HTTP handlers for the API
type Handler struct {
	eng    *engine.Engine
	logger zerolog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(eng *engine.Engine, logger zerolog.Logger) *Handler {
	return &Handler{eng: eng, logger: logger}
}

// Routes mounts all API routes on a router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	r.Post("/collections", h.HandleCreateCollection)
	r.Delete("/collections/{collection}", h.HandleDropCollection)
	r.Get("/collections/{collection}/stats", h.HandleStats)
	r.Post("/collections/{collection}/docs", h.HandleInsert)
	r.Get("/collections/{collection}/docs/{id}", h.HandleGet)
	r.Delete("/collections/{collection}/docs/{id}", h.HandleDelete)
	r.Post("/collections/{collection}/query", h.HandleQuery)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response with the given status code
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeEngineError maps engine error kinds onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	kind := engine.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case engine.KindValidation:
		status = http.StatusBadRequest
	case engine.KindNotFound:
		status = http.StatusNotFound
	case engine.KindConflict:
		status = http.StatusConflict
	case engine.KindUnavailable:
		status = http.StatusServiceUnavailable
	case engine.KindOverloaded:
		status = http.StatusTooManyRequests
	case engine.KindTimedOut:
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, err.Error(), kind.String())
}

// HandleCreateCollection creates a collection.
func (h *Handler) HandleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req CreateCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "INVALID_JSON")
		return
	}

	metric, err := vector.ParseMetric(req.Metric)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_METRIC")
		return
	}
	policy := manifest.PolicyMemory
	if req.Policy != "" {
		policy, err = manifest.ParsePolicy(req.Policy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_POLICY")
			return
		}
	}

	spec := engine.CollectionSpec{
		Name:      req.Name,
		Dimension: req.Dimension,
		Metric:    metric,
		Policy:    policy,
	}
	if err := h.eng.CreateCollection(r.Context(), spec); err != nil {
		writeEngineError(w, err)
		return
	}

	h.logger.Info().Str("collection", req.Name).Msg("collection created via api")
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

// HandleDropCollection removes a collection and all of its data.
func (h *Handler) HandleDropCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	if err := h.eng.DropCollection(r.Context(), name); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleInsert adds one document to a collection.
func (h *Handler) HandleInsert(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")

	var req InsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "INVALID_JSON")
		return
	}
	id, err := doc.ParseID(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_ID")
		return
	}

	d := doc.Document{ID: id, Vector: vector.Vector(req.Vector), Payload: doc.Payload(req.Payload)}
	if err := h.eng.Insert(r.Context(), name, d); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, InsertResponse{ID: req.ID, Success: true})
}

// HandleDelete tombstones a document; deleting an absent one is a no-op.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	id, err := doc.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_ID")
		return
	}
	if err := h.eng.Delete(r.Context(), name, id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGet fetches one document by id.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	id, err := doc.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_ID")
		return
	}
	d, err := h.eng.Get(r.Context(), name, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GetResponse{
		ID:      d.ID.String(),
		Vector:  d.Vector,
		Payload: json.RawMessage(d.Payload),
	})
}

// HandleStats reports collection statistics.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	stats, err := h.eng.Stats(r.Context(), name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Collection: name, Stats: stats})
}
