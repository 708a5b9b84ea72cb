package httpapi

import "net/http"

// HandleHealth returns API health status and the open collections.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		Collections: h.eng.Collections(),
	}
	writeJSON(w, http.StatusOK, resp)
}
