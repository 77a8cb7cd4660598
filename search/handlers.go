package search

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// LivenessProbe reports whether a shared adapter resource (the browser
// session) is alive. Health reporting only; no effect on the data model.
type LivenessProbe func() bool

// Routes mounts the search API on a chi router.
func (s *Service) Routes(browserAlive LivenessProbe) chi.Router {
	r := chi.NewRouter()
	r.Get("/search", s.handleSearch)
	r.Get("/health", s.handleHealth(browserAlive))
	return r
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	result, err := s.Search(r.Context(), r.URL.Query().Get("q"))
	if errors.Is(err, ErrInvalidQuery) {
		jsonErr(w, "query parameter q is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, Assemble(result))
}

func (s *Service) handleHealth(browserAlive LivenessProbe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Status       string    `json:"status"`
			CacheRecords int       `json:"cache_records"`
			LastUpdated  time.Time `json:"last_updated,omitzero"`
			BrowserAlive bool      `json:"browser_alive"`
		}{Status: "ok"}

		records, last, err := s.CacheStats(r.Context())
		if err != nil {
			s.logger.Warn("health: cache stats failed", "error", err)
			resp.Status = "degraded"
		} else {
			resp.CacheRecords = records
			resp.LastUpdated = last
		}
		if browserAlive != nil {
			resp.BrowserAlive = browserAlive()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
