package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/weft/pkg/model"
)

// Version is the API server version.
const Version = "0.1.0"

type healthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	GoVersion  string         `json:"go_version"`
	Uptime     string         `json:"uptime"`
	Store      string         `json:"store"`
	ActiveRuns int            `json:"active_runs"`
	Analyses   int            `json:"analyses"`
	Modes      map[string]int `json:"analyses_by_mode"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	status, storeStatus := "healthy", "ok"
	if _, _, err := s.store.ListRuns(r.Context(), model.ListOptions{Limit: 1}); err != nil {
		status, storeStatus = "degraded", err.Error()
	}

	modes := make(map[string]int)
	for _, a := range s.app.Catalog.List() {
		modes[string(a.Mode)]++
	}

	s.mu.Lock()
	active := len(s.active)
	s.mu.Unlock()

	respondOK(w, reqID, healthResponse{
		Status:     status,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Store:      storeStatus,
		ActiveRuns: active,
		Analyses:   s.app.Catalog.Len(),
		Modes:      modes,
	})
}
