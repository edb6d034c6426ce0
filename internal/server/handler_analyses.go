package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/me/weft/pkg/model"
)

type analysisSummary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Mode        model.Mode `json:"mode"`
	Inputs      []string   `json:"inputs"`
	Outputs     []string   `json:"outputs"`
}

func summarizeAnalysis(a *model.Analysis) analysisSummary {
	port := func(p model.Port) string {
		s := p.Name + ": " + p.Ref().String()
		if !p.Required() {
			s += "?"
		}
		return s
	}
	out := analysisSummary{ID: a.ID, Name: a.DisplayName(), Description: a.Description, Mode: a.Mode}
	for _, p := range a.Inputs {
		out.Inputs = append(out.Inputs, port(p))
	}
	for _, p := range a.Outputs {
		out.Outputs = append(out.Outputs, port(p))
	}
	return out
}

// handleListAnalyses lists catalogued analyses, optionally filtered by ?mode=.
func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	mode := r.URL.Query().Get("mode")

	data := []analysisSummary{}
	for _, a := range s.app.Catalog.List() {
		if mode != "" && string(a.Mode) != mode {
			continue
		}
		data = append(data, summarizeAnalysis(a))
	}
	respondList(w, reqID, data, &model.Pagination{Total: len(data), Limit: len(data)})
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	a, ok := s.app.Catalog.Get(id)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("analysis", id))
		return
	}
	respondOK(w, reqID, a)
}

// handleCreateAnalysis registers an analysis document (YAML or JSON).
// $import is not honoured on the server.
func (s *Server) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("read body: "+err.Error()))
		return
	}
	def, err := s.app.Parser.ParseAnalysis(body, "")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}
	if strings.TrimSpace(def.ID) == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "id", Message: "id is required"}))
		return
	}
	if _, exists := s.app.Catalog.Get(def.ID); exists {
		respondError(w, reqID, http.StatusConflict, model.NewConflictError(fmt.Sprintf("analysis '%s' already exists", def.ID)))
		return
	}

	a, err := s.app.Catalog.Add(s.app.Registry, *def)
	if err != nil {
		respondValidation(w, reqID, err)
		return
	}
	s.logger.Info("analysis registered", "id", a.ID, "mode", a.Mode)
	respondCreated(w, reqID, a)
}
