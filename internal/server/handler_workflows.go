package server

import (
	"encoding/json"
	"net/http"

	"github.com/me/weft/internal/engine"
	"github.com/me/weft/internal/parser"
	"github.com/me/weft/pkg/model"
)

// runRequest is the body of POST /runs and POST /workflows/validate. The
// workflow is a JSON document in any form the parser accepts; inputs bind
// "node/port" to literals on top of the document's own bindings.
type runRequest struct {
	Workflow json.RawMessage          `json:"workflow"`
	Inputs   map[string]model.Literal `json:"inputs,omitempty"`
}

type plannedEdge struct {
	Edge     string  `json:"edge"`
	Path     string  `json:"path"`
	Cost     float64 `json:"cost"`
	Lossless bool    `json:"lossless"`
}

type validateResponse struct {
	Valid      bool          `json:"valid"`
	WorkflowID string        `json:"workflow_id,omitempty"`
	Order      []string      `json:"order"`
	Edges      []plannedEdge `json:"edges"`
}

// compileRequest decodes and compiles a run request, writing the error
// response itself when it fails.
func (s *Server) compileRequest(w http.ResponseWriter, r *http.Request) (*engine.Compiled, bool) {
	reqID := RequestIDFromContext(r.Context())

	var req runRequest
	if !decodeJSON(w, r, &req) {
		return nil, false
	}
	if len(req.Workflow) == 0 || string(req.Workflow) == "null" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "workflow", Message: "workflow is required"}))
		return nil, false
	}

	spec, err := s.app.Parser.ParseWorkflowWithBase(req.Workflow, "")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid workflow document", model.FieldError{Field: "workflow", Message: err.Error()}))
		return nil, false
	}
	if err := parser.ApplyBindings(spec, req.Inputs); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid input binding", model.FieldError{Field: "inputs", Message: err.Error()}))
		return nil, false
	}

	c, err := s.app.Engine.Compile(r.Context(), spec)
	if err != nil {
		respondValidation(w, reqID, err)
		return nil, false
	}
	return c, true
}

// handleValidateWorkflow compiles a workflow and reports its execution
// order and planned conversions without running it.
func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	c, ok := s.compileRequest(w, r)
	if !ok {
		return
	}
	resp := validateResponse{Valid: true, WorkflowID: c.Spec.ID, Order: c.Plan.Order, Edges: []plannedEdge{}}
	for _, id := range c.Plan.Order {
		for _, pe := range c.Plan.Outbound[id] {
			resp.Edges = append(resp.Edges, plannedEdge{
				Edge:     pe.Edge.String(),
				Path:     pe.Path.String(),
				Cost:     pe.Path.Cost(),
				Lossless: pe.Path.Lossless(),
			})
		}
	}
	respondOK(w, reqID, resp)
}
