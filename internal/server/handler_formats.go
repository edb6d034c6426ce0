package server

import (
	"net/http"

	"github.com/me/weft/pkg/model"
)

type formatInfo struct {
	Format      string `json:"format"`
	Description string `json:"description,omitempty"`
	Validated   bool   `json:"validated"`
	Ext         string `json:"ext,omitempty"`
	MediaType   string `json:"media_type,omitempty"`
}

type typeInfo struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Formats     []formatInfo `json:"formats"`
}

type converterInfo struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Cost     float64 `json:"cost"`
	Lossless bool    `json:"lossless"`
}

type formatsResponse struct {
	Types      []typeInfo      `json:"types"`
	Converters []converterInfo `json:"converters"`
}

type pathResponse struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Cost     float64         `json:"cost"`
	Hops     int             `json:"hops"`
	Lossless bool            `json:"lossless"`
	Steps    []converterInfo `json:"steps"`
}

func describeConverter(from, to model.FormatRef, cost float64, lossless bool) converterInfo {
	return converterInfo{From: from.String(), To: to.String(), Cost: cost, Lossless: lossless}
}

// handleListFormats lists the type registry in registration order.
func (s *Server) handleListFormats(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	reg := s.app.Registry

	resp := formatsResponse{Types: []typeInfo{}, Converters: []converterInfo{}}
	for _, t := range reg.Types() {
		ti := typeInfo{Name: t.Name, Description: t.Description, Formats: []formatInfo{}}
		for _, f := range reg.Formats(t.Name) {
			fi := formatInfo{Format: f.Ref.Format, Description: f.Description, Validated: f.Validator != nil}
			if f.Codec != nil {
				fi.Ext, fi.MediaType = f.Codec.Ext, f.Codec.MediaType
			}
			ti.Formats = append(ti.Formats, fi)
		}
		resp.Types = append(resp.Types, ti)
	}
	for _, c := range reg.Converters() {
		resp.Converters = append(resp.Converters, describeConverter(c.From, c.To, c.Cost, c.Lossless))
	}
	respondOK(w, reqID, resp)
}

// handleFindPath reports the conversion path the engine would plan between
// ?from=type/format and ?to=type/format.
func (s *Server) handleFindPath(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	q := r.URL.Query()

	var details []model.FieldError
	from, err := model.ParseFormatRef(q.Get("from"))
	if err != nil {
		details = append(details, model.FieldError{Field: "from", Message: err.Error()})
	}
	to, err := model.ParseFormatRef(q.Get("to"))
	if err != nil {
		details = append(details, model.FieldError{Field: "to", Message: err.Error()})
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid format reference", details...))
		return
	}

	p, err := s.app.Registry.FindPath(from, to)
	if err != nil {
		respondValidation(w, reqID, err)
		return
	}
	resp := pathResponse{
		From:     p.From.String(),
		To:       p.To.String(),
		Cost:     p.Cost(),
		Hops:     p.Hops(),
		Lossless: p.Lossless(),
		Steps:    []converterInfo{},
	}
	for _, c := range p.Steps {
		resp.Steps = append(resp.Steps, describeConverter(c.From, c.To, c.Cost, c.Lossless))
	}
	respondOK(w, reqID, resp)
}
