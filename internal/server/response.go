package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/me/weft/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

// respondCreated writes a 201 response with the standard envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil, nil)
}

// respondAccepted writes a 202 response for work that continues in the background.
func respondAccepted(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusAccepted, reqID, data, nil, nil)
}

// respondList writes a success response with pagination.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// respondValidation writes a 422 whose error kind names the first typed
// workflow error found in err's chain.
func respondValidation(w http.ResponseWriter, reqID string, err error) {
	apiErr := model.NewValidationError(err.Error())
	apiErr.Kind = errorKind(err)
	respondError(w, reqID, http.StatusUnprocessableEntity, apiErr)
}

func errorKind(err error) string {
	var (
		notConvertible *model.NotConvertibleError
		unknownFormat  *model.UnknownFormatError
		cycle          *model.CycleError
		dangling       *model.DanglingPortError
		mismatch       *model.TypeMismatchError
		unbound        *model.UnboundInputError
		duplicate      *model.DuplicateBindingError
		invalid        *model.ValidationError
	)
	switch {
	case errors.As(err, &cycle):
		return "cycle"
	case errors.As(err, &dangling):
		return "dangling_port"
	case errors.As(err, &mismatch):
		return "type_mismatch"
	case errors.As(err, &unbound):
		return "unbound_input"
	case errors.As(err, &duplicate):
		return "duplicate_binding"
	case errors.As(err, &notConvertible):
		return "not_convertible"
	case errors.As(err, &unknownFormat):
		return "unknown_format"
	case errors.As(err, &invalid):
		return "invalid_value"
	}
	return "invalid_workflow"
}

// decodeJSON decodes the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return false
	}
	return true
}
