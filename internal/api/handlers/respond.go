package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-erx/internal/api/middleware"
	"github.com/drfirst/go-erx/internal/domain"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Reference string `json:"reference,omitempty"`
}

func respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	respond(w, code, ErrorResponse{Error: message})
}

// decode reads a JSON body, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// pathID parses the {id} URL parameter.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// bodyID parses a uuid carried in a request body field.
func bodyID(w http.ResponseWriter, field, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		respond(w, http.StatusBadRequest, ErrorResponse{Error: "invalid " + field, Field: field})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps a domain error onto its HTTP status.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var (
		ve *domain.ValidationError
		re *domain.ReferenceNotFoundError
		ne *domain.NotFoundError
		ie *domain.InvalidStateError
	)
	switch {
	case errors.As(err, &ve):
		respond(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Field: ve.Field})
	case errors.As(err, &re):
		respond(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Reference: re.Reference})
	case errors.As(err, &ne):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &ie):
		jsonError(w, err.Error(), http.StatusConflict)
	default:
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}
