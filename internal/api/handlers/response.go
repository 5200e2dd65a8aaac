// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	apierrors "github.com/narvanalabs/fleet/internal/api/errors"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteBadRequest writes a 400 Bad Request response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteErrorWithRequestID(w, apierrors.NewValidationError(message), middleware.GetReqID(r.Context()))
}

// WriteDomainError translates err into a structured response. Internal errors are logged with
// the request id; client errors are not.
func WriteDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, msg string, err error) {
	requestID := middleware.GetReqID(r.Context())
	apiErr := apierrors.FromDomain(err)
	if apiErr.HTTPStatusCode() == http.StatusInternalServerError {
		logger.Error(msg, "error", err, "request_id", requestID, "path", r.URL.Path)
	}
	apierrors.WriteErrorWithRequestID(w, apiErr, requestID)
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// pathID parses a UUID URL parameter and writes a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		WriteBadRequest(w, r, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// queryID parses an optional UUID query parameter.
func queryID(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// validator is implemented by request bodies.
type validator interface {
	Validate() error
}

// bind decodes and validates a request body, writing a 400 on failure.
func bind(w http.ResponseWriter, r *http.Request, req validator) bool {
	if err := decode(r, req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	if err := req.Validate(); err != nil {
		var fields apierrors.ValidationErrors
		if errors.As(err, &fields) {
			apierrors.WriteErrorWithRequestID(w, fields.ToAPIError(), middleware.GetReqID(r.Context()))
			return false
		}
		WriteBadRequest(w, r, err.Error())
		return false
	}
	return true
}
