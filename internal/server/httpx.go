package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ahrav/go-phaseflow/internal/dispatch"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

type errorBody struct {
	RequestID string    `json:"request_id,omitempty"`
	Error     errorInfo `json:"error"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorBody{
		RequestID: middleware.GetReqID(r.Context()),
		Error:     errorInfo{Code: code, Message: message},
	})
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var precondition *pipeerrors.PreconditionError
	switch {
	case errors.Is(err, pipeerrors.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, pipeerrors.ErrLicenceRequired):
		writeError(w, r, http.StatusForbidden, "LICENCE_REQUIRED", err.Error())
	case errors.Is(err, pipeerrors.ErrUnknownEvent):
		writeError(w, r, http.StatusUnprocessableEntity, "UNKNOWN_EVENT", err.Error())
	case errors.Is(err, pipeerrors.ErrInvalidPayload):
		writeError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
	case errors.As(err, &precondition):
		writeError(w, r, http.StatusConflict, "PRECONDITION_FAILED", err.Error())
	case errors.Is(err, dispatch.ErrNotRedrivable):
		writeError(w, r, http.StatusConflict, "NOT_REDRIVABLE", err.Error())
	case errors.Is(err, pipeerrors.ErrConflict):
		writeError(w, r, http.StatusConflict, "CONFLICT", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
