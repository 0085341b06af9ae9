// Package server provides the HTTP and WebSocket plumbing of the wake-word API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/oszuidwest/zwfm-wakeword/internal/types"
	"github.com/oszuidwest/zwfm-wakeword/internal/util"
)

// maxBodyBytes limits request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every failed API call. Code is the integer
// result code of the orchestrator.
type ErrorResponse struct {
	Error  string             `json:"error"`
	Code   types.Status       `json:"code"`
	Status string             `json:"status"`
	Fields []types.FieldError `json:"fields,omitempty"`
}

// DecodeAndValidate decodes the JSON request body into v and validates it.
// An empty body leaves v unchanged. Failures map to
// [types.StatusInvalidParameter].
func DecodeAndValidate[T any](r *http.Request, v *T) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w (%w)", err, types.ErrInvalidParameter)
	}
	return util.ValidateStruct(v)
}

// HTTPStatus maps an orchestrator error onto an HTTP status code.
func HTTPStatus(err error) int {
	switch types.StatusOf(err) {
	case types.StatusOK:
		return http.StatusOK
	case types.StatusInvalidParameter:
		return http.StatusBadRequest
	case types.StatusFileNotFound:
		return http.StatusNotFound
	case types.StatusWrongState, types.StatusFailure:
		return http.StatusConflict
	case types.StatusUnknown:
		return http.StatusInternalServerError
	}
	// Engine status codes pass through unchanged.
	return http.StatusBadGateway
}

// WriteJSON writes data as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// WriteError writes err as an [ErrorResponse].
func WriteError(w http.ResponseWriter, err error) {
	code := types.StatusOf(err)
	resp := ErrorResponse{Error: err.Error(), Code: code, Status: code.String()}
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Errors
	}
	WriteJSON(w, HTTPStatus(err), resp)
}

// WriteMessage writes a plain error message with an explicit HTTP status.
func WriteMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
