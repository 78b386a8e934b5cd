package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON / writeError, so every error
// response has the same shape:
//
//	{"error": "already_closed", "message": "issue 3 is already closed"}
//	{"error": "validation_error", "message": "...", "field": "description"}
//
// "error" is apperror.Code(err): stable and machine-readable. The CLI turns
// it back into a typed error with apperror.FromCode.

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethereum/go-ethereum/common"
)

// maxBodyBytes caps request bodies. The largest legal body is a create
// request with a maximal description.
const maxBodyBytes = 64 << 10

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // apperror code, e.g. "not_found"
	Message string `json:"message"`         // human-readable description
	Field   string `json:"field,omitempty"` // offending input field, if any
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS: headers and status must be written before the body.
// Once Encode writes, later header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// statusFor maps the error taxonomy to HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperror.ErrInvalidReward), errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperror.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, apperror.ErrInvalidState),
		errors.Is(err, apperror.ErrAlreadyClosed),
		errors.Is(err, apperror.ErrNothingToWithdraw):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError maps a domain error to its HTTP status and sends it.
//
// Unknown errors become a generic 500. NEVER expose their text: it may
// contain SQL, file paths or RPC endpoints. The caller logs the detail.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || statusFor(err) == http.StatusInternalServerError {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		})
		return
	}

	writeJSON(w, statusFor(err), ErrorResponse{
		Error:   apperror.Code(err),
		Message: appErr.Message,
		Field:   appErr.Field,
	})
}

// decodeJSON reads a single JSON object into dst. Unknown fields and
// trailing data are rejected as validation errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperror.ValidationFailed("", fmt.Sprintf("request body must be at most %d bytes", maxBodyBytes))
		}
		return apperror.ValidationFailed("", "invalid JSON body: "+err.Error())
	}
	if dec.More() {
		return apperror.ValidationFailed("", "request body must contain a single JSON object")
	}
	return nil
}

// parseAddress accepts a 0x-prefixed 20-byte hex address.
func parseAddress(field, s string) (common.Address, error) {
	hasPrefix := strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")
	if !hasPrefix || !common.IsHexAddress(s) {
		return common.Address{}, apperror.ValidationFailed(field, fmt.Sprintf("%q is not a 0x-prefixed address", s))
	}
	return common.HexToAddress(s), nil
}

// parseIssueID reads the {id} path parameter.
func parseIssueID(r *http.Request) (uint64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperror.ValidationFailed("id", fmt.Sprintf("issue id %q is not a non-negative integer", raw))
	}
	return id, nil
}

// queryInt reads an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.ValidationFailed(name, fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}
