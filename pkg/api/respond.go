package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/hco/pkg/hcoerr"
	"github.com/cuemby/hco/pkg/log"
)

// errorCode is a stable, client-facing identifier for an error kind —
// stable across releases even if the underlying message text changes.
type errorCode string

const (
	codeValidation   errorCode = "VALIDATION_ERROR"
	codeIntegrity    errorCode = "INTEGRITY_ERROR"
	codeLeaseStale   errorCode = "LEASE_STALE"
	codeShardFailure errorCode = "SHARD_FAILURE"
	codeTransient    errorCode = "TRANSIENT"
	codeFatal        errorCode = "FATAL"
	codeNotFound     errorCode = "NOT_FOUND"
	codeInternal     errorCode = "INTERNAL"
)

// errorEnvelope is the JSON body every non-2xx response carries.
type errorEnvelope struct {
	Code          errorCode `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id"`
}

// statusForErr maps an hcoerr.Error kind to the HTTP status and stable
// code spec §7 requires. Errors not wrapped as *hcoerr.Error are treated
// as internal failures.
func statusForErr(err error) (int, errorCode) {
	var e *hcoerr.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, codeInternal
	}
	switch e.Kind() {
	case hcoerr.KindValidation:
		return http.StatusBadRequest, codeValidation
	case hcoerr.KindIntegrity:
		return http.StatusUnprocessableEntity, codeIntegrity
	case hcoerr.KindLeaseStale:
		return http.StatusConflict, codeLeaseStale
	case hcoerr.KindShardFailure:
		return http.StatusConflict, codeShardFailure
	case hcoerr.KindTransient:
		return http.StatusServiceUnavailable, codeTransient
	case hcoerr.KindFatal:
		return http.StatusInternalServerError, codeFatal
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// writeJSON encodes v as the response body with status and the standard
// Content-Type header.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates err into the stable error-code envelope and
// logs it at a severity matching its HTTP status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForErr(err)
	correlationID := correlationIDFromContext(r.Context())

	logger := log.WithCorrelationID(correlationID)
	event := logger.Warn()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).Str("path", r.URL.Path).Str("method", r.Method).Int("status", status).Msg("request failed")

	writeJSON(w, status, errorEnvelope{Code: code, Message: err.Error(), CorrelationID: correlationID})
}

// writeNotFound responds 404 for a nil lookup result (the store
// convention in this codebase is nil,nil for a missing row, never an
// error) using the same envelope shape as writeError.
func writeNotFound(w http.ResponseWriter, r *http.Request, what string) {
	writeJSON(w, http.StatusNotFound, errorEnvelope{
		Code:          codeNotFound,
		Message:       what + " not found",
		CorrelationID: correlationIDFromContext(r.Context()),
	})
}

// decodeJSON decodes r's body into v, returning a ValidationError on
// malformed JSON.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return hcoerr.Validation("malformed request body", err)
	}
	return nil
}
