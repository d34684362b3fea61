// Package api serves the HTTP surface of the image generation service:
// synchronous generation, image files, health and catalog endpoints, async
// jobs, projects and the job event websocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"imagegen_backend/db"
	"imagegen_backend/imagegen"
	"imagegen_backend/jobs"
	"imagegen_backend/sdruntime"
	"imagegen_backend/shutdown"
)

// Error codes returned in the "error.code" field.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeModelLoadFailed  = "model_load_failed"
	CodeGenerationFailed = "generation_failed"
	CodeNotFound         = "not_found"
	CodeUnauthorized     = "unauthorized"
	CodeRateLimited      = "rate_limited"
	CodeConflict         = "conflict"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal_error"
)

// ErrorBody is the "error" object of a failed response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps every error answer.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// classifyError maps a domain error to an HTTP status and error code.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, imagegen.ErrInvalidRequest),
		errors.Is(err, imagegen.ErrInvalidFilename),
		errors.Is(err, sdruntime.ErrInvalidPrompt),
		errors.Is(err, sdruntime.ErrInvalidParams),
		errors.Is(err, jobs.ErrInvalidJob):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, imagegen.ErrImageNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, jobs.ErrInvalidTransition):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, imagegen.ErrExecutorClosed),
		errors.Is(err, jobs.ErrStopped),
		errors.Is(err, shutdown.ErrShuttingDown),
		errors.Is(err, sdruntime.ErrCacheClosed),
		errors.Is(err, sdruntime.ErrWorkerUnavailable):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.Is(err, sdruntime.ErrModelNotFound),
		errors.Is(err, sdruntime.ErrModelLoadFailed),
		errors.Is(err, sdruntime.ErrPlacementFailed):
		return http.StatusInternalServerError, CodeModelLoadFailed
	case errors.Is(err, sdruntime.ErrGenerationFailed),
		errors.Is(err, sdruntime.ErrOutOfMemory),
		errors.Is(err, sdruntime.ErrBackendFault):
		return http.StatusInternalServerError, CodeGenerationFailed
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	writeError(w, status, code, err.Error())
}
