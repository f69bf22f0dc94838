package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows"
)

var errBadRequest = errors.New("bad request")

type ErrorResponse struct {
	Message string `json:"message"`
}

func WriteErrorResponse(writer http.ResponseWriter, err error, statusCode int) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)

	resp := ErrorResponse{Message: err.Error()}
	_ = json.NewEncoder(writer).Encode(resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, environment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflows.ErrInvalidState),
		errors.Is(err, environment.ErrIllegalTransition),
		errors.Is(err, environment.ErrRetriesExhausted):
		return http.StatusConflict
	case errors.Is(err, workflows.ErrUnknownSKU), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
