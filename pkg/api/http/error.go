package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Error type in API response.
type errorType string

// Error response.
type apiError struct {
	typ errorType
	err error
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.typ, e.err)
}

// List of predefined errors.
const (
	errorBadData  errorType = "bad_data"
	errorExec     errorType = "execution"
	errorInternal errorType = "internal"
)

// Return error response for by setting errorString and errorType in response.
func errorResponse[T any](w http.ResponseWriter, apiErr *apiError, logger *slog.Logger, data []T) {
	var code int

	switch apiErr.typ {
	case errorBadData:
		code = http.StatusBadRequest
	case errorExec:
		code = http.StatusUnprocessableEntity
	case errorInternal:
		code = http.StatusInternalServerError
	default:
		code = http.StatusInternalServerError
	}

	w.WriteHeader(code)

	response := Response[T]{
		Status:    "error",
		ErrorType: apiErr.typ,
		Error:     apiErr.err.Error(),
		Data:      data,
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO")) //nolint:errcheck
	}
}
