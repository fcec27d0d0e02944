package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeError maps err onto an HTTP status. Unexpected errors are logged and hidden behind fallback.
func writeError(w http.ResponseWriter, err error, fallback string) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(ve.Error()))
	case errors.Is(err, models.ErrPatientNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
	case errors.Is(err, models.ErrReminderNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Reminder not found"))
	default:
		slog.Error("Server.writeError: request failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(fallback))
	}
}
