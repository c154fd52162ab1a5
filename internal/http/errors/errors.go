// Package errors carries HTTP error helpers: the client sees a small JSON
// body, the log gets the real error with the request id.
package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

func writeJSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// InternalError logs err and answers with a generic 500 so internals never
// leak to the client.
func InternalError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, message string) {
	logger.Error(message, "request_id", middleware.GetReqID(r.Context()), "error", err)
	writeJSON(w, http.StatusInternalServerError, "internal server error")
}

// BadRequest logs err and answers 400 with the client-safe message.
func BadRequest(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, clientMessage string) {
	logger.Warn("bad request", "request_id", middleware.GetReqID(r.Context()), "error", err)
	writeJSON(w, http.StatusBadRequest, clientMessage)
}

// NotFound answers 404.
func NotFound(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusNotFound, message)
}

// Unprocessable answers 422 with the client-safe message, for requests that
// parse but fail validation against the provider.
func Unprocessable(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnprocessableEntity, message)
}
