package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"slate/cmd/internal/attach"
	"slate/cmd/internal/chat"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// writeServiceError maps core errors onto the HTTP surface. Anything
// unclassified is a retryable internal failure; the message is not leaked.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusUnprocessableEntity, "empty_message", "message needs content or attachments")
	case errors.Is(err, chat.ErrRoleMismatch):
		writeError(w, http.StatusUnprocessableEntity, "role_mismatch", "participants must be one teacher and one student")
	case errors.Is(err, chat.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "invalid request")
	case errors.Is(err, chat.ErrRecipientNotFound):
		writeError(w, http.StatusNotFound, "recipient_not_found", "recipient not found")
	case errors.Is(err, chat.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, attach.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "attachment_too_large", "attachment exceeds size limit")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
