package api

import (
	"channel-hub/errors"
	"encoding/json"
	"log/slog"
	"net/http"

	stderrors "errors"
)

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(log *slog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Unable to write response", "error", err)
	}
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError maps domain errors to HTTP statuses: validation 400, unknown
// entities 404, auth 401. Anything else is logged and reported as 500.
func writeError(log *slog.Logger, w http.ResponseWriter, err error) {
	var verr *errors.ValidationError
	switch {
	case stderrors.As(err, &verr):
		writeJSON(log, w, http.StatusBadRequest, errorBody{Error: "validation failed", Fields: verr.Fields})
	case stderrors.Is(err, errors.ErrUnknownConnection),
		stderrors.Is(err, errors.ErrUnknownUser),
		stderrors.Is(err, errors.ErrUnknownChannel),
		stderrors.Is(err, errors.ErrUnknownTenant):
		writeJSON(log, w, http.StatusNotFound, errorBody{Error: err.Error()})
	case stderrors.Is(err, errors.ErrUnauthorized):
		writeJSON(log, w, http.StatusUnauthorized, errorBody{Error: errors.ErrUnauthorized.Error()})
	default:
		log.Error("Request failed", "error", err)
		writeJSON(log, w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// decode reads a JSON body into dst. A malformed body is a validation error
// on the body itself.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.NewValidationError("body", "json")
	}
	return nil
}

func decodeBytes(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.NewValidationError("body", "json")
	}
	return nil
}
