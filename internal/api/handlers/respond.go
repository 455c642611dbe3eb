package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/markdave123-py/docchat/internal/apperr"
	"github.com/markdave123-py/docchat/internal/logger"
)

const maxJSONBody = 1 << 20

var errBadJSON = apperr.Validation("invalid JSON body")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a single JSON value of at most maxJSONBody bytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return errBadJSON.Wrap(err)
	}
	return nil
}

// logIfInternal records the cause of 5xx answers; clients only see the public message.
func logIfInternal(log *logger.Logger, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
}

// authError answers in the {success, message} shape of the auth routes.
func authError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	status := apperr.HTTPStatus(err)
	logIfInternal(log, r, status, err)
	writeJSON(w, status, map[string]any{"success": false, "message": apperr.PublicMessage(err)})
}

// detailError answers in the {detail} shape of the conversation and document routes.
func detailError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	status := apperr.HTTPStatus(err)
	logIfInternal(log, r, status, err)
	writeJSON(w, status, map[string]string{"detail": apperr.PublicMessage(err)})
}
