package server

import (
	"database/sql"
	"errors"
	"net/http"

	"autogeoref/internal/app"
	imgload "autogeoref/internal/image"
	"autogeoref/internal/optimizer"
	"autogeoref/internal/pairs"
	"autogeoref/internal/params"
	"autogeoref/internal/storage"
)

type requestError struct {
	err error
}

func (e requestError) Error() string { return e.err.Error() }
func (e requestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return requestError{err}
}

// statusFor maps configuration errors to 400, unusable inputs to 422 and
// unknown ids to 404.
func statusFor(err error) int {
	var re requestError
	switch {
	case errors.As(err, &re),
		errors.Is(err, params.ErrInvalidParams),
		errors.Is(err, params.ErrUnknownDetector),
		errors.Is(err, params.ErrUnknownMatcher),
		errors.Is(err, params.ErrInvalidGrid),
		errors.Is(err, optimizer.ErrInvalidOptions),
		errors.Is(err, optimizer.ErrEmptyCandidates),
		errors.Is(err, optimizer.ErrTooFewPairs),
		errors.Is(err, pairs.ErrMalformedLine):
		return http.StatusBadRequest
	case errors.Is(err, imgload.ErrUnreadableImage),
		errors.Is(err, pairs.ErrMissingImage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, app.ErrUnknownRun),
		errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	} else {
		s.log.Debug("request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
