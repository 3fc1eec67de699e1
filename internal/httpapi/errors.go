package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"notifyd/internal/dispatch"
	"notifyd/internal/model"
	"notifyd/internal/pipeline"
	"notifyd/internal/prefs"
	"notifyd/pkg/logx"
)

// errBadRequest marks malformed input detected by the handlers themselves.
var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

func statusFor(err error) int {
	var ierr *prefs.ImportError
	switch {
	case errors.As(err, &ierr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadRequest),
		errors.Is(err, model.ErrInvalidType),
		errors.Is(err, model.ErrInvalidChannel),
		errors.Is(err, model.ErrInvalidPriority),
		errors.Is(err, model.ErrMissingEventID):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNoRecipients),
		errors.Is(err, model.ErrUnknownUser):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrImmutable),
		errors.Is(err, model.ErrAlreadyRead),
		errors.Is(err, model.ErrNotSent),
		errors.Is(err, pipeline.ErrNotResendable):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrQueueFull),
		errors.Is(err, dispatch.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var ierr *prefs.ImportError
	if errors.As(err, &ierr) {
		body.Problems = ierr.Problems
	}
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", logField(r), logx.Err(err))
	}
	writeJSON(w, status, body)
}
