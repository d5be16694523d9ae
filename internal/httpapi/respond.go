package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mtzyw/upimage-sub001/internal/domain/apikey"
	"github.com/mtzyw/upimage-sub001/internal/domain/credit"
	"github.com/mtzyw/upimage-sub001/internal/domain/task"
	"github.com/mtzyw/upimage-sub001/internal/domain/trial"
	"github.com/mtzyw/upimage-sub001/internal/services/webhook"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

// maxBodyBytes bounds request bodies on JSON endpoints.
const maxBodyBytes = 1 << 20 // 1 MiB

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: status, Message: err.Error()}})
}

var errInternal = errors.New("internal error")

// writeServiceError maps domain sentinels onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, credit.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, apikey.ErrNoKeyAvailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, apikey.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, task.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, trial.ErrTrialUsed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, trial.ErrInvalidFingerprint):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, webhook.ErrBadSignature):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, webhook.ErrBadPayload):
		writeError(w, http.StatusBadRequest, err)
	default:
		// Wrapped errors carry store and upstream detail that stays in
		// the logs, never in the response body.
		log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, errInternal)
	}
}

func decodeJSON(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
