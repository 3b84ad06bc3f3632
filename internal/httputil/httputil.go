package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"gitlab.tepseg.com/ai/account-pool/internal/apperror"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func statusFor(code apperror.Code) int {
	switch code {
	case apperror.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperror.CodeNotFound:
		return http.StatusNotFound
	case apperror.CodeConflict:
		return http.StatusConflict
	case apperror.CodeResourceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError maps the taxonomy code to an HTTP status. Internal errors are
// logged and their details kept out of the response body.
func WriteError(w http.ResponseWriter, err error) {
	code := apperror.CodeOf(err)
	status := statusFor(code)

	message := err.Error()
	if code == apperror.CodeInternal {
		log.Error().Err(err).Msg("internal error")
		message = "internal error"
	}

	WriteJSON(w, status, map[string]string{
		"code":  string(code),
		"error": message,
	})
}
