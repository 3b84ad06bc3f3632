package middleware

import (
	"net/http"

	"gitlab.tepseg.com/ai/account-pool/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}
