package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"gitlab.tepseg.com/ai/account-pool/internal/secret"
)

// CredentialHandler serves decrypted credentials to the outbound-call
// layer. It sits behind the same bearer auth as the admin surface and is
// the only place a raw secret leaves the service.
type CredentialHandler struct {
	secrets secret.Source
}

func NewCredentialHandler(secrets secret.Source) *CredentialHandler {
	return &CredentialHandler{secrets: secrets}
}

func (h *CredentialHandler) GetCredential(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	credential, err := h.secrets.GetDecryptedCredential(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"accountId":  accountID,
		"credential": credential,
	})
}
