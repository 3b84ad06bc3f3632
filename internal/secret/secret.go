// Package secret exposes decrypted provider credentials to the
// outbound-call layer. Nothing else in the service reads plaintext secrets.
package secret

import (
	"context"
	"fmt"

	"gitlab.tepseg.com/ai/account-pool/internal/apperror"
	"gitlab.tepseg.com/ai/account-pool/internal/repository"
	"gitlab.tepseg.com/ai/account-pool/internal/util"
)

// Source resolves an account id to its decrypted credential.
type Source interface {
	GetDecryptedCredential(ctx context.Context, accountID string) (string, error)
}

type store struct {
	accounts repository.AccountRepository
	key      string
}

func NewStore(accounts repository.AccountRepository, encryptionKey string) Source {
	return &store{accounts: accounts, key: encryptionKey}
}

func (s *store) GetDecryptedCredential(ctx context.Context, accountID string) (string, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return "", apperror.NotFound("account %s not found", accountID)
	}
	if len(account.CredentialCiphertext) == 0 {
		return "", apperror.NotFound("account %s has no stored credential", accountID)
	}

	plaintext, err := util.Decrypt(s.key, account.CredentialCiphertext)
	if err != nil {
		return "", apperror.Internal(err, "decrypt credential for account %s", accountID)
	}
	return plaintext, nil
}
