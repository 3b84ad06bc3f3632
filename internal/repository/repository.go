package repository

import (
	"context"
	"database/sql"
	"errors"

	"gitlab.tepseg.com/ai/account-pool/internal/apperror"
)

// sqlxDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sqlxDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// HandleNotFound maps sql.ErrNoRows to a nil record without error, so
// callers can distinguish "absent" from storage failures.
func HandleNotFound[T any](record *T, err error) (*T, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// requireRow maps sql.ErrNoRows to the not_found taxonomy error for write
// paths that target a specific row.
func requireRow[T any](record *T, err error, what, id string) (*T, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("%s %s not found", what, id)
		}
		return nil, err
	}
	return record, nil
}
