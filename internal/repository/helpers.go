package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/onlyus/sync-server-go/internal/database"
	"github.com/onlyus/sync-server-go/internal/model"
)

// pqUniqueViolation is the SQLSTATE for a unique index conflict.
const pqUniqueViolation = "23505"

// getSession runs a single-row session query. A query that matches nothing,
// including a guarded UPDATE ... RETURNING that lost its race, yields nil.
func getSession(ctx context.Context, db database.DBTX, query string, args ...interface{}) (*model.PairingSession, error) {
	var session model.PairingSession
	err := db.GetContext(ctx, &session, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
