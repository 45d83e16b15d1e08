package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jacentio/twinstore/store"
)

// SQLSTATE codes the classifier distinguishes.
const (
	codeUniqueViolation      = "23505"
	codeStringTooLong        = "22001"
	codeProgramLimitExceeded = "54000"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeTooManyConnections   = "53300"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
)

// Classify maps a pgx error onto the storage Kind taxonomy so the store
// Executor can drive retries for the relational backend.
func Classify(err error) (store.Kind, bool) {
	k := classify(err)
	return k, k.Retryable()
}

func classify(err error) store.Kind {
	if err == nil {
		return store.KindUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return store.KindInterrupted
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.KindNotFound
	}
	var ge *guardError
	if errors.As(err, &ge) {
		if ge.missing {
			return store.KindNotFound
		}
		return store.KindConflict
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return store.KindConflict
		case codeStringTooLong, codeProgramLimitExceeded:
			return store.KindOversize
		case codeSerializationFailure, codeDeadlockDetected:
			return store.KindInternal
		case codeTooManyConnections:
			return store.KindRequestLimit
		case codeAdminShutdown, codeCannotConnectNow:
			return store.KindInternal
		}
		return store.KindUnknown
	}

	// Connection-level failures are safe to retry when nothing was sent.
	if pgconn.SafeToRetry(err) {
		return store.KindInternal
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return store.KindInternal
	}
	return store.KindUnknown
}
