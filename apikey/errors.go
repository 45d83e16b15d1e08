package apikey

import (
	"errors"
	"fmt"

	"github.com/jacentio/twinstore/repository"
)

var (
	// ErrAlreadyRevoked is returned when a guarded revoke or rotate loses to a
	// prior revocation. It matches repository.ErrConflict.
	ErrAlreadyRevoked = fmt.Errorf("api key already revoked: %w", repository.ErrConflict)

	// ErrAlreadyExists is returned when a create-only write finds the key
	// already stored. It matches repository.ErrConflict.
	ErrAlreadyExists = fmt.Errorf("api key already exists: %w", repository.ErrConflict)

	// ErrMissingID is returned when an operation needs an identifier the key lacks.
	ErrMissingID = errors.New("api key id must be set")

	// ErrInvalid wraps validation failures.
	ErrInvalid = errors.New("invalid api key")
)
