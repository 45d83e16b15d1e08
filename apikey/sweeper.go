package apikey

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SystemActor is recorded as the revoker for automated revocations.
const SystemActor = "system@twinstore.local"

// SweepResult summarises one RevokeExpired run.
type SweepResult struct {
	Revoked int
	Skipped int
	Failed  int
}

// Sweeper revokes keys that have passed their expiry.
type Sweeper struct {
	repo   Repository
	logger *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(repo Repository, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{repo: repo, logger: logger}
}

// RevokeExpired revokes every active key expired at now. Keys revoked
// concurrently by someone else are skipped. The first hard failure is
// returned after the remaining keys have been attempted.
func (s *Sweeper) RevokeExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	expired, err := s.repo.FindExpired(ctx, now)
	if err != nil {
		return res, err
	}

	var firstErr error
	for _, k := range expired {
		_, err := s.repo.RevokeWithGuard(ctx, k, SystemActor)
		switch {
		case err == nil:
			res.Revoked++
		case errors.Is(err, ErrAlreadyRevoked):
			res.Skipped++
		default:
			res.Failed++
			s.logger.Warn("failed to revoke expired key", "keyID", k.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.logger.Info("expired key sweep completed",
		"revoked", res.Revoked,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	return res, firstErr
}
