// Package audit decorates an apikey.Repository with an audit trail of every
// mutation. Reads pass straight through to the wrapped repository.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/twinstore/apikey"
	"github.com/jacentio/twinstore/repository"
)

// Action names the mutation an Entry records.
type Action string

const (
	ActionSave      Action = "SAVE"
	ActionDelete    Action = "DELETE"
	ActionRevoke    Action = "REVOKE"
	ActionRotate    Action = "ROTATE"
	ActionSaveAll   Action = "SAVE_ALL"
	ActionDeleteAll Action = "DELETE_ALL"
)

// Outcome classifies how a mutation ended.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeConflict Outcome = "CONFLICT"
	OutcomeNotFound Outcome = "NOT_FOUND"
	OutcomeFailure  Outcome = "FAILURE"
)

// Entry is one audited mutation.
type Entry struct {
	Action  Action
	KeyIDs  []uuid.UUID
	Actor   string
	Outcome Outcome
	Err     error
	At      time.Time
}

// Sink receives entries after the mutation completes. Implementations must
// be safe for concurrent use and should not block.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry)

func (f SinkFunc) Record(ctx context.Context, e Entry) { f(ctx, e) }

type actorKey struct{}

// WithActor attaches the acting principal to ctx. It takes precedence over
// actors derived from the call's arguments.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor attached by WithActor, if any.
func ActorFrom(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorKey{}).(string)
	return actor, ok && actor != ""
}

// Repository wraps an apikey.Repository and audits its mutations.
type Repository struct {
	apikey.Repository

	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

var _ apikey.Repository = (*Repository)(nil)

// New wraps next. A nil logger uses slog.Default(); a nil sink only logs.
func New(next apikey.Repository, logger *slog.Logger, sink Sink) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		Repository: next,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
	}
}

// Unwrap returns the decorated repository.
func (r *Repository) Unwrap() apikey.Repository { return r.Repository }

func (r *Repository) Save(ctx context.Context, key *apikey.APIKey) (*apikey.APIKey, error) {
	saved, err := r.Repository.Save(ctx, key)
	r.record(ctx, ActionSave, actorOf(key), err, idOf(saved, key))
	return saved, err
}

func (r *Repository) Delete(ctx context.Context, key *apikey.APIKey) error {
	err := r.Repository.Delete(ctx, key)
	r.record(ctx, ActionDelete, "", err, idOf(nil, key))
	return err
}

func (r *Repository) RevokeWithGuard(ctx context.Context, key *apikey.APIKey, revokedBy string) (*apikey.APIKey, error) {
	revoked, err := r.Repository.RevokeWithGuard(ctx, key, revokedBy)
	r.record(ctx, ActionRevoke, revokedBy, err, idOf(nil, key))
	return revoked, err
}

func (r *Repository) RotateAtomically(ctx context.Context, oldKey, newKey *apikey.APIKey, revokedBy string) (*apikey.APIKey, error) {
	created, err := r.Repository.RotateAtomically(ctx, oldKey, newKey, revokedBy)
	r.record(ctx, ActionRotate, revokedBy, err, append(idOf(nil, oldKey), idOf(created, newKey)...))
	return created, err
}

func (r *Repository) SaveAllAtomically(ctx context.Context, keys []*apikey.APIKey) ([]*apikey.APIKey, error) {
	saved, err := r.Repository.SaveAllAtomically(ctx, keys)
	batch := keys
	if err == nil {
		batch = saved
	}
	var ids []uuid.UUID
	for _, k := range batch {
		ids = append(ids, idOf(nil, k)...)
	}
	r.record(ctx, ActionSaveAll, "", err, ids)
	return saved, err
}

func (r *Repository) DeleteAllAtomically(ctx context.Context, keys []*apikey.APIKey) error {
	err := r.Repository.DeleteAllAtomically(ctx, keys)
	var ids []uuid.UUID
	for _, k := range keys {
		ids = append(ids, idOf(nil, k)...)
	}
	r.record(ctx, ActionDeleteAll, "", err, ids)
	return err
}

func (r *Repository) record(ctx context.Context, action Action, actor string, err error, ids []uuid.UUID) {
	if a, ok := ActorFrom(ctx); ok {
		actor = a
	}
	e := Entry{
		Action:  action,
		KeyIDs:  ids,
		Actor:   actor,
		Outcome: outcomeOf(err),
		Err:     err,
		At:      r.now().UTC(),
	}

	attrs := []slog.Attr{
		slog.String("action", string(e.Action)),
		slog.Any("keyIDs", e.KeyIDs),
		slog.String("actor", e.Actor),
		slog.String("outcome", string(e.Outcome)),
	}
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.Any("error", err))
	}
	r.logger.LogAttrs(ctx, level, "api key audit", attrs...)

	if r.sink != nil {
		r.sink.Record(ctx, e)
	}
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, repository.ErrConflict):
		return OutcomeConflict
	case errors.Is(err, repository.ErrNotFound):
		return OutcomeNotFound
	default:
		return OutcomeFailure
	}
}

func actorOf(k *apikey.APIKey) string {
	if k == nil {
		return ""
	}
	return k.CreatedByEmail
}

// idOf prefers the stored key's id, falling back to the caller's.
func idOf(stored, given *apikey.APIKey) []uuid.UUID {
	for _, k := range []*apikey.APIKey{stored, given} {
		if k != nil && k.ID != uuid.Nil {
			return []uuid.UUID{k.ID}
		}
	}
	return nil
}
