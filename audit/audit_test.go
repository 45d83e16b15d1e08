package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/twinstore/apikey"
	"github.com/jacentio/twinstore/audit"
	"github.com/jacentio/twinstore/backend/dynamo"
	"github.com/jacentio/twinstore/internal/ddbtest"
	"github.com/jacentio/twinstore/repository"
	"github.com/jacentio/twinstore/store"
)

type recorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recorder) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) last(t *testing.T) audit.Entry {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		t.Fatal("no audit entries recorded")
	}
	return r.entries[len(r.entries)-1]
}

func newAudited(t *testing.T, out io.Writer) (*audit.Repository, *recorder) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(out, nil))
	tbl := ddbtest.NewSingleTable("audit-test")
	s := store.New(tbl, store.Config{TableName: "audit-test"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := &recorder{}
	return audit.New(dynamo.NewAPIKeyRepository(s, nil), logger, rec), rec
}

func newKey() *apikey.APIKey {
	return apikey.New("ci", uuid.NewString(), "tw_ci", apikey.TypeUser, "dev@example.com", "Admin@Example.com", nil)
}

// --- Decorator Tests ---

func TestRepository_SaveRecordsCreator(t *testing.T) {
	repo, rec := newAudited(t, io.Discard)

	saved, err := repo.Save(context.Background(), newKey())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	e := rec.last(t)
	if e.Action != audit.ActionSave || e.Outcome != audit.OutcomeSuccess {
		t.Errorf("entry = %s/%s, want SAVE/SUCCESS", e.Action, e.Outcome)
	}
	if e.Actor != "admin@example.com" {
		t.Errorf("Actor = %q, want admin@example.com", e.Actor)
	}
	if len(e.KeyIDs) != 1 || e.KeyIDs[0] != saved.ID {
		t.Errorf("KeyIDs = %v, want [%s]", e.KeyIDs, saved.ID)
	}
	if e.At.IsZero() {
		t.Error("At is zero")
	}
}

func TestRepository_RevokeOutcomes(t *testing.T) {
	repo, rec := newAudited(t, io.Discard)
	ctx := context.Background()

	saved, err := repo.Save(ctx, newKey())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := repo.RevokeWithGuard(ctx, saved, "security@example.com"); err != nil {
		t.Fatalf("RevokeWithGuard failed: %v", err)
	}
	if e := rec.last(t); e.Outcome != audit.OutcomeSuccess || e.Actor != "security@example.com" {
		t.Errorf("first revoke entry = %+v", e)
	}

	_, err = repo.RevokeWithGuard(ctx, saved, "security@example.com")
	if !errors.Is(err, apikey.ErrAlreadyRevoked) {
		t.Fatalf("second revoke error = %v, want ErrAlreadyRevoked", err)
	}
	e := rec.last(t)
	if e.Outcome != audit.OutcomeConflict {
		t.Errorf("Outcome = %s, want CONFLICT", e.Outcome)
	}
	if !errors.Is(e.Err, apikey.ErrAlreadyRevoked) {
		t.Errorf("Err = %v, want ErrAlreadyRevoked", e.Err)
	}

	missing := newKey()
	_, err = repo.RevokeWithGuard(ctx, missing, "security@example.com")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing revoke error = %v, want ErrNotFound", err)
	}
	if e := rec.last(t); e.Outcome != audit.OutcomeNotFound {
		t.Errorf("Outcome = %s, want NOT_FOUND", e.Outcome)
	}
}

func TestRepository_RotateRecordsBothKeys(t *testing.T) {
	repo, rec := newAudited(t, io.Discard)
	ctx := context.Background()

	old, err := repo.Save(ctx, newKey())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	created, err := repo.RotateAtomically(ctx, old, newKey(), "dev@example.com")
	if err != nil {
		t.Fatalf("RotateAtomically failed: %v", err)
	}

	e := rec.last(t)
	if e.Action != audit.ActionRotate {
		t.Errorf("Action = %s, want ROTATE", e.Action)
	}
	if len(e.KeyIDs) != 2 || e.KeyIDs[0] != old.ID || e.KeyIDs[1] != created.ID {
		t.Errorf("KeyIDs = %v, want [%s %s]", e.KeyIDs, old.ID, created.ID)
	}
}

func TestRepository_ContextActorWins(t *testing.T) {
	repo, rec := newAudited(t, io.Discard)
	ctx := audit.WithActor(context.Background(), "ops-bot")

	saved, err := repo.Save(ctx, newKey())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := repo.DeleteAllAtomically(ctx, []*apikey.APIKey{saved}); err != nil {
		t.Fatalf("DeleteAllAtomically failed: %v", err)
	}

	e := rec.last(t)
	if e.Action != audit.ActionDeleteAll || e.Actor != "ops-bot" {
		t.Errorf("entry = %s by %q, want DELETE_ALL by ops-bot", e.Action, e.Actor)
	}
}

func TestRepository_ReadsAreNotAudited(t *testing.T) {
	repo, rec := newAudited(t, io.Discard)
	ctx := context.Background()

	saved, err := repo.Save(ctx, newKey())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	before := len(rec.entries)

	if _, err := repo.FindByID(ctx, saved.ID); err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if _, err := repo.FindByUserEmail(ctx, "dev@example.com"); err != nil {
		t.Fatalf("FindByUserEmail failed: %v", err)
	}
	if _, err := repo.Count(ctx); err != nil {
		t.Fatalf("Count failed: %v", err)
	}

	if len(rec.entries) != before {
		t.Errorf("reads recorded %d entries", len(rec.entries)-before)
	}
}

func TestRepository_FailedSaveAll(t *testing.T) {
	repo, rec := newAudited(t, io.Discard)

	bad := newKey()
	bad.Name = ""
	_, err := repo.SaveAllAtomically(context.Background(), []*apikey.APIKey{newKey(), bad})
	if !errors.Is(err, apikey.ErrInvalid) {
		t.Fatalf("SaveAllAtomically error = %v, want ErrInvalid", err)
	}

	e := rec.last(t)
	if e.Action != audit.ActionSaveAll || e.Outcome != audit.OutcomeFailure {
		t.Errorf("entry = %s/%s, want SAVE_ALL/FAILURE", e.Action, e.Outcome)
	}
	if len(e.KeyIDs) != 2 {
		t.Errorf("KeyIDs = %v, want both batch members", e.KeyIDs)
	}
}

func TestRepository_LogRecord(t *testing.T) {
	var buf bytes.Buffer
	repo, _ := newAudited(t, &buf)

	k := newKey()
	if err := repo.Delete(audit.WithActor(context.Background(), "admin@example.com"), k); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	line := strings.TrimSpace(buf.String())
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("log line %q is not JSON: %v", line, err)
	}
	for key, want := range map[string]string{
		"msg":     "api key audit",
		"level":   "INFO",
		"action":  "DELETE",
		"actor":   "admin@example.com",
		"outcome": "SUCCESS",
	} {
		if got := rec[key]; got != want {
			t.Errorf("%s = %v, want %s", key, got, want)
		}
	}
}

func TestSinkFunc(t *testing.T) {
	var got audit.Entry
	sink := audit.SinkFunc(func(_ context.Context, e audit.Entry) { got = e })
	sink.Record(context.Background(), audit.Entry{Action: audit.ActionRevoke, At: time.Unix(0, 0)})
	if got.Action != audit.ActionRevoke {
		t.Errorf("Action = %s, want REVOKE", got.Action)
	}
}
