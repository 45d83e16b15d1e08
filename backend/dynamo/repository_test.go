package dynamo_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/twinstore/apikey"
	"github.com/jacentio/twinstore/backend/dynamo"
	"github.com/jacentio/twinstore/internal/ddbtest"
	"github.com/jacentio/twinstore/internal/keys"
	"github.com/jacentio/twinstore/repository"
	"github.com/jacentio/twinstore/store"
)

const tableName = "twinstore-test"

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T, opts ...ddbtest.Option) (*dynamo.APIKeyRepository, *ddbtest.Table) {
	t.Helper()
	tbl := ddbtest.NewSingleTable(tableName, opts...)
	retry := store.DefaultRetryPolicy()
	retry.InitialBackoff = time.Millisecond
	retry.MaxBackoff = 4 * time.Millisecond
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.New(tbl, store.Config{TableName: tableName, Retry: retry}, logger)
	return dynamo.NewAPIKeyRepository(s, logger, dynamo.WithClock(func() time.Time { return fixedNow })), tbl
}

func userKey(email string) *apikey.APIKey {
	return apikey.New("laptop", uuid.NewString(), "tsk_test", apikey.TypeUser, email, "admin@example.com", nil)
}

func systemKey() *apikey.APIKey {
	return apikey.New("billing", uuid.NewString(), "tsk_sys", apikey.TypeSystem, "", "admin@example.com", nil)
}

func mustSave(t *testing.T, repo *dynamo.APIKeyRepository, k *apikey.APIKey) *apikey.APIKey {
	t.Helper()
	saved, err := repo.Save(context.Background(), k)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return saved
}

func boolAttr(item map[string]types.AttributeValue, name string) bool {
	v, _ := item[name].(*types.AttributeValueMemberBOOL)
	return v != nil && v.Value
}

// --- CRUD Tests ---

func TestSave_ReadYourWrites(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	k := userKey("dev@example.com")
	k.ID = uuid.Nil
	k.CreatedAt = time.Time{}

	saved := mustSave(t, repo, k)
	if saved.ID == uuid.Nil {
		t.Fatal("expected id to be assigned")
	}
	if !saved.CreatedAt.Equal(fixedNow) {
		t.Errorf("expected CreatedAt %v, got %v", fixedNow, saved.CreatedAt)
	}
	if k.ID != uuid.Nil {
		t.Error("Save must not modify the caller's key")
	}

	found, err := repo.FindByID(ctx, saved.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if found.ID != saved.ID || found.Name != saved.Name || !found.Active {
		t.Errorf("expected %+v, got %+v", saved, found)
	}
}

func TestSave_Upsert(t *testing.T) {
	repo, tbl := newTestRepo(t)
	ctx := context.Background()

	saved := mustSave(t, repo, userKey("dev@example.com"))
	saved.Name = "renamed"
	mustSave(t, repo, saved)

	found, err := repo.FindByID(ctx, saved.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if found.Name != "renamed" {
		t.Errorf("expected renamed, got %q", found.Name)
	}
	if tbl.Len() != 1 {
		t.Errorf("expected 1 item, got %d", tbl.Len())
	}
}

func TestSave_Invalid(t *testing.T) {
	repo, tbl := newTestRepo(t)

	k := userKey("")
	_, err := repo.Save(context.Background(), k)
	if !errors.Is(err, apikey.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	if tbl.Calls(ddbtest.OpPutItem) != 0 {
		t.Error("invalid key must not reach the store")
	}
}

func TestFindByID_NotFound(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.FindByID(context.Background(), uuid.New())
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByID_Corrupt(t *testing.T) {
	repo, tbl := newTestRepo(t)
	id := uuid.New()
	tbl.Seed(map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: keys.APIKeyPK(id)},
		"SK":         &types.AttributeValueMemberS{Value: keys.MetadataSK},
		"entityType": &types.AttributeValueMemberS{Value: keys.EntityAPIKey},
		"id":         &types.AttributeValueMemberS{Value: id.String()},
		"keyType":    &types.AttributeValueMemberS{Value: "USER"},
		"createdAt":  &types.AttributeValueMemberS{Value: "yesterday"},
	})

	_, err := repo.FindByID(context.Background(), id)
	if !errors.Is(err, repository.ErrCorruptData) {
		t.Errorf("expected ErrCorruptData, got %v", err)
	}
}

func TestFindByID_ExhaustsRetries(t *testing.T) {
	repo, tbl := newTestRepo(t)
	for i := 0; i < 5; i++ {
		tbl.Fail(ddbtest.OpGetItem, ddbtest.Throttled())
	}

	_, err := repo.FindByID(context.Background(), uuid.New())
	if !errors.Is(err, repository.ErrTransient) {
		t.Errorf("expected ErrTransient, got %v", err)
	}
	if tbl.Calls(ddbtest.OpGetItem) != 4 {
		t.Errorf("expected 4 attempts, got %d", tbl.Calls(ddbtest.OpGetItem))
	}
}

func TestExistsAndDelete(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	saved := mustSave(t, repo, userKey("dev@example.com"))

	ok, err := repo.Exists(ctx, saved.ID)
	if err != nil || !ok {
		t.Fatalf("expected key to exist, got %v, %v", ok, err)
	}

	if err := repo.Delete(ctx, saved); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	ok, err = repo.Exists(ctx, saved.ID)
	if err != nil || ok {
		t.Errorf("expected key to be gone, got %v, %v", ok, err)
	}

	if err := repo.Delete(ctx, &apikey.APIKey{}); !errors.Is(err, apikey.ErrMissingID) {
		t.Errorf("expected ErrMissingID, got %v", err)
	}
}

func TestExists_MissingTable(t *testing.T) {
	tbl := ddbtest.NewSingleTable(tableName)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.New(tbl, store.Config{TableName: "no-such-table", Retry: store.DefaultRetryPolicy()}, logger)
	repo := dynamo.NewAPIKeyRepository(s, logger)

	ok, err := repo.Exists(context.Background(), uuid.New())
	if err == nil {
		t.Fatalf("expected an error for a missing table, got exists=%v", ok)
	}
	var rnf *types.ResourceNotFoundException
	if !errors.As(err, &rnf) {
		t.Errorf("expected ResourceNotFoundException cause, got %v", err)
	}
	if ok {
		t.Error("expected exists=false alongside the error")
	}
}

func TestCount_IgnoresOtherEntities(t *testing.T) {
	repo, tbl := newTestRepo(t, ddbtest.WithMaxPageSize(2))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustSave(t, repo, userKey("dev@example.com"))
	}
	tbl.Seed(map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: keys.AuditPK("x")},
		"SK":         &types.AttributeValueMemberS{Value: keys.RevokedSK("t")},
		"entityType": &types.AttributeValueMemberS{Value: keys.EntityAudit},
	})

	n, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5, got %d", n)
	}

	all, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected 5 keys, got %d", len(all))
	}
}

// --- Query Tests ---

func TestFindAll_PaginationCompleteness(t *testing.T) {
	for _, pageSize := range []int32{1, 2, 7, 23, 50} {
		t.Run(fmt.Sprintf("page size %d", pageSize), func(t *testing.T) {
			repo, _ := newTestRepo(t, ddbtest.WithMaxPageSize(pageSize))
			ctx := context.Background()

			want := make(map[uuid.UUID]bool)
			for i := 0; i < 23; i++ {
				want[mustSave(t, repo, userKey(fmt.Sprintf("u%d@example.com", i%4))).ID] = true
			}

			all, err := repo.FindAll(ctx)
			if err != nil {
				t.Fatalf("FindAll failed: %v", err)
			}
			got := make(map[uuid.UUID]bool)
			for _, k := range all {
				if got[k.ID] {
					t.Errorf("duplicate key %s", k.ID)
				}
				got[k.ID] = true
			}
			if len(got) != len(want) {
				t.Errorf("expected %d keys, got %d", len(want), len(got))
			}
			for id := range want {
				if !got[id] {
					t.Errorf("missing key %s", id)
				}
			}
		})
	}
}

func TestFindByKeyHash(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	saved := mustSave(t, repo, userKey("dev@example.com"))
	mustSave(t, repo, userKey("dev@example.com"))

	found, err := repo.FindByKeyHash(ctx, saved.KeyHash)
	if err != nil {
		t.Fatalf("FindByKeyHash failed: %v", err)
	}
	if found.ID != saved.ID {
		t.Errorf("expected %s, got %s", saved.ID, found.ID)
	}

	if _, err := repo.FindByKeyHash(ctx, "unknown"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByUserEmail(t *testing.T) {
	repo, _ := newTestRepo(t, ddbtest.WithMaxPageSize(2))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustSave(t, repo, userKey("dev@example.com"))
	}
	mustSave(t, repo, userKey("other@example.com"))
	mustSave(t, repo, systemKey())

	found, err := repo.FindByUserEmail(ctx, "Dev@Example.com")
	if err != nil {
		t.Fatalf("FindByUserEmail failed: %v", err)
	}
	if len(found) != 5 {
		t.Errorf("expected 5 keys, got %d", len(found))
	}
	for _, k := range found {
		if k.UserEmail != "dev@example.com" {
			t.Errorf("unexpected owner %q", k.UserEmail)
		}
	}
}

func TestFindByUserEmailAndActive(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	a := mustSave(t, repo, userKey("dev@example.com"))
	mustSave(t, repo, userKey("dev@example.com"))
	if _, err := repo.RevokeWithGuard(ctx, a, "sec@example.com"); err != nil {
		t.Fatalf("RevokeWithGuard failed: %v", err)
	}

	active, err := repo.FindByUserEmailAndActive(ctx, "dev@example.com", true)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	revoked, err := repo.FindByUserEmailAndActive(ctx, "dev@example.com", false)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(active) != 1 || len(revoked) != 1 || revoked[0].ID != a.ID {
		t.Errorf("expected 1 active and %s revoked, got %d active, %d revoked", a.ID, len(active), len(revoked))
	}
}

func TestScanFinders(t *testing.T) {
	repo, _ := newTestRepo(t, ddbtest.WithMaxPageSize(3))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		mustSave(t, repo, userKey("dev@example.com"))
	}
	sys := systemKey()
	sys.CreatedByEmail = "ops@example.com"
	sys = mustSave(t, repo, sys)
	if _, err := repo.RevokeWithGuard(ctx, sys, "sec@example.com"); err != nil {
		t.Fatalf("RevokeWithGuard failed: %v", err)
	}

	tests := []struct {
		name     string
		find     func() ([]*apikey.APIKey, error)
		expected int
	}{
		{"user keys", func() ([]*apikey.APIKey, error) { return repo.FindByKeyType(ctx, apikey.TypeUser) }, 4},
		{"system keys", func() ([]*apikey.APIKey, error) { return repo.FindByKeyType(ctx, apikey.TypeSystem) }, 1},
		{"active", func() ([]*apikey.APIKey, error) { return repo.FindByActive(ctx, true) }, 4},
		{"inactive", func() ([]*apikey.APIKey, error) { return repo.FindByActive(ctx, false) }, 1},
		{"created by admin", func() ([]*apikey.APIKey, error) { return repo.FindByCreatedByEmail(ctx, "ADMIN@example.com") }, 4},
		{"created by ops", func() ([]*apikey.APIKey, error) { return repo.FindByCreatedByEmail(ctx, "ops@example.com") }, 1},
		{"created by nobody", func() ([]*apikey.APIKey, error) { return repo.FindByCreatedByEmail(ctx, "nobody@example.com") }, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.find()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tt.expected {
				t.Errorf("expected %d keys, got %d", tt.expected, len(got))
			}
		})
	}
}

func TestFindExpired(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	past := fixedNow.Add(-time.Hour)
	future := fixedNow.Add(time.Hour)

	expired := userKey("dev@example.com")
	expired.ExpiresAt = &past
	expired = mustSave(t, repo, expired)

	notYet := userKey("dev@example.com")
	notYet.ExpiresAt = &future
	mustSave(t, repo, notYet)

	mustSave(t, repo, userKey("dev@example.com"))

	revokedExpired := userKey("dev@example.com")
	revokedExpired.ExpiresAt = &past
	revokedExpired.Revoke("sec@example.com", past)
	mustSave(t, repo, revokedExpired)

	found, err := repo.FindExpired(ctx, fixedNow)
	if err != nil {
		t.Fatalf("FindExpired failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != expired.ID {
		t.Errorf("expected only %s, got %d keys", expired.ID, len(found))
	}
}

// --- Guarded Write Tests ---

func TestRevokeWithGuard(t *testing.T) {
	repo, tbl := newTestRepo(t)
	ctx := context.Background()
	saved := mustSave(t, repo, userKey("dev@example.com"))

	revoked, err := repo.RevokeWithGuard(ctx, saved, "Sec@Example.com")
	if err != nil {
		t.Fatalf("RevokeWithGuard failed: %v", err)
	}
	if revoked.Active || revoked.RevokedAt == nil || !revoked.RevokedAt.Equal(fixedNow) {
		t.Errorf("unexpected revoked key %+v", revoked)
	}
	if revoked.Status(fixedNow) != apikey.StatusRevoked {
		t.Errorf("expected REVOKED, got %s", revoked.Status(fixedNow))
	}

	stored, err := repo.FindByID(ctx, saved.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if stored.Active || stored.RevokedByEmail != "sec@example.com" || !stored.RevokedAt.Equal(fixedNow) {
		t.Errorf("revocation not persisted: %+v", stored)
	}
	if stored.Name != saved.Name || stored.KeyHash != saved.KeyHash {
		t.Error("revocation must not touch other attributes")
	}
	if boolAttr(tbl.Item(keys.APIKeyPK(saved.ID), keys.MetadataSK), "isActive") {
		t.Error("expected isActive=false in storage")
	}
}

func TestRevokeWithGuard_Twice(t *testing.T) {
	repo, tbl := newTestRepo(t)
	ctx := context.Background()
	saved := mustSave(t, repo, userKey("dev@example.com"))

	first, err := repo.RevokeWithGuard(ctx, saved, "a@example.com")
	if err != nil {
		t.Fatalf("first revoke failed: %v", err)
	}
	tbl.ResetCalls()

	_, err = repo.RevokeWithGuard(ctx, saved, "b@example.com")
	if !errors.Is(err, apikey.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
	if !errors.Is(err, repository.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if tbl.Calls(ddbtest.OpTransactWriteItems) != 1 {
		t.Errorf("conflict must not be retried, got %d calls", tbl.Calls(ddbtest.OpTransactWriteItems))
	}

	stored, err := repo.FindByID(ctx, saved.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if stored.RevokedByEmail != first.RevokedByEmail {
		t.Errorf("second revoke must not apply, revoker is %q", stored.RevokedByEmail)
	}
}

func TestRevokeWithGuard_Missing(t *testing.T) {
	repo, tbl := newTestRepo(t)

	_, err := repo.RevokeWithGuard(context.Background(), userKey("dev@example.com"), "sec@example.com")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if errors.Is(err, repository.ErrConflict) {
		t.Error("missing key must not surface as a conflict")
	}
	if tbl.Len() != 0 {
		t.Error("guarded update must not create an item")
	}
}

func TestRevokeWithGuard_RetriesThrottledUnit(t *testing.T) {
	repo, tbl := newTestRepo(t)
	saved := mustSave(t, repo, userKey("dev@example.com"))
	tbl.Fail(ddbtest.OpTransactWriteItems, ddbtest.Canceled("ThrottlingError"), ddbtest.Internal())

	if _, err := repo.RevokeWithGuard(context.Background(), saved, "sec@example.com"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if tbl.Calls(ddbtest.OpTransactWriteItems) != 3 {
		t.Errorf("expected 3 attempts, got %d", tbl.Calls(ddbtest.OpTransactWriteItems))
	}
}

func TestRevokeWithGuard_TransactionConflict(t *testing.T) {
	repo, tbl := newTestRepo(t)
	saved := mustSave(t, repo, userKey("dev@example.com"))
	tbl.Fail(ddbtest.OpTransactWriteItems, ddbtest.Canceled("TransactionConflict"))

	_, err := repo.RevokeWithGuard(context.Background(), saved, "sec@example.com")
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if errors.Is(err, repository.ErrNotFound) {
		t.Error("a conflicting transaction must not read as a missing key")
	}
	if errors.Is(err, apikey.ErrAlreadyRevoked) {
		t.Error("a conflicting transaction must not read as already revoked")
	}
	if tbl.Calls(ddbtest.OpTransactWriteItems) != 1 {
		t.Errorf("expected 1 attempt, got %d", tbl.Calls(ddbtest.OpTransactWriteItems))
	}

	stored, err := repo.FindByID(context.Background(), saved.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if !stored.Active {
		t.Error("key must stay active when the unit was cancelled")
	}
}

func TestRevokeWithGuard_LostResponse(t *testing.T) {
	repo, tbl := newTestRepo(t)
	saved := mustSave(t, repo, userKey("dev@example.com"))
	// The revocation applies but the caller never sees the response.
	tbl.FailAfterCommit(ddbtest.OpTransactWriteItems, ddbtest.Internal())

	revoked, err := repo.RevokeWithGuard(context.Background(), saved, "sec@example.com")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if revoked.Active {
		t.Error("expected returned key revoked")
	}
	if tbl.Calls(ddbtest.OpTransactWriteItems) != 2 {
		t.Errorf("expected 2 attempts, got %d", tbl.Calls(ddbtest.OpTransactWriteItems))
	}

	stored, err := repo.FindByID(context.Background(), saved.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if stored.Active || stored.RevokedByEmail != "sec@example.com" {
		t.Errorf("expected stored key revoked by sec@example.com, got %+v", stored)
	}
}

func TestRotateAtomically(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	oldKey := mustSave(t, repo, userKey("dev@example.com"))

	newKey, err := repo.RotateAtomically(ctx, oldKey, userKey("dev@example.com"), "dev@example.com")
	if err != nil {
		t.Fatalf("RotateAtomically failed: %v", err)
	}

	storedOld, err := repo.FindByID(ctx, oldKey.ID)
	if err != nil {
		t.Fatalf("FindByID(old) failed: %v", err)
	}
	storedNew, err := repo.FindByID(ctx, newKey.ID)
	if err != nil {
		t.Fatalf("FindByID(new) failed: %v", err)
	}
	if storedOld.Active || storedOld.RevokedAt == nil {
		t.Error("expected old key revoked")
	}
	if !storedNew.Active {
		t.Error("expected new key active")
	}
}

func TestRotateAtomically_RevokedOldKey(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	oldKey := mustSave(t, repo, userKey("dev@example.com"))
	if _, err := repo.RevokeWithGuard(ctx, oldKey, "sec@example.com"); err != nil {
		t.Fatalf("RevokeWithGuard failed: %v", err)
	}

	replacement := userKey("dev@example.com")
	_, err := repo.RotateAtomically(ctx, oldKey, replacement, "dev@example.com")
	if !errors.Is(err, apikey.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}

	ok, err := repo.Exists(ctx, replacement.ID)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if ok {
		t.Error("replacement must not exist when the rotation is rejected")
	}
}

func TestRotateAtomically_MissingOldKey(t *testing.T) {
	repo, tbl := newTestRepo(t)

	_, err := repo.RotateAtomically(context.Background(), userKey("dev@example.com"), userKey("dev@example.com"), "dev@example.com")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if tbl.Len() != 0 {
		t.Error("nothing may be written when the old key is missing")
	}
}

func TestRotateAtomically_TransactionConflict(t *testing.T) {
	tests := []struct {
		name  string
		codes []string
	}{
		{"on revoke", []string{"None", "TransactionConflict"}},
		{"on create", []string{"TransactionConflict", "None"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, tbl := newTestRepo(t)
			ctx := context.Background()
			oldKey := mustSave(t, repo, userKey("dev@example.com"))
			tbl.Fail(ddbtest.OpTransactWriteItems, ddbtest.Canceled(tt.codes...))

			replacement := userKey("dev@example.com")
			_, err := repo.RotateAtomically(ctx, oldKey, replacement, "dev@example.com")
			if !errors.Is(err, repository.ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
			for _, wrong := range []error{repository.ErrNotFound, apikey.ErrAlreadyRevoked, apikey.ErrAlreadyExists} {
				if errors.Is(err, wrong) {
					t.Errorf("error %v must not match %v", err, wrong)
				}
			}

			ok, err := repo.Exists(ctx, replacement.ID)
			if err != nil || ok {
				t.Errorf("replacement must not exist, got %v, %v", ok, err)
			}
		})
	}
}

func TestRotateAtomically_LostResponse(t *testing.T) {
	repo, tbl := newTestRepo(t)
	ctx := context.Background()
	oldKey := mustSave(t, repo, userKey("dev@example.com"))
	tbl.FailAfterCommit(ddbtest.OpTransactWriteItems, ddbtest.Internal())

	newKey, err := repo.RotateAtomically(ctx, oldKey, userKey("dev@example.com"), "dev@example.com")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if tbl.Calls(ddbtest.OpTransactWriteItems) != 2 {
		t.Errorf("expected 2 attempts, got %d", tbl.Calls(ddbtest.OpTransactWriteItems))
	}

	storedOld, err := repo.FindByID(ctx, oldKey.ID)
	if err != nil {
		t.Fatalf("FindByID(old) failed: %v", err)
	}
	if storedOld.Active {
		t.Error("expected old key revoked")
	}
	storedNew, err := repo.FindByID(ctx, newKey.ID)
	if err != nil {
		t.Fatalf("FindByID(new) failed: %v", err)
	}
	if !storedNew.Active {
		t.Error("expected new key active")
	}
}

func TestRotateAtomically_ReplacementExists(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	oldKey := mustSave(t, repo, userKey("dev@example.com"))
	existing := mustSave(t, repo, userKey("dev@example.com"))

	_, err := repo.RotateAtomically(ctx, oldKey, existing, "dev@example.com")
	if !errors.Is(err, apikey.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	stored, err := repo.FindByID(ctx, oldKey.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if !stored.Active {
		t.Error("old key must stay active when the rotation is rejected")
	}
}

func TestRotateAtomically_SameID(t *testing.T) {
	repo, _ := newTestRepo(t)
	oldKey := mustSave(t, repo, userKey("dev@example.com"))

	_, err := repo.RotateAtomically(context.Background(), oldKey, oldKey, "dev@example.com")
	if !errors.Is(err, apikey.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestRotateAtomically_ConcurrentRace(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	oldKey := mustSave(t, repo, userKey("dev@example.com"))

	const callers = 8
	replacements := make([]*apikey.APIKey, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		replacements[i] = userKey("dev@example.com")
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.RotateAtomically(ctx, oldKey, replacements[i], "dev@example.com")
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		exists, xerr := repo.Exists(ctx, replacements[i].ID)
		if xerr != nil {
			t.Fatalf("Exists failed: %v", xerr)
		}
		switch {
		case err == nil:
			winners++
			if !exists {
				t.Errorf("winner %d: replacement missing", i)
			}
		case errors.Is(err, repository.ErrConflict):
			if exists {
				t.Errorf("loser %d: replacement must not exist", i)
			}
		default:
			t.Errorf("caller %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}

	stored, err := repo.FindByID(ctx, oldKey.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if stored.Active {
		t.Error("expected old key revoked")
	}
}

// --- Batch Tests ---

func TestSaveAllAtomically(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	batch := []*apikey.APIKey{userKey("a@example.com"), userKey("b@example.com"), systemKey()}
	saved, err := repo.SaveAllAtomically(ctx, batch)
	if err != nil {
		t.Fatalf("SaveAllAtomically failed: %v", err)
	}
	if len(saved) != 3 {
		t.Fatalf("expected 3 saved keys, got %d", len(saved))
	}
	n, err := repo.Count(ctx)
	if err != nil || n != 3 {
		t.Errorf("expected 3 stored keys, got %d, %v", n, err)
	}
}

func TestSaveAllAtomically_Empty(t *testing.T) {
	repo, tbl := newTestRepo(t)

	saved, err := repo.SaveAllAtomically(context.Background(), nil)
	if err != nil || len(saved) != 0 {
		t.Errorf("expected empty success, got %v, %v", saved, err)
	}
	if tbl.Calls(ddbtest.OpTransactWriteItems) != 0 {
		t.Error("empty batch must not reach the store")
	}
}

func TestSaveAllAtomically_InvalidMember(t *testing.T) {
	repo, tbl := newTestRepo(t)

	bad := userKey("a@example.com")
	bad.Name = ""
	_, err := repo.SaveAllAtomically(context.Background(), []*apikey.APIKey{userKey("b@example.com"), bad})
	if !errors.Is(err, apikey.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	if tbl.Len() != 0 {
		t.Error("no key may be stored when one is invalid")
	}
}

func TestSaveAllAtomically_DuplicateIDs(t *testing.T) {
	repo, _ := newTestRepo(t)
	k := userKey("a@example.com")

	_, err := repo.SaveAllAtomically(context.Background(), []*apikey.APIKey{k, k})
	if !errors.Is(err, apikey.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestSaveAllAtomically_TooLarge(t *testing.T) {
	repo, tbl := newTestRepo(t)

	batch := make([]*apikey.APIKey, 101)
	for i := range batch {
		batch[i] = systemKey()
	}
	_, err := repo.SaveAllAtomically(context.Background(), batch)
	if !errors.Is(err, store.ErrUnitTooLarge) {
		t.Errorf("expected ErrUnitTooLarge, got %v", err)
	}
	if tbl.Len() != 0 {
		t.Error("nothing may be stored")
	}
}

func TestDeleteAllAtomically(t *testing.T) {
	repo, tbl := newTestRepo(t)
	ctx := context.Background()

	saved, err := repo.SaveAllAtomically(ctx, []*apikey.APIKey{systemKey(), systemKey(), systemKey()})
	if err != nil {
		t.Fatalf("SaveAllAtomically failed: %v", err)
	}
	if err := repo.DeleteAllAtomically(ctx, saved[:2]); err != nil {
		t.Fatalf("DeleteAllAtomically failed: %v", err)
	}
	if tbl.Len() != 1 {
		t.Errorf("expected 1 remaining item, got %d", tbl.Len())
	}

	if err := repo.DeleteAllAtomically(ctx, []*apikey.APIKey{{}}); !errors.Is(err, apikey.ErrMissingID) {
		t.Errorf("expected ErrMissingID, got %v", err)
	}
}
