// Package repotest is the behavioural contract every apikey.Repository
// backend must satisfy. Backends call Run from their own tests.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/twinstore/apikey"
	"github.com/jacentio/twinstore/repository"
)

// Factory returns an empty repository. It is called once per subtest.
type Factory func(t *testing.T) apikey.Repository

// Run exercises newRepo against the full repository contract.
func Run(t *testing.T, newRepo Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, r apikey.Repository)
	}{
		{"SaveAssignsIdentity", testSaveAssignsIdentity},
		{"SaveUpserts", testSaveUpserts},
		{"SaveRejectsInvalid", testSaveRejectsInvalid},
		{"FindByIDMissing", testFindByIDMissing},
		{"ExistsAndDelete", testExistsAndDelete},
		{"CountAndFindAll", testCountAndFindAll},
		{"FindByKeyHash", testFindByKeyHash},
		{"FindByUserEmail", testFindByUserEmail},
		{"FindByAttributes", testFindByAttributes},
		{"FindByMixedCaseEmails", testFindByMixedCaseEmails},
		{"FindExpired", testFindExpired},
		{"RevokeWithGuard", testRevokeWithGuard},
		{"RevokeMissing", testRevokeMissing},
		{"RevokeRace", testRevokeRace},
		{"Rotate", testRotate},
		{"RotateRevokedKey", testRotateRevokedKey},
		{"RotateMissingKey", testRotateMissingKey},
		{"RotateRace", testRotateRace},
		{"SaveAllAtomically", testSaveAll},
		{"SaveAllRejectsInvalidMember", testSaveAllInvalidMember},
		{"DeleteAllAtomically", testDeleteAll},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newRepo(t))
		})
	}
}

func newKey(name, userEmail string) *apikey.APIKey {
	keyType := apikey.TypeSystem
	if userEmail != "" {
		keyType = apikey.TypeUser
	}
	k := apikey.New(name, "hash-"+uuid.NewString(), "tw_"+name[:min(len(name), 8)], keyType, userEmail, "admin@example.com", nil)
	k.ID = uuid.Nil
	return k
}

func save(t *testing.T, r apikey.Repository, k *apikey.APIKey) *apikey.APIKey {
	t.Helper()
	saved, err := r.Save(context.Background(), k)
	require.NoError(t, err)
	return saved
}

func ids(keys []*apikey.APIKey) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.ID)
	}
	return out
}

// assertSameKey compares stored fields, treating times by instant.
func assertSameKey(t *testing.T, want, got *apikey.APIKey) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.KeyHash, got.KeyHash)
	assert.Equal(t, want.KeyPrefix, got.KeyPrefix)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.UserEmail, got.UserEmail)
	assert.Equal(t, want.CreatedByEmail, got.CreatedByEmail)
	assert.Equal(t, want.RevokedByEmail, got.RevokedByEmail)
	assert.Equal(t, want.Active, got.Active)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "CreatedAt %v != %v", want.CreatedAt, got.CreatedAt)
	assertSameTime(t, "ExpiresAt", want.ExpiresAt, got.ExpiresAt)
	assertSameTime(t, "LastUsedAt", want.LastUsedAt, got.LastUsedAt)
	assertSameTime(t, "RevokedAt", want.RevokedAt, got.RevokedAt)
}

func assertSameTime(t *testing.T, field string, want, got *time.Time) {
	t.Helper()
	if want == nil || got == nil {
		assert.Equal(t, want == nil, got == nil, "%s presence", field)
		return
	}
	assert.True(t, want.Equal(*got), "%s %v != %v", field, *want, *got)
}

func testSaveAssignsIdentity(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	k := newKey("ci", "dev@example.com")
	k.CreatedAt = time.Time{}

	saved := save(t, r, k)
	assert.NotEqual(t, uuid.Nil, saved.ID)
	assert.False(t, saved.CreatedAt.IsZero())
	assert.Equal(t, uuid.Nil, k.ID, "caller's key must not be modified")

	found, err := r.FindByID(ctx, saved.ID)
	require.NoError(t, err)
	assertSameKey(t, saved, found)
}

func testSaveUpserts(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	saved := save(t, r, newKey("deploy", ""))

	saved.Name = "deploy-renamed"
	used := time.Now().UTC()
	saved.MarkUsed(used)
	updated := save(t, r, saved)

	found, err := r.FindByID(ctx, saved.ID)
	require.NoError(t, err)
	assertSameKey(t, updated, found)
	assert.Equal(t, "deploy-renamed", found.Name)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testSaveRejectsInvalid(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	k := newKey("nouser", "")
	k.Type = apikey.TypeUser

	_, err := r.Save(ctx, k)
	assert.ErrorIs(t, err, apikey.ErrInvalid)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testFindByIDMissing(t *testing.T, r apikey.Repository) {
	_, err := r.FindByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testExistsAndDelete(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	saved := save(t, r, newKey("temp", ""))

	ok, err := r.Exists(ctx, saved.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.Delete(ctx, saved))
	ok, err = r.Exists(ctx, saved.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is not an error.
	assert.NoError(t, r.Delete(ctx, saved))
	assert.ErrorIs(t, r.Delete(ctx, &apikey.APIKey{}), apikey.ErrMissingID)
}

func testCountAndFindAll(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	var want []uuid.UUID
	for i := 0; i < 12; i++ {
		want = append(want, save(t, r, newKey("bulk", "")).ID)
	}

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	all, err := r.FindAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, want, ids(all))
}

func testFindByKeyHash(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	saved := save(t, r, newKey("lookup", "dev@example.com"))
	save(t, r, newKey("other", "dev@example.com"))

	found, err := r.FindByKeyHash(ctx, saved.KeyHash)
	require.NoError(t, err)
	assertSameKey(t, saved, found)

	_, err = r.FindByKeyHash(ctx, "no-such-hash")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testFindByUserEmail(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var want []uuid.UUID
	for i := 0; i < 3; i++ {
		k := newKey("mine", "Owner@Example.com")
		k.CreatedAt = base.Add(time.Duration(2-i) * time.Hour)
		want = append([]uuid.UUID{save(t, r, k).ID}, want...)
	}
	save(t, r, newKey("theirs", "someone@example.com"))
	save(t, r, newKey("system", ""))

	found, err := r.FindByUserEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, want, ids(found), "keys are returned oldest first")

	found, err = r.FindByUserEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func testFindByAttributes(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	user := save(t, r, newKey("user", "dev@example.com"))
	system := save(t, r, newKey("system", ""))
	revokedUser := newKey("old", "dev@example.com")
	revokedUser.Revoke("admin@example.com", time.Now())
	revokedUser = save(t, r, revokedUser)

	byType, err := r.FindByKeyType(ctx, apikey.TypeSystem)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{system.ID}, ids(byType))

	active, err := r.FindByActive(ctx, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{user.ID, system.ID}, ids(active))

	inactive, err := r.FindByActive(ctx, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{revokedUser.ID}, ids(inactive))

	userActive, err := r.FindByUserEmailAndActive(ctx, "dev@example.com", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{user.ID}, ids(userActive))

	userInactive, err := r.FindByUserEmailAndActive(ctx, "dev@example.com", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{revokedUser.ID}, ids(userInactive))

	byCreator, err := r.FindByCreatedByEmail(ctx, "ADMIN@example.com")
	require.NoError(t, err)
	assert.Len(t, byCreator, 3)
}

func testFindByMixedCaseEmails(t *testing.T, r apikey.Repository) {
	ctx := context.Background()

	k := newKey("mixed", "owner@example.com")
	k.UserEmail = "Owner@Example.com"
	k.CreatedByEmail = "Admin@Example.com"
	saved := save(t, r, k)
	assert.Equal(t, "owner@example.com", saved.UserEmail)
	assert.Equal(t, "admin@example.com", saved.CreatedByEmail)

	for _, email := range []string{"Admin@Example.com", "admin@example.com"} {
		byCreator, err := r.FindByCreatedByEmail(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{saved.ID}, ids(byCreator), "creator %s", email)
	}

	byUser, err := r.FindByUserEmail(ctx, "Owner@Example.com")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{saved.ID}, ids(byUser))

	stored, err := r.FindByID(ctx, saved.ID)
	require.NoError(t, err)
	assertSameKey(t, saved, stored)
}

func testFindExpired(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := newKey("expired", "")
	expired.ExpiresAt = &past
	expired = save(t, r, expired)

	atNow := newKey("boundary", "")
	atNow.ExpiresAt = &now
	atNow = save(t, r, atNow)

	live := newKey("live", "")
	live.ExpiresAt = &future
	save(t, r, live)
	save(t, r, newKey("forever", ""))

	revoked := newKey("revoked", "")
	revoked.ExpiresAt = &past
	revoked.Revoke("admin@example.com", now)
	save(t, r, revoked)

	found, err := r.FindExpired(ctx, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{expired.ID, atNow.ID}, ids(found))
}

func testRevokeWithGuard(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	saved := save(t, r, newKey("revoke-me", "dev@example.com"))

	revoked, err := r.RevokeWithGuard(ctx, saved, "Security@Example.com")
	require.NoError(t, err)
	assert.False(t, revoked.Active)
	assert.NotNil(t, revoked.RevokedAt)
	assert.Equal(t, "security@example.com", revoked.RevokedByEmail)
	assert.True(t, saved.Active, "caller's key must not be modified")

	found, err := r.FindByID(ctx, saved.ID)
	require.NoError(t, err)
	assertSameKey(t, revoked, found)
	assert.Equal(t, apikey.StatusRevoked, found.Status(time.Now()))

	_, err = r.RevokeWithGuard(ctx, saved, "security@example.com")
	assert.ErrorIs(t, err, apikey.ErrAlreadyRevoked)
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func testRevokeMissing(t *testing.T, r apikey.Repository) {
	k := newKey("ghost", "")
	k.ID = uuid.New()

	_, err := r.RevokeWithGuard(context.Background(), k, "admin@example.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NotErrorIs(t, err, repository.ErrConflict)

	ok, err := r.Exists(context.Background(), k.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a failed revoke must not create the key")
}

func testRevokeRace(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	saved := save(t, r, newKey("contended", ""))

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		revoked int
		other   []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.RevokeWithGuard(ctx, saved, "admin@example.com")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, apikey.ErrAlreadyRevoked):
				revoked++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, wins, "exactly one revocation must win")
	assert.Equal(t, callers-1, revoked)
}

func testRotate(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	old := save(t, r, newKey("rotate", "dev@example.com"))

	created, err := r.RotateAtomically(ctx, old, newKey("rotate-v2", "dev@example.com"), "dev@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.True(t, created.Active)

	stored, err := r.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assertSameKey(t, created, stored)

	prev, err := r.FindByID(ctx, old.ID)
	require.NoError(t, err)
	assert.False(t, prev.Active)
	assert.Equal(t, "dev@example.com", prev.RevokedByEmail)

	same := newKey("same-id", "")
	same.ID = created.ID
	_, err = r.RotateAtomically(ctx, created, same, "dev@example.com")
	assert.ErrorIs(t, err, apikey.ErrInvalid)
}

func testRotateRevokedKey(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	old := save(t, r, newKey("stale", ""))
	_, err := r.RevokeWithGuard(ctx, old, "admin@example.com")
	require.NoError(t, err)

	replacement := newKey("stale-v2", "")
	replacement.ID = uuid.New()
	_, err = r.RotateAtomically(ctx, old, replacement, "admin@example.com")
	assert.ErrorIs(t, err, apikey.ErrAlreadyRevoked)

	ok, err := r.Exists(ctx, replacement.ID)
	require.NoError(t, err)
	assert.False(t, ok, "replacement must not land when the revoke fails")
}

func testRotateMissingKey(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	old := newKey("ghost", "")
	old.ID = uuid.New()

	replacement := newKey("ghost-v2", "")
	replacement.ID = uuid.New()
	_, err := r.RotateAtomically(ctx, old, replacement, "admin@example.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testRotateRace(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	old := save(t, r, newKey("hot", ""))

	const callers = 6
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  []uuid.UUID
		fails int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := r.RotateAtomically(ctx, old, newKey("hot-next", ""), "admin@example.com")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins = append(wins, created.ID)
				return
			}
			if errors.Is(err, repository.ErrConflict) {
				fails++
			}
		}()
	}
	wg.Wait()

	require.Len(t, wins, 1, "exactly one rotation must win")
	assert.Equal(t, callers-1, fails)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "only the winner's replacement is stored")
}

func testSaveAll(t *testing.T, r apikey.Repository) {
	ctx := context.Background()

	empty, err := r.SaveAllAtomically(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	batch := []*apikey.APIKey{newKey("a", ""), newKey("b", "dev@example.com"), newKey("c", "")}
	saved, err := r.SaveAllAtomically(ctx, batch)
	require.NoError(t, err)
	require.Len(t, saved, 3)

	for _, s := range saved {
		found, err := r.FindByID(ctx, s.ID)
		require.NoError(t, err)
		assertSameKey(t, s, found)
	}

	dup := saved[0].Clone()
	_, err = r.SaveAllAtomically(ctx, []*apikey.APIKey{saved[0], dup})
	assert.ErrorIs(t, err, apikey.ErrInvalid)
}

func testSaveAllInvalidMember(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	bad := newKey("bad", "")
	bad.KeyHash = ""

	_, err := r.SaveAllAtomically(ctx, []*apikey.APIKey{newKey("good", ""), bad})
	assert.ErrorIs(t, err, apikey.ErrInvalid)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no member of a rejected batch may land")
}

func testDeleteAll(t *testing.T, r apikey.Repository) {
	ctx := context.Background()
	a := save(t, r, newKey("a", ""))
	b := save(t, r, newKey("b", ""))
	keep := save(t, r, newKey("keep", ""))

	require.NoError(t, r.DeleteAllAtomically(ctx, []*apikey.APIKey{a, b}))
	require.NoError(t, r.DeleteAllAtomically(ctx, nil))

	all, err := r.FindAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{keep.ID}, ids(all))

	assert.ErrorIs(t, r.DeleteAllAtomically(ctx, []*apikey.APIKey{{}}), apikey.ErrMissingID)
}
