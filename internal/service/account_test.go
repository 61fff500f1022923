package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/linelink/internal/apperror"
	"github.com/sakif/linelink/internal/auth"
	"github.com/sakif/linelink/internal/model"
)

func newTestAccountService(t *testing.T, adminEmails ...string) (*AccountService, *UserStore, *fakeDocuments) {
	t.Helper()

	tokens, err := auth.NewTokenService("test-secret-at-least-16-chars!!", 0)
	require.NoError(t, err)

	store, docs := newTestUserStore(t)
	return NewAccountService(store, tokens, adminEmails, testLogger()), store, docs
}

func amazonIdentity(key, email string) *auth.ExternalIdentity {
	return &auth.ExternalIdentity{
		Provider:    "amazon",
		ProviderKey: key,
		DisplayName: "Amazon",
		Email:       email,
		GivenName:   "Ada",
		Surname:     "Lovelace",
	}
}

func TestSignInExternal_NewUser(t *testing.T) {
	svc, store, _ := newTestAccountService(t)
	ctx := context.Background()

	result, err := svc.SignInExternal(ctx, amazonIdentity("amzn1.account.A", "ada@example.com"))
	require.NoError(t, err)
	require.NotEmpty(t, result.Token)

	user := result.User
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "ada@example.com", user.UserName)
	assert.Equal(t, []model.LoginInfo{{
		LoginProvider:       "amazon",
		ProviderKey:         "amzn1.account.A",
		ProviderDisplayName: "amazon",
	}}, user.Logins)
	assert.False(t, svc.IsAdmin(user))

	userID, err := svc.tokens.Validate(result.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSignInExternal_ReturningUser(t *testing.T) {
	svc, store, _ := newTestAccountService(t)
	ctx := context.Background()

	first, err := svc.SignInExternal(ctx, amazonIdentity("amzn1.account.A", "ada@example.com"))
	require.NoError(t, err)
	second, err := svc.SignInExternal(ctx, amazonIdentity("amzn1.account.A", "ada@example.com"))
	require.NoError(t, err)

	assert.Equal(t, first.User.ID, second.User.ID)
	n, _ := store.Count(ctx)
	assert.EqualValues(t, 1, n)
}

func TestSignInExternal_AttachesLoginByEmail(t *testing.T) {
	svc, store, _ := newTestAccountService(t)
	ctx := context.Background()
	existing := createTestUser(t, store, "ada@example.com")

	result, err := svc.SignInExternal(ctx, amazonIdentity("amzn1.account.A", "ADA@example.com"))
	require.NoError(t, err)

	assert.Equal(t, existing.ID, result.User.ID)
	assert.True(t, result.User.HasLogin("amazon"))
	assert.True(t, result.User.HasLogin("github"))

	stored, err := store.FindByLogin(ctx, "amazon", "amzn1.account.A")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, stored.ID)
}

func TestSignInExternal_SecondLoginForSameProvider(t *testing.T) {
	svc, store, _ := newTestAccountService(t)
	ctx := context.Background()
	existing := createTestUser(t, store, "ada@example.com")

	identity := &auth.ExternalIdentity{Provider: "github", ProviderKey: "another-github", Email: "ada@example.com"}
	_, err := svc.SignInExternal(ctx, identity)
	require.ErrorIs(t, err, apperror.ErrDuplicateLogin)

	stored, err := store.FindByID(ctx, existing.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Logins, 1)
}

func TestSignInExternal_AdminRoleReconciled(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestAccountService(t, "Root@Example.com")

	result, err := svc.SignInExternal(ctx, amazonIdentity("amzn1.account.R", "root@example.com"))
	require.NoError(t, err)
	assert.True(t, svc.IsAdmin(result.User))

	// Dropped from the admin list: the next sign-in revokes the role.
	svc.adminEmails = map[string]struct{}{}
	result, err = svc.SignInExternal(ctx, amazonIdentity("amzn1.account.R", "root@example.com"))
	require.NoError(t, err)
	assert.False(t, svc.IsAdmin(result.User))

	stored, err := store.FindByID(ctx, result.User.ID)
	require.NoError(t, err)
	assert.Empty(t, store.GetRoles(stored))
}

func TestSignInExternal_InvalidIdentity(t *testing.T) {
	svc, _, _ := newTestAccountService(t)

	_, err := svc.SignInExternal(context.Background(), nil)
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)

	_, err = svc.SignInExternal(context.Background(), &auth.ExternalIdentity{Provider: "amazon"})
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)
}

func TestUpdateLinePreferences(t *testing.T) {
	svc, store, _ := newTestAccountService(t)
	ctx := context.Background()
	user := createTestUser(t, store, "a@example.com")

	updated, err := svc.UpdateLinePreferences(ctx, user.ID, []string{"victoria", "central", "central"}, user.ETag)
	require.NoError(t, err)
	assert.Equal(t, []string{"central", "victoria"}, updated.FavoriteLines)
	assert.NotEqual(t, user.ETag, updated.ETag)
}

func TestUpdateLinePreferences_StaleETagRejectedEvenWhenUnchanged(t *testing.T) {
	svc, store, _ := newTestAccountService(t)
	ctx := context.Background()
	user := createTestUser(t, store, "a@example.com")
	stale := user.ETag

	updated, err := svc.UpdateLinePreferences(ctx, user.ID, []string{"central"}, stale)
	require.NoError(t, err)

	_, err = svc.UpdateLinePreferences(ctx, user.ID, []string{"central"}, stale)
	require.ErrorIs(t, err, apperror.ErrConflict)

	// With the current etag an unchanged set is a successful no-op.
	same, err := svc.UpdateLinePreferences(ctx, user.ID, []string{"central"}, updated.ETag)
	require.NoError(t, err)
	assert.Equal(t, updated.ETag, same.ETag)
}

func TestUpdateLinePreferences_Validation(t *testing.T) {
	svc, store, _ := newTestAccountService(t)
	ctx := context.Background()
	user := createTestUser(t, store, "a@example.com")

	tests := []struct {
		name  string
		lines []string
		etag  string
	}{
		{name: "missing etag", lines: []string{"central"}, etag: ""},
		{name: "bad line id", lines: []string{"Central Line"}, etag: user.ETag},
		{name: "too many lines", lines: manyLines(MaxFavoriteLines + 1), etag: user.ETag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateLinePreferences(ctx, user.ID, tt.lines, tt.etag)
			assert.ErrorIs(t, err, apperror.ErrValidation)
		})
	}
}

func manyLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = "line-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	return lines
}

// Two writers read the same version; exactly one write lands and the stored
// value is the winner's.
func TestUpdateLinePreferences_ConcurrentWritersOneWins(t *testing.T) {
	svc, store, _ := newTestAccountService(t)
	ctx := context.Background()
	user := createTestUser(t, store, "a@example.com")

	choices := [][]string{{"central"}, {"district"}}
	errs := make([]error, len(choices))

	var wg sync.WaitGroup
	for i, lines := range choices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.UpdateLinePreferences(ctx, user.ID, lines, user.ETag)
		}()
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "both writers succeeded")
			winner = i
			continue
		}
		require.ErrorIs(t, err, apperror.ErrConflict)
	}
	require.NotEqual(t, -1, winner, "no writer succeeded")

	stored, err := store.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, choices[winner], stored.FavoriteLines)
}

func TestUnlinkAlexa(t *testing.T) {
	svc, store, _ := newTestAccountService(t)
	ctx := context.Background()
	user := createTestUser(t, store, "a@example.com")
	stamp := user.SecurityStamp

	user.AlexaToken = "skill-token"
	require.NoError(t, store.Update(ctx, user))

	unlinked, err := svc.UnlinkAlexa(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, unlinked.IsLinkedToAlexa())
	assert.NotEqual(t, stamp, unlinked.SecurityStamp)

	_, err = store.FindByAlexaToken(ctx, "skill-token")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	again, err := svc.UnlinkAlexa(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, unlinked.ETag, again.ETag)
}

func TestRemoveLogin_KeepsLastLogin(t *testing.T) {
	svc, store, _ := newTestAccountService(t)
	ctx := context.Background()
	user := createTestUser(t, store, "a@example.com")

	_, err := svc.RemoveLogin(ctx, user.ID, "github", "gh-a@example.com")
	require.ErrorIs(t, err, apperror.ErrValidation)

	require.NoError(t, store.AddLogin(user, model.LoginInfo{LoginProvider: "amazon", ProviderKey: "k"}))
	require.NoError(t, store.Update(ctx, user))

	updated, err := svc.RemoveLogin(ctx, user.ID, "github", "gh-a@example.com")
	require.NoError(t, err)
	assert.False(t, updated.HasLogin("github"))
	assert.True(t, updated.HasLogin("amazon"))
}

func TestDeleteAccount(t *testing.T) {
	svc, store, _ := newTestAccountService(t)
	ctx := context.Background()
	user := createTestUser(t, store, "a@example.com")

	require.NoError(t, svc.DeleteAccount(ctx, user.ID))

	_, err := svc.GetUser(ctx, user.ID)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	n, err := svc.CountUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
