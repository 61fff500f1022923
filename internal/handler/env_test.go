package handler_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sakif/linelink/internal/auth"
	"github.com/sakif/linelink/internal/model"
	"github.com/sakif/linelink/internal/repository/sqlite"
	"github.com/sakif/linelink/internal/service"
)

const (
	testClientID    = "alexa-skill"
	testRedirectURI = "https://example.com/cb"
)

// testEnv is the real service graph over an in-memory SQLite store.
type testEnv struct {
	users    *service.UserStore
	accounts *service.AccountService
	alexa    *service.AlexaService
	tokens   *auth.TokenService
	logger   *slog.Logger
}

func newTestEnv(t *testing.T, linkingEnabled bool) *testEnv {
	t.Helper()

	db, err := sqlite.New(":memory:", sqlite.WithRequestTimeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users, err := db.Collection("users")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens, err := auth.NewTokenService("test-secret-at-least-16-chars!!", time.Hour)
	require.NoError(t, err)

	store := service.NewUserStore(users, logger)
	return &testEnv{
		users:    store,
		accounts: service.NewAccountService(store, tokens, []string{"admin@example.com"}, logger),
		alexa: service.NewAlexaService(store, service.AlexaConfig{
			LinkingEnabled: linkingEnabled,
			ClientID:       testClientID,
			RedirectURLs:   []string{testRedirectURI},
		}, logger),
		tokens: tokens,
		logger: logger,
	}
}

func (e *testEnv) createUser(t *testing.T, email string) *model.User {
	t.Helper()
	u := &model.User{
		Email:    email,
		UserName: email,
		Logins: []model.LoginInfo{{
			LoginProvider:       "github",
			ProviderKey:         "gh-" + email,
			ProviderDisplayName: "github",
		}},
	}
	require.NoError(t, e.users.Create(context.Background(), u))
	return u
}

func (e *testEnv) reload(t *testing.T, id string) *model.User {
	t.Helper()
	u, err := e.users.FindByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

// asUser attaches a signed-in principal the way the auth middleware does.
func asUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(auth.WithUserID(r.Context(), userID))
}
