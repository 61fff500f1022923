package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/linelink/internal/handler"
)

func callPreferences(t *testing.T, env *testEnv, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	h := chimiddleware.RequestID(http.HandlerFunc(handler.NewAPIHandler(env.alexa, env.logger).HandlePreferences))

	req := httptest.NewRequest(http.MethodGet, "/api/preferences", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) handler.ProblemResponse {
	t.Helper()
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	var problem handler.ProblemResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&problem))
	assert.Equal(t, http.StatusUnauthorized, problem.StatusCode)
	assert.NotEmpty(t, problem.RequestID)
	assert.NotEmpty(t, problem.Message)
	return problem
}

func linkedUser(t *testing.T, env *testEnv, email string) (string, string) {
	t.Helper()
	user := env.createUser(t, email)
	token, err := env.alexa.IssueToken(context.Background(), user.ID)
	require.NoError(t, err)
	return user.ID, token
}

func TestHandlePreferences_ReturnsLines(t *testing.T) {
	env := newTestEnv(t, true)
	userID, token := linkedUser(t, env, "ada@example.com")

	user := env.reload(t, userID)
	_, err := env.accounts.UpdateLinePreferences(context.Background(), userID, []string{"victoria", "central"}, user.ETag)
	require.NoError(t, err)

	rr := callPreferences(t, env, "Bearer "+token)

	require.Equal(t, http.StatusOK, rr.Code)
	var body handler.PreferencesResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, userID, body.UserID)
	assert.Equal(t, []string{"central", "victoria"}, body.FavoriteLines)
}

func TestHandlePreferences_EmptyListIsNotNull(t *testing.T) {
	env := newTestEnv(t, true)
	_, token := linkedUser(t, env, "ada@example.com")

	rr := callPreferences(t, env, "bearer "+token)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"favoriteLines":[]`)
}

func TestHandlePreferences_Rejections(t *testing.T) {
	env := newTestEnv(t, true)
	_, token := linkedUser(t, env, "ada@example.com")

	tests := []struct {
		name          string
		authorization string
		wantDetail    string
	}{
		{name: "no header", authorization: "", wantDetail: "The Authorization header is invalid."},
		{name: "no parameter", authorization: "Bearer", wantDetail: "The Authorization header is invalid."},
		{name: "basic scheme", authorization: "Basic " + token, wantDetail: "Only the bearer authorization scheme is supported."},
		{name: "unknown token", authorization: "Bearer not-a-real-token", wantDetail: "Unauthorized."},
		{name: "token case changed", authorization: "Bearer " + strings.ToUpper(token), wantDetail: "Unauthorized."},
		{name: "token with trailing space", authorization: "Bearer " + token + " ", wantDetail: "Unauthorized."},
		{name: "token with leading space", authorization: "Bearer  " + token, wantDetail: "Unauthorized."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := callPreferences(t, env, tt.authorization)
			problem := decodeProblem(t, rr)
			assert.Equal(t, []string{tt.wantDetail}, problem.Details)
			assert.NotContains(t, rr.Body.String(), "favoriteLines")
		})
	}
}

// A token replaced by relinking gets the same generic answer as one that
// never existed.
func TestHandlePreferences_RotatedToken(t *testing.T) {
	env := newTestEnv(t, true)
	userID, stale := linkedUser(t, env, "ada@example.com")

	fresh, err := env.alexa.IssueToken(context.Background(), userID)
	require.NoError(t, err)

	problem := decodeProblem(t, callPreferences(t, env, "Bearer "+stale))
	assert.Equal(t, []string{"Unauthorized."}, problem.Details)

	rr := callPreferences(t, env, "Bearer "+fresh)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandlePreferences_UnlinkedToken(t *testing.T) {
	env := newTestEnv(t, true)
	userID, token := linkedUser(t, env, "ada@example.com")

	_, err := env.accounts.UnlinkAlexa(context.Background(), userID)
	require.NoError(t, err)

	problem := decodeProblem(t, callPreferences(t, env, "Bearer "+token))
	assert.Equal(t, []string{"Unauthorized."}, problem.Details)
}
