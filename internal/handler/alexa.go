package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/sakif/linelink/internal/apperror"
	"github.com/sakif/linelink/internal/service"
)

// AlexaHandler serves the account-linking endpoint the Alexa skill opens in
// the companion app.
type AlexaHandler struct {
	alexa  *service.AlexaService
	logger *slog.Logger
}

// NewAlexaHandler creates an AlexaHandler.
func NewAlexaHandler(alexa *service.AlexaService, logger *slog.Logger) *AlexaHandler {
	return &AlexaHandler{alexa: alexa, logger: logger}
}

// HandleAuthorize issues a skill token through the implicit grant.
//
// HTTP: GET /alexa/authorize?state=s&client_id=id&response_type=token&redirect_uri=uri
// Auth: session cookie (RequireSignIn sends anonymous users to sign in first)
//
// Checks run in a fixed order and the first failure wins:
//  1. linking disabled        → 404
//  2. client_id/response_type → error fragment on the home page
//  3. redirect_uri            → 400, never redirected
//  4. user lookup             → error fragment on redirect_uri
//     5-6. token + conditional write → server_error on any failure
//  7. success                 → token fragment on redirect_uri
//
// Until redirect_uri has passed the allow-list it is attacker controlled, so
// nothing before step 3 may redirect to it.
func (h *AlexaHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !h.alexa.LinkingEnabled() {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	state := q.Get("state")

	if appErr := h.alexa.ValidateClient(q.Get("client_id"), q.Get("response_type")); appErr != nil {
		h.logger.Warn("alexa authorize: client rejected",
			slog.String("code", appErr.Code),
			slog.String("reason", appErr.Message),
		)
		redirectFragment(w, "/", errorFragment(state, appErr.Code))
		return
	}

	redirectURI := q.Get("redirect_uri")
	if err := h.alexa.ValidateRedirectURI(redirectURI); err != nil {
		writeError(w, err)
		return
	}

	userID, ok := userIDFrom(r)
	if !ok {
		h.logger.Error("alexa authorize: no principal on an authenticated route")
		redirectFragment(w, redirectURI, errorFragment(state, service.CodeServerError))
		return
	}

	token, err := h.alexa.IssueToken(r.Context(), userID)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, apperror.ErrConflict) || errors.Is(err, apperror.ErrNotFound) {
			level = slog.LevelWarn
		}
		h.logger.Log(r.Context(), level, "alexa authorize: token not issued",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		redirectFragment(w, redirectURI, errorFragment(state, service.CodeServerError))
		return
	}

	fragment := "state=" + url.QueryEscape(state) +
		"&access_token=" + url.QueryEscape(token) +
		"&token_type=Bearer"
	redirectFragment(w, redirectURI, fragment)
}

func errorFragment(state, code string) string {
	return "state=" + url.QueryEscape(state) + "&error=" + code
}

// redirectFragment sends a 302 to target with fragment appended verbatim.
// http.Redirect is not used because it would clean and re-escape the URL.
func redirectFragment(w http.ResponseWriter, target, fragment string) {
	w.Header().Set("Location", target+"#"+fragment)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusFound)
}
