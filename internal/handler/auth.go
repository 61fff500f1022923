package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"

	"github.com/sakif/linelink/internal/auth"
	"github.com/sakif/linelink/internal/service"
)

const (
	stateCookieName  = "oauth_state"
	returnCookieName = "oauth_return"
)

// IdentityProvider is an external sign-in provider. *auth.Provider
// implements it for GitHub and Amazon.
type IdentityProvider interface {
	Name() string
	DisplayName() string
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*auth.ExternalIdentity, error)
}

// AuthHandler runs the external sign-in flow and manages the session cookie.
//
// HANDLER RESPONSIBILITIES:
//   - HandleLogin    → redirect the browser to the provider's consent page
//   - HandleCallback → exchange the code, sign the user in, set the cookie
//   - HandleSignOut  → clear the session cookie
type AuthHandler struct {
	providers    map[string]IdentityProvider
	order        []string
	accounts     *service.AccountService
	tokens       *auth.TokenService
	cookieSecure bool
	logger       *slog.Logger
}

// NewAuthHandler creates an AuthHandler for the given providers.
func NewAuthHandler(
	providers []IdentityProvider,
	accounts *service.AccountService,
	tokens *auth.TokenService,
	cookieSecure bool,
	logger *slog.Logger,
) *AuthHandler {
	byName := make(map[string]IdentityProvider, len(providers))
	order := make([]string, 0, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
		order = append(order, p.Name())
	}
	return &AuthHandler{
		providers:    byName,
		order:        order,
		accounts:     accounts,
		tokens:       tokens,
		cookieSecure: cookieSecure,
		logger:       logger,
	}
}

// HandleLogin redirects the user to the provider's authorization page.
//
// HTTP: GET /auth/{provider}/login?returnUrl=/path
//
// A random state value goes into a short-lived HttpOnly cookie and is checked
// again on callback, so the callback cannot be forged cross-site.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providers[chi.URLParam(r, "provider")]
	if !ok {
		http.NotFound(w, r)
		return
	}

	state := xid.New().String()
	h.setShortCookie(w, stateCookieName, state)
	h.setShortCookie(w, returnCookieName, localReturnURL(r.URL.Query().Get("returnUrl")))

	http.Redirect(w, r, provider.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleCallback completes the sign-in.
//
// HTTP: GET /auth/{provider}/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Exchange the code for the provider profile
//  3. Resolve or create the local user
//  4. Issue the session cookie
//  5. Redirect to the page that asked for sign-in
func (h *AuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providers[chi.URLParam(r, "provider")]
	if !ok {
		http.NotFound(w, r)
		return
	}

	// --- Step 1: Validate CSRF state ---
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" {
		h.logger.Warn("auth callback: missing state cookie", slog.String("provider", provider.Name()))
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("state") != stateCookie.Value {
		h.logger.Warn("auth callback: state mismatch", slog.String("provider", provider.Name()))
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}
	h.clearCookie(w, stateCookieName)

	returnURL := "/"
	if c, err := r.Cookie(returnCookieName); err == nil {
		returnURL = localReturnURL(c.Value)
	}
	h.clearCookie(w, returnCookieName)

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("auth callback: user denied authorization",
			slog.String("provider", provider.Name()),
			slog.String("error", errParam),
		)
		http.Redirect(w, r, "/?auth=denied", http.StatusSeeOther)
		return
	}

	// --- Step 2: Exchange code for the external identity ---
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing OAuth code", http.StatusBadRequest)
		return
	}

	identity, err := provider.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("auth callback: exchange failed",
			slog.String("provider", provider.Name()),
			slog.String("error", err.Error()),
		)
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	// --- Step 3 & 4: Resolve the user and issue the session ---
	result, err := h.accounts.SignInExternal(r.Context(), identity)
	if err != nil {
		h.logger.Error("auth callback: sign in failed",
			slog.String("provider", provider.Name()),
			slog.String("error", err.Error()),
		)
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    result.Token,
		Path:     "/",
		MaxAge:   int(h.tokens.TTL().Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// --- Step 5: Back to where the user came from ---
	http.Redirect(w, r, returnURL, http.StatusSeeOther)
}

// HandleSignOut clears the session cookie.
//
// HTTP: POST /account/signout
//
// Sessions are stateless JWTs, so signing out only removes the cookie; the
// token itself stays valid until it expires.
func (h *AuthHandler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	h.clearCookie(w, auth.SessionCookieName)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// Providers lists the configured providers for the sign-in page.
func (h *AuthHandler) Providers() []ProviderLink {
	links := make([]ProviderLink, 0, len(h.order))
	for _, name := range h.order {
		p := h.providers[name]
		links = append(links, ProviderLink{Name: p.Name(), DisplayName: p.DisplayName()})
	}
	return links
}

func (h *AuthHandler) setShortCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func userIDFrom(r *http.Request) (string, bool) {
	return auth.UserIDFromContext(r.Context())
}
