package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/linelink/internal/apperror"
	"github.com/sakif/linelink/internal/auth"
	"github.com/sakif/linelink/internal/model"
	"github.com/sakif/linelink/internal/service"
)

// AccountView is the signed-in user's own account as shown on /manage.
// ETag must be echoed back on every change.
type AccountView struct {
	ID            string            `json:"id"`
	ETag          string            `json:"etag"`
	Email         string            `json:"email"`
	GivenName     string            `json:"givenName"`
	Surname       string            `json:"surname"`
	UserName      string            `json:"userName"`
	FavoriteLines []string          `json:"favoriteLines"`
	Logins        []model.LoginInfo `json:"logins"`
	Roles         []string          `json:"roles"`
	LinkedToAlexa bool              `json:"linkedToAlexa"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// UpdatePreferencesRequest is the body of PUT /manage/preferences.
type UpdatePreferencesRequest struct {
	FavoriteLines []string `json:"favoriteLines"`
	ETag          string   `json:"etag"`
}

// RemoveLoginRequest is the body of POST /manage/logins/remove.
type RemoveLoginRequest struct {
	LoginProvider string `json:"loginProvider"`
	ProviderKey   string `json:"providerKey"`
}

// ManageHandler serves the signed-in user's account endpoints.
// Every route sits behind auth.RequireAuth.
type ManageHandler struct {
	accounts     *service.AccountService
	cookieSecure bool
	logger       *slog.Logger
}

// NewManageHandler creates a ManageHandler.
func NewManageHandler(accounts *service.AccountService, cookieSecure bool, logger *slog.Logger) *ManageHandler {
	return &ManageHandler{accounts: accounts, cookieSecure: cookieSecure, logger: logger}
}

// HandleGet returns the current account.
//
// HTTP: GET /manage
func (h *ManageHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r)

	user, err := h.accounts.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(user))
}

// HandleUpdatePreferences replaces the favourite lines.
//
// HTTP: PUT /manage/preferences
// Returns 409 when the etag is out of date; the client must reload first.
func (h *ManageHandler) HandleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r)

	var req UpdatePreferencesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.accounts.UpdateLinePreferences(r.Context(), userID, req.FavoriteLines, req.ETag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(user))
}

// HandleUnlinkAlexa revokes the skill token.
//
// HTTP: POST /manage/alexa/unlink
func (h *ManageHandler) HandleUnlinkAlexa(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r)

	user, err := h.accounts.UnlinkAlexa(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(user))
}

// HandleRemoveLogin detaches one external login.
//
// HTTP: POST /manage/logins/remove
func (h *ManageHandler) HandleRemoveLogin(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r)

	var req RemoveLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.LoginProvider == "" || req.ProviderKey == "" {
		writeError(w, apperror.ValidationFailed("loginProvider", "loginProvider and providerKey are required"))
		return
	}

	user, err := h.accounts.RemoveLogin(r.Context(), userID, req.LoginProvider, req.ProviderKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(user))
}

// HandleDelete deletes the account and signs the user out.
//
// HTTP: DELETE /manage
func (h *ManageHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r)

	if err := h.accounts.DeleteAccount(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleUserCount reports how many accounts exist.
//
// HTTP: GET /admin/users/count
// Auth: administrator role
func (h *ManageHandler) HandleUserCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.accounts.CountUsers(r.Context())
	if err != nil {
		h.logger.Error("admin: counting users failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (h *ManageHandler) view(u *model.User) AccountView {
	logins := u.Logins
	if logins == nil {
		logins = []model.LoginInfo{}
	}
	roles := model.RolesFromClaims(u.RoleClaims)
	return AccountView{
		ID:            u.ID,
		ETag:          u.ETag,
		Email:         u.Email,
		GivenName:     u.GivenName,
		Surname:       u.Surname,
		UserName:      u.UserName,
		FavoriteLines: model.NormalizeLines(u.FavoriteLines),
		Logins:        logins,
		Roles:         roles,
		LinkedToAlexa: u.IsLinkedToAlexa(),
		UpdatedAt:     u.UpdatedAt,
	}
}
