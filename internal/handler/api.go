package handler

import (
	"errors"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/linelink/internal/apperror"
	"github.com/sakif/linelink/internal/auth"
	"github.com/sakif/linelink/internal/service"
)

// Details sent with a 401. They never say whether a token exists.
const (
	detailInvalidHeader     = "The Authorization header is invalid."
	detailUnsupportedScheme = "Only the bearer authorization scheme is supported."
	detailUnauthorized      = "Unauthorized."
)

// ProblemResponse is the error body of the skill-facing API.
type ProblemResponse struct {
	Message    string   `json:"message"`
	RequestID  string   `json:"requestId"`
	StatusCode int      `json:"statusCode"`
	Details    []string `json:"details"`
}

// PreferencesResponse is what the skill reads on every invocation.
type PreferencesResponse struct {
	UserID        string   `json:"userId"`
	FavoriteLines []string `json:"favoriteLines"`
}

// APIHandler serves the bearer-token API used by the Alexa skill. It has no
// session: every request carries the skill token.
type APIHandler struct {
	alexa  *service.AlexaService
	logger *slog.Logger
}

// NewAPIHandler creates an APIHandler.
func NewAPIHandler(alexa *service.AlexaService, logger *slog.Logger) *APIHandler {
	return &APIHandler{alexa: alexa, logger: logger}
}

// HandlePreferences returns the favourite lines of the token's owner.
//
// HTTP: GET /api/preferences
// Auth: Authorization: Bearer <skill token>
func (h *APIHandler) HandlePreferences(w http.ResponseWriter, r *http.Request) {
	creds, err := auth.ParseAuthorization(r.Header.Get("Authorization"))
	if err != nil {
		h.logger.Info("api: rejected authorization header", slog.String("reason", err.Error()))
		h.unauthorized(w, r, detailInvalidHeader)
		return
	}
	if !creds.IsBearer() {
		h.logger.Info("api: unsupported authorization scheme", slog.String("scheme", creds.Scheme))
		h.unauthorized(w, r, detailUnsupportedScheme)
		return
	}

	user, err := h.alexa.ResolveBearer(r.Context(), creds.Parameter)
	if err != nil {
		if errors.Is(err, apperror.ErrUnauthorized) {
			h.unauthorized(w, r, detailUnauthorized)
			return
		}
		h.logger.Error("api: resolving bearer token failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, ProblemResponse{
			Message:    "An internal error occurred",
			RequestID:  chimiddleware.GetReqID(r.Context()),
			StatusCode: http.StatusInternalServerError,
			Details:    []string{},
		})
		return
	}

	writeJSON(w, http.StatusOK, PreferencesResponse{
		UserID:        user.ID,
		FavoriteLines: user.FavoriteLines,
	})
}

func (h *APIHandler) unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="linelink"`)
	writeJSON(w, http.StatusUnauthorized, ProblemResponse{
		Message:    "Authorization has been denied for this request.",
		RequestID:  chimiddleware.GetReqID(r.Context()),
		StatusCode: http.StatusUnauthorized,
		Details:    []string{detail},
	})
}
