package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/sakif/linelink/internal/apperror"
	"github.com/sakif/linelink/internal/auth"
	"github.com/sakif/linelink/internal/model"
)

// Error codes returned to the Alexa service in the redirect fragment.
const (
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeServerError             = "server_error"
	CodeAccessDenied            = "access_denied"
)

// ResponseTypeToken is the only grant the skill uses.
const ResponseTypeToken = "token"

// AlexaConfig is the skill-linking part of the configuration.
type AlexaConfig struct {
	LinkingEnabled bool
	ClientID       string
	RedirectURLs   []string
}

// AlexaService issues skill tokens to signed-in users and resolves them again
// when the skill calls the API.
//
// A user holds at most one token. Issuing a new one replaces the old, so a
// relinked skill invalidates the previous installation.
type AlexaService struct {
	users    *UserStore
	cfg      AlexaConfig
	newToken func() (string, error)
	logger   *slog.Logger
}

// NewAlexaService creates an AlexaService.
func NewAlexaService(users *UserStore, cfg AlexaConfig, logger *slog.Logger) *AlexaService {
	return &AlexaService{
		users:    users,
		cfg:      cfg,
		newToken: auth.NewSkillToken,
		logger:   logger,
	}
}

// LinkingEnabled reports whether account linking is switched on.
func (s *AlexaService) LinkingEnabled() bool {
	return s.cfg.LinkingEnabled
}

// ValidateClient checks the client id and response type of an authorization
// request. The returned AppError's Code is the value sent back to the skill.
func (s *AlexaService) ValidateClient(clientID, responseType string) *apperror.AppError {
	switch {
	case clientID == "" || responseType == "":
		return &apperror.AppError{
			Err:     apperror.ErrValidation,
			Code:    apperror.CodeInvalidRequest,
			Message: "client_id and response_type are required",
		}
	case clientID != s.cfg.ClientID:
		return &apperror.AppError{
			Err:     apperror.ErrForbidden,
			Code:    CodeUnauthorizedClient,
			Message: "unknown client_id",
			Field:   "client_id",
		}
	case responseType != ResponseTypeToken:
		return &apperror.AppError{
			Err:     apperror.ErrValidation,
			Code:    CodeUnsupportedResponseType,
			Message: "only the token response type is supported",
			Field:   "response_type",
		}
	}
	return nil
}

// ValidateRedirectURI accepts only absolute URLs on the configured allow-list.
// Comparison ignores case, matching how the skill console stores them.
func (s *AlexaService) ValidateRedirectURI(raw string) error {
	if raw == "" {
		return apperror.ValidationFailed("redirect_uri", "redirect_uri is required")
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return apperror.ValidationFailed("redirect_uri", "redirect_uri must be an absolute URL")
	}

	for _, allowed := range s.cfg.RedirectURLs {
		if strings.EqualFold(raw, allowed) {
			return nil
		}
	}

	s.logger.Warn("rejected alexa redirect_uri", slog.String("redirectURI", raw))
	return apperror.ValidationFailed("redirect_uri", "redirect_uri is not allowed")
}

// IssueToken generates a fresh skill token for userID and persists it.
//
// The token is only returned once the conditional write succeeded; on a lost
// race nothing is returned and the previous token, if any, stays valid.
func (s *AlexaService) IssueToken(ctx context.Context, userID string) (string, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}

	token, err := s.newToken()
	if err != nil {
		return "", fmt.Errorf("service/alexa: generating token: %w", err)
	}

	relinked := user.IsLinkedToAlexa()
	user.AlexaToken = token
	if err := s.users.Update(ctx, user); err != nil {
		return "", err
	}

	s.logger.Info("alexa skill linked",
		slog.String("userID", user.ID),
		slog.Bool("relinked", relinked),
	)
	return token, nil
}

// ResolveBearer maps a skill token to its user. Every failure is reported as
// apperror.ErrUnauthorized; the reason is only logged.
func (s *AlexaService) ResolveBearer(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, apperror.Unauthorized("Unauthorized.")
	}

	user, err := s.users.FindByAlexaToken(ctx, token)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.logger.Info("bearer token matches no user")
			return nil, apperror.Unauthorized("Unauthorized.")
		}
		return nil, fmt.Errorf("service/alexa: resolving token: %w", err)
	}

	if !auth.TokensEqual(user.AlexaToken, token) {
		s.logger.Warn("bearer token no longer matches user", slog.String("userID", user.ID))
		return nil, apperror.Unauthorized("Unauthorized.")
	}
	return user, nil
}
