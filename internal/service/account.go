package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/rs/xid"

	"github.com/sakif/linelink/internal/apperror"
	"github.com/sakif/linelink/internal/auth"
	"github.com/sakif/linelink/internal/model"
)

// MaxFavoriteLines caps how many lines a user can follow.
const MaxFavoriteLines = 32

var validLineID = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// AccountService owns the signed-in user's own account: external sign-in,
// line preferences, the Alexa link and account deletion.
//
//	AuthHandler / ManageHandler → AccountService → UserStore
//	                            ↘ TokenService (session JWT)
//
// Every mutation is read, modify, conditional Update. A lost race surfaces
// as an apperror.ErrConflict and is never retried here.
type AccountService struct {
	users       *UserStore
	tokens      *auth.TokenService
	adminEmails map[string]struct{}
	logger      *slog.Logger
}

// NewAccountService wires an AccountService. Users signing in with one of
// adminEmails are granted the administrator role.
func NewAccountService(
	users *UserStore,
	tokens *auth.TokenService,
	adminEmails []string,
	logger *slog.Logger,
) *AccountService {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, email := range adminEmails {
		if n := Normalize(email); n != "" {
			admins[n] = struct{}{}
		}
	}
	return &AccountService{
		users:       users,
		tokens:      tokens,
		adminEmails: admins,
		logger:      logger,
	}
}

// AuthResult bundles the signed-in user with the session token so the
// handler can set the cookie and redirect in one step.
type AuthResult struct {
	User  *model.User
	Token string
}

// SignInExternal resolves an external identity to a local user.
//
//  1. A user already holding the login signs straight in.
//  2. Otherwise a user with the same email gets the login attached.
//  3. Otherwise a new user is created with the login.
//
// Admin membership is reconciled against the configured emails on every
// sign-in.
func (s *AccountService) SignInExternal(ctx context.Context, identity *auth.ExternalIdentity) (*AuthResult, error) {
	if identity == nil {
		return nil, fmt.Errorf("service/account: sign in: %w", apperror.InvalidArgument("identity"))
	}
	if identity.Provider == "" || identity.ProviderKey == "" {
		return nil, fmt.Errorf("service/account: sign in: %w", apperror.InvalidArgument("login"))
	}

	user, err := s.resolveIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.Generate(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/account: generating token for user %s: %w", user.ID, err)
	}

	s.logger.Info("user signed in",
		slog.String("userID", user.ID),
		slog.String("provider", identity.Provider),
	)
	return &AuthResult{User: user, Token: token}, nil
}

func (s *AccountService) resolveIdentity(ctx context.Context, identity *auth.ExternalIdentity) (*model.User, error) {
	user, err := s.users.FindByLogin(ctx, identity.Provider, identity.ProviderKey)
	switch {
	case err == nil:
		if s.reconcileRoles(user) {
			if err := s.users.Update(ctx, user); err != nil {
				// The sign-in itself is still valid; the roles catch up next time.
				s.logger.Warn("could not persist role change on sign in",
					slog.String("userID", user.ID),
					slog.Any("error", err),
				)
			}
		}
		return user, nil
	case !errors.Is(err, apperror.ErrNotFound):
		return nil, fmt.Errorf("service/account: looking up login: %w", err)
	}

	// New entries record the provider name as display name, which is one of
	// the two forms FindByLogin accepts.
	login := model.LoginInfo{
		LoginProvider:       identity.Provider,
		ProviderKey:         identity.ProviderKey,
		ProviderDisplayName: identity.Provider,
	}

	if identity.Email != "" {
		user, err := s.users.FindByEmail(ctx, identity.Email)
		switch {
		case err == nil:
			if err := s.users.AddLogin(user, login); err != nil {
				return nil, err
			}
			s.reconcileRoles(user)
			if err := s.users.Update(ctx, user); err != nil {
				return nil, err
			}
			s.logger.Info("external login attached to existing user",
				slog.String("userID", user.ID),
				slog.String("provider", identity.Provider),
			)
			return user, nil
		case !errors.Is(err, apperror.ErrNotFound):
			return nil, fmt.Errorf("service/account: looking up email: %w", err)
		}
	}

	userName := identity.UserName
	if userName == "" {
		userName = identity.Email
	}
	if userName == "" {
		userName = identity.Provider + "-" + identity.ProviderKey
	}

	user = &model.User{
		Email:         identity.Email,
		GivenName:     identity.GivenName,
		Surname:       identity.Surname,
		UserName:      userName,
		Logins:        []model.LoginInfo{login},
		FavoriteLines: []string{},
	}
	s.reconcileRoles(user)
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// reconcileRoles grants or revokes the administrator role to match the
// configured emails. It reports whether u changed.
func (s *AccountService) reconcileRoles(u *model.User) bool {
	_, shouldBeAdmin := s.adminEmails[Normalize(u.Email)]
	isAdmin := s.users.IsInRole(u, model.AdministratorRole)

	switch {
	case shouldBeAdmin && !isAdmin:
		u.RoleClaims = append(slices.Clone(u.RoleClaims), model.NewRoleClaim(model.AdministratorRole))
		return true
	case !shouldBeAdmin && isAdmin:
		admin := model.NewRoleClaim(model.AdministratorRole)
		u.RoleClaims = slices.DeleteFunc(slices.Clone(u.RoleClaims), func(c model.RoleClaim) bool {
			return c == admin
		})
		return true
	}
	return false
}

// GetUser returns the user for the given internal ID.
func (s *AccountService) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.users.FindByID(ctx, id)
}

// IsAdmin reports whether u holds the administrator role.
func (s *AccountService) IsAdmin(u *model.User) bool {
	return s.users.IsInRole(u, model.AdministratorRole)
}

// UpdateLinePreferences replaces the user's favourite lines.
//
// etag is the version the client last saw. It is checked even when the new
// set equals the stored one, so a client never gets a success for a write
// it made against stale data.
func (s *AccountService) UpdateLinePreferences(ctx context.Context, userID string, lines []string, etag string) (*model.User, error) {
	if etag == "" {
		return nil, apperror.ValidationFailed("etag", "etag is required")
	}

	normalized := model.NormalizeLines(lines)
	if len(normalized) > MaxFavoriteLines {
		return nil, apperror.ValidationFailed("favoriteLines",
			fmt.Sprintf("at most %d lines can be selected", MaxFavoriteLines))
	}
	for _, line := range normalized {
		if !validLineID.MatchString(line) {
			return nil, apperror.ValidationFailed("favoriteLines",
				fmt.Sprintf("%q is not a valid line id", line))
		}
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.ETag != etag {
		return nil, apperror.ConcurrencyFailure()
	}
	if slices.Equal(user.FavoriteLines, normalized) {
		return user, nil
	}

	user.FavoriteLines = normalized
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("line preferences updated",
		slog.String("userID", user.ID),
		slog.Int("lines", len(normalized)),
	)
	return user, nil
}

// UnlinkAlexa drops the user's skill token. The security stamp is rotated
// with it. Unlinking an unlinked account is a no-op.
func (s *AccountService) UnlinkAlexa(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsLinkedToAlexa() {
		return user, nil
	}

	user.AlexaToken = ""
	user.SecurityStamp = xid.New().String()
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("alexa skill unlinked", slog.String("userID", user.ID))
	return user, nil
}

// RemoveLogin detaches an external login. The last login cannot be removed,
// otherwise the user could never sign in again.
func (s *AccountService) RemoveLogin(ctx context.Context, userID, provider, key string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(user.Logins) <= 1 {
		return nil, apperror.ValidationFailed("loginProvider", "the last login cannot be removed")
	}
	if err := s.users.RemoveLogin(user, provider, key); err != nil {
		return nil, err
	}
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("external login removed",
		slog.String("userID", user.ID),
		slog.String("provider", provider),
	)
	return user, nil
}

// DeleteAccount removes the user and everything stored with it.
func (s *AccountService) DeleteAccount(ctx context.Context, userID string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	return s.users.Delete(ctx, user)
}

// CountUsers is shown on the admin page.
func (s *AccountService) CountUsers(ctx context.Context) (int64, error) {
	return s.users.Count(ctx)
}
