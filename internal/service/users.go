// Package service contains the business logic layer of the application.
//
//	Handler (HTTP) → Service (rules, OCC policy) → repository.UserDocuments (storage)
//
// Services never see HTTP types and never retry a conflicting write on their
// own: a conflict goes back to the caller, who decides whether to re-read.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sakif/linelink/internal/apperror"
	"github.com/sakif/linelink/internal/auth"
	"github.com/sakif/linelink/internal/model"
	"github.com/sakif/linelink/internal/repository"
)

// UserStore maps identity operations onto the users collection and owns the
// translation between model.UserRecord and model.User.
type UserStore struct {
	docs   repository.UserDocuments
	logger *slog.Logger
}

// NewUserStore creates a UserStore over docs.
func NewUserStore(docs repository.UserDocuments, logger *slog.Logger) *UserStore {
	return &UserStore{docs: docs, logger: logger}
}

// Normalize is the lookup form of an email address or user name.
// Casers are stateful, so a fresh one is built per call.
func Normalize(value string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(value))
}

// Create persists a new user and fills in its id and etag.
func (s *UserStore) Create(ctx context.Context, u *model.User) error {
	if u == nil {
		return fmt.Errorf("service/users: create: %w", apperror.InvalidArgument("user"))
	}

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.SecurityStamp == "" {
		u.SecurityStamp = xid.New().String()
	}

	record := toRecord(u)
	if _, err := s.docs.Create(ctx, record); err != nil {
		return fmt.Errorf("service/users: creating user: %w", err)
	}

	u.ID = record.ID
	u.ETag = record.ETag
	u.EmailNormalized = record.EmailNormalized
	u.UserNameNormalized = record.UserNameNormalized
	u.UpdatedAt = time.Unix(record.Timestamp, 0).UTC()

	s.logger.Info("user created", slog.String("userID", u.ID))
	return nil
}

// FindByID returns the user or an apperror.ErrNotFound.
func (s *UserStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	if id == "" {
		return nil, fmt.Errorf("service/users: find by id: %w", apperror.InvalidArgument("id"))
	}

	record, err := s.docs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("service/users: fetching user %s: %w", id, err)
	}
	return fromRecord(record), nil
}

// FindByEmail matches on the normalized email address.
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	normalized := Normalize(email)
	if normalized == "" {
		return nil, fmt.Errorf("service/users: find by email: %w", apperror.InvalidArgument("email"))
	}
	return s.findOne(ctx, "email", func(r *model.UserRecord) bool {
		return r.EmailNormalized == normalized
	})
}

// FindByName matches on the normalized user name.
func (s *UserStore) FindByName(ctx context.Context, userName string) (*model.User, error) {
	normalized := Normalize(userName)
	if normalized == "" {
		return nil, fmt.Errorf("service/users: find by name: %w", apperror.InvalidArgument("userName"))
	}
	return s.findOne(ctx, "userName", func(r *model.UserRecord) bool {
		return r.UserNameNormalized == normalized
	})
}

// FindByLogin finds the user holding the external login (provider, key).
//
// Older records stored the login's display name as null, newer ones as the
// provider name; both must match.
func (s *UserStore) FindByLogin(ctx context.Context, provider, key string) (*model.User, error) {
	if provider == "" {
		return nil, fmt.Errorf("service/users: find by login: %w", apperror.InvalidArgument("loginProvider"))
	}
	if key == "" {
		return nil, fmt.Errorf("service/users: find by login: %w", apperror.InvalidArgument("providerKey"))
	}
	return s.findOne(ctx, "login", func(r *model.UserRecord) bool {
		return slices.ContainsFunc(r.Logins, func(l model.LoginInfo) bool {
			return l.LoginProvider == provider &&
				l.ProviderKey == key &&
				(l.ProviderDisplayName == "" || l.ProviderDisplayName == provider)
		})
	})
}

// FindByAlexaToken finds the user whose stored skill token equals token.
func (s *UserStore) FindByAlexaToken(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, fmt.Errorf("service/users: find by token: %w", apperror.InvalidArgument("token"))
	}
	return s.findOne(ctx, "alexaToken", func(r *model.UserRecord) bool {
		return r.AlexaToken != nil && auth.TokensEqual(*r.AlexaToken, token)
	})
}

func (s *UserStore) findOne(ctx context.Context, by string, match repository.Predicate) (*model.User, error) {
	records, err := s.docs.Query(ctx, match)
	if err != nil {
		return nil, fmt.Errorf("service/users: querying by %s: %w", by, err)
	}
	if len(records) == 0 {
		return nil, &apperror.AppError{
			Err:     apperror.ErrNotFound,
			Code:    apperror.CodeUserNotFound,
			Message: fmt.Sprintf("no user matches %s", by),
		}
	}
	if len(records) > 1 {
		s.logger.Warn("multiple users matched a unique lookup",
			slog.String("by", by),
			slog.Int("count", len(records)),
		)
	}
	return fromRecord(records[0]), nil
}

// AddLogin attaches login to u in memory. Persist with Update.
// A user holds at most one login per provider; u is left unchanged on failure.
func (s *UserStore) AddLogin(u *model.User, login model.LoginInfo) error {
	if u == nil {
		return fmt.Errorf("service/users: add login: %w", apperror.InvalidArgument("user"))
	}
	if login.LoginProvider == "" || login.ProviderKey == "" {
		return fmt.Errorf("service/users: add login: %w", apperror.InvalidArgument("login"))
	}
	if u.HasLogin(login.LoginProvider) {
		return apperror.DuplicateLogin(login.LoginProvider)
	}
	u.Logins = append(u.Logins, login)
	return nil
}

// RemoveLogin detaches the (provider, key) login from u in memory.
func (s *UserStore) RemoveLogin(u *model.User, provider, key string) error {
	if u == nil {
		return fmt.Errorf("service/users: remove login: %w", apperror.InvalidArgument("user"))
	}
	i := slices.IndexFunc(u.Logins, func(l model.LoginInfo) bool {
		return l.LoginProvider == provider && l.ProviderKey == key
	})
	if i < 0 {
		return &apperror.AppError{
			Err:     apperror.ErrNotFound,
			Message: fmt.Sprintf("no %s login is associated with this user", provider),
		}
	}
	u.Logins = slices.Delete(slices.Clone(u.Logins), i, i+1)
	return nil
}

// GetLogins returns a copy of the user's external logins.
func (s *UserStore) GetLogins(u *model.User) []model.LoginInfo {
	return slices.Clone(u.Logins)
}

// Update writes u back, conditional on the etag it was read with.
//
// A lost race returns apperror.ConcurrencyFailure (wrapping ErrConflict) and
// leaves u as it was; the caller must re-read before trying again.
func (s *UserStore) Update(ctx context.Context, u *model.User) error {
	if u == nil {
		return fmt.Errorf("service/users: update: %w", apperror.InvalidArgument("user"))
	}
	if u.ID == "" {
		return fmt.Errorf("service/users: update: %w", apperror.InvalidArgument("id"))
	}
	if u.ETag == "" {
		return fmt.Errorf("service/users: update %s: %w", u.ID, apperror.InvalidArgument("etag"))
	}

	updated, err := s.docs.Replace(ctx, toRecord(u), u.ETag)
	if err != nil {
		switch {
		case errors.Is(err, apperror.ErrConflict):
			s.logger.Warn("user update lost an etag race",
				slog.String("userID", u.ID),
				slog.String("etag", u.ETag),
			)
			return apperror.ConcurrencyFailure()
		case errors.Is(err, apperror.ErrNotFound):
			return apperror.NotFound("user", u.ID)
		}
		return fmt.Errorf("service/users: updating user %s: %w", u.ID, err)
	}

	u.ETag = updated.ETag
	u.FavoriteLines = updated.FavoriteLines
	u.EmailNormalized = updated.EmailNormalized
	u.UserNameNormalized = updated.UserNameNormalized
	u.UpdatedAt = time.Unix(updated.Timestamp, 0).UTC()
	return nil
}

// Delete removes the user. A user that is already gone is ErrNotFound.
func (s *UserStore) Delete(ctx context.Context, u *model.User) error {
	if u == nil {
		return fmt.Errorf("service/users: delete: %w", apperror.InvalidArgument("user"))
	}
	if u.ID == "" {
		return fmt.Errorf("service/users: delete: %w", apperror.InvalidArgument("id"))
	}

	deleted, err := s.docs.Delete(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("service/users: deleting user %s: %w", u.ID, err)
	}
	if !deleted {
		return apperror.NotFound("user", u.ID)
	}
	s.logger.Info("user deleted", slog.String("userID", u.ID))
	return nil
}

// GetRoles returns the roles granted to u by this application.
func (s *UserStore) GetRoles(u *model.User) []string {
	return model.RolesFromClaims(u.RoleClaims)
}

// IsInRole reports whether u holds role.
func (s *UserStore) IsInRole(u *model.User, role string) bool {
	return slices.Contains(s.GetRoles(u), role)
}

// UserHasRole loads the user and checks role. It backs auth.RequireRole.
func (s *UserStore) UserHasRole(ctx context.Context, userID, role string) (bool, error) {
	u, err := s.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.IsInRole(u, role), nil
}

// Count is informational only.
func (s *UserStore) Count(ctx context.Context) (int64, error) {
	n, err := s.docs.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("service/users: counting users: %w", err)
	}
	return n, nil
}

func toRecord(u *model.User) *model.UserRecord {
	record := &model.UserRecord{
		ID:                 u.ID,
		ETag:               u.ETag,
		Email:              u.Email,
		EmailNormalized:    Normalize(u.Email),
		EmailConfirmed:     u.EmailConfirmed,
		GivenName:          u.GivenName,
		Surname:            u.Surname,
		UserName:           u.UserName,
		UserNameNormalized: Normalize(u.UserName),
		Logins:             slices.Clone(u.Logins),
		RoleClaims:         slices.Clone(u.RoleClaims),
		FavoriteLines:      model.NormalizeLines(u.FavoriteLines),
		SecurityStamp:      u.SecurityStamp,
		CreatedAt:          u.CreatedAt,
	}
	if u.AlexaToken != "" {
		token := u.AlexaToken
		record.AlexaToken = &token
	}
	return record
}

func fromRecord(r *model.UserRecord) *model.User {
	u := &model.User{
		ID:                 r.ID,
		ETag:               r.ETag,
		Email:              r.Email,
		EmailNormalized:    r.EmailNormalized,
		EmailConfirmed:     r.EmailConfirmed,
		GivenName:          r.GivenName,
		Surname:            r.Surname,
		UserName:           r.UserName,
		UserNameNormalized: r.UserNameNormalized,
		Logins:             r.Logins,
		RoleClaims:         r.RoleClaims,
		FavoriteLines:      model.NormalizeLines(r.FavoriteLines),
		SecurityStamp:      r.SecurityStamp,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          time.Unix(r.Timestamp, 0).UTC(),
	}
	if r.AlexaToken != nil {
		u.AlexaToken = *r.AlexaToken
	}
	return u
}
