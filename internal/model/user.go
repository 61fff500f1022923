// Package model defines the data structures used throughout the application.
package model

import (
	"slices"
	"time"
)

// UserRecord is the document persisted in the users collection.
//
// The json tags ARE the storage format: the document store writes this struct
// as-is, so renaming a tag is a data migration. ID, ETag and Timestamp are
// owned by the store and overwritten on every successful write.
type UserRecord struct {
	ID                 string      `json:"id"`
	ETag               string      `json:"_etag,omitempty"`
	Email              string      `json:"email"`
	EmailNormalized    string      `json:"emailNormalized"`
	EmailConfirmed     bool        `json:"emailConfirmed"`
	GivenName          string      `json:"givenName"`
	Surname            string      `json:"surname"`
	UserName           string      `json:"userName"`
	UserNameNormalized string      `json:"userNameNormalized"`
	Logins             []LoginInfo `json:"logins"`
	RoleClaims         []RoleClaim `json:"roleClaims"`
	FavoriteLines      []string    `json:"favoriteLines"`
	AlexaToken         *string     `json:"alexaToken"`
	SecurityStamp      string      `json:"securityStamp"`
	CreatedAt          time.Time   `json:"createdAt"`
	Timestamp          int64       `json:"_ts,omitempty"`
}

// LoginInfo links an external identity to a user.
//
// ProviderDisplayName was historically written both as empty (null) and as
// the provider name, so lookups must accept either.
type LoginInfo struct {
	LoginProvider       string `json:"loginProvider"`
	ProviderKey         string `json:"providerKey"`
	ProviderDisplayName string `json:"providerDisplayName,omitempty"`
}

// User is the in-memory identity entity handed to services and handlers.
type User struct {
	ID                 string
	ETag               string
	Email              string
	EmailNormalized    string
	EmailConfirmed     bool
	GivenName          string
	Surname            string
	UserName           string
	UserNameNormalized string
	Logins             []LoginInfo
	RoleClaims         []RoleClaim
	FavoriteLines      []string
	AlexaToken         string // empty when the skill is not linked
	SecurityStamp      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsLinkedToAlexa reports whether the user currently holds a skill token.
func (u *User) IsLinkedToAlexa() bool {
	return u.AlexaToken != ""
}

// HasLogin reports whether the user already has a login for provider.
func (u *User) HasLogin(provider string) bool {
	return slices.ContainsFunc(u.Logins, func(l LoginInfo) bool {
		return l.LoginProvider == provider
	})
}

// NormalizeLines returns the de-duplicated, sorted set of line ids, dropping
// blanks. The result is never nil.
func NormalizeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line != "" {
			out = append(out, line)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
