package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// SkillTokenBytes is the entropy of one skill access token.
const SkillTokenBytes = 64

var (
	ErrMissingAuthorization = errors.New("auth: no authorization header")
	ErrInvalidAuthorization = errors.New("auth: malformed authorization header")
)

// Credentials is a parsed Authorization header value.
type Credentials struct {
	Scheme    string
	Parameter string
}

// IsBearer reports whether the scheme is "bearer", ignoring case.
func (c Credentials) IsBearer() bool {
	return strings.EqualFold(c.Scheme, "bearer")
}

// ParseAuthorization splits "<scheme> <parameter>". The parameter is kept
// byte-for-byte apart from the single separating space, so a token with
// trailing whitespace will not match the stored one.
func ParseAuthorization(header string) (Credentials, error) {
	if header == "" {
		return Credentials{}, ErrMissingAuthorization
	}

	scheme, param, found := strings.Cut(header, " ")
	if !found || scheme == "" || param == "" {
		return Credentials{}, ErrInvalidAuthorization
	}
	if !isToken(scheme) {
		return Credentials{}, ErrInvalidAuthorization
	}
	return Credentials{Scheme: scheme, Parameter: param}, nil
}

// isToken checks the RFC 7230 token grammar used for scheme names.
func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// TokensEqual compares two skill tokens exactly, in constant time.
func TokensEqual(stored, candidate string) bool {
	if stored == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}

// NewSkillToken returns SkillTokenBytes of crypto/rand entropy, base64 encoded.
func NewSkillToken() (string, error) {
	buf := make([]byte, SkillTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generating skill token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
