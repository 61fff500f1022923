package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/amazon"
	"golang.org/x/oauth2/github"
)

// ExternalIdentity is what an identity provider tells us about the person
// signing in. ProviderKey is the provider's stable id for them.
type ExternalIdentity struct {
	Provider    string
	ProviderKey string
	DisplayName string
	Email       string
	GivenName   string
	Surname     string
	UserName    string
}

// Provider runs the OAuth 2.0 authorization code flow against one external
// identity provider and maps its profile endpoint onto ExternalIdentity.
type Provider struct {
	name        string
	displayName string
	config      *oauth2.Config
	profileURL  string
	decode      func(io.Reader) (*ExternalIdentity, error)
}

// NewGitHubProvider signs users in with GitHub.
func NewGitHubProvider(clientID, clientSecret, callbackURL string) *Provider {
	return &Provider{
		name:        "github",
		displayName: "GitHub",
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		profileURL: "https://api.github.com/user",
		decode:     decodeGitHubProfile,
	}
}

// NewAmazonProvider signs users in with Login with Amazon.
func NewAmazonProvider(clientID, clientSecret, callbackURL string) *Provider {
	return &Provider{
		name:        "amazon",
		displayName: "Amazon",
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"profile"},
			Endpoint:     amazon.Endpoint,
		},
		profileURL: "https://api.amazon.com/user/profile",
		decode:     decodeAmazonProfile,
	}
}

// Name is the provider key used in routes and stored logins.
func (p *Provider) Name() string {
	return p.name
}

// DisplayName is the human-readable provider name.
func (p *Provider) DisplayName() string {
	return p.displayName
}

// AuthURL returns the provider URL to send the browser to. state is echoed
// back on the callback and must be checked there.
func (p *Provider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades the callback code for an access token and fetches the
// profile with it.
func (p *Provider) Exchange(ctx context.Context, code string) (*ExternalIdentity, error) {
	oauthToken, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: exchanging %s OAuth code: %w", p.name, err)
	}

	client := p.config.Client(ctx, oauthToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.profileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: building %s profile request: %w", p.name, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: calling %s profile API: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: %s profile API returned status %d", p.name, resp.StatusCode)
	}

	identity, err := p.decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding %s profile: %w", p.name, err)
	}
	identity.Provider = p.name
	identity.DisplayName = p.displayName
	return identity, nil
}

func decodeGitHubProfile(r io.Reader) (*ExternalIdentity, error) {
	var profile struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r).Decode(&profile); err != nil {
		return nil, err
	}
	if profile.ID == 0 {
		return nil, fmt.Errorf("GitHub returned an invalid user (ID = 0)")
	}

	given, surname := splitName(profile.Name)
	return &ExternalIdentity{
		ProviderKey: strconv.FormatInt(profile.ID, 10),
		Email:       profile.Email,
		GivenName:   given,
		Surname:     surname,
		UserName:    profile.Login,
	}, nil
}

func decodeAmazonProfile(r io.Reader) (*ExternalIdentity, error) {
	var profile struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
		Email  string `json:"email"`
	}
	if err := json.NewDecoder(r).Decode(&profile); err != nil {
		return nil, err
	}
	if profile.UserID == "" {
		return nil, fmt.Errorf("Amazon returned a profile without user_id")
	}

	given, surname := splitName(profile.Name)
	return &ExternalIdentity{
		ProviderKey: profile.UserID,
		Email:       profile.Email,
		GivenName:   given,
		Surname:     surname,
		UserName:    profile.Email,
	}, nil
}

// splitName treats the last word as the surname.
func splitName(name string) (given, surname string) {
	fields := strings.Fields(name)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
	}
}
