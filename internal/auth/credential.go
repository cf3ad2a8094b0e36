package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Provider represents OAuth providers
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderSlack     Provider = "slack"
	ProviderNotion    Provider = "notion"
)

// GoogleTokenURL is the token endpoint used to exchange Google refresh tokens.
const GoogleTokenURL = "https://oauth2.googleapis.com/token"

// ErrCredentialUnavailable signals that a source has no usable credentials.
// Callers skip the source instead of failing it.
var ErrCredentialUnavailable = errors.New("credential unavailable")

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Credential is a ready-to-use authorization handle for one source.
type Credential struct {
	Source      string
	Provider    Provider
	TokenSource oauth2.TokenSource
}

// HTTPClient returns a client that authorizes every request with the credential.
func (c *Credential) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, c.TokenSource)
}

// AccessToken returns the current bearer token, refreshing it when needed.
func (c *Credential) AccessToken() (string, error) {
	tok, err := c.TokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("token for %s: %w", c.Source, err)
	}
	return tok.AccessToken, nil
}

// Unavailable wraps ErrCredentialUnavailable with the source name and reason.
func Unavailable(source, reason string) error {
	return fmt.Errorf("%s: %s: %w", source, reason, ErrCredentialUnavailable)
}

// SourceCredentials holds the secrets configured for one source. Either a
// static Token or the ClientID/ClientSecret/RefreshToken triple must be set.
type SourceCredentials struct {
	Provider     Provider
	ClientID     string
	ClientSecret string
	RefreshToken string
	Token        string
	TokenURL     string
	Scopes       []string
}

// StaticProvider resolves credentials from explicit configuration.
type StaticProvider struct {
	sources map[string]SourceCredentials
}

// NewStaticProvider creates a provider over the configured source secrets.
func NewStaticProvider(sources map[string]SourceCredentials) *StaticProvider {
	return &StaticProvider{sources: sources}
}

// Credential returns the credential for source or ErrCredentialUnavailable
// when the secrets are missing.
func (p *StaticProvider) Credential(ctx context.Context, source string) (*Credential, error) {
	sc, ok := p.sources[source]
	if !ok {
		return nil, Unavailable(source, "not configured")
	}

	if sc.Token != "" {
		return &Credential{
			Source:      source,
			Provider:    sc.Provider,
			TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: sc.Token, TokenType: "Bearer"}),
		}, nil
	}

	if sc.ClientID == "" || sc.ClientSecret == "" || sc.RefreshToken == "" {
		return nil, Unavailable(source, "missing secrets")
	}

	tokenURL := sc.TokenURL
	if tokenURL == "" {
		tokenURL = GoogleTokenURL
	}

	config := &oauth2.Config{
		ClientID:     sc.ClientID,
		ClientSecret: sc.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       sc.Scopes,
	}

	return &Credential{
		Source:      source,
		Provider:    sc.Provider,
		TokenSource: config.TokenSource(ctx, &oauth2.Token{RefreshToken: sc.RefreshToken}),
	}, nil
}

// CredentialSource is implemented by every credential provider in this package.
type CredentialSource interface {
	Credential(ctx context.Context, source string) (*Credential, error)
}

// Chain tries each provider in order and returns the first usable credential.
type Chain []CredentialSource

// Credential implements CredentialSource.
func (c Chain) Credential(ctx context.Context, source string) (*Credential, error) {
	for _, p := range c {
		cred, err := p.Credential(ctx, source)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, ErrCredentialUnavailable) {
			return nil, err
		}
	}
	return nil, Unavailable(source, "no provider has credentials")
}
