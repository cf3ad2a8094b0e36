package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// BetterAuthClient fetches OAuth tokens from BetterAuth
type BetterAuthClient struct {
	baseURL string
	client  *http.Client
}

// NewBetterAuthClient creates client to fetch tokens from BetterAuth
func NewBetterAuthClient(authServerURL string) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL: authServerURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches OAuth token from BetterAuth using user's JWT.
// A missing linked account is reported as ErrCredentialUnavailable.
func (c *BetterAuthClient) GetToken(ctx context.Context, userJWT string, provider Provider) (*Token, error) {
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, provider)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+userJWT)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, Unavailable(string(provider), "no account connected")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, Unavailable(string(provider), "broker rejected user token")
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if result.AccessToken == "" {
		return nil, Unavailable(string(provider), "broker returned empty access token")
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}

// BrokerProvider resolves source credentials through BetterAuth. The broker
// owns storage and refresh, so the returned token source is static.
type BrokerProvider struct {
	client  *BetterAuthClient
	userJWT string
	sources map[string]Provider
}

// NewBrokerProvider maps source names to broker account providers.
func NewBrokerProvider(client *BetterAuthClient, userJWT string, sources map[string]Provider) *BrokerProvider {
	return &BrokerProvider{client: client, userJWT: userJWT, sources: sources}
}

// Credential implements CredentialSource.
func (p *BrokerProvider) Credential(ctx context.Context, source string) (*Credential, error) {
	provider, ok := p.sources[source]
	if !ok || p.userJWT == "" {
		return nil, Unavailable(source, "not brokered")
	}

	tok, err := p.client.GetToken(ctx, p.userJWT, provider)
	if err != nil {
		return nil, fmt.Errorf("get token for %s: %w", source, err)
	}

	return &Credential{
		Source:   source,
		Provider: provider,
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
			TokenType:    "Bearer",
		}),
	}, nil
}
