// Package mock provides a configurable in-memory provider for tests.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/workspacehub/authbroker/providers"
)

// Provider is a test double for the upstream bridge. Zero value behaves as a
// happy-path provider for the user "mock-subject"; individual funcs override
// behavior per test.
type Provider struct {
	ExchangeFunc func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)
	IdentityFunc func(ctx context.Context, token *oauth2.Token) (*providers.Identity, error)
	RefreshFunc  func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	ExchangeCalls int
	RefreshCalls  int
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	v := url.Values{}
	v.Set("state", state)
	if codeChallenge != "" {
		v.Set("code_challenge", codeChallenge)
		v.Set("code_challenge_method", codeChallengeMethod)
	}
	return "https://mock.example.com/authorize?" + v.Encode()
}

func (p *Provider) Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	p.ExchangeCalls++
	if p.ExchangeFunc != nil {
		return p.ExchangeFunc(ctx, code, codeVerifier)
	}
	if code == "" {
		return nil, fmt.Errorf("empty upstream code")
	}
	return &oauth2.Token{
		AccessToken:  "mock-access-" + code,
		RefreshToken: "mock-refresh-" + code,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (p *Provider) Identity(ctx context.Context, token *oauth2.Token) (*providers.Identity, error) {
	if p.IdentityFunc != nil {
		return p.IdentityFunc(ctx, token)
	}
	return &providers.Identity{
		Subject:       "mock-subject",
		Email:         "mock@example.com",
		EmailVerified: true,
		Name:          "Mock User",
	}, nil
}

func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	p.RefreshCalls++
	if p.RefreshFunc != nil {
		return p.RefreshFunc(ctx, refreshToken)
	}
	return &oauth2.Token{
		AccessToken:  "mock-refreshed-access",
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

var _ providers.Provider = (*Provider)(nil)
