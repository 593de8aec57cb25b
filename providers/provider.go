// Package providers defines the bridge to the upstream identity provider the
// broker delegates end-user authentication to. The broker terminates its own
// clients' PKCE; the upstream leg carries a broker-generated verifier.
package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider is the upstream OAuth bridge.
type Provider interface {
	// Name returns the provider name (e.g., "google")
	Name() string

	// AuthorizationURL builds the upstream authorization URL. state is the
	// broker's signed flow-state token; codeChallenge and method are the
	// broker's own PKCE parameters for the upstream leg (empty disables).
	AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string

	// Exchange redeems an upstream authorization code for tokens.
	Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// Identity resolves the stable end-user identity behind a token.
	Identity(ctx context.Context, token *oauth2.Token) (*Identity, error)

	// Refresh obtains a fresh token from a refresh token.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Identity is the provider's view of an authenticated end user. Subject is
// the stable identifier credentials are keyed by.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}
