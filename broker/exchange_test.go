package broker

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"
)

// issueTestCode drives a full authorization so the exchange tests start from
// a real issued code.
func issueTestCode(t *testing.T, b *Broker, clientID string) string {
	t.Helper()
	state := stateFromUpstreamURL(t, startTestAuthorization(t, b, clientID))
	redirect, err := b.HandleUpstreamCallback(context.Background(), state, "upstream-code", testClientIP)
	if err != nil {
		t.Fatalf("HandleUpstreamCallback: %v", err)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	return u.Query().Get("code")
}

func TestExchangeAuthorizationCode(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBroker(t)
	client := registerTestClient(t, b)
	code := issueTestCode(t, b, client.ClientID)

	resp, err := b.ExchangeAuthorizationCode(ctx, &TokenRequest{
		Code:         code,
		ClientID:     client.ClientID,
		RedirectURI:  "https://good.com/cb",
		CodeVerifier: testVerifier,
	})
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("no access token returned")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token type = %q", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", resp.ExpiresIn)
	}

	// The minted session resolves.
	resolved, err := b.ResolveSession(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	if resolved == nil {
		t.Fatal("fresh session should resolve")
	}
}

func TestExchangeCodeOnlyOnce(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBroker(t)
	client := registerTestClient(t, b)
	code := issueTestCode(t, b, client.ClientID)

	req := &TokenRequest{
		Code:         code,
		ClientID:     client.ClientID,
		RedirectURI:  "https://good.com/cb",
		CodeVerifier: testVerifier,
	}
	if _, err := b.ExchangeAuthorizationCode(ctx, req); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if _, err := b.ExchangeAuthorizationCode(ctx, req); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second exchange = %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeCodeConcurrent(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBroker(t)
	client := registerTestClient(t, b)
	code := issueTestCode(t, b, client.ClientID)

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = b.ExchangeAuthorizationCode(ctx, &TokenRequest{
				Code:         code,
				ClientID:     client.ClientID,
				RedirectURI:  "https://good.com/cb",
				CodeVerifier: testVerifier,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInvalidGrant) {
			t.Errorf("unexpected error class: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d concurrent redemptions succeeded, want exactly 1", succeeded)
	}
}

func TestExchangeExpiredCode(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBroker(t)
	client := registerTestClient(t, b)
	code := issueTestCode(t, b, client.ClientID)

	fixedClock(b, time.Now().Add(b.config.AuthCodeTTL+time.Second))

	_, err := b.ExchangeAuthorizationCode(ctx, &TokenRequest{
		Code:         code,
		ClientID:     client.ClientID,
		RedirectURI:  "https://good.com/cb",
		CodeVerifier: testVerifier,
	})
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expired code exchange = %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeUniformFailures(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBroker(t)
	client := registerTestClient(t, b)
	other := registerTestClient(t, b, "https://other.good.com/cb")

	tests := []struct {
		name string
		req  func() *TokenRequest
	}{
		{"unknown client", func() *TokenRequest {
			return &TokenRequest{
				Code: issueTestCode(t, b, client.ClientID), ClientID: "wsb_unknown",
				RedirectURI: "https://good.com/cb", CodeVerifier: testVerifier}
		}},
		{"wrong redirect", func() *TokenRequest {
			return &TokenRequest{
				Code: issueTestCode(t, b, client.ClientID), ClientID: client.ClientID,
				RedirectURI: "https://good.com/elsewhere", CodeVerifier: testVerifier}
		}},
		{"cross-client code", func() *TokenRequest {
			// Code issued to one client redeemed by another.
			return &TokenRequest{
				Code: issueTestCode(t, b, client.ClientID), ClientID: other.ClientID,
				RedirectURI: "https://other.good.com/cb", CodeVerifier: testVerifier}
		}},
		{"wrong verifier", func() *TokenRequest {
			return &TokenRequest{
				Code: issueTestCode(t, b, client.ClientID), ClientID: client.ClientID,
				RedirectURI: "https://good.com/cb",
				CodeVerifier: "wrong-verifier-0123456789-0123456789-012345678"}
		}},
		{"unknown code", func() *TokenRequest {
			return &TokenRequest{
				Code: "never-issued", ClientID: client.ClientID,
				RedirectURI: "https://good.com/cb", CodeVerifier: testVerifier}
		}},
		{"empty fields", func() *TokenRequest {
			return &TokenRequest{}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.ExchangeAuthorizationCode(ctx, tt.req())
			// Every failure class surfaces identically.
			if !errors.Is(err, ErrInvalidGrant) {
				t.Errorf("error = %v, want ErrInvalidGrant", err)
			}
		})
	}
}
