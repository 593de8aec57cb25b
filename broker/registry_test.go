package broker

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRegisterClient(t *testing.T) {
	ctx := context.Background()
	b, store, _ := newTestBroker(t)

	client, err := b.RegisterClient(ctx, []string{"https://good.com/cb", "https://app.good.com/cb"}, testClientIP)
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if !strings.HasPrefix(client.ClientID, "wsb_") {
		t.Errorf("client ID %q should carry the wsb_ prefix", client.ClientID)
	}
	if len(client.RedirectURIs) != 2 {
		t.Errorf("redirect URIs = %d, want 2", len(client.RedirectURIs))
	}

	stored, err := store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if stored.RedirectURIs[0] != "https://good.com/cb" {
		t.Errorf("stored redirect = %q", stored.RedirectURIs[0])
	}
}

func TestRegisterClientEmptyList(t *testing.T) {
	b, _, _ := newTestBroker(t)

	_, err := b.RegisterClient(context.Background(), nil, testClientIP)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("error = %v, want ValidationError", err)
	}
}

func TestRegisterClientFailsClosedWithoutAllowlist(t *testing.T) {
	b, _, _ := newTestBroker(t)
	b.config.RedirectDomainAllowlist = nil

	_, err := b.RegisterClient(context.Background(), []string{"https://good.com/cb"}, testClientIP)
	var nerr *NotAllowedError
	if !errors.As(err, &nerr) {
		t.Errorf("error = %v, want NotAllowedError", err)
	}
}

func TestRegisterClientRejectsWholeBatch(t *testing.T) {
	b, _, _ := newTestBroker(t)

	// One bad URI rejects the registration; no partial registration.
	_, err := b.RegisterClient(context.Background(), []string{
		"https://good.com/cb",
		"https://evil.example/cb",
	}, testClientIP)
	if err == nil {
		t.Fatal("registration with a disallowed URI should fail")
	}
}

func TestRegisterClientRejectsSchemes(t *testing.T) {
	b, _, _ := newTestBroker(t)

	for _, uri := range []string{
		"javascript:alert(1)",
		"file:///etc/passwd",
		"custom://good.com/cb",
	} {
		if _, err := b.RegisterClient(context.Background(), []string{uri}, testClientIP); err == nil {
			t.Errorf("registration with %q should fail", uri)
		}
	}
}

func TestRegisterClientSubdomainMatch(t *testing.T) {
	b, _, _ := newTestBroker(t)

	if _, err := b.RegisterClient(context.Background(), []string{"https://deep.app.good.com/cb"}, testClientIP); err != nil {
		t.Errorf("subdomain of an allowlisted domain should register: %v", err)
	}
	// Suffix matching must anchor on a dot boundary.
	if _, err := b.RegisterClient(context.Background(), []string{"https://notgood.com/cb"}, testClientIP); err == nil {
		t.Error("notgood.com should not match the good.com allowlist entry")
	}
}
