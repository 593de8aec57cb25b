package broker

import (
	"context"
	"fmt"

	"github.com/workspacehub/authbroker/instrumentation"
	"github.com/workspacehub/authbroker/security"
	"github.com/workspacehub/authbroker/storage"
)

// RegisterClient performs dynamic client registration. Every redirect URI
// must pass the operator domain allowlist; a single violation rejects the
// whole registration. With an empty allowlist, registration fails closed.
func (b *Broker) RegisterClient(ctx context.Context, redirectURIs []string, clientIP string) (*storage.Client, error) {
	if len(redirectURIs) == 0 {
		return nil, validationErrorf("redirect_uris must not be empty")
	}

	if len(b.config.RedirectDomainAllowlist) == 0 {
		b.auditor.LogEvent(security.Event{
			Type:      security.EventClientRegistrationRejected,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": "empty domain allowlist"},
		})
		return nil, notAllowedErrorf("client registration is disabled: no redirect domains are allowlisted")
	}

	for _, uri := range redirectURIs {
		if err := b.checkRedirectHost(uri); err != nil {
			b.logger.Debug("registration rejected",
				"redirect_uri", uri,
				"error", err)
			b.auditor.LogEvent(security.Event{
				Type:      security.EventClientRegistrationRejected,
				IPAddress: clientIP,
				Details:   map[string]any{"redirect_uri": uri},
			})
			return nil, validationErrorf("redirect URI %q rejected: %v", uri, err)
		}
	}

	client := &storage.Client{
		ClientID:     clientIDPrefix + generateRandomToken(),
		RedirectURIs: append([]string(nil), redirectURIs...),
		CreatedAt:    b.now(),
	}
	if err := b.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	b.logger.Info("client registered",
		"client_id", client.ClientID,
		"redirect_uris", len(client.RedirectURIs))
	b.auditor.LogEvent(security.Event{
		Type:      security.EventClientRegistered,
		ClientID:  client.ClientID,
		IPAddress: clientIP,
		Details:   map[string]any{"redirect_uris": len(client.RedirectURIs)},
	})
	instrumentation.Add(ctx, b.inst.Metrics().ClientsRegistered)

	return client, nil
}
