package broker

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/workspacehub/authbroker/instrumentation"
	"github.com/workspacehub/authbroker/security"
	"github.com/workspacehub/authbroker/storage"
)

// TokenRequest redeems an authorization code for a bearer session.
type TokenRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
	ClientIP     string
}

// TokenResponse is the successful token exchange result. AccessToken is the
// raw bearer value, returned exactly once.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ExchangeAuthorizationCode redeems a one-time code for a bearer session.
// Each step is a hard failure; all of them surface as ErrInvalidGrant, with
// the real cause only in server logs. The consume step is the sole replay
// defense: the storage backend deletes and returns the code in one atomic
// operation, so concurrent redemptions yield at most one success.
func (b *Broker) ExchangeAuthorizationCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.Code == "" || req.ClientID == "" || req.RedirectURI == "" {
		return nil, ErrInvalidGrant
	}

	client, err := b.store.GetClient(ctx, req.ClientID)
	if err != nil {
		b.logger.Debug("token exchange for unknown client",
			"client_id", safeTruncate(req.ClientID, 12))
		return nil, ErrInvalidGrant
	}
	if !b.IsRedirectAllowed(req.RedirectURI, client.RedirectURIs) {
		b.logger.Debug("token exchange with disallowed redirect",
			"client_id", req.ClientID)
		return nil, ErrInvalidGrant
	}

	now := b.now()
	code, err := b.store.ConsumeAuthCode(ctx, storage.Digest(req.Code), now)
	if err != nil {
		// Not-found and expired are deliberately indistinguishable to the
		// client; logs keep them apart for operators. A not-found code is
		// the replay signal.
		switch {
		case errors.Is(err, storage.ErrAuthCodeExpired):
			b.logger.Debug("expired authorization code presented",
				"client_id", req.ClientID,
				"code_prefix", safeTruncate(req.Code, 8))
		case errors.Is(err, storage.ErrAuthCodeNotFound):
			b.logger.Warn("unknown or spent authorization code presented",
				"client_id", req.ClientID,
				"code_prefix", safeTruncate(req.Code, 8))
			b.auditor.LogEvent(security.Event{
				Type:      security.EventAuthorizationCodeReplay,
				ClientID:  req.ClientID,
				IPAddress: req.ClientIP,
			})
			instrumentation.Add(ctx, b.inst.Metrics().CodeReplayDetected)
		default:
			b.logger.Error("auth code consume failed", "error", err)
		}
		return nil, ErrInvalidGrant
	}

	conn, err := b.store.GetConnection(ctx, code.ConnectionID)
	if err != nil {
		b.logger.Error("consumed code references missing connection",
			"connection_id", code.ConnectionID)
		return nil, ErrInvalidGrant
	}
	if conn.ClientID != req.ClientID {
		b.logger.Warn("token exchange across clients",
			"code_client", conn.ClientID,
			"request_client", req.ClientID)
		return nil, ErrInvalidGrant
	}

	if err := verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		b.logger.Debug("PKCE verification failed",
			"client_id", req.ClientID,
			"method", code.CodeChallengeMethod,
			"error", err)
		b.auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
		})
		instrumentation.Add(ctx, b.inst.Metrics().PKCEValidationFailed)
		return nil, ErrInvalidGrant
	}

	rawToken := generateRandomToken()
	session := &storage.Session{
		ID:           uuid.NewString(),
		TokenHash:    storage.Digest(rawToken),
		ConnectionID: conn.ID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(b.config.SessionTTL),
	}
	if err := b.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	b.logger.Info("bearer session issued",
		"client_id", req.ClientID,
		"connection_id", conn.ID,
		"session_id", session.ID,
		"expires_at", session.ExpiresAt)
	b.auditor.LogEvent(security.Event{
		Type:         security.EventSessionIssued,
		ClientID:     req.ClientID,
		ConnectionID: conn.ID,
		IPAddress:    req.ClientIP,
	})
	instrumentation.Add(ctx, b.inst.Metrics().CodesExchanged)
	instrumentation.Add(ctx, b.inst.Metrics().SessionsIssued)

	return &TokenResponse{
		AccessToken: rawToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(b.config.SessionTTL.Seconds()),
	}, nil
}
