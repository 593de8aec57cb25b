package broker

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/workspacehub/authbroker/instrumentation"
	"github.com/workspacehub/authbroker/security"
	"github.com/workspacehub/authbroker/storage"
)

// AuthorizationRequest is the entry point of the authorization state
// machine: the downstream client's identity, its redirect target, and the
// PKCE challenge the eventual code will be bound to.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	ClientIP            string
}

// validateAuthorizationRequest runs the preconditions shared by both the
// upstream and the manual path. No state transition happens before all of
// them pass.
func (b *Broker) validateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) (*storage.Client, error) {
	if req.ClientID == "" {
		return nil, validationErrorf("client_id is required")
	}
	if req.RedirectURI == "" {
		return nil, validationErrorf("redirect_uri is required")
	}
	if req.CodeChallenge == "" {
		return nil, validationErrorf("code_challenge is required")
	}
	if err := validateChallengeMethod(req.CodeChallengeMethod); err != nil {
		return nil, err
	}

	client, err := b.store.GetClient(ctx, req.ClientID)
	if err != nil {
		b.logger.Debug("authorization for unknown client",
			"client_id", safeTruncate(req.ClientID, 12))
		return nil, notAllowedErrorf("unknown client")
	}

	if !b.IsRedirectAllowed(req.RedirectURI, client.RedirectURIs) {
		b.auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"redirect_uri": req.RedirectURI},
		})
		return nil, notAllowedErrorf("redirect_uri is not allowed for this client")
	}

	return client, nil
}

// ValidateAuthorizationRequest runs the authorization preconditions without
// starting a flow. The HTTP layer calls it before rendering the enrollment
// form so a bad request never becomes a submittable page.
func (b *Broker) ValidateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error {
	_, err := b.validateAuthorizationRequest(ctx, req)
	return err
}

// StartAuthorization validates the request and returns the upstream
// authorization URL. The original request parameters travel inside the
// signed state token; the upstream leg gets its own PKCE verifier,
// independent of the downstream client's challenge.
func (b *Broker) StartAuthorization(ctx context.Context, req *AuthorizationRequest) (string, error) {
	if _, err := b.validateAuthorizationRequest(ctx, req); err != nil {
		return "", err
	}

	upstreamVerifier := generateRandomToken()
	state, err := b.signState(&flowState{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ClientState:         req.State,
		UpstreamVerifier:    upstreamVerifier,
		IssuedAt:            b.now().Unix(),
	})
	if err != nil {
		return "", err
	}

	b.logger.Info("authorization started",
		"client_id", req.ClientID,
		"challenge_method", req.CodeChallengeMethod,
		"provider", b.provider.Name())
	b.auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationStarted,
		ClientID:  req.ClientID,
		IPAddress: req.ClientIP,
		Details:   map[string]any{"method": req.CodeChallengeMethod},
	})
	instrumentation.Add(ctx, b.inst.Metrics().AuthorizationsStarted)

	return b.provider.AuthorizationURL(state, s256Challenge(upstreamVerifier), PKCEMethodS256), nil
}

// HandleUpstreamCallback processes the provider's return leg: verify the
// state token, re-check the redirect against the current allowlist, exchange
// the upstream code, resolve the end user's stable identity, persist their
// encrypted upstream credential, and issue the downstream authorization
// code. Returns the redirect URL carrying code and original client state.
//
// Every failure is terminal; there is no fallback to another connection and
// no partially created row.
func (b *Broker) HandleUpstreamCallback(ctx context.Context, stateToken, upstreamCode, clientIP string) (string, error) {
	state, err := b.verifyState(stateToken, b.now())
	if err != nil {
		b.logger.Warn("upstream callback rejected", "error", err)
		b.auditor.LogEvent(security.Event{
			Type:      security.EventUpstreamCallbackRejected,
			IPAddress: clientIP,
		})
		return "", &NotAllowedError{Msg: "invalid or expired authorization state"}
	}
	if upstreamCode == "" {
		return "", validationErrorf("missing upstream authorization code")
	}

	// Allowlist configuration may have changed during the round trip.
	client, err := b.store.GetClient(ctx, state.ClientID)
	if err != nil {
		return "", notAllowedErrorf("unknown client")
	}
	if !b.IsRedirectAllowed(state.RedirectURI, client.RedirectURIs) {
		return "", notAllowedErrorf("redirect_uri is no longer allowed")
	}

	token, err := b.provider.Exchange(ctx, upstreamCode, state.UpstreamVerifier)
	if err != nil {
		return "", &UpstreamError{Op: "code exchange", Err: err}
	}
	identity, err := b.provider.Identity(ctx, token)
	if err != nil {
		return "", &UpstreamError{Op: "identity resolution", Err: err}
	}

	credentialEnc, err := b.cipher.Encrypt(token)
	if err != nil {
		return "", &CryptoError{Err: err}
	}
	if err := b.store.SaveUpstreamCredential(ctx, identity.Subject, credentialEnc); err != nil {
		return "", fmt.Errorf("failed to save upstream credential: %w", err)
	}

	conn := &storage.Connection{
		ID:       uuid.NewString(),
		ClientID: state.ClientID,
		Name:     connectionName(b.provider.Name(), identity.Email),
		// The upstream credential store is authoritative for this grant;
		// the connection itself carries no secrets.
		EncryptedSecrets: "",
		PublicConfig: map[string]any{
			"provider": b.provider.Name(),
			"subject":  identity.Subject,
			"email":    identity.Email,
		},
		CreatedAt: b.now(),
	}

	redirect, err := b.issueCode(ctx, conn, state)
	if err != nil {
		return "", err
	}

	b.auditor.LogEvent(security.Event{
		Type:         security.EventAuthorizationCompleted,
		UserID:       identity.Subject,
		ClientID:     state.ClientID,
		ConnectionID: conn.ID,
		IPAddress:    clientIP,
	})
	instrumentation.Add(ctx, b.inst.Metrics().CallbacksProcessed)

	return redirect, nil
}

// CompleteManualAuthorization handles the self-service path: a submitted
// configuration replaces the upstream dance. The payload is validated
// against the schema, its sensitive fields encrypted into the connection,
// and a code issued under the same transactional contract.
func (b *Broker) CompleteManualAuthorization(ctx context.Context, req *AuthorizationRequest, config map[string]any) (string, error) {
	if _, err := b.validateAuthorizationRequest(ctx, req); err != nil {
		return "", err
	}

	result := b.schema.Validate(config)
	if !result.Valid {
		return "", &ValidationError{Msg: strings.Join(result.Errors, "; ")}
	}
	public, secret := b.schema.SplitSecrets(config)

	secretsEnc := ""
	if len(secret) > 0 {
		var err error
		secretsEnc, err = b.cipher.Encrypt(secret)
		if err != nil {
			return "", &CryptoError{Err: err}
		}
	}

	name := b.schema.Name
	if n, ok := public["name"].(string); ok && n != "" {
		name = n
	}

	conn := &storage.Connection{
		ID:               uuid.NewString(),
		ClientID:         req.ClientID,
		Name:             name,
		EncryptedSecrets: secretsEnc,
		PublicConfig:     public,
		CreatedAt:        b.now(),
	}

	state := &flowState{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ClientState:         req.State,
	}
	redirect, err := b.issueCode(ctx, conn, state)
	if err != nil {
		return "", err
	}

	b.auditor.LogEvent(security.Event{
		Type:         security.EventAuthorizationCompleted,
		ClientID:     req.ClientID,
		ConnectionID: conn.ID,
		IPAddress:    req.ClientIP,
		Details:      map[string]any{"path": "manual"},
	})

	return redirect, nil
}

// issueCode mints the one-time authorization code, writes the connection and
// code in a single transaction, and builds the final redirect. The raw code
// exists only in the returned URL; storage sees its digest.
func (b *Broker) issueCode(ctx context.Context, conn *storage.Connection, state *flowState) (string, error) {
	rawCode := generateRandomToken()
	now := b.now()

	code := &storage.AuthCode{
		CodeHash:            storage.Digest(rawCode),
		ConnectionID:        conn.ID,
		CodeChallenge:       state.CodeChallenge,
		CodeChallengeMethod: state.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(b.config.AuthCodeTTL),
	}

	if err := b.store.CreateConnectionWithAuthCode(ctx, conn, code); err != nil {
		return "", fmt.Errorf("failed to persist connection and code: %w", err)
	}

	redirect, err := url.Parse(state.RedirectURI)
	if err != nil {
		return "", validationErrorf("redirect_uri is not a valid URI")
	}
	q := redirect.Query()
	q.Set("code", rawCode)
	if state.ClientState != "" {
		q.Set("state", state.ClientState)
	}
	redirect.RawQuery = q.Encode()

	b.logger.Info("authorization code issued",
		"client_id", conn.ClientID,
		"connection_id", conn.ID,
		"code_prefix", safeTruncate(rawCode, 8),
		"expires_at", code.ExpiresAt)
	b.auditor.LogEvent(security.Event{
		Type:         security.EventAuthorizationCodeIssued,
		ClientID:     conn.ClientID,
		ConnectionID: conn.ID,
	})
	instrumentation.Add(ctx, b.inst.Metrics().CodesIssued)

	return redirect.String(), nil
}

// RevokeConnection deletes a grant; its sessions and outstanding codes
// cascade with it.
func (b *Broker) RevokeConnection(ctx context.Context, connectionID string) error {
	return b.store.DeleteConnection(ctx, connectionID)
}

func connectionName(provider, email string) string {
	if email == "" {
		return provider
	}
	return provider + ":" + email
}
