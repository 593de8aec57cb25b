package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// flowState carries the original authorization request through the upstream
// round trip. It is serialized, signed, and handed to the provider as the
// OAuth state parameter; the signature makes tampering detectable rather
// than merely obscured.
type flowState struct {
	ClientID            string `json:"cid"`
	RedirectURI         string `json:"ru"`
	CodeChallenge       string `json:"cc"`
	CodeChallengeMethod string `json:"cm"`
	ClientState         string `json:"cs,omitempty"`
	UpstreamVerifier    string `json:"uv"`
	IssuedAt            int64  `json:"iat"`
}

// signState serializes and signs a flowState as payload.signature, both
// base64url without padding.
func (b *Broker) signState(state *flowState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode flow state: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)

	mac := hmac.New(sha256.New, b.config.StateSigningKey)
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return payload + "." + sig, nil
}

// verifyState checks the signature and the time box, then decodes. Any
// failure means the token is not ours, was tampered with, or is stale; the
// caller must not proceed to the upstream exchange.
func (b *Broker) verifyState(token string, now time.Time) (*flowState, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, fmt.Errorf("malformed state token")
	}

	mac := hmac.New(sha256.New, b.config.StateSigningKey)
	mac.Write([]byte(payload))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, fmt.Errorf("state token signature mismatch")
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("state token payload is not base64url")
	}
	var state flowState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("state token payload is not valid JSON")
	}

	issued := time.Unix(state.IssuedAt, 0)
	if now.Before(issued.Add(-30 * time.Second)) {
		return nil, fmt.Errorf("state token issued in the future")
	}
	if now.After(issued.Add(b.config.StateTTL)) {
		return nil, fmt.Errorf("state token expired")
	}

	return &state, nil
}
