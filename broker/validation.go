package broker

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// PKCE constants per RFC 7636.
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// validateChallengeMethod accepts S256 and plain only; anything else is a
// hard validation error, never silently downgraded.
func validateChallengeMethod(method string) error {
	switch method {
	case PKCEMethodS256, PKCEMethodPlain:
		return nil
	default:
		return validationErrorf("unsupported code_challenge_method: %q (supported: S256, plain)", method)
	}
}

// hostnameAllowed checks a hostname against the operator allowlist. An entry
// matches itself exactly or as a parent domain (`*.entry`). An empty
// allowlist matches nothing.
func (b *Broker) hostnameAllowed(hostname string) bool {
	hostname = strings.ToLower(hostname)
	for _, domain := range b.config.RedirectDomainAllowlist {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if hostname == domain || strings.HasSuffix(hostname, "."+domain) {
			return true
		}
	}
	return false
}

// checkRedirectHost parses a redirect URI and verifies scheme and allowlist.
func (b *Broker) checkRedirectHost(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return validationErrorf("redirect_uri is not a valid URI")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return notAllowedErrorf("redirect_uri scheme %q is not allowed", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return validationErrorf("redirect_uri has no hostname")
	}
	if !b.hostnameAllowed(host) {
		return notAllowedErrorf("redirect_uri host %q is not in the domain allowlist", host)
	}
	return nil
}

// IsRedirectAllowed reports whether a redirect URI is acceptable for a
// client: it must be a literal member of the client's registered set AND its
// hostname must pass the operator allowlist. The double check runs at every
// stage that consumes redirect_uri, because the allowlist can change between
// requests.
func (b *Broker) IsRedirectAllowed(redirectURI string, registered []string) bool {
	literal := false
	for _, uri := range registered {
		if uri == redirectURI {
			literal = true
			break
		}
	}
	if !literal {
		return false
	}
	return b.checkRedirectHost(redirectURI) == nil
}

// verifyPKCE checks a code_verifier against the challenge captured at
// authorization time, per RFC 7636.
func verifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier length %d outside %d-%d", len(verifier), MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match challenge")
	}
	return nil
}

// s256Challenge derives the S256 challenge for a verifier, used for the
// broker's own upstream PKCE leg.
func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
