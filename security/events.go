package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Client registration events

	// EventClientRegistered is logged when a new client is registered
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when registration is rejected,
	// for example for a redirect URI outside the operator allowlist
	EventClientRegistrationRejected = "client_registration_rejected"

	// Authorization flow events

	// EventAuthorizationStarted is logged when an authorization flow is initiated
	EventAuthorizationStarted = "authorization_started"

	// EventAuthorizationCompleted is logged when the upstream callback succeeds
	EventAuthorizationCompleted = "authorization_completed"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReplay is logged when a spent or unknown
	// authorization code is presented (possible interception)
	EventAuthorizationCodeReplay = "authorization_code_replay"

	// EventUpstreamCallbackRejected is logged when the upstream callback
	// carries an invalid or expired state token
	EventUpstreamCallbackRejected = "upstream_callback_rejected"

	// Token and credential events

	// EventSessionIssued is logged when a bearer session token is minted
	EventSessionIssued = "session_issued"

	// EventPKCEValidationFailed is logged when code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when a redirect URI fails validation
	EventInvalidRedirect = "invalid_redirect"

	// EventAPIKeyIssued is logged when a static API key is created
	EventAPIKeyIssued = "api_key_issued"

	// EventAPIKeyRevoked is logged when a static API key is revoked
	EventAPIKeyRevoked = "api_key_revoked"

	// Security violation events

	// EventAuthFailure is logged when credential resolution fails
	EventAuthFailure = "auth_failure"

	// EventCSRFRejected is logged when a consent form fails the CSRF check
	EventCSRFRejected = "csrf_rejected"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
