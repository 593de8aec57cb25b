package authbroker

// registrationRequest is the JSON body of POST /register.
type registrationRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
}

// registrationResponse is the JSON reply of POST /register.
type registrationResponse struct {
	ClientID     string   `json:"client_id"`
	RedirectURIs []string `json:"redirect_uris"`
}

// manualAuthorizationRequest is the JSON body of POST /authorize: the
// original authorization parameters plus the submitted configuration and the
// CSRF echo.
type manualAuthorizationRequest struct {
	ClientID            string         `json:"client_id"`
	RedirectURI         string         `json:"redirect_uri"`
	CodeChallenge       string         `json:"code_challenge"`
	CodeChallengeMethod string         `json:"code_challenge_method"`
	State               string         `json:"state,omitempty"`
	Config              map[string]any `json:"config"`
	CSRFToken           string         `json:"csrf_token"`
}

// manualAuthorizationResponse carries the redirect URL with the issued code.
type manualAuthorizationResponse struct {
	RedirectURL string `json:"redirectUrl"`
}

// apiKeyRequest is the JSON body of POST /api/api-keys: the schema-defined
// configuration fields plus the CSRF echo.
type apiKeyRequest struct {
	Config    map[string]any `json:"config"`
	CSRFToken string         `json:"csrf_token"`
}

// apiKeyResponse returns the raw key exactly once.
type apiKeyResponse struct {
	APIKey string `json:"apiKey"`
}
