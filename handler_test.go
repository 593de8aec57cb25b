package authbroker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/workspacehub/authbroker/broker"
	"github.com/workspacehub/authbroker/providers/mock"
	"github.com/workspacehub/authbroker/secrets"
	"github.com/workspacehub/authbroker/storage/memory"
)

// testVerifier is 43+ characters as RFC 7636 requires.
const testVerifier = "handler-verifier-0123456789-0123456789-0123456789"

func testChallenge() string {
	sum := sha256.Sum256([]byte(testVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	handler  *Handler
	mux      *http.ServeMux
	provider *mock.Provider
	broker   *broker.Broker
}

func newTestEnv(t *testing.T, mutate func(*broker.Config, *Config)) *testEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(func() { store.Close() })

	cipher, err := secrets.NewCipher("test-master-passphrase")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	provider := &mock.Provider{}
	brokerCfg := &broker.Config{
		RedirectDomainAllowlist: []string{"good.com"},
		StateSigningKey:         bytes.Repeat([]byte("k"), 32),
		EnableAPIKeys:           true,
	}
	handlerCfg := &Config{Issuer: "http://localhost:8080"}
	if mutate != nil {
		mutate(brokerCfg, handlerCfg)
	}

	b, err := broker.New(store, cipher, provider, brokerCfg, discardLogger())
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}

	h, err := NewHandler(b, handlerCfg, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	t.Cleanup(h.Close)

	return &testEnv{handler: h, mux: h.Routes(), provider: provider, broker: b}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) registerClient(t *testing.T, redirectURIs ...string) string {
	t.Helper()
	if len(redirectURIs) == 0 {
		redirectURIs = []string{"https://good.com/cb"}
	}
	body, _ := json.Marshal(registrationRequest{RedirectURIs: redirectURIs})
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	rec := e.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp registrationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode registration response: %v", err)
	}
	if !strings.HasPrefix(resp.ClientID, "wsb_") {
		t.Fatalf("client ID %q missing prefix", resp.ClientID)
	}
	return resp.ClientID
}

func authorizeQuery(clientID string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", "https://good.com/cb")
	q.Set("code_challenge", testChallenge())
	q.Set("code_challenge_method", "S256")
	q.Set("state", "client-state-xyz")
	return "/authorize?" + q.Encode()
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	clientID := env.registerClient(t)

	// Start authorization: the browser is sent to the upstream provider.
	rec := env.do(t, httptest.NewRequest(http.MethodGet, authorizeQuery(clientID), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body %s", rec.Code, rec.Body.String())
	}
	upstreamURL, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse upstream redirect: %v", err)
	}
	state := upstreamURL.Query().Get("state")
	if state == "" {
		t.Fatal("upstream redirect carries no state")
	}

	// Upstream sends the browser back.
	cb := "/auth/upstream/callback?" + url.Values{
		"state": {state},
		"code":  {"upstream-code"},
	}.Encode()
	rec = env.do(t, httptest.NewRequest(http.MethodGet, cb, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, body %s", rec.Code, rec.Body.String())
	}
	clientRedirect, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse client redirect: %v", err)
	}
	if clientRedirect.Host != "good.com" {
		t.Fatalf("redirect host = %q, want good.com", clientRedirect.Host)
	}
	if got := clientRedirect.Query().Get("state"); got != "client-state-xyz" {
		t.Fatalf("redirect state = %q", got)
	}
	code := clientRedirect.Query().Get("code")
	if code == "" {
		t.Fatal("redirect carries no code")
	}

	// Exchange the code for a session.
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {"https://good.com/cb"},
		"code_verifier": {testVerifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Fatalf("token response Cache-Control = %q", cc)
	}

	var tok broker.TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if tok.TokenType != "Bearer" {
		t.Fatalf("token_type = %q", tok.TokenType)
	}
	if tok.ExpiresIn != 3600 {
		t.Fatalf("expires_in = %d, want 3600", tok.ExpiresIn)
	}

	// The session resolves to the upstream identity.
	resolved, err := env.broker.ResolveSession(context.Background(), tok.AccessToken)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	if resolved == nil {
		t.Fatal("issued session does not resolve")
	}
	if got := resolved.PublicConfig["subject"]; got != "mock-subject" {
		t.Fatalf("resolved subject = %v", got)
	}

	// Replaying the code must fail with the uniform error.
	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = env.do(t, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != ErrorCodeInvalidGrant {
		t.Fatalf("replay error = %q, want %q", code, ErrorCodeInvalidGrant)
	}
}

func TestTokenRejectsUnsupportedGrantType(t *testing.T) {
	env := newTestEnv(t, nil)

	form := url.Values{"grant_type": {"client_credentials"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(t, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != ErrorCodeInvalidRequest {
		t.Fatalf("error = %q", code)
	}
}

func TestRegisterRejectsDisallowedDomain(t *testing.T) {
	env := newTestEnv(t, nil)

	body, _ := json.Marshal(registrationRequest{RedirectURIs: []string{"https://evil.example/cb"}})
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != ErrorCodeInvalidRequest {
		t.Fatalf("error = %q", code)
	}
}

func TestUpstreamCallbackWithProviderError(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/auth/upstream/callback?error=access_denied", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if env.provider.ExchangeCalls != 0 {
		t.Fatal("provider exchange was called for an errored callback")
	}
}

func TestUpstreamCallbackWithForgedState(t *testing.T) {
	env := newTestEnv(t, nil)

	cb := "/auth/upstream/callback?state=forged&code=upstream-code"
	rec := env.do(t, httptest.NewRequest(http.MethodGet, cb, nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.provider.ExchangeCalls != 0 {
		t.Fatal("provider exchange was called with a forged state")
	}
}

func TestUpstreamCallbackExchangeFailureReturns500(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.ExchangeFunc = func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
		return nil, errors.New("upstream unreachable")
	}
	clientID := env.registerClient(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, authorizeQuery(clientID), nil))
	upstreamURL, _ := url.Parse(rec.Header().Get("Location"))
	cb := "/auth/upstream/callback?" + url.Values{
		"state": {upstreamURL.Query().Get("state")},
		"code":  {"upstream-code"},
	}.Encode()
	rec = env.do(t, httptest.NewRequest(http.MethodGet, cb, nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func csrfTokenAndCookies(t *testing.T, env *testEnv) (string, []*http.Cookie) {
	t.Helper()
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/config-schema", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("config-schema status = %d", rec.Code)
	}
	var body struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode schema response: %v", err)
	}
	if body.CSRFToken == "" {
		t.Fatal("schema response carries no CSRF token")
	}
	return body.CSRFToken, rec.Result().Cookies()
}

func TestIssueAPIKeyWithCSRF(t *testing.T) {
	env := newTestEnv(t, nil)
	token, cookies := csrfTokenAndCookies(t, env)

	body, _ := json.Marshal(apiKeyRequest{
		Config: map[string]any{
			"googleClientId":     "gcid",
			"googleClientSecret": "gsecret",
		},
		CSRFToken: token,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/api-keys", bytes.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := env.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp apiKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode api key response: %v", err)
	}
	if !strings.HasPrefix(resp.APIKey, "wsk_") {
		t.Fatalf("api key %q missing prefix", resp.APIKey)
	}

	config, err := env.broker.ResolveAPIKey(context.Background(), resp.APIKey)
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if config == nil {
		t.Fatal("issued key does not resolve")
	}
}

func TestIssueAPIKeyRejectsBadCSRF(t *testing.T) {
	env := newTestEnv(t, nil)
	_, cookies := csrfTokenAndCookies(t, env)

	body, _ := json.Marshal(apiKeyRequest{
		Config:    map[string]any{"googleClientId": "gcid", "googleClientSecret": "gsecret"},
		CSRFToken: "wrong-token",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/api-keys", bytes.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := env.do(t, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}

	// No cookie at all is also rejected.
	req = httptest.NewRequest(http.MethodPost, "/api/api-keys", bytes.NewReader(body))
	rec = env.do(t, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no-cookie status = %d", rec.Code)
	}
}

func TestIssueAPIKeyDisabledReturns404(t *testing.T) {
	env := newTestEnv(t, func(bc *broker.Config, _ *Config) {
		bc.EnableAPIKeys = false
	})

	req := httptest.NewRequest(http.MethodPost, "/api/api-keys", strings.NewReader("{}"))
	rec := env.do(t, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != ErrorCodeNotFound {
		t.Fatalf("error = %q", code)
	}
}

func TestManualAuthorizationForm(t *testing.T) {
	env := newTestEnv(t, func(_ *broker.Config, hc *Config) {
		hc.RenderManualForm = true
	})
	clientID := env.registerClient(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, authorizeQuery(clientID), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("form status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "googleClientId") {
		t.Fatal("form does not render schema fields")
	}

	var csrfToken string
	cookies := rec.Result().Cookies()
	for _, c := range cookies {
		if strings.Contains(c.Name, "csrf") {
			csrfToken = c.Value
		}
	}
	if csrfToken == "" {
		t.Fatal("form render set no CSRF cookie")
	}

	body, _ := json.Marshal(manualAuthorizationRequest{
		ClientID:            clientID,
		RedirectURI:         "https://good.com/cb",
		CodeChallenge:       testChallenge(),
		CodeChallengeMethod: "S256",
		State:               "manual-state",
		Config: map[string]any{
			"name":               "ops",
			"googleClientId":     "gcid",
			"googleClientSecret": "gsecret",
		},
		CSRFToken: csrfToken,
	})
	req := httptest.NewRequest(http.MethodPost, "/authorize", bytes.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("manual authorize status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp manualAuthorizationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode manual response: %v", err)
	}
	redirect, err := url.Parse(resp.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if redirect.Query().Get("code") == "" {
		t.Fatal("manual redirect carries no code")
	}
	if got := redirect.Query().Get("state"); got != "manual-state" {
		t.Fatalf("manual redirect state = %q", got)
	}
}

func TestManualFormChecksPreconditions(t *testing.T) {
	env := newTestEnv(t, func(_ *broker.Config, hc *Config) {
		hc.RenderManualForm = true
	})
	clientID := env.registerClient(t)

	tests := []struct {
		name       string
		query      url.Values
		wantStatus int
	}{
		{
			name: "unknown client",
			query: url.Values{
				"client_id":             {"wsb_bogus"},
				"redirect_uri":          {"https://good.com/cb"},
				"code_challenge":        {testChallenge()},
				"code_challenge_method": {"S256"},
			},
			wantStatus: http.StatusForbidden,
		},
		{
			name: "unregistered redirect",
			query: url.Values{
				"client_id":             {clientID},
				"redirect_uri":          {"https://evil.example/cb"},
				"code_challenge":        {testChallenge()},
				"code_challenge_method": {"S256"},
			},
			wantStatus: http.StatusForbidden,
		},
		{
			name: "bad challenge method",
			query: url.Values{
				"client_id":             {clientID},
				"redirect_uri":          {"https://good.com/cb"},
				"code_challenge":        {testChallenge()},
				"code_challenge_method": {"S512"},
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "missing challenge",
			query: url.Values{
				"client_id":             {clientID},
				"redirect_uri":          {"https://good.com/cb"},
				"code_challenge_method": {"S256"},
			},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, httptest.NewRequest(http.MethodGet, "/authorize?"+tt.query.Encode(), nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if strings.Contains(rec.Body.String(), "<form") {
				t.Fatal("rejected request still rendered the enrollment form")
			}
		})
	}
}

func TestRateLimitReturns429(t *testing.T) {
	env := newTestEnv(t, func(_ *broker.Config, hc *Config) {
		hc.RateLimitQuota = 2
		hc.RateLimitWindow = time.Minute
	})

	body := []byte(`{"redirect_uris":["https://good.com/cb"]}`)
	for i := 0; i < 2; i++ {
		rec := env.do(t, httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body)))
		if rec.Code != http.StatusCreated {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 response has no Retry-After")
	}

	// The token family has its own quota and is unaffected.
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("code=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = env.do(t, req)
	if rec.Code == http.StatusTooManyRequests {
		t.Fatal("token family shares the register quota")
	}
}

func TestAuthenticateMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)
	clientID := env.registerClient(t)

	// Obtain a session through the full flow.
	rec := env.do(t, httptest.NewRequest(http.MethodGet, authorizeQuery(clientID), nil))
	upstreamURL, _ := url.Parse(rec.Header().Get("Location"))
	cb := "/auth/upstream/callback?" + url.Values{
		"state": {upstreamURL.Query().Get("state")},
		"code":  {"upstream-code"},
	}.Encode()
	rec = env.do(t, httptest.NewRequest(http.MethodGet, cb, nil))
	clientRedirect, _ := url.Parse(rec.Header().Get("Location"))

	form := url.Values{
		"code":          {clientRedirect.Query().Get("code")},
		"client_id":     {clientID},
		"redirect_uri":  {"https://good.com/cb"},
		"code_verifier": {testVerifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = env.do(t, req)
	var tok broker.TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatalf("decode token: %v", err)
	}

	var sawSubject string
	protected := env.handler.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if resolved := ConnectionFromContext(r.Context()); resolved != nil {
			sawSubject, _ = resolved.PublicConfig["subject"].(string)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d", rec.Code)
	}
	if sawSubject != "mock-subject" {
		t.Fatalf("context subject = %q", sawSubject)
	}

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-session")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("401 response has no WWW-Authenticate")
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSecurityHeadersOnErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("error response missing security headers")
	}
}
