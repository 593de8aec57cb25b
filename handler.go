package authbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/workspacehub/authbroker/broker"
	"github.com/workspacehub/authbroker/configschema"
	"github.com/workspacehub/authbroker/instrumentation"
	"github.com/workspacehub/authbroker/security"
)

const maxRequestBodyBytes = 64 * 1024

// Handler is the HTTP boundary of the broker. It parses and validates the
// wire format, applies rate limits and CSRF checks, and delegates every
// decision with security consequences to the broker package.
type Handler struct {
	broker  *broker.Broker
	limiter *security.WindowLimiter
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
	config  *Config
}

// NewHandler creates the HTTP handler. inst may be nil; tracing and metrics
// become no-ops.
func NewHandler(b *broker.Broker, config *Config, inst *instrumentation.Instrumentation, logger *slog.Logger) (*Handler, error) {
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := config.withDefaults()

	h := &Handler{
		broker:  b,
		limiter: security.NewWindowLimiter(cfg.RateLimitQuota, cfg.RateLimitWindow, logger),
		logger:  logger,
		tracer:  tracenoop.NewTracerProvider().Tracer("http"),
		config:  cfg,
	}
	if inst != nil {
		h.tracer = inst.Tracer("http")
		h.metrics = inst.Metrics()
	}
	return h, nil
}

// Routes returns the request multiplexer with every broker endpoint
// registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", h.HandleRegister)
	mux.HandleFunc("GET /authorize", h.HandleAuthorize)
	mux.HandleFunc("POST /authorize", h.HandleManualAuthorize)
	mux.HandleFunc("GET /auth/upstream/callback", h.HandleUpstreamCallback)
	mux.HandleFunc("POST /token", h.HandleToken)
	mux.HandleFunc("POST /api/api-keys", h.HandleIssueAPIKey)
	mux.HandleFunc("GET /api/config-schema", h.HandleConfigSchema)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	return mux
}

// Close releases the handler's background resources.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// secureCookies reports whether the deployment can use __Host- cookies.
func (h *Handler) secureCookies() bool {
	return strings.HasPrefix(h.config.Issuer, "https://")
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

// checkRateLimit enforces the per-family quota. It writes the 429 response
// itself and reports whether the request may proceed.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, family, clientIP string) bool {
	allowed, retryAfter := h.limiter.Allow(family, clientIP)
	if allowed {
		return true
	}

	if h.metrics != nil {
		instrumentation.Add(r.Context(), h.metrics.RateLimitExceeded,
			attribute.String("endpoint_family", family))
	}
	h.logger.Warn("rate limit exceeded",
		"endpoint_family", family,
		"client_ip", clientIP)

	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
	h.writeError(w, r, &APIError{
		Code:        ErrorCodeRateLimitExceeded,
		Description: "rate limit exceeded, try again later",
		Status:      http.StatusTooManyRequests,
	})
	return false
}

// HandleRegister implements dynamic client registration.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.register")
	defer span.End()

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, security.FamilyRegister, clientIP) {
		return
	}

	var req registrationRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, &APIError{
			Code:        ErrorCodeInvalidRequest,
			Description: "malformed JSON body",
			Status:      http.StatusBadRequest,
		})
		return
	}

	client, err := h.broker.RegisterClient(ctx, req.RedirectURIs, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, r, mapBrokerError(err))
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID))
	instrumentation.SetSpanSuccess(span)
	h.recordRequest(ctx, r, "/register", http.StatusCreated)

	h.writeJSON(w, http.StatusCreated, registrationResponse{
		ClientID:     client.ClientID,
		RedirectURIs: client.RedirectURIs,
	})
}

// HandleAuthorize starts an authorization flow. Depending on configuration
// it either redirects the browser to the upstream provider or renders the
// enrollment form for the manual path.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.authorize")
	defer span.End()

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, security.FamilyAuthorize, clientIP) {
		return
	}

	q := r.URL.Query()
	req := &broker.AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
		ClientIP:            clientIP,
	}

	if h.config.RenderManualForm {
		if err := h.broker.ValidateAuthorizationRequest(ctx, req); err != nil {
			instrumentation.RecordError(span, err)
			h.writeError(w, r, mapBrokerError(err))
			return
		}
		h.renderEnrollmentForm(w, r, req)
		return
	}

	authURL, err := h.broker.StartAuthorization(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, r, mapBrokerError(err))
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordRequest(ctx, r, "/authorize", http.StatusFound)

	security.SetSecurityHeaders(w, h.config.Issuer)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleManualAuthorize completes the manual path: it validates the CSRF
// echo and the submitted configuration, then returns the client redirect
// carrying the one-time code.
func (h *Handler) HandleManualAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.authorize_manual")
	defer span.End()

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, security.FamilyAuthorize, clientIP) {
		return
	}

	var req manualAuthorizationRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, &APIError{
			Code:        ErrorCodeInvalidRequest,
			Description: "malformed JSON body",
			Status:      http.StatusBadRequest,
		})
		return
	}

	if err := security.VerifyCSRF(r, req.CSRFToken, h.secureCookies()); err != nil {
		h.rejectCSRF(ctx, w, r, clientIP, err)
		return
	}

	redirectURL, err := h.broker.CompleteManualAuthorization(ctx, &broker.AuthorizationRequest{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
		ClientIP:            clientIP,
	}, req.Config)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, r, mapBrokerError(err))
		return
	}

	security.ClearCSRFCookie(w, h.secureCookies())
	instrumentation.SetSpanSuccess(span)
	h.recordRequest(ctx, r, "/authorize", http.StatusOK)

	h.writeJSON(w, http.StatusOK, manualAuthorizationResponse{RedirectURL: redirectURL})
}

// HandleUpstreamCallback receives the browser back from the upstream
// provider and forwards it to the client with a freshly issued code.
func (h *Handler) HandleUpstreamCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.upstream_callback")
	defer span.End()

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, security.FamilyAuthorize, clientIP) {
		return
	}

	q := r.URL.Query()
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		h.logger.Warn("upstream provider returned error",
			"error", upstreamErr,
			"client_ip", clientIP)
		h.renderErrorPage(w, r, http.StatusBadRequest, "The identity provider declined the authorization request.")
		return
	}

	redirectURL, err := h.broker.HandleUpstreamCallback(ctx, q.Get("state"), q.Get("code"), clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		apiErr := mapBrokerError(err)
		h.logger.Warn("upstream callback rejected",
			"error_code", apiErr.Code,
			"client_ip", clientIP)
		h.renderErrorPage(w, r, apiErr.Status, apiErr.Description)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordRequest(ctx, r, "/auth/upstream/callback", http.StatusFound)

	security.SetSecurityHeaders(w, h.config.Issuer)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// HandleToken exchanges a one-time authorization code for a bearer session.
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.token")
	defer span.End()

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, security.FamilyToken, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, &APIError{
			Code:        ErrorCodeInvalidRequest,
			Description: "malformed form body",
			Status:      http.StatusBadRequest,
		})
		return
	}

	if grantType := r.PostFormValue("grant_type"); grantType != "" && grantType != "authorization_code" {
		h.writeError(w, r, &APIError{
			Code:        ErrorCodeInvalidRequest,
			Description: "unsupported grant_type",
			Status:      http.StatusBadRequest,
		})
		return
	}

	resp, err := h.broker.ExchangeAuthorizationCode(ctx, &broker.TokenRequest{
		Code:         r.PostFormValue("code"),
		ClientID:     r.PostFormValue("client_id"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientIP:     clientIP,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, r, mapBrokerError(err))
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordRequest(ctx, r, "/token", http.StatusOK)

	h.writeJSON(w, http.StatusOK, resp)
}

// HandleIssueAPIKey mints a static API key for a validated configuration.
func (h *Handler) HandleIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.apikey_issue")
	defer span.End()

	// Hidden entirely when the feature is off.
	if !h.broker.APIKeysEnabled() {
		h.writeError(w, r, &APIError{
			Code:        ErrorCodeNotFound,
			Description: "not found",
			Status:      http.StatusNotFound,
		})
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, security.FamilyAPIKey, clientIP) {
		return
	}

	var req apiKeyRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, &APIError{
			Code:        ErrorCodeInvalidRequest,
			Description: "malformed JSON body",
			Status:      http.StatusBadRequest,
		})
		return
	}

	if err := security.VerifyCSRF(r, req.CSRFToken, h.secureCookies()); err != nil {
		h.rejectCSRF(ctx, w, r, clientIP, err)
		return
	}

	rawKey, err := h.broker.IssueAPIKey(ctx, req.Config, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, r, mapBrokerError(err))
		return
	}

	security.ClearCSRFCookie(w, h.secureCookies())
	instrumentation.SetSpanSuccess(span)
	h.recordRequest(ctx, r, "/api/api-keys", http.StatusCreated)

	h.writeJSON(w, http.StatusCreated, apiKeyResponse{APIKey: rawKey})
}

// HandleConfigSchema serves the public configuration schema and seeds the
// CSRF cookie for the subsequent form submission.
func (h *Handler) HandleConfigSchema(w http.ResponseWriter, r *http.Request) {
	token, err := security.NewCSRFToken()
	if err != nil {
		h.writeError(w, r, &APIError{
			Code:        ErrorCodeServerError,
			Description: "internal error",
			Status:      http.StatusInternalServerError,
		})
		return
	}
	security.SetCSRFCookie(w, token, h.secureCookies())

	h.writeJSON(w, http.StatusOK, map[string]any{
		"schema":     h.broker.Schema(),
		"csrf_token": token,
	})
}

// HandleHealth is the liveness probe.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Authenticate wraps next with bearer session resolution. The resolved
// connection is placed in the request context; requests without a valid
// session get 401.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			h.writeUnauthorized(w, r)
			return
		}

		resolved, err := h.broker.ResolveSession(r.Context(), strings.TrimPrefix(authHeader, prefix))
		if err != nil {
			h.logger.Error("session resolution failed", "error", err)
			h.writeError(w, r, &APIError{
				Code:        ErrorCodeServerError,
				Description: "internal error",
				Status:      http.StatusInternalServerError,
			})
			return
		}
		if resolved == nil {
			h.writeUnauthorized(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(withConnection(r.Context(), resolved)))
	})
}

func (h *Handler) rejectCSRF(ctx context.Context, w http.ResponseWriter, r *http.Request, clientIP string, err error) {
	if h.metrics != nil {
		instrumentation.Add(ctx, h.metrics.CSRFRejected)
	}
	h.logger.Warn("CSRF verification failed",
		"reason", err,
		"client_ip", clientIP)

	description := "CSRF token mismatch"
	if errors.Is(err, security.ErrCSRFMissing) {
		description = "CSRF token missing"
	}
	h.writeError(w, r, &APIError{
		Code:        ErrorCodeInvalidRequest,
		Description: description,
		Status:      http.StatusForbidden,
	})
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	h.writeError(w, r, &APIError{
		Code:        ErrorCodeAccessDenied,
		Description: "invalid or expired session",
		Status:      http.StatusUnauthorized,
	})
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, apiErr *APIError) {
	security.SetSecurityHeaders(w, h.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             apiErr.Code,
		"error_description": apiErr.Description,
	})
	h.recordRequest(r.Context(), r, r.URL.Path, apiErr.Status)
}

func (h *Handler) recordRequest(ctx context.Context, r *http.Request, endpoint string, status int) {
	instrumentation.AddHTTPAttributes(trace.SpanFromContext(ctx), r.Method, endpoint, status)

	if h.metrics == nil {
		return
	}
	instrumentation.Add(ctx, h.metrics.HTTPRequestsTotal,
		attribute.String(instrumentation.AttrHTTPMethod, r.Method),
		attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
		attribute.Int(instrumentation.AttrHTTPStatusCode, status))
}

// renderEnrollmentForm serves the manual-path HTML form. The form fields
// come from the broker's configuration schema; the submission goes through
// POST /authorize as JSON with the CSRF echo.
func (h *Handler) renderEnrollmentForm(w http.ResponseWriter, r *http.Request, req *broker.AuthorizationRequest) {
	token, err := security.NewCSRFToken()
	if err != nil {
		h.renderErrorPage(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	security.SetCSRFCookie(w, token, h.secureCookies())
	security.SetSecurityHeaders(w, h.config.Issuer)

	// The form page needs its inline script and the fetch back to us.
	w.Header().Set("Content-Security-Policy",
		"default-src 'none'; style-src 'unsafe-inline'; script-src 'unsafe-inline'; connect-src 'self'; form-action 'self'; frame-ancestors 'none'")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := enrollmentFormData{
		Schema:              h.broker.Schema(),
		CSRFToken:           token,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
	}
	if err := enrollmentFormTmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to render enrollment form", "error", err)
	}
}

func (h *Handler) renderErrorPage(w http.ResponseWriter, r *http.Request, status int, message string) {
	security.SetSecurityHeaders(w, h.config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := errorPageTmpl.Execute(w, map[string]string{"Message": message}); err != nil {
		h.logger.Error("failed to render error page", "error", err)
	}
}

type enrollmentFormData struct {
	Schema              *configschema.Schema
	CSRFToken           string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
}

var enrollmentFormTmpl = template.Must(template.New("enroll").Parse(enrollmentFormHTML))
var errorPageTmpl = template.Must(template.New("error").Parse(errorPageHTML))
