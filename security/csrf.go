package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"time"
)

// CSRFCookieName is the cookie carrying the anti-forgery token for the
// consent form round trip.
const CSRFCookieName = "__Host-authbroker_csrf"

// csrfTokenBytes is the entropy of a CSRF token before encoding.
const csrfTokenBytes = 32

var (
	// ErrCSRFMissing indicates the cookie or the form field was absent.
	ErrCSRFMissing = errors.New("csrf token missing")
	// ErrCSRFMismatch indicates the cookie and form values disagree.
	ErrCSRFMismatch = errors.New("csrf token mismatch")
)

// NewCSRFToken generates a fresh random CSRF token.
func NewCSRFToken() (string, error) {
	buf := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SetCSRFCookie writes the token as an HTTP-only, secure, same-site strict
// cookie scoped to the whole host.
func SetCSRFCookie(w http.ResponseWriter, token string, secure bool) {
	name := CSRFCookieName
	if !secure {
		// __Host- requires Secure, which plain-HTTP dev setups cannot set.
		name = "authbroker_csrf"
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    token,
		Path:     "/",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearCSRFCookie removes the CSRF cookie after the token is consumed.
func ClearCSRFCookie(w http.ResponseWriter, secure bool) {
	name := CSRFCookieName
	if !secure {
		name = "authbroker_csrf"
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// VerifyCSRF checks that the submitted form token matches the cookie token.
// Comparison is constant time.
func VerifyCSRF(r *http.Request, formToken string, secure bool) error {
	name := CSRFCookieName
	if !secure {
		name = "authbroker_csrf"
	}
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" || formToken == "" {
		return ErrCSRFMissing
	}
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(formToken)) != 1 {
		return ErrCSRFMismatch
	}
	return nil
}
