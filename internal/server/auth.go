package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorizedWebhook = errors.New("webhook signature invalid")

// bearerAuth rejects requests without the token. An empty token disables the
// route entirely.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || !equal(got, token) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func basicAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if password == "" || !ok || !equal(user, username) || !equal(pass, password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="motiongif"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// verifyWebhook accepts an HMAC-SHA256 of the body in X-Signature (hex, with
// an optional "sha256=" prefix) or the shared secret in the token query
// parameter. An empty secret accepts everything.
func verifyWebhook(secret string, r *http.Request, body []byte) error {
	if secret == "" {
		return nil
	}
	if sig := strings.TrimSpace(r.Header.Get("X-Signature")); sig != "" {
		sig = strings.TrimPrefix(sig, "sha256=")
		got, err := hex.DecodeString(sig)
		if err != nil {
			return ErrUnauthorizedWebhook
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(got, mac.Sum(nil)) {
			return nil
		}
		return ErrUnauthorizedWebhook
	}
	if token := r.URL.Query().Get("token"); token != "" && equal(token, secret) {
		return nil
	}
	return ErrUnauthorizedWebhook
}

// Sign returns the X-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
