// Package signature implements HMAC-SHA256 verification of inbound webhook
// requests against one or more configured candidate keys.
package signature

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// Verifier holds the candidate keys a raw body's signature is checked
// against. A key literally prefixed with "shpk" has that prefix stripped
// before use, matching the upstream platform's key distribution format.
type Verifier struct {
	keys  [][]byte
	debug bool
}

// New builds a Verifier from one or more raw key strings. Empty keys are
// skipped. debugBypass, when true, makes Verify always succeed — it must
// never be set in production configuration.
func New(debugBypass bool, keys ...string) *Verifier {
	v := &Verifier{debug: debugBypass}
	for _, k := range keys {
		if k == "" {
			continue
		}
		v.keys = append(v.keys, []byte(strings.TrimPrefix(k, "shpk")))
	}
	return v
}

// Verify checks rawBody against authHeader using constant-time comparison.
// It returns true on the first matching candidate key.
func (v *Verifier) Verify(rawBody []byte, authHeader string) bool {
	if v.debug {
		return true
	}
	if authHeader == "" || len(rawBody) == 0 {
		return false
	}

	sig, err := hex.DecodeString(strings.TrimSpace(authHeader))
	if err != nil {
		return false
	}

	for _, key := range v.keys {
		mac := hmac.New(sha256.New, key)
		mac.Write(rawBody)
		expected := mac.Sum(nil)
		if hmac.Equal(sig, expected) {
			return true
		}
	}
	return false
}

// VerifyRequest checks an already-read request body against the request's
// Authorization header.
func VerifyRequest(v *Verifier, r *http.Request, body []byte) bool {
	return v.Verify(body, r.Header.Get("Authorization"))
}

type contextKey int

const (
	contextKeyValid contextKey = iota
	contextKeyBody
)

// Middleware reads the raw body, verifies it against authHeader, and
// stashes both the verdict and the body on the request context before
// calling next unconditionally — the receiver's ack-always-200 contract
// means a bad signature must not short-circuit the HTTP response, only
// the downstream dispatch decision made by the handler.
func Middleware(v *Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			body = nil
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		valid := v.Verify(body, r.Header.Get("Authorization"))

		ctx := context.WithValue(r.Context(), contextKeyValid, valid)
		ctx = context.WithValue(ctx, contextKeyBody, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Valid reports whether Middleware verified the request's signature.
func Valid(ctx context.Context) bool {
	v, _ := ctx.Value(contextKeyValid).(bool)
	return v
}

// Body returns the raw body Middleware already consumed from the request,
// so handlers never need to re-read r.Body.
func Body(ctx context.Context) []byte {
	b, _ := ctx.Value(contextKeyBody).([]byte)
	return b
}
