package admin

import (
	"crypto/subtle"
	"mime"
	"net/http"
	"strings"
)

// Authorizer reports whether r may use a route.
type Authorizer func(r *http.Request) bool

// eventStreamTokenParam carries the token for browser EventSource clients,
// which cannot set an Authorization header.
const eventStreamTokenParam = "access_token"

// BearerTokenAuthorizer accepts requests presenting one of tokens. Empty
// tokens are ignored; with none left every request is accepted.
func BearerTokenAuthorizer(tokens [][]byte) Authorizer {
	var allowed [][]byte
	for _, t := range tokens {
		if len(t) > 0 {
			allowed = append(allowed, append([]byte(nil), t...))
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		got := presentedToken(r)
		if got == "" {
			return false
		}
		for _, want := range allowed {
			if subtle.ConstantTimeCompare([]byte(got), want) == 1 {
				return true
			}
		}
		return false
	}
}

func presentedToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(rest)
	}
	if r.Method == http.MethodGet && acceptsEventStream(r) {
		return strings.TrimSpace(r.URL.Query().Get(eventStreamTokenParam))
	}
	return ""
}

func acceptsEventStream(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "text/event-stream" {
			return true
		}
	}
	return false
}
