package proxy

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

// AccountHeader selects a specific pooled account for one request.
const AccountHeader = "X-Ds2api-Account"

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authAPIMiddleware only requires that a bearer is present. Whether it is a
// pool key or a raw upstream token is decided by the account pool.
func (s *Server) authAPIMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearerToken(r.Header) == "" {
			writeError(w, http.StatusUnauthorized, errTypeAuthentication, "Unauthorized: missing Bearer token.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminAuthenticator decides whether a bearer may use the admin API.
type AdminAuthenticator interface {
	Verify(token string) bool
}

// StaticAdminKey accepts exactly one key. An empty key accepts nothing.
type StaticAdminKey string

func (k StaticAdminKey) Verify(token string) bool {
	return safeEqual(string(k), strings.TrimSpace(token))
}

func safeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

var nowUTC = func() time.Time { return time.Now().UTC() }
