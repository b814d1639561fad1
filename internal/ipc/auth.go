package ipc

import (
	"crypto/subtle"
	"net"
	"net/http"
	"time"

	"github.com/okatkov/tradematch/internal/store"
)

const (
	authHeader = "Authentication"

	maxFailedAuthAttempts = 5
	failedAuthTTL         = time.Hour
)

// AuthMiddleware gates IPC endpoints behind the configured password. An
// empty password disables authentication entirely. Repeated failures lock
// the source address out for an hour.
type AuthMiddleware struct {
	password string
	failures *store.TTLMap[int]
}

func NewAuthMiddleware(password string) *AuthMiddleware {
	return &AuthMiddleware{
		password: password,
		failures: store.NewTTLMap[int](),
	}
}

func (a *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	if a.password == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)

		if count, ok := a.failures.Get(ip); ok && count >= maxFailedAuthAttempts {
			writeError(w, http.StatusForbidden, "too many failed attempts")
			return
		}

		given := r.Header.Get(authHeader)
		if given == "" {
			given = r.URL.Query().Get("password")
		}

		if subtle.ConstantTimeCompare([]byte(given), []byte(a.password)) != 1 {
			if !a.failures.Update(ip, func(c *int) { *c++ }, failedAuthTTL) {
				a.failures.Set(ip, 1, failedAuthTTL)
			}
			writeError(w, http.StatusUnauthorized, "invalid password")
			return
		}

		a.failures.Delete(ip)
		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
