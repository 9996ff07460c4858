package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// tokenFromRequest extracts a client token from ?token= (or ?password=),
// "Authorization: Bearer <token>" or X-Auth-Token.
func tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	q := r.URL.Query()
	if t := q.Get("token"); t != "" {
		return t
	}
	if t := q.Get("password"); t != "" {
		return t
	}
	ah := r.Header.Get("Authorization")
	if len(ah) > len("Bearer ") && strings.EqualFold(ah[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(ah[len("Bearer "):])
	}
	return r.Header.Get("X-Auth-Token")
}

// TokenOK reports whether r carries the expected token. An empty expected
// token disables the check.
func TokenOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	got := tokenFromRequest(r)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// TokenAuth rejects requests without the shared control token. Paths in
// skip (e.g. /healthz) are always allowed.
func TokenAuth(getToken func() string, skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, s := range skip {
				if path == s {
					return next(c)
				}
			}
			if !TokenOK(c.Request(), getToken()) {
				return c.String(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}
