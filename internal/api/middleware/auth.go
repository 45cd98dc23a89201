package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const surfaceKey contextKey = "surface"

// tokenIssuer is the iss claim on surface tokens.
const tokenIssuer = "callnotify"

// SurfaceClaims identifies an out-of-process capture surface (the in-app
// screen, the lock-screen view, a notification action handler).
type SurfaceClaims struct {
	Surface string `json:"surface"`
	jwt.RegisteredClaims
}

// GenerateSurfaceToken signs a bearer token for surface. A zero ttl issues a
// token without expiry.
func GenerateSurfaceToken(secret []byte, surface string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SurfaceClaims{
		Surface: surface,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   tokenIssuer,
			Subject:  surface,
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// RequireSurfaceAuth returns middleware that validates HS256 bearer tokens
// issued by GenerateSurfaceToken. An empty secret disables the check, which
// suits a daemon listening on loopback only.
func RequireSurfaceAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(secret) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &SurfaceClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("surface auth: invalid jwt", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if claims.Surface == "" || claims.Issuer != tokenIssuer {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), surfaceKey, claims.Surface)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SurfaceFromContext returns the authenticated surface name, or "" when
// authentication is disabled.
func SurfaceFromContext(ctx context.Context) string {
	s, _ := ctx.Value(surfaceKey).(string)
	return s
}

// errorEnvelope matches the api package's envelope format for error
// responses.
type errorEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeError writes a JSON error matching the API envelope format. It lives
// here because importing the api package would be circular.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}
