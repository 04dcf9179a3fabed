package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/hackgods/telemed-booking/internal/appointment"
)

var errUnauthenticated = errors.New("missing or invalid bearer token")

// Claims carries the caller's numeric id in the subject and their role.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 access token for caller.
func IssueToken(secret string, caller appointment.Caller, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Role: string(caller.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(caller.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func parseToken(secret, raw string) (appointment.Caller, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return appointment.Caller{}, err
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return appointment.Caller{}, fmt.Errorf("invalid subject %q", claims.Subject)
	}

	role := appointment.Role(claims.Role)
	if role != appointment.RolePatient && role != appointment.RoleDoctor {
		return appointment.Caller{}, fmt.Errorf("invalid role %q", claims.Role)
	}
	return appointment.Caller{ID: id, Role: role}, nil
}

const callerKey contextKey = "caller"

// Authenticator rejects requests without a valid bearer token and puts the
// caller into the request context.
func Authenticator(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", errUnauthenticated.Error())
				return
			}

			caller, err := parseToken(secret, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", errUnauthenticated.Error())
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole lets through only callers with the given role.
func RequireRole(role appointment.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFrom(r.Context())
			if !ok || caller.Role != role {
				writeError(w, http.StatusForbidden, "forbidden", "endpoint requires role "+string(role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func CallerFrom(ctx context.Context) (appointment.Caller, bool) {
	c, ok := ctx.Value(callerKey).(appointment.Caller)
	return c, ok
}
