package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"xdrop/internal/httputil"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingToken is returned when no bearer token was supplied.
var ErrMissingToken = errors.New("missing bearer token")

// User is the authenticated Supabase user carried in request contexts.
type User struct {
	ID    string
	Email string
	Role  string
}

type contextKey string

const userContextKey contextKey = "xdrop_user"

// WithUser returns ctx carrying u.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userContextKey).(*User)
	return u
}

// Verifier validates Supabase access tokens locally with the project's HS256 secret.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier for secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses token and returns its user. Tokens without a subject are rejected.
func (v *Verifier) Verify(token string) (*User, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("jwt parse: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("jwt invalid")
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, errors.New("jwt missing subject")
	}
	email, _ := claims["email"].(string)
	role, _ := claims["role"].(string)
	return &User{ID: sub, Email: email, Role: role}, nil
}

// Authenticate verifies the request's bearer token.
func (v *Verifier) Authenticate(r *http.Request) (*User, error) {
	return v.Verify(httputil.BearerToken(r))
}

// RequireUser rejects requests without a valid bearer token with 401 and stores the user in the context.
func (v *Verifier) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := v.Authenticate(r)
		if err != nil {
			httputil.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}
