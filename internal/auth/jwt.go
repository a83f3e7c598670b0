package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dartcloud/dartcloud/internal/domain"
)

type ctxKey int

const (
	ownerKey ctxKey = iota
	verificationKey
)

// OwnerFromContext returns the authenticated owner id, if any.
func OwnerFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ownerKey).(string)
	return v, ok
}

// WithOwner stamps the owner id onto the context.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey, ownerID)
}

// VerificationFromContext returns the signature verification result, if any.
func VerificationFromContext(ctx context.Context) (*Verification, bool) {
	v, ok := ctx.Value(verificationKey).(*Verification)
	return v, ok
}

// WithVerification stamps the verification result onto the context.
func WithVerification(ctx context.Context, v *Verification) context.Context {
	return context.WithValue(ctx, verificationKey, v)
}

// ParseBearer validates an HS256 token and returns the subject claim.
func ParseBearer(secret, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: token missing subject", domain.ErrUnauthorized)
	}
	return sub, nil
}

// IssueBearer mints an HS256 token for the owner, used by tests and the dev
// token command.
func IssueBearer(secret, ownerID string, claims jwt.MapClaims) (string, error) {
	if claims == nil {
		claims = jwt.MapClaims{}
	}
	claims["sub"] = ownerID
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Bearer wraps management handlers with JWT bearer authentication. An empty
// secret disables authentication and assigns the anonymous owner, which keeps
// single-user installs working without token plumbing.
func Bearer(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), domain.AnonymousOwner)))
			return
		}

		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(raw, "Bearer ") {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		owner, err := ParseBearer(secret, strings.TrimPrefix(raw, "Bearer "))
		if err != nil {
			http.Error(w, `{"error":"invalid bearer token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
	})
}
