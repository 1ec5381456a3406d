package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller extracted from the bearer token.
// ApproverID and Role feed directly into approval records.
type Identity struct {
	ApproverID string
	Role       string
}

type contextKey struct{}

// FromContext returns the identity stored by the middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// Verifier validates HMAC-signed service tokens on the control surface.
type Verifier struct {
	secret     []byte
	allowDebug bool
	debugToken string
}

type VerifierConfig struct {
	// Secret is the HMAC signing secret shared with the token issuer.
	Secret string

	// AllowDebugToken enables a static token for local development.
	AllowDebugToken bool
	DebugToken      string
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Secret == "" && !cfg.AllowDebugToken {
		return nil, errors.New("auth: jwt secret required unless debug token is enabled")
	}
	return &Verifier{
		secret:     []byte(cfg.Secret),
		allowDebug: cfg.AllowDebugToken,
		debugToken: cfg.DebugToken,
	}, nil
}

// Middleware authenticates the request and stores the caller identity in the
// request context. Requests without a valid bearer token get a 401.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

		if v.allowDebug && v.debugToken != "" && tokenStr == v.debugToken {
			ctx := context.WithValue(r.Context(), contextKey{}, Identity{ApproverID: "debug", Role: "admin"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		identity, err := v.verify(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (v *Verifier) verify(tokenStr string) (Identity, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return Identity{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("invalid claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, errors.New("missing sub claim")
	}
	role, _ := claims["role"].(string)
	if role == "" {
		return Identity{}, errors.New("missing role claim")
	}
	return Identity{ApproverID: sub, Role: role}, nil
}

// IssueToken mints a token for tests and local tooling.
func (v *Verifier) IssueToken(approverID, role string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  approverID,
		"role": role,
	})
	return token.SignedString(v.secret)
}
