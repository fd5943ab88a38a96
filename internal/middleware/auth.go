package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"querymeta/internal/domain"
)

// Claims are the token claims the API understands.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// HS256Auth validates bearer tokens signed with a shared secret.
type HS256Auth struct {
	secret []byte
	issuer string
}

// NewHS256Auth creates an authenticator. An issuer, when set, must match
// the token's iss claim.
func NewHS256Auth(secret, issuer string) (*HS256Auth, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	return &HS256Auth{secret: []byte(secret), issuer: issuer}, nil
}

// Validate verifies the token and returns its claims.
func (a *HS256Auth) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// Sign issues a token for claims. It is used by tooling and tests.
func (a *HS256Auth) Sign(claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects requests without a valid bearer token and stores the
// token subject as the request principal.
func (a *HS256Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized: bearer token required")
			return
		}
		claims, err := a.Validate(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized: invalid token")
			return
		}
		ctx := domain.WithPrincipal(r.Context(), domain.ContextPrincipal{
			Name:    claims.Subject,
			IsAdmin: claims.Admin,
			Type:    "user",
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
