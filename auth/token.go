package auth

import (
	"channel-hub/errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "channel-hub"

// BackendClaims is what a backend puts in the token it sends along with
// every server-to-server request.
type BackendClaims struct {
	Service string `json:"service"`
	// Tenant, when set, restricts the token to a single tenant.
	Tenant string `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and checks HS256 tokens with the shared secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// GenerateToken creates a signed token for a backend service.
func (s *Signer) GenerateToken(service, tenant string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &BackendClaims{
		Service: service,
		Tenant:  tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateToken checks signature, issuer and expiration.
func (s *Signer) ValidateToken(tokenString string) (*BackendClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &BackendClaims{}, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrUnauthorized, err)
	}
	if claims, ok := token.Claims.(*BackendClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.ErrUnauthorized
}

// FromHeader validates a "Bearer <token>" authorization header value.
func (s *Signer) FromHeader(value string) (*BackendClaims, error) {
	tokenString, ok := strings.CutPrefix(value, "Bearer ")
	if !ok || tokenString == "" {
		return nil, fmt.Errorf("%w: authorization token is missing", errors.ErrUnauthorized)
	}
	return s.ValidateToken(tokenString)
}

// Allows reports whether the claims may act on tenant.
func (c *BackendClaims) Allows(tenant string) bool {
	return c.Tenant == "" || c.Tenant == tenant
}
