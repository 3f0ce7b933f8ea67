// Package auth validates login tokens. Production deployments verify JWTs
// against an Auth0 JWKS endpoint; development mode accepts any well-formed
// token and trusts its claims.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/labrook/dino/internal/v1/logging"
)

// CustomClaims embeds jwt.RegisteredClaims and adds the profile claims the
// chat session cares about.
type CustomClaims struct {
	Scope      string `json:"scope"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Gender     string `json:"gender,omitempty"`
	Age        string `json:"age,omitempty"`
	Membership string `json:"membership,omitempty"`
	Country    string `json:"country,omitempty"`
	City       string `json:"city,omitempty"`
	Image      string `json:"image,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator is implemented by the JWKS-backed Validator and by the
// development MockValidator.
type TokenValidator interface {
	ValidateToken(tokenString string) (*CustomClaims, error)
}

// Validator verifies JWTs against a JWKS endpoint, checking signature, issuer
// and audience.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewValidator builds a Validator for the given Auth0 domain. It registers the
// domain's JWKS endpoint with a refreshing cache and fetches the keys once up
// front to ensure connectivity. Additional jwk.RegisterOption values can be
// passed for testability.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch the keys for the first time to ensure connectivity.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		// Enforce RS256 before touching the key material so an HS256 token
		// can never be verified against a public key.
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: []string{audience},
	}, nil
}

// ValidateToken parses and validates a JWT using the configured key function,
// issuer and audience, returning the custom claims on success.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}

	return claims, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated origin list from the
// environment, falling back to the provided defaults.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}

// MockValidator is a development-only token validator. It decodes the payload
// without verifying the signature so local clients can log in with any token.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	claims := &CustomClaims{}

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var raw map[string]interface{}
			if json.Unmarshal(payload, &raw) == nil {
				str := func(key string) string {
					if v, ok := raw[key].(string); ok {
						return v
					}
					return ""
				}
				claims.Subject = str("sub")
				claims.Name = str("name")
				claims.Email = str("email")
				claims.Gender = str("gender")
				claims.Age = str("age")
				claims.Membership = str("membership")
				claims.Country = str("country")
				claims.City = str("city")
				claims.Image = str("image")
			}
		}
	}

	if claims.Subject == "" {
		claims.Subject = "dev-user-123"
	}
	if claims.Name == "" {
		claims.Name = "Dev User"
	}
	if claims.Email == "" {
		claims.Email = "dev@example.com"
	}

	return claims, nil
}
