package auth

import (
	"context"
	"fmt"

	"github.com/labrook/dino/internal/v1/types"
)

// Service turns a token validator into the login port: it checks that the
// token's subject is the user claiming it and maps verified claims onto
// session attributes.
type Service struct {
	validator TokenValidator
}

var _ types.AuthPort = (*Service)(nil)

func NewService(validator TokenValidator) *Service {
	return &Service{validator: validator}
}

// ValidateLogin verifies the token and returns the session attributes held by
// the identity provider. Client-sent attributes never override these.
func (s *Service) ValidateLogin(ctx context.Context, userID, token string) (map[string]string, error) {
	claims, err := s.validator.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	if claims.Subject != "" && claims.Subject != userID {
		return nil, fmt.Errorf("token subject does not match user id")
	}

	attrs := make(map[string]string)
	set := func(key, value string) {
		if value != "" {
			attrs[key] = value
		}
	}
	set(types.SessionUserName, claims.Name)
	set(types.SessionGender, claims.Gender)
	set(types.SessionAge, claims.Age)
	set(types.SessionMembership, claims.Membership)
	set(types.SessionCountry, claims.Country)
	set(types.SessionCity, claims.City)
	set(types.SessionImage, claims.Image)

	return attrs, nil
}
