package service

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/marketpulse/internal/config"
)

var ErrInvalidToken = errors.New("invalid token")

// JWTClaims are the claims of a Supabase-issued access token. The subject
// is the user id.
type JWTClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// AuthService validates bearer tokens issued by the identity provider
type AuthService struct {
	jwtConfig config.JWTConfig
}

// NewAuthService creates a new AuthService
func NewAuthService(jwtConfig config.JWTConfig) *AuthService {
	return &AuthService{jwtConfig: jwtConfig}
}

// ValidateToken validates a JWT token and returns the claims
func (s *AuthService) ValidateToken(tokenString string) (*JWTClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if s.jwtConfig.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.jwtConfig.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtConfig.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
