package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the claims we read from a dashboard access token
type Claims struct {
	Subject   string
	Email     string
	Name      string
	ExpiresAt int64
	IssuedAt  int64
}

// ExtractClaims reads claims from a JWT without verification. The backend
// verifies tokens; the CLI only uses claims for display and expiry hints.
func ExtractClaims(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := &Claims{}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	}
	if exp, ok := mapClaims["exp"].(float64); ok {
		claims.ExpiresAt = int64(exp)
	}
	if iat, ok := mapClaims["iat"].(float64); ok {
		claims.IssuedAt = int64(iat)
	}

	return claims, nil
}

// Expiry returns the token expiry, or nil if the token has none
func (c *Claims) Expiry() *time.Time {
	if c.ExpiresAt == 0 {
		return nil
	}
	t := time.Unix(c.ExpiresAt, 0)
	return &t
}

// DisplayName returns the best available name for the user
func (c *Claims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.Email != "" {
		if at := strings.Index(c.Email, "@"); at > 0 {
			return c.Email[:at]
		}
		return c.Email
	}
	return c.Subject
}
