package jwt

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// RoleAdmin may use the administrative endpoints.
const RoleAdmin = "admin"

const issuer = "expertchat"

// Claims carries the authenticated user id in the subject.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.StandardClaims
}

func (c *Claims) UserID() string {
	return c.Subject
}

func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// GenerateToken signs an HS256 token for userID valid for ttl.
func GenerateToken(userID, role, secret string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	now := time.Now()
	claims := &Claims{
		Role: role,
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateAndGetClaims verifies the signature and expiry of token.
func ValidateAndGetClaims(token, secret string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}
