package auth

import (
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	UserID uuid.UUID
	Role   enums.PlatformRole
	JTI    string
}

// AccessTokenClaims is the bearer token issued by the identity service.
type AccessTokenClaims struct {
	UserID uuid.UUID          `json:"user_id"`
	Role   enums.PlatformRole `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the caller may act as a platform administrator.
func (c *AccessTokenClaims) IsAdmin() bool {
	return c != nil && c.Role == enums.PlatformRoleAdmin
}
