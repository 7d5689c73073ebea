package middleware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/utils"
)

var (
	// ErrMissingCredential is returned when no token was presented.
	ErrMissingCredential = errors.New("credential missing")
	// ErrInvalidCredential is returned for tokens that fail verification or carry no subject.
	ErrInvalidCredential = errors.New("invalid credential")
)

// JWTVerifier validates HMAC-signed bearer tokens and extracts the chat identity.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses the token and returns the identity carried in its claims. The username falls back to
// the user id when no name claim is present.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (dto.ChatIdentity, error) {
	tokenString := strings.TrimSpace(credential)
	if len(tokenString) > 7 && strings.EqualFold(tokenString[:7], "bearer ") {
		tokenString = strings.TrimSpace(tokenString[7:])
	}
	if tokenString == "" {
		return dto.ChatIdentity{}, ErrMissingCredential
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return dto.ChatIdentity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return dto.ChatIdentity{}, fmt.Errorf("%w: unexpected claims", ErrInvalidCredential)
	}

	userID := extractUserIDFromClaims(claims)
	if userID == "" {
		return dto.ChatIdentity{}, fmt.Errorf("%w: subject missing", ErrInvalidCredential)
	}
	if len(userID) > 64 {
		return dto.ChatIdentity{}, fmt.Errorf("%w: subject too long", ErrInvalidCredential)
	}

	username := extractUsernameFromClaims(claims)
	if username == "" {
		username = userID
	}

	return dto.ChatIdentity{UserID: userID, Username: username}, nil
}

// JWTProtected returns a middleware that validates JWT bearer tokens.
func JWTProtected(verifier *JWTVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authorization := c.Get("Authorization")
		if authorization == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
		}

		const bearer = "Bearer "
		if !strings.HasPrefix(strings.ToLower(authorization), strings.ToLower(bearer)) {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid authorization header")
		}

		identity, err := verifier.Verify(c.UserContext(), authorization)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals("user_id", identity.UserID)
		c.Locals("username", identity.Username)

		return c.Next()
	}
}

func extractUserIDFromClaims(claims jwt.MapClaims) string {
	keys := []string{"sub", "user_id", "id"}
	for _, key := range keys {
		if value, ok := claims[key]; ok {
			if normalized := normalizeClaim(value); normalized != "" {
				return normalized
			}
		}
	}
	return ""
}

func extractUsernameFromClaims(claims jwt.MapClaims) string {
	keys := []string{"username", "preferred_username", "name"}
	for _, key := range keys {
		if value, ok := claims[key]; ok {
			if normalized := normalizeClaim(value); normalized != "" {
				return normalized
			}
		}
	}
	return ""
}

func normalizeClaim(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v < 0 || v != float64(int64(v)) {
			return ""
		}
		return strconv.FormatInt(int64(v), 10)
	case int:
		if v < 0 {
			return ""
		}
		return strconv.Itoa(v)
	default:
		return ""
	}
}
