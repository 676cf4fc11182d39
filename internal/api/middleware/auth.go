package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/agentx/raven-backend/internal/auth"
)

// TokenValidator validates bearer tokens
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.JWTClaims, error)
}

// RequireUser rejects requests without a valid access token and stores the
// caller's identity in the fiber context. Websocket clients that cannot set
// headers may pass the token as the token query parameter.
func RequireUser(validator TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := auth.ExtractTokenFromBearer(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		claims, err := validator.ValidateAccessToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("user_name", claims.Name)
		return c.Next()
	}
}

// GetUserID retrieves the user ID from the fiber context
func GetUserID(c *fiber.Ctx) (string, bool) {
	id, ok := c.Locals("user_id").(string)
	return id, ok && id != ""
}

// GetUserName retrieves the display name from the fiber context
func GetUserName(c *fiber.Ctx) string {
	name, _ := c.Locals("user_name").(string)
	return name
}
