package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/example/paygate/internal/config"
	"github.com/example/paygate/internal/utils"
)

const partnerContextKey = "currentPartnerID"

// PartnerAuth validates the partner JWT and loads the partner's external
// id into context. Route handlers must still check that the token's
// partner matches the partner addressed by the request.
func PartnerAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid authorization header")
		}

		partnerID, err := utils.ParseToken(cfg.JWTSecret, parts[1])
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals(partnerContextKey, partnerID)
		return c.Next()
	}
}

// CurrentPartnerID extracts the authenticated partner id from context.
func CurrentPartnerID(c *fiber.Ctx) (string, bool) {
	value := c.Locals(partnerContextKey)
	if value == nil {
		return "", false
	}

	if id, ok := value.(string); ok {
		return id, true
	}

	return "", false
}
