package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/example/paygate/internal/apperrors"
	"github.com/example/paygate/internal/config"
	"github.com/example/paygate/internal/repository"
	"github.com/example/paygate/internal/utils"
)

// AuthHandler issues partner API tokens.
type AuthHandler struct {
	catalog  repository.CatalogStore
	cfg      *config.Config
	validate *validator.Validate
}

func NewAuthHandler(catalog repository.CatalogStore, cfg *config.Config) *AuthHandler {
	return &AuthHandler{catalog: catalog, cfg: cfg, validate: newValidator()}
}

type tokenRequest struct {
	PartnerID string `json:"partner_id" validate:"required"`
	APISecret string `json:"api_secret" validate:"required"`
}

// Token exchanges the partner's API secret for a bearer token. The
// secret itself never travels on payment requests.
func (h *AuthHandler) Token(c *fiber.Ctx) error {
	var req tokenRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidation("The given data was invalid.", nil)
	}
	if err := h.validate.Struct(req); err != nil {
		return validationError(err)
	}

	partner, err := h.catalog.PartnerByExternalID(c.Context(), req.PartnerID)
	if err != nil {
		if err == repository.ErrNotFound {
			return apperrors.NewAuthorization("Invalid partner credentials.")
		}
		return err
	}

	if !utils.CheckPassword(partner.APISecretHash, req.APISecret) {
		return apperrors.NewAuthorization("Invalid partner credentials.")
	}

	token, err := utils.GenerateToken(h.cfg.JWTSecret, partner.ExternalPartnerID, h.cfg.TokenExpires)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"token":      token,
		"expires_in": int(h.cfg.TokenExpires.Seconds()),
	})
}
