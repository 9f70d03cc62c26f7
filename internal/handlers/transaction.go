package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/example/paygate/internal/apperrors"
	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/repository"
	"github.com/example/paygate/internal/utils"
)

// TransactionHandler answers partner queries about past transactions.
type TransactionHandler struct {
	transactions repository.TransactionStore
	catalog      repository.CatalogStore
	validate     *validator.Validate
}

func NewTransactionHandler(transactions repository.TransactionStore, catalog repository.CatalogStore) *TransactionHandler {
	return &TransactionHandler{
		transactions: transactions,
		catalog:      catalog,
		validate:     newValidator(),
	}
}

type checkTransactionsRequest struct {
	PartnerTransactionIDs []string `json:"partner_transaction_ids" validate:"required,min=1,max=100,dive,required"`
}

// Check returns the current state of a batch of transactions addressed
// by the partner's own ids. Unknown ids are simply absent from the
// response, not an error.
func (h *TransactionHandler) Check(c *fiber.Ctx) error {
	partnerID, err := requirePartner(c)
	if err != nil {
		return err
	}

	partner, err := h.catalog.PartnerByExternalID(c.Context(), partnerID)
	if err != nil {
		if err == repository.ErrNotFound {
			return apperrors.NewNotFound("partner " + partnerID + " does not found")
		}
		return err
	}

	var req checkTransactionsRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidation("The given data was invalid.", nil)
	}
	if err := h.validate.Struct(req); err != nil {
		return validationError(err)
	}

	found, err := h.transactions.ByPartnerTransactionIDs(c.Context(), partner.ID, req.PartnerTransactionIDs)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"transactions": transactionList(found)})
}

// Search looks transactions up by the provider-side id, the one a user
// quotes from their wallet receipt in a support dispute.
func (h *TransactionHandler) Search(c *fiber.Ctx) error {
	partnerID, err := requirePartner(c)
	if err != nil {
		return err
	}

	partner, err := h.catalog.PartnerByExternalID(c.Context(), partnerID)
	if err != nil {
		if err == repository.ErrNotFound {
			return apperrors.NewNotFound("partner " + partnerID + " does not found")
		}
		return err
	}

	externalID := c.Query("external_transaction_id")
	if externalID == "" {
		return apperrors.NewValidation("The given data was invalid.", map[string][]string{
			"external_transaction_id": {"The external transaction id field is required."},
		})
	}

	found, err := h.transactions.SearchByExternalID(c.Context(), partner.ID, externalID)
	if err != nil {
		return err
	}

	page := utils.ParsePagination(c)
	total := len(found)
	start := page.Offset
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}

	return c.JSON(fiber.Map{
		"transactions": transactionList(found[start:end]),
		"total":        total,
		"page":         page.Page,
		"limit":        page.Limit,
	})
}

func transactionList(items []models.Transaction) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for i := range items {
		out = append(out, items[i].APIResponse(nil, ""))
	}
	return out
}
