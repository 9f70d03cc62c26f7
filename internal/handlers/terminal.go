package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/paygate/internal/services"
)

// TerminalHandler serves the kiosk protocol. Authentication is the
// per-payment checksum plus the source IP allowlist, not a partner
// token: the caller is the terminal network itself.
type TerminalHandler struct {
	payments *services.PaymentService
}

func NewTerminalHandler(payments *services.PaymentService) *TerminalHandler {
	return &TerminalHandler{payments: payments}
}

func (h *TerminalHandler) Handle(c *fiber.Ctx) error {
	pc, err := h.payments.ResolveByPaymentName(c.Context(), c.Params("partner_id"), c.Params("payment_name"))
	if err != nil {
		return err
	}

	response, err := h.payments.TerminalDeposit(c.Context(), pc, c.Params("action"), parseBody(c))
	if err != nil {
		return err
	}

	return c.JSON(response)
}
