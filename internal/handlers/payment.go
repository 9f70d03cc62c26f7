package handlers

import (
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/example/paygate/internal/provider"
	"github.com/example/paygate/internal/repository"
	"github.com/example/paygate/internal/services"
)

// PaymentHandler serves the partner-facing payment API and the provider
// callback endpoints.
type PaymentHandler struct {
	payments *services.PaymentService
	catalog  repository.CatalogStore
	validate *validator.Validate
}

func NewPaymentHandler(payments *services.PaymentService, catalog repository.CatalogStore) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		catalog:  catalog,
		validate: newValidator(),
	}
}

type depositRequest struct {
	Amount               string `json:"amount" validate:"required"`
	PartnerTransactionID string `json:"partner_transaction_id" validate:"required"`
	ClientID             string `json:"client_id" validate:"required"`
	Currency             string `json:"currency" validate:"omitempty,alpha,len=3"`
	Lang                 string `json:"lang" validate:"omitempty,max=5"`
}

type withdrawRequest struct {
	Amount               string `json:"amount" validate:"required"`
	PartnerTransactionID string `json:"partner_transaction_id" validate:"required"`
	ClientID             string `json:"client_id" validate:"required"`
	Currency             string `json:"currency" validate:"omitempty,alpha,len=3"`
}

type transferRequest struct {
	Amount               string `json:"amount" validate:"required"`
	PartnerTransactionID string `json:"partner_transaction_id" validate:"required"`
	From                 string `json:"from" validate:"required,oneof=sport casino"`
	To                   string `json:"to" validate:"required,oneof=sport casino"`
}

func (h *PaymentHandler) Deposit(c *fiber.Ctx) error {
	partnerID, err := requirePartner(c)
	if err != nil {
		return err
	}

	body := parseBody(c)
	req := depositRequest{
		Amount:               provider.BodyString(body, "amount"),
		PartnerTransactionID: provider.BodyString(body, "partner_transaction_id"),
		ClientID:             provider.BodyString(body, "client_id"),
		Currency:             provider.BodyString(body, "currency"),
		Lang:                 provider.BodyString(body, "lang"),
	}
	if err := h.validate.Struct(req); err != nil {
		return validationError(err)
	}

	pc, err := h.payments.Resolve(c.Context(), partnerID, c.Params("payment_id"))
	if err != nil {
		return err
	}

	outcome, err := h.payments.Deposit(c.Context(), pc, body)
	if err != nil {
		return err
	}

	details := outcome.Details.Details
	if outcome.Details.RedirectTo != "" {
		if details == nil {
			details = map[string]any{}
		}
		details["redirect_to"] = outcome.Details.RedirectTo
	}

	return c.JSON(outcome.Transaction.APIResponse(details, ""))
}

func (h *PaymentHandler) Withdraw(c *fiber.Ctx) error {
	partnerID, err := requirePartner(c)
	if err != nil {
		return err
	}

	body := parseBody(c)
	req := withdrawRequest{
		Amount:               provider.BodyString(body, "amount"),
		PartnerTransactionID: provider.BodyString(body, "partner_transaction_id"),
		ClientID:             provider.BodyString(body, "client_id"),
		Currency:             provider.BodyString(body, "currency"),
	}
	if err := h.validate.Struct(req); err != nil {
		return validationError(err)
	}

	pc, err := h.payments.Resolve(c.Context(), partnerID, c.Params("payment_id"))
	if err != nil {
		return err
	}

	outcome, err := h.payments.Withdraw(c.Context(), pc, body)
	if err != nil {
		return err
	}

	return c.JSON(outcome.Transaction.APIResponse(outcome.Details, outcome.ErrorMessage))
}

func (h *PaymentHandler) AccountTransfer(c *fiber.Ctx) error {
	partnerID, err := requirePartner(c)
	if err != nil {
		return err
	}

	body := parseBody(c)
	req := transferRequest{
		Amount:               provider.BodyString(body, "amount"),
		PartnerTransactionID: provider.BodyString(body, "partner_transaction_id"),
		From:                 provider.BodyString(body, "from"),
		To:                   provider.BodyString(body, "to"),
	}
	if err := h.validate.Struct(req); err != nil {
		return validationError(err)
	}

	pc, err := h.payments.Resolve(c.Context(), partnerID, c.Params("payment_id"))
	if err != nil {
		return err
	}

	outcome, err := h.payments.AccountTransfer(c.Context(), pc, body)
	if err != nil {
		return err
	}

	response := outcome.Transaction.APIResponse(outcome.Details, "")
	response["queued"] = outcome.Queued
	return c.JSON(response)
}

// DepositCallback receives the provider's webhook for a deposit. The
// response body is whatever acknowledgement format the provider expects.
func (h *PaymentHandler) DepositCallback(c *fiber.Ctx) error {
	pc, err := h.payments.Resolve(c.Context(), c.Params("partner_id"), c.Params("payment_id"))
	if err != nil {
		return err
	}

	ack, err := h.payments.DepositCallback(c.Context(), pc, parseBody(c))
	if err != nil {
		return err
	}
	return writeAck(c, ack)
}

func (h *PaymentHandler) WithdrawCallback(c *fiber.Ctx) error {
	pc, err := h.payments.Resolve(c.Context(), c.Params("partner_id"), c.Params("payment_id"))
	if err != nil {
		return err
	}

	ack, err := h.payments.WithdrawCallback(c.Context(), pc, parseBody(c))
	if err != nil {
		return err
	}
	return writeAck(c, ack)
}

// Success is the browser return URL after a completed checkout; the user
// is sent back to the partner site. The transaction outcome never
// depends on this redirect, only on the provider callback.
func (h *PaymentHandler) Success(c *fiber.Ctx) error {
	return h.redirectToPartner(c, "success")
}

func (h *PaymentHandler) Fail(c *fiber.Ctx) error {
	return h.redirectToPartner(c, "fail")
}

func (h *PaymentHandler) redirectToPartner(c *fiber.Ctx, result string) error {
	partner, err := h.catalog.PartnerByExternalID(c.Context(), c.Params("partner_id"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "partner not found")
	}

	target, err := url.Parse(partner.ReturnURL)
	if err != nil || partner.ReturnURL == "" {
		return c.SendString("Payment " + result)
	}

	query := target.Query()
	query.Set("result", result)
	if id := c.Query("transaction_id"); id != "" {
		query.Set("transaction_id", id)
	}
	target.RawQuery = query.Encode()

	return c.Redirect(target.String(), fiber.StatusFound)
}
