package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/paygate/internal/config"
	"github.com/example/paygate/internal/handlers"
	"github.com/example/paygate/internal/middleware"
	"github.com/example/paygate/internal/repository"
	"github.com/example/paygate/internal/services"
)

// Register wires up all HTTP routes.
func Register(
	app *fiber.App,
	cfg *config.Config,
	payments *services.PaymentService,
	transactions repository.TransactionStore,
	catalog repository.CatalogStore,
	ipWhitelist *middleware.IPWhitelist,
) {
	authHandler := handlers.NewAuthHandler(catalog, cfg)
	paymentHandler := handlers.NewPaymentHandler(payments, catalog)
	terminalHandler := handlers.NewTerminalHandler(payments)
	transactionHandler := handlers.NewTransactionHandler(transactions, catalog)

	api := app.Group("/api")

	api.Post("/auth/token", authHandler.Token)

	// Partner-facing API, JWT protected.
	protected := api.Group("", middleware.PartnerAuth(cfg))
	protected.Post("/payments/:partner_id/:payment_id/deposit", paymentHandler.Deposit)
	protected.Post("/payments/:partner_id/:payment_id/withdraw", paymentHandler.Withdraw)
	protected.Post("/payments/:partner_id/:payment_id/transfer", paymentHandler.AccountTransfer)
	protected.Post("/transactions/:partner_id/check", transactionHandler.Check)
	protected.Get("/transactions/:partner_id/search", transactionHandler.Search)

	// Provider callbacks authenticate through payload signatures, not
	// tokens; some providers send GET, some POST.
	api.All("/callback/:partner_id/:payment_id/deposit", ipWhitelist.Handler(), paymentHandler.DepositCallback)
	api.All("/callback/:partner_id/:payment_id/withdraw", ipWhitelist.Handler(), paymentHandler.WithdrawCallback)

	// Browser return URLs after a hosted checkout.
	api.Get("/payment/success/:partner_id", paymentHandler.Success)
	api.Get("/payment/fail/:partner_id", paymentHandler.Fail)

	// Terminal networks send GET or POST depending on the kiosk vendor;
	// restricted by source address.
	api.All("/terminal/:payment_name/:partner_id/:action", ipWhitelist.Handler(), terminalHandler.Handle)
}
