package middleware

import (
	"context"
	"log"
	"sync"

	"github.com/gofiber/fiber/v2"

	"github.com/example/paygate/internal/repository"
)

// IPWhitelist restricts terminal and callback routes to the source
// addresses registered for each payment. The allowlist is a snapshot
// refreshed in the background; requests never hit the database.
type IPWhitelist struct {
	catalog repository.CatalogStore
	env     string

	mu      sync.RWMutex
	allowed map[string]map[string]struct{} // payment name -> ip set
}

func NewIPWhitelist(catalog repository.CatalogStore, env string) *IPWhitelist {
	return &IPWhitelist{
		catalog: catalog,
		env:     env,
		allowed: map[string]map[string]struct{}{},
	}
}

// Refresh reloads the snapshot. Called at startup and by the scheduler.
func (w *IPWhitelist) Refresh(ctx context.Context) error {
	payments, err := w.catalog.Payments(ctx)
	if err != nil {
		return err
	}
	ips, err := w.catalog.PaymentIPs(ctx)
	if err != nil {
		return err
	}

	allowed := make(map[string]map[string]struct{}, len(payments)*2)
	for _, payment := range payments {
		set := make(map[string]struct{}, len(ips[payment.ID]))
		for _, ip := range ips[payment.ID] {
			set[ip] = struct{}{}
		}
		// Terminal routes address payments by name, callback routes by
		// the partner payment id; index the set under both.
		allowed[payment.PaymentName] = set
		if payment.PartnerPaymentID != "" {
			allowed[payment.PartnerPaymentID] = set
		}
	}

	w.mu.Lock()
	w.allowed = allowed
	w.mu.Unlock()
	return nil
}

// Handler enforces the allowlist for the payment addressed by the
// payment_name route param. Payments with no registered addresses are
// not restricted; enforcement is production only so local and staging
// traffic passes through.
func (w *IPWhitelist) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if w.env != "production" {
			return c.Next()
		}

		paymentName := c.Params("payment_name")
		if paymentName == "" {
			paymentName = c.Params("payment_id")
		}
		ip := clientIP(c)

		w.mu.RLock()
		set, known := w.allowed[paymentName]
		_, ok := set[ip]
		w.mu.RUnlock()

		if known && len(set) > 0 && !ok {
			log.Printf("ip whitelist: rejected %s for payment %s", ip, paymentName)
			return fiber.NewError(fiber.StatusForbidden, "forbidden")
		}

		return c.Next()
	}
}

// clientIP resolves the original client address behind the CDN and the
// reverse proxy.
func clientIP(c *fiber.Ctx) string {
	if ip := c.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if ip := c.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return c.IP()
}
