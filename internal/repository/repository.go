// Package repository is the persistence boundary of the payment core.
// Services depend on these interfaces; the gorm implementation is the
// production store.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/paygate/internal/models"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// TransactionRef addresses a transaction by one of its identity columns.
// Adapters produce refs when extracting the transaction key from a
// provider callback payload.
type TransactionRef struct {
	Field string // internal_transaction_id, external_transaction_id or partner_transaction_id
	Value string
}

// TransactionStore persists transactions. It is the only shared mutable
// resource of the core and is never written outside a held lock for a
// given transaction key.
type TransactionStore interface {
	Create(ctx context.Context, tx *models.Transaction) error
	Save(ctx context.Context, tx *models.Transaction) error

	ByRefInStatuses(ctx context.Context, ref TransactionRef, statuses []int) (*models.Transaction, error)
	ByPartnerTransactionID(ctx context.Context, partnerID uuid.UUID, partnerTransactionID string) (*models.Transaction, error)
	ByPaymentExternalID(ctx context.Context, paymentID uuid.UUID, externalTransactionID string) (*models.Transaction, error)
	ByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)

	InternalIDExists(ctx context.Context, internalTransactionID string) (bool, error)

	// CancelIfPending moves a transaction to CANCELED only when it is
	// still PENDING, in one conditional write. A row a concurrent
	// callback already settled is reported as unchanged, never
	// overwritten.
	CancelIfPending(ctx context.Context, id uuid.UUID, note string) (bool, error)

	// ExpiredPendingDeposits lists PENDING deposits for one payment whose
	// creation time falls inside [start, end]; the trailing start bound
	// keeps the sweep off old history.
	ExpiredPendingDeposits(ctx context.Context, paymentID uuid.UUID, start, end time.Time) ([]models.Transaction, error)

	// Pollable lists PENDING/PROCESSING transactions created inside the
	// window, excluding terminal payment methods which reconcile through
	// their own push protocol.
	Pollable(ctx context.Context, start, end time.Time) ([]models.Transaction, error)

	ByPartnerTransactionIDs(ctx context.Context, partnerID uuid.UUID, partnerTransactionIDs []string) ([]models.Transaction, error)
	SearchByExternalID(ctx context.Context, partnerID uuid.UUID, externalTransactionID string) ([]models.Transaction, error)
}

// CatalogStore reads the partner/payment configuration. Read-only at
// request time; snapshots may be cached with explicit refresh.
type CatalogStore interface {
	PartnerByExternalID(ctx context.Context, externalPartnerID string) (*models.Partner, error)
	PartnerByID(ctx context.Context, id uuid.UUID) (*models.Partner, error)
	PaymentByPartnerPaymentID(ctx context.Context, partnerPaymentID string) (*models.Payment, error)
	PaymentByName(ctx context.Context, paymentName string) (*models.Payment, error)
	PaymentByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	Payments(ctx context.Context) ([]models.Payment, error)
	PaymentConfig(ctx context.Context, paymentID, partnerID uuid.UUID) (*models.PaymentConfig, error)
	HasEnabledPartnerPayment(ctx context.Context, partnerID, paymentID uuid.UUID) (bool, error)
	PaymentIPs(ctx context.Context) (map[uuid.UUID][]string, error)
}
