package services

import (
	"context"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/paygate/internal/apperrors"
	"github.com/example/paygate/internal/lock"
	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/provider"
	"github.com/example/paygate/internal/repository"
)

const defaultCurrency = "AMD"

// PaymentService orchestrates the transaction lifecycle: it validates
// access, drives the provider adapter, applies state transitions, and
// triggers platform notification. Every mutating operation runs inside
// the idempotency lock for its transaction key.
type PaymentService struct {
	transactions repository.TransactionStore
	catalog      repository.CatalogStore
	locker       lock.Locker
	counters     lock.TimeoutCounter
	platform     *PlatformService
	httpClient   *provider.HTTPClient

	transferMu    sync.Mutex
	transferQueue []transferRetry
}

func NewPaymentService(
	transactions repository.TransactionStore,
	catalog repository.CatalogStore,
	locker lock.Locker,
	counters lock.TimeoutCounter,
	platform *PlatformService,
	httpClient *provider.HTTPClient,
) *PaymentService {
	return &PaymentService{
		transactions: transactions,
		catalog:      catalog,
		locker:       locker,
		counters:     counters,
		platform:     platform,
		httpClient:   httpClient,
	}
}

// PaymentContext is the per-request resolution of partner, payment and
// adapter. Configuration is read once here and never refreshed
// mid-request.
type PaymentContext struct {
	Partner *models.Partner
	Payment *models.Payment
	Adapter provider.Adapter
}

// Resolve loads the partner and payment, verifies the partner is
// entitled to the payment, and constructs the provider adapter.
func (s *PaymentService) Resolve(ctx context.Context, externalPartnerID, partnerPaymentID string) (*PaymentContext, error) {
	partner, err := s.catalog.PartnerByExternalID(ctx, externalPartnerID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, apperrors.NewNotFound("partner " + externalPartnerID + " does not found")
		}
		return nil, err
	}

	payment, err := s.catalog.PaymentByPartnerPaymentID(ctx, partnerPaymentID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, apperrors.NewNotFound("payment " + partnerPaymentID + " does not found")
		}
		return nil, err
	}

	return s.buildContext(ctx, partner, payment)
}

// ResolveByPaymentName resolves through the payment's name, used by the
// terminal routes which address payments by name instead of id.
func (s *PaymentService) ResolveByPaymentName(ctx context.Context, externalPartnerID, paymentName string) (*PaymentContext, error) {
	partner, err := s.catalog.PartnerByExternalID(ctx, externalPartnerID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, apperrors.NewNotFound("partner " + externalPartnerID + " does not found")
		}
		return nil, err
	}

	payment, err := s.catalog.PaymentByName(ctx, paymentName)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, apperrors.NewNotFound("payment " + paymentName + " does not found")
		}
		return nil, err
	}

	return s.buildContext(ctx, partner, payment)
}

func (s *PaymentService) buildContext(ctx context.Context, partner *models.Partner, payment *models.Payment) (*PaymentContext, error) {
	hasAccess, err := s.catalog.HasEnabledPartnerPayment(ctx, partner.ID, payment.ID)
	if err != nil {
		return nil, err
	}
	if !hasAccess {
		return nil, apperrors.NewAuthorization("Payment with id: " + payment.PartnerPaymentID + " does not found for this partner.")
	}

	cfg, err := s.catalog.PaymentConfig(ctx, payment.ID, partner.ID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, apperrors.NewNotFound("Configs of payment type with id: " + payment.PartnerPaymentID + " does not found.")
		}
		return nil, err
	}

	base, err := provider.NewBase(payment, partner, cfg, s.httpClient)
	if err != nil {
		return nil, err
	}

	adapter, err := provider.New(payment.Handler, base)
	if err != nil {
		return nil, err
	}

	return &PaymentContext{Partner: partner, Payment: payment, Adapter: adapter}, nil
}

// DepositOutcome is what a deposit returns to the caller.
type DepositOutcome struct {
	Transaction *models.Transaction
	Details     *provider.DepositResult
}

// Deposit creates a transaction and starts it at the provider. The
// record is persisted before the provider call so a crash mid-call
// leaves a recoverable PENDING record, never an orphaned charge.
func (s *PaymentService) Deposit(ctx context.Context, pc *PaymentContext, body provider.Body) (*DepositOutcome, error) {
	if !pc.Payment.HasDeposit {
		return nil, unavailableMethod(pc)
	}
	depositor, ok := pc.Adapter.(provider.Depositor)
	if !ok {
		return nil, unavailableMethod(pc)
	}

	if v, ok := pc.Adapter.(interface{ ValidateDepositFields(provider.Body) error }); ok {
		if err := v.ValidateDepositFields(body); err != nil {
			return nil, err
		}
	}

	amount, err := provider.BodyAmount(body)
	if err != nil {
		return nil, err
	}

	if err := s.ensureNewPartnerTransactionID(ctx, pc, provider.BodyString(body, "partner_transaction_id")); err != nil {
		return nil, err
	}

	tx, err := s.createTransaction(ctx, pc, body, "deposit", amount)
	if err != nil {
		return nil, err
	}
	tx.SetStatus(models.StatusPending)

	result, depositErr := depositor.Deposit(ctx, body, tx)
	if depositErr != nil {
		tx.SetStatus(models.StatusFailed)
		tx.SetError(depositErr)
	}
	if saveErr := s.transactions.Save(ctx, tx); saveErr != nil {
		log.Printf("deposit: save transaction %s failed: %v", tx.InternalTransactionID, saveErr)
		if depositErr == nil {
			return nil, saveErr
		}
	}
	if depositErr != nil {
		s.platform.NotifyAsync(tx, NotifyDeposit, nil, 0)
		return nil, depositErr
	}

	if tx.Status != models.StatusPending {
		s.platform.NotifyAsync(tx, NotifyDeposit, result.Details, 0)
	}

	return &DepositOutcome{Transaction: tx, Details: result}, nil
}

// DepositCallback applies an inbound deposit webhook. The raw payload is
// persisted before validation so no data is lost even when validation
// fails; the state transition itself runs under the transaction lock.
func (s *PaymentService) DepositCallback(ctx context.Context, pc *PaymentContext, body provider.Body) (*provider.Ack, error) {
	if !pc.Payment.HasDeposit {
		return nil, unavailableMethod(pc)
	}
	handler, ok := pc.Adapter.(provider.DepositCallbackHandler)
	if !ok {
		return nil, unavailableMethod(pc)
	}

	ref, err := handler.TransactionKey(body)
	if err != nil {
		return nil, err
	}

	tx, err := s.transactions.ByRefInStatuses(ctx, ref, []int{models.StatusPending})
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, apperrors.NewNotFound("Object not found")
		}
		return nil, err
	}

	handle, err := s.locker.Acquire(ctx, lock.TransactionKey(tx.InternalTransactionID), lock.CallbackTTL)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	// Refetch under the lock; the pre-lock copy may be stale by now and
	// writing it back would clobber a concurrent transition.
	tx, err = s.transactions.ByRefInStatuses(ctx, ref, []int{models.StatusPending})
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, apperrors.NewNotFound("Object not found")
		}
		return nil, err
	}

	// Raw payload lands in the audit trail before validation runs.
	tx.AppendCallbackData(body)
	if err := s.transactions.Save(ctx, tx); err != nil {
		return nil, err
	}

	ack, callbackErr := handler.DepositCallback(ctx, body, tx)
	if callbackErr != nil {
		if _, isProvider := apperrors.AsProvider(callbackErr); isProvider {
			tx.SetStatus(models.StatusFailed)
		}
		tx.SetError(callbackErr)
	}
	if saveErr := s.transactions.Save(ctx, tx); saveErr != nil {
		log.Printf("deposit callback: save transaction %s failed: %v", tx.InternalTransactionID, saveErr)
	}
	if callbackErr != nil {
		return nil, callbackErr
	}

	if tx.Status != models.StatusPending {
		s.platform.NotifyAsync(tx, NotifyDeposit, nil, 0)
	}

	return ack, nil
}

// WithdrawOutcome is what a withdrawal returns to the caller. A
// connectivity failure is reported through ErrorMessage with the
// transaction left PENDING for reconciliation, never as an error.
type WithdrawOutcome struct {
	Transaction  *models.Transaction
	Details      map[string]any
	ErrorMessage string
}

// Withdraw submits a withdrawal. The transaction is looked up by the
// partner's idempotency key first so a client retry of a lost response
// resumes the CREATED record instead of charging twice.
func (s *PaymentService) Withdraw(ctx context.Context, pc *PaymentContext, body provider.Body) (*WithdrawOutcome, error) {
	if !pc.Payment.HasWithdraw {
		return nil, unavailableMethod(pc)
	}
	withdrawer, ok := pc.Adapter.(provider.Withdrawer)
	if !ok {
		return nil, unavailableMethod(pc)
	}

	if v, ok := pc.Adapter.(interface{ ValidateWithdrawFields(provider.Body) error }); ok {
		if err := v.ValidateWithdrawFields(body); err != nil {
			return nil, err
		}
	}

	amount, err := provider.BodyAmount(body)
	if err != nil {
		return nil, err
	}

	partnerTransactionID := provider.BodyString(body, "partner_transaction_id")
	tx, err := s.transactions.ByPartnerTransactionID(ctx, pc.Partner.ID, partnerTransactionID)
	switch {
	case err == repository.ErrNotFound:
		tx, err = s.createTransaction(ctx, pc, body, "withdraw", amount)
		if err != nil {
			return nil, err
		}
		tx.SetStatus(models.StatusCreated)
		if err := s.transactions.Save(ctx, tx); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if tx.Status != models.StatusCreated {
			return nil, apperrors.NewConflict("The given data was invalid.", map[string][]string{
				"partner_transaction_id": {"The partner transaction id has already been taken."},
			})
		}
	}

	handle, err := s.locker.Acquire(ctx, lock.TransactionKey(tx.InternalTransactionID), lock.WithdrawTTL)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	previousStatus := tx.Status

	details, withdrawErr := withdrawer.Withdraw(ctx, body, tx)
	if withdrawErr != nil {
		if apperrors.IsConnectivity(withdrawErr) {
			// Money may already be in flight: park the transaction in
			// PENDING and let reconciliation resolve it.
			if tx.Status == models.StatusNew || tx.Status == models.StatusCreated {
				tx.SetStatus(models.StatusPending)
			}
			s.counters.BumpWithdrawTimeout(ctx, pc.Payment.PartnerPaymentID)
			tx.SetError(withdrawErr)
			if err := s.transactions.Save(ctx, tx); err != nil {
				return nil, err
			}
			return &WithdrawOutcome{Transaction: tx, ErrorMessage: withdrawErr.Error()}, nil
		}

		if pe, isProvider := apperrors.AsProvider(withdrawErr); isProvider {
			log.Printf("%s - %s (internal_transaction_id=%s)", pc.Payment.PaymentName, pe.UserMessage, tx.InternalTransactionID)
		} else {
			log.Printf("%s - %v (internal_transaction_id=%s)", pc.Payment.PaymentName, withdrawErr, tx.InternalTransactionID)
		}
		tx.SetError(withdrawErr)
		if saveErr := s.transactions.Save(ctx, tx); saveErr != nil {
			log.Printf("withdraw: save transaction %s failed: %v", tx.InternalTransactionID, saveErr)
		}
		return nil, withdrawErr
	}

	if err := s.transactions.Save(ctx, tx); err != nil {
		return nil, err
	}
	s.counters.ClearWithdrawTimeout(ctx, pc.Payment.PartnerPaymentID)

	if tx.Status != previousStatus && tx.IsCompleted() {
		s.platform.NotifyAsync(tx, NotifyWithdraw, details, withdrawNotifyDelay)
	}

	return &WithdrawOutcome{Transaction: tx, Details: details}, nil
}

// WithdrawCallback applies an inbound payout webhook.
func (s *PaymentService) WithdrawCallback(ctx context.Context, pc *PaymentContext, body provider.Body) (*provider.Ack, error) {
	if !pc.Payment.HasWithdraw {
		return nil, unavailableMethod(pc)
	}
	handler, ok := pc.Adapter.(provider.WithdrawCallbackHandler)
	if !ok {
		return nil, unavailableMethod(pc)
	}

	ref, err := handler.TransactionKey(body)
	if err != nil {
		return nil, err
	}

	openStatuses := []int{models.StatusNew, models.StatusCreated, models.StatusPending}
	tx, err := s.transactions.ByRefInStatuses(ctx, ref, openStatuses)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, apperrors.NewNotFound("Object not found")
		}
		return nil, err
	}

	handle, err := s.locker.Acquire(ctx, lock.TransactionKey(tx.InternalTransactionID), lock.CallbackTTL)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	tx, err = s.transactions.ByRefInStatuses(ctx, ref, openStatuses)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, apperrors.NewNotFound("Object not found")
		}
		return nil, err
	}

	previousStatus := tx.Status
	tx.AppendCallbackData(body)
	if err := s.transactions.Save(ctx, tx); err != nil {
		return nil, err
	}

	ack, callbackErr := handler.WithdrawCallback(ctx, body, tx)
	if callbackErr != nil {
		if _, isProvider := apperrors.AsProvider(callbackErr); isProvider {
			tx.SetStatus(models.StatusFailed)
		}
		tx.SetError(callbackErr)
	}
	if saveErr := s.transactions.Save(ctx, tx); saveErr != nil {
		log.Printf("withdraw callback: save transaction %s failed: %v", tx.InternalTransactionID, saveErr)
	}
	if callbackErr != nil {
		return nil, callbackErr
	}

	if tx.Status != previousStatus {
		s.platform.NotifyAsync(tx, NotifyWithdraw, nil, 0)
	}

	return ack, nil
}

// withdrawNotifyDelay postpones the payout notification slightly so the
// platform's own bookkeeping for the request settles first.
const withdrawNotifyDelay = 2 * time.Minute

func (s *PaymentService) createTransaction(ctx context.Context, pc *PaymentContext, body provider.Body, txType string, amount decimal.Decimal) (*models.Transaction, error) {
	internalID, err := s.makeUniqueInternalID(ctx)
	if err != nil {
		return nil, err
	}

	lang := provider.BodyString(body, "lang")
	if lang == "am" {
		lang = "hy"
	}

	description := provider.BodyString(body, "description")
	if description == "" {
		description = pc.Partner.Name + " " + txType
	}

	currency := provider.BodyString(body, "currency")
	if currency == "" {
		currency = defaultCurrency
	}

	tx := &models.Transaction{
		PartnerID:             pc.Partner.ID,
		PaymentID:             pc.Payment.ID,
		ClientID:              provider.BodyString(body, "client_id"),
		WalletID:              provider.BodyString(body, "wallet_id"),
		PaymentMethod:         pc.Payment.Type,
		Type:                  txType,
		Amount:                amount,
		Currency:              currency,
		InternalTransactionID: internalID,
		PartnerTransactionID:  provider.BodyString(body, "partner_transaction_id"),
		Status:                models.StatusNew,
		Description:           description,
		Lang:                  lang,
	}

	if err := s.transactions.Create(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// ensureNewPartnerTransactionID rejects reuse of a partner's own
// transaction id, the partner-side idempotency key for deposits and
// transfers. Withdrawals run their own lookup because a CREATED record
// there resumes instead of conflicting.
func (s *PaymentService) ensureNewPartnerTransactionID(ctx context.Context, pc *PaymentContext, partnerTransactionID string) error {
	if partnerTransactionID == "" {
		return nil
	}
	_, err := s.transactions.ByPartnerTransactionID(ctx, pc.Partner.ID, partnerTransactionID)
	if err == repository.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return apperrors.NewConflict("The given data was invalid.", map[string][]string{
		"partner_transaction_id": {"The partner transaction id has already been taken."},
	})
}

// makeUniqueInternalID draws 16-digit ids until one is free. Collisions
// regenerate; a duplicate is never returned.
func (s *PaymentService) makeUniqueInternalID(ctx context.Context) (string, error) {
	for {
		id := strconv.FormatInt(1_000_000_000_000_000+rand.Int63n(9_000_000_000_000_000), 10)
		exists, err := s.transactions.InternalIDExists(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
}

func unavailableMethod(pc *PaymentContext) error {
	log.Printf("Unavailable method for payment %s", pc.Payment.PaymentName)
	return apperrors.NewValidation("Unavailable method for this payment.", nil)
}
