package services

import (
	"context"
	"log"
	"time"

	"github.com/example/paygate/internal/apperrors"
	"github.com/example/paygate/internal/lock"
	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/provider"
	"github.com/example/paygate/internal/repository"
)

// TerminalActionCheck and TerminalActionPayment are the two steps of the
// kiosk protocol: the kiosk first verifies the subscriber, then commits
// the cash payment.
const (
	TerminalActionCheck   = "check"
	TerminalActionPayment = "payment"
)

type terminalFieldValidator interface {
	ValidateTerminalDepositFields(action string, body provider.Body) error
	MapTerminalDepositFields(action string, body provider.Body) provider.Body
}

// TerminalDeposit handles one step of a kiosk deposit. The payment step
// is idempotent on the provider's receipt id: a replayed receipt that is
// already settled is rejected, one still PENDING is completed in place.
func (s *PaymentService) TerminalDeposit(ctx context.Context, pc *PaymentContext, action string, body provider.Body) (map[string]any, error) {
	if !pc.Payment.HasTerminal && !pc.Payment.HasMobileApp {
		return nil, unavailableMethod(pc)
	}
	terminal, ok := pc.Adapter.(provider.Terminal)
	if !ok {
		return nil, unavailableMethod(pc)
	}

	if v, ok := pc.Adapter.(terminalFieldValidator); ok {
		if err := v.ValidateTerminalDepositFields(action, body); err != nil {
			return nil, err
		}
		body = v.MapTerminalDepositFields(action, body)
	}

	switch action {
	case TerminalActionCheck:
		return s.terminalCheck(ctx, pc, terminal, body)
	case TerminalActionPayment:
		return s.terminalPayment(ctx, pc, terminal, body)
	default:
		return nil, apperrors.NewNotFound("action " + action + " does not found")
	}
}

func (s *PaymentService) terminalCheck(ctx context.Context, pc *PaymentContext, terminal provider.Terminal, body provider.Body) (map[string]any, error) {
	exists, platformUser, err := s.platform.CheckUserStatus(ctx, pc.Partner.ExternalPartnerID, provider.BodyString(body, "account_id"))
	if err != nil {
		log.Printf("terminal check: platform lookup failed: %v", err)
		return nil, apperrors.NewValidation("Platform not responding.", nil)
	}
	if !exists {
		platformUser = nil
	}
	return terminal.TerminalCheck(ctx, body, platformUser)
}

func (s *PaymentService) terminalPayment(ctx context.Context, pc *PaymentContext, terminal provider.Terminal, body provider.Body) (map[string]any, error) {
	externalID := provider.BodyString(body, "external_transaction_id")

	handle, err := s.locker.Acquire(ctx, lock.TerminalPaymentKey(pc.Payment.ID.String(), externalID), lock.CallbackTTL)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	tx, err := s.transactions.ByPaymentExternalID(ctx, pc.Payment.ID, externalID)
	switch {
	case err == repository.ErrNotFound:
		if err := terminal.CheckTerminalToken(body); err != nil {
			return nil, err
		}
		amount, err := provider.BodyAmount(body)
		if err != nil {
			return nil, err
		}
		tx, err = s.createTransaction(ctx, pc, body, "deposit", amount)
		if err != nil {
			return nil, err
		}
		tx.ExternalTransactionID = externalID
		tx.SetStatus(models.StatusPending)
		tx.AppendResponseData(body)
		if err := s.transactions.Save(ctx, tx); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if tx.Status != models.StatusPending {
			return nil, apperrors.NewConflict("Your receipt already exists in our system.", nil)
		}
	}

	response, paymentErr := terminal.TerminalPayment(ctx, body, tx)
	if paymentErr != nil {
		tx.SetError(paymentErr)
		if saveErr := s.transactions.Save(ctx, tx); saveErr != nil {
			log.Printf("terminal payment: save transaction %s failed: %v", tx.InternalTransactionID, saveErr)
		}
		return nil, paymentErr
	}

	tx.SetStatus(models.StatusApproved)
	if err := s.transactions.Save(ctx, tx); err != nil {
		return nil, err
	}

	// Kiosk deposits have no originating platform request, so the
	// platform learns about them only through this notification.
	if tx.PartnerTransactionID == "" {
		s.platform.NotifyAsync(tx, NotifyRemotePayment, map[string]any{
			"client_by":               provider.BodyString(body, "account_id"),
			"amount":                  tx.Amount.StringFixed(2),
			"currency":                tx.Currency,
			"payment_name":            pc.Payment.PaymentName,
			"external_transaction_id": tx.ExternalTransactionID,
			"account_type":            provider.BodyString(body, "account_type"),
		}, 0)
	}

	return response, nil
}

type transferRetry struct {
	transactionID         string
	externalPartnerID     string
	partnerPaymentID      string
	body                  provider.Body
	attempts              int
	nextAttempt           time.Time
	internalTransactionID string
}

// TransferOutcome reports an account transfer. Queued is set when the
// provider call failed and the transfer was parked for background retry.
type TransferOutcome struct {
	Transaction *models.Transaction
	Details     map[string]any
	Queued      bool
}

// AccountTransfer moves money between the user's own balances through
// the provider. A failed provider call does not fail the request: the
// transfer is recorded and retried by the scheduler.
func (s *PaymentService) AccountTransfer(ctx context.Context, pc *PaymentContext, body provider.Body) (*TransferOutcome, error) {
	transferrer, ok := pc.Adapter.(provider.AccountTransferrer)
	if !ok {
		return nil, unavailableMethod(pc)
	}

	amount, err := provider.BodyAmount(body)
	if err != nil {
		return nil, err
	}

	from := provider.BodyString(body, "from")
	to := provider.BodyString(body, "to")
	if from == "casino" {
		return nil, apperrors.NewValidation("The given data was invalid.", map[string][]string{
			"from": {"You cannot transfer money from casino to sport."},
		})
	}

	if err := s.ensureNewPartnerTransactionID(ctx, pc, provider.BodyString(body, "partner_transaction_id")); err != nil {
		return nil, err
	}

	body["description"] = "Money transfer from " + from + " to " + to
	tx, err := s.createTransaction(ctx, pc, body, "account_transfer", amount)
	if err != nil {
		return nil, err
	}

	details, transferErr := transferrer.AccountTransfer(ctx, body, tx)
	if transferErr != nil {
		if tx.IsCompleted() {
			tx.SetError(transferErr)
			if saveErr := s.transactions.Save(ctx, tx); saveErr != nil {
				log.Printf("account transfer: save transaction %s failed: %v", tx.InternalTransactionID, saveErr)
			}
			return nil, transferErr
		}

		tx.SetStatus(models.StatusPending)
		tx.SetError(transferErr)
		if err := s.transactions.Save(ctx, tx); err != nil {
			return nil, err
		}
		s.enqueueTransfer(pc, tx, body)
		return &TransferOutcome{Transaction: tx, Queued: true}, nil
	}

	tx.SetStatus(models.StatusApproved)
	if err := s.transactions.Save(ctx, tx); err != nil {
		return nil, err
	}

	return &TransferOutcome{Transaction: tx, Details: details}, nil
}

func (s *PaymentService) enqueueTransfer(pc *PaymentContext, tx *models.Transaction, body provider.Body) {
	s.transferMu.Lock()
	defer s.transferMu.Unlock()
	s.transferQueue = append(s.transferQueue, transferRetry{
		transactionID:         tx.ID.String(),
		externalPartnerID:     pc.Partner.ExternalPartnerID,
		partnerPaymentID:      pc.Payment.PartnerPaymentID,
		body:                  body,
		nextAttempt:           time.Now().Add(transferRetryBackoff),
		internalTransactionID: tx.InternalTransactionID,
	})
}

const transferRetryBackoff = time.Minute

// RetryAccountTransfers re-runs parked transfers that are due. Called by
// the scheduler; a transfer that fails again goes back on the queue.
func (s *PaymentService) RetryAccountTransfers(ctx context.Context) {
	s.transferMu.Lock()
	pending := s.transferQueue
	s.transferQueue = nil
	s.transferMu.Unlock()

	now := time.Now()
	for _, item := range pending {
		if item.nextAttempt.After(now) {
			s.requeueTransfer(item)
			continue
		}

		pc, err := s.Resolve(ctx, item.externalPartnerID, item.partnerPaymentID)
		if err != nil {
			log.Printf("transfer retry: resolve failed for %s: %v", item.internalTransactionID, err)
			s.requeueTransfer(s.backedOff(item))
			continue
		}
		transferrer, ok := pc.Adapter.(provider.AccountTransferrer)
		if !ok {
			log.Printf("transfer retry: payment %s no longer supports transfers", item.partnerPaymentID)
			continue
		}

		tx, err := s.transactions.ByRefInStatuses(ctx, repository.TransactionRef{
			Field: "internal_transaction_id",
			Value: item.internalTransactionID,
		}, []int{models.StatusPending})
		if err != nil {
			continue
		}

		if _, err := transferrer.AccountTransfer(ctx, item.body, tx); err != nil {
			log.Printf("transfer retry: %s failed: %v", item.internalTransactionID, err)
			tx.SetError(err)
			if saveErr := s.transactions.Save(ctx, tx); saveErr != nil {
				log.Printf("transfer retry: save transaction %s failed: %v", tx.InternalTransactionID, saveErr)
			}
			if !tx.IsCompleted() {
				s.requeueTransfer(s.backedOff(item))
			}
			continue
		}

		tx.SetStatus(models.StatusApproved)
		if err := s.transactions.Save(ctx, tx); err != nil {
			log.Printf("transfer retry: save transaction %s failed: %v", tx.InternalTransactionID, err)
		}
	}
}

func (s *PaymentService) backedOff(item transferRetry) transferRetry {
	item.attempts++
	item.nextAttempt = time.Now().Add(transferRetryBackoff)
	return item
}

func (s *PaymentService) requeueTransfer(item transferRetry) {
	s.transferMu.Lock()
	defer s.transferMu.Unlock()
	s.transferQueue = append(s.transferQueue, item)
}

// CheckTransactionStatus polls the provider for the current state of a
// stuck transaction. Payments that report through callbacks, and
// adapters without a status endpoint, are skipped.
func (s *PaymentService) CheckTransactionStatus(ctx context.Context, tx *models.Transaction) error {
	payment, err := s.catalog.PaymentByID(ctx, tx.PaymentID)
	if err != nil {
		return err
	}
	partner, err := s.catalog.PartnerByID(ctx, tx.PartnerID)
	if err != nil {
		return err
	}

	pc, err := s.buildContext(ctx, partner, payment)
	if err != nil {
		return err
	}
	if pc.Adapter.HasCallback() {
		return nil
	}
	checker, ok := pc.Adapter.(provider.StatusChecker)
	if !ok {
		return nil
	}

	handle, err := s.locker.Acquire(ctx, lock.TransactionKey(tx.InternalTransactionID), lock.CallbackTTL)
	if err != nil {
		return err
	}
	defer handle.Release()

	openStatuses := []int{models.StatusPending, models.StatusProcessing}
	tx, err = s.transactions.ByRefInStatuses(ctx, repository.TransactionRef{
		Field: "internal_transaction_id",
		Value: tx.InternalTransactionID,
	}, openStatuses)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil
		}
		return err
	}

	checkErr := checker.CheckStatus(ctx, tx)
	if checkErr != nil {
		tx.SetError(checkErr)
	}
	if err := s.transactions.Save(ctx, tx); err != nil {
		return err
	}
	if checkErr != nil {
		return checkErr
	}

	if tx.Status != models.StatusPending && tx.Status != models.StatusProcessing {
		kind := NotifyDeposit
		if tx.Type == "withdraw" {
			kind = NotifyWithdraw
		}
		s.platform.NotifyAsync(tx, kind, nil, 0)
	}

	return nil
}
