package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/provider"
	"github.com/example/paygate/internal/repository"
)

// fakeStore is an in-memory TransactionStore. Lookups hand out copies so
// services must Save to make changes visible, same as with the real
// database.
type fakeStore struct {
	mu      sync.Mutex
	txs     map[uuid.UUID]*models.Transaction
	exists  []bool // queued answers for InternalIDExists, then false
	saveErr error

	// onExpiredList runs after an expired-deposit listing returns, so a
	// test can mutate the store between the listing and the cancel.
	onExpiredList func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{txs: map[uuid.UUID]*models.Transaction{}}
}

func cloneTx(tx *models.Transaction) *models.Transaction {
	c := *tx
	return &c
}

func (s *fakeStore) put(tx *models.Transaction) *models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	s.txs[tx.ID] = cloneTx(tx)
	return tx
}

func (s *fakeStore) Create(_ context.Context, tx *models.Transaction) error {
	s.put(tx)
	return nil
}

func (s *fakeStore) Save(_ context.Context, tx *models.Transaction) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.put(tx)
	return nil
}

func (s *fakeStore) get(id uuid.UUID) *models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[id]; ok {
		return cloneTx(tx)
	}
	return nil
}

func refValue(tx *models.Transaction, field string) string {
	switch field {
	case "internal_transaction_id":
		return tx.InternalTransactionID
	case "external_transaction_id":
		return tx.ExternalTransactionID
	case "partner_transaction_id":
		return tx.PartnerTransactionID
	}
	return ""
}

func inStatuses(status int, statuses []int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (s *fakeStore) ByRefInStatuses(_ context.Context, ref repository.TransactionRef, statuses []int) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if refValue(tx, ref.Field) == ref.Value && inStatuses(tx.Status, statuses) {
			return cloneTx(tx), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) ByPartnerTransactionID(_ context.Context, partnerID uuid.UUID, partnerTransactionID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if tx.PartnerID == partnerID && tx.PartnerTransactionID == partnerTransactionID {
			return cloneTx(tx), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) ByPaymentExternalID(_ context.Context, paymentID uuid.UUID, externalTransactionID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if tx.PaymentID == paymentID && tx.ExternalTransactionID == externalTransactionID {
			return cloneTx(tx), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) ByID(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	if tx := s.get(id); tx != nil {
		return tx, nil
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) InternalIDExists(_ context.Context, internalTransactionID string) (bool, error) {
	s.mu.Lock()
	if len(s.exists) > 0 {
		answer := s.exists[0]
		s.exists = s.exists[1:]
		s.mu.Unlock()
		return answer, nil
	}
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if tx.InternalTransactionID == internalTransactionID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) CancelIfPending(_ context.Context, id uuid.UUID, note string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok || tx.Status != models.StatusPending {
		return false, nil
	}
	tx.Status = models.StatusCanceled
	tx.SetError(errors.New(note))
	return true, nil
}

func (s *fakeStore) ExpiredPendingDeposits(_ context.Context, paymentID uuid.UUID, start, end time.Time) ([]models.Transaction, error) {
	s.mu.Lock()
	var out []models.Transaction
	for _, tx := range s.txs {
		if tx.PaymentID == paymentID && tx.Status == models.StatusPending && tx.Type == "deposit" &&
			tx.CreatedAt.After(start) && tx.CreatedAt.Before(end) {
			out = append(out, *cloneTx(tx))
		}
	}
	s.mu.Unlock()
	if s.onExpiredList != nil {
		s.onExpiredList()
	}
	return out, nil
}

func (s *fakeStore) Pollable(_ context.Context, start, end time.Time) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, tx := range s.txs {
		if inStatuses(tx.Status, []int{models.StatusPending, models.StatusProcessing}) &&
			tx.PaymentMethod != "terminal" &&
			tx.CreatedAt.After(start) && tx.CreatedAt.Before(end) {
			out = append(out, *cloneTx(tx))
		}
	}
	return out, nil
}

func (s *fakeStore) ByPartnerTransactionIDs(_ context.Context, partnerID uuid.UUID, partnerTransactionIDs []string) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, want := range partnerTransactionIDs {
		for _, tx := range s.txs {
			if tx.PartnerID == partnerID && tx.PartnerTransactionID == want {
				out = append(out, *cloneTx(tx))
			}
		}
	}
	return out, nil
}

func (s *fakeStore) SearchByExternalID(_ context.Context, partnerID uuid.UUID, externalTransactionID string) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, tx := range s.txs {
		if tx.PartnerID == partnerID && tx.ExternalTransactionID == externalTransactionID {
			out = append(out, *cloneTx(tx))
		}
	}
	return out, nil
}

// fakeCatalog serves one partner and one payment.
type fakeCatalog struct {
	partner  *models.Partner
	payment  *models.Payment
	cfg      *models.PaymentConfig
	disabled bool
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		partner: &models.Partner{
			BaseModel:         models.BaseModel{ID: uuid.New()},
			ExternalPartnerID: "site-1",
			Name:              "Acme Bets",
		},
		payment: &models.Payment{
			BaseModel:        models.BaseModel{ID: uuid.New()},
			PaymentName:      "fakepay",
			Handler:          "fakepay",
			Type:             "wallet",
			PartnerPaymentID: "pp-9",
			HasDeposit:       true,
			HasWithdraw:      true,
			HasTerminal:      true,
		},
		cfg: &models.PaymentConfig{},
	}
}

func (c *fakeCatalog) PartnerByExternalID(_ context.Context, externalPartnerID string) (*models.Partner, error) {
	if externalPartnerID != c.partner.ExternalPartnerID {
		return nil, repository.ErrNotFound
	}
	return c.partner, nil
}

func (c *fakeCatalog) PartnerByID(_ context.Context, id uuid.UUID) (*models.Partner, error) {
	if id != c.partner.ID {
		return nil, repository.ErrNotFound
	}
	return c.partner, nil
}

func (c *fakeCatalog) PaymentByPartnerPaymentID(_ context.Context, partnerPaymentID string) (*models.Payment, error) {
	if partnerPaymentID != c.payment.PartnerPaymentID {
		return nil, repository.ErrNotFound
	}
	return c.payment, nil
}

func (c *fakeCatalog) PaymentByName(_ context.Context, paymentName string) (*models.Payment, error) {
	if paymentName != c.payment.PaymentName {
		return nil, repository.ErrNotFound
	}
	return c.payment, nil
}

func (c *fakeCatalog) PaymentByID(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	if id != c.payment.ID {
		return nil, repository.ErrNotFound
	}
	return c.payment, nil
}

func (c *fakeCatalog) Payments(_ context.Context) ([]models.Payment, error) {
	return []models.Payment{*c.payment}, nil
}

func (c *fakeCatalog) PaymentConfig(_ context.Context, paymentID, partnerID uuid.UUID) (*models.PaymentConfig, error) {
	return c.cfg, nil
}

func (c *fakeCatalog) HasEnabledPartnerPayment(_ context.Context, partnerID, paymentID uuid.UUID) (bool, error) {
	return !c.disabled, nil
}

func (c *fakeCatalog) PaymentIPs(_ context.Context) (map[uuid.UUID][]string, error) {
	return map[uuid.UUID][]string{}, nil
}

// fakeAdapter implements every provider capability through function
// fields so each test scripts exactly the behavior it needs.
type fakeAdapter struct {
	hasCallback bool

	depositFn         func(ctx context.Context, body provider.Body, tx *models.Transaction) (*provider.DepositResult, error)
	depositCallbackFn func(ctx context.Context, body provider.Body, tx *models.Transaction) (*provider.Ack, error)
	withdrawFn        func(ctx context.Context, body provider.Body, tx *models.Transaction) (map[string]any, error)
	checkStatusFn     func(ctx context.Context, tx *models.Transaction) error
	transferFn        func(ctx context.Context, body provider.Body, tx *models.Transaction) (map[string]any, error)
	terminalPaymentFn func(ctx context.Context, body provider.Body, tx *models.Transaction) (map[string]any, error)
	terminalCheckFn   func(ctx context.Context, body provider.Body, platformUser map[string]any) (map[string]any, error)
	checkTokenFn      func(body provider.Body) error
}

func (a *fakeAdapter) Name() string      { return "fakepay" }
func (a *fakeAdapter) HasCallback() bool { return a.hasCallback }

func (a *fakeAdapter) Deposit(ctx context.Context, body provider.Body, tx *models.Transaction) (*provider.DepositResult, error) {
	return a.depositFn(ctx, body, tx)
}

func (a *fakeAdapter) TransactionKey(body provider.Body) (repository.TransactionRef, error) {
	return repository.TransactionRef{
		Field: "internal_transaction_id",
		Value: provider.BodyString(body, "bill"),
	}, nil
}

func (a *fakeAdapter) DepositCallback(ctx context.Context, body provider.Body, tx *models.Transaction) (*provider.Ack, error) {
	return a.depositCallbackFn(ctx, body, tx)
}

func (a *fakeAdapter) WithdrawCallback(ctx context.Context, body provider.Body, tx *models.Transaction) (*provider.Ack, error) {
	return a.depositCallbackFn(ctx, body, tx)
}

func (a *fakeAdapter) Withdraw(ctx context.Context, body provider.Body, tx *models.Transaction) (map[string]any, error) {
	return a.withdrawFn(ctx, body, tx)
}

func (a *fakeAdapter) CheckStatus(ctx context.Context, tx *models.Transaction) error {
	return a.checkStatusFn(ctx, tx)
}

func (a *fakeAdapter) AccountTransfer(ctx context.Context, body provider.Body, tx *models.Transaction) (map[string]any, error) {
	return a.transferFn(ctx, body, tx)
}

func (a *fakeAdapter) CheckTerminalToken(body provider.Body) error {
	if a.checkTokenFn == nil {
		return nil
	}
	return a.checkTokenFn(body)
}

func (a *fakeAdapter) TerminalCheck(ctx context.Context, body provider.Body, platformUser map[string]any) (map[string]any, error) {
	return a.terminalCheckFn(ctx, body, platformUser)
}

func (a *fakeAdapter) TerminalPayment(ctx context.Context, body provider.Body, tx *models.Transaction) (map[string]any, error) {
	return a.terminalPaymentFn(ctx, body, tx)
}

// bareAdapter has no optional capabilities.
type bareAdapter struct{}

func (bareAdapter) Name() string      { return "bare" }
func (bareAdapter) HasCallback() bool { return true }

// registryAdapter is handed out by the registered fakepay factory so
// flows that resolve through the registry (status polling, transfer
// retries) reach the adapter scripted by the current test.
var registryAdapter provider.Adapter

func init() {
	provider.Register("fakepay", func(provider.Base) provider.Adapter { return registryAdapter })
}
