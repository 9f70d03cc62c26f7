package services

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/paygate/internal/apperrors"
	"github.com/example/paygate/internal/lock"
	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/provider"
)

func newTestService(t *testing.T) (*PaymentService, *fakeStore, *fakeCatalog, *lock.MemoryTimeoutCounter) {
	t.Helper()
	store := newFakeStore()
	catalog := newFakeCatalog()
	locker := lock.NewMemoryLocker()
	counter := lock.NewMemoryTimeoutCounter()
	platform := NewPlatformService("http://127.0.0.1:1/api", provider.NewHTTPClient(), store, locker)
	svc := NewPaymentService(store, catalog, locker, counter, platform, provider.NewHTTPClient())
	return svc, store, catalog, counter
}

func testContext(catalog *fakeCatalog, adapter provider.Adapter) *PaymentContext {
	return &PaymentContext{Partner: catalog.partner, Payment: catalog.payment, Adapter: adapter}
}

var internalIDPattern = regexp.MustCompile(`^[1-9]\d{15}$`)

func TestDepositCreatesPendingTransaction(t *testing.T) {
	svc, store, catalog, _ := newTestService(t)
	adapter := &fakeAdapter{
		depositFn: func(_ context.Context, _ provider.Body, _ *models.Transaction) (*provider.DepositResult, error) {
			return &provider.DepositResult{RedirectTo: "https://checkout"}, nil
		},
	}

	outcome, err := svc.Deposit(context.Background(), testContext(catalog, adapter), provider.Body{
		"amount":                 "1000",
		"partner_transaction_id": "p-1",
		"client_id":              "c-1",
	})
	require.NoError(t, err)

	tx := outcome.Transaction
	assert.Regexp(t, internalIDPattern, tx.InternalTransactionID)
	assert.Equal(t, models.StatusPending, tx.Status)
	assert.Equal(t, "1000.00", tx.Amount.StringFixed(2))
	assert.Equal(t, "AMD", tx.Currency)
	assert.Equal(t, "p-1", tx.PartnerTransactionID)
	assert.Equal(t, "https://checkout", outcome.Details.RedirectTo)

	stored, err := store.ByID(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)

	// Nothing to announce while the redirect flow is open.
	assert.Equal(t, 0, svc.platform.PendingNotifications())
}

func TestDepositImmediateApprovalNotifies(t *testing.T) {
	svc, store, catalog, _ := newTestService(t)
	adapter := &fakeAdapter{
		depositFn: func(_ context.Context, _ provider.Body, tx *models.Transaction) (*provider.DepositResult, error) {
			tx.ExternalTransactionID = "X1"
			tx.SetStatus(models.StatusApproved)
			return &provider.DepositResult{Reference: "X1"}, nil
		},
	}

	outcome, err := svc.Deposit(context.Background(), testContext(catalog, adapter), provider.Body{
		"amount":    "1000",
		"client_id": "c-1",
	})
	require.NoError(t, err)

	stored, err := store.ByID(context.Background(), outcome.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)
	assert.Equal(t, "X1", stored.ExternalTransactionID)
	assert.Equal(t, 1, svc.platform.PendingNotifications())
}

func TestDepositUnavailableMethod(t *testing.T) {
	svc, _, catalog, _ := newTestService(t)
	catalog.payment.HasDeposit = false

	_, err := svc.Deposit(context.Background(), testContext(catalog, &fakeAdapter{}), provider.Body{"amount": "1"})
	require.Error(t, err)
	ae, ok := apperrors.AsApp(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.Validation, ae.Code)
}

func TestDepositWithoutCapability(t *testing.T) {
	svc, _, catalog, _ := newTestService(t)

	_, err := svc.Deposit(context.Background(), testContext(catalog, bareAdapter{}), provider.Body{"amount": "1"})
	assert.Error(t, err)
}

func TestMakeUniqueInternalIDRegenerates(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	store.exists = []bool{true, true, false}

	id, err := svc.makeUniqueInternalID(context.Background())
	require.NoError(t, err)
	assert.Regexp(t, internalIDPattern, id)
	assert.Empty(t, store.exists, "must query until a free id is drawn")
}

func TestWithdrawDuplicateRejected(t *testing.T) {
	svc, store, catalog, _ := newTestService(t)
	store.put(&models.Transaction{
		PartnerID:             catalog.partner.ID,
		PaymentID:             catalog.payment.ID,
		PartnerTransactionID:  "p-7",
		InternalTransactionID: "1000000000000001",
		Type:                  "withdraw",
		Status:                models.StatusApproved,
	})

	called := false
	adapter := &fakeAdapter{
		withdrawFn: func(_ context.Context, _ provider.Body, _ *models.Transaction) (map[string]any, error) {
			called = true
			return nil, nil
		},
	}

	_, err := svc.Withdraw(context.Background(), testContext(catalog, adapter), provider.Body{
		"amount":                 "500",
		"partner_transaction_id": "p-7",
		"client_id":              "c-1",
	})
	require.Error(t, err)
	ae, ok := apperrors.AsApp(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.Conflict, ae.Code)
	assert.False(t, called, "a settled withdrawal must never reach the provider again")
}

func TestWithdrawResumesCreatedTransaction(t *testing.T) {
	svc, store, catalog, _ := newTestService(t)
	seeded := store.put(&models.Transaction{
		PartnerID:             catalog.partner.ID,
		PaymentID:             catalog.payment.ID,
		PartnerTransactionID:  "p-7",
		InternalTransactionID: "1000000000000002",
		Type:                  "withdraw",
		Status:                models.StatusCreated,
	})

	adapter := &fakeAdapter{
		withdrawFn: func(_ context.Context, _ provider.Body, tx *models.Transaction) (map[string]any, error) {
			tx.ExternalTransactionID = "W1"
			tx.SetStatus(models.StatusApproved)
			return map[string]any{"ref": "W1"}, nil
		},
	}

	outcome, err := svc.Withdraw(context.Background(), testContext(catalog, adapter), provider.Body{
		"amount":                 "500",
		"partner_transaction_id": "p-7",
		"client_id":              "c-1",
	})
	require.NoError(t, err)

	// The retry resumed the existing record instead of charging twice.
	assert.Equal(t, seeded.ID, outcome.Transaction.ID)
	assert.Equal(t, models.StatusApproved, outcome.Transaction.Status)
	assert.Len(t, store.txs, 1)
}

func TestWithdrawConnectivityParksPending(t *testing.T) {
	svc, store, catalog, counter := newTestService(t)
	adapter := &fakeAdapter{
		withdrawFn: func(_ context.Context, _ provider.Body, _ *models.Transaction) (map[string]any, error) {
			return nil, &apperrors.ConnectivityError{Op: "withdraw", Err: errors.New("timeout")}
		},
	}

	outcome, err := svc.Withdraw(context.Background(), testContext(catalog, adapter), provider.Body{
		"amount":                 "500",
		"partner_transaction_id": "p-8",
		"client_id":              "c-1",
	})
	require.NoError(t, err, "ambiguous connectivity failure is not an API error")

	assert.NotEmpty(t, outcome.ErrorMessage)
	assert.Equal(t, models.StatusPending, outcome.Transaction.Status)

	stored, err := store.ByID(context.Background(), outcome.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.NotEmpty(t, stored.ErrorData)

	assert.Equal(t, 1, counter.Count("pp-9"))
	assert.Equal(t, 0, svc.platform.PendingNotifications())
}

func TestWithdrawSuccessClearsCounterAndNotifies(t *testing.T) {
	svc, _, catalog, counter := newTestService(t)
	counter.BumpWithdrawTimeout(context.Background(), "pp-9")

	adapter := &fakeAdapter{
		withdrawFn: func(_ context.Context, _ provider.Body, tx *models.Transaction) (map[string]any, error) {
			tx.SetStatus(models.StatusApproved)
			return nil, nil
		},
	}

	_, err := svc.Withdraw(context.Background(), testContext(catalog, adapter), provider.Body{
		"amount":                 "500",
		"partner_transaction_id": "p-9",
		"client_id":              "c-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 0, counter.Count("pp-9"))
	assert.Equal(t, 1, svc.platform.PendingNotifications())
}

func TestDepositCallbackAppliesExactlyOnce(t *testing.T) {
	svc, store, catalog, _ := newTestService(t)
	seeded := store.put(&models.Transaction{
		PartnerID:             catalog.partner.ID,
		PaymentID:             catalog.payment.ID,
		InternalTransactionID: "1000000000000003",
		Type:                  "deposit",
		Status:                models.StatusPending,
	})

	adapter := &fakeAdapter{
		depositCallbackFn: func(_ context.Context, _ provider.Body, tx *models.Transaction) (*provider.Ack, error) {
			tx.ExternalTransactionID = "X9"
			tx.SetStatus(models.StatusApproved)
			return provider.TextAck("OK"), nil
		},
	}

	body := provider.Body{"bill": "1000000000000003"}

	ack, err := svc.DepositCallback(context.Background(), testContext(catalog, adapter), body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(ack.Body))

	stored, err := store.ByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)
	assert.NotEmpty(t, stored.CallbackResponseData)
	assert.Equal(t, 1, svc.platform.PendingNotifications())

	// Replay: the transaction already left PENDING, so the duplicate is
	// rejected and no second transition happens.
	_, err = svc.DepositCallback(context.Background(), testContext(catalog, adapter), body)
	require.Error(t, err)
	ae, ok := apperrors.AsApp(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.NotFound, ae.Code)
}

func TestDepositCallbackConcurrentDeliveries(t *testing.T) {
	svc, store, catalog, _ := newTestService(t)
	seeded := store.put(&models.Transaction{
		PartnerID:             catalog.partner.ID,
		PaymentID:             catalog.payment.ID,
		InternalTransactionID: "1000000000000008",
		Type:                  "deposit",
		Status:                models.StatusPending,
	})

	var transitions int32
	adapter := &fakeAdapter{
		depositCallbackFn: func(_ context.Context, _ provider.Body, tx *models.Transaction) (*provider.Ack, error) {
			atomic.AddInt32(&transitions, 1)
			tx.SetStatus(models.StatusApproved)
			return provider.TextAck("OK"), nil
		},
	}

	const deliveries = 8
	body := provider.Body{"bill": "1000000000000008"}
	errs := make(chan error, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.DepositCallback(context.Background(), testContext(catalog, adapter), body)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	applied, rejected := 0, 0
	for err := range errs {
		if err == nil {
			applied++
			continue
		}
		ae, ok := apperrors.AsApp(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.NotFound, ae.Code)
		rejected++
	}
	assert.Equal(t, 1, applied, "exactly one delivery applies")
	assert.Equal(t, deliveries-1, rejected)
	assert.Equal(t, int32(1), atomic.LoadInt32(&transitions))

	stored, err := store.ByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)
	assert.Equal(t, 1, svc.platform.PendingNotifications())
}

func TestDepositDuplicatePartnerTransactionID(t *testing.T) {
	svc, store, catalog, _ := newTestService(t)

	charges := 0
	adapter := &fakeAdapter{
		depositFn: func(_ context.Context, _ provider.Body, _ *models.Transaction) (*provider.DepositResult, error) {
			charges++
			return &provider.DepositResult{RedirectTo: "https://checkout"}, nil
		},
	}

	_, err := svc.Deposit(context.Background(), testContext(catalog, adapter), provider.Body{
		"amount":                 "1000",
		"partner_transaction_id": "dup-1",
		"client_id":              "c-1",
	})
	require.NoError(t, err)

	_, err = svc.Deposit(context.Background(), testContext(catalog, adapter), provider.Body{
		"amount":                 "1000",
		"partner_transaction_id": "dup-1",
		"client_id":              "c-1",
	})
	require.Error(t, err)
	ae, ok := apperrors.AsApp(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.Conflict, ae.Code)
	assert.Contains(t, ae.Details["partner_transaction_id"][0], "already been taken")

	assert.Equal(t, 1, charges, "the provider is charged once")
	found, err := store.ByPartnerTransactionIDs(context.Background(), catalog.partner.ID, []string{"dup-1"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestAccountTransferDuplicatePartnerTransactionID(t *testing.T) {
	svc, _, catalog, _ := newTestService(t)

	transfers := 0
	adapter := &fakeAdapter{
		transferFn: func(_ context.Context, _ provider.Body, _ *models.Transaction) (map[string]any, error) {
			transfers++
			return map[string]any{"utrno": "U-1"}, nil
		},
	}

	_, err := svc.AccountTransfer(context.Background(), testContext(catalog, adapter), provider.Body{
		"amount":                 "50",
		"from":                   "sport",
		"to":                     "casino",
		"partner_transaction_id": "tr-1",
	})
	require.NoError(t, err)

	_, err = svc.AccountTransfer(context.Background(), testContext(catalog, adapter), provider.Body{
		"amount":                 "50",
		"from":                   "sport",
		"to":                     "casino",
		"partner_transaction_id": "tr-1",
	})
	require.Error(t, err)
	ae, ok := apperrors.AsApp(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.Conflict, ae.Code)
	assert.Equal(t, 1, transfers)
}

func TestTerminalPaymentDuplicateReceipt(t *testing.T) {
	svc, store, catalog, _ := newTestService(t)
	store.put(&models.Transaction{
		PartnerID:             catalog.partner.ID,
		PaymentID:             catalog.payment.ID,
		InternalTransactionID: "1000000000000004",
		ExternalTransactionID: "R-1",
		Type:                  "deposit",
		Status:                models.StatusApproved,
	})

	_, err := svc.TerminalDeposit(context.Background(), testContext(catalog, &fakeAdapter{}), TerminalActionPayment, provider.Body{
		"external_transaction_id": "R-1",
		"amount":                  "2500",
		"account_id":              "u-15",
	})
	require.Error(t, err)
	ae, ok := apperrors.AsApp(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.Conflict, ae.Code)
}

func TestTerminalPaymentCreatesAndNotifies(t *testing.T) {
	svc, store, catalog, _ := newTestService(t)
	adapter := &fakeAdapter{
		terminalPaymentFn: func(_ context.Context, _ provider.Body, tx *models.Transaction) (map[string]any, error) {
			return map[string]any{"ResponseCode": 0}, nil
		},
	}

	response, err := svc.TerminalDeposit(context.Background(), testContext(catalog, adapter), TerminalActionPayment, provider.Body{
		"external_transaction_id": "R-2",
		"amount":                  "2500",
		"account_id":              "u-15",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, response["ResponseCode"])

	stored, err := store.ByPaymentExternalID(context.Background(), catalog.payment.ID, "R-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)

	// No partner request originated this deposit; the platform must be
	// told out of band.
	assert.Equal(t, 1, svc.platform.PendingNotifications())
}

func TestCheckTransactionStatusSkipsCallbackProviders(t *testing.T) {
	svc, store, catalog, _ := newTestService(t)
	tx := store.put(&models.Transaction{
		PartnerID:             catalog.partner.ID,
		PaymentID:             catalog.payment.ID,
		InternalTransactionID: "1000000000000005",
		Type:                  "deposit",
		Status:                models.StatusPending,
	})

	registryAdapter = &fakeAdapter{
		hasCallback: true,
		checkStatusFn: func(_ context.Context, _ *models.Transaction) error {
			t.Fatal("a callback provider must not be polled")
			return nil
		},
	}

	require.NoError(t, svc.CheckTransactionStatus(context.Background(), tx))
}

func TestCheckTransactionStatusResolvesPending(t *testing.T) {
	svc, store, catalog, _ := newTestService(t)
	tx := store.put(&models.Transaction{
		PartnerID:             catalog.partner.ID,
		PaymentID:             catalog.payment.ID,
		InternalTransactionID: "1000000000000006",
		Type:                  "deposit",
		Status:                models.StatusPending,
	})

	registryAdapter = &fakeAdapter{
		checkStatusFn: func(_ context.Context, tx *models.Transaction) error {
			tx.SetStatus(models.StatusApproved)
			return nil
		},
	}

	require.NoError(t, svc.CheckTransactionStatus(context.Background(), tx))

	stored, err := store.ByID(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)
	assert.Equal(t, 1, svc.platform.PendingNotifications())
}

func TestAccountTransferQueuesOnFailureAndRetries(t *testing.T) {
	svc, store, catalog, _ := newTestService(t)
	failing := &fakeAdapter{
		transferFn: func(_ context.Context, _ provider.Body, _ *models.Transaction) (map[string]any, error) {
			return nil, &apperrors.ConnectivityError{Op: "transfer", Err: errors.New("timeout")}
		},
	}

	outcome, err := svc.AccountTransfer(context.Background(), testContext(catalog, failing), provider.Body{
		"amount":                 "100",
		"partner_transaction_id": "p-20",
		"from":                   "sport",
		"to":                     "casino",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Queued)
	assert.Equal(t, models.StatusPending, outcome.Transaction.Status)
	require.Len(t, svc.transferQueue, 1)

	// Make the retry due and let the provider succeed this time.
	svc.transferQueue[0].nextAttempt = time.Now().Add(-time.Second)
	registryAdapter = &fakeAdapter{
		transferFn: func(_ context.Context, _ provider.Body, tx *models.Transaction) (map[string]any, error) {
			return map[string]any{"utrno": "T-1"}, nil
		},
	}

	svc.RetryAccountTransfers(context.Background())

	stored, err := store.ByID(context.Background(), outcome.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)
	assert.Empty(t, svc.transferQueue)
}

func TestAccountTransferRejectsCasinoSource(t *testing.T) {
	svc, _, catalog, _ := newTestService(t)

	_, err := svc.AccountTransfer(context.Background(), testContext(catalog, &fakeAdapter{}), provider.Body{
		"amount": "100",
		"from":   "casino",
		"to":     "sport",
	})
	require.Error(t, err)
	ae, ok := apperrors.AsApp(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.Validation, ae.Code)
}

func TestResolveUnknownPartnerAndDisabledPayment(t *testing.T) {
	svc, _, catalog, _ := newTestService(t)

	_, err := svc.Resolve(context.Background(), "nobody", "pp-9")
	require.Error(t, err)
	ae, _ := apperrors.AsApp(err)
	assert.Equal(t, apperrors.NotFound, ae.Code)

	catalog.disabled = true
	registryAdapter = &fakeAdapter{}
	_, err = svc.Resolve(context.Background(), "site-1", "pp-9")
	require.Error(t, err)
	ae, _ = apperrors.AsApp(err)
	assert.Equal(t, apperrors.Authorization, ae.Code)
}
