package services

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/paygate/internal/lock"
	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/provider"
	"github.com/example/paygate/internal/repository"
)

// NotifyKind selects the platform endpoint and the success mapping for
// a notification.
type NotifyKind string

const (
	NotifyDeposit       NotifyKind = "deposit"
	NotifyWithdraw      NotifyKind = "withdraw"
	NotifyRemotePayment NotifyKind = "remote_payment"
)

const (
	notifyTimeout       = 60 * time.Second
	notifyRetryBackoff  = time.Minute
	checkUserTimeout    = 10 * time.Second
	depositCallbackPath = "/payment/deposit_callback"
	payoutCallbackPath  = "/payment/payout_callback"
	remotePaymentPath   = "/payment/remote_payment"
	checkUserStatusPath = "/user/check_status"
)

type notification struct {
	transactionID         uuid.UUID
	internalTransactionID string
	kind                  NotifyKind
	details               map[string]any
	attempts              int
	nextAttempt           time.Time
}

// PlatformService delivers transaction outcomes to the betting platform
// at most once per transaction. Delivery is decoupled from the request
// path: a failed push never surfaces to the provider or partner caller,
// it goes on the retry queue instead.
type PlatformService struct {
	baseURL      string
	http         *provider.HTTPClient
	transactions repository.TransactionStore
	locker       lock.Locker

	mu    sync.Mutex
	queue []notification
}

func NewPlatformService(baseURL string, httpClient *provider.HTTPClient, transactions repository.TransactionStore, locker lock.Locker) *PlatformService {
	return &PlatformService{
		baseURL:      baseURL,
		http:         httpClient,
		transactions: transactions,
		locker:       locker,
	}
}

// NotifyAsync queues a notification for delivery. Safe to call from the
// request path; the scheduler drains the queue.
func (s *PlatformService) NotifyAsync(tx *models.Transaction, kind NotifyKind, details map[string]any, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, notification{
		transactionID:         tx.ID,
		internalTransactionID: tx.InternalTransactionID,
		kind:                  kind,
		details:               details,
		nextAttempt:           time.Now().Add(delay),
	})
}

// PendingNotifications reports the queue depth.
func (s *PlatformService) PendingNotifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// FlushNotifications delivers every due notification. A delivery that
// fails goes back on the queue with backoff; one suppressed by the
// is_notified flag is dropped.
func (s *PlatformService) FlushNotifications(ctx context.Context) {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	now := time.Now()
	for _, n := range pending {
		if n.nextAttempt.After(now) {
			s.requeue(n, false)
			continue
		}
		if err := s.deliver(ctx, n); err != nil {
			log.Printf("platform notify: %s (%s) failed: %v", n.internalTransactionID, n.kind, err)
			s.requeue(n, true)
		}
	}
}

func (s *PlatformService) requeue(n notification, backoff bool) {
	if backoff {
		n.attempts++
		n.nextAttempt = time.Now().Add(notifyRetryBackoff)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, n)
}

// deliver pushes one notification under the notify lock. The is_notified
// flag is read and set inside the lock so concurrent flushes cannot both
// send.
func (s *PlatformService) deliver(ctx context.Context, n notification) error {
	handle, err := s.locker.Acquire(ctx, lock.NotifyKey(n.internalTransactionID), lock.CallbackTTL)
	if err != nil {
		return err
	}
	defer handle.Release()

	tx, err := s.transactions.ByID(ctx, n.transactionID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil
		}
		return err
	}
	if tx.IsNotified {
		return nil
	}

	payload := map[string]any{
		"transactionId": tx.PartnerTransactionID,
		"transaction":   tx.APIResponse(n.details, ""),
		"status":        notifyStatus(n.kind, tx),
	}
	if n.details != nil {
		payload["meta"] = n.details
	}

	if _, err := s.http.PostJSON(ctx, "platform notify", s.baseURL+notifyPath(n.kind), payload, notifyTimeout); err != nil {
		return err
	}

	tx.IsNotified = true
	return s.transactions.Save(ctx, tx)
}

func notifyPath(kind NotifyKind) string {
	switch kind {
	case NotifyWithdraw:
		return payoutCallbackPath
	case NotifyRemotePayment:
		return remotePaymentPath
	default:
		return depositCallbackPath
	}
}

// notifyStatus maps the transaction state onto the platform's binary
// outcome. A PENDING payout still counts as success: the money left and
// only final confirmation is outstanding.
func notifyStatus(kind NotifyKind, tx *models.Transaction) string {
	switch kind {
	case NotifyWithdraw:
		if tx.Status == models.StatusApproved || tx.Status == models.StatusPending {
			return "success"
		}
	case NotifyRemotePayment:
		return "success"
	default:
		if tx.Status == models.StatusApproved {
			return "success"
		}
	}
	return "failure"
}

// CheckUserStatus asks the platform whether the account a kiosk user
// typed in exists, returning the platform's user payload when it does.
func (s *PlatformService) CheckUserStatus(ctx context.Context, externalPartnerID, accountID string) (bool, map[string]any, error) {
	payload := map[string]any{
		"site_id": externalPartnerID,
		"field":   "id",
		"value":   accountID,
	}

	content, err := s.http.PostJSON(ctx, "platform check user", s.baseURL+checkUserStatusPath, payload, checkUserTimeout)
	if err != nil {
		return false, nil, err
	}

	var result struct {
		Exists bool           `json:"exists"`
		User   map[string]any `json:"user"`
	}
	if err := json.Unmarshal(content, &result); err != nil {
		return false, nil, err
	}
	return result.Exists, result.User, nil
}
