// Package lock provides the mutual-exclusion layer guarding every mutating
// transaction operation. A lock collapses duplicate concurrent webhook
// deliveries and client retries for one transaction into a single state
// transition; losers of the race observe the already-updated record.
package lock

import (
	"context"
	"time"
)

// Handle represents one held lock. Release is safe to call more than once
// and must run on every exit path.
type Handle interface {
	Release()
}

// Locker acquires a named, time-bounded mutual-exclusion lock. Acquire
// blocks up to the ttl waiting for a holder to release, then fails fast
// with apperrors.ErrLockBusy.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error)
}

// Lock key tails. Callback acknowledgement windows are short; withdrawal
// confirmation waits on a provider network call and gets the long window.
const (
	CallbackTTL  = 8 * time.Second
	WithdrawTTL  = 60 * time.Second
	SchedulerTTL = 180 * time.Second
)

// TransactionKey names the per-transaction lock.
func TransactionKey(internalTransactionID string) string {
	return "check_transaction_with_id_" + internalTransactionID
}

// TerminalPaymentKey names the terminal deposit lock. It is additionally
// keyed by payment identity so external ids from different terminal
// networks cannot collide.
func TerminalPaymentKey(paymentID, externalTransactionID string) string {
	return "terminal_payment_" + paymentID + "_" + externalTransactionID
}

// SchedulerKey names a background job lock so overlapping scheduler
// ticks, or a second instance, never run the same sweep concurrently.
func SchedulerKey(job string) string {
	return "scheduler_" + job
}

// NotifyKey names the platform notification lock.
func NotifyKey(internalTransactionID string) string {
	return "notify_platform_" + internalTransactionID
}
