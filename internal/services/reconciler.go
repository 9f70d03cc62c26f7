package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/example/paygate/internal/apperrors"
	"github.com/example/paygate/internal/lock"
	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/repository"
)

// Job cadences. Expired deposits are swept every minute so abandoned
// redirect flows close quickly; status polling runs wider apart because
// every tick is a provider round-trip per open transaction.
const (
	cancelExpiredEvery = time.Minute
	pollPendingEvery   = 5 * time.Minute
	flushNotifyEvery   = time.Minute
	retryTransferEvery = time.Minute

	expiredSweepWindow = 4 * 24 * time.Hour
	pollWindow         = 24 * time.Hour
)

const canceledByExpiryNote = "Canceled from cancel expire transactions job"

// Reconciler owns the background jobs that drive stuck transactions to a
// terminal state: the expired-deposit sweep, the status poller, the
// notification flush and the transfer retry. Each sweep runs under a
// scheduler lock so a second instance never doubles the work.
type Reconciler struct {
	payments     *PaymentService
	platform     *PlatformService
	transactions repository.TransactionStore
	catalog      repository.CatalogStore
	locker       lock.Locker

	scheduler gocron.Scheduler
	extra     []reconcilerJob
}

type reconcilerJob struct {
	name  string
	every time.Duration
	run   func(context.Context)
}

// AddJob registers an extra periodic job. Must be called before Start.
func (r *Reconciler) AddJob(name string, every time.Duration, run func(context.Context)) {
	r.extra = append(r.extra, reconcilerJob{name: name, every: every, run: run})
}

func NewReconciler(
	payments *PaymentService,
	platform *PlatformService,
	transactions repository.TransactionStore,
	catalog repository.CatalogStore,
	locker lock.Locker,
) (*Reconciler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		payments:     payments,
		platform:     platform,
		transactions: transactions,
		catalog:      catalog,
		locker:       locker,
		scheduler:    scheduler,
	}, nil
}

// Start registers the jobs and starts the scheduler.
func (r *Reconciler) Start(ctx context.Context) error {
	jobs := []reconcilerJob{
		{"cancel expired transactions", cancelExpiredEvery, r.CancelExpired},
		{"check transactions statuses", pollPendingEvery, r.PollPending},
		{"flush platform notifications", flushNotifyEvery, r.platform.FlushNotifications},
		{"retry account transfers", retryTransferEvery, r.payments.RetryAccountTransfers},
	}
	jobs = append(jobs, r.extra...)

	for _, job := range jobs {
		run := job.run
		_, err := r.scheduler.NewJob(
			gocron.DurationJob(job.every),
			gocron.NewTask(func() { run(ctx) }),
			gocron.WithName(job.name),
		)
		if err != nil {
			return err
		}
	}

	r.scheduler.Start()
	return nil
}

func (r *Reconciler) Shutdown() error {
	return r.scheduler.Shutdown()
}

// CancelExpired cancels PENDING deposits that outlived their payment's
// completion window. Only a trailing slice of history is swept; old
// stuck records need manual dispute handling, not a blanket cancel.
func (r *Reconciler) CancelExpired(ctx context.Context) {
	handle, err := r.locker.Acquire(ctx, lock.SchedulerKey("cancel_expired_transactions"), lock.SchedulerTTL)
	if err != nil {
		if !errors.Is(err, apperrors.ErrLockBusy) {
			log.Printf("cancel expired: lock: %v", err)
		}
		return
	}
	defer handle.Release()

	payments, err := r.catalog.Payments(ctx)
	if err != nil {
		log.Printf("cancel expired: load payments: %v", err)
		return
	}

	now := time.Now()
	for _, payment := range payments {
		if !payment.HasDeposit || payment.DepositMaxAvailableTime == nil {
			continue
		}

		end := now.Add(-time.Duration(*payment.DepositMaxAvailableTime) * time.Minute)
		start := now.Add(-expiredSweepWindow)
		expired, err := r.transactions.ExpiredPendingDeposits(ctx, payment.ID, start, end)
		if err != nil {
			log.Printf("cancel expired: %s: %v", payment.PaymentName, err)
			continue
		}

		for i := range expired {
			tx := &expired[i]
			// The conditional write in the store is what guards against a
			// callback settling the transaction between the listing and
			// this point; the listed copy is already stale.
			changed, err := r.transactions.CancelIfPending(ctx, tx.ID, canceledByExpiryNote)
			if err != nil {
				log.Printf("cancel expired: cancel %s: %v", tx.InternalTransactionID, err)
				continue
			}
			if !changed {
				continue
			}
			tx.SetStatus(models.StatusCanceled)
			tx.SetError(errors.New(canceledByExpiryNote))
			r.platform.NotifyAsync(tx, NotifyDeposit, nil, 0)
		}
	}
}

// PollPending asks providers for the current state of every open
// transaction in the polling window. Adapters that report through
// callbacks opt out inside CheckTransactionStatus.
func (r *Reconciler) PollPending(ctx context.Context) {
	handle, err := r.locker.Acquire(ctx, lock.SchedulerKey("check_transactions_statuses"), lock.SchedulerTTL)
	if err != nil {
		if !errors.Is(err, apperrors.ErrLockBusy) {
			log.Printf("poll pending: lock: %v", err)
		}
		return
	}
	defer handle.Release()

	now := time.Now()
	open, err := r.transactions.Pollable(ctx, now.Add(-pollWindow), now.Add(pollWindow))
	if err != nil {
		log.Printf("poll pending: load transactions: %v", err)
		return
	}

	for i := range open {
		tx := &open[i]
		if err := r.payments.CheckTransactionStatus(ctx, tx); err != nil {
			log.Printf("poll pending: %s: %v", tx.InternalTransactionID, err)
		}
	}
}
