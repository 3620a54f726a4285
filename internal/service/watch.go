package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/siftmail/sift-worker/internal/queue"
	"github.com/siftmail/sift-worker/internal/repository"
)

// watchRenewalWindow selects accounts whose push subscription expires
// soon. Provider subscriptions live at most ~7 days.
const watchRenewalWindow = 24 * time.Hour

// WatchRenewer maintains the provider push subscriptions that drive
// near-real-time sync. When a subscription lapses the system degrades to
// the periodic poll, so renewal failures are isolated and reported rather
// than fatal.
type WatchRenewer struct {
	accountRepo *repository.AccountRepository
	provider    MailProvider
	broker      *queue.Broker
	topic       string
}

func NewWatchRenewer(accountRepo *repository.AccountRepository, provider MailProvider, broker *queue.Broker, topic string) *WatchRenewer {
	return &WatchRenewer{
		accountRepo: accountRepo,
		provider:    provider,
		broker:      broker,
		topic:       topic,
	}
}

// EnqueueDuePass emits one renewal job per account whose subscription
// expires within the window. Job ids are per-account, so overlapping
// passes collapse to one job each.
func (w *WatchRenewer) EnqueueDuePass(ctx context.Context) (int, error) {
	if w.topic == "" {
		return 0, nil
	}

	accounts, err := w.accountRepo.ListWatchExpiring(ctx, time.Now().Add(watchRenewalWindow))
	if err != nil {
		return 0, err
	}

	emitted := 0
	for _, account := range accounts {
		job := queue.WatchRenewalJob{AccountID: account.ID, UserID: account.UserID}
		err := w.broker.Enqueue(ctx, queue.QueueWatchRenewal, queue.WatchJobID(account.ID), job)
		if err != nil {
			if errors.Is(err, queue.ErrDuplicateJob) {
				continue
			}
			return emitted, fmt.Errorf("failed to enqueue watch renewal: %w", err)
		}
		emitted++
	}

	if emitted > 0 {
		log.Printf("Watch: %d renewal job(s) emitted", emitted)
	}
	return emitted, nil
}

// ProcessRenewal re-issues the push subscription for one account and
// stores the new expiry and sync cursor.
func (w *WatchRenewer) ProcessRenewal(ctx context.Context, job queue.WatchRenewalJob) error {
	account, err := w.accountRepo.GetByID(ctx, job.AccountID)
	if err != nil {
		return fmt.Errorf("failed to get account: %w", err)
	}

	accessToken, err := accessTokenFor(ctx, w.accountRepo, w.provider, account)
	if err != nil {
		return err
	}

	result, err := w.provider.Watch(ctx, accessToken, w.topic)
	if err != nil {
		return fmt.Errorf("failed to register watch: %w", err)
	}

	if err := w.accountRepo.UpdateWatch(ctx, account.ID, result.Expiration, result.HistoryID); err != nil {
		return err
	}

	log.Printf("Watch: account %s renewed until %s", account.ID, result.Expiration.Format(time.RFC3339))
	return nil
}
