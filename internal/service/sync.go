package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/siftmail/sift-worker/internal/models"
	"github.com/siftmail/sift-worker/internal/queue"
	"github.com/siftmail/sift-worker/internal/repository"
)

const (
	// fallbackQuery lists recent unread inbox mail when no usable history
	// cursor exists.
	fallbackQuery = "in:inbox is:unread"
	// fallbackMaxResults bounds the fallback listing.
	fallbackMaxResults = 50
)

// SyncOrchestrator is the recurring incremental-sync pass. It discovers
// new provider message ids per account and emits one deduplicated import
// job per new message. One account's failure never aborts the batch.
type SyncOrchestrator struct {
	accountRepo *repository.AccountRepository
	messageRepo *repository.MessageRepository
	provider    MailProvider
	broker      *queue.Broker
}

func NewSyncOrchestrator(
	accountRepo *repository.AccountRepository,
	messageRepo *repository.MessageRepository,
	provider MailProvider,
	broker *queue.Broker,
) *SyncOrchestrator {
	return &SyncOrchestrator{
		accountRepo: accountRepo,
		messageRepo: messageRepo,
		provider:    provider,
		broker:      broker,
	}
}

// SyncSummary reports what one scheduled run did.
type SyncSummary struct {
	AccountsProcessed int
	JobsEmitted       int
}

// ProcessScheduledSync runs one sync pass over all accounts.
func (s *SyncOrchestrator) ProcessScheduledSync(ctx context.Context) (*SyncSummary, error) {
	accounts, err := s.accountRepo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	summary := &SyncSummary{}
	for i := range accounts {
		emitted, err := s.syncAccount(ctx, &accounts[i])
		if err != nil {
			log.Printf("Sync: account %s failed: %v", accounts[i].ID, err)
			continue
		}
		summary.AccountsProcessed++
		summary.JobsEmitted += emitted
	}

	log.Printf("Sync: %d account(s) processed, %d import job(s) emitted", summary.AccountsProcessed, summary.JobsEmitted)
	return summary, nil
}

// syncAccount discovers candidate ids for one account, deduplicates them
// against already-imported messages, emits import jobs and advances the
// cursor.
func (s *SyncOrchestrator) syncAccount(ctx context.Context, account *models.MailAccount) (int, error) {
	accessToken, err := accessTokenFor(ctx, s.accountRepo, s.provider, account)
	if err != nil {
		return 0, err
	}

	candidateIDs, newCursor, err := s.discover(ctx, accessToken, account)
	if err != nil {
		return 0, err
	}

	// Dedup before emitting bounds wasted work and keeps the uniqueness
	// invariant cheap even when two scheduler runs see the same ids.
	freshIDs, err := s.messageRepo.FilterNew(ctx, account.ID, candidateIDs)
	if err != nil {
		return 0, err
	}

	emitted := 0
	for _, messageID := range freshIDs {
		job := queue.ImportJob{
			AccountID: account.ID,
			MessageID: messageID,
			UserID:    account.UserID,
		}
		err := s.broker.Enqueue(ctx, queue.QueueImport, queue.ImportJobID(account.ID, messageID), job)
		if err != nil {
			if errors.Is(err, queue.ErrDuplicateJob) {
				continue
			}
			return emitted, fmt.Errorf("failed to enqueue import job: %w", err)
		}
		emitted++
	}

	if newCursor != "" {
		if err := s.accountRepo.UpdateHistoryCursor(ctx, account.ID, newCursor); err != nil {
			return emitted, err
		}
	}

	return emitted, nil
}

// discover returns candidate message ids and the cursor to store. With a
// cursor it requests only the delta; on delta failure, or with no cursor,
// it falls back to listing recent unread mail and reseeds the cursor from
// the account's current profile state.
func (s *SyncOrchestrator) discover(ctx context.Context, accessToken string, account *models.MailAccount) ([]string, string, error) {
	if account.HistoryCursor != nil && *account.HistoryCursor != "" {
		history, err := s.provider.ListHistory(ctx, accessToken, *account.HistoryCursor)
		if err == nil {
			return history.MessageIDs, history.HistoryID, nil
		}
		log.Printf("Sync: account %s delta fetch failed, falling back to inbox listing: %v", account.ID, err)
	}

	ids, err := s.provider.ListMessageIDs(ctx, accessToken, fallbackQuery, fallbackMaxResults)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list inbox messages: %w", err)
	}

	profile, err := s.provider.GetProfile(ctx, accessToken)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get profile for cursor reseed: %w", err)
	}

	return ids, profile.HistoryID, nil
}
