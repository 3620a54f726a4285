package service

import (
	"context"
	"log"

	"github.com/siftmail/sift-worker/internal/models"
	"github.com/siftmail/sift-worker/internal/queue"
	"github.com/siftmail/sift-worker/internal/repository"
)

// Deleter handles bulk delete jobs. The row deletes and category counter
// decrements commit in one transaction inside the repository; messages not
// owned by the requesting user are silently excluded, never deleted.
// Provider-side trash runs afterwards, best-effort: the rows are already
// gone, and the provider keeps the mail in trash for recovery either way.
type Deleter struct {
	accountRepo *repository.AccountRepository
	messageRepo *repository.MessageRepository
	provider    MailProvider
}

func NewDeleter(accountRepo *repository.AccountRepository, messageRepo *repository.MessageRepository, provider MailProvider) *Deleter {
	return &Deleter{
		accountRepo: accountRepo,
		messageRepo: messageRepo,
		provider:    provider,
	}
}

// ProcessBulkDelete deletes the requested messages scoped to the user.
func (d *Deleter) ProcessBulkDelete(ctx context.Context, job queue.BulkDeleteJob) error {
	if len(job.MessageIDs) == 0 {
		return nil
	}

	deleted, err := d.messageRepo.DeleteForUser(ctx, job.MessageIDs, job.UserID)
	if err != nil {
		return err
	}

	if excluded := len(job.MessageIDs) - len(deleted); excluded > 0 {
		log.Printf("Delete: %d of %d requested message(s) not owned by user %s, excluded", excluded, len(job.MessageIDs), job.UserID)
	}
	log.Printf("Delete: removed %d message(s) for user %s", len(deleted), job.UserID)

	d.trashAtProvider(ctx, deleted)
	return nil
}

// trashAtProvider moves the deleted messages to the provider's trash,
// grouped per account so each account refreshes its token at most once.
func (d *Deleter) trashAtProvider(ctx context.Context, deleted []models.Message) {
	byAccount := make(map[string][]models.Message)
	for _, msg := range deleted {
		byAccount[msg.AccountID] = append(byAccount[msg.AccountID], msg)
	}

	for accountID, msgs := range byAccount {
		account, err := d.accountRepo.GetByID(ctx, accountID)
		if err != nil {
			log.Printf("Delete: account %s lookup failed, skipping provider trash: %v", accountID, err)
			continue
		}
		accessToken, err := accessTokenFor(ctx, d.accountRepo, d.provider, account)
		if err != nil {
			log.Printf("Delete: account %s token failed, skipping provider trash: %v", accountID, err)
			continue
		}

		for _, msg := range msgs {
			if err := d.provider.TrashMessage(ctx, accessToken, msg.ProviderMessageID); err != nil {
				log.Printf("Delete: provider trash failed for %s/%s: %v", accountID, msg.ProviderMessageID, err)
			}
		}
	}
}
