package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/siftmail/sift-worker/internal/queue"
	"github.com/siftmail/sift-worker/internal/repository"
	"github.com/siftmail/sift-worker/internal/unsubscribe"
)

// UnsubscribeAgent is the browser agent surface consumed here. Implemented
// by unsubscribe.Agent.
type UnsubscribeAgent interface {
	BulkUnsubscribe(ctx context.Context, reqs []unsubscribe.Request) []*unsubscribe.Result
}

// Unsubscriber turns an unsubscribe job into agent requests. Messages that
// are missing, not owned by the requesting user, or without a stored
// unsubscribe target are skipped, never guessed at.
type Unsubscriber struct {
	accountRepo *repository.AccountRepository
	messageRepo *repository.MessageRepository
	agent       UnsubscribeAgent
}

func NewUnsubscriber(accountRepo *repository.AccountRepository, messageRepo *repository.MessageRepository, agent UnsubscribeAgent) *Unsubscriber {
	return &Unsubscriber{
		accountRepo: accountRepo,
		messageRepo: messageRepo,
		agent:       agent,
	}
}

// ProcessUnsubscribeJob resolves the job's messages and runs the agent
// over them sequentially. Per-message outcomes live in the attempt records;
// the job itself only fails on store errors.
func (u *Unsubscriber) ProcessUnsubscribeJob(ctx context.Context, job queue.UnsubscribeJob) error {
	reqs := make([]unsubscribe.Request, 0, len(job.MessageIDs))
	for _, messageID := range job.MessageIDs {
		msg, err := u.messageRepo.GetByID(ctx, messageID)
		if err != nil {
			if errors.Is(err, repository.ErrMessageNotFound) {
				log.Printf("Unsubscribe: message %s not found, skipping", messageID)
				continue
			}
			return fmt.Errorf("failed to load message %s: %w", messageID, err)
		}

		account, err := u.accountRepo.GetByID(ctx, msg.AccountID)
		if err != nil {
			return fmt.Errorf("failed to load account for message %s: %w", messageID, err)
		}
		if account.UserID != job.UserID {
			log.Printf("Unsubscribe: message %s not owned by user %s, skipping", messageID, job.UserID)
			continue
		}
		if msg.UnsubscribeURL == nil || *msg.UnsubscribeURL == "" {
			log.Printf("Unsubscribe: message %s has no unsubscribe target, skipping", messageID)
			continue
		}

		reqs = append(reqs, unsubscribe.Request{
			MessageID:       msg.ID,
			Email:           account.Email,
			ListUnsubscribe: fmt.Sprintf("<%s>", *msg.UnsubscribeURL),
		})
	}

	if len(reqs) == 0 {
		log.Printf("Unsubscribe: no actionable messages for user %s", job.UserID)
		return nil
	}

	results := u.agent.BulkUnsubscribe(ctx, reqs)

	succeeded := 0
	for _, result := range results {
		if result.Success {
			succeeded++
		}
	}
	log.Printf("Unsubscribe: %d of %d attempt(s) succeeded for user %s", succeeded, len(results), job.UserID)
	return nil
}
