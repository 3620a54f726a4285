package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/siftmail/sift-worker/internal/models"
	"github.com/siftmail/sift-worker/internal/queue"
	"github.com/siftmail/sift-worker/internal/repository"
	"github.com/siftmail/sift-worker/internal/unsubscribe"
)

// Importer runs the per-message pipeline:
// fetch -> categorize -> summarize -> archive -> persist.
// Failed steps 2-6 leave a failed Message row with the error string, then
// surface the error so the queue retries; a retry that finds the pair
// already completed is a no-op.
type Importer struct {
	accountRepo *repository.AccountRepository
	messageRepo *repository.MessageRepository
	provider    MailProvider
	classifier  *Classifier
}

func NewImporter(
	accountRepo *repository.AccountRepository,
	messageRepo *repository.MessageRepository,
	provider MailProvider,
	classifier *Classifier,
) *Importer {
	return &Importer{
		accountRepo: accountRepo,
		messageRepo: messageRepo,
		provider:    provider,
		classifier:  classifier,
	}
}

// ProcessImportJob imports one provider message end to end.
func (p *Importer) ProcessImportJob(ctx context.Context, job queue.ImportJob) error {
	// Idempotency check: a prior attempt (or a concurrent scheduler run)
	// may have imported this message already.
	exists, err := p.messageRepo.Exists(ctx, job.AccountID, job.MessageID)
	if err != nil {
		return err
	}
	if exists {
		log.Printf("Import %s/%s: already imported, skipping", job.AccountID, job.MessageID)
		return nil
	}

	account, err := p.accountRepo.GetByID(ctx, job.AccountID)
	if err != nil {
		return fmt.Errorf("failed to get account: %w", err)
	}

	accessToken, err := accessTokenFor(ctx, p.accountRepo, p.provider, account)
	if err != nil {
		return err
	}

	// Fetch. An unrecoverable fetch error is recorded as a failed row so
	// the user can see it, then rethrown for the retry policy.
	mail, err := p.provider.GetMessage(ctx, accessToken, job.MessageID)
	if err != nil {
		p.recordFailure(ctx, job, err)
		return fmt.Errorf("failed to fetch message: %w", err)
	}
	log.Printf("Import %s/%s: fetched %q", job.AccountID, job.MessageID, mail.Subject)

	// Categorize. Model anomalies resolve to the fallback inside the
	// classifier; only precondition and store errors surface here.
	classification, err := p.classifier.Categorize(ctx, job.UserID, mail)
	if err != nil {
		p.recordFailure(ctx, job, err)
		return fmt.Errorf("failed to categorize message: %w", err)
	}
	log.Printf("Import %s/%s: categorized as %s (%s)", job.AccountID, job.MessageID, classification.Category.Name, classification.Source)

	// Summarize never fails; worst case is a truncated excerpt.
	summary := p.classifier.Summarize(ctx, mail)

	// Archive is best-effort and does not block persistence: the message
	// stays in the provider's "all mail" either way.
	if err := p.provider.ModifyLabels(ctx, accessToken, job.MessageID, nil, []string{"INBOX"}); err != nil {
		log.Printf("Import %s/%s: archive failed (continuing): %v", job.AccountID, job.MessageID, err)
	}

	now := time.Now()
	msg := &models.Message{
		ID:                uuid.New().String(),
		AccountID:         job.AccountID,
		ProviderMessageID: job.MessageID,
		ThreadID:          mail.ThreadID,
		From:              mail.From,
		Subject:           mail.Subject,
		Snippet:           mail.Snippet,
		Summary:           summary,
		CategoryID:        &classification.Category.ID,
		CategorySource:    classification.Source,
		Status:            models.StatusCompleted,
		HasAttachments:    mail.HasAttachments,
		UnsubscribeURL:    unsubscribeTarget(mail),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if !mail.Date.IsZero() {
		msg.ReceivedAt = &mail.Date
	}

	if err := p.messageRepo.PersistCompleted(ctx, msg); err != nil {
		p.recordFailure(ctx, job, err)
		return fmt.Errorf("failed to persist message: %w", err)
	}

	log.Printf("Import %s/%s: completed", job.AccountID, job.MessageID)
	return nil
}

// recordFailure upserts a failed Message carrying the error string. Best
// effort: the original error is what propagates to the queue.
func (p *Importer) recordFailure(ctx context.Context, job queue.ImportJob, cause error) {
	errMsg := cause.Error()
	now := time.Now()
	failed := &models.Message{
		ID:                uuid.New().String(),
		AccountID:         job.AccountID,
		ProviderMessageID: job.MessageID,
		Status:            models.StatusFailed,
		LastError:         &errMsg,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := p.messageRepo.UpsertFailed(ctx, failed); err != nil {
		log.Printf("Import %s/%s: failed to record failure: %v", job.AccountID, job.MessageID, err)
	}
}

// unsubscribeTarget extracts the best unsubscribe target from the
// structured header, preferring http(s) over mailto.
func unsubscribeTarget(mail *MailMessage) *string {
	if mail.ListUnsubscribe == "" {
		return nil
	}
	targets := unsubscribe.HeaderTargets(mail.ListUnsubscribe)
	if len(targets) == 0 {
		return nil
	}
	for _, target := range targets {
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			return &target
		}
	}
	return &targets[0]
}
