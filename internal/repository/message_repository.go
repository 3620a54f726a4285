package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/siftmail/sift-worker/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// GetByID retrieves a message by ID
func (r *MessageRepository) GetByID(ctx context.Context, messageID string) (*models.Message, error) {
	var msg models.Message
	result := r.db.WithContext(ctx).First(&msg, "id = ?", messageID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", result.Error)
	}
	return &msg, nil
}

// Exists reports whether a message with this provider id was already
// imported for the account.
func (r *MessageRepository) Exists(ctx context.Context, accountID, providerMessageID string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where(`"accountId" = ? AND "providerMessageId" = ?`, accountID, providerMessageID).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check message existence: %w", result.Error)
	}
	return count > 0, nil
}

// FilterNew returns the subset of candidate provider ids with no existing
// message row for the account, preserving candidate order.
func (r *MessageRepository) FilterNew(ctx context.Context, accountID string, candidateIDs []string) ([]string, error) {
	if len(candidateIDs) == 0 {
		return nil, nil
	}

	var existing []string
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where(`"accountId" = ? AND "providerMessageId" IN ?`, accountID, candidateIDs).
		Pluck("providerMessageId", &existing)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to filter candidates: %w", result.Error)
	}

	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}

	fresh := make([]string, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if !seen[id] {
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

// PersistCompleted writes a completed message and increments its
// category's denormalized counter in one transaction. A concurrent import
// of the same (accountId, providerMessageId) loses on the unique index and
// is treated as a no-op, never as counter drift.
func (r *MessageRepository) PersistCompleted(ctx context.Context, msg *models.Message) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		if msg.CategoryID != nil {
			result := tx.Model(&models.Category{}).
				Where("id = ?", *msg.CategoryID).
				Update("messageCount", gorm.Expr(`"messageCount" + 1`))
			if result.Error != nil {
				return result.Error
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// First writer won; this import is a no-op.
			return nil
		}
		return fmt.Errorf("failed to persist message: %w", err)
	}
	return nil
}

// UpsertFailed records a failed import so the error is visible to the
// user. A completed message is never downgraded.
func (r *MessageRepository) UpsertFailed(ctx context.Context, msg *models.Message) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Message
		result := tx.Where(`"accountId" = ? AND "providerMessageId" = ?`, msg.AccountID, msg.ProviderMessageID).
			First(&existing)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				msg.Status = models.StatusFailed
				return tx.Create(msg).Error
			}
			return result.Error
		}

		if existing.Status == models.StatusCompleted {
			return nil
		}

		return tx.Model(&models.Message{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"status":    models.StatusFailed,
				"lastError": msg.LastError,
				"updatedAt": time.Now(),
			}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record failed message: %w", err)
	}
	return nil
}

// DeleteForUser deletes the given messages, scoped to accounts owned by
// userID; rows not owned are silently excluded. The row deletes and the
// per-category counter decrements commit atomically. Returns the deleted
// rows so callers can follow up at the provider.
func (r *MessageRepository) DeleteForUser(ctx context.Context, messageIDs []string, userID string) ([]models.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var targets []models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Joins(`JOIN mail_account ON mail_account.id = message."accountId"`).
			Where(`message.id IN ? AND mail_account."userId" = ?`, messageIDs, userID).
			Find(&targets)
		if result.Error != nil {
			return result.Error
		}
		if len(targets) == 0 {
			return nil
		}

		perCategory := make(map[string]int64)
		ids := make([]string, 0, len(targets))
		for _, msg := range targets {
			ids = append(ids, msg.ID)
			if msg.CategoryID != nil && msg.Status == models.StatusCompleted {
				perCategory[*msg.CategoryID]++
			}
		}

		if result := tx.Where("id IN ?", ids).Delete(&models.Message{}); result.Error != nil {
			return result.Error
		}

		for categoryID, count := range perCategory {
			result := tx.Model(&models.Category{}).
				Where("id = ?", categoryID).
				Update("messageCount", gorm.Expr(`"messageCount" - ?`, count))
			if result.Error != nil {
				return result.Error
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete messages: %w", err)
	}
	return targets, nil
}

// MarkUnsubscribed stamps the time a successful unsubscribe was verified.
func (r *MessageRepository) MarkUnsubscribed(ctx context.Context, messageID string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]interface{}{
			"unsubscribedAt": now,
			"updatedAt":      now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark unsubscribed: %w", result.Error)
	}
	return nil
}
