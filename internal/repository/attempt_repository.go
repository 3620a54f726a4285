package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/siftmail/sift-worker/internal/models"
)

type AttemptRepository struct {
	db *gorm.DB
}

func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// Create appends one attempt record. Attempts are audit rows and are never
// updated after creation.
func (r *AttemptRepository) Create(ctx context.Context, attempt *models.UnsubscribeAttempt) error {
	if err := r.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("failed to record unsubscribe attempt: %w", err)
	}
	return nil
}

// ListByMessage returns a message's attempts, newest first.
func (r *AttemptRepository) ListByMessage(ctx context.Context, messageID string) ([]models.UnsubscribeAttempt, error) {
	var attempts []models.UnsubscribeAttempt
	result := r.db.WithContext(ctx).
		Where(`"messageId" = ?`, messageID).
		Order(`"createdAt" DESC`).
		Find(&attempts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", result.Error)
	}
	return attempts, nil
}
