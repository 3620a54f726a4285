package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/siftmail/sift-worker/internal/models"
)

var ErrAccountNotFound = errors.New("account not found")

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetByID retrieves account by ID
func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.MailAccount, error) {
	var account models.MailAccount
	result := r.db.WithContext(ctx).First(&account, "id = ?", accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// ListAll returns every connected account, primaries first
func (r *AccountRepository) ListAll(ctx context.Context) ([]models.MailAccount, error) {
	var accounts []models.MailAccount
	result := r.db.WithContext(ctx).
		Order(`"isPrimary" DESC, "createdAt" ASC`).
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", result.Error)
	}
	return accounts, nil
}

// ListWatchExpiring returns accounts whose watch subscription expires
// before the deadline, or that have no subscription at all.
func (r *AccountRepository) ListWatchExpiring(ctx context.Context, deadline time.Time) ([]models.MailAccount, error) {
	var accounts []models.MailAccount
	result := r.db.WithContext(ctx).
		Where(`"watchExpiry" IS NULL OR "watchExpiry" < ?`, deadline).
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list expiring accounts: %w", result.Error)
	}
	return accounts, nil
}

// UpdateTokens updates access token, refresh token, and the access token expiry
func (r *AccountRepository) UpdateTokens(ctx context.Context, accountID, accessToken, refreshToken string, accessTokenExpiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.MailAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"accessToken":          accessToken,
			"refreshToken":         refreshToken,
			"accessTokenExpiresAt": accessTokenExpiresAt,
			"updatedAt":            time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	return nil
}

// UpdateHistoryCursor advances the incremental-sync anchor
func (r *AccountRepository) UpdateHistoryCursor(ctx context.Context, accountID, cursor string) error {
	result := r.db.WithContext(ctx).Model(&models.MailAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"historyCursor": cursor,
			"updatedAt":     time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update history cursor: %w", result.Error)
	}
	return nil
}

// UpdateWatch stores a renewed push subscription's expiry and cursor
func (r *AccountRepository) UpdateWatch(ctx context.Context, accountID string, expiry time.Time, cursor string) error {
	result := r.db.WithContext(ctx).Model(&models.MailAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"watchExpiry":   expiry,
			"historyCursor": cursor,
			"updatedAt":     time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update watch state: %w", result.Error)
	}
	return nil
}
