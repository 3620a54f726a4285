package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/siftmail/sift-worker/internal/models"
)

var ErrCategoryNotFound = errors.New("category not found")

type CategoryRepository struct {
	db *gorm.DB
}

func NewCategoryRepository(db *gorm.DB) *CategoryRepository {
	return &CategoryRepository{db: db}
}

// GetByID retrieves a category by ID
func (r *CategoryRepository) GetByID(ctx context.Context, categoryID string) (*models.Category, error) {
	var category models.Category
	result := r.db.WithContext(ctx).First(&category, "id = ?", categoryID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCategoryNotFound
		}
		return nil, fmt.Errorf("failed to get category: %w", result.Error)
	}
	return &category, nil
}

// ListByUser returns the user's categories in creation order
func (r *CategoryRepository) ListByUser(ctx context.Context, userID string) ([]models.Category, error) {
	var categories []models.Category
	result := r.db.WithContext(ctx).
		Where(`"userId" = ?`, userID).
		Order(`"createdAt" ASC`).
		Find(&categories)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list categories: %w", result.Error)
	}
	return categories, nil
}

// GetOrCreateUncategorized returns the user's Uncategorized sentinel
// category, creating it on first use. Messages land here when the
// classifier cannot produce a usable answer.
func (r *CategoryRepository) GetOrCreateUncategorized(ctx context.Context, userID string) (*models.Category, error) {
	var category models.Category
	result := r.db.WithContext(ctx).
		Where(`"userId" = ? AND name = ?`, userID, models.UncategorizedName).
		First(&category)
	if result.Error == nil {
		return &category, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up fallback category: %w", result.Error)
	}

	now := time.Now()
	category = models.Category{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        models.UncategorizedName,
		Description: "Messages the classifier could not place",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.db.WithContext(ctx).Create(&category).Error; err != nil {
		return nil, fmt.Errorf("failed to create fallback category: %w", err)
	}
	return &category, nil
}
