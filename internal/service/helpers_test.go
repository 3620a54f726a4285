package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/siftmail/sift-worker/internal/models"
	"github.com/siftmail/sift-worker/internal/queue"
	"github.com/siftmail/sift-worker/internal/repository"
)

// testDB opens an isolated in-memory database with the full schema. The
// shared-cache DSN keeps every pooled connection on the same database.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	err = db.AutoMigrate(
		&models.MailAccount{},
		&models.Category{},
		&models.Message{},
		&models.UnsubscribeAttempt{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func testBroker(t *testing.T) *queue.Broker {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.NewBroker(rdb, queue.DefaultPolicies())
}

func seedAccount(t *testing.T, db *gorm.DB, userID string, cursor *string) *models.MailAccount {
	t.Helper()

	accessToken := "access-token"
	refreshToken := "refresh-token"
	expiresAt := time.Now().Add(1 * time.Hour)
	account := &models.MailAccount{
		ID:                   uuid.New().String(),
		UserID:               userID,
		Email:                userID + "@example.com",
		AccessToken:          &accessToken,
		RefreshToken:         &refreshToken,
		AccessTokenExpiresAt: &expiresAt,
		HistoryCursor:        cursor,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return account
}

func seedCategory(t *testing.T, db *gorm.DB, userID, name string) *models.Category {
	t.Helper()

	category := &models.Category{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        name,
		Description: name + " mail",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := db.Create(category).Error; err != nil {
		t.Fatalf("failed to seed category: %v", err)
	}
	return category
}

// fakeProvider implements MailProvider with per-method hooks. Methods
// without a hook fail loudly so a test never silently exercises an
// unexpected call.
type fakeProvider struct {
	listMessageIDs func(ctx context.Context, accessToken, query string, maxResults int64) ([]string, error)
	listHistory    func(ctx context.Context, accessToken, startHistoryID string) (*HistoryResult, error)
	getProfile     func(ctx context.Context, accessToken string) (*ProfileResult, error)
	getMessage     func(ctx context.Context, accessToken, messageID string) (*MailMessage, error)
	modifyLabels   func(ctx context.Context, accessToken, messageID string, add, remove []string) error
	trashMessage   func(ctx context.Context, accessToken, messageID string) error
	watch          func(ctx context.Context, accessToken, topic string) (*WatchResult, error)
	refresh        func(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

func (f *fakeProvider) ListMessageIDs(ctx context.Context, accessToken, query string, maxResults int64) ([]string, error) {
	if f.listMessageIDs == nil {
		return nil, errors.New("unexpected ListMessageIDs call")
	}
	return f.listMessageIDs(ctx, accessToken, query, maxResults)
}

func (f *fakeProvider) ListHistory(ctx context.Context, accessToken, startHistoryID string) (*HistoryResult, error) {
	if f.listHistory == nil {
		return nil, errors.New("unexpected ListHistory call")
	}
	return f.listHistory(ctx, accessToken, startHistoryID)
}

func (f *fakeProvider) GetProfile(ctx context.Context, accessToken string) (*ProfileResult, error) {
	if f.getProfile == nil {
		return nil, errors.New("unexpected GetProfile call")
	}
	return f.getProfile(ctx, accessToken)
}

func (f *fakeProvider) GetMessage(ctx context.Context, accessToken, messageID string) (*MailMessage, error) {
	if f.getMessage == nil {
		return nil, errors.New("unexpected GetMessage call")
	}
	return f.getMessage(ctx, accessToken, messageID)
}

func (f *fakeProvider) ModifyLabels(ctx context.Context, accessToken, messageID string, add, remove []string) error {
	if f.modifyLabels == nil {
		return nil
	}
	return f.modifyLabels(ctx, accessToken, messageID, add, remove)
}

func (f *fakeProvider) TrashMessage(ctx context.Context, accessToken, messageID string) error {
	if f.trashMessage == nil {
		return errors.New("unexpected TrashMessage call")
	}
	return f.trashMessage(ctx, accessToken, messageID)
}

func (f *fakeProvider) Watch(ctx context.Context, accessToken, topic string) (*WatchResult, error) {
	if f.watch == nil {
		return nil, errors.New("unexpected Watch call")
	}
	return f.watch(ctx, accessToken, topic)
}

func (f *fakeProvider) StopWatch(ctx context.Context, accessToken string) error {
	return nil
}

func (f *fakeProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
	if f.refresh == nil {
		return nil, errors.New("unexpected RefreshAccessToken call")
	}
	return f.refresh(ctx, refreshToken)
}

// fakeCompletion returns canned responses in order, cycling on the last.
type fakeCompletion struct {
	responses []string
	err       error
	calls     int
}

func (c *fakeCompletion) Complete(ctx context.Context, prompt string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	if len(c.responses) == 0 {
		return "", errors.New("no canned response")
	}
	idx := c.calls - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	return c.responses[idx], nil
}

func countWaiting(t *testing.T, broker *queue.Broker, queueName string) int64 {
	t.Helper()

	counts, err := broker.QueueCounts(context.Background(), queueName)
	if err != nil {
		t.Fatalf("failed to read queue counts: %v", err)
	}
	return counts.Waiting
}

func messageCountOf(t *testing.T, db *gorm.DB, categoryID string) int64 {
	t.Helper()

	var category models.Category
	if err := db.First(&category, "id = ?", categoryID).Error; err != nil {
		t.Fatalf("failed to reload category: %v", err)
	}
	return category.MessageCount
}

func repos(db *gorm.DB) (*repository.AccountRepository, *repository.CategoryRepository, *repository.MessageRepository) {
	return repository.NewAccountRepository(db),
		repository.NewCategoryRepository(db),
		repository.NewMessageRepository(db)
}
