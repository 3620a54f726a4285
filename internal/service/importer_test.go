package service

import (
	"context"
	"errors"
	"testing"

	"github.com/siftmail/sift-worker/internal/models"
	"github.com/siftmail/sift-worker/internal/queue"
)

func TestProcessImportJob_CompletesPipeline(t *testing.T) {
	db := testDB(t)
	accountRepo, categoryRepo, messageRepo := repos(db)
	account := seedAccount(t, db, "user-1", nil)
	category := seedCategory(t, db, "user-1", "Newsletters")

	var removedLabels []string
	provider := &fakeProvider{
		getMessage: func(ctx context.Context, accessToken, messageID string) (*MailMessage, error) {
			return &MailMessage{
				ID:              messageID,
				ThreadID:        "thread-1",
				Subject:         "Weekly digest",
				From:            "news@example.com",
				Snippet:         "This week in...",
				BodyText:        "A long newsletter body.",
				ListUnsubscribe: "<mailto:unsub@example.com>, <https://news.example.com/unsub>",
			}, nil
		},
		modifyLabels: func(ctx context.Context, accessToken, messageID string, add, remove []string) error {
			removedLabels = remove
			return nil
		},
	}
	completion := &fakeCompletion{responses: []string{`{"category": "Newsletters"}`, "A weekly digest from the newsletter."}}
	importer := NewImporter(accountRepo, messageRepo, provider, NewClassifier(completion, categoryRepo))

	job := queue.ImportJob{AccountID: account.ID, MessageID: "prov-msg-1", UserID: "user-1"}
	if err := importer.ProcessImportJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessImportJob failed: %v", err)
	}

	var msg models.Message
	err := db.First(&msg, `"accountId" = ? AND "providerMessageId" = ?`, account.ID, "prov-msg-1").Error
	if err != nil {
		t.Fatalf("message row not found: %v", err)
	}
	if msg.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", msg.Status)
	}
	if msg.CategoryID == nil || *msg.CategoryID != category.ID {
		t.Errorf("categoryId = %v, want %s", msg.CategoryID, category.ID)
	}
	if msg.CategorySource != models.CategorySourceAI {
		t.Errorf("categorySource = %s, want ai", msg.CategorySource)
	}
	if msg.Summary != "A weekly digest from the newsletter." {
		t.Errorf("summary = %q", msg.Summary)
	}
	if msg.UnsubscribeURL == nil || *msg.UnsubscribeURL != "https://news.example.com/unsub" {
		t.Errorf("unsubscribeUrl = %v, want the https target", msg.UnsubscribeURL)
	}

	if got := messageCountOf(t, db, category.ID); got != 1 {
		t.Errorf("category messageCount = %d, want 1", got)
	}
	if len(removedLabels) != 1 || removedLabels[0] != "INBOX" {
		t.Errorf("expected INBOX label removed, got %v", removedLabels)
	}
}

func TestProcessImportJob_SkipsAlreadyImported(t *testing.T) {
	db := testDB(t)
	accountRepo, categoryRepo, messageRepo := repos(db)
	account := seedAccount(t, db, "user-1", nil)
	category := seedCategory(t, db, "user-1", "Newsletters")

	existing := &models.Message{
		ID:                "existing-1",
		AccountID:         account.ID,
		ProviderMessageID: "prov-msg-1",
		CategoryID:        &category.ID,
		Status:            models.StatusCompleted,
	}
	if err := db.Create(existing).Error; err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}

	// A provider without hooks fails loudly on any call, so a skip that
	// touched the provider would fail this test.
	importer := NewImporter(accountRepo, messageRepo, &fakeProvider{}, NewClassifier(&fakeCompletion{}, categoryRepo))

	job := queue.ImportJob{AccountID: account.ID, MessageID: "prov-msg-1", UserID: "user-1"}
	if err := importer.ProcessImportJob(context.Background(), job); err != nil {
		t.Fatalf("retry of imported message should be a no-op, got %v", err)
	}

	var count int64
	db.Model(&models.Message{}).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 message row, got %d", count)
	}
}

func TestProcessImportJob_FetchFailureRecordsFailedRow(t *testing.T) {
	db := testDB(t)
	accountRepo, categoryRepo, messageRepo := repos(db)
	account := seedAccount(t, db, "user-1", nil)

	provider := &fakeProvider{
		getMessage: func(ctx context.Context, accessToken, messageID string) (*MailMessage, error) {
			return nil, errors.New("404 message not found")
		},
	}
	importer := NewImporter(accountRepo, messageRepo, provider, NewClassifier(&fakeCompletion{}, categoryRepo))

	job := queue.ImportJob{AccountID: account.ID, MessageID: "prov-msg-gone", UserID: "user-1"}
	err := importer.ProcessImportJob(context.Background(), job)
	if err == nil {
		t.Fatal("expected fetch error to propagate for retry")
	}

	var msg models.Message
	if err := db.First(&msg, `"providerMessageId" = ?`, "prov-msg-gone").Error; err != nil {
		t.Fatalf("failed row not recorded: %v", err)
	}
	if msg.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", msg.Status)
	}
	if msg.LastError == nil || *msg.LastError == "" {
		t.Error("failed row should carry the error string")
	}
}

func TestProcessImportJob_NoCategoriesRecordsFailure(t *testing.T) {
	db := testDB(t)
	accountRepo, categoryRepo, messageRepo := repos(db)
	account := seedAccount(t, db, "user-1", nil)

	provider := &fakeProvider{
		getMessage: func(ctx context.Context, accessToken, messageID string) (*MailMessage, error) {
			return &MailMessage{ID: messageID, Subject: "hi"}, nil
		},
	}
	importer := NewImporter(accountRepo, messageRepo, provider, NewClassifier(&fakeCompletion{}, categoryRepo))

	job := queue.ImportJob{AccountID: account.ID, MessageID: "prov-msg-2", UserID: "user-1"}
	err := importer.ProcessImportJob(context.Background(), job)
	if !errors.Is(err, ErrNoCategories) {
		t.Fatalf("expected ErrNoCategories, got %v", err)
	}

	var msg models.Message
	if err := db.First(&msg, `"providerMessageId" = ?`, "prov-msg-2").Error; err != nil {
		t.Fatalf("failed row not recorded: %v", err)
	}
	if msg.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", msg.Status)
	}
}

func TestProcessImportJob_ArchiveFailureDoesNotBlockPersist(t *testing.T) {
	db := testDB(t)
	accountRepo, categoryRepo, messageRepo := repos(db)
	account := seedAccount(t, db, "user-1", nil)
	seedCategory(t, db, "user-1", "Newsletters")

	provider := &fakeProvider{
		getMessage: func(ctx context.Context, accessToken, messageID string) (*MailMessage, error) {
			return &MailMessage{ID: messageID, Subject: "hi", BodyText: "body"}, nil
		},
		modifyLabels: func(ctx context.Context, accessToken, messageID string, add, remove []string) error {
			return errors.New("label service unavailable")
		},
	}
	completion := &fakeCompletion{responses: []string{`{"category": "Newsletters"}`, "summary"}}
	importer := NewImporter(accountRepo, messageRepo, provider, NewClassifier(completion, categoryRepo))

	job := queue.ImportJob{AccountID: account.ID, MessageID: "prov-msg-3", UserID: "user-1"}
	if err := importer.ProcessImportJob(context.Background(), job); err != nil {
		t.Fatalf("archive failure must not fail the import: %v", err)
	}

	var msg models.Message
	if err := db.First(&msg, `"providerMessageId" = ?`, "prov-msg-3").Error; err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if msg.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", msg.Status)
	}
}

func TestUnsubscribeTarget(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"prefers https over mailto", "<mailto:u@example.com>, <https://example.com/unsub>", "https://example.com/unsub"},
		{"mailto only", "<mailto:u@example.com>", "mailto:u@example.com"},
		{"empty header", "", ""},
		{"garbage header", "<not a url at all", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := unsubscribeTarget(&MailMessage{ListUnsubscribe: tt.header})
			if tt.want == "" {
				if got != nil {
					t.Errorf("expected nil, got %q", *got)
				}
				return
			}
			if got == nil || *got != tt.want {
				t.Errorf("got %v, want %q", got, tt.want)
			}
		})
	}
}
