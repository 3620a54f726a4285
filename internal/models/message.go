package models

import "time"

type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// CategorySource records how a message ended up in its category.
type CategorySource string

const (
	// CategorySourceAI means the classifier named the category.
	CategorySourceAI CategorySource = "ai"
	// CategorySourceFallback means the classifier failed (bad JSON, unknown
	// name, API error) and the message was placed in the Uncategorized
	// sentinel instead.
	CategorySourceFallback CategorySource = "fallback"
)

// Message is one imported mail message. The (AccountID, ProviderMessageID)
// pair is unique; that constraint is what makes import idempotent under
// retries and concurrent scheduler runs. A message never transitions
// backward out of completed.
type Message struct {
	ID                string           `gorm:"column:id;primaryKey"`
	AccountID         string           `gorm:"column:accountId;uniqueIndex:idx_account_provider_message"`
	ProviderMessageID string           `gorm:"column:providerMessageId;uniqueIndex:idx_account_provider_message"`
	ThreadID          string           `gorm:"column:threadId"`
	From              string           `gorm:"column:sender"`
	Subject           string           `gorm:"column:subject"`
	Snippet           string           `gorm:"column:snippet"`
	Summary           string           `gorm:"column:summary"`
	CategoryID        *string          `gorm:"column:categoryId;index"`
	CategorySource    CategorySource   `gorm:"column:categorySource"`
	Status            ProcessingStatus `gorm:"column:status;index"`
	HasAttachments    bool             `gorm:"column:hasAttachments"`
	UnsubscribeURL    *string          `gorm:"column:unsubscribeUrl"`
	UnsubscribedAt    *time.Time       `gorm:"column:unsubscribedAt"`
	LastError         *string          `gorm:"column:lastError"`
	ReceivedAt        *time.Time       `gorm:"column:receivedAt"`
	CreatedAt         time.Time        `gorm:"column:createdAt"`
	UpdatedAt         time.Time        `gorm:"column:updatedAt"`
}

// TableName specifies the table name for GORM
func (Message) TableName() string {
	return "message"
}
