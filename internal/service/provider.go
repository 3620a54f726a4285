package service

import (
	"context"
	"time"
)

// MailProvider is the contract the pipeline consumes from the mail
// provider API. Implemented by internal/gmail.
type MailProvider interface {
	ListMessageIDs(ctx context.Context, accessToken, query string, maxResults int64) ([]string, error)
	ListHistory(ctx context.Context, accessToken, startHistoryID string) (*HistoryResult, error)
	GetProfile(ctx context.Context, accessToken string) (*ProfileResult, error)
	GetMessage(ctx context.Context, accessToken, messageID string) (*MailMessage, error)
	ModifyLabels(ctx context.Context, accessToken, messageID string, add, remove []string) error
	TrashMessage(ctx context.Context, accessToken, messageID string) error
	Watch(ctx context.Context, accessToken, topic string) (*WatchResult, error)
	StopWatch(ctx context.Context, accessToken string) error
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

// HistoryResult is the outcome of an incremental (delta) listing.
type HistoryResult struct {
	MessageIDs []string
	HistoryID  string // new cursor to store
}

// ProfileResult carries the account's current state, used to reseed the
// sync cursor after a fallback listing.
type ProfileResult struct {
	Email     string
	HistoryID string
}

// MailMessage is one fully fetched and parsed message.
type MailMessage struct {
	ID              string
	ThreadID        string
	Subject         string
	From            string
	To              string
	Date            time.Time
	Snippet         string
	Labels          []string
	BodyText        string
	BodyHTML        string
	HasAttachments  bool
	ListUnsubscribe string // structured unsubscribe header, may be empty
	Headers         map[string]string
}

// WatchResult is the provider's push subscription state.
type WatchResult struct {
	HistoryID  string
	Expiration time.Time
}

type TokenRefreshResult struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string // may be same or rotated
}

// CompletionClient is the hosted language model surface. There is no
// structured output guarantee; callers parse defensively.
type CompletionClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}
