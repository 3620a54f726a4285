package queue

import (
	"fmt"
	"time"
)

// Queue names. Job types are fixed and known at compile time; each queue
// carries exactly one payload shape.
const (
	QueueImport       = "import"
	QueueScheduler    = "scheduler"
	QueueDelete       = "delete"
	QueueWatchRenewal = "watch-renewal"
	QueueUnsubscribe  = "unsubscribe"
)

// ScheduledSyncJobID is the fixed job id for the recurring sync job. The
// unique marker plus scheduler concurrency 1 guarantee two runs never
// overlap on the same sync cursors.
const ScheduledSyncJobID = "scheduled-sync"

// ImportJobID returns the deterministic id that deduplicates imports of
// the same provider message.
func ImportJobID(accountID, messageID string) string {
	return fmt.Sprintf("import-%s-%s", accountID, messageID)
}

// WatchJobID returns the deterministic id for per-account watch renewal.
func WatchJobID(accountID string) string {
	return fmt.Sprintf("watch-%s", accountID)
}

// ImportJob is the payload for one per-message import.
type ImportJob struct {
	AccountID string `json:"accountId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// ScheduledSyncJob acts on all accounts and carries no parameters.
type ScheduledSyncJob struct{}

// BulkDeleteJob deletes a set of messages owned by one user.
type BulkDeleteJob struct {
	MessageIDs []string `json:"messageIds"`
	UserID     string   `json:"userId"`
}

// WatchRenewalJob re-issues the push subscription for one account.
type WatchRenewalJob struct {
	AccountID string `json:"accountId"`
	UserID    string `json:"userId"`
}

// UnsubscribeJob runs the browser agent against one or more messages. The
// producer assigns the job id; items run sequentially on the shared
// browser.
type UnsubscribeJob struct {
	MessageIDs []string `json:"messageIds"`
	UserID     string   `json:"userId"`
}

// Policy is the per-queue delivery policy.
type Policy struct {
	Concurrency   int
	MaxAttempts   int
	Backoff       time.Duration // initial delay, doubled on each retry
	DeadRetention int64         // dead envelopes kept for inspection
}

// DefaultPolicies returns the per-queue policies. Import is I/O bound and
// runs wide; the scheduler is serialized to prevent cursor races; delete
// and watch mutate shared counters and provider subscriptions and stay
// narrow. Unsubscribe owns the single browser process and never retries:
// every attempt is recorded, and replaying a blocked page helps nobody.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		QueueImport:       {Concurrency: 5, MaxAttempts: 3, Backoff: 5 * time.Second, DeadRetention: 100},
		QueueScheduler:    {Concurrency: 1, MaxAttempts: 3, Backoff: 5 * time.Second, DeadRetention: 100},
		QueueDelete:       {Concurrency: 2, MaxAttempts: 3, Backoff: 5 * time.Second, DeadRetention: 100},
		QueueWatchRenewal: {Concurrency: 2, MaxAttempts: 3, Backoff: 5 * time.Second, DeadRetention: 100},
		QueueUnsubscribe:  {Concurrency: 1, MaxAttempts: 1, Backoff: 5 * time.Second, DeadRetention: 100},
	}
}
