package models

import "time"

// AttemptStatus is the terminal outcome of one unsubscribe attempt.
type AttemptStatus string

const (
	// AttemptSuccess means confirmation text was found after the actions ran.
	AttemptSuccess AttemptStatus = "success"
	// AttemptUnverified means the actions ran but no confirmation text was
	// found on the final page.
	AttemptUnverified AttemptStatus = "unverified"
	// AttemptBlocked means the agent never executed any action: page load
	// failed, the plan said canUnsubscribe=false, or confidence was below
	// the gate.
	AttemptBlocked AttemptStatus = "blocked"
	// AttemptManual means the only target was a mailto: address, which is
	// returned to the user rather than driven through the browser.
	AttemptManual AttemptStatus = "manual"
)

// AttemptStep is one entry of the step transcript.
type AttemptStep struct {
	Step    string `json:"step"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
	Elapsed int64  `json:"elapsedMs,omitempty"`
}

// UnsubscribeAttempt is an append-only audit record, one per agent
// invocation. It is never mutated after creation.
type UnsubscribeAttempt struct {
	ID        string        `gorm:"column:id;primaryKey"`
	MessageID string        `gorm:"column:messageId;index"`
	TargetURL string        `gorm:"column:targetUrl"`
	Status    AttemptStatus `gorm:"column:status"`
	Steps     []AttemptStep `gorm:"column:steps;serializer:json"`
	LastError *string       `gorm:"column:lastError"`
	CreatedAt time.Time     `gorm:"column:createdAt"`
}

// TableName specifies the table name for GORM
func (UnsubscribeAttempt) TableName() string {
	return "unsubscribe_attempt"
}
