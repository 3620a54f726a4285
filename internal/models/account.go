package models

import "time"

// MailAccount represents a connected Gmail account and its sync state.
// Note: Column names use camelCase to match the frontend/Prisma schema.
type MailAccount struct {
	ID                   string     `gorm:"column:id;primaryKey"`
	UserID               string     `gorm:"column:userId;index"`
	Email                string     `gorm:"column:email"`
	AccessToken          *string    `gorm:"column:accessToken"`
	RefreshToken         *string    `gorm:"column:refreshToken"`
	AccessTokenExpiresAt *time.Time `gorm:"column:accessTokenExpiresAt"`
	HistoryCursor        *string    `gorm:"column:historyCursor"`
	WatchExpiry          *time.Time `gorm:"column:watchExpiry"`
	IsPrimary            bool       `gorm:"column:isPrimary"`
	CreatedAt            time.Time  `gorm:"column:createdAt"`
	UpdatedAt            time.Time  `gorm:"column:updatedAt"`
}

// TableName specifies the table name for GORM
func (MailAccount) TableName() string {
	return "mail_account"
}
