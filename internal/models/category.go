package models

import "time"

// UncategorizedName is the sentinel category a message lands in when the
// classifier cannot produce a usable answer. Created on demand per user.
const UncategorizedName = "Uncategorized"

// Category is a user-defined bucket for imported messages. MessageCount is
// denormalized and must always equal the number of completed messages
// referencing the category; every job that creates, recategorizes or
// deletes messages updates it inside the same transaction.
type Category struct {
	ID           string    `gorm:"column:id;primaryKey"`
	UserID       string    `gorm:"column:userId;index"`
	Name         string    `gorm:"column:name"`
	Description  string    `gorm:"column:description"`
	MessageCount int64     `gorm:"column:messageCount"`
	CreatedAt    time.Time `gorm:"column:createdAt"`
	UpdatedAt    time.Time `gorm:"column:updatedAt"`
}

// TableName specifies the table name for GORM
func (Category) TableName() string {
	return "category"
}
