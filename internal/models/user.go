package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultDisplayName is used when a user signs in without choosing a nickname.
const DefaultDisplayName = "Anonymous"

// User представляє анонімного користувача в системі.
// The row lives only as long as the identity: it is deleted on sign-out.
type User struct {
	ID          string    `gorm:"primaryKey" json:"id"` // Анонімний UUID
	DisplayName string    `gorm:"type:text;not null" json:"display_name"`
	IsOnline    bool      `gorm:"index" json:"is_online"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// BeforeCreate: хук GORM, який викликається перед створенням запису.
// Він генерує новий UUID для користувача, якщо ID ще не встановлено.
func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.DisplayName == "" {
		u.DisplayName = DefaultDisplayName
	}
	return
}
