// Package topics stores forum topics, users, visit markers and API keys with
// gorm, and implements the persistence interfaces of package apiviews.
package topics

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"gorm.io/gorm"
)

// Topic is a forum topic. Views is only ever changed with an SQL-side
// increment.
type Topic struct {
	ID        int64          `gorm:"primaryKey" json:"id"`
	Title     string         `gorm:"size:255;not null" json:"title"`
	Slug      string         `gorm:"size:255;index" json:"slug"`
	Views     int64          `gorm:"not null;default:0" json:"views"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// User is a forum account. Ids of zero or less are reserved for system
// accounts.
type User struct {
	ID        int64     `gorm:"primaryKey"`
	Username  string    `gorm:"size:60;uniqueIndex;not null"`
	Bot       bool      `gorm:"not null;default:false"`
	CreatedAt time.Time
}

// IsHuman reports whether u is a regular account.
func (u User) IsHuman() bool {
	return u.ID > 0 && !u.Bot
}

// TopicUser is the visit marker of a user on a topic.
type TopicUser struct {
	UserID         int64 `gorm:"primaryKey;autoIncrement:false"`
	TopicID        int64 `gorm:"primaryKey;autoIncrement:false;index"`
	FirstVisitedAt time.Time
	LastVisitedAt  time.Time
	TotalVisits    int64 `gorm:"not null;default:0"`
}

// APIKey is an admin API key. A key without a UserID is global and acts as
// whichever user the request names in Api-Username.
type APIKey struct {
	ID          int64  `gorm:"primaryKey"`
	KeyHash     string `gorm:"size:64;uniqueIndex;not null"`
	UserID      *int64 `gorm:"index"`
	Description string `gorm:"size:255"`
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

// TableName keeps the acronym out of gorm's naming.
func (APIKey) TableName() string { return "api_keys" }

// UserAPIKey is a key a user granted to an application.
type UserAPIKey struct {
	ID        int64  `gorm:"primaryKey"`
	KeyHash   string `gorm:"size:64;uniqueIndex;not null"`
	UserID    int64  `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

func (UserAPIKey) TableName() string { return "user_api_keys" }

// HashKey returns the stored form of an API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Models lists every model for migrations.
func Models() []any {
	return []any{&Topic{}, &User{}, &TopicUser{}, &APIKey{}, &UserAPIKey{}}
}
