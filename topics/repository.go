package topics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhalm/apiviews"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a topic does not exist or is deleted.
var ErrNotFound = errors.New("topics: not found")

var (
	_ apiviews.Targets       = (*Repository)(nil)
	_ apiviews.Visits        = (*Repository)(nil)
	_ apiviews.ActorResolver = (*Repository)(nil)
)

// Open opens the SQLite database at dsn and migrates it. SQLite allows one
// writer at a time, so the pool is limited to a single connection.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Repository implements apiviews.Targets, apiviews.Visits and
// apiviews.ActorResolver.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repository over db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// FindTopic looks a topic up including soft-deleted rows, so the caller can
// tell deleted from missing.
func (r *Repository) FindTopic(ctx context.Context, id int64) (apiviews.TopicRef, bool, error) {
	var t Topic
	err := r.db.WithContext(ctx).Unscoped().Select("id", "deleted_at").First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apiviews.TopicRef{}, false, nil
	}
	if err != nil {
		return apiviews.TopicRef{}, false, err
	}
	return apiviews.TopicRef{ID: t.ID, Deleted: t.DeletedAt.Valid}, true, nil
}

// IncrementViews runs UPDATE topics SET views = views + 1 for a live topic.
func (r *Repository) IncrementViews(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&Topic{}).
		Where("id = ?", id).
		UpdateColumn("views", gorm.Expr("views + ?", 1)).
		Error
}

// FindUser implements apiviews.Visits.
func (r *Repository) FindUser(ctx context.Context, id int64) (apiviews.UserRef, bool, error) {
	var u User
	err := r.db.WithContext(ctx).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apiviews.UserRef{}, false, nil
	}
	if err != nil {
		return apiviews.UserRef{}, false, err
	}
	return apiviews.UserRef{ID: u.ID, Human: u.IsHuman()}, true, nil
}

// TrackVisit records that userID viewed topicID at the given time. The first
// visit creates the marker; later ones move last_visited_at and count.
func (r *Repository) TrackVisit(ctx context.Context, userID, topicID int64, at time.Time) error {
	at = at.UTC()
	visit := TopicUser{
		UserID:         userID,
		TopicID:        topicID,
		FirstVisitedAt: at,
		LastVisitedAt:  at,
		TotalVisits:    1,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "topic_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_visited_at": at,
			"total_visits":    gorm.Expr("total_visits + 1"),
		}),
	}).Create(&visit).Error
}

// Visit returns the marker of userID on topicID.
func (r *Repository) Visit(ctx context.Context, userID, topicID int64) (TopicUser, bool, error) {
	var v TopicUser
	err := r.db.WithContext(ctx).Where("user_id = ? AND topic_id = ?", userID, topicID).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TopicUser{}, false, nil
	}
	if err != nil {
		return TopicUser{}, false, err
	}
	return v, true, nil
}

// ResolveActor maps request credentials to a user id. A user API key wins
// over an admin key. A user-bound admin key acts as its user and rejects a
// different Api-Username; a global key needs an Api-Username. Unknown and
// revoked keys resolve to no actor.
func (r *Repository) ResolveActor(ctx context.Context, creds apiviews.Credentials) (int64, bool, error) {
	db := r.db.WithContext(ctx)

	if creds.UserAPIKey != "" {
		var key UserAPIKey
		err := db.Where("key_hash = ? AND revoked_at IS NULL", HashKey(creds.UserAPIKey)).First(&key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("find user api key: %w", err)
		}
		return key.UserID, true, nil
	}

	if creds.APIKey == "" {
		return 0, false, nil
	}

	var key APIKey
	err := db.Where("key_hash = ? AND revoked_at IS NULL", HashKey(creds.APIKey)).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find api key: %w", err)
	}

	username := strings.TrimSpace(creds.APIUsername)
	if key.UserID != nil {
		if username == "" {
			return *key.UserID, true, nil
		}
		var u User
		if err := db.Select("id", "username").First(&u, *key.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, false, nil
			}
			return 0, false, fmt.Errorf("find api key user: %w", err)
		}
		if !strings.EqualFold(u.Username, username) {
			return 0, false, nil
		}
		return u.ID, true, nil
	}

	if username == "" {
		return 0, false, nil
	}
	var u User
	err = db.Select("id").Where("LOWER(username) = ?", strings.ToLower(username)).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find user by username: %w", err)
	}
	return u.ID, true, nil
}

// Topic returns a live topic.
func (r *Repository) Topic(ctx context.Context, id int64) (Topic, error) {
	var t Topic
	err := r.db.WithContext(ctx).First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Topic{}, ErrNotFound
	}
	return t, err
}

// CreateTopic inserts t.
func (r *Repository) CreateTopic(ctx context.Context, t *Topic) error {
	return r.db.WithContext(ctx).Create(t).Error
}

// DeleteTopic soft-deletes a topic.
func (r *Repository) DeleteTopic(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&Topic{}, id).Error
}

// CreateUser inserts u.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

// CreateAPIKey stores the hash of key. A nil userID creates a global key.
func (r *Repository) CreateAPIKey(ctx context.Context, key string, userID *int64, description string) error {
	return r.db.WithContext(ctx).Create(&APIKey{
		KeyHash:     HashKey(key),
		UserID:      userID,
		Description: description,
	}).Error
}

// CreateUserAPIKey stores the hash of a key granted by userID.
func (r *Repository) CreateUserAPIKey(ctx context.Context, key string, userID int64) error {
	return r.db.WithContext(ctx).Create(&UserAPIKey{
		KeyHash: HashKey(key),
		UserID:  userID,
	}).Error
}

// RevokeAPIKey revokes an admin key.
func (r *Repository) RevokeAPIKey(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("key_hash = ?", HashKey(key)).
		Update("revoked_at", time.Now().UTC()).
		Error
}
