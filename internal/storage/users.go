package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ochatle/backend/internal/models"

	"gorm.io/gorm"
)

// UserRepository keeps anonymous identities in SQL through gorm.
type UserRepository struct {
	DB  *gorm.DB
	log *slog.Logger
}

// NewUserRepository Constructor
func NewUserRepository(db *gorm.DB, logger *slog.Logger) *UserRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserRepository{DB: db, log: logger.With("component", "users")}
}

// Migrate створює таблицю users.
func (r *UserRepository) Migrate() error {
	return r.DB.AutoMigrate(&models.User{})
}

// CreateUser inserts a new user; the BeforeCreate hook assigns the id.
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	if err := r.DB.WithContext(ctx).Create(user).Error; err != nil {
		r.log.Error("create user failed", "display_name", user.DisplayName, "err", err)
		return err
	}
	return nil
}

// GetUserByID returns ErrNotFound when the identity does not exist.
func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := r.DB.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateDisplayName змінює нікнейм користувача.
func (r *UserRepository) UpdateDisplayName(ctx context.Context, userID, name string) error {
	result := r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("display_name", name)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUserOnline records the online flag. Unknown users are ignored: the row may
// already be gone after sign-out while a heartbeat is still in flight.
func (r *UserRepository) SetUserOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	return r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"is_online":    online,
			"last_seen_at": at,
		}).Error
}

// DeleteUser removes the identity. Deleting a missing user is not an error.
func (r *UserRepository) DeleteUser(ctx context.Context, userID string) error {
	return r.DB.WithContext(ctx).Where("id = ?", userID).Delete(&models.User{}).Error
}

// CountOnlineUsers counts rows flagged online.
func (r *UserRepository) CountOnlineUsers(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&models.User{}).Where("is_online = ?", true).Count(&n).Error
	return n, err
}
