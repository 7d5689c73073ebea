package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/models"
)

// ErrStalePresence reports a conditional presence write whose connection is no longer the stored one.
var ErrStalePresence = errors.New("presence superseded by a newer connection")

// PresenceUpdate is the durable part of a presence transition. When IfConnectionID is set the update
// only applies while that connection is still the one stored for the user.
type PresenceUpdate struct {
	UserID         string
	Status         models.UserStatus
	ConnectionID   *string
	LastSeen       time.Time
	IfConnectionID string
}

// UserRepository persists chat users and their durable presence fields.
type UserRepository interface {
	Find(ctx context.Context, id string) (models.User, error)
	Ensure(ctx context.Context, id, username string) (models.User, error)
	UpdatePresence(ctx context.Context, update PresenceUpdate) error
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a user repository backed by GORM.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Find(ctx context.Context, id string) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

// Ensure creates the user on first sight and refreshes the display name on later calls.
func (r *userRepository) Ensure(ctx context.Context, id, username string) (models.User, error) {
	user := models.User{
		ID:       id,
		Username: username,
		Status:   models.UserStatusOffline,
		LastSeen: time.Now().UTC(),
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "updated_at"}),
	}).Create(&user).Error
	if err != nil {
		return models.User{}, err
	}

	return r.Find(ctx, id)
}

func (r *userRepository) UpdatePresence(ctx context.Context, update PresenceUpdate) error {
	query := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", update.UserID)
	if update.IfConnectionID != "" {
		query = query.Where("connection_id = ?", update.IfConnectionID)
	}

	result := query.Updates(map[string]interface{}{
		"status":        update.Status,
		"connection_id": update.ConnectionID,
		"last_seen":     update.LastSeen,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if update.IfConnectionID != "" {
		if _, err := r.Find(ctx, update.UserID); err != nil {
			return err
		}
		return ErrStalePresence
	}
	return gorm.ErrRecordNotFound
}
