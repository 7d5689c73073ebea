package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/models"
)

// RoomRepository persists rooms and their membership sets.
type RoomRepository interface {
	Get(ctx context.Context, id string) (models.Room, error)
	FindOrCreate(ctx context.Context, room models.Room) (models.Room, bool, error)
	ListForUser(ctx context.Context, userID string) ([]models.Room, error)
	AddParticipant(ctx context.Context, roomID, userID string) error
	Touch(ctx context.Context, roomID string, messageID uint, at time.Time) error
}

type roomRepository struct {
	db *gorm.DB
}

// NewRoomRepository constructs a room repository backed by GORM.
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

func (r *roomRepository) Get(ctx context.Context, id string) (models.Room, error) {
	var room models.Room
	err := r.db.WithContext(ctx).Preload("Participants").Where("id = ?", id).First(&room).Error
	if err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// FindOrCreate returns the room stored under room.ID, inserting it together with its participants
// when absent. The boolean reports whether this call created the room.
func (r *roomRepository) FindOrCreate(ctx context.Context, room models.Room) (models.Room, bool, error) {
	created := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		participants := room.Participants
		room.Participants = nil
		if room.LastActivity.IsZero() {
			room.LastActivity = time.Now().UTC()
		}

		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&room)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		created = true

		for i := range participants {
			participants[i].RoomID = room.ID
		}
		if len(participants) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&participants).Error
	})
	if err != nil {
		return models.Room{}, false, err
	}

	stored, err := r.Get(ctx, room.ID)
	if err != nil {
		return models.Room{}, false, err
	}
	return stored, created, nil
}

// ListForUser returns active public rooms plus active rooms where the user is a participant.
func (r *roomRepository) ListForUser(ctx context.Context, userID string) ([]models.Room, error) {
	membership := r.db.Model(&models.RoomParticipant{}).Select("room_id").Where("user_id = ?", userID)

	var rooms []models.Room
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Where("is_active = ?", true).
		Where(r.db.Where("kind = ?", models.RoomKindPublic).Or("id IN (?)", membership)).
		Order("last_activity DESC").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (r *roomRepository) AddParticipant(ctx context.Context, roomID, userID string) error {
	participant := models.RoomParticipant{RoomID: roomID, UserID: userID}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&participant).Error
}

// Touch records the latest message of a room and advances its activity timestamp.
func (r *roomRepository) Touch(ctx context.Context, roomID string, messageID uint, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", roomID).Updates(map[string]interface{}{
		"last_message_id": messageID,
		"last_activity":   at,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
