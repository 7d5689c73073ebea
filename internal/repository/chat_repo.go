package repository

import (
	"context"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// ChatRepository persists chat messages and their reaction sets.
type ChatRepository interface {
	Create(ctx context.Context, message *models.ChatMessage) error
	Get(ctx context.Context, id uint) (models.ChatMessage, error)
	ListByRoom(ctx context.Context, roomID string, beforeID uint, limit int) ([]models.ChatMessage, error)
	ToggleReaction(ctx context.Context, messageID uint, userID, emoji string) (models.ChatMessage, bool, error)
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository constructs a chat repository backed by GORM.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) Create(ctx context.Context, message *models.ChatMessage) error {
	if message.Reactions.Data() == nil {
		message.Reactions = datatypes.NewJSONType(models.ReactionSet{})
	}
	return r.db.WithContext(ctx).Create(message).Error
}

func (r *chatRepository) Get(ctx context.Context, id uint) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := r.db.WithContext(ctx).Where("is_deleted = ?", false).First(&message, id).Error
	if err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

// ListByRoom returns up to limit messages older than beforeID (all when zero), oldest first.
func (r *chatRepository) ListByRoom(ctx context.Context, roomID string, beforeID uint, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	query := r.db.WithContext(ctx).Where("room_id = ? AND is_deleted = ?", roomID, false)
	if beforeID > 0 {
		query = query.Where("id < ?", beforeID)
	}

	var messages []models.ChatMessage
	if err := query.Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse to chronological order ascending for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// ToggleReaction reads the stored reaction set under a row lock, applies the toggle and writes it back
// in the same transaction, so concurrent toggles on one message never overwrite each other.
func (r *chatRepository) ToggleReaction(ctx context.Context, messageID uint, userID, emoji string) (models.ChatMessage, bool, error) {
	var (
		message models.ChatMessage
		added   bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("is_deleted = ?", false).
			First(&message, messageID).Error; err != nil {
			return err
		}

		var next models.ReactionSet
		next, added = message.Reactions.Data().Toggle(userID, emoji)
		message.Reactions = datatypes.NewJSONType(next)

		return tx.Model(&models.ChatMessage{}).
			Where("id = ?", message.ID).
			Update("reactions", message.Reactions).Error
	})
	if err != nil {
		return models.ChatMessage{}, false, err
	}

	return message, added, nil
}
