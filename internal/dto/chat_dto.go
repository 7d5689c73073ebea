package dto

import (
	"time"

	"github.com/noah-isme/gema-chat/internal/models"
)

// ChatIdentity is the verified identity attached to a connection.
type ChatIdentity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// ChatAttachment describes an uploaded file referenced by a message.
type ChatAttachment struct {
	Name string `json:"name" validate:"required,max=255"`
	URL  string `json:"url" validate:"required,url,max=1024"`
	Size int64  `json:"size" validate:"gte=0"`
}

// ChatHistoryQuery represents query filters for retrieving chat history.
// Before is a message id cursor: only older messages are returned.
type ChatHistoryQuery struct {
	RoomID string `query:"room_id" validate:"required,max=128"`
	Before uint   `query:"before"`
	Limit  int    `query:"limit" validate:"omitempty,min=1,max=100"`
}

// ChatMessageResponse is the serialized representation of a chat message.
type ChatMessageResponse struct {
	ID         uint                `json:"id"`
	RoomID     string              `json:"room_id"`
	SenderID   string              `json:"sender_id"`
	Content    string              `json:"content"`
	Type       string              `json:"type"`
	Attachment *ChatAttachment     `json:"attachment,omitempty"`
	ReplyTo    *uint               `json:"reply_to,omitempty"`
	Reactions  map[string][]string `json:"reactions"`
	CreatedAt  time.Time           `json:"created_at"`
}

// NewChatMessageResponse converts a model into a DTO.
func NewChatMessageResponse(message models.ChatMessage) ChatMessageResponse {
	response := ChatMessageResponse{
		ID:        message.ID,
		RoomID:    message.RoomID,
		SenderID:  message.SenderID,
		Content:   message.Content,
		Type:      message.Type,
		ReplyTo:   message.ReplyToID,
		Reactions: map[string][]string(message.Reactions.Data().Clone()),
		CreatedAt: message.CreatedAt,
	}
	if message.AttachmentURL != "" {
		response.Attachment = &ChatAttachment{
			Name: message.AttachmentName,
			URL:  message.AttachmentURL,
			Size: message.AttachmentSize,
		}
	}
	return response
}

// NewChatMessageResponseSlice converts a slice of models into DTOs.
func NewChatMessageResponseSlice(messages []models.ChatMessage) []ChatMessageResponse {
	out := make([]ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewChatMessageResponse(message))
	}
	return out
}

// RoomSummary is the room list entry pushed to clients.
type RoomSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	Participants  []string  `json:"participants"`
	LastMessageID *uint     `json:"last_message_id,omitempty"`
	LastActivity  time.Time `json:"last_activity"`
}

// NewRoomSummary converts a room model into its list representation.
func NewRoomSummary(room models.Room) RoomSummary {
	return RoomSummary{
		ID:            room.ID,
		Name:          room.Name,
		Kind:          string(room.Kind),
		Participants:  room.ParticipantIDs(),
		LastMessageID: room.LastMessageID,
		LastActivity:  room.LastActivity,
	}
}

// NewRoomSummarySlice converts rooms to their list representation.
func NewRoomSummarySlice(rooms []models.Room) []RoomSummary {
	out := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, NewRoomSummary(room))
	}
	return out
}
