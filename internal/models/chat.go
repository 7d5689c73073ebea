package models

import (
	"time"

	"gorm.io/datatypes"
)

// UserStatus is the durable presence status stored on a user record.
type UserStatus string

const (
	UserStatusOnline  UserStatus = "online"
	UserStatusOffline UserStatus = "offline"
	UserStatusAway    UserStatus = "away"
)

// RoomKind distinguishes persistent rooms from two-party conversations.
type RoomKind string

const (
	RoomKindPublic  RoomKind = "public"
	RoomKindPrivate RoomKind = "private"
	RoomKindDirect  RoomKind = "direct"
)

// IsPairwise reports whether rooms of this kind have exactly two participants and a derived identifier.
func (k RoomKind) IsPairwise() bool {
	return k == RoomKindPrivate || k == RoomKindDirect
}

// Message kinds accepted by the chat engine.
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
)

// User represents a chat participant and their durable presence state.
type User struct {
	ID           string     `gorm:"primaryKey;size:64" json:"id"`
	Username     string     `gorm:"size:64;index" json:"username"`
	Status       UserStatus `gorm:"size:16;index;default:offline" json:"status"`
	LastSeen     time.Time  `json:"last_seen"`
	ConnectionID *string    `gorm:"size:64" json:"connection_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Room is a conversation space. Direct and private rooms use a canonical identifier derived from the participant pair.
type Room struct {
	ID            string            `gorm:"primaryKey;size:128" json:"id"`
	Name          string            `gorm:"size:100" json:"name"`
	Description   string            `gorm:"size:500" json:"description"`
	Kind          RoomKind          `gorm:"size:16;index:idx_rooms_kind_active,priority:1" json:"kind"`
	OwnerID       string            `gorm:"size:64;index" json:"owner_id"`
	IsActive      bool              `gorm:"not null;default:true;index:idx_rooms_kind_active,priority:2" json:"is_active"`
	LastMessageID *uint             `json:"last_message_id,omitempty"`
	LastActivity  time.Time         `gorm:"index" json:"last_activity"`
	Participants  []RoomParticipant `gorm:"foreignKey:RoomID;constraint:OnDelete:CASCADE" json:"participants"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// RoomParticipant is a single membership of a user in a room.
type RoomParticipant struct {
	RoomID   string    `gorm:"primaryKey;size:128" json:"room_id"`
	UserID   string    `gorm:"primaryKey;size:64;index" json:"user_id"`
	JoinedAt time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

// HasParticipant reports whether the user belongs to the room membership set.
func (r Room) HasParticipant(userID string) bool {
	for _, participant := range r.Participants {
		if participant.UserID == userID {
			return true
		}
	}
	return false
}

// ParticipantIDs lists the member identifiers of the room.
func (r Room) ParticipantIDs() []string {
	ids := make([]string, 0, len(r.Participants))
	for _, participant := range r.Participants {
		ids = append(ids, participant.UserID)
	}
	return ids
}

// ChatMessage represents a single chat payload posted into a room.
type ChatMessage struct {
	ID             uint                            `gorm:"primaryKey" json:"id"`
	RoomID         string                          `gorm:"size:128;index:idx_chat_messages_room_id,priority:1" json:"room_id"`
	SenderID       string                          `gorm:"size:64;index" json:"sender_id"`
	Content        string                          `gorm:"type:text" json:"content"`
	Type           string                          `gorm:"size:32;default:text" json:"type"`
	AttachmentName string                          `gorm:"size:255" json:"attachment_name,omitempty"`
	AttachmentURL  string                          `gorm:"size:1024" json:"attachment_url,omitempty"`
	AttachmentSize int64                           `json:"attachment_size,omitempty"`
	ReplyToID      *uint                           `gorm:"index" json:"reply_to_id,omitempty"`
	Reactions      datatypes.JSONType[ReactionSet] `json:"reactions"`
	IsDeleted      bool                            `gorm:"not null;default:false;index:idx_chat_messages_room_id,priority:2" json:"is_deleted"`
	CreatedAt      time.Time                       `json:"created_at"`
	UpdatedAt      time.Time                       `json:"updated_at"`
}

// ReactionSet maps an emoji to the users who attached it to a message.
// An emoji never maps to an empty user list.
type ReactionSet map[string][]string

// Toggle applies add-if-absent / remove-if-present for the user on the emoji and returns the
// resulting set along with whether the user was added. The receiver is left untouched.
func (s ReactionSet) Toggle(userID, emoji string) (ReactionSet, bool) {
	next := s.Clone()

	users, exists := next[emoji]
	if exists {
		for i, existing := range users {
			if existing != userID {
				continue
			}
			remaining := append(users[:i:i], users[i+1:]...)
			if len(remaining) == 0 {
				delete(next, emoji)
			} else {
				next[emoji] = remaining
			}
			return next, false
		}
		next[emoji] = append(users, userID)
		return next, true
	}

	next[emoji] = []string{userID}
	return next, true
}

// Clone returns a deep copy with empty entries dropped.
func (s ReactionSet) Clone() ReactionSet {
	out := make(ReactionSet, len(s))
	for emoji, users := range s {
		if len(users) == 0 {
			continue
		}
		copied := make([]string, len(users))
		copy(copied, users)
		out[emoji] = copied
	}
	return out
}

// Has reports whether the user is part of the emoji's user set.
func (s ReactionSet) Has(userID, emoji string) bool {
	for _, existing := range s[emoji] {
		if existing == userID {
			return true
		}
	}
	return false
}
