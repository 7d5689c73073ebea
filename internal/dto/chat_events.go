package dto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Client → server events.
const (
	EventJoinRoom           = "join_room"
	EventSendMessage        = "send_message"
	EventSendPrivateMessage = "send_private_message"
	EventTypingStart        = "typing_start"
	EventTypingStop         = "typing_stop"
	EventAddReaction        = "add_reaction"
)

// Server → client events.
const (
	EventOnlineUsers      = "online_users"
	EventRooms            = "rooms"
	EventRoomMessages     = "room_messages"
	EventNewMessage       = "new_message"
	EventReactionUpdated  = "reaction_updated"
	EventUserTyping       = "user_typing"
	EventUserStatusChange = "user_status_change"
	EventUserJoinedRoom   = "user_joined_room"
	EventError            = "error"
)

// ErrInvalidEvent indicates a frame that is not a well-formed client event.
var ErrInvalidEvent = errors.New("invalid client event")

const clientEnvelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": {
      "type": "string",
      "enum": ["join_room", "send_message", "send_private_message", "typing_start", "typing_stop", "add_reaction"]
    },
    "data": {"type": ["object", "string"]}
  }
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

// ClientEvent is the closed set of events a connection may send. Each variant carries its typed payload.
type ClientEvent interface {
	EventName() string
	isClientEvent()
}

// JoinRoomRequest subscribes the connection to a room and pulls its recent history.
type JoinRoomRequest struct {
	RoomID string `json:"room_id" validate:"required,max=128"`
}

// ChatSendRequest represents the payload sent from clients to broadcast a chat message. Image and file
// messages may omit the caption.
type ChatSendRequest struct {
	RoomID     string          `json:"room_id" validate:"required,max=128"`
	Content    string          `json:"content" validate:"required_without=Attachment,max=2000"`
	Type       string          `json:"type" validate:"omitempty,oneof=text image file"`
	Attachment *ChatAttachment `json:"attachment"`
	ReplyTo    *uint           `json:"reply_to" validate:"omitempty,gt=0"`
}

// PrivateMessageRequest sends a message into the direct room shared with the recipient.
type PrivateMessageRequest struct {
	RecipientUserID string `json:"recipient_user_id" validate:"required,max=64"`
	Content         string `json:"content" validate:"required,min=1,max=2000"`
}

// TypingRequest carries typing_start and typing_stop.
type TypingRequest struct {
	RoomID   string `json:"room_id" validate:"required,max=128"`
	IsTyping bool   `json:"-"`
}

// ReactionRequest toggles the sender's emoji on a message.
type ReactionRequest struct {
	MessageID uint   `json:"message_id" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

func (JoinRoomRequest) EventName() string       { return EventJoinRoom }
func (ChatSendRequest) EventName() string       { return EventSendMessage }
func (PrivateMessageRequest) EventName() string { return EventSendPrivateMessage }
func (ReactionRequest) EventName() string       { return EventAddReaction }

func (r TypingRequest) EventName() string {
	if r.IsTyping {
		return EventTypingStart
	}
	return EventTypingStop
}

func (JoinRoomRequest) isClientEvent()       {}
func (ChatSendRequest) isClientEvent()       {}
func (PrivateMessageRequest) isClientEvent() {}
func (TypingRequest) isClientEvent()         {}
func (ReactionRequest) isClientEvent()       {}

type clientEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeClientEvent parses a raw websocket frame into its typed event.
// Unknown event names and malformed payloads are reported as ErrInvalidEvent.
func DecodeClientEvent(raw []byte) (ClientEvent, error) {
	schema, err := clientSchema()
	if err != nil {
		return nil, err
	}

	var document interface{}
	if err := json.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := schema.Validate(document); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var envelope clientEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	switch envelope.Event {
	case EventJoinRoom:
		var roomID string
		if err := json.Unmarshal(envelope.Data, &roomID); err == nil {
			return JoinRoomRequest{RoomID: strings.TrimSpace(roomID)}, nil
		}
		var payload JoinRoomRequest
		if err := decodePayload(envelope.Data, &payload); err != nil {
			return nil, err
		}
		payload.RoomID = strings.TrimSpace(payload.RoomID)
		return payload, nil
	case EventSendMessage:
		var payload ChatSendRequest
		if err := decodePayload(envelope.Data, &payload); err != nil {
			return nil, err
		}
		payload.RoomID = strings.TrimSpace(payload.RoomID)
		return payload, nil
	case EventSendPrivateMessage:
		var payload PrivateMessageRequest
		if err := decodePayload(envelope.Data, &payload); err != nil {
			return nil, err
		}
		payload.RecipientUserID = strings.TrimSpace(payload.RecipientUserID)
		return payload, nil
	case EventTypingStart, EventTypingStop:
		var payload TypingRequest
		if err := decodePayload(envelope.Data, &payload); err != nil {
			return nil, err
		}
		payload.RoomID = strings.TrimSpace(payload.RoomID)
		payload.IsTyping = envelope.Event == EventTypingStart
		return payload, nil
	case EventAddReaction:
		var payload ReactionRequest
		if err := decodePayload(envelope.Data, &payload); err != nil {
			return nil, err
		}
		payload.Emoji = strings.TrimSpace(payload.Emoji)
		return payload, nil
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidEvent, envelope.Event)
	}
}

func decodePayload(data json.RawMessage, target interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidEvent)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

func clientSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("client_event.json", strings.NewReader(clientEnvelopeSchema)); err != nil {
			envelopeSchemaErr = err
			return
		}
		envelopeSchema, envelopeSchemaErr = compiler.Compile("client_event.json")
	})
	return envelopeSchema, envelopeSchemaErr
}

// ServerEvent is an outbound frame.
type ServerEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// NewServerEvent builds an outbound frame.
func NewServerEvent(name string, data interface{}) ServerEvent {
	return ServerEvent{Event: name, Data: data}
}

// OnlineUser is a roster entry.
type OnlineUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// RoomMessagesPayload carries the recent history window of a room, oldest first.
type RoomMessagesPayload struct {
	RoomID   string                `json:"room_id"`
	Messages []ChatMessageResponse `json:"messages"`
}

// ReactionUpdatedPayload carries the full reaction set of a message after a toggle.
type ReactionUpdatedPayload struct {
	MessageID uint                `json:"message_id"`
	RoomID    string              `json:"room_id"`
	UserID    string              `json:"user_id"`
	Emoji     string              `json:"emoji"`
	Reactions map[string][]string `json:"reactions"`
}

// UserTypingPayload is the ephemeral typing signal.
type UserTypingPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// UserStatusPayload announces presence changes.
type UserStatusPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// UserJoinedRoomPayload tells room subscribers a user joined.
type UserJoinedRoomPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	RoomID   string `json:"room_id"`
}

// ErrorPayload reports a failed operation to the originating connection.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}
