package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
)

var errEmptyContent = fmt.Errorf("%w: message content empty after sanitization", ErrValidation)

// Sender identifies who triggered an operation and through which connection.
type Sender struct {
	dto.ChatIdentity
	ConnectionID string
}

// MessageRouter persists messages and fans them out to room subscribers. Persist and broadcast for a
// room happen under one lock so every subscriber observes the persisted order.
type MessageRouter struct {
	messages  repository.ChatRepository
	users     repository.UserRepository
	rooms     *RoomResolver
	presence  *PresenceRegistry
	hub       *chatHub
	relay     *EventRelay
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	tracer    trace.Tracer
	sequencer *keyedMutex
	logger    zerolog.Logger
	now       func() time.Time
}

func newMessageRouter(messages repository.ChatRepository, users repository.UserRepository, rooms *RoomResolver, presence *PresenceRegistry, hub *chatHub, relay *EventRelay, validate *validator.Validate, tracer trace.Tracer, logger zerolog.Logger) *MessageRouter {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &MessageRouter{
		messages:  messages,
		users:     users,
		rooms:     rooms,
		presence:  presence,
		hub:       hub,
		relay:     relay,
		validator: validate,
		sanitizer: sanitizer,
		tracer:    tracer,
		sequencer: newKeyedMutex(),
		logger:    logger.With().Str("component", "message_router").Logger(),
		now:       time.Now,
	}
}

// Send posts a message into a room the sender participates in.
func (r *MessageRouter) Send(ctx context.Context, sender Sender, payload dto.ChatSendRequest) (dto.ChatMessageResponse, error) {
	if err := r.validator.Struct(payload); err != nil {
		return dto.ChatMessageResponse{}, validationError(err)
	}

	messageType := payload.Type
	if messageType == "" {
		messageType = models.MessageTypeText
	}
	if messageType != models.MessageTypeText && payload.Attachment == nil {
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: %s message needs an attachment", ErrValidation, messageType)
	}

	content := r.sanitize(payload.Content)
	if content == "" && messageType == models.MessageTypeText {
		return dto.ChatMessageResponse{}, errEmptyContent
	}

	spanCtx, span := r.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("chat.room_id", payload.RoomID),
		attribute.String("chat.sender_id", sender.UserID),
		attribute.String("chat.type", messageType),
	))
	defer span.End()

	room, err := r.rooms.Room(spanCtx, payload.RoomID)
	if err != nil {
		span.RecordError(err)
		return dto.ChatMessageResponse{}, err
	}
	if !room.IsActive || !r.rooms.IsParticipant(room, sender.UserID) {
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: room %s", ErrAccessDenied, room.ID)
	}

	if payload.ReplyTo != nil {
		parent, err := r.messages.Get(spanCtx, *payload.ReplyTo)
		if err != nil {
			return dto.ChatMessageResponse{}, storeError(err, fmt.Sprintf("message %d", *payload.ReplyTo))
		}
		if parent.RoomID != room.ID {
			return dto.ChatMessageResponse{}, fmt.Errorf("%w: reply target belongs to another room", ErrValidation)
		}
	}

	message := models.ChatMessage{
		RoomID:    room.ID,
		SenderID:  sender.UserID,
		Content:   content,
		Type:      messageType,
		ReplyToID: payload.ReplyTo,
	}
	if payload.Attachment != nil {
		message.AttachmentName = payload.Attachment.Name
		message.AttachmentURL = payload.Attachment.URL
		message.AttachmentSize = payload.Attachment.Size
	}

	response, err := r.deliver(spanCtx, room, &message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return dto.ChatMessageResponse{}, err
	}
	return response, nil
}

// SendPrivate resolves the direct room shared with the recipient and posts into it. An offline
// recipient still gets the message persisted; it is delivered live to the sender only.
func (r *MessageRouter) SendPrivate(ctx context.Context, sender Sender, payload dto.PrivateMessageRequest) (dto.ChatMessageResponse, error) {
	if err := r.validator.Struct(payload); err != nil {
		return dto.ChatMessageResponse{}, validationError(err)
	}
	if payload.RecipientUserID == sender.UserID {
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: cannot message yourself", ErrValidation)
	}

	content := r.sanitize(payload.Content)
	if content == "" {
		return dto.ChatMessageResponse{}, errEmptyContent
	}

	spanCtx, span := r.tracer.Start(ctx, "chat.send_private", trace.WithAttributes(
		attribute.String("chat.sender_id", sender.UserID),
		attribute.String("chat.recipient_id", payload.RecipientUserID),
	))
	defer span.End()

	recipient, err := r.users.Find(spanCtx, payload.RecipientUserID)
	if err != nil {
		return dto.ChatMessageResponse{}, storeError(err, "recipient "+payload.RecipientUserID)
	}

	room, err := r.rooms.FindOrCreateRoom(spanCtx, models.RoomKindDirect, []string{sender.UserID, recipient.ID}, directRoomName(sender.UserID, sender.Username, recipient.ID, recipient.Username))
	if err != nil {
		span.RecordError(err)
		return dto.ChatMessageResponse{}, err
	}

	r.hub.subscribe(sender.ConnectionID, room.ID)
	if connectionID, online := r.presence.ConnectionFor(recipient.ID); online {
		r.hub.subscribe(connectionID, room.ID)
	}

	message := models.ChatMessage{
		RoomID:   room.ID,
		SenderID: sender.UserID,
		Content:  content,
		Type:     models.MessageTypeText,
	}

	response, err := r.deliver(spanCtx, room, &message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return dto.ChatMessageResponse{}, err
	}
	return response, nil
}

// deliver persists and broadcasts while holding the room lock. A failed persist broadcasts nothing.
func (r *MessageRouter) deliver(ctx context.Context, room models.Room, message *models.ChatMessage) (dto.ChatMessageResponse, error) {
	unlock := r.sequencer.Lock(room.ID)
	defer unlock()

	if err := r.messages.Create(ctx, message); err != nil {
		return dto.ChatMessageResponse{}, storeError(err, "message")
	}

	if err := r.rooms.Touch(ctx, room.ID, message.ID, r.now().UTC()); err != nil {
		r.logger.Warn().Err(err).Str("room_id", room.ID).Uint("message_id", message.ID).Msg("failed to update room activity")
	}

	response := dto.NewChatMessageResponse(*message)
	event := dto.NewServerEvent(dto.EventNewMessage, response)
	delivered := r.hub.broadcast(room.ID, event, "")
	r.relay.Publish(ctx, room.ID, "", event)

	observability.ChatMessagesSent().WithLabelValues(message.Type).Inc()
	r.logger.Debug().Str("room_id", room.ID).Uint("message_id", message.ID).Int("delivered", delivered).Msg("chat message routed")

	return response, nil
}

func (r *MessageRouter) sanitize(content string) string {
	return strings.TrimSpace(r.sanitizer.Sanitize(content))
}

func directRoomName(firstID, firstName, secondID, secondName string) string {
	if secondID < firstID {
		firstName, secondName = secondName, firstName
	}
	return firstName + " & " + secondName
}
