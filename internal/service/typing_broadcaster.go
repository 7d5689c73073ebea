package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
)

const defaultTypingTTL = 8 * time.Second

type typingKey struct {
	roomID string
	userID string
}

type typingEntry struct {
	connectionID string
	username     string
	timer        *time.Timer
}

// TypingBroadcaster relays ephemeral typing signals. Nothing is persisted; an indicator that is not
// refreshed within the TTL is withdrawn with a synthetic stop.
type TypingBroadcaster struct {
	mu        sync.Mutex
	active    map[typingKey]*typingEntry
	ttl       time.Duration
	hub       *chatHub
	relay     *EventRelay
	validator *validator.Validate
	logger    zerolog.Logger
}

func newTypingBroadcaster(hub *chatHub, relay *EventRelay, ttl time.Duration, validate *validator.Validate, logger zerolog.Logger) *TypingBroadcaster {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	return &TypingBroadcaster{
		active:    make(map[typingKey]*typingEntry),
		ttl:       ttl,
		hub:       hub,
		relay:     relay,
		validator: validate,
		logger:    logger.With().Str("component", "typing_broadcaster").Logger(),
	}
}

// Typing broadcasts a start or stop signal to the room, excluding the originating connection.
func (b *TypingBroadcaster) Typing(ctx context.Context, sender Sender, payload dto.TypingRequest) error {
	if err := b.validator.Struct(payload); err != nil {
		return validationError(err)
	}
	if !b.hub.isSubscribed(sender.ConnectionID, payload.RoomID) {
		return fmt.Errorf("%w: room %s", ErrAccessDenied, payload.RoomID)
	}

	key := typingKey{roomID: payload.RoomID, userID: sender.UserID}

	b.mu.Lock()
	if current, ok := b.active[key]; ok {
		current.timer.Stop()
		delete(b.active, key)
	}
	if payload.IsTyping {
		entry := &typingEntry{connectionID: sender.ConnectionID, username: sender.Username}
		entry.timer = time.AfterFunc(b.ttl, func() { b.expire(key, entry) })
		b.active[key] = entry
	}
	b.mu.Unlock()

	b.emit(ctx, key, sender.Username, sender.ConnectionID, payload.IsTyping)
	return nil
}

// ClearUser withdraws every indicator the user still has, used when their connection goes away.
func (b *TypingBroadcaster) ClearUser(ctx context.Context, userID string) {
	type cleared struct {
		key   typingKey
		entry *typingEntry
	}

	b.mu.Lock()
	var pending []cleared
	for key, entry := range b.active {
		if key.userID != userID {
			continue
		}
		entry.timer.Stop()
		delete(b.active, key)
		pending = append(pending, cleared{key: key, entry: entry})
	}
	b.mu.Unlock()

	for _, item := range pending {
		b.emit(ctx, item.key, item.entry.username, item.entry.connectionID, false)
	}
}

// IsTyping reports whether the user has a live indicator in the room.
func (b *TypingBroadcaster) IsTyping(roomID, userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.active[typingKey{roomID: roomID, userID: userID}]
	return ok
}

// Stop cancels every pending expiry.
func (b *TypingBroadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, entry := range b.active {
		entry.timer.Stop()
		delete(b.active, key)
	}
}

func (b *TypingBroadcaster) expire(key typingKey, entry *typingEntry) {
	b.mu.Lock()
	current, ok := b.active[key]
	if !ok || current != entry {
		b.mu.Unlock()
		return
	}
	delete(b.active, key)
	b.mu.Unlock()

	b.logger.Debug().Str("room_id", key.roomID).Str("user_id", key.userID).Msg("typing indicator expired")
	b.emit(context.Background(), key, entry.username, entry.connectionID, false)
}

func (b *TypingBroadcaster) emit(ctx context.Context, key typingKey, username, excludeConnectionID string, isTyping bool) {
	event := dto.NewServerEvent(dto.EventUserTyping, dto.UserTypingPayload{
		UserID:   key.userID,
		Username: username,
		RoomID:   key.roomID,
		IsTyping: isTyping,
	})
	b.hub.broadcast(key.roomID, event, excludeConnectionID)
	b.relay.Publish(ctx, key.roomID, excludeConnectionID, event)
}
