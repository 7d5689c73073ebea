package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
)

// ReactionReconciler applies toggle-style reactions. Toggles on one message are serialised here and in
// the store, and the full resulting set is broadcast after each one.
type ReactionReconciler struct {
	messages  repository.ChatRepository
	rooms     *RoomResolver
	hub       *chatHub
	relay     *EventRelay
	validator *validator.Validate
	tracer    trace.Tracer
	locks     *keyedMutex
	logger    zerolog.Logger
}

func newReactionReconciler(messages repository.ChatRepository, rooms *RoomResolver, hub *chatHub, relay *EventRelay, validate *validator.Validate, tracer trace.Tracer, logger zerolog.Logger) *ReactionReconciler {
	return &ReactionReconciler{
		messages:  messages,
		rooms:     rooms,
		hub:       hub,
		relay:     relay,
		validator: validate,
		tracer:    tracer,
		locks:     newKeyedMutex(),
		logger:    logger.With().Str("component", "reaction_reconciler").Logger(),
	}
}

// Toggle adds the sender's emoji when absent and removes it when present.
func (r *ReactionReconciler) Toggle(ctx context.Context, sender Sender, payload dto.ReactionRequest) (dto.ReactionUpdatedPayload, error) {
	if err := r.validator.Struct(payload); err != nil {
		return dto.ReactionUpdatedPayload{}, validationError(err)
	}

	spanCtx, span := r.tracer.Start(ctx, "chat.toggle_reaction", trace.WithAttributes(
		attribute.Int64("chat.message_id", int64(payload.MessageID)),
		attribute.String("chat.user_id", sender.UserID),
	))
	defer span.End()

	message, err := r.messages.Get(spanCtx, payload.MessageID)
	if err != nil {
		return dto.ReactionUpdatedPayload{}, storeError(err, fmt.Sprintf("message %d", payload.MessageID))
	}
	if _, err := r.rooms.Accessible(spanCtx, message.RoomID, sender.UserID); err != nil {
		return dto.ReactionUpdatedPayload{}, err
	}

	unlock := r.locks.Lock(strconv.FormatUint(uint64(payload.MessageID), 10))
	defer unlock()

	updated, added, err := r.messages.ToggleReaction(spanCtx, payload.MessageID, sender.UserID, payload.Emoji)
	if err != nil {
		span.RecordError(err)
		return dto.ReactionUpdatedPayload{}, storeError(err, fmt.Sprintf("message %d", payload.MessageID))
	}

	result := dto.ReactionUpdatedPayload{
		MessageID: updated.ID,
		RoomID:    updated.RoomID,
		UserID:    sender.UserID,
		Emoji:     payload.Emoji,
		Reactions: map[string][]string(updated.Reactions.Data().Clone()),
	}

	event := dto.NewServerEvent(dto.EventReactionUpdated, result)
	r.hub.broadcast(updated.RoomID, event, "")
	r.relay.Publish(spanCtx, updated.RoomID, "", event)

	action := "removed"
	if added {
		action = "added"
	}
	observability.ChatReactionsToggled().WithLabelValues(action).Inc()
	r.logger.Debug().Uint("message_id", updated.ID).Str("user_id", sender.UserID).Str("emoji", payload.Emoji).Str("action", action).Msg("reaction toggled")

	return result, nil
}
