package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
)

// relayEnvelope carries a room-scoped event between nodes.
type relayEnvelope struct {
	Source  string          `json:"source"`
	RoomID  string          `json:"room_id"`
	Exclude string          `json:"exclude,omitempty"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	SentAt  time.Time       `json:"sent_at"`
}

// EventRelay fans room events out to the other nodes of the cluster. NATS is used when configured,
// otherwise Redis pub/sub. A nil relay or one without transports only delivers locally.
type EventRelay struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	nodeID       string
	hub          *chatHub
	logger       zerolog.Logger
}

func newEventRelay(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, hub *chatHub, logger zerolog.Logger) *EventRelay {
	relay := &EventRelay{
		redis:  redisClient,
		nats:   natsConn,
		nodeID: uuid.NewString(),
		hub:    hub,
		logger: logger.With().Str("component", "chat_relay").Logger(),
	}
	if channelBase != "" {
		relay.redisChannel = channelBase + ":chat:rooms"
		relay.natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".chat.rooms"
	}
	return relay
}

func (r *EventRelay) useNATS() bool {
	return r.nats != nil && r.natsSubject != ""
}

func (r *EventRelay) useRedis() bool {
	return !r.useNATS() && r.redis != nil && r.redisChannel != ""
}

// Publish sends a room event to remote nodes. Local subscribers are served by the hub directly.
func (r *EventRelay) Publish(ctx context.Context, roomID, excludeConnectionID string, event dto.ServerEvent) {
	if r == nil || (!r.useNATS() && !r.useRedis()) {
		return
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		r.logger.Warn().Err(err).Str("event", event.Event).Msg("failed to marshal relayed event")
		return
	}

	payload, err := json.Marshal(relayEnvelope{
		Source:  r.nodeID,
		RoomID:  roomID,
		Exclude: excludeConnectionID,
		Event:   event.Event,
		Data:    data,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to marshal relay envelope")
		return
	}

	if r.useNATS() {
		if err := r.nats.Publish(r.natsSubject, payload); err != nil {
			r.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to publish chat event to nats")
		}
		return
	}
	if err := r.redis.Publish(ctx, r.redisChannel, payload).Err(); err != nil {
		r.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to publish chat event to redis")
	}
}

// Start subscribes to remote events until ctx is cancelled.
func (r *EventRelay) Start(ctx context.Context) {
	if r == nil {
		return
	}
	switch {
	case r.useNATS():
		r.consumeNATS(ctx)
	case r.useRedis():
		go r.consumeRedis(ctx)
	}
}

func (r *EventRelay) consumeRedis(ctx context.Context) {
	pubsub := r.redis.Subscribe(ctx, r.redisChannel)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			r.logger.Error().Err(err).Msg("chat redis subscription closed")
			return
		}
		r.handle([]byte(msg.Payload))
	}
}

// Every node needs every room event, so this is a plain subscription rather than a queue group.
func (r *EventRelay) consumeNATS(ctx context.Context) {
	sub, err := r.nats.Subscribe(r.natsSubject, func(msg *nats.Msg) {
		r.handle(msg.Data)
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to subscribe to nats chat subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to drain chat nats subscription")
		}
	}()
}

func (r *EventRelay) handle(data []byte) {
	var envelope relayEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		r.logger.Warn().Err(err).Msg("invalid relayed chat event")
		return
	}
	if envelope.Source == r.nodeID || envelope.RoomID == "" {
		return
	}

	r.hub.broadcast(envelope.RoomID, dto.NewServerEvent(envelope.Event, envelope.Data), envelope.Exclude)
}
