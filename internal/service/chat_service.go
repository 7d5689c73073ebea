package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
)

const (
	closeUnauthorized = 4401
	maxFrameBytes     = 64 * 1024
	writeWait         = 10 * time.Second
)

// IdentityVerifier turns the credential presented at connect time into a verified identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (dto.ChatIdentity, error)
}

// ChatConnectionOptions wraps metadata extracted during the HTTP upgrade.
type ChatConnectionOptions struct {
	Credential    string
	CorrelationID string
	Context       context.Context
}

// ChatConfig tunes the engine.
type ChatConfig struct {
	DefaultRoomID   string
	DefaultRoomName string
	HistoryLimit    int
	TypingTTL       time.Duration
	SendBufferSize  int
	PingInterval    time.Duration
	ChannelBase     string
}

// ChatDependencies groups the collaborators of the chat engine.
type ChatDependencies struct {
	Users     repository.UserRepository
	Rooms     repository.RoomRepository
	Messages  repository.ChatRepository
	Verifier  IdentityVerifier
	Redis     *redis.Client
	NATS      *nats.Conn
	Validator *validator.Validate
	Logger    zerolog.Logger
}

// ChatService manages websocket chat connections, presence and room traffic.
type ChatService interface {
	ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions)
	Connect(ctx context.Context, credential string) (*Session, error)
	Handle(ctx context.Context, session *Session, event dto.ClientEvent) error
	Disconnect(ctx context.Context, connectionID string)
	History(ctx context.Context, userID string, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error)
	Rooms(ctx context.Context, userID string) ([]dto.RoomSummary, error)
	EnsureDefaultRoom(ctx context.Context) error
	ActiveConnections() int
	Start(ctx context.Context)
}

type chatService struct {
	users     repository.UserRepository
	messages  repository.ChatRepository
	verifier  IdentityVerifier
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	config    ChatConfig

	hub       *chatHub
	presence  *PresenceRegistry
	resolver  *RoomResolver
	router    *MessageRouter
	reactions *ReactionReconciler
	typing    *TypingBroadcaster
	relay     *EventRelay
	now       func() time.Time
}

// NewChatService wires the chat engine.
func NewChatService(deps ChatDependencies, cfg ChatConfig) ChatService {
	if cfg.DefaultRoomID == "" {
		cfg.DefaultRoomID = "general"
	}
	if cfg.DefaultRoomName == "" {
		cfg.DefaultRoomName = "General"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 32
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	validate := deps.Validator
	if validate == nil {
		validate = validator.New()
	}

	logger := deps.Logger
	tracer := otel.Tracer("github.com/noah-isme/gema-chat/internal/service/chat")

	hub := newChatHub(logger)
	presence := NewPresenceRegistry()
	relay := newEventRelay(deps.Redis, deps.NATS, cfg.ChannelBase, hub, logger)
	resolver := NewRoomResolver(deps.Rooms, cfg.DefaultRoomID, cfg.DefaultRoomName, logger)

	return &chatService{
		users:     deps.Users,
		messages:  deps.Messages,
		verifier:  deps.Verifier,
		validator: validate,
		logger:    logger.With().Str("component", "chat_service").Logger(),
		tracer:    tracer,
		config:    cfg,
		hub:       hub,
		presence:  presence,
		resolver:  resolver,
		router:    newMessageRouter(deps.Messages, deps.Users, resolver, presence, hub, relay, validate, tracer, logger),
		reactions: newReactionReconciler(deps.Messages, resolver, hub, relay, validate, tracer, logger),
		typing:    newTypingBroadcaster(hub, relay, cfg.TypingTTL, validate, logger),
		relay:     relay,
		now:       time.Now,
	}
}

func (s *chatService) Start(ctx context.Context) {
	s.relay.Start(ctx)
	go func() {
		<-ctx.Done()
		s.typing.Stop()
	}()
}

func (s *chatService) ActiveConnections() int {
	return s.hub.count()
}

func (s *chatService) EnsureDefaultRoom(ctx context.Context) error {
	_, err := s.resolver.EnsureDefaultRoom(ctx)
	return err
}

// Connect authenticates the credential, registers presence and subscribes the new session to every
// room the user can see. The session receives the roster, its room list and the default room history.
func (s *chatService) Connect(ctx context.Context, credential string) (*Session, error) {
	identity, err := s.verifier.Verify(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	if _, err := s.users.Ensure(ctx, identity.UserID, identity.Username); err != nil {
		return nil, storeError(err, "user "+identity.UserID)
	}

	session := newSession(uuid.NewString(), identity, s.config.SendBufferSize)
	s.hub.add(session)
	if displaced, ok := s.presence.Register(identity, session.id); ok {
		s.logger.Info().Str("user_id", identity.UserID).Str("displaced_connection_id", displaced).Msg("presence displaced by newer connection")
	}

	observability.ChatConnectionsTotal().Inc()
	observability.ChatActiveConnections().Inc()

	connectionID := session.id
	if err := s.users.UpdatePresence(ctx, repository.PresenceUpdate{
		UserID:       identity.UserID,
		Status:       models.UserStatusOnline,
		ConnectionID: &connectionID,
		LastSeen:     s.now().UTC(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("user_id", identity.UserID).Msg("failed to persist online status")
	}

	if _, err := s.resolver.Join(ctx, s.resolver.DefaultRoomID(), identity.UserID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", identity.UserID).Msg("failed to join default room")
	}

	rooms, err := s.resolver.ListRoomsFor(ctx, identity.UserID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", identity.UserID).Msg("failed to list rooms for connection")
	}
	// The room list shows every public room, but only memberships are subscribed. Other public rooms
	// stay silent until join_room.
	s.hub.subscribe(session.id, s.resolver.DefaultRoomID())
	for _, room := range rooms {
		if room.HasParticipant(identity.UserID) {
			s.hub.subscribe(session.id, room.ID)
		}
	}

	session.deliver(dto.NewServerEvent(dto.EventOnlineUsers, s.onlineUsers()))
	session.deliver(dto.NewServerEvent(dto.EventRooms, dto.NewRoomSummarySlice(rooms)))

	history, err := s.messages.ListByRoom(ctx, s.resolver.DefaultRoomID(), 0, s.config.HistoryLimit)
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", s.resolver.DefaultRoomID()).Msg("failed to load default room history")
	}
	session.deliver(dto.NewServerEvent(dto.EventRoomMessages, dto.RoomMessagesPayload{
		RoomID:   s.resolver.DefaultRoomID(),
		Messages: dto.NewChatMessageResponseSlice(history),
	}))

	s.hub.broadcastAll(dto.NewServerEvent(dto.EventUserStatusChange, dto.UserStatusPayload{
		UserID:   identity.UserID,
		Username: identity.Username,
		Status:   string(models.UserStatusOnline),
	}), session.id)

	s.logger.Info().
		Str("user_id", identity.UserID).
		Str("connection_id", session.id).
		Str("correlation_id", middleware.CorrelationIDFromContext(ctx)).
		Int("rooms", len(rooms)).
		Msg("chat connection established")

	return session, nil
}

// Handle dispatches one client event. Failures are reported to the originating session as an error
// event and returned.
func (s *chatService) Handle(ctx context.Context, session *Session, event dto.ClientEvent) error {
	sender := Sender{ChatIdentity: session.identity, ConnectionID: session.id}

	var err error
	switch payload := event.(type) {
	case dto.JoinRoomRequest:
		err = s.joinRoom(ctx, session, payload)
	case dto.ChatSendRequest:
		_, err = s.router.Send(ctx, sender, payload)
	case dto.PrivateMessageRequest:
		_, err = s.router.SendPrivate(ctx, sender, payload)
	case dto.TypingRequest:
		err = s.typing.Typing(ctx, sender, payload)
	case dto.ReactionRequest:
		_, err = s.reactions.Toggle(ctx, sender, payload)
	default:
		err = fmt.Errorf("%w: unsupported event %T", ErrValidation, event)
	}

	if err != nil {
		name := ""
		if event != nil {
			name = event.EventName()
		}
		s.reject(session, name, err)
	}
	return err
}

func (s *chatService) joinRoom(ctx context.Context, session *Session, payload dto.JoinRoomRequest) error {
	if err := s.validator.Struct(payload); err != nil {
		return validationError(err)
	}

	room, err := s.resolver.Join(ctx, payload.RoomID, session.identity.UserID)
	if err != nil {
		return err
	}
	s.hub.subscribe(session.id, room.ID)

	history, err := s.messages.ListByRoom(ctx, room.ID, 0, s.config.HistoryLimit)
	if err != nil {
		return storeError(err, "room history")
	}
	session.deliver(dto.NewServerEvent(dto.EventRoomMessages, dto.RoomMessagesPayload{
		RoomID:   room.ID,
		Messages: dto.NewChatMessageResponseSlice(history),
	}))

	joined := dto.NewServerEvent(dto.EventUserJoinedRoom, dto.UserJoinedRoomPayload{
		UserID:   session.identity.UserID,
		Username: session.identity.Username,
		RoomID:   room.ID,
	})
	s.hub.broadcast(room.ID, joined, session.id)
	s.relay.Publish(ctx, room.ID, session.id, joined)

	return nil
}

// Disconnect tears down a connection. Connections that were displaced or already removed leave
// presence untouched and announce nothing.
func (s *chatService) Disconnect(ctx context.Context, connectionID string) {
	if _, ok := s.hub.remove(connectionID); ok {
		observability.ChatActiveConnections().Dec()
	}

	entry, ok := s.presence.Unregister(connectionID)
	if !ok {
		s.logger.Debug().Str("connection_id", connectionID).Msg("disconnect without presence entry")
		return
	}

	s.typing.ClearUser(ctx, entry.UserID)

	err := s.users.UpdatePresence(ctx, repository.PresenceUpdate{
		UserID:         entry.UserID,
		Status:         models.UserStatusOffline,
		LastSeen:       s.now().UTC(),
		IfConnectionID: connectionID,
	})
	switch {
	case errors.Is(err, repository.ErrStalePresence):
		s.logger.Debug().Str("user_id", entry.UserID).Str("connection_id", connectionID).Msg("offline status superseded by reconnect")
	case err != nil:
		s.logger.Warn().Err(err).Str("user_id", entry.UserID).Msg("failed to persist offline status")
	}

	// A reconnect that registered while the offline write was in flight owns presence now.
	if s.presence.IsOnline(entry.UserID) {
		s.logger.Debug().Str("user_id", entry.UserID).Str("connection_id", connectionID).Msg("departure suppressed, user reconnected")
		return
	}

	s.hub.broadcastAll(dto.NewServerEvent(dto.EventUserStatusChange, dto.UserStatusPayload{
		UserID:   entry.UserID,
		Username: entry.Username,
		Status:   string(models.UserStatusOffline),
	}), connectionID)

	s.logger.Info().Str("user_id", entry.UserID).Str("connection_id", connectionID).Msg("chat connection closed")
}

func (s *chatService) History(ctx context.Context, userID string, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, validationError(err)
	}
	if _, err := s.resolver.Accessible(ctx, query.RoomID, userID); err != nil {
		return nil, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = s.config.HistoryLimit
	}

	messages, err := s.messages.ListByRoom(ctx, query.RoomID, query.Before, limit)
	if err != nil {
		return nil, storeError(err, "room history")
	}
	return dto.NewChatMessageResponseSlice(messages), nil
}

func (s *chatService) Rooms(ctx context.Context, userID string) ([]dto.RoomSummary, error) {
	rooms, err := s.resolver.ListRoomsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return dto.NewRoomSummarySlice(rooms), nil
}

func (s *chatService) onlineUsers() []dto.OnlineUser {
	entries := s.presence.Online()
	users := make([]dto.OnlineUser, 0, len(entries))
	for _, entry := range entries {
		users = append(users, dto.OnlineUser{
			UserID:   entry.UserID,
			Username: entry.Username,
			Status:   string(models.UserStatusOnline),
		})
	}
	return users
}

func (s *chatService) reject(session *Session, event string, err error) {
	kind := ErrorKind(err)
	observability.ChatEventErrors().WithLabelValues(event, kind).Inc()

	logEvent := s.logger.Warn()
	if kind == "persistence" || kind == "internal" {
		logEvent = s.logger.Error()
	}
	logEvent.Err(err).Str("event", event).Str("connection_id", session.id).Str("user_id", session.identity.UserID).Msg("chat event rejected")

	session.deliver(dto.NewServerEvent(dto.EventError, dto.ErrorPayload{
		Event:   event,
		Message: clientErrorMessage(event, err),
	}))
}

// ServeConnection runs the read and write pumps of an upgraded websocket until either side closes.
func (s *chatService) ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx := middleware.ContextWithCorrelation(baseCtx, opts.CorrelationID)

	session, err := s.Connect(ctx, opts.Credential)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, ErrAuthentication) {
			code = closeUnauthorized
		}
		s.logger.Warn().Err(err).Str("correlation_id", opts.CorrelationID).Msg("chat connection rejected")
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, clientErrorMessage("connect", err)), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	writerDone := make(chan struct{})
	go s.writePump(conn, session, writerDone)
	s.readPump(ctx, conn, session)

	s.Disconnect(context.WithoutCancel(ctx), session.id)
	<-writerDone
	_ = conn.Close()
}

func (s *chatService) readPump(ctx context.Context, conn *websocket.Conn, session *Session) {
	readWait := 2 * s.config.PingInterval
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Str("connection_id", session.id).Msg("chat read loop ended")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if messageType != websocket.TextMessage {
			continue
		}

		event, err := dto.DecodeClientEvent(raw)
		if err != nil {
			s.reject(session, "", fmt.Errorf("%w: %v", ErrValidation, err))
			continue
		}
		_ = s.Handle(ctx, session, event)
	}
}

func (s *chatService) writePump(conn *websocket.Conn, session *Session, done chan<- struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case event := <-session.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug().Err(err).Str("connection_id", session.id).Msg("chat write loop terminated")
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(writeWait)); err != nil {
				s.logger.Debug().Err(err).Str("connection_id", session.id).Msg("chat ping failed")
				_ = conn.Close()
				return
			}
		case <-session.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
