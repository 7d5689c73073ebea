package service

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/observability"
)

// Session is a live, authenticated connection known to the chat engine. Outbound events are queued on
// a bounded buffer drained by the transport writer.
type Session struct {
	id       string
	identity dto.ChatIdentity
	send     chan dto.ServerEvent
	closed   chan struct{}
	once     sync.Once

	// guarded by chatHub.mu
	rooms map[string]struct{}
}

func newSession(id string, identity dto.ChatIdentity, buffer int) *Session {
	if buffer <= 0 {
		buffer = 32
	}
	return &Session{
		id:       id,
		identity: identity,
		send:     make(chan dto.ServerEvent, buffer),
		closed:   make(chan struct{}),
		rooms:    make(map[string]struct{}),
	}
}

// ID returns the connection identifier.
func (s *Session) ID() string { return s.id }

// Identity returns the verified user bound to the connection.
func (s *Session) Identity() dto.ChatIdentity { return s.identity }

// Events exposes the outbound queue.
func (s *Session) Events() <-chan dto.ServerEvent { return s.send }

// Done is closed once the session has been disconnected.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) deliver(event dto.ServerEvent) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.send <- event:
		return true
	default:
		observability.ChatDroppedDeliveries().Inc()
		return false
	}
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.closed)
	})
}

// chatHub keeps track of live sessions and their room subscriptions.
type chatHub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[*Session]struct{}
	log      zerolog.Logger
}

func newChatHub(logger zerolog.Logger) *chatHub {
	return &chatHub{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[*Session]struct{}),
		log:      logger.With().Str("component", "chat_hub").Logger(),
	}
}

func (h *chatHub) add(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessions[session.id] = session
	h.log.Debug().Str("connection_id", session.id).Str("user_id", session.identity.UserID).Msg("chat session attached")
}

// remove detaches the session from every room and closes it.
func (h *chatHub) remove(connectionID string) (*Session, bool) {
	h.mu.Lock()
	session, ok := h.sessions[connectionID]
	if !ok {
		h.mu.Unlock()
		return nil, false
	}
	delete(h.sessions, connectionID)
	for roomID := range session.rooms {
		if members, exists := h.rooms[roomID]; exists {
			delete(members, session)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	session.rooms = make(map[string]struct{})
	h.mu.Unlock()

	session.close()
	h.log.Debug().Str("connection_id", connectionID).Str("user_id", session.identity.UserID).Msg("chat session detached")
	return session, true
}

// subscribe is idempotent and ignores connections that are no longer attached.
func (h *chatHub) subscribe(connectionID, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	session, ok := h.sessions[connectionID]
	if !ok {
		return false
	}
	members, exists := h.rooms[roomID]
	if !exists {
		members = make(map[*Session]struct{})
		h.rooms[roomID] = members
	}
	members[session] = struct{}{}
	session.rooms[roomID] = struct{}{}
	return true
}

func (h *chatHub) isSubscribed(connectionID, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	session, ok := h.sessions[connectionID]
	if !ok {
		return false
	}
	_, subscribed := session.rooms[roomID]
	return subscribed
}

// broadcast delivers the event to every subscriber of the room except the excluded connection and
// returns how many sessions accepted it.
func (h *chatHub) broadcast(roomID string, event dto.ServerEvent, excludeConnectionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for session := range h.rooms[roomID] {
		if session.id == excludeConnectionID {
			continue
		}
		if session.deliver(event) {
			delivered++
			continue
		}
		h.log.Warn().Str("room_id", roomID).Str("connection_id", session.id).Str("event", event.Event).Msg("dropping chat event for slow client")
	}
	return delivered
}

func (h *chatHub) broadcastAll(event dto.ServerEvent, excludeConnectionID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, session := range h.sessions {
		if id == excludeConnectionID {
			continue
		}
		if !session.deliver(event) {
			h.log.Warn().Str("connection_id", id).Str("event", event.Event).Msg("dropping chat event for slow client")
		}
	}
}

func (h *chatHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
