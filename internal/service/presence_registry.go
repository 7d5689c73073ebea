package service

import (
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/gema-chat/internal/dto"
)

// PresenceEntry binds an online user to their live connection.
type PresenceEntry struct {
	UserID       string
	Username     string
	ConnectionID string
	ConnectedAt  time.Time
}

// PresenceRegistry is the in-process source of truth for who is online. A user maps to at most one
// connection; registering again displaces the previous mapping.
type PresenceRegistry struct {
	mu     sync.RWMutex
	byUser map[string]PresenceEntry
	byConn map[string]string
	now    func() time.Time
}

// NewPresenceRegistry creates an empty registry.
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		byUser: make(map[string]PresenceEntry),
		byConn: make(map[string]string),
		now:    time.Now,
	}
}

// Register maps the user to the connection and returns the displaced connection id, if any.
func (r *PresenceRegistry) Register(identity dto.ChatIdentity, connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	displaced := ""
	if previous, ok := r.byUser[identity.UserID]; ok && previous.ConnectionID != connectionID {
		displaced = previous.ConnectionID
		delete(r.byConn, previous.ConnectionID)
	}

	r.byUser[identity.UserID] = PresenceEntry{
		UserID:       identity.UserID,
		Username:     identity.Username,
		ConnectionID: connectionID,
		ConnectedAt:  r.now().UTC(),
	}
	r.byConn[connectionID] = identity.UserID

	return displaced, displaced != ""
}

// Unregister drops the mapping owned by the connection. Connections that were displaced or already
// removed report false.
func (r *PresenceRegistry) Unregister(connectionID string) (PresenceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connectionID]
	if !ok {
		return PresenceEntry{}, false
	}
	delete(r.byConn, connectionID)

	entry, ok := r.byUser[userID]
	if !ok || entry.ConnectionID != connectionID {
		return PresenceEntry{}, false
	}
	delete(r.byUser, userID)

	return entry, true
}

// IsOnline reports whether the user currently has a live connection.
func (r *PresenceRegistry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byUser[userID]
	return ok
}

// ConnectionFor returns the live connection of the user.
func (r *PresenceRegistry) ConnectionFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byUser[userID]
	if !ok {
		return "", false
	}
	return entry.ConnectionID, true
}

// Online returns a snapshot of every online user ordered by username.
func (r *PresenceRegistry) Online() []PresenceEntry {
	r.mu.RLock()
	entries := make([]PresenceEntry, 0, len(r.byUser))
	for _, entry := range r.byUser {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Username == entries[j].Username {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].Username < entries[j].Username
	})
	return entries
}
