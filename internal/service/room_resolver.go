package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

const pairwiseRoomPrefix = "dm:"

// CanonicalPrivateRoomID derives the identifier of the two-party room shared by a and b. The result is
// independent of argument order.
func CanonicalPrivateRoomID(a, b string) string {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	sum := sha256.Sum256([]byte(lo + "\x00" + hi))
	return pairwiseRoomPrefix + hex.EncodeToString(sum[:])[:32]
}

// RoomResolver decides which rooms a user may see and join, and owns room identity.
type RoomResolver struct {
	rooms         repository.RoomRepository
	defaultRoomID string
	defaultName   string
	logger        zerolog.Logger
}

// NewRoomResolver builds a resolver over the room store.
func NewRoomResolver(rooms repository.RoomRepository, defaultRoomID, defaultName string, logger zerolog.Logger) *RoomResolver {
	return &RoomResolver{
		rooms:         rooms,
		defaultRoomID: defaultRoomID,
		defaultName:   defaultName,
		logger:        logger.With().Str("component", "room_resolver").Logger(),
	}
}

// DefaultRoomID returns the public room every user lands in.
func (r *RoomResolver) DefaultRoomID() string {
	return r.defaultRoomID
}

// EnsureDefaultRoom creates the default public room when it does not exist yet.
func (r *RoomResolver) EnsureDefaultRoom(ctx context.Context) (models.Room, error) {
	room, created, err := r.rooms.FindOrCreate(ctx, models.Room{
		ID:       r.defaultRoomID,
		Name:     r.defaultName,
		Kind:     models.RoomKindPublic,
		IsActive: true,
	})
	if err != nil {
		return models.Room{}, storeError(err, "default room")
	}
	if created {
		r.logger.Info().Str("room_id", room.ID).Msg("default room created")
	}
	return room, nil
}

// FindOrCreateRoom returns the room for the participant set. Pairwise kinds resolve to the canonical
// identifier so repeated calls with the same unordered pair yield the same room.
func (r *RoomResolver) FindOrCreateRoom(ctx context.Context, kind models.RoomKind, participants []string, name string) (models.Room, error) {
	members := uniqueParticipants(participants)

	room := models.Room{
		Name:         strings.TrimSpace(name),
		Kind:         kind,
		IsActive:     true,
		LastActivity: time.Now().UTC(),
	}

	switch {
	case kind.IsPairwise():
		if len(members) != 2 {
			return models.Room{}, fmt.Errorf("%w: %s room needs two distinct participants", ErrValidation, kind)
		}
		room.ID = CanonicalPrivateRoomID(members[0], members[1])
	case kind == models.RoomKindPublic:
		room.ID = uuid.NewString()
	default:
		return models.Room{}, fmt.Errorf("%w: unknown room kind %q", ErrValidation, kind)
	}

	if room.Name == "" {
		room.Name = room.ID
	}
	if len(members) > 0 {
		room.OwnerID = members[0]
	}
	for _, member := range members {
		room.Participants = append(room.Participants, models.RoomParticipant{UserID: member})
	}

	stored, created, err := r.rooms.FindOrCreate(ctx, room)
	if err != nil {
		return models.Room{}, storeError(err, "room "+room.ID)
	}
	if created {
		r.logger.Info().Str("room_id", stored.ID).Str("kind", string(kind)).Strs("participants", members).Msg("room created")
	}
	return stored, nil
}

// IsParticipant reports whether the user is in the room membership set.
func (r *RoomResolver) IsParticipant(room models.Room, userID string) bool {
	return room.HasParticipant(userID)
}

// CanAccess reports whether the user may read the room.
func (r *RoomResolver) CanAccess(room models.Room, userID string) bool {
	if !room.IsActive {
		return false
	}
	return room.Kind == models.RoomKindPublic || room.HasParticipant(userID)
}

// ListRoomsFor returns every active public room and every active room the user participates in.
func (r *RoomResolver) ListRoomsFor(ctx context.Context, userID string) ([]models.Room, error) {
	rooms, err := r.rooms.ListForUser(ctx, userID)
	if err != nil {
		return nil, storeError(err, "rooms")
	}
	return rooms, nil
}

// Room loads a room by id.
func (r *RoomResolver) Room(ctx context.Context, roomID string) (models.Room, error) {
	room, err := r.rooms.Get(ctx, roomID)
	if err != nil {
		return models.Room{}, storeError(err, "room "+roomID)
	}
	return room, nil
}

// Accessible loads a room and checks the user may read it.
func (r *RoomResolver) Accessible(ctx context.Context, roomID, userID string) (models.Room, error) {
	room, err := r.Room(ctx, roomID)
	if err != nil {
		return models.Room{}, err
	}
	if !r.CanAccess(room, userID) {
		return models.Room{}, fmt.Errorf("%w: room %s", ErrAccessDenied, roomID)
	}
	return room, nil
}

// Join checks access and makes the user a participant of public rooms. Non-public rooms are joinable
// only by existing participants.
func (r *RoomResolver) Join(ctx context.Context, roomID, userID string) (models.Room, error) {
	room, err := r.Accessible(ctx, roomID, userID)
	if err != nil {
		return models.Room{}, err
	}
	if room.HasParticipant(userID) {
		return room, nil
	}

	if err := r.rooms.AddParticipant(ctx, room.ID, userID); err != nil {
		return models.Room{}, storeError(err, "room participant")
	}
	room.Participants = append(room.Participants, models.RoomParticipant{RoomID: room.ID, UserID: userID, JoinedAt: time.Now().UTC()})
	return room, nil
}

// Touch advances the room activity to the given message.
func (r *RoomResolver) Touch(ctx context.Context, roomID string, messageID uint, at time.Time) error {
	if err := r.rooms.Touch(ctx, roomID, messageID, at); err != nil {
		return storeError(err, "room "+roomID)
	}
	return nil
}

func uniqueParticipants(participants []string) []string {
	seen := make(map[string]struct{}, len(participants))
	out := make([]string, 0, len(participants))
	for _, participant := range participants {
		participant = strings.TrimSpace(participant)
		if participant == "" {
			continue
		}
		if _, ok := seen[participant]; ok {
			continue
		}
		seen[participant] = struct{}{}
		out = append(out, participant)
	}
	sort.Strings(out)
	return out
}
