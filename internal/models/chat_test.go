package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReactionSetToggleAddsAndRemovesEntry(t *testing.T) {
	var empty ReactionSet

	added, ok := empty.Toggle("carol", "👍")
	require.True(t, ok)
	require.Equal(t, ReactionSet{"👍": {"carol"}}, added)

	removed, ok := added.Toggle("carol", "👍")
	require.False(t, ok)
	require.Empty(t, removed)
	_, present := removed["👍"]
	require.False(t, present, "empty emoji entries must be dropped")
}

func TestReactionSetToggleIsAnInvolution(t *testing.T) {
	start := ReactionSet{"👍": {"alice", "bob"}, "🎉": {"carol"}}

	cases := []struct {
		user  string
		emoji string
	}{
		{"alice", "👍"},
		{"dave", "👍"},
		{"carol", "🎉"},
		{"carol", "🔥"},
	}

	for _, tc := range cases {
		once, _ := start.Toggle(tc.user, tc.emoji)
		twice, _ := once.Toggle(tc.user, tc.emoji)
		require.ElementsMatch(t, keys(start), keys(twice), "%s/%s", tc.user, tc.emoji)
		for emoji, users := range start {
			require.ElementsMatch(t, users, twice[emoji], "%s/%s", tc.user, tc.emoji)
		}
	}
}

func TestReactionSetToggleDoesNotMutateReceiver(t *testing.T) {
	start := ReactionSet{"👍": {"alice", "bob"}}

	next, added := start.Toggle("alice", "👍")
	require.False(t, added)
	require.Equal(t, []string{"bob"}, next["👍"])
	require.Equal(t, []string{"alice", "bob"}, start["👍"])
}

func TestReactionSetCloneDropsEmptyEntries(t *testing.T) {
	set := ReactionSet{"👍": {}, "🎉": {"carol"}}
	require.Equal(t, ReactionSet{"🎉": {"carol"}}, set.Clone())
	require.True(t, set.Has("carol", "🎉"))
	require.False(t, set.Has("carol", "👍"))
}

func TestRoomParticipants(t *testing.T) {
	room := Room{ID: "general", Participants: []RoomParticipant{{RoomID: "general", UserID: "alice"}}}
	require.True(t, room.HasParticipant("alice"))
	require.False(t, room.HasParticipant("bob"))
	require.Equal(t, []string{"alice"}, room.ParticipantIDs())
	require.True(t, RoomKindDirect.IsPairwise())
	require.False(t, RoomKindPublic.IsPairwise())
}

func keys(set ReactionSet) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	return out
}
