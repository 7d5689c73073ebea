package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

func setupChatServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Room{}, &models.RoomParticipant{}, &models.ChatMessage{}))
	return db
}

type stubVerifier map[string]dto.ChatIdentity

func (v stubVerifier) Verify(_ context.Context, credential string) (dto.ChatIdentity, error) {
	identity, ok := v[credential]
	if !ok {
		return dto.ChatIdentity{}, errors.New("unknown token")
	}
	return identity, nil
}

var testUsers = stubVerifier{
	"alice-token": {UserID: "u-alice", Username: "alice"},
	"bob-token":   {UserID: "u-bob", Username: "bob"},
	"carol-token": {UserID: "u-carol", Username: "carol"},
}

type failingMessageStore struct {
	repository.ChatRepository
}

func (failingMessageStore) Create(context.Context, *models.ChatMessage) error {
	return errors.New("disk full")
}

func newTestChatService(t *testing.T, db *gorm.DB, messages repository.ChatRepository) *chatService {
	t.Helper()
	if messages == nil {
		messages = repository.NewChatRepository(db)
	}

	svc := NewChatService(ChatDependencies{
		Users:     repository.NewUserRepository(db),
		Rooms:     repository.NewRoomRepository(db),
		Messages:  messages,
		Verifier:  testUsers,
		Validator: validator.New(),
		Logger:    zerolog.Nop(),
	}, ChatConfig{
		TypingTTL:      80 * time.Millisecond,
		SendBufferSize: 64,
	}).(*chatService)

	require.NoError(t, svc.EnsureDefaultRoom(context.Background()))
	return svc
}

func connect(t *testing.T, svc *chatService, token string) *Session {
	t.Helper()
	session, err := svc.Connect(context.Background(), token)
	require.NoError(t, err)
	return session
}

func nextEvent(t *testing.T, session *Session, name string) dto.ServerEvent {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case event := <-session.Events():
			if event.Event == name {
				return event
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s on %s", name, session.Identity().Username)
			return dto.ServerEvent{}
		}
	}
}

func drain(session *Session) []dto.ServerEvent {
	var events []dto.ServerEvent
	for {
		select {
		case event := <-session.Events():
			events = append(events, event)
		default:
			return events
		}
	}
}

func eventNames(events []dto.ServerEvent) []string {
	names := make([]string, 0, len(events))
	for _, event := range events {
		names = append(names, event.Event)
	}
	return names
}

func TestConnectDeliversInitialState(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)

	bob := connect(t, svc, "bob-token")
	drain(bob)

	alice := connect(t, svc, "alice-token")
	events := drain(alice)
	require.Equal(t, []string{dto.EventOnlineUsers, dto.EventRooms, dto.EventRoomMessages}, eventNames(events))

	roster := events[0].Data.([]dto.OnlineUser)
	require.Len(t, roster, 2)
	require.Equal(t, "alice", roster[0].Username)

	rooms := events[1].Data.([]dto.RoomSummary)
	require.Len(t, rooms, 1)
	require.Equal(t, "general", rooms[0].ID)
	require.Contains(t, rooms[0].Participants, "u-alice")

	history := events[2].Data.(dto.RoomMessagesPayload)
	require.Equal(t, "general", history.RoomID)
	require.Empty(t, history.Messages)

	status := nextEvent(t, bob, dto.EventUserStatusChange).Data.(dto.UserStatusPayload)
	require.Equal(t, "u-alice", status.UserID)
	require.Equal(t, "online", status.Status)

	var user models.User
	require.NoError(t, db.First(&user, "id = ?", "u-alice").Error)
	require.Equal(t, models.UserStatusOnline, user.Status)
	require.NotNil(t, user.ConnectionID)
	require.Equal(t, alice.ID(), *user.ConnectionID)
	require.Equal(t, 2, svc.ActiveConnections())
}

func TestConnectRejectsUnknownCredentialWithoutStateChange(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)

	_, err := svc.Connect(context.Background(), "forged")
	require.ErrorIs(t, err, ErrAuthentication)
	require.Empty(t, svc.presence.Online())
	require.Zero(t, svc.ActiveConnections())

	var count int64
	require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSendMessageFansOutToRoomSubscribers(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	alice := connect(t, svc, "alice-token")
	bob := connect(t, svc, "bob-token")
	drain(alice)
	drain(bob)

	before, err := svc.resolver.Room(ctx, "general")
	require.NoError(t, err)
	advanced := before.LastActivity.Add(time.Minute)
	svc.router.now = func() time.Time { return advanced }

	sender := Sender{ChatIdentity: alice.Identity(), ConnectionID: alice.ID()}
	response, err := svc.router.Send(ctx, sender, dto.ChatSendRequest{RoomID: "general", Content: "hi"})
	require.NoError(t, err)
	require.NotZero(t, response.ID)
	require.Equal(t, "text", response.Type)
	require.Equal(t, "u-alice", response.SenderID)

	received := nextEvent(t, bob, dto.EventNewMessage).Data.(dto.ChatMessageResponse)
	require.Equal(t, response, received)
	echoed := nextEvent(t, alice, dto.EventNewMessage).Data.(dto.ChatMessageResponse)
	require.Equal(t, response.ID, echoed.ID)

	after, err := svc.resolver.Room(ctx, "general")
	require.NoError(t, err)
	require.NotNil(t, after.LastMessageID)
	require.Equal(t, response.ID, *after.LastMessageID)
	require.WithinDuration(t, advanced, after.LastActivity, time.Second)
}

func TestSendMessageRequiresParticipation(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	alice := connect(t, svc, "alice-token")
	carol := connect(t, svc, "carol-token")

	_, err := svc.router.SendPrivate(ctx, Sender{ChatIdentity: alice.Identity(), ConnectionID: alice.ID()}, dto.PrivateMessageRequest{RecipientUserID: "u-carol", Content: "psst"})
	require.NoError(t, err)
	drain(carol)
	bob := connect(t, svc, "bob-token")
	drain(bob)

	err = svc.Handle(ctx, bob, dto.ChatSendRequest{RoomID: CanonicalPrivateRoomID("u-alice", "u-carol"), Content: "let me in"})
	require.ErrorIs(t, err, ErrAccessDenied)

	failure := nextEvent(t, bob, dto.EventError).Data.(dto.ErrorPayload)
	require.Equal(t, dto.EventSendMessage, failure.Event)
	require.Equal(t, "access denied to this room", failure.Message)

	err = svc.Handle(ctx, bob, dto.ChatSendRequest{RoomID: "nowhere", Content: "hello?"})
	require.ErrorIs(t, err, ErrNotFound)
	for _, event := range drain(carol) {
		require.NotEqual(t, dto.EventNewMessage, event.Event)
	}
}

func TestSendMessageValidation(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	alice := connect(t, svc, "alice-token")
	bob := connect(t, svc, "bob-token")
	drain(alice)
	drain(bob)

	cases := []dto.ClientEvent{
		dto.ChatSendRequest{RoomID: "general", Content: ""},
		dto.ChatSendRequest{RoomID: "general", Content: "<script></script>"},
		dto.ChatSendRequest{RoomID: "general", Content: "pic", Type: "image"},
		dto.ChatSendRequest{RoomID: "general", Content: "x", Type: "system"},
		dto.PrivateMessageRequest{RecipientUserID: "u-alice", Content: "me"},
		dto.ReactionRequest{MessageID: 1, Emoji: ""},
		dto.JoinRoomRequest{RoomID: ""},
	}
	for _, event := range cases {
		err := svc.Handle(ctx, alice, event)
		require.ErrorIs(t, err, ErrValidation, fmt.Sprintf("%#v", event))
		nextEvent(t, alice, dto.EventError)
	}
	require.Empty(t, drain(bob))
}

func TestSendMessageWithAttachmentAndReply(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	alice := connect(t, svc, "alice-token")
	sender := Sender{ChatIdentity: alice.Identity(), ConnectionID: alice.ID()}

	parent, err := svc.router.Send(ctx, sender, dto.ChatSendRequest{RoomID: "general", Content: "see attached"})
	require.NoError(t, err)

	reply, err := svc.router.Send(ctx, sender, dto.ChatSendRequest{
		RoomID:     "general",
		Content:    "diagram",
		Type:       "image",
		Attachment: &dto.ChatAttachment{Name: "diagram.png", URL: "https://cdn.example.com/diagram.png", Size: 2048},
		ReplyTo:    &parent.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, reply.Attachment)
	require.Equal(t, "diagram.png", reply.Attachment.Name)
	require.Equal(t, parent.ID, *reply.ReplyTo)

	missing := uint(9999)
	_, err = svc.router.Send(ctx, sender, dto.ChatSendRequest{RoomID: "general", Content: "orphan", ReplyTo: &missing})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAttachmentMessagesMayOmitCaption(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	alice := connect(t, svc, "alice-token")
	sender := Sender{ChatIdentity: alice.Identity(), ConnectionID: alice.ID()}
	attachment := &dto.ChatAttachment{Name: "report.pdf", URL: "https://cdn.example.com/report.pdf", Size: 4096}

	file, err := svc.router.Send(ctx, sender, dto.ChatSendRequest{RoomID: "general", Type: "file", Attachment: attachment})
	require.NoError(t, err)
	require.Empty(t, file.Content)
	require.Equal(t, "file", file.Type)
	require.Equal(t, "report.pdf", file.Attachment.Name)

	_, err = svc.router.Send(ctx, sender, dto.ChatSendRequest{RoomID: "general", Type: "text", Attachment: attachment})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.router.Send(ctx, sender, dto.ChatSendRequest{RoomID: "general", Type: "image"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestPersistenceFailureIsIsolatedToSender(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, failingMessageStore{repository.NewChatRepository(db)})
	ctx := context.Background()

	alice := connect(t, svc, "alice-token")
	bob := connect(t, svc, "bob-token")
	drain(alice)
	drain(bob)

	err := svc.Handle(ctx, alice, dto.ChatSendRequest{RoomID: "general", Content: "hi"})
	require.ErrorIs(t, err, ErrPersistence)

	failure := nextEvent(t, alice, dto.EventError).Data.(dto.ErrorPayload)
	require.Equal(t, "failed to process send_message", failure.Message)
	require.Empty(t, drain(bob))

	room, err := svc.resolver.Room(ctx, "general")
	require.NoError(t, err)
	require.Nil(t, room.LastMessageID)
}

func TestPrivateMessageReusesCanonicalRoom(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	alice := connect(t, svc, "alice-token")
	bob := connect(t, svc, "bob-token")
	drain(alice)
	drain(bob)

	require.NoError(t, svc.Handle(ctx, alice, dto.PrivateMessageRequest{RecipientUserID: "u-bob", Content: "hey bob"}))
	first := nextEvent(t, bob, dto.EventNewMessage).Data.(dto.ChatMessageResponse)
	require.Equal(t, CanonicalPrivateRoomID("u-alice", "u-bob"), first.RoomID)
	nextEvent(t, alice, dto.EventNewMessage)

	room, err := svc.resolver.Room(ctx, first.RoomID)
	require.NoError(t, err)
	require.Equal(t, models.RoomKindDirect, room.Kind)
	require.ElementsMatch(t, []string{"u-alice", "u-bob"}, room.ParticipantIDs())
	require.Equal(t, "alice & bob", room.Name)

	require.NoError(t, svc.Handle(ctx, bob, dto.PrivateMessageRequest{RecipientUserID: "u-alice", Content: "hey alice"}))
	second := nextEvent(t, alice, dto.EventNewMessage).Data.(dto.ChatMessageResponse)
	require.Equal(t, first.RoomID, second.RoomID)

	var count int64
	require.NoError(t, db.Model(&models.Room{}).Where("kind = ?", models.RoomKindDirect).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestPrivateMessageToOfflineRecipientIsPersisted(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	carol := connect(t, svc, "carol-token")
	svc.Disconnect(ctx, carol.ID())

	alice := connect(t, svc, "alice-token")
	drain(alice)

	require.NoError(t, svc.Handle(ctx, alice, dto.PrivateMessageRequest{RecipientUserID: "u-carol", Content: "are you there?"}))
	delivered := nextEvent(t, alice, dto.EventNewMessage).Data.(dto.ChatMessageResponse)

	history, err := svc.History(ctx, "u-carol", dto.ChatHistoryQuery{RoomID: delivered.RoomID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "are you there?", history[0].Content)

	err = svc.Handle(ctx, alice, dto.PrivateMessageRequest{RecipientUserID: "u-nobody", Content: "hello"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReactionToggleScenario(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	alice := connect(t, svc, "alice-token")
	carol := connect(t, svc, "carol-token")
	drain(carol)

	message, err := svc.router.Send(ctx, Sender{ChatIdentity: alice.Identity(), ConnectionID: alice.ID()}, dto.ChatSendRequest{RoomID: "general", Content: "vote"})
	require.NoError(t, err)
	require.Empty(t, message.Reactions)
	drain(alice)
	drain(carol)

	require.NoError(t, svc.Handle(ctx, carol, dto.ReactionRequest{MessageID: message.ID, Emoji: "👍"}))
	update := nextEvent(t, alice, dto.EventReactionUpdated).Data.(dto.ReactionUpdatedPayload)
	require.Equal(t, map[string][]string{"👍": {"u-carol"}}, update.Reactions)
	require.Equal(t, "general", update.RoomID)
	nextEvent(t, carol, dto.EventReactionUpdated)

	require.NoError(t, svc.Handle(ctx, carol, dto.ReactionRequest{MessageID: message.ID, Emoji: "👍"}))
	update = nextEvent(t, alice, dto.EventReactionUpdated).Data.(dto.ReactionUpdatedPayload)
	require.Empty(t, update.Reactions)
	require.NotNil(t, update.Reactions)

	err = svc.Handle(ctx, carol, dto.ReactionRequest{MessageID: 4242, Emoji: "👍"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReactionToggleIsAnInvolution(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	alice := connect(t, svc, "alice-token")
	bob := Sender{ChatIdentity: dto.ChatIdentity{UserID: "u-bob", Username: "bob"}}
	carol := Sender{ChatIdentity: dto.ChatIdentity{UserID: "u-carol", Username: "carol"}}

	message, err := svc.router.Send(ctx, Sender{ChatIdentity: alice.Identity(), ConnectionID: alice.ID()}, dto.ChatSendRequest{RoomID: "general", Content: "react"})
	require.NoError(t, err)

	initial, err := svc.reactions.Toggle(ctx, bob, dto.ReactionRequest{MessageID: message.ID, Emoji: "👍"})
	require.NoError(t, err)

	for _, emoji := range []string{"👍", "❤️", "🎉"} {
		_, err := svc.reactions.Toggle(ctx, carol, dto.ReactionRequest{MessageID: message.ID, Emoji: emoji})
		require.NoError(t, err)
		restored, err := svc.reactions.Toggle(ctx, carol, dto.ReactionRequest{MessageID: message.ID, Emoji: emoji})
		require.NoError(t, err)
		require.Equal(t, initial.Reactions, restored.Reactions, emoji)
	}
}

func TestConcurrentReactionTogglesConverge(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	alice := connect(t, svc, "alice-token")
	message, err := svc.router.Send(ctx, Sender{ChatIdentity: alice.Identity(), ConnectionID: alice.ID()}, dto.ChatSendRequest{RoomID: "general", Content: "pile on"})
	require.NoError(t, err)

	const users = 10
	toggleAll := func(ids []int) {
		errs := make(chan error, len(ids))
		var wg sync.WaitGroup
		for _, i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sender := Sender{ChatIdentity: dto.ChatIdentity{UserID: fmt.Sprintf("u-%d", i), Username: fmt.Sprintf("user%d", i)}}
				_, err := svc.reactions.Toggle(ctx, sender, dto.ReactionRequest{MessageID: message.ID, Emoji: "🔥"})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
	}

	all := make([]int, 0, users)
	for i := 0; i < users; i++ {
		all = append(all, i)
	}
	toggleAll(all)

	stored, err := svc.messages.Get(ctx, message.ID)
	require.NoError(t, err)
	require.Len(t, stored.Reactions.Data()["🔥"], users)

	toggleAll([]int{0, 2, 4, 6, 8})

	stored, err = svc.messages.Get(ctx, message.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u-1", "u-3", "u-5", "u-7", "u-9"}, stored.Reactions.Data()["🔥"])
}

func TestJoinRoomDeliversHistoryAndAnnounces(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	random, err := svc.resolver.FindOrCreateRoom(ctx, models.RoomKindPublic, nil, "random")
	require.NoError(t, err)

	alice := connect(t, svc, "alice-token")
	bob := connect(t, svc, "bob-token")
	require.NoError(t, svc.Handle(ctx, alice, dto.JoinRoomRequest{RoomID: random.ID}))
	_, err = svc.router.Send(ctx, Sender{ChatIdentity: alice.Identity(), ConnectionID: alice.ID()}, dto.ChatSendRequest{RoomID: random.ID, Content: "first!"})
	require.NoError(t, err)
	drain(alice)
	drain(bob)

	require.NoError(t, svc.Handle(ctx, bob, dto.JoinRoomRequest{RoomID: random.ID}))

	history := nextEvent(t, bob, dto.EventRoomMessages).Data.(dto.RoomMessagesPayload)
	require.Equal(t, random.ID, history.RoomID)
	require.Len(t, history.Messages, 1)
	require.Equal(t, "first!", history.Messages[0].Content)

	joined := nextEvent(t, alice, dto.EventUserJoinedRoom).Data.(dto.UserJoinedRoomPayload)
	require.Equal(t, "u-bob", joined.UserID)
	require.True(t, svc.hub.isSubscribed(bob.ID(), random.ID))

	for _, event := range drain(bob) {
		require.NotEqual(t, dto.EventUserJoinedRoom, event.Event)
	}
}

func TestConnectSubscribesOnlyToMemberships(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	lounge, err := svc.resolver.FindOrCreateRoom(ctx, models.RoomKindPublic, []string{"u-bob"}, "lounge")
	require.NoError(t, err)

	bob := connect(t, svc, "bob-token")
	alice := connect(t, svc, "alice-token")

	listed := nextEvent(t, alice, dto.EventRooms).Data.([]dto.RoomSummary)
	ids := make([]string, 0, len(listed))
	for _, room := range listed {
		ids = append(ids, room.ID)
	}
	require.ElementsMatch(t, []string{"general", lounge.ID}, ids)

	require.True(t, svc.hub.isSubscribed(alice.ID(), "general"))
	require.False(t, svc.hub.isSubscribed(alice.ID(), lounge.ID))
	require.True(t, svc.hub.isSubscribed(bob.ID(), lounge.ID))
	drain(alice)
	drain(bob)

	_, err = svc.router.Send(ctx, Sender{ChatIdentity: bob.Identity(), ConnectionID: bob.ID()}, dto.ChatSendRequest{RoomID: lounge.ID, Content: "members only"})
	require.NoError(t, err)
	require.NoError(t, svc.Handle(ctx, bob, dto.TypingRequest{RoomID: lounge.ID, IsTyping: true}))

	nextEvent(t, bob, dto.EventNewMessage)
	require.Empty(t, drain(alice))

	require.NoError(t, svc.Handle(ctx, alice, dto.JoinRoomRequest{RoomID: lounge.ID}))
	require.True(t, svc.hub.isSubscribed(alice.ID(), lounge.ID))
}

func TestTypingIndicatorsExpireAndSkipSender(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	alice := connect(t, svc, "alice-token")
	bob := connect(t, svc, "bob-token")
	drain(alice)
	drain(bob)

	require.NoError(t, svc.Handle(ctx, alice, dto.TypingRequest{RoomID: "general", IsTyping: true}))
	typing := nextEvent(t, bob, dto.EventUserTyping).Data.(dto.UserTypingPayload)
	require.True(t, typing.IsTyping)
	require.Equal(t, "alice", typing.Username)
	require.True(t, svc.typing.IsTyping("general", "u-alice"))

	expired := nextEvent(t, bob, dto.EventUserTyping).Data.(dto.UserTypingPayload)
	require.False(t, expired.IsTyping)
	require.False(t, svc.typing.IsTyping("general", "u-alice"))
	require.Empty(t, drain(alice))

	err := svc.Handle(ctx, alice, dto.TypingRequest{RoomID: "elsewhere", IsTyping: true})
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestDisconnectClearsPresenceAndTyping(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	svc.typing.ttl = time.Minute

	alice := connect(t, svc, "alice-token")
	bob := connect(t, svc, "bob-token")
	require.NoError(t, svc.Handle(ctx, alice, dto.TypingRequest{RoomID: "general", IsTyping: true}))
	drain(bob)

	svc.Disconnect(ctx, alice.ID())

	events := drain(bob)
	require.Equal(t, []string{dto.EventUserTyping, dto.EventUserStatusChange}, eventNames(events))
	require.False(t, events[0].Data.(dto.UserTypingPayload).IsTyping)
	require.Equal(t, "offline", events[1].Data.(dto.UserStatusPayload).Status)

	require.False(t, svc.presence.IsOnline("u-alice"))
	require.False(t, svc.hub.isSubscribed(alice.ID(), "general"))
	<-alice.Done()

	var user models.User
	require.NoError(t, db.First(&user, "id = ?", "u-alice").Error)
	require.Equal(t, models.UserStatusOffline, user.Status)
	require.Nil(t, user.ConnectionID)
}

func TestDisconnectWithoutRegistryEntryIsSilent(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	bob := connect(t, svc, "bob-token")
	first := connect(t, svc, "alice-token")
	second := connect(t, svc, "alice-token")
	drain(bob)

	svc.Disconnect(ctx, "never-registered")
	require.Empty(t, drain(bob))

	svc.Disconnect(ctx, first.ID())
	require.Empty(t, drain(bob))
	require.True(t, svc.presence.IsOnline("u-alice"))

	svc.Disconnect(ctx, second.ID())
	status := nextEvent(t, bob, dto.EventUserStatusChange).Data.(dto.UserStatusPayload)
	require.Equal(t, "offline", status.Status)

	svc.Disconnect(ctx, second.ID())
	require.Empty(t, drain(bob))
}

// gatedOfflineStore holds offline presence writes until released.
type gatedOfflineStore struct {
	repository.UserRepository
	entered chan struct{}
	release chan struct{}
}

func (g gatedOfflineStore) UpdatePresence(ctx context.Context, update repository.PresenceUpdate) error {
	if update.Status == models.UserStatusOffline {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.UserRepository.UpdatePresence(ctx, update)
}

func TestReconnectDuringDisconnectStaysOnline(t *testing.T) {
	db := setupChatServiceDB(t)
	users := gatedOfflineStore{
		UserRepository: repository.NewUserRepository(db),
		entered:        make(chan struct{}, 1),
		release:        make(chan struct{}),
	}
	svc := NewChatService(ChatDependencies{
		Users:     users,
		Rooms:     repository.NewRoomRepository(db),
		Messages:  repository.NewChatRepository(db),
		Verifier:  testUsers,
		Validator: validator.New(),
		Logger:    zerolog.Nop(),
	}, ChatConfig{SendBufferSize: 64}).(*chatService)
	require.NoError(t, svc.EnsureDefaultRoom(context.Background()))

	bob := connect(t, svc, "bob-token")
	stale := connect(t, svc, "alice-token")
	drain(bob)

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Disconnect(context.Background(), stale.ID())
	}()

	select {
	case <-users.entered:
	case <-time.After(time.Second):
		t.Fatal("disconnect never reached the offline write")
	}

	fresh := connect(t, svc, "alice-token")
	close(users.release)
	<-done

	connectionID, online := svc.presence.ConnectionFor("u-alice")
	require.True(t, online)
	require.Equal(t, fresh.ID(), connectionID)

	var stored models.User
	require.NoError(t, db.First(&stored, "id = ?", "u-alice").Error)
	require.Equal(t, models.UserStatusOnline, stored.Status)
	require.NotNil(t, stored.ConnectionID)
	require.Equal(t, fresh.ID(), *stored.ConnectionID)

	var statuses []string
	for _, event := range drain(bob) {
		if event.Event == dto.EventUserStatusChange {
			statuses = append(statuses, event.Data.(dto.UserStatusPayload).Status)
		}
	}
	require.Equal(t, []string{"online"}, statuses)
}

func TestHistoryRespectsAccessAndCursor(t *testing.T) {
	db := setupChatServiceDB(t)
	svc := newTestChatService(t, db, nil)
	ctx := context.Background()

	alice := connect(t, svc, "alice-token")
	sender := Sender{ChatIdentity: alice.Identity(), ConnectionID: alice.ID()}
	var ids []uint
	for i := 0; i < 5; i++ {
		response, err := svc.router.Send(ctx, sender, dto.ChatSendRequest{RoomID: "general", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		ids = append(ids, response.ID)
	}

	page, err := svc.History(ctx, "u-bob", dto.ChatHistoryQuery{RoomID: "general", Before: ids[4], Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, ids[2], page[0].ID)
	require.Equal(t, ids[3], page[1].ID)

	connect(t, svc, "bob-token")
	_, err = svc.router.SendPrivate(ctx, sender, dto.PrivateMessageRequest{RecipientUserID: "u-bob", Content: "secret"})
	require.NoError(t, err)

	_, err = svc.History(ctx, "u-carol", dto.ChatHistoryQuery{RoomID: CanonicalPrivateRoomID("u-alice", "u-bob")})
	require.ErrorIs(t, err, ErrAccessDenied)

	_, err = svc.History(ctx, "u-bob", dto.ChatHistoryQuery{})
	require.ErrorIs(t, err, ErrValidation)

	rooms, err := svc.Rooms(ctx, "u-bob")
	require.NoError(t, err)
	require.Len(t, rooms, 2)
}

func TestSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	hub := newChatHub(zerolog.Nop())
	slow := newSession("slow", dto.ChatIdentity{UserID: "u-slow"}, 2)
	fast := newSession("fast", dto.ChatIdentity{UserID: "u-fast"}, 16)
	hub.add(slow)
	hub.add(fast)
	hub.subscribe("slow", "general")
	hub.subscribe("fast", "general")

	for i := 0; i < 5; i++ {
		hub.broadcast("general", dto.NewServerEvent(dto.EventNewMessage, i), "")
	}

	require.Len(t, drain(slow), 2)
	require.Len(t, drain(fast), 5)

	_, ok := hub.remove("slow")
	require.True(t, ok)
	require.False(t, slow.deliver(dto.NewServerEvent(dto.EventNewMessage, 6)))
	require.Equal(t, 1, hub.count())
}
