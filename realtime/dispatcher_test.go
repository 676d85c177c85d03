package realtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/techagentng/expertchat/config"
	"github.com/techagentng/expertchat/db"
	errs "github.com/techagentng/expertchat/errors"
	"github.com/techagentng/expertchat/models"
	"github.com/techagentng/expertchat/services"
)

type recordingConn struct {
	id       string
	mu       sync.Mutex
	events   []models.Outbound
	closed   bool
	failSend bool
}

func newRecordingConn() *recordingConn {
	return &recordingConn{id: uuid.NewString()}
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(event models.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.failSend {
		return errs.Connection(nil, "connection closed")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) Events() []models.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Outbound(nil), c.events...)
}

func (c *recordingConn) Named(name models.EventName) []models.Outbound {
	var out []models.Outbound
	for _, e := range c.Events() {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

func (c *recordingConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

type notification struct {
	recipient *models.UserProfile
	message   *models.Message
}

type recordingNotifier struct {
	sent chan notification
}

func (n *recordingNotifier) NotifyNewMessage(_ context.Context, recipient, _ *models.UserProfile, message *models.Message) error {
	n.sent <- notification{recipient: recipient, message: message}
	return nil
}

type harness struct {
	gormDB     *db.GormDB
	dispatcher *Dispatcher
	chat       services.ChatService
	registry   *Registry
	typing     *TypingTracker
	notifier   *recordingNotifier
	clock      time.Time
}

func newHarness(t *testing.T, tweak ...func(*config.Config)) *harness {
	t.Helper()
	req := require.New(t)
	conf := &config.Config{
		Env:                 "test",
		DBDriver:            config.DriverSQLite,
		SQLitePath:          filepath.Join(t.TempDir(), "chat.db"),
		JWTSecret:           "secret",
		MaxMessageLength:    4000,
		PreviewLength:       120,
		TypingTTL:           5 * time.Second,
		TypingSweepInterval: time.Second,
		EventRate:           1000,
		EventBurst:          1000,
	}
	for _, fn := range tweak {
		fn(conf)
	}
	gormDB, err := db.GetDB(conf)
	req.NoError(err)
	req.NoError(gormDB.Migrate())
	t.Cleanup(func() { _ = gormDB.Close() })
	req.NoError(gormDB.DB.Create(&[]models.User{
		{ID: "user123", DisplayName: "Client"},
		{ID: "expert456", DisplayName: "Expert", DeviceToken: "expert-device"},
	}).Error)

	chat := services.NewChatService(
		db.NewTransactor(gormDB, conf.PreviewLength),
		db.NewConversationRepo(gormDB, conf.PreviewLength),
		db.NewMessageRepo(gormDB),
		db.NewUserRepo(gormDB),
		conf,
	)
	h := &harness{
		gormDB:   gormDB,
		chat:     chat,
		registry: NewRegistry(),
		typing:   NewTypingTracker(conf.TypingTTL, conf.TypingSweepInterval),
		notifier: &recordingNotifier{sent: make(chan notification, 16)},
		clock:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	h.typing.now = func() time.Time { return h.clock }
	h.dispatcher = NewDispatcher(chat, h.registry, h.typing, h.notifier, conf)
	return h
}

func (h *harness) connect(t *testing.T, userID string) (*Session, *recordingConn) {
	t.Helper()
	conn := newRecordingConn()
	session := h.dispatcher.Attach(conn, "")
	session.Handle(context.Background(), frame(t, models.EventRegisterUser, "", map[string]string{"userId": userID}))
	require.Empty(t, conn.Named(models.EventError))
	require.Equal(t, userID, session.UserID())
	return session, conn
}

func frame(t *testing.T, event models.EventName, ref string, data interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	raw, err := json.Marshal(models.Envelope{Event: event, Ref: ref, Data: payload})
	require.NoError(t, err)
	return raw
}

func errorPayload(t *testing.T, event models.Outbound) *models.ErrorPayload {
	t.Helper()
	payload, ok := event.Data.(*models.ErrorPayload)
	require.True(t, ok, "expected error payload, got %T", event.Data)
	return payload
}

func TestDispatcher_SendMessage_Delivers_To_Online_Receiver(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	// Given user123 and expert456 are both online
	client, clientConn := h.connect(t, "user123")
	_, expertConn := h.connect(t, "expert456")

	// When user123 sends "Hello" to expert456
	client.Handle(ctx, frame(t, models.EventSendMessage, "c-1", map[string]string{"receiverId": "expert456", "text": "Hello"}))

	// Then the expert receives newMessage with the sender profile
	received := expertConn.Named(models.EventNewMessage)
	req.Len(received, 1)
	msg := received[0].Data.(*models.NewMessage)
	req.Equal("Hello", msg.Text)
	req.Equal("user123", msg.SenderID)
	req.Equal("Client", msg.Sender.DisplayName)
	req.Empty(received[0].Ref)

	// And the sender gets the acknowledgement carrying its ref, already delivered
	acks := clientConn.Named(models.EventNewMessage)
	req.Len(acks, 1)
	req.Equal("c-1", acks[0].Ref)
	ack := acks[0].Data.(*models.NewMessage)
	req.Equal(msg.ID, ack.ID)
	req.Equal(models.StatusDelivered, ack.Status)
	req.Empty(clientConn.Named(models.EventError))

	// And the conversation shows the message with one unread for the expert
	summaries, err := h.chat.ListConversations(ctx, "expert456", 0, 0)
	req.NoError(err)
	req.Len(summaries, 1)
	req.Equal(msg.ID, *summaries[0].Conversation.LastMessageID)
	req.Equal(1, summaries[0].Unread)
	req.Len(h.notifier.sent, 0)
}

func TestDispatcher_SendMessage_Fans_Out_To_Every_Connection(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	client, clientConn := h.connect(t, "user123")
	_, clientTablet := h.connect(t, "user123")
	_, expertPhone := h.connect(t, "expert456")
	_, expertLaptop := h.connect(t, "expert456")

	client.Handle(ctx, frame(t, models.EventSendMessage, "r", map[string]string{"receiverId": "expert456", "text": "hi"}))

	req.Len(expertPhone.Named(models.EventNewMessage), 1)
	req.Len(expertLaptop.Named(models.EventNewMessage), 1)
	req.Len(clientConn.Named(models.EventNewMessage), 1)
	tablet := clientTablet.Named(models.EventNewMessage)
	req.Len(tablet, 1)
	req.Empty(tablet[0].Ref)
}

func TestDispatcher_SendMessage_Offline_Receiver(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	// Given expert456 is offline while user123 sends three messages
	client, _ := h.connect(t, "user123")
	for _, text := range []string{"one", "two", "three"} {
		client.Handle(ctx, frame(t, models.EventSendMessage, "", map[string]string{"receiverId": "expert456", "text": text}))
	}

	// Then each one triggers an offline notification to the expert's device
	for i := 0; i < 3; i++ {
		select {
		case n := <-h.notifier.sent:
			req.Equal("expert-device", n.recipient.DeviceToken())
		case <-time.After(5 * time.Second):
			req.FailNow("offline notification not sent")
		}
	}

	// When the expert connects nothing is pushed for the missed messages
	_, expertConn := h.connect(t, "expert456")
	req.Empty(expertConn.Events())

	// And the initial history fetch returns all three in order
	summaries, err := h.chat.ListConversations(ctx, "expert456", 0, 0)
	req.NoError(err)
	req.Len(summaries, 1)
	req.Equal(3, summaries[0].Unread)
	page, err := h.chat.History(ctx, "expert456", summaries[0].Conversation.ID, models.Page{})
	req.NoError(err)
	req.Len(page.Messages, 3)
	for i, text := range []string{"one", "two", "three"} {
		req.Equal(text, page.Messages[i].Text)
	}
}

func TestDispatcher_SendMessage_To_Broken_Connection_Notifies(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	client, _ := h.connect(t, "user123")
	_, expertConn := h.connect(t, "expert456")
	expertConn.failSend = true

	client.Handle(context.Background(), frame(t, models.EventSendMessage, "", map[string]string{"receiverId": "expert456", "text": "hi"}))

	select {
	case n := <-h.notifier.sent:
		req.Equal(models.StatusSent, n.message.Status)
	case <-time.After(5 * time.Second):
		req.FailNow("offline notification not sent")
	}
}

func TestDispatcher_Rejects_Sender_Mismatch(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	client, clientConn := h.connect(t, "user123")
	_, expertConn := h.connect(t, "expert456")

	// When the frame claims to come from someone else
	client.Handle(ctx, frame(t, models.EventSendMessage, "r-9", map[string]string{
		"senderId": "impostor", "receiverId": "expert456", "text": "hi",
	}))

	// Then only the origin gets a single Unauthorized error and nothing is stored
	errors := clientConn.Named(models.EventError)
	req.Len(errors, 1)
	req.Equal("r-9", errors[0].Ref)
	payload := errorPayload(t, errors[0])
	req.Equal(errs.CodeUnauthorized, payload.Code)
	req.Equal(models.EventSendMessage, payload.Event)
	req.False(payload.Retryable)
	req.Empty(expertConn.Events())

	summaries, err := h.chat.ListConversations(ctx, "user123", 0, 0)
	req.NoError(err)
	req.Empty(summaries)
}

func TestDispatcher_Rejects_Non_Participant(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	conv, err := h.chat.StartConversation(ctx, "user123", "expert456")
	req.NoError(err)
	_, expertConn := h.connect(t, "expert456")
	mallory, malloryConn := h.connect(t, "mallory")

	mallory.Handle(ctx, frame(t, models.EventSendMessage, "", map[string]string{"conversationId": conv.ID, "text": "spam"}))
	mallory.Handle(ctx, frame(t, models.EventStartTyping, "", map[string]string{"conversationId": conv.ID, "userId": "mallory"}))
	mallory.Handle(ctx, frame(t, models.EventMarkMessagesAsRead, "", map[string]string{"conversationId": conv.ID, "userId": "mallory"}))

	errors := malloryConn.Named(models.EventError)
	req.Len(errors, 3)
	for _, e := range errors {
		req.Equal(errs.CodeUnauthorized, errorPayload(t, e).Code)
	}
	req.Empty(expertConn.Events())
}

func TestDispatcher_Unregistered_Connection(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	conn := newRecordingConn()
	session := h.dispatcher.Attach(conn, "")

	session.Handle(ctx, frame(t, models.EventSendMessage, "x", map[string]string{"receiverId": "expert456", "text": "hi"}))
	session.Handle(ctx, []byte(`{not json`))
	session.Handle(ctx, frame(t, "dance", "", map[string]string{}))
	session.Handle(ctx, []byte(`{"event":"registerUser"}`))

	events := conn.Events()
	req.Len(events, 4)
	req.Equal(errs.CodeUnauthorized, errorPayload(t, events[0]).Code)
	req.Equal("x", events[0].Ref)
	req.Equal(errs.CodeValidation, errorPayload(t, events[1]).Code)
	req.Equal(errs.CodeValidation, errorPayload(t, events[2]).Code)
	req.Equal(errs.CodeValidation, errorPayload(t, events[3]).Code)
	req.Zero(h.registry.Connections())
}

func TestDispatcher_Register_Rules(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	// A token-bound connection may only register as the token's subject
	conn := newRecordingConn()
	session := h.dispatcher.Attach(conn, "user123")
	session.Handle(ctx, frame(t, models.EventRegisterUser, "", map[string]string{"userId": "expert456"}))
	req.Equal(errs.CodeUnauthorized, errorPayload(t, conn.Events()[0]).Code)
	req.Empty(session.UserID())

	session.Handle(ctx, frame(t, models.EventRegisterUser, "", map[string]string{"userId": " user123 "}))
	req.Equal("user123", session.UserID())

	// Registering again as the same user is a no-op, as anyone else a validation error
	conn.Reset()
	session.Handle(ctx, frame(t, models.EventRegisterUser, "", map[string]string{"userId": "user123"}))
	req.Empty(conn.Events())
	session.Handle(ctx, frame(t, models.EventRegisterUser, "", map[string]string{"userId": "other"}))
	req.Equal(errs.CodeValidation, errorPayload(t, conn.Events()[0]).Code)
	req.Len(h.registry.ConnectionsFor("user123"), 1)
	req.Empty(h.registry.ConnectionsFor("other"))

	// Closing deregisters and later frames are ignored
	session.Close()
	session.Close()
	req.False(h.registry.IsOnline("user123"))
	conn.Reset()
	session.Handle(ctx, frame(t, models.EventRegisterUser, "", map[string]string{"userId": "user123"}))
	req.Empty(conn.Events())
}

func TestDispatcher_Typing_Broadcasts_Only_On_Change(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	conv, err := h.chat.StartConversation(ctx, "user123", "expert456")
	req.NoError(err)
	client, clientConn := h.connect(t, "user123")
	_, expertConn := h.connect(t, "expert456")
	typing := map[string]string{"conversationId": conv.ID, "userId": "user123"}

	// Repeated starts produce a single typingStarted
	client.Handle(ctx, frame(t, models.EventStartTyping, "", typing))
	client.Handle(ctx, frame(t, models.EventStartTyping, "", typing))
	started := expertConn.Named(models.EventTypingStarted)
	req.Len(started, 1)
	req.Equal(&models.TypingStarted{ConversationID: conv.ID, UserID: "user123"}, started[0].Data)

	// Repeated stops produce a single typingStopped
	client.Handle(ctx, frame(t, models.EventStopTyping, "", typing))
	client.Handle(ctx, frame(t, models.EventStopTyping, "", typing))
	req.Len(expertConn.Named(models.EventTypingStopped), 1)
	req.Empty(clientConn.Named(models.EventError))

	// Typing for someone else is rejected
	client.Handle(ctx, frame(t, models.EventStartTyping, "", map[string]string{"conversationId": conv.ID, "userId": "expert456"}))
	req.Len(clientConn.Named(models.EventError), 1)
}

func TestDispatcher_Typing_Expires(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	conv, err := h.chat.StartConversation(ctx, "user123", "expert456")
	req.NoError(err)
	client, _ := h.connect(t, "user123")
	_, expertConn := h.connect(t, "expert456")

	client.Handle(ctx, frame(t, models.EventStartTyping, "", map[string]string{"conversationId": conv.ID, "userId": "user123"}))
	req.Empty(h.typing.Sweep())

	// When the ttl passes without a refresh the sweep withdraws the indicator once
	h.clock = h.clock.Add(6 * time.Second)
	req.False(h.typing.IsTyping(conv.ID, "user123"))
	req.Len(h.typing.Sweep(), 1)
	req.Empty(h.typing.Sweep())
	req.Len(expertConn.Named(models.EventTypingStopped), 1)
}

func TestDispatcher_Disconnect_Clears_Typing(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	conv, err := h.chat.StartConversation(ctx, "user123", "expert456")
	req.NoError(err)
	client, _ := h.connect(t, "user123")
	_, expertConn := h.connect(t, "expert456")

	client.Handle(ctx, frame(t, models.EventStartTyping, "", map[string]string{"conversationId": conv.ID, "userId": "user123"}))
	client.Close()

	req.Len(expertConn.Named(models.EventTypingStopped), 1)
	req.Zero(h.typing.Len())
	req.False(h.registry.IsOnline("user123"))
}

func TestDispatcher_SendMessage_Stops_Typing(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	conv, err := h.chat.StartConversation(ctx, "user123", "expert456")
	req.NoError(err)
	client, _ := h.connect(t, "user123")
	_, expertConn := h.connect(t, "expert456")

	client.Handle(ctx, frame(t, models.EventStartTyping, "", map[string]string{"conversationId": conv.ID, "userId": "user123"}))
	client.Handle(ctx, frame(t, models.EventSendMessage, "", map[string]string{"conversationId": conv.ID, "text": "done typing"}))

	events := expertConn.Events()
	req.Len(events, 3)
	req.Equal(models.EventTypingStarted, events[0].Event)
	req.Equal(models.EventTypingStopped, events[1].Event)
	req.Equal(models.EventNewMessage, events[2].Event)
}

func TestDispatcher_MarkRead_Pushes_Receipt(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	client, clientConn := h.connect(t, "user123")
	expert, _ := h.connect(t, "expert456")
	client.Handle(ctx, frame(t, models.EventSendMessage, "", map[string]string{"receiverId": "expert456", "text": "one"}))
	client.Handle(ctx, frame(t, models.EventSendMessage, "", map[string]string{"receiverId": "expert456", "text": "two"}))
	acks := clientConn.Named(models.EventNewMessage)
	req.Len(acks, 2)
	convID := acks[0].Data.(*models.NewMessage).ConversationID

	expert.Handle(ctx, frame(t, models.EventMarkMessagesAsRead, "", map[string]string{"conversationId": convID, "userId": "expert456"}))

	receipts := clientConn.Named(models.EventMessagesRead)
	req.Len(receipts, 1)
	receipt := receipts[0].Data.(*models.MessagesRead)
	req.Equal("expert456", receipt.ReaderID)
	req.Equal([]string{acks[0].Data.(*models.NewMessage).ID, acks[1].Data.(*models.NewMessage).ID}, receipt.MessageIDs)

	summaries, err := h.chat.ListConversations(ctx, "expert456", 0, 0)
	req.NoError(err)
	req.Zero(summaries[0].Unread)

	// A second read changes nothing but still confirms
	expert.Handle(ctx, frame(t, models.EventMarkMessagesAsRead, "", map[string]string{"conversationId": convID, "userId": "expert456"}))
	receipts = clientConn.Named(models.EventMessagesRead)
	req.Len(receipts, 2)
	req.Empty(receipts[1].Data.(*models.MessagesRead).MessageIDs)
}

func TestDispatcher_KickConversation_Withdraws_Typing(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	conv, err := h.chat.StartConversation(ctx, "user123", "expert456")
	req.NoError(err)
	client, _ := h.connect(t, "user123")
	_, expertConn := h.connect(t, "expert456")
	client.Handle(ctx, frame(t, models.EventStartTyping, "", map[string]string{"conversationId": conv.ID, "userId": "user123"}))

	h.dispatcher.KickConversation(conv)
	req.Len(expertConn.Named(models.EventTypingStopped), 1)
	req.Zero(h.typing.Len())
}

func TestDispatcher_Rate_Limits_Events(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, func(c *config.Config) {
		c.EventRate = 0.001
		c.EventBurst = 2
	})

	conv, err := h.chat.StartConversation(ctx, "user123", "expert456")
	req.NoError(err)
	client, clientConn := h.connect(t, "user123")
	client.Handle(ctx, frame(t, models.EventStopTyping, "", map[string]string{"conversationId": conv.ID, "userId": "user123"}))
	client.Handle(ctx, frame(t, models.EventStopTyping, "", map[string]string{"conversationId": conv.ID, "userId": "user123"}))

	errors := clientConn.Named(models.EventError)
	req.Len(errors, 1)
	payload := errorPayload(t, errors[0])
	req.Equal(errs.CodeRateLimited, payload.Code)
	req.True(payload.Retryable)
}

func TestDispatcher_Store_Failure_Is_Retryable_And_Reported_To_Origin(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	client, clientConn := h.connect(t, "user123")
	_, otherTab := h.connect(t, "user123")
	_, expertConn := h.connect(t, "expert456")

	// Given the messages table is unavailable
	req.NoError(h.gormDB.DB.Exec("ALTER TABLE messages RENAME TO messages_offline").Error)

	// When user123 sends a message
	client.Handle(ctx, frame(t, models.EventSendMessage, "r1", map[string]string{"receiverId": "expert456", "text": "Hello"}))

	// Then only the originating connection gets one retryable store error carrying the ref
	req.Len(clientConn.Events(), 1)
	failures := clientConn.Named(models.EventError)
	req.Len(failures, 1)
	req.Equal("r1", failures[0].Ref)
	payload := errorPayload(t, failures[0])
	req.Equal(errs.CodeTransient, payload.Code)
	req.True(payload.Retryable)
	req.Equal(models.EventSendMessage, payload.Event)
	req.Empty(otherTab.Events())
	req.Empty(expertConn.Events())
	req.Len(h.notifier.sent, 0)

	// And nothing was persisted
	summaries, err := h.chat.ListConversations(ctx, "user123", 0, 0)
	req.NoError(err)
	req.Empty(summaries)

	// When the store comes back, the same session keeps working
	req.NoError(h.gormDB.DB.Exec("ALTER TABLE messages_offline RENAME TO messages").Error)
	clientConn.Reset()
	client.Handle(ctx, frame(t, models.EventSendMessage, "r2", map[string]string{"receiverId": "expert456", "text": "Hello"}))

	req.Empty(clientConn.Named(models.EventError))
	acks := clientConn.Named(models.EventNewMessage)
	req.Len(acks, 1)
	req.Equal("r2", acks[0].Ref)
	req.Equal(int64(1), acks[0].Data.(*models.NewMessage).Seq)
	req.Len(expertConn.Named(models.EventNewMessage), 1)

	summaries, err = h.chat.ListConversations(ctx, "expert456", 0, 0)
	req.NoError(err)
	req.Len(summaries, 1)
	req.Equal(1, summaries[0].Unread)
}
