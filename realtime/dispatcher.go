package realtime

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/techagentng/expertchat/config"
	errs "github.com/techagentng/expertchat/errors"
	"github.com/techagentng/expertchat/models"
	"github.com/techagentng/expertchat/services"
	"golang.org/x/time/rate"
)

// Dispatcher turns inbound client events into store operations and fans the results
// out to the participants' live connections.
type Dispatcher struct {
	Config   *config.Config
	chat     services.ChatService
	registry *Registry
	typing   *TypingTracker
	notifier services.Notifier
}

func NewDispatcher(chat services.ChatService, registry *Registry, typing *TypingTracker, notifier services.Notifier, conf *config.Config) *Dispatcher {
	if notifier == nil {
		notifier = services.NoopNotifier{}
	}
	d := &Dispatcher{
		Config:   conf,
		chat:     chat,
		registry: registry,
		typing:   typing,
		notifier: notifier,
	}
	typing.OnExpire(d.typingStopped)
	return d
}

// Attach starts an unregistered session for conn. authUserID is the verified token
// subject of the upgrade request, or "" when the connection is anonymous.
func (d *Dispatcher) Attach(conn Conn, authUserID string) *Session {
	return &Session{
		dispatcher: d,
		conn:       conn,
		authUserID: authUserID,
		limiter:    rate.NewLimiter(rate.Limit(d.Config.EventRate), d.Config.EventBurst),
	}
}

// Run sweeps expired typing indicators until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.typing.Run(ctx)
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Close disconnects every client.
func (d *Dispatcher) Close() {
	d.registry.Close()
}

// MarkRead resets the reader's unread counter, advances their messages to read and
// pushes the receipt to the other participant.
func (d *Dispatcher) MarkRead(ctx context.Context, readerID, conversationID string) (*models.ReadReceipt, error) {
	result, err := d.chat.MarkRead(ctx, readerID, conversationID)
	if err != nil {
		return nil, err
	}
	receipt := models.NewOutbound(models.NewReadReceipt(result.Receipt), "")
	d.push(result.Conversation.Counterpart(readerID), receipt)
	return result.Receipt, nil
}

// KickConversation withdraws every typing indicator of a removed conversation.
func (d *Dispatcher) KickConversation(conv *models.Conversation) {
	for _, entry := range d.typing.ClearConversation(conv.ID) {
		d.typingStopped(entry)
	}
}

func (d *Dispatcher) sendMessage(ctx context.Context, s *Session, userID string, ev *models.SendMessage, ref string) error {
	if ev.SenderID != "" && ev.SenderID != userID {
		return errs.Unauthorized("senderId %s does not match the registered user", ev.SenderID)
	}
	sent, err := d.chat.SendMessage(ctx, userID, services.SendMessageRequest{
		ConversationID: ev.ConversationID,
		ReceiverID:     ev.ReceiverID,
		Text:           ev.Text,
	})
	if err != nil {
		return err
	}
	message := sent.Message

	if entry, ok := d.typing.Stop(message.ConversationID, userID); ok {
		d.typingStopped(entry)
	}

	delivered := d.push(message.ReceiverID, models.NewOutbound(&models.NewMessage{Message: *message, Sender: sent.Sender}, ""))
	if delivered > 0 {
		if err := d.chat.MarkDelivered(ctx, []string{message.ID}); err != nil {
			log.Warn().Err(err).Str("message_id", message.ID).Msg("could not mark message delivered")
		} else {
			message.Status = models.StatusDelivered
		}
	} else {
		go d.notifyOffline(ctx, sent)
	}

	ack := &models.NewMessage{Message: *message, Sender: sent.Sender}
	for _, conn := range d.registry.ConnectionsFor(userID) {
		connRef := ""
		if conn.ID() == s.conn.ID() {
			connRef = ref
		}
		if err := conn.Send(models.NewOutbound(ack, connRef)); err != nil {
			log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("sender echo dropped")
		}
	}
	return nil
}

func (d *Dispatcher) notifyOffline(ctx context.Context, sent *services.SentMessage) {
	recipient := d.chat.Profile(ctx, sent.Message.ReceiverID)
	if err := d.notifier.NotifyNewMessage(ctx, recipient, sent.Sender, sent.Message); err != nil {
		log.Warn().Err(err).Str("message_id", sent.Message.ID).Msg("offline notification failed")
	}
}

func (d *Dispatcher) startTyping(ctx context.Context, s *Session, userID string, ev *models.StartTyping) error {
	if ev.UserID != userID {
		return errs.Unauthorized("userId %s does not match the registered user", ev.UserID)
	}
	peer, err := d.chat.Counterpart(ctx, userID, ev.ConversationID)
	if err != nil {
		return err
	}
	if d.typing.Start(ev.ConversationID, userID, peer, s.conn.ID()) {
		d.push(peer, models.NewOutbound(&models.TypingStarted{ConversationID: ev.ConversationID, UserID: userID}, ""))
	}
	return nil
}

func (d *Dispatcher) stopTyping(ctx context.Context, userID string, ev *models.StopTyping) error {
	if ev.UserID != userID {
		return errs.Unauthorized("userId %s does not match the registered user", ev.UserID)
	}
	if _, err := d.chat.Counterpart(ctx, userID, ev.ConversationID); err != nil {
		return err
	}
	if entry, ok := d.typing.Stop(ev.ConversationID, userID); ok {
		d.typingStopped(entry)
	}
	return nil
}

func (d *Dispatcher) markRead(ctx context.Context, userID string, ev *models.MarkMessagesAsRead) error {
	if ev.UserID != userID {
		return errs.Unauthorized("userId %s does not match the registered user", ev.UserID)
	}
	_, err := d.MarkRead(ctx, userID, ev.ConversationID)
	return err
}

func (d *Dispatcher) typingStopped(entry Typing) {
	d.push(entry.PeerID, models.NewOutbound(&models.TypingStopped{ConversationID: entry.ConversationID, UserID: entry.UserID}, ""))
}

// push sends event to every connection of userID and returns how many accepted it.
func (d *Dispatcher) push(userID string, event models.Outbound) int {
	conns := d.registry.ConnectionsFor(userID)
	return lo.CountBy(conns, func(conn Conn) bool {
		if err := conn.Send(event); err != nil {
			log.Debug().Err(err).Str("conn_id", conn.ID()).Str("event", string(event.Event)).Msg("push dropped")
			return false
		}
		return true
	})
}
