package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/techagentng/expertchat/config"
	"github.com/techagentng/expertchat/db"
	errs "github.com/techagentng/expertchat/errors"
	"github.com/techagentng/expertchat/models"
)

// ChatService applies the conversation rules on top of the stores. It is shared by the
// websocket dispatcher and the REST handlers.
type ChatService interface {
	StartConversation(ctx context.Context, userID, participantID string) (*models.Conversation, error)
	SendMessage(ctx context.Context, senderID string, request SendMessageRequest) (*SentMessage, error)
	MarkRead(ctx context.Context, readerID, conversationID string) (*ReadResult, error)
	Counterpart(ctx context.Context, userID, conversationID string) (string, error)
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]models.ConversationSummary, error)
	History(ctx context.Context, userID, conversationID string, page models.Page) (*models.MessagePage, error)
	MarkDelivered(ctx context.Context, messageIDs []string) error
	DeleteConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	Profile(ctx context.Context, userID string) *models.UserProfile
}

// SendMessageRequest names the conversation either directly or by the receiver.
type SendMessageRequest struct {
	ConversationID string
	ReceiverID     string
	Text           string
}

type SentMessage struct {
	Message      *models.Message
	Conversation *models.Conversation
	Sender       *models.UserProfile
}

type ReadResult struct {
	Receipt      *models.ReadReceipt
	Conversation *models.Conversation
}

type chatService struct {
	Config        *config.Config
	transactor    db.Transactor
	conversations db.ConversationRepository
	messages      db.MessageRepository
	users         db.UserRepository
}

func NewChatService(transactor db.Transactor, conversations db.ConversationRepository, messages db.MessageRepository, users db.UserRepository, conf *config.Config) ChatService {
	return &chatService{
		Config:        conf,
		transactor:    transactor,
		conversations: conversations,
		messages:      messages,
		users:         users,
	}
}

func (s *chatService) StartConversation(ctx context.Context, userID, participantID string) (*models.Conversation, error) {
	return s.conversations.FindOrCreate(ctx, userID, strings.TrimSpace(participantID))
}

// SendMessage resolves the conversation, appends the message and records it on the
// conversation in a single transaction.
func (s *chatService) SendMessage(ctx context.Context, senderID string, request SendMessageRequest) (*SentMessage, error) {
	text := request.Text
	if strings.TrimSpace(text) == "" {
		return nil, errs.Validation("message text is required")
	}
	if n := utf8.RuneCountInString(text); n > s.Config.MaxMessageLength {
		return nil, errs.Validation("message is %d characters, the limit is %d", n, s.Config.MaxMessageLength)
	}
	if request.ConversationID == "" && request.ReceiverID == "" {
		return nil, errs.Validation("either conversationId or receiverId is required")
	}
	if request.ReceiverID == senderID {
		return nil, errs.Validation("cannot send a message to yourself")
	}

	sent := &SentMessage{}
	err := s.transactor.WithinTransaction(ctx, func(store db.Store) error {
		conv, err := resolveConversation(ctx, store.Conversations, senderID, request)
		if err != nil {
			return err
		}
		receiverID := conv.Counterpart(senderID)

		message, err := store.Messages.Append(ctx, conv.ID, senderID, receiverID, text)
		if err != nil {
			return err
		}
		updated, err := store.Conversations.RecordNewMessage(ctx, conv.ID, message)
		if err != nil {
			return err
		}
		sent.Message = message
		sent.Conversation = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	sent.Sender = s.Profile(ctx, senderID)
	return sent, nil
}

func resolveConversation(ctx context.Context, conversations db.ConversationRepository, senderID string, request SendMessageRequest) (*models.Conversation, error) {
	if request.ConversationID == "" {
		return conversations.FindOrCreate(ctx, senderID, request.ReceiverID)
	}
	conv, err := conversations.FindByID(ctx, request.ConversationID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.Validation("conversation %s does not exist", request.ConversationID)
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		return nil, errs.Unauthorized("%s is not a participant of conversation %s", senderID, conv.ID)
	}
	if request.ReceiverID != "" && request.ReceiverID != conv.Counterpart(senderID) {
		return nil, errs.Validation("receiver %s is not the other participant of conversation %s", request.ReceiverID, conv.ID)
	}
	return conv, nil
}

// MarkRead zeroes the reader's unread counter and advances every message addressed to
// them up to the conversation's current high-water mark to read.
func (s *chatService) MarkRead(ctx context.Context, readerID, conversationID string) (*ReadResult, error) {
	result := &ReadResult{}
	err := s.transactor.WithinTransaction(ctx, func(store db.Store) error {
		conv, err := store.Conversations.MarkRead(ctx, conversationID, readerID)
		if err != nil {
			return err
		}
		ids, err := store.Messages.MarkConversationRead(ctx, conversationID, readerID, conv.MessageSeq)
		if err != nil {
			return err
		}
		result.Conversation = conv
		result.Receipt = &models.ReadReceipt{
			ConversationID: conversationID,
			ReaderID:       readerID,
			MessageIDs:     ids,
			ReadAt:         time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Counterpart returns the other participant, or Unauthorized if userID is not one.
func (s *chatService) Counterpart(ctx context.Context, userID, conversationID string) (string, error) {
	conv, err := s.participantConversation(ctx, userID, conversationID)
	if err != nil {
		return "", err
	}
	return conv.Counterpart(userID), nil
}

func (s *chatService) participantConversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	conv, err := s.conversations.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, errs.Unauthorized("%s is not a participant of conversation %s", userID, conversationID)
	}
	return conv, nil
}

func (s *chatService) ListConversations(ctx context.Context, userID string, limit, offset int) ([]models.ConversationSummary, error) {
	conversations, err := s.conversations.ListForUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	counterparts := lo.Uniq(lo.Map(conversations, func(c models.Conversation, _ int) string {
		return c.Counterpart(userID)
	}))
	profiles, err := s.users.FindProfiles(ctx, counterparts)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("counterpart profiles unavailable")
		profiles = map[string]*models.UserProfile{}
	}

	summaries := make([]models.ConversationSummary, 0, len(conversations))
	for i := range conversations {
		conv := &conversations[i]
		other := conv.Counterpart(userID)
		profile, ok := profiles[other]
		if !ok {
			profile = &models.UserProfile{ID: other}
		}
		summaries = append(summaries, models.ConversationSummary{
			Conversation: conv,
			Unread:       conv.UnreadFor(userID),
			Counterpart:  profile,
		})
	}
	return summaries, nil
}

// History returns one page of the conversation. Messages addressed to the caller that
// are still sent move to delivered, since the caller now has them.
func (s *chatService) History(ctx context.Context, userID, conversationID string, page models.Page) (*models.MessagePage, error) {
	if _, err := s.participantConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	result, err := s.messages.ListByConversation(ctx, conversationID, page)
	if err != nil {
		return nil, err
	}

	var undelivered []string
	for i := range result.Messages {
		m := &result.Messages[i]
		if m.ReceiverID == userID && m.Status == models.StatusSent {
			undelivered = append(undelivered, m.ID)
			m.Status = models.StatusDelivered
		}
	}
	if err := s.MarkDelivered(ctx, undelivered); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("could not mark history delivered")
	}
	return result, nil
}

func (s *chatService) MarkDelivered(ctx context.Context, messageIDs []string) error {
	_, err := s.messages.MarkStatusAtLeast(ctx, messageIDs, models.StatusDelivered)
	return err
}

// DeleteConversation removes the conversation and its messages, returning the deleted
// record so callers can notify the participants.
func (s *chatService) DeleteConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, err := s.conversations.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.conversations.Delete(ctx, conversationID); err != nil {
		return nil, err
	}
	log.Info().Str("conversation_id", conversationID).Msg("conversation deleted")
	return conv, nil
}

// Profile looks up a user for payload enrichment. Unknown users get a bare profile.
func (s *chatService) Profile(ctx context.Context, userID string) *models.UserProfile {
	profile, err := s.users.FindProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			log.Warn().Err(err).Str("user_id", userID).Msg("profile lookup failed")
		}
		return &models.UserProfile{ID: userID}
	}
	return profile
}
