package db

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	errs "github.com/techagentng/expertchat/errors"
	"github.com/techagentng/expertchat/models"
	"gorm.io/gorm"
)

// MessageRepository owns the messages table. Messages are append-only apart from
// their forward-only status.
type MessageRepository interface {
	Append(ctx context.Context, conversationID, senderID, receiverID, text string) (*models.Message, error)
	FindByID(ctx context.Context, id string) (*models.Message, error)
	ListByConversation(ctx context.Context, conversationID string, page models.Page) (*models.MessagePage, error)
	MarkStatusAtLeast(ctx context.Context, messageIDs []string, status models.MessageStatus) (int64, error)
	MarkConversationRead(ctx context.Context, conversationID, receiverID string, uptoSeq int64) ([]string, error)
}

type messageRepo struct {
	DB *gorm.DB
}

func NewMessageRepo(db *GormDB) MessageRepository {
	return newMessageRepo(db.DB)
}

func newMessageRepo(db *gorm.DB) *messageRepo {
	return &messageRepo{DB: db}
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		log.Warn().Err(err).Msg("uuid v7 unavailable, falling back to v4")
		return uuid.NewString()
	}
	return id.String()
}

// Append stores a new message with status sent.
//
// The seq and timestamp are allocated while holding the conversation row, taken by the
// message_seq increment, so concurrent appends to one conversation commit in seq order
// and timestamps strictly increase with seq.
func (r *messageRepo) Append(ctx context.Context, conversationID, senderID, receiverID, text string) (*models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.Validation("message text is required")
	}
	if conversationID == "" {
		return nil, errs.Validation("conversation id is required")
	}

	var message *models.Message
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			UpdateColumn("message_seq", gorm.Expr("message_seq + 1"))
		if res.Error != nil {
			return storeError(res.Error, "allocate message seq")
		}
		if res.RowsAffected == 0 {
			return errs.Validation("conversation %s does not exist", conversationID)
		}

		conv := &models.Conversation{}
		if err := tx.Where("id = ?", conversationID).First(conv).Error; err != nil {
			return storeError(err, "conversation")
		}
		if !conv.HasParticipant(senderID) || conv.Counterpart(senderID) != receiverID {
			return errs.Validation("sender and receiver must be the participants of conversation %s", conversationID)
		}

		ts := now()
		if conv.LastMessageAt != nil && !ts.After(*conv.LastMessageAt) {
			ts = conv.LastMessageAt.Add(time.Microsecond)
		}
		if err := tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			UpdateColumn("last_message_at", ts).Error; err != nil {
			return storeError(err, "append message")
		}

		message = &models.Message{
			ID:             newMessageID(),
			ConversationID: conversationID,
			Seq:            conv.MessageSeq,
			SenderID:       senderID,
			ReceiverID:     receiverID,
			Text:           text,
			Status:         models.StatusSent,
			Timestamp:      ts,
		}
		return storeError(tx.Omit("Conversation").Create(message).Error, "append message")
	})
	if err != nil {
		return nil, storeError(err, "append message")
	}
	return message, nil
}

func (r *messageRepo) FindByID(ctx context.Context, id string) (*models.Message, error) {
	message := &models.Message{}
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(message).Error; err != nil {
		return nil, storeError(err, "message")
	}
	return message, nil
}

// ListByConversation returns one page in ascending (timestamp, seq) order.
// With Before set the page is the one immediately preceding that cursor; otherwise it
// is the one immediately following After.
func (r *messageRepo) ListByConversation(ctx context.Context, conversationID string, page models.Page) (*models.MessagePage, error) {
	page = page.Normalize()
	q := r.DB.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if page.After > 0 {
		q = q.Where("seq > ?", page.After)
	}

	var messages []models.Message
	backwards := page.Before > 0
	if backwards {
		q = q.Where("seq < ?", page.Before).Order("created_at DESC, seq DESC")
	} else {
		q = q.Order("created_at ASC, seq ASC")
	}
	if err := q.Limit(page.Limit + 1).Find(&messages).Error; err != nil {
		return nil, storeError(err, "list messages")
	}

	result := &models.MessagePage{HasMore: len(messages) > page.Limit}
	if result.HasMore {
		messages = messages[:page.Limit]
	}
	if backwards {
		messages = lo.Reverse(messages)
	}
	if messages == nil {
		messages = []models.Message{}
	}
	result.Messages = messages
	if len(messages) > 0 {
		result.PrevCursor = messages[0].Seq
		result.NextCursor = messages[len(messages)-1].Seq
	} else {
		result.PrevCursor = page.Before
		result.NextCursor = page.After
	}
	return result, nil
}

// MarkStatusAtLeast advances the given messages to status, leaving any message that
// is already at or past it untouched. It returns how many rows moved.
func (r *messageRepo) MarkStatusAtLeast(ctx context.Context, messageIDs []string, status models.MessageStatus) (int64, error) {
	if !status.Valid() {
		return 0, errs.Validation("invalid message status %d", int(status))
	}
	if len(messageIDs) == 0 {
		return 0, nil
	}
	res := r.DB.WithContext(ctx).
		Model(&models.Message{}).
		Where("id IN ? AND status < ?", messageIDs, status).
		UpdateColumn("status", status)
	if res.Error != nil {
		return 0, storeError(res.Error, "update message status")
	}
	return res.RowsAffected, nil
}

// MarkConversationRead moves every message addressed to receiverID with seq <= uptoSeq
// to read and returns the ids that actually changed.
func (r *messageRepo) MarkConversationRead(ctx context.Context, conversationID, receiverID string, uptoSeq int64) ([]string, error) {
	var ids []string
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND receiver_id = ? AND status < ? AND seq <= ?",
				conversationID, receiverID, models.StatusRead, uptoSeq).
			Order("seq ASC").
			Pluck("id", &ids).Error
		if err != nil {
			return storeError(err, "unread messages")
		}
		if len(ids) == 0 {
			return nil
		}
		return storeError(tx.Model(&models.Message{}).
			Where("id IN ? AND status < ?", ids, models.StatusRead).
			UpdateColumn("status", models.StatusRead).Error, "mark messages read")
	})
	if err != nil {
		return nil, storeError(err, "mark messages read")
	}
	return ids, nil
}
