package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	errs "github.com/techagentng/expertchat/errors"
	"github.com/techagentng/expertchat/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRepository owns the conversations table.
type ConversationRepository interface {
	FindOrCreate(ctx context.Context, userA, userB string) (*models.Conversation, error)
	FindByID(ctx context.Context, id string) (*models.Conversation, error)
	FindByPair(ctx context.Context, userA, userB string) (*models.Conversation, error)
	ListForUser(ctx context.Context, userID string, limit, offset int) ([]models.Conversation, error)
	RecordNewMessage(ctx context.Context, conversationID string, message *models.Message) (*models.Conversation, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (*models.Conversation, error)
	Delete(ctx context.Context, conversationID string) error
}

type conversationRepo struct {
	DB            *gorm.DB
	previewLength int
}

func NewConversationRepo(db *GormDB, previewLength int) ConversationRepository {
	return newConversationRepo(db.DB, previewLength)
}

func newConversationRepo(db *gorm.DB, previewLength int) *conversationRepo {
	return &conversationRepo{DB: db, previewLength: previewLength}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// FindOrCreate returns the conversation for the unordered pair, creating it if needed.
// A concurrent creator that loses the insert race hits the pair index, does nothing,
// and reads back the winner's row.
func (r *conversationRepo) FindOrCreate(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	if userA == "" || userB == "" {
		return nil, errs.Validation("both participants are required")
	}
	if userA == userB {
		return nil, errs.Validation("cannot start a conversation with yourself")
	}

	conv, err := r.FindByPair(ctx, userA, userB)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	low, high := models.OrderedPair(userA, userB)
	conv = &models.Conversation{
		ID:       uuid.NewString(),
		UserAID:  userA,
		UserBID:  userB,
		PairLow:  low,
		PairHigh: high,
	}
	err = r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pair_low"}, {Name: "pair_high"}},
			DoNothing: true,
		}).
		Create(conv).Error
	if err != nil {
		return nil, storeError(err, "create conversation")
	}
	return r.FindByPair(ctx, userA, userB)
}

func (r *conversationRepo) FindByID(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(conv).Error; err != nil {
		return nil, storeError(err, "conversation")
	}
	return conv, nil
}

func (r *conversationRepo) FindByPair(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	low, high := models.OrderedPair(userA, userB)
	conv := &models.Conversation{}
	err := r.DB.WithContext(ctx).
		Where("pair_low = ? AND pair_high = ?", low, high).
		First(conv).Error
	if err != nil {
		return nil, storeError(err, "conversation")
	}
	return conv, nil
}

// ListForUser returns the user's conversations, most recently active first.
func (r *conversationRepo) ListForUser(ctx context.Context, userID string, limit, offset int) ([]models.Conversation, error) {
	var conversations []models.Conversation
	q := r.DB.WithContext(ctx).
		Where("user_a_id = ? OR user_b_id = ?", userID, userID).
		Order("updated_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&conversations).Error; err != nil {
		return nil, storeError(err, "list conversations")
	}
	return conversations, nil
}

// RecordNewMessage bumps the receiver's unread counter and moves the last-message
// reference forward. The reference only ever advances to a higher seq, so two records
// applied out of order still leave it on the newest message.
func (r *conversationRepo) RecordNewMessage(ctx context.Context, conversationID string, message *models.Message) (*models.Conversation, error) {
	if message == nil {
		return nil, errs.Validation("message is required")
	}
	conv := &models.Conversation{}
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", conversationID).First(conv).Error; err != nil {
			return storeError(err, "conversation")
		}
		side := conv.SideOf(message.SenderID)
		if side == models.SideNone {
			return errs.Unauthorized("%s is not a participant of conversation %s", message.SenderID, conversationID)
		}
		if conv.Counterpart(message.SenderID) != message.ReceiverID {
			return errs.Validation("receiver %s is not the other participant", message.ReceiverID)
		}

		column := "unread_b"
		if side == models.SideB {
			column = "unread_a"
		}
		err := tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			UpdateColumns(map[string]interface{}{
				column:       gorm.Expr(column + " + 1"),
				"updated_at": now(),
			}).Error
		if err != nil {
			return storeError(err, "record message")
		}

		err = tx.Model(&models.Conversation{}).
			Where("id = ? AND last_message_seq < ?", conversationID, message.Seq).
			UpdateColumns(map[string]interface{}{
				"last_message_id":      message.ID,
				"last_message_preview": message.Preview(r.previewLength),
				"last_message_seq":     message.Seq,
			}).Error
		if err != nil {
			return storeError(err, "record message")
		}
		return storeError(tx.Where("id = ?", conversationID).First(conv).Error, "conversation")
	})
	if err != nil {
		return nil, storeError(err, "record message")
	}
	return conv, nil
}

// MarkRead zeroes the reader's unread counter. Calling it on a zero counter changes
// nothing, not even updated_at.
func (r *conversationRepo) MarkRead(ctx context.Context, conversationID, readerID string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", conversationID).First(conv).Error; err != nil {
			return storeError(err, "conversation")
		}
		column := "unread_a"
		switch conv.SideOf(readerID) {
		case models.SideNone:
			return errs.Unauthorized("%s is not a participant of conversation %s", readerID, conversationID)
		case models.SideB:
			column = "unread_b"
		}
		err := tx.Model(&models.Conversation{}).
			Where("id = ? AND "+column+" > 0", conversationID).
			UpdateColumns(map[string]interface{}{
				column:       0,
				"updated_at": now(),
			}).Error
		if err != nil {
			return storeError(err, "mark read")
		}
		return storeError(tx.Where("id = ?", conversationID).First(conv).Error, "conversation")
	})
	if err != nil {
		return nil, storeError(err, "mark read")
	}
	return conv, nil
}

// Delete removes the conversation and every message it owns.
func (r *conversationRepo) Delete(ctx context.Context, conversationID string) error {
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&models.Message{}).Error; err != nil {
			return storeError(err, "delete messages")
		}
		res := tx.Where("id = ?", conversationID).Delete(&models.Conversation{})
		if res.Error != nil {
			return storeError(res.Error, "delete conversation")
		}
		if res.RowsAffected == 0 {
			return errs.NotFound("conversation %s not found", conversationID)
		}
		return nil
	})
	return storeError(err, "delete conversation")
}
