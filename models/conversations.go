package models

import (
	"time"

	"gorm.io/gorm"
)

// Side names a participant's slot in a conversation.
type Side int

const (
	SideNone Side = iota
	SideA
	SideB
)

// Conversation is the unique record for an unordered pair of users.
// PairLow/PairHigh hold the participants in lexical order and carry the unique index,
// so {a, b} and {b, a} always land on the same row.
type Conversation struct {
	ID                 string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserAID            string      `gorm:"not null;index" json:"userA_id"`
	UserBID            string      `gorm:"not null;index" json:"userB_id"`
	PairLow            string      `gorm:"not null;uniqueIndex:idx_conversation_pair" json:"-"`
	PairHigh           string      `gorm:"not null;uniqueIndex:idx_conversation_pair" json:"-"`
	LastMessageID      *string     `json:"lastMessageId"`
	LastMessagePreview *string     `json:"lastMessagePreview"`
	LastMessageSeq     int64       `gorm:"not null;default:0" json:"-"`
	LastMessageAt      *time.Time  `json:"lastMessageAt,omitempty"`
	UnreadA            int         `gorm:"not null;default:0" json:"-"`
	UnreadB            int         `gorm:"not null;default:0" json:"-"`
	MessageSeq         int64       `gorm:"not null;default:0" json:"-"`
	UnreadCount        UnreadCount `gorm:"-" json:"unreadCount"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `gorm:"index" json:"updatedAt"`
}

// UnreadCount is the per-side view of the unread counters.
type UnreadCount struct {
	UserA int `json:"userA"`
	UserB int `json:"userB"`
}

// OrderedPair returns the two ids in the order used by the pair index.
func OrderedPair(userA, userB string) (string, string) {
	if userA <= userB {
		return userA, userB
	}
	return userB, userA
}

// SideOf reports which slot userID occupies, or SideNone if it is not a participant.
func (c *Conversation) SideOf(userID string) Side {
	switch userID {
	case c.UserAID:
		return SideA
	case c.UserBID:
		return SideB
	default:
		return SideNone
	}
}

func (c *Conversation) HasParticipant(userID string) bool {
	return c.SideOf(userID) != SideNone
}

// Counterpart returns the other participant, or "" if userID is not in the conversation.
func (c *Conversation) Counterpart(userID string) string {
	switch c.SideOf(userID) {
	case SideA:
		return c.UserBID
	case SideB:
		return c.UserAID
	default:
		return ""
	}
}

// UnreadFor returns the unread counter of userID's side.
func (c *Conversation) UnreadFor(userID string) int {
	switch c.SideOf(userID) {
	case SideA:
		return c.UnreadA
	case SideB:
		return c.UnreadB
	default:
		return 0
	}
}

// AfterFind fills the JSON view of the counters.
func (c *Conversation) AfterFind(_ *gorm.DB) error {
	c.syncUnread()
	return nil
}

func (c *Conversation) AfterCreate(_ *gorm.DB) error {
	c.syncUnread()
	return nil
}

func (c *Conversation) syncUnread() {
	c.UnreadCount = UnreadCount{UserA: c.UnreadA, UserB: c.UnreadB}
}

// ConversationSummary is a list entry as seen by one participant.
type ConversationSummary struct {
	Conversation *Conversation `json:"conversation"`
	Unread       int           `json:"unread"`
	Counterpart  *UserProfile  `json:"counterpart"`
}

// ReadReceipt describes the effect of a markRead call.
type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}
