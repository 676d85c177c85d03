package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageStatus only ever moves forward: sent -> delivered -> read.
type MessageStatus int

const (
	StatusSent MessageStatus = iota + 1
	StatusDelivered
	StatusRead
)

var statusNames = map[MessageStatus]string{
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

func (s MessageStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("MessageStatus(%d)", int(s))
}

func (s MessageStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func ParseMessageStatus(name string) (MessageStatus, error) {
	for status, n := range statusNames {
		if n == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown message status %q", name)
}

func (s MessageStatus) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", s)
	}
	return json.Marshal(s.String())
}

func (s *MessageStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	status, err := ParseMessageStatus(name)
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// Message belongs to exactly one conversation. (Timestamp, Seq) is its position in the
// conversation and never changes after insert.
type Message struct {
	ID             string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string        `gorm:"type:varchar(36);not null;uniqueIndex:idx_message_position,priority:1" json:"conversationId"`
	Conversation   *Conversation `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
	Seq            int64         `gorm:"not null;uniqueIndex:idx_message_position,priority:2" json:"seq"`
	SenderID       string        `gorm:"not null;index" json:"senderId"`
	ReceiverID     string        `gorm:"not null;index" json:"receiverId"`
	Text           string        `gorm:"type:text;not null" json:"text"`
	Status         MessageStatus `gorm:"type:smallint;not null;default:1" json:"status"`
	Timestamp      time.Time     `gorm:"column:created_at;not null;index" json:"timestamp"`
}

// Before orders two messages of the same conversation.
func (m *Message) Before(other *Message) bool {
	if m.Timestamp.Equal(other.Timestamp) {
		return m.Seq < other.Seq
	}
	return m.Timestamp.Before(other.Timestamp)
}

// Preview returns the first n runes of the text.
func (m *Message) Preview(n int) string {
	runes := []rune(m.Text)
	if len(runes) <= n {
		return m.Text
	}
	return string(runes[:n])
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Page selects a window of a conversation's history by sequence cursor.
// After and Before are exclusive; zero means unbounded.
type Page struct {
	After  int64 `form:"after" binding:"omitempty,min=0"`
	Before int64 `form:"before" binding:"omitempty,min=0"`
	Limit  int   `form:"limit" binding:"omitempty,min=0"`
}

// Normalize clamps the limit into [1, MaxPageSize].
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// MessagePage is one window of history in ascending order.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	PrevCursor int64     `json:"prevCursor"`
	NextCursor int64     `json:"nextCursor"`
	HasMore    bool      `json:"hasMore"`
}
