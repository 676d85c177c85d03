package models

import (
	"bytes"
	"encoding/json"
	"time"

	errs "github.com/techagentng/expertchat/errors"
)

type EventName string

// Inbound events (client -> server).
const (
	EventRegisterUser       EventName = "registerUser"
	EventSendMessage        EventName = "sendMessage"
	EventStartTyping        EventName = "startTyping"
	EventStopTyping         EventName = "stopTyping"
	EventMarkMessagesAsRead EventName = "markMessagesAsRead"
)

// Outbound events (server -> client).
const (
	EventNewMessage    EventName = "newMessage"
	EventTypingStarted EventName = "typingStarted"
	EventTypingStopped EventName = "typingStopped"
	EventMessagesRead  EventName = "messagesRead"
	EventError         EventName = "error"
)

// Envelope is the frame exchanged over the websocket in both directions.
// Ref is an optional client correlation id echoed on the acknowledgement or error.
type Envelope struct {
	Event EventName       `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// InboundEvent is implemented only by the payload types below.
type InboundEvent interface {
	EventName() EventName
	inbound()
}

type RegisterUser struct {
	UserID string `json:"userId" conform:"trim" validate:"required,max=64"`
}

type SendMessage struct {
	ConversationID string `json:"conversationId,omitempty" conform:"trim" validate:"omitempty,uuid"`
	ReceiverID     string `json:"receiverId,omitempty" conform:"trim" validate:"required_without=ConversationID,max=64"`
	SenderID       string `json:"senderId,omitempty" conform:"trim" validate:"max=64"`
	Text           string `json:"text" validate:"notblank"`
}

type StartTyping struct {
	ConversationID string `json:"conversationId" conform:"trim" validate:"required,uuid"`
	UserID         string `json:"userId" conform:"trim" validate:"required,max=64"`
}

type StopTyping struct {
	ConversationID string `json:"conversationId" conform:"trim" validate:"required,uuid"`
	UserID         string `json:"userId" conform:"trim" validate:"required,max=64"`
}

type MarkMessagesAsRead struct {
	ConversationID string `json:"conversationId" conform:"trim" validate:"required,uuid"`
	UserID         string `json:"userId" conform:"trim" validate:"required,max=64"`
}

func (*RegisterUser) EventName() EventName       { return EventRegisterUser }
func (*SendMessage) EventName() EventName        { return EventSendMessage }
func (*StartTyping) EventName() EventName        { return EventStartTyping }
func (*StopTyping) EventName() EventName         { return EventStopTyping }
func (*MarkMessagesAsRead) EventName() EventName { return EventMarkMessagesAsRead }

func (*RegisterUser) inbound()       {}
func (*SendMessage) inbound()        {}
func (*StartTyping) inbound()        {}
func (*StopTyping) inbound()         {}
func (*MarkMessagesAsRead) inbound() {}

// Inbound is a decoded and validated client frame.
type Inbound struct {
	Name  EventName
	Ref   string
	Event InboundEvent
}

func newInboundPayload(name EventName) InboundEvent {
	switch name {
	case EventRegisterUser:
		return &RegisterUser{}
	case EventSendMessage:
		return &SendMessage{}
	case EventStartTyping:
		return &StartTyping{}
	case EventStopTyping:
		return &StopTyping{}
	case EventMarkMessagesAsRead:
		return &MarkMessagesAsRead{}
	default:
		return nil
	}
}

// DecodeInbound parses a frame into its typed payload. The returned Inbound keeps the
// name and ref even on failure so the error can be attributed.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, errs.Validation("malformed frame: %v", err)
	}
	in := Inbound{Name: env.Event, Ref: env.Ref}
	payload := newInboundPayload(env.Event)
	if payload == nil {
		return in, errs.Validation("unknown event %q", env.Event)
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return in, errs.Validation("event %q has no data", env.Event)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return in, errs.Validation("malformed %s payload: %v", env.Event, err)
	}
	if err := Normalize(payload); err != nil {
		return in, err
	}
	in.Event = payload
	return in, nil
}

// OutboundPayload is implemented only by the payload types below.
type OutboundPayload interface {
	EventName() EventName
	outbound()
}

type NewMessage struct {
	Message
	Sender *UserProfile `json:"sender,omitempty"`
}

type TypingStarted struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type TypingStopped struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type MessagesRead struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

type ErrorPayload struct {
	Code      errs.Code `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Event     EventName `json:"event,omitempty"`
}

func (*NewMessage) EventName() EventName    { return EventNewMessage }
func (*TypingStarted) EventName() EventName { return EventTypingStarted }
func (*TypingStopped) EventName() EventName { return EventTypingStopped }
func (*MessagesRead) EventName() EventName  { return EventMessagesRead }
func (*ErrorPayload) EventName() EventName  { return EventError }

func (*NewMessage) outbound()    {}
func (*TypingStarted) outbound() {}
func (*TypingStopped) outbound() {}
func (*MessagesRead) outbound()  {}
func (*ErrorPayload) outbound()  {}

// Outbound is a server frame ready to be encoded.
type Outbound struct {
	Event EventName       `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  OutboundPayload `json:"data"`
}

func NewOutbound(payload OutboundPayload, ref string) Outbound {
	return Outbound{Event: payload.EventName(), Ref: ref, Data: payload}
}

// ErrorEvent converts any error into the error frame sent to the originating connection.
func ErrorEvent(err error, cause EventName, ref string) Outbound {
	e := errs.As(err)
	return NewOutbound(&ErrorPayload{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Retryable,
		Event:     cause,
	}, ref)
}

func NewReadReceipt(r *ReadReceipt) *MessagesRead {
	ids := r.MessageIDs
	if ids == nil {
		ids = []string{}
	}
	return &MessagesRead{
		ConversationID: r.ConversationID,
		ReaderID:       r.ReaderID,
		MessageIDs:     ids,
		ReadAt:         r.ReadAt,
	}
}
