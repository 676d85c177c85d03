package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	errs "github.com/techagentng/expertchat/errors"
	"github.com/techagentng/expertchat/models"
	"golang.org/x/time/rate"
)

type sessionState int

const (
	stateUnregistered sessionState = iota
	stateRegistered
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnregistered:
		return "unregistered"
	case stateRegistered:
		return "registered"
	default:
		return "closed"
	}
}

// Session is the server side of one connection. Handle must be called from a single
// goroutine; Close may be called from any.
type Session struct {
	dispatcher *Dispatcher
	conn       Conn
	authUserID string
	limiter    *rate.Limiter

	mu     sync.Mutex
	state  sessionState
	userID string
}

// UserID is the registered user, or "" before registration.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) current() (sessionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.userID
}

// Handle processes one raw frame. Failures are reported to this connection only.
func (s *Session) Handle(ctx context.Context, raw []byte) {
	state, userID := s.current()
	if state == stateClosed {
		return
	}

	in, err := models.DecodeInbound(raw)
	if !s.limiter.Allow() {
		s.fail(errs.RateLimited("too many events, slow down"), in)
		return
	}
	if err != nil {
		s.fail(err, in)
		return
	}

	if register, ok := in.Event.(*models.RegisterUser); ok {
		if err := s.register(register); err != nil {
			s.fail(err, in)
		}
		return
	}
	if state != stateRegistered {
		s.fail(errs.Unauthorized("register before sending %s", in.Name), in)
		return
	}

	// Store work must finish even if the client goes away mid-request.
	ctx = context.WithoutCancel(ctx)
	d := s.dispatcher
	switch ev := in.Event.(type) {
	case *models.SendMessage:
		err = d.sendMessage(ctx, s, userID, ev, in.Ref)
	case *models.StartTyping:
		err = d.startTyping(ctx, s, userID, ev)
	case *models.StopTyping:
		err = d.stopTyping(ctx, userID, ev)
	case *models.MarkMessagesAsRead:
		err = d.markRead(ctx, userID, ev)
	default:
		err = errs.Validation("unsupported event %q", in.Name)
	}
	if err != nil {
		s.fail(err, in)
	}
}

func (s *Session) register(ev *models.RegisterUser) error {
	if s.authUserID != "" && ev.UserID != s.authUserID {
		return errs.Unauthorized("cannot register as %s with a token for another user", ev.UserID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateClosed:
		return nil
	case stateRegistered:
		if s.userID == ev.UserID {
			return nil
		}
		return errs.Validation("connection is already registered as %s", s.userID)
	}
	if err := s.dispatcher.registry.Register(ev.UserID, s.conn); err != nil {
		return err
	}
	s.state = stateRegistered
	s.userID = ev.UserID
	log.Debug().Str("user_id", ev.UserID).Str("conn_id", s.conn.ID()).Msg("session registered")
	return nil
}

func (s *Session) fail(err error, in models.Inbound) {
	e := errs.As(err)
	event := log.Info()
	if e.Code == errs.CodeTransient {
		event = log.Error().Err(err)
	}
	event.Str("conn_id", s.conn.ID()).Str("event", string(in.Name)).Str("code", string(e.Code)).Msg(e.Message)

	if sendErr := s.conn.Send(models.ErrorEvent(err, in.Name, in.Ref)); sendErr != nil {
		log.Debug().Err(sendErr).Str("conn_id", s.conn.ID()).Msg("error event dropped")
	}
}

// Close deregisters the connection and withdraws the typing indicators it owned.
// It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	prev := s.state
	s.state = stateClosed
	s.mu.Unlock()
	if prev == stateClosed {
		return
	}

	d := s.dispatcher
	if prev == stateRegistered {
		d.registry.Deregister(s.conn)
	}
	for _, entry := range d.typing.ClearConnection(s.conn.ID()) {
		d.typingStopped(entry)
	}
	log.Debug().Str("conn_id", s.conn.ID()).Str("from", prev.String()).Msg("session closed")
}
