package realtime

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	errs "github.com/techagentng/expertchat/errors"
)

// Registry maps a user to its live connections.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]map[string]Conn
	owners map[string]string
	closed bool
}

func NewRegistry() *Registry {
	return &Registry{
		users:  make(map[string]map[string]Conn),
		owners: make(map[string]string),
	}
}

// Register binds conn to userID. Registering the same pair twice is a no-op.
func (r *Registry) Register(userID string, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errs.Connection(nil, "server is shutting down")
	}
	if owner, ok := r.owners[conn.ID()]; ok {
		if owner != userID {
			return errs.Validation("connection is already registered as %s", owner)
		}
		return nil
	}
	if _, ok := r.users[userID]; !ok {
		r.users[userID] = make(map[string]Conn)
	}
	r.users[userID][conn.ID()] = conn
	r.owners[conn.ID()] = userID
	log.Debug().Str("user_id", userID).Str("conn_id", conn.ID()).Int("connections", len(r.users[userID])).Msg("connection registered")
	return nil
}

// Deregister removes conn and reports the user it belonged to and whether it was
// that user's last connection. Unknown connections return ok=false.
func (r *Registry) Deregister(conn Conn) (userID string, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok = r.owners[conn.ID()]
	if !ok {
		return "", false, false
	}
	delete(r.owners, conn.ID())
	conns := r.users[userID]
	delete(conns, conn.ID())
	if len(conns) == 0 {
		delete(r.users, userID)
		last = true
	}
	log.Debug().Str("user_id", userID).Str("conn_id", conn.ID()).Bool("last", last).Msg("connection deregistered")
	return userID, last, true
}

// ConnectionsFor returns a snapshot of the user's connections, safe to use without the lock.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.users[userID])
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Users is the number of users with at least one connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

// Close refuses further registrations and closes every live connection. The
// connections deregister themselves as their read loops end.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var conns []Conn
	for _, set := range r.users {
		conns = append(conns, lo.Values(set)...)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("close connection")
		}
	}
	log.Info().Int("connections", len(conns)).Msg("registry closed")
}
