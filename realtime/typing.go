package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Typing is one user's typing indicator in a conversation. PeerID is the participant
// who gets told when the indicator goes away; ConnID is the connection that set it.
type Typing struct {
	ConversationID string
	UserID         string
	PeerID         string
	ConnID         string
	ExpiresAt      time.Time
}

type typingKey struct {
	conversationID string
	userID         string
}

// TypingTracker is a TTL cache of typing indicators. An entry stays until it is stopped,
// cleared or swept, so every indicator that was announced is withdrawn exactly once.
type TypingTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	entries  map[typingKey]Typing
	onExpire func(Typing)
}

func NewTypingTracker(ttl, sweepInterval time.Duration) *TypingTracker {
	return &TypingTracker{
		ttl:      ttl,
		interval: sweepInterval,
		now:      time.Now,
		entries:  make(map[typingKey]Typing),
	}
}

// OnExpire sets the callback run for every entry removed by a sweep.
func (t *TypingTracker) OnExpire(fn func(Typing)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = fn
}

// Start sets or refreshes the indicator. It reports true only when the user was not
// already typing in the conversation.
func (t *TypingTracker) Start(conversationID, userID, peerID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := typingKey{conversationID, userID}
	_, existed := t.entries[key]
	t.entries[key] = Typing{
		ConversationID: conversationID,
		UserID:         userID,
		PeerID:         peerID,
		ConnID:         connID,
		ExpiresAt:      t.now().Add(t.ttl),
	}
	return !existed
}

// Stop removes the indicator and reports whether there was one to remove.
func (t *TypingTracker) Stop(conversationID, userID string) (Typing, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := typingKey{conversationID, userID}
	entry, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	return entry, ok
}

// IsTyping reports whether a live, unexpired indicator exists.
func (t *TypingTracker) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[typingKey{conversationID, userID}]
	return ok && t.now().Before(entry.ExpiresAt)
}

// ClearConnection removes the indicators set by connID.
func (t *TypingTracker) ClearConnection(connID string) []Typing {
	return t.removeWhere(func(e Typing) bool { return e.ConnID == connID })
}

func (t *TypingTracker) ClearConversation(conversationID string) []Typing {
	return t.removeWhere(func(e Typing) bool { return e.ConversationID == conversationID })
}

// Sweep removes expired indicators and hands each one to the expiry callback.
func (t *TypingTracker) Sweep() []Typing {
	now := t.now()
	expired := t.removeWhere(func(e Typing) bool { return !now.Before(e.ExpiresAt) })

	t.mu.Lock()
	onExpire := t.onExpire
	t.mu.Unlock()
	if onExpire != nil {
		lo.ForEach(expired, func(e Typing, _ int) { onExpire(e) })
	}
	return expired
}

// Run sweeps on every interval until ctx is done.
func (t *TypingTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func (t *TypingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *TypingTracker) removeWhere(match func(Typing) bool) []Typing {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []Typing
	for key, entry := range t.entries {
		if match(entry) {
			removed = append(removed, entry)
			delete(t.entries, key)
		}
	}
	return removed
}
