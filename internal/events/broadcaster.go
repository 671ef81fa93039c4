package events

import (
	"sync"

	"github.com/qraft-dev/qraft/internal/consts"
	"github.com/qraft-dev/qraft/internal/logger"
)

// Subscription is an explicit handle on one session's event feed. Receive
// from C; call Close when done (Close is idempotent). C is closed by the
// broadcaster when the feed ends, when the subscription is closed, or when
// the subscriber falls too far behind.
type Subscription struct {
	C chan Event

	b         *Broadcaster
	sessionID string
}

// Close detaches the subscription and releases its channel
func (s *Subscription) Close() {
	s.b.remove(s)
}

// Broadcaster fans session events out to any number of subscribers.
// Per-session ordering is preserved: Publish delivers to every subscriber
// under the broadcaster lock, in emission order. No ordering exists across
// sessions.
//
// The terminal event of each session is retained so that a subscriber
// arriving after the fact still observes it synchronously.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[string]map[*Subscription]struct{}
	terminal map[string]Event
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:     make(map[string]map[*Subscription]struct{}),
		terminal: make(map[string]Event),
	}
}

// Subscribe attaches to a session's feed. If the session already reached a
// terminal state, the retained terminal event is placed on the channel before
// Subscribe returns and the channel is closed; the caller sees exactly one
// event.
func (b *Broadcaster) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		C:         make(chan Event, consts.EventBufferSize),
		b:         b,
		sessionID: sessionID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ev, done := b.terminal[sessionID]; done {
		sub.C <- ev
		close(sub.C)
		return sub
	}

	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish delivers the event to every active subscriber of its session.
// A subscriber whose buffer is full is dropped, the way a slow client loses
// its feed; stream consumers recover through the registry reconciliation
// re-read. Terminal events are retained and close the session's feed.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, done := b.terminal[ev.SessionID]; done {
		logger.Warn("Event for %s after terminal event, dropping", ev.SessionID)
		return
	}

	if ev.Type.Terminal() {
		b.terminal[ev.SessionID] = ev
	}

	set := b.subs[ev.SessionID]
	for sub := range set {
		select {
		case sub.C <- ev:
		default:
			logger.Warn("Subscriber buffer full for session %s, dropping subscriber", ev.SessionID)
			delete(set, sub)
			close(sub.C)
		}
	}

	if ev.Type.Terminal() {
		for sub := range set {
			close(sub.C)
		}
		delete(b.subs, ev.SessionID)
	}
}

// Forget drops the retained terminal event for a session. Used when archived
// sessions are evicted.
func (b *Broadcaster) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.terminal, sessionID)
}

// SubscriberCount returns the number of active subscriptions for a session
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// remove is idempotent: a subscription already detached by Publish (terminal
// or overflow) is no longer in the set and is left alone.
func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.C)
	if len(set) == 0 {
		delete(b.subs, sub.sessionID)
	}
}
