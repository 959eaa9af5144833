package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultKeepAlive   = 15 * time.Second
	DefaultIdleTimeout = 5 * time.Minute
	DefaultBuffer      = 32
)

var (
	ErrMissingKey = errors.New("user id and session id are required")
	ErrClosed     = errors.New("broadcaster closed")
)

// Options tunes a Broadcaster. Zero values take the defaults.
type Options struct {
	KeepAlive   time.Duration
	IdleTimeout time.Duration
	Buffer      int
	Logger      *slog.Logger
}

// Subscription is one live listener for a (user, session) pair.
type Subscription struct {
	UserID    string
	SessionID string

	ch         chan Event
	b          *Broadcaster
	lastActive time.Time
	dropped    int
	closed     bool
}

// Events is closed when the subscription is closed or purged.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() { s.b.remove(s) }

// Touch marks the subscription as active so it is not purged.
func (s *Subscription) Touch() {
	s.b.mu.Lock()
	s.lastActive = s.b.now()
	s.b.mu.Unlock()
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.dropped
}

// Broadcaster fans progress events out to live subscribers keyed by
// (userID, sessionID). Delivery is best effort: with no subscriber the event
// is dropped, and a full subscriber buffer drops the event for that
// subscriber only.
type Broadcaster struct {
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	subs   map[string]map[string]map[*Subscription]struct{} // user -> session -> subs
	closed bool
}

func NewBroadcaster(opts Options) *Broadcaster {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broadcaster{
		opts: opts,
		now:  time.Now,
		subs: map[string]map[string]map[*Subscription]struct{}{},
	}
}

// Subscribe registers a new listener. Several listeners may share a key.
func (b *Broadcaster) Subscribe(userID, sessionID string) (*Subscription, error) {
	if userID == "" || sessionID == "" {
		return nil, ErrMissingKey
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{
		UserID:     userID,
		SessionID:  sessionID,
		ch:         make(chan Event, b.opts.Buffer),
		b:          b,
		lastActive: b.now(),
	}
	sessions := b.subs[userID]
	if sessions == nil {
		sessions = map[string]map[*Subscription]struct{}{}
		b.subs[userID] = sessions
	}
	if sessions[sessionID] == nil {
		sessions[sessionID] = map[*Subscription]struct{}{}
	}
	sessions[sessionID][sub] = struct{}{}
	return sub, nil
}

// Publish delivers ev to every subscriber of (userID, sessionID) and returns
// how many received it. It never blocks.
func (b *Broadcaster) Publish(userID, sessionID string, ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deliverLocked(b.subs[userID][sessionID], ev)
}

// PublishToUser delivers ev to every session subscription of userID.
func (b *Broadcaster) PublishToUser(userID string, ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, subs := range b.subs[userID] {
		n += b.deliverLocked(subs, ev)
	}
	return n
}

func (b *Broadcaster) deliverLocked(subs map[*Subscription]struct{}, ev Event) int {
	n := 0
	now := b.now()
	for sub := range subs {
		select {
		case sub.ch <- ev:
			n++
			if ev.Type != KeepAlive {
				sub.lastActive = now
			}
		default:
			sub.dropped++
		}
	}
	return n
}

// Count returns the number of live subscriptions.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, sessions := range b.subs {
		for _, subs := range sessions {
			n += len(subs)
		}
	}
	return n
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s)
}

func (b *Broadcaster) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	sessions := b.subs[s.UserID]
	if sessions == nil {
		return
	}
	delete(sessions[s.SessionID], s)
	if len(sessions[s.SessionID]) == 0 {
		delete(sessions, s.SessionID)
	}
	if len(sessions) == 0 {
		delete(b.subs, s.UserID)
	}
}

// Sweep sends a keep-alive to every subscription and purges those idle for
// longer than the idle timeout. It returns the number purged.
func (b *Broadcaster) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	var stale []*Subscription
	for userID, sessions := range b.subs {
		for sessionID, subs := range sessions {
			for sub := range subs {
				if now.Sub(sub.lastActive) > b.opts.IdleTimeout {
					stale = append(stale, sub)
				}
			}
			b.deliverLocked(subs, Event{Type: KeepAlive, SessionID: sessionID, UserID: userID, Timestamp: now})
		}
	}
	for _, sub := range stale {
		b.removeLocked(sub)
	}
	if len(stale) > 0 {
		b.opts.Logger.Debug("purged idle subscriptions", "count", len(stale))
	}
	return len(stale)
}

// Run issues keep-alives and purges idle subscriptions until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}

// Close closes every subscription and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sessions := range b.subs {
		for _, subs := range sessions {
			for sub := range subs {
				b.removeLocked(sub)
			}
		}
	}
}
