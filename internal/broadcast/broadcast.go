// Package broadcast fans execution events out to live subscribers. One
// broadcaster serves the whole process: SSE handlers and websocket adapters
// subscribe per agent, in-process listeners hear everything.
package broadcast

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
)

// subscriberBuffer bounds how far a consumer may fall behind before it is
// dropped. Observation events carry base64 frames, so the buffer stays small.
const subscriberBuffer = 32

// Listener receives every published event in-process. It must not block.
type Listener func(ev schemas.Event)

// Subscriber is one live stream attached to a single agent's events.
type Subscriber struct {
	agentID string
	ch      chan schemas.Event
	once    sync.Once
}

// Events is the receive side of the subscription. The channel is closed when
// the subscriber is dropped or unsubscribed.
func (s *Subscriber) Events() <-chan schemas.Event { return s.ch }

// AgentID reports which agent's stream this subscription follows.
func (s *Subscriber) AgentID() string { return s.agentID }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Broadcaster is the process-wide event hub.
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscriber]struct{}
	listeners []Listener
	closed    bool

	keepalive time.Duration
	log       *zap.Logger
}

// New creates a Broadcaster. keepalive is the interval between keepalive
// events on otherwise-quiet streams; zero disables them.
func New(keepalive time.Duration, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:      make(map[string]map[*Subscriber]struct{}),
		keepalive: keepalive,
		log:       logger.Named("broadcast"),
	}
}

// Subscribe attaches a new stream to the given agent's events. The returned
// subscriber immediately observes a connected event so transports can confirm
// the stream before any execution activity arrives.
func (b *Broadcaster) Subscribe(agentID string) *Subscriber {
	sub := &Subscriber{
		agentID: agentID,
		ch:      make(chan schemas.Event, subscriberBuffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	set, ok := b.subs[agentID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subs[agentID] = set
	}
	set[sub] = struct{}{}
	// Greet under the lock so a concurrent Close cannot close the channel
	// before the send lands; the buffer guarantees this never blocks.
	sub.ch <- schemas.Event{
		Type:      schemas.EventConnected,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
	}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches the stream and closes its channel. Safe to call more
// than once.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if set, ok := b.subs[sub.agentID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.agentID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// AddListener registers an in-process consumer of every event. Listeners
// cannot be removed; they live as long as the broadcaster.
func (b *Broadcaster) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber of its agent and to every
// in-process listener. Delivery never blocks: a subscriber whose buffer is
// full has stopped draining and is dropped on the spot.
func (b *Broadcaster) Publish(ev schemas.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	listeners := b.listeners
	var stale []*Subscriber
	for sub := range b.subs[ev.AgentID] {
		select {
		case sub.ch <- ev:
		default:
			stale = append(stale, sub)
		}
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
	for _, sub := range stale {
		b.log.Warn("Dropping stalled event subscriber",
			zap.String("agent_id", sub.agentID))
		b.Unsubscribe(sub)
	}
}

// Run emits keepalive events on every live stream until the context ends.
// It returns immediately when keepalives are disabled.
func (b *Broadcaster) Run(ctx context.Context) {
	if b.keepalive <= 0 {
		return
	}
	ticker := time.NewTicker(b.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.publishKeepalives(now.UTC())
		}
	}
}

func (b *Broadcaster) publishKeepalives(now time.Time) {
	b.mu.RLock()
	agents := make([]string, 0, len(b.subs))
	for agentID := range b.subs {
		agents = append(agents, agentID)
	}
	b.mu.RUnlock()

	for _, agentID := range agents {
		b.Publish(schemas.Event{
			Type:      schemas.EventKeepalive,
			AgentID:   agentID,
			Timestamp: now,
		})
	}
}

// Close drops every subscriber and rejects future subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := b.subs
	b.subs = make(map[string]map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, set := range all {
		for sub := range set {
			sub.close()
		}
	}
}
