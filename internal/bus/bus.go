// Package bus implements the per-session ordered event bus.
//
// Every session owns one logical channel. Publishing assigns a
// monotonically increasing sequence number (starting at 1) and fans the
// enveloped event out to every current subscriber. Publishing never
// blocks: when a subscriber's queue is full, the oldest queued event is
// dropped to make room.
//
// All subscribers of a session observe the same global event order
// because sequence assignment and fan-out happen under the channel
// lock.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// ErrSessionGone is returned when a publish or subscribe addresses a
// session the bus does not know about.
var ErrSessionGone = errors.New("bus: session gone")

// DefaultQueueSize is the subscriber queue capacity used when
// Subscribe is called with a non-positive buffer.
const DefaultQueueSize = 256

// Subscriber is one bounded event queue attached to a session channel.
// Consumers receive from C until it is closed by [Bus.Unsubscribe] or
// [Bus.Close].
type Subscriber struct {
	// C delivers enveloped events in publish order.
	C chan types.Envelope

	sessionID string
	dropped   uint64
	dropBurst bool
}

// Dropped returns how many events were discarded because this
// subscriber's queue was full. Callers may only use it after the
// subscriber is detached.
func (s *Subscriber) Dropped() uint64 { return s.dropped }

type channel struct {
	seq  uint64
	subs map[*Subscriber]struct{}
}

// Bus is the process-wide registry of per-session event channels. The
// zero value is not usable; construct with [New].
type Bus struct {
	mu       sync.Mutex
	channels map[string]*channel
	log      *slog.Logger
}

// New returns an empty bus. A nil logger falls back to slog.Default.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		channels: make(map[string]*channel),
		log:      log.With("component", "bus"),
	}
}

// Ensure creates the channel for sessionID if it does not exist yet.
func (b *Bus) Ensure(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[sessionID]; !ok {
		b.channels[sessionID] = &channel{subs: make(map[*Subscriber]struct{})}
	}
}

// Subscribe attaches a fresh bounded queue to the session channel and
// returns it. buffer <= 0 selects [DefaultQueueSize].
func (b *Bus) Subscribe(sessionID string, buffer int) (*Subscriber, error) {
	if buffer <= 0 {
		buffer = DefaultQueueSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[sessionID]
	if !ok {
		return nil, fmt.Errorf("bus: subscribe %q: %w", sessionID, ErrSessionGone)
	}
	sub := &Subscriber{
		C:         make(chan types.Envelope, buffer),
		sessionID: sessionID,
	}
	ch.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe detaches sub from its session and closes its queue. It is
// a no-op if the subscriber or the session is already gone.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[sub.sessionID]
	if !ok {
		return
	}
	if _, attached := ch.subs[sub]; attached {
		delete(ch.subs, sub)
		close(sub.C)
	}
}

// Publish assigns the next sequence number for the session, wraps the
// event, and delivers it to every subscriber without blocking. It
// returns the assigned sequence number, or [ErrSessionGone] when the
// session channel does not exist.
func (b *Bus) Publish(sessionID, event string, payload any) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[sessionID]
	if !ok {
		return 0, fmt.Errorf("bus: publish %q to %q: %w", event, sessionID, ErrSessionGone)
	}

	ch.seq++
	env := types.Envelope{Event: event, Seq: ch.seq, Payload: payload}
	for sub := range ch.subs {
		b.deliver(sub, env)
	}
	return ch.seq, nil
}

// deliver enqueues env on sub, dropping the oldest queued event when
// the queue is full. Drop bursts are logged once until the subscriber
// catches up.
func (b *Bus) deliver(sub *Subscriber, env types.Envelope) {
	select {
	case sub.C <- env:
		sub.dropBurst = false
		return
	default:
	}

	// Queue is full: evict the oldest entry, then retry once. The
	// second send can still fail if the consumer drained and refilled
	// the queue concurrently; the event is then dropped outright.
	select {
	case <-sub.C:
		sub.dropped++
	default:
	}
	select {
	case sub.C <- env:
	default:
		sub.dropped++
	}
	if !sub.dropBurst {
		sub.dropBurst = true
		b.log.Warn("slow subscriber, dropping oldest events",
			"session_id", sub.sessionID, "dropped_total", sub.dropped)
	}
}

// Close tears down the session channel, closing every subscriber
// queue. Publishing to the session afterwards returns ErrSessionGone.
func (b *Bus) Close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[sessionID]
	if !ok {
		return
	}
	for sub := range ch.subs {
		close(sub.C)
	}
	delete(b.channels, sessionID)
}
