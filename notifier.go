package streamstore

import (
	"context"
	"sync"
)

// tick is an empty struct: a notifier emits "there may be new data", never
// the data itself. Subscribers always re-read to find out what changed.
type tick = struct{}

// notifier is the C4 abstraction from spec.md §4.6: something that emits
// coalesced hints when new data may be durable, and can be asked to stop.
//
// listen returns a channel that receives a tick whenever the notifier thinks
// new data may exist. The channel is buffered to size 1 and is coalescing by
// construction: a pending tick is never duplicated, so a slow reader never
// sees more ticks than polls/notifications that actually happened, and a
// notifier is free to drop ticks a reader hasn't consumed yet.
//
// dispose stops the notifier and releases its resources; it must be safe to
// call more than once and must cause every channel returned by listen to be
// closed.
type notifier interface {
	listen() <-chan tick
	unlisten(<-chan tick)
	dispose()
}

// coalescingBroadcaster is the shared plumbing both notifier variants use to
// fan a single upstream signal out to N listener channels without ever
// blocking the signal source. Grounded on the same non-blocking-send-with-
// default idiom the teacher uses for its WriteEvent broadcaster
// (internal/api/pubsub.go Publish).
type coalescingBroadcaster struct {
	mu        sync.Mutex
	listeners map[chan tick]struct{}
}

func newCoalescingBroadcaster() *coalescingBroadcaster {
	return &coalescingBroadcaster{listeners: make(map[chan tick]struct{})}
}

func (b *coalescingBroadcaster) listen() <-chan tick {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan tick, 1)
	b.listeners[ch] = struct{}{}
	return ch
}

func (b *coalescingBroadcaster) stopListening(ch <-chan tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.listeners {
		if c == ch {
			delete(b.listeners, c)
			close(c)
			return
		}
	}
}

// broadcast delivers one tick to every live listener, never blocking: a
// listener that hasn't drained its previous tick simply keeps the one it has.
func (b *coalescingBroadcaster) broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.listeners {
		select {
		case c <- tick{}:
		default:
		}
	}
}

func (b *coalescingBroadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.listeners {
		close(c)
		delete(b.listeners, c)
	}
}

// NotifierConfig selects and tunes the notifier a Store uses internally.
// Matches spec.md §6: {type: "poll", pollingInterval?} or
// {type: "pg-notify", keepAliveInterval?}.
type NotifierConfig struct {
	Type              NotifierType
	PollingInterval   int // milliseconds, default 500
	KeepAliveInterval int // milliseconds, default 30000
}

type NotifierType int

const (
	NotifierPoll NotifierType = iota
	NotifierPGNotify
)

// DefaultNotifierConfig is polling at 500ms, matching spec.md §4.6/§6.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{Type: NotifierPoll, PollingInterval: 500}
}

func (c NotifierConfig) pollingIntervalOrDefault() int {
	if c.PollingInterval > 0 {
		return c.PollingInterval
	}
	return 500
}

func (c NotifierConfig) keepAliveIntervalOrDefault() int {
	if c.KeepAliveInterval > 0 {
		return c.KeepAliveInterval
	}
	return 30000
}

// PGNotifyConn is the narrow surface the pg-notify notifier needs from a
// dedicated connection: LISTEN, waiting for the next notification, a
// liveness probe, and Close. internal/storagepg provides the concrete
// implementation over pgx; tests can fake it directly.
type PGNotifyConn interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// PGNotifyDialer opens a fresh PGNotifyConn, used by the pg-notify notifier
// to reconnect after a dead-connection detection.
type PGNotifyDialer func(ctx context.Context) (PGNotifyConn, error)
