package streamstore

import (
	"context"
	"sync"
	"time"

	"github.com/streamstore/streamstore/internal/retry"
)

// ProcessFunc is a subscriber's per-message callback. Per spec.md §4.7, any
// error it returns is treated as a drop signal: the baseline policy is
// unconditional drop (no "retry this message" distinction), after which
// onDropped fires once and the subscription tears itself down.
type ProcessFunc func(ctx context.Context, msg Message) error

// subscriptionCursor abstracts the difference between a stream tail
// (indexed by version) and the all-view tail (indexed by global position),
// so the state machine in run() is written once and shared by both drivers.
type subscriptionCursor interface {
	establish(ctx context.Context) error
	readPage(ctx context.Context) (messages []Message, isEnd bool, err error)
	advance(m Message)
}

// subscriptionCallbacks are the optional hooks from spec.md §4.7's
// configuration: onEstablished, onDropped, onCaughtUp, plus an onDispose
// teardown callback.
type subscriptionCallbacks struct {
	onEstablished func()
	onDropped     func(error)
	onCaughtUp    func()
	onDispose     func()
}

// Subscription is the handle returned by SubscribeToStream/SubscribeToAll.
// Dispose is idempotent and blocks until the subscription's fiber has
// finished any in-flight processMessage call and torn down.
type Subscription struct {
	h *subscriptionHandle
}

// Dispose cancels any in-flight wait (notifier, backoff, read), awaits the
// current processMessage invocation without cancelling it, then invokes the
// configured dispose callback. Per spec.md §4.7, in-flight delivery is never
// cancelled — at-least-once semantics require it to complete (or be replayed
// after restart).
func (s *Subscription) Dispose() {
	s.h.store.untrackSubscription(s.h)
	s.h.disposeAndWait()
}

// subscriptionHandle is the internal fiber driving one subscription. workCtx
// is cancelled by Dispose and gates every suspension point except the
// processor callback itself; procCtx is never cancelled by this handle so an
// in-flight callback always runs to completion.
type subscriptionHandle struct {
	store   *Store
	notif   notifier
	tickCh  <-chan tick
	process ProcessFunc
	cbs     subscriptionCallbacks

	workCtx    context.Context
	workCancel context.CancelFunc
	procCtx    context.Context

	done        chan struct{}
	disposeOnce sync.Once
}

func newSubscriptionHandle(store *Store, procCtx context.Context, process ProcessFunc, cbs subscriptionCallbacks) *subscriptionHandle {
	workCtx, cancel := context.WithCancel(context.Background())
	return &subscriptionHandle{
		store:      store,
		process:    process,
		cbs:        cbs,
		workCtx:    workCtx,
		workCancel: cancel,
		procCtx:    procCtx,
		done:       make(chan struct{}),
	}
}

func (h *subscriptionHandle) disposeAndWait() {
	h.disposeOnce.Do(func() {
		h.workCancel()
	})
	<-h.done
}

// run drives the Initializing -> CatchingUp <-> Live -> Disposed state
// machine described in spec.md §4.7/§4.8. It is shared verbatim by both
// subscription drivers; only cur (and the notifier/process/callbacks)
// differ.
func (h *subscriptionHandle) run(cur subscriptionCursor) {
	defer close(h.done)
	defer func() {
		if h.notif != nil && h.tickCh != nil {
			h.notif.unlisten(h.tickCh)
		}
		if h.cbs.onDispose != nil {
			h.cbs.onDispose()
		}
	}()

	// Initializing
	if err := cur.establish(h.workCtx); err != nil {
		if h.workCtx.Err() != nil {
			return // disposed before establishment finished
		}
		if h.cbs.onDropped != nil {
			h.cbs.onDropped(err)
		}
		return
	}
	if h.cbs.onEstablished != nil {
		h.cbs.onEstablished()
	}

	h.tickCh = h.notif.listen()

	readBackoff := retry.Backoff{Min: 50 * time.Millisecond, Max: 5 * time.Second, Factor: 2, MaxAttempts: 0}
	attempt := 0
	caughtUp := false

	for {
		if h.workCtx.Err() != nil {
			return
		}

		messages, isEnd, err := cur.readPage(h.workCtx)
		if err != nil {
			if h.workCtx.Err() != nil {
				return
			}
			if readBackoff.Sleep(h.workCtx, attempt) != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		for _, m := range messages {
			if err := h.process(h.procCtx, m); err != nil {
				if h.cbs.onDropped != nil {
					h.cbs.onDropped(err)
				}
				return // Dropped: tear down without a second dispose-callback pass
			}
			cur.advance(m)
		}

		if !isEnd {
			caughtUp = false
			continue // CatchingUp: more pages behind us, keep reading
		}

		if !caughtUp {
			caughtUp = true
			if h.cbs.onCaughtUp != nil {
				h.cbs.onCaughtUp()
			}
		}

		// Live: block for a tick (coalesced; at most one pending) or cancellation.
		select {
		case <-h.workCtx.Done():
			return
		case _, ok := <-h.tickCh:
			if !ok {
				return
			}
			// fall through to CatchingUp on the next loop iteration
		}
	}
}
