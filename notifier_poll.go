package streamstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// pollingNotifier implements spec.md §4.6's polling variant: at a fixed
// interval, call readHeadPosition; if it differs from the last seen head,
// broadcast one tick. Concurrent polls are skipped (one in flight at a
// time) and the tick fires synchronously from the poll goroutine, same as
// the spec's "a single timer; tick is fired synchronously from the poll".
type pollingNotifier struct {
	broadcaster *coalescingBroadcaster
	interval    time.Duration
	readHead    func(context.Context) (Position, error)

	lastHead Position
	polling  int32 // atomic guard: skip overlapping polls

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newPollingNotifier(cfg NotifierConfig, readHead func(context.Context) (Position, error)) *pollingNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &pollingNotifier{
		broadcaster: newCoalescingBroadcaster(),
		interval:    time.Duration(cfg.pollingIntervalOrDefault()) * time.Millisecond,
		readHead:    readHead,
		lastHead:    PositionStart,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go n.run(ctx)
	return n
}

func (n *pollingNotifier) run(ctx context.Context) {
	defer close(n.done)
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.poll(ctx)
		}
	}
}

func (n *pollingNotifier) poll(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&n.polling, 0, 1) {
		return // a poll is already in flight; skip this tick
	}
	defer atomic.StoreInt32(&n.polling, 0)

	head, err := n.readHead(ctx)
	if err != nil {
		return
	}
	if head != n.lastHead {
		n.lastHead = head
		n.broadcaster.broadcast()
	}
}

func (n *pollingNotifier) listen() <-chan tick { return n.broadcaster.listen() }

func (n *pollingNotifier) unlisten(ch <-chan tick) { n.broadcaster.stopListening(ch) }

func (n *pollingNotifier) dispose() {
	n.once.Do(func() {
		n.cancel()
		<-n.done
		n.broadcaster.closeAll()
	})
}
