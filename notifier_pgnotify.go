package streamstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamstore/streamstore/internal/retry"
)

// pgNotifyChannel is the LISTEN/NOTIFY channel name the Postgres Storage
// Driver publishes to with pg_notify inside its Append and DeleteStream
// transactions.
const pgNotifyChannel = "streamstore_messages"

// pgNotifyNotifier implements spec.md §4.6's database-notify variant: a
// dedicated connection LISTENs on pgNotifyChannel and emits one tick per
// notification. A periodic keep-alive detects dead connections; on failure
// the connection is reopened with backoff. On dispose, UNLISTEN (via Close)
// and release the connection.
type pgNotifyNotifier struct {
	broadcaster *coalescingBroadcaster
	dial        PGNotifyDialer
	keepAlive   time.Duration
	log         zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newPGNotifyNotifier(cfg NotifierConfig, dial PGNotifyDialer, log zerolog.Logger) *pgNotifyNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &pgNotifyNotifier{
		broadcaster: newCoalescingBroadcaster(),
		dial:        dial,
		keepAlive:   time.Duration(cfg.keepAliveIntervalOrDefault()) * time.Millisecond,
		log:         log,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go n.run(ctx)
	return n
}

func (n *pgNotifyNotifier) run(ctx context.Context) {
	defer close(n.done)

	backoff := retry.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, MaxAttempts: 0}
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := n.dial(ctx)
		if err != nil {
			n.log.Warn().Err(err).Int("attempt", attempt).Msg("pg-notify: dial failed")
			if backoff.Sleep(ctx, attempt) != nil {
				return
			}
			attempt++
			continue
		}

		if err := conn.Listen(ctx, pgNotifyChannel); err != nil {
			n.log.Warn().Err(err).Msg("pg-notify: listen failed")
			conn.Close()
			if backoff.Sleep(ctx, attempt) != nil {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		if n.serve(ctx, conn) {
			return // context cancelled, clean shutdown
		}
		// serve returned because the connection died; loop to reconnect.
	}
}

// serve listens for notifications and runs the keep-alive loop until the
// connection dies or ctx is cancelled. Returns true on clean shutdown.
func (n *pgNotifyNotifier) serve(ctx context.Context, conn PGNotifyConn) bool {
	defer conn.Close()

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	notifications := make(chan error, 1)
	go func() {
		for {
			err := conn.WaitForNotification(connCtx)
			notifications <- err
			if err != nil {
				return
			}
		}
	}()

	keepAlive := time.NewTicker(n.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case err := <-notifications:
			if err != nil {
				if ctx.Err() != nil {
					return true
				}
				n.log.Warn().Err(err).Msg("pg-notify: connection lost")
				return false
			}
			n.broadcaster.broadcast()
		case <-keepAlive.C:
			if err := conn.Ping(ctx); err != nil {
				n.log.Warn().Err(err).Msg("pg-notify: keep-alive failed")
				return false
			}
		}
	}
}

func (n *pgNotifyNotifier) listen() <-chan tick { return n.broadcaster.listen() }

func (n *pgNotifyNotifier) unlisten(ch <-chan tick) { n.broadcaster.stopListening(ch) }

func (n *pgNotifyNotifier) dispose() {
	n.once.Do(func() {
		n.cancel()
		<-n.done
		n.broadcaster.closeAll()
	})
}
