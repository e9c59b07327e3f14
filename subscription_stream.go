package streamstore

import "context"

// StreamSubscriptionOptions configures SubscribeToStream, per spec.md §4.7.
type StreamSubscriptionOptions struct {
	// AfterVersion, if set, resumes delivery after this version. If nil,
	// the subscription only delivers messages appended after it starts.
	AfterVersion *int64

	// MaxCountPerRead bounds each catch-up page. Defaults to 100.
	MaxCountPerRead int64

	OnEstablished func()
	OnDropped     func(error)
	OnCaughtUp    func()
	OnDispose     func()
}

func (o StreamSubscriptionOptions) maxCountPerRead() int64 {
	if o.MaxCountPerRead > 0 {
		return o.MaxCountPerRead
	}
	return 100
}

type streamCursor struct {
	store    *Store
	streamID string
	next     int64
	after    *int64
	maxCount int64
}

func (c *streamCursor) establish(ctx context.Context) error {
	if c.after != nil {
		c.next = *c.after + 1
		return nil
	}
	version, exists, err := c.store.streamHead(ctx, c.streamID)
	if err != nil {
		return err
	}
	if !exists {
		c.next = 0
		return nil
	}
	c.next = version + 1
	return nil
}

func (c *streamCursor) readPage(ctx context.Context) ([]Message, bool, error) {
	res, err := c.store.ReadStream(ctx, c.streamID, c.next, c.maxCount, Forward)
	if err != nil {
		return nil, false, err
	}
	return res.Messages, res.IsEnd, nil
}

func (c *streamCursor) advance(m Message) { c.next = m.StreamVersion + 1 }

// SubscribeToStream drives a live tail of a single stream (C6): it reads
// forward from either AfterVersion+1 or the stream's current head+1, calls
// process for each message strictly in ascending streamVersion order, and
// blocks on the store's notifier between pages once caught up.
func (s *Store) SubscribeToStream(procCtx context.Context, streamID string, process ProcessFunc, opts StreamSubscriptionOptions) *Subscription {
	cur := &streamCursor{
		store:    s,
		streamID: streamID,
		after:    opts.AfterVersion,
		maxCount: opts.maxCountPerRead(),
	}

	h := newSubscriptionHandle(s, procCtx, process, subscriptionCallbacks{
		onEstablished: opts.OnEstablished,
		onDropped:     opts.OnDropped,
		onCaughtUp:    opts.OnCaughtUp,
		onDispose:     opts.OnDispose,
	})
	h.notif = s.ensureNotifier()

	sub := &Subscription{h: h}
	s.trackSubscription(h)
	go h.run(cur)
	return sub
}
