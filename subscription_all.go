package streamstore

import "context"

// AllSubscriptionOptions configures SubscribeToAll, per spec.md §4.8.
type AllSubscriptionOptions struct {
	// AfterPosition, if set, resumes delivery after this global position.
	// If nil, the subscription only delivers messages appended after it
	// starts (current head + 1).
	AfterPosition *Position

	// MaxCountPerRead bounds each catch-up page. Defaults to 100.
	MaxCountPerRead int64

	// ConsumerMember and ConsumerSize, if both set, partition delivery
	// across a fixed-size consumer group: a message is delivered only if
	// IsAssignedToConsumerMember(msg.StreamID, ConsumerMember, ConsumerSize)
	// holds. Filtering happens after each page is fetched, same as the
	// teacher's sqlite/pebble category readers.
	ConsumerMember *int64
	ConsumerSize   *int64

	OnEstablished func()
	OnDropped     func(error)
	OnCaughtUp    func()
	OnDispose     func()
}

func (o AllSubscriptionOptions) maxCountPerRead() int64 {
	if o.MaxCountPerRead > 0 {
		return o.MaxCountPerRead
	}
	return 100
}

type allCursor struct {
	store          *Store
	next           Position
	after          *Position
	maxCount       int64
	consumerMember *int64
	consumerSize   *int64
}

func (c *allCursor) establish(ctx context.Context) error {
	if c.after != nil {
		c.next = (*c.after).Next()
		return nil
	}
	head, err := c.store.ReadHeadPosition(ctx)
	if err != nil {
		return err
	}
	c.next = head.Next()
	return nil
}

func (c *allCursor) readPage(ctx context.Context) ([]Message, bool, error) {
	res, err := c.store.ReadAll(ctx, c.next, c.maxCount, Forward)
	if err != nil {
		return nil, false, err
	}
	if c.consumerMember == nil || c.consumerSize == nil {
		return res.Messages, res.IsEnd, nil
	}
	filtered := make([]Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		if IsAssignedToConsumerMember(m.StreamID, *c.consumerMember, *c.consumerSize) {
			filtered = append(filtered, m)
		}
	}
	return filtered, res.IsEnd, nil
}

func (c *allCursor) advance(m Message) { c.next = m.Position.Next() }

// SubscribeToAll drives a live tail of the global all-view (C7): reads go
// through the Gap-Detecting All-Reader (via Store.ReadAll), delivery is
// strictly ascending by global position, and gap detection is applied
// before delivery so a subscriber never observes p then p+2 and later p+1.
func (s *Store) SubscribeToAll(procCtx context.Context, process ProcessFunc, opts AllSubscriptionOptions) *Subscription {
	cur := &allCursor{
		store:          s,
		after:          opts.AfterPosition,
		maxCount:       opts.maxCountPerRead(),
		consumerMember: opts.ConsumerMember,
		consumerSize:   opts.ConsumerSize,
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
