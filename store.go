// Package streamstore persists ordered, immutable messages into named
// streams over a relational Storage Driver: it assigns each message a
// per-stream version and a global monotonic position, exposes forward and
// backward range reads over a stream and over the global all-view, and lets
// consumers subscribe to live tails of either with at-least-once delivery.
//
// Basic usage:
//
//	driver, _ := storagepg.New(ctx, dsn)
//	st := streamstore.New(driver)
//	defer st.Dispose()
//
//	res, _ := st.AppendToStream(ctx, "account-123", streamstore.ExpectedVersionEmpty, []streamstore.Message{
//		{MessageID: id.String(), Type: "AccountOpened", Data: map[string]interface{}{"balance": 0}},
//	})
package streamstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/streamstore/streamstore/internal/retry"
)

// WriteResult is returned by AppendToStream: the version and global position
// assigned to the last message written.
type WriteResult struct {
	StreamVersion  int64
	StreamPosition Position
}

// ReadStreamResult is returned by ReadStream.
type ReadStreamResult struct {
	StreamID       string
	StreamVersion  int64
	StreamPosition Position
	NextVersion    int64
	IsEnd          bool
	Exists         bool
	Messages       []Message
}

// ReadAllResult is returned by ReadAll.
type ReadAllResult struct {
	Messages     []Message
	NextPosition Position
	IsEnd        bool
}

// StreamMetadata is returned by GetStreamMetadata.
type StreamMetadata struct {
	Metadata              map[string]interface{}
	MetadataStreamVersion int64
	MaxAge                *time.Duration
	MaxCount              *int64
}

// Option configures a Store at construction time.
type Option func(*storeOptions)

type storeOptions struct {
	notifierConfig NotifierConfig
	pgDial         PGNotifyDialer
	logger         zerolog.Logger
}

// WithNotifier selects the notifier variant (poll or pg-notify) and its
// tunables. Defaults to DefaultNotifierConfig (polling at 500ms).
func WithNotifier(cfg NotifierConfig) Option {
	return func(o *storeOptions) { o.notifierConfig = cfg }
}

// WithPGNotifyDialer supplies the connection factory the pg-notify notifier
// uses to open its dedicated LISTEN connection. Required when
// NotifierConfig.Type is NotifierPGNotify.
func WithPGNotifyDialer(dial PGNotifyDialer) Option {
	return func(o *storeOptions) { o.pgDial = dial }
}

// WithLogger overrides the zerolog logger used for internal diagnostics
// (append retry attempts and pg-notify connection failures).
func WithLogger(log zerolog.Logger) Option {
	return func(o *storeOptions) { o.logger = log }
}

// Store is the public surface (C5): append, read, metadata, subscribe,
// dispose. It enforces the invariants and parameter checks from spec.md §4.2
// and retries concurrency conflicts on ExpectedVersionAny appends.
type Store struct {
	driver    Driver
	latch     *duplexLatch
	disposing atomic.Bool
	disposeOnce sync.Once

	gapReader *gapDetectingAllReader
	notif     notifier
	notifOnce sync.Once
	notifCfg  NotifierConfig
	pgDial    PGNotifyDialer

	log zerolog.Logger

	subsMu sync.Mutex
	subs   map[*subscriptionHandle]struct{}
}

// New constructs a Store over the given Storage Driver.
func New(driver Driver, opts ...Option) *Store {
	o := storeOptions{
		notifierConfig: DefaultNotifierConfig(),
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Store{
		driver:    driver,
		latch:     newDuplexLatch(),
		gapReader: newGapDetectingAllReader(driver),
		notifCfg:  o.notifierConfig,
		pgDial:    o.pgDial,
		log:       o.logger,
		subs:      make(map[*subscriptionHandle]struct{}),
	}
}

// ensureNotifier lazily creates the configured notifier on first use by a
// subscription, so a Store that never subscribes never starts a timer or
// opens a LISTEN connection.
func (s *Store) ensureNotifier() notifier {
	s.notifOnce.Do(func() {
		switch s.notifCfg.Type {
		case NotifierPGNotify:
			s.notif = newPGNotifyNotifier(s.notifCfg, s.pgDial, s.log)
		default:
			s.notif = newPollingNotifier(s.notifCfg, s.driver.ReadHeadPosition)
		}
	})
	return s.notif
}

func (s *Store) isDisposing() bool { return s.disposing.Load() }

// validateAppendParams enforces spec.md §4.2's input validation, which must
// fail before any I/O.
func validateAppendParams(streamID string, expectedVersion ExpectedVersion, messages []Message) error {
	if streamID == "" {
		return invalidParam("streamId", "is required")
	}
	if IsOperational(streamID) {
		return invalidParam("streamId", "must not be an operational ($-prefixed) stream")
	}
	if !expectedVersion.Valid() {
		return invalidParam("expectedVersion", "must be Any, Empty, or a non-negative version")
	}
	for _, m := range messages {
		if m.MessageID == "" {
			return invalidParam("messageId", "is required")
		}
		if _, err := uuid.Parse(m.MessageID); err != nil {
			return invalidParam("messageId", "must be a UUID")
		}
		if m.Type == "" {
			return invalidParam("type", "is required")
		}
		if m.Data == nil {
			return invalidParam("data", "is required")
		}
	}
	return nil
}

// AppendToStream writes messages to streamID under optimistic concurrency.
// See spec.md §4.2 for the full conflict-classification and retry policy.
func (s *Store) AppendToStream(ctx context.Context, streamID string, expectedVersion ExpectedVersion, messages []Message) (WriteResult, error) {
	if err := validateAppendParams(streamID, expectedVersion, messages); err != nil {
		return WriteResult{}, err
	}
	if s.isDisposing() {
		return WriteResult{}, ErrDisposed
	}

	s.latch.enter()
	defer s.latch.exit()

	backoff := retry.NewAppendBackoff()
	metaStreamID := MetadataStreamID(streamID)

	for attempt := 0; ; attempt++ {
		res, err := s.driver.Append(ctx, streamID, metaStreamID, expectedVersion, time.Now().UTC(), messages)

		tag, detailID, classErr := classifyConflict(res, err)
		if classErr != nil {
			return WriteResult{}, storageFault("append", classErr)
		}

		switch tag {
		case ConflictNone:
			return WriteResult{StreamVersion: res.CurrentVersion, StreamPosition: res.CurrentPosition}, nil

		case ConflictMessageID:
			return WriteResult{}, &DuplicateMessageError{MessageID: detailID}

		case ConflictStreamVersion:
			if expectedVersion != ExpectedVersionAny || attempt+1 >= backoff.MaxAttempts {
				return WriteResult{}, &ConcurrencyError{StreamID: streamID, ExpectedVersion: int64(expectedVersion)}
			}
			s.log.Debug().Str("stream_id", streamID).Int("attempt", attempt).Msg("append: concurrency conflict, retrying")
			if err := backoff.Sleep(ctx, attempt); err != nil {
				return WriteResult{}, err
			}
			continue
		}

		return WriteResult{}, storageFault("append", err)
	}
}

// classifyConflict maps a driver's response to a ConflictTag, per the table
// in spec.md §4.2. It accepts either calling convention a driver may use:
// the -9 sentinel version, or a *DriverConflictError.
func classifyConflict(res AppendResult, err error) (tag ConflictTag, detailID string, unclassified error) {
	var dce *DriverConflictError
	if err != nil {
		if isDriverConflictError(err, &dce) {
			return dce.Tag, dce.DetailID, nil
		}
		return ConflictNone, "", err
	}
	if res.CurrentVersion == concurrencyConflictVersion {
		return ConflictStreamVersion, "", nil
	}
	return ConflictNone, "", nil
}

func isDriverConflictError(err error, target **DriverConflictError) bool {
	if dce, ok := err.(*DriverConflictError); ok {
		*target = dce
		return true
	}
	return false
}

// ReadStream reads a range of a single stream. See spec.md §4.3.
func (s *Store) ReadStream(ctx context.Context, streamID string, fromInclusive int64, count int64, dir Direction) (ReadStreamResult, error) {
	if streamID == "" {
		return ReadStreamResult{}, invalidParam("streamId", "is required")
	}
	if count <= 0 {
		return ReadStreamResult{}, invalidParam("count", "must be positive")
	}

	raw, err := s.driver.ReadStreamMessages(ctx, streamID, fromInclusive, count, dir)
	if err != nil {
		return ReadStreamResult{}, storageFault("read-stream", err)
	}

	if !raw.Exists {
		return ReadStreamResult{
			StreamID:      streamID,
			StreamVersion: 0,
			IsEnd:         true,
			Exists:        false,
			Messages:      nil,
		}, nil
	}

	messages := raw.Messages
	isEnd := true
	if int64(len(messages)) > count {
		messages = messages[:count]
		isEnd = false
	}

	var nextVersion int64
	if dir == Forward {
		if isEnd {
			nextVersion = raw.Info.StreamVersion + 1
		} else {
			nextVersion = messages[len(messages)-1].StreamVersion + 1
		}
	} else {
		last := int64(0)
		if !isEnd && len(messages) > 0 {
			last = messages[len(messages)-1].StreamVersion
		}
		nextVersion = last - 1
		if nextVersion < 0 {
			nextVersion = 0
		}
	}

	return ReadStreamResult{
		StreamID:       streamID,
		StreamVersion:  raw.Info.StreamVersion,
		StreamPosition: raw.Info.Position,
		NextVersion:    nextVersion,
		IsEnd:          isEnd,
		Exists:         true,
		Messages:       messages,
	}, nil
}

// streamVersionEndSentinel is used internally (never exposed) to probe a
// stream's current tail via a backward read, the same mechanism spec.md
// §4.3 uses to compute backward nextVersion from the info row.
const streamVersionEndSentinel int64 = 1<<62 - 1

// streamHead returns the current version of streamID and whether the stream
// exists, used by the stream subscription driver to resolve its starting
// point when no afterVersion was given.
func (s *Store) streamHead(ctx context.Context, streamID string) (version int64, exists bool, err error) {
	raw, err := s.driver.ReadStreamMessages(ctx, streamID, streamVersionEndSentinel, 1, Backward)
	if err != nil {
		return 0, false, storageFault("read-stream", err)
	}
	if !raw.Exists {
		return 0, false, nil
	}
	return raw.Info.StreamVersion, true, nil
}

// ReadAll reads a range of the global all-view. Forward reads go through the
// Gap-Detecting All-Reader (C3); backward reads skip it. See spec.md §4.3-4.4.
func (s *Store) ReadAll(ctx context.Context, fromPosition Position, count int64, dir Direction) (ReadAllResult, error) {
	if count <= 0 {
		return ReadAllResult{}, invalidParam("count", "must be positive")
	}

	var raw AllReadResult
	var err error
	if dir == Forward {
		raw, err = s.gapReader.readForward(ctx, fromPosition, count)
	} else {
		raw, err = s.gapReader.readBackward(ctx, fromPosition, count)
	}
	if err != nil {
		return ReadAllResult{}, storageFault("read-all", err)
	}

	messages := raw.Messages
	isEnd := true
	if int64(len(messages)) > count {
		messages = messages[:count]
		isEnd = false
	}

	var nextPosition Position
	if dir == Forward {
		if len(messages) == 0 {
			nextPosition = fromPosition
		} else {
			nextPosition = messages[len(messages)-1].Position.Next()
		}
	} else {
		if len(messages) == 0 {
			nextPosition = PositionStart
		} else {
			nextPosition = messages[len(messages)-1].Position.Prev()
		}
	}

	return ReadAllResult{
		Messages:     messages,
		NextPosition: nextPosition,
		IsEnd:        isEnd,
	}, nil
}

// ReadAllForConsumerGroup behaves like ReadAll, but filters the page to
// only messages whose stream is assigned to consumerMember out of
// consumerSize total members (IsAssignedToConsumerMember), per spec.md's
// consumer-group partitioning. Filtering happens after the page is
// fetched, same as the teacher's sqlite/pebble category readers, so
// IsEnd/NextPosition still describe the underlying unfiltered page and
// callers should keep paging with NextPosition until IsEnd even if a page
// comes back filtered down to nothing.
func (s *Store) ReadAllForConsumerGroup(ctx context.Context, fromPosition Position, count int64, dir Direction, consumerMember, consumerSize int64) (ReadAllResult, error) {
	res, err := s.ReadAll(ctx, fromPosition, count, dir)
	if err != nil {
		return ReadAllResult{}, err
	}

	filtered := make([]Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		if IsAssignedToConsumerMember(m.StreamID, consumerMember, consumerSize) {
			filtered = append(filtered, m)
		}
	}
	res.Messages = filtered
	return res, nil
}

// ReadHeadPosition returns the highest durable global position, or
// PositionStart if the store is empty.
func (s *Store) ReadHeadPosition(ctx context.Context) (Position, error) {
	pos, err := s.driver.ReadHeadPosition(ctx)
	if err != nil {
		return "", storageFault("read-head", err)
	}
	return pos, nil
}

// GetStreamMetadata returns the latest metadata recorded for streamID.
func (s *Store) GetStreamMetadata(ctx context.Context, streamID string) (StreamMetadata, error) {
	if streamID == "" {
		return StreamMetadata{}, invalidParam("streamId", "is required")
	}
	metadata, version, maxAge, maxCount, ok, err := s.driver.GetMetadata(ctx, MetadataStreamID(streamID))
	if err != nil {
		return StreamMetadata{}, storageFault("get-metadata", err)
	}
	if !ok {
		return StreamMetadata{MetadataStreamVersion: -1}, nil
	}
	return StreamMetadata{
		Metadata:              metadata,
		MetadataStreamVersion: version,
		MaxAge:                maxAge,
		MaxCount:              maxCount,
	}, nil
}

// SetStreamMetadata appends a new $streamMetadata message, enforcing
// expectedVersion against the metadata stream's own version.
func (s *Store) SetStreamMetadata(ctx context.Context, streamID string, expectedVersion ExpectedVersion, metadata map[string]interface{}, maxAge *time.Duration, maxCount *int64) (int64, error) {
	if streamID == "" {
		return 0, invalidParam("streamId", "is required")
	}
	if !expectedVersion.Valid() {
		return 0, invalidParam("expectedVersion", "must be Any, Empty, or a non-negative version")
	}
	if s.isDisposing() {
		return 0, ErrDisposed
	}

	s.latch.enter()
	defer s.latch.exit()

	version, err := s.driver.SetMetadata(ctx, MetadataStreamID(streamID), expectedVersion, metadata, maxAge, maxCount, time.Now().UTC())
	if err != nil {
		if dce, ok := err.(*DriverConflictError); ok && dce.Tag == ConflictStreamVersion {
			return 0, &ConcurrencyError{StreamID: streamID, ExpectedVersion: int64(expectedVersion)}
		}
		return 0, storageFault("set-metadata", err)
	}
	return version, nil
}

// DeleteStream removes every message in streamID after checking
// expectedVersion, and records the deletion on the $deleted stream.
func (s *Store) DeleteStream(ctx context.Context, streamID string, expectedVersion ExpectedVersion) error {
	if streamID == "" {
		return invalidParam("streamId", "is required")
	}
	if !expectedVersion.Valid() {
		return invalidParam("expectedVersion", "must be Any, Empty, or a non-negative version")
	}
	if s.isDisposing() {
		return ErrDisposed
	}

	s.latch.enter()
	defer s.latch.exit()

	backoff := retry.NewAppendBackoff()
	for attempt := 0; ; attempt++ {
		err := s.driver.DeleteStream(ctx, streamID, expectedVersion, time.Now().UTC())
		if err == nil {
			return nil
		}
		if dce, ok := err.(*DriverConflictError); ok && dce.Tag == ConflictStreamVersion {
			if expectedVersion != ExpectedVersionAny || attempt+1 >= backoff.MaxAttempts {
				return &ConcurrencyError{StreamID: streamID, ExpectedVersion: int64(expectedVersion)}
			}
			if err := backoff.Sleep(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		return storageFault("delete-stream", err)
	}
}

// DeleteMessage removes a single message by id, independent of optimistic
// concurrency.
func (s *Store) DeleteMessage(ctx context.Context, streamID, messageID string) error {
	if s.isDisposing() {
		return ErrDisposed
	}

	s.latch.enter()
	defer s.latch.exit()

	if err := s.driver.DeleteMessage(ctx, streamID, messageID); err != nil {
		return storageFault("delete-message", err)
	}
	return nil
}

func (s *Store) trackSubscription(h *subscriptionHandle) {
	s.subsMu.Lock()
	s.subs[h] = struct{}{}
	s.subsMu.Unlock()
}

func (s *Store) untrackSubscription(h *subscriptionHandle) {
	s.subsMu.Lock()
	delete(s.subs, h)
	s.subsMu.Unlock()
}

// Dispose tears the store down deterministically, per spec.md §4.5:
// 1. mark disposing so further writes fail fast
// 2. dispose every tracked subscription in parallel
// 3. dispose the notifier, if one was created
// 4. wait for in-flight writes to drain
// 5. close the storage driver
func (s *Store) Dispose() {
	s.disposeOnce.Do(func() {
		s.disposing.Store(true)

		s.subsMu.Lock()
		handles := make([]*subscriptionHandle, 0, len(s.subs))
		for h := range s.subs {
			handles = append(handles, h)
		}
		s.subsMu.Unlock()

		var wg sync.WaitGroup
		for _, h := range handles {
			wg.Add(1)
			go func(h *subscriptionHandle) {
				defer wg.Done()
				h.disposeAndWait()
			}(h)
		}
		wg.Wait()

		if s.notif != nil {
			s.notif.dispose()
		}

		s.latch.wait()
		_ = s.driver.Close()
	})
}
