package streamstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memDriver is an in-memory Driver used only by this package's tests. It
// implements the same optimistic-concurrency and duplicate-id rules a real
// relational Storage Driver is expected to enforce, so the Store's
// validation/classification/retry logic can be exercised without a
// database.
type memDriver struct {
	mu sync.Mutex

	streams     map[string][]Message // streamID -> messages in version order
	metaStreams map[string][]Message // metaStreamID -> metadata history
	allByPos    []Message            // every message ever appended, sorted by position
	messageIDs  map[string]bool
	nextPos     int64

	// conflictViaError, when true, reports stream-version conflicts as a
	// *DriverConflictError instead of the -9 sentinel, exercising both
	// branches of classifyConflict.
	conflictViaError bool

	// writeGate, if non-nil, is read from once per Append call after
	// validation but before the write is applied, letting tests hold an
	// append open to exercise Dispose's drain behavior.
	writeGate chan struct{}

	closed bool
}

func newMemDriver() *memDriver {
	return &memDriver{
		streams:     make(map[string][]Message),
		metaStreams: make(map[string][]Message),
		messageIDs:  make(map[string]bool),
	}
}

func (d *memDriver) currentVersion(streamID string) int64 {
	msgs := d.streams[streamID]
	if len(msgs) == 0 {
		return -1
	}
	return msgs[len(msgs)-1].StreamVersion
}

func (d *memDriver) Append(ctx context.Context, streamID, metaStreamID string, expectedVersion ExpectedVersion, now time.Time, messages []Message) (AppendResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.writeGate != nil {
		gate := d.writeGate
		d.mu.Unlock()
		<-gate
		d.mu.Lock()
	}

	for _, m := range messages {
		if d.messageIDs[m.MessageID] {
			return AppendResult{}, &DriverConflictError{Tag: ConflictMessageID, DetailID: m.MessageID}
		}
	}

	current := d.currentVersion(streamID)
	if !checkExpectedVersion(expectedVersion, current) {
		if d.conflictViaError {
			return AppendResult{}, &DriverConflictError{Tag: ConflictStreamVersion}
		}
		return AppendResult{CurrentVersion: concurrencyConflictVersion}, nil
	}

	var lastVersion int64
	var lastPos Position
	for _, m := range messages {
		current++
		d.nextPos++
		m.StreamVersion = current
		m.Position = Position(itoa(d.nextPos))
		m.CreatedAt = now
		d.streams[streamID] = append(d.streams[streamID], m)
		d.allByPos = append(d.allByPos, m)
		d.messageIDs[m.MessageID] = true
		lastVersion = current
		lastPos = m.Position
	}

	maxAge, maxCount := d.latestRetentionHints(metaStreamID)
	return AppendResult{CurrentVersion: lastVersion, CurrentPosition: lastPos, MaxAge: maxAge, MaxCount: maxCount}, nil
}

func (d *memDriver) latestRetentionHints(metaStreamID string) (*time.Duration, *int64) {
	hist := d.metaStreams[metaStreamID]
	if len(hist) == 0 {
		return nil, nil
	}
	last := hist[len(hist)-1]
	var maxAge *time.Duration
	var maxCount *int64
	if v, ok := last.Data["maxAge"].(time.Duration); ok {
		maxAge = &v
	}
	if v, ok := last.Data["maxCount"].(int64); ok {
		maxCount = &v
	}
	return maxAge, maxCount
}

func checkExpectedVersion(expected ExpectedVersion, current int64) bool {
	switch expected {
	case ExpectedVersionAny:
		return true
	case ExpectedVersionEmpty:
		return current == -1
	default:
		return int64(expected) == current
	}
}

func (d *memDriver) ReadStreamMessages(ctx context.Context, streamID string, fromInclusive int64, count int64, dir Direction) (StreamReadResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	all, ok := d.streams[streamID]
	if !ok || len(all) == 0 {
		return StreamReadResult{Exists: false}, nil
	}

	var page []Message
	if dir == Forward {
		for _, m := range all {
			if m.StreamVersion >= fromInclusive {
				page = append(page, m)
				if int64(len(page)) > count {
					break
				}
			}
		}
	} else {
		for i := len(all) - 1; i >= 0; i-- {
			m := all[i]
			if m.StreamVersion <= fromInclusive {
				page = append(page, m)
				if int64(len(page)) > count {
					break
				}
			}
		}
	}

	last := all[len(all)-1]
	return StreamReadResult{
		Messages: page,
		Exists:   true,
		Info: StreamInfo{
			ID:            streamID,
			StreamVersion: last.StreamVersion,
			Position:      last.Position,
		},
	}, nil
}

func (d *memDriver) ReadAllMessages(ctx context.Context, fromPosition Position, count int64, dir Direction) (AllReadResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var page []Message
	if dir == Forward {
		for _, m := range d.allByPos {
			if !m.Position.Less(fromPosition) {
				page = append(page, m)
				if int64(len(page)) > count {
					break
				}
			}
		}
	} else {
		for i := len(d.allByPos) - 1; i >= 0; i-- {
			m := d.allByPos[i]
			if !fromPosition.Less(m.Position) {
				page = append(page, m)
				if int64(len(page)) > count {
					break
				}
			}
		}
	}
	return AllReadResult{Messages: page}, nil
}

func (d *memDriver) ReadHeadPosition(ctx context.Context) (Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.allByPos) == 0 {
		return PositionStart, nil
	}
	return d.allByPos[len(d.allByPos)-1].Position, nil
}

func (d *memDriver) DeleteStream(ctx context.Context, streamID string, expectedVersion ExpectedVersion, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.currentVersion(streamID)
	if !checkExpectedVersion(expectedVersion, current) {
		return &DriverConflictError{Tag: ConflictStreamVersion}
	}
	delete(d.streams, streamID)

	d.nextPos++
	deletion := Message{
		StreamID:      StreamDeleted,
		MessageID:     newTestUUID(),
		Type:          MessageTypeStreamDeleted,
		Data:          map[string]interface{}{"streamId": streamID},
		StreamVersion: d.currentVersion(StreamDeleted) + 1,
		Position:      Position(itoa(d.nextPos)),
		CreatedAt:     now,
	}
	d.streams[StreamDeleted] = append(d.streams[StreamDeleted], deletion)
	d.allByPos = append(d.allByPos, deletion)
	d.messageIDs[deletion.MessageID] = true
	return nil
}

func (d *memDriver) DeleteMessage(ctx context.Context, streamID, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	msgs := d.streams[streamID]
	for i, m := range msgs {
		if m.MessageID == messageID {
			d.streams[streamID] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	for i, m := range d.allByPos {
		if m.MessageID == messageID {
			d.allByPos = append(d.allByPos[:i], d.allByPos[i+1:]...)
			break
		}
	}
	delete(d.messageIDs, messageID)
	return nil
}

func (d *memDriver) SetMetadata(ctx context.Context, metaStreamID string, expectedVersion ExpectedVersion, metadata map[string]interface{}, maxAge *time.Duration, maxCount *int64, now time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := int64(len(d.metaStreams[metaStreamID])) - 1
	if !checkExpectedVersion(expectedVersion, current) {
		return 0, &DriverConflictError{Tag: ConflictStreamVersion}
	}

	data := map[string]interface{}{"metadata": metadata}
	if maxAge != nil {
		data["maxAge"] = *maxAge
	}
	if maxCount != nil {
		data["maxCount"] = *maxCount
	}

	version := current + 1
	entry := Message{
		StreamID:      metaStreamID,
		MessageID:     newTestUUID(),
		Type:          MessageTypeStreamMetadata,
		Data:          data,
		StreamVersion: version,
		CreatedAt:     now,
	}
	d.metaStreams[metaStreamID] = append(d.metaStreams[metaStreamID], entry)
	return version, nil
}

func (d *memDriver) GetMetadata(ctx context.Context, metaStreamID string) (map[string]interface{}, int64, *time.Duration, *int64, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hist := d.metaStreams[metaStreamID]
	if len(hist) == 0 {
		return nil, 0, nil, nil, false, nil
	}
	last := hist[len(hist)-1]
	var metadata map[string]interface{}
	if v, ok := last.Data["metadata"].(map[string]interface{}); ok {
		metadata = v
	}
	var maxAge *time.Duration
	var maxCount *int64
	if v, ok := last.Data["maxAge"].(time.Duration); ok {
		maxAge = &v
	}
	if v, ok := last.Data["maxCount"].(int64); ok {
		maxCount = &v
	}
	return metadata, last.StreamVersion, maxAge, maxCount, true, nil
}

func (d *memDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *memDriver) sortedAll() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Message, len(d.allByPos))
	copy(out, d.allByPos)
	sort.Slice(out, func(i, j int) bool { return out[i].Position.Less(out[j].Position) })
	return out
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
