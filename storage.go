package streamstore

import (
	"context"
	"time"
)

// Message is a single persisted, immutable event. Field names mirror the
// data model in spec.md §3; JSON-shaped Data/Meta are passed through the
// Storage Driver uninterpreted.
type Message struct {
	StreamID      string
	MessageID     string // UUID, globally unique across the store
	Type          string
	Data          map[string]interface{}
	Meta          map[string]interface{}
	StreamVersion int64
	Position      Position
	CreatedAt     time.Time
}

// StreamInfo is the companion metadata row for a stream: its last known
// version/position plus retention hints.
type StreamInfo struct {
	ID            string
	StreamType    string
	StreamVersion int64
	Position      Position
	MaxAge        *time.Duration
	MaxCount      *int64
}

// AppendResult is what the Storage Driver returns for a successful append,
// or the conflict sentinel below.
type AppendResult struct {
	CurrentVersion  int64
	CurrentPosition Position
	MaxAge          *time.Duration
	MaxCount        *int64
}

// ConflictTag names a unique-constraint violation the Storage Driver may
// raise instead of (or alongside) the -9 sentinel in AppendResult. The
// string values are short labels, not database constraint names; each driver
// maps its own constraint errors onto them and returns them via
// DriverConflictError, which the store reads in classifyConflict.
type ConflictTag string

const (
	// ConflictStreamVersion covers both "stream_id_key" and
	// "message_stream_id_internal_stream_version_unique" style violations:
	// two appends raced, or expectedVersion did not match.
	ConflictStreamVersion ConflictTag = "stream_version"

	// ConflictMessageID means some messageId already exists anywhere in
	// the store.
	ConflictMessageID ConflictTag = "message_id"

	// ConflictNone means the driver raised no classifiable conflict.
	ConflictNone ConflictTag = ""
)

// DriverConflictError is how a Storage Driver reports a classifiable
// constraint violation without the caller needing to pattern-match a raw
// database error string. DetailID carries the offending UUID for
// ConflictMessageID, extracted by the driver from its own error detail.
type DriverConflictError struct {
	Tag      ConflictTag
	DetailID string
	Err      error
}

func (e *DriverConflictError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Tag)
}

func (e *DriverConflictError) Unwrap() error { return e.Err }

// ReadDirection carries Forward/Backward to the driver's range-read calls.
type ReadDirection = Direction

// StreamReadResult is the raw page a Storage Driver returns for a
// read-stream-messages + read-stream-info round trip. Messages may contain
// one extra row (count+1) used by the Stream Store to compute isEnd; the
// driver does not trim it.
type StreamReadResult struct {
	Messages []Message
	Info     StreamInfo // zero value (StreamVersion: 0) if the stream does not exist
	Exists   bool
}

// AllReadResult is the raw page for a read-all-messages call. Like
// StreamReadResult, it may contain one extra row for isEnd computation.
type AllReadResult struct {
	Messages []Message
}

// Driver is the Storage Driver (C1): an opaque collaborator executing the
// primitive operations below atomically. Implementations live under
// internal/storagepg and internal/storagesqlite; both talk to a real
// database, so every method here is the sole boundary the rest of the
// package needs to reason about.
//
// Every method must use exactly one connection/transaction for its
// duration and must not be held open across a caller's suspension point.
type Driver interface {
	// Append persists messages to streamID inside a single transaction,
	// enforcing expectedVersion if it is not ExpectedVersionAny. now is
	// the wall-clock time to stamp on created rows that do not already
	// carry one. metaStreamID is the companion metadata stream whose
	// latest MaxAge/MaxCount should be echoed back in the result (a driver
	// may look this up as part of the same transaction).
	//
	// On success, returns AppendResult with CurrentVersion set to the
	// version of the last appended message (not concurrencyConflictVersion).
	// On an in-band conflict, returns AppendResult{CurrentVersion:
	// concurrencyConflictVersion} with a nil error, OR returns a
	// *DriverConflictError — either form is accepted by the Stream Store's
	// classifier.
	Append(ctx context.Context, streamID, metaStreamID string, expectedVersion ExpectedVersion, now time.Time, messages []Message) (AppendResult, error)

	// ReadStreamMessages returns up to count+1 messages from streamID
	// starting at fromInclusive, in the given direction, plus the stream's
	// info row read after the messages (see spec.md §4.3 ordering note).
	ReadStreamMessages(ctx context.Context, streamID string, fromInclusive int64, count int64, dir Direction) (StreamReadResult, error)

	// ReadAllMessages returns up to count+1 messages from the global log
	// starting at fromPosition, in the given direction. Gap detection is
	// layered on top of this by the caller (see gapreader.go); this method
	// performs one raw read.
	ReadAllMessages(ctx context.Context, fromPosition Position, count int64, dir Direction) (AllReadResult, error)

	// ReadHeadPosition returns the highest global position currently
	// durable, or PositionStart if the store is empty.
	ReadHeadPosition(ctx context.Context) (Position, error)

	// DeleteStream removes every row belonging to streamID, after checking
	// expectedVersion the same way Append does, and appends a
	// $streamDeleted message to StreamDeleted.
	DeleteStream(ctx context.Context, streamID string, expectedVersion ExpectedVersion, now time.Time) error

	// DeleteMessage removes a single row by id, independent of optimistic
	// concurrency (used for surgical redaction).
	DeleteMessage(ctx context.Context, streamID, messageID string) error

	// SetMetadata appends a $streamMetadata message to the companion
	// metadata stream of streamID, enforcing expectedVersion against the
	// metadata stream's own version.
	SetMetadata(ctx context.Context, streamID string, expectedVersion ExpectedVersion, metadata map[string]interface{}, maxAge *time.Duration, maxCount *int64, now time.Time) (int64, error)

	// GetMetadata returns the latest $streamMetadata message for streamID's
	// companion stream, or ok=false if none exists.
	GetMetadata(ctx context.Context, streamID string) (metadata map[string]interface{}, metadataStreamVersion int64, maxAge *time.Duration, maxCount *int64, ok bool, err error)

	// Close releases the underlying connection pool.
	Close() error
}
