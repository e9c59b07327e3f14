package streamstore

import (
	"math/big"
	"strings"
)

// ExpectedVersion is the optimistic-concurrency token passed to AppendToStream
// and DeleteStream. Non-negative values mean "the stream must currently be at
// exactly this version".
type ExpectedVersion int64

const (
	// ExpectedVersionAny skips optimistic locking; a concurrency conflict is
	// retried internally (see append retry policy).
	ExpectedVersionAny ExpectedVersion = -2

	// ExpectedVersionEmpty requires the stream not to exist yet.
	ExpectedVersionEmpty ExpectedVersion = -1
)

// Valid reports whether ev is one of the named sentinels or a non-negative
// version number.
func (ev ExpectedVersion) Valid() bool {
	return ev == ExpectedVersionAny || ev == ExpectedVersionEmpty || ev >= 0
}

// concurrencyConflictVersion is the sentinel the Storage Driver returns in
// place of a current version when it detects a write race inline rather than
// raising a unique-constraint violation.
const concurrencyConflictVersion int64 = -9

// Direction selects which way a range read walks a stream or the all-view.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Position is a global, store-wide monotonic value carried as a decimal
// string because it may exceed 2^53 (the safe-integer boundary in several
// client ecosystems this format must round-trip with). All arithmetic on it
// uses math/big so the store never silently truncates.
type Position string

// PositionStart is the lowest possible global position.
const PositionStart Position = "0"

// positionEndInt is the internal sentinel for Position.End: the maximum
// 63-bit signed integer, matching the spec's documented mapping.
const positionEndInt int64 = 9223372036854775807

// PositionEnd resolves to the maximum representable position, used to mean
// "the tail" when reading backward and "nothing" when reading forward.
func PositionEnd() Position {
	return Position(big.NewInt(positionEndInt).String())
}

// Int64 parses the position into an int64. Used internally for comparisons
// that are known to fit (e.g. against the sentinel). Returns false if p does
// not parse as a base-10 integer.
func (p Position) Int64() (int64, bool) {
	n, ok := new(big.Int).SetString(string(p), 10)
	if !ok {
		return 0, false
	}
	if !n.IsInt64() {
		return 0, false
	}
	return n.Int64(), true
}

func (p Position) big() *big.Int {
	n, ok := new(big.Int).SetString(strings.TrimSpace(string(p)), 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

// Next returns p+1 as a decimal string.
func (p Position) Next() Position {
	n := p.big()
	n.Add(n, big.NewInt(1))
	return Position(n.String())
}

// Prev returns max(0, p-1) as a decimal string.
func (p Position) Prev() Position {
	n := p.big()
	n.Sub(n, big.NewInt(1))
	if n.Sign() < 0 {
		return PositionStart
	}
	return Position(n.String())
}

// Less reports whether p < other, using big-integer comparison.
func (p Position) Less(other Position) bool {
	return p.big().Cmp(other.big()) < 0
}

// Compare returns -1, 0, or 1 following big.Int.Cmp semantics.
func (p Position) Compare(other Position) int {
	return p.big().Cmp(other.big())
}

// gapBetween reports whether there is a hole between two adjacent global
// positions in a forward-ordered page, i.e. next - prev > 1.
func gapBetween(prev, next Position) bool {
	diff := new(big.Int).Sub(next.big(), prev.big())
	return diff.Cmp(big.NewInt(1)) > 0
}

// IsOperational reports whether a stream id is reserved for internal use
// ($-prefixed streams are never writable through the public append path).
func IsOperational(streamID string) bool {
	return strings.HasPrefix(streamID, "$")
}

// MetadataStreamID returns the companion metadata stream id for a user
// stream, using the authoritative "$$<streamId>" scheme (see DESIGN.md for
// the resolved open question on the two historical schemes).
func MetadataStreamID(streamID string) string {
	return "$$" + streamID
}

const (
	// StreamDeleted is the operational log that records stream deletions.
	StreamDeleted = "$deleted"

	// MessageTypeStreamMetadata is the type of a metadata-stream message.
	MessageTypeStreamMetadata = "$streamMetadata"

	// MessageTypeStreamDeleted is the type of a message appended to
	// StreamDeleted when a stream is deleted.
	MessageTypeStreamDeleted = "$streamDeleted"
)
