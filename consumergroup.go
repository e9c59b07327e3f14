package streamstore

import (
	"crypto/md5"
	"encoding/binary"
	"strings"
)

// Category extracts the category name from a stream id.
//
//	Category("account-123")     → "account"
//	Category("account-123+456") → "account"
//	Category("account")         → "account"
func Category(streamID string) string {
	if idx := strings.IndexByte(streamID, '-'); idx >= 0 {
		return streamID[:idx]
	}
	return streamID
}

// ID extracts the id portion of a stream id (everything after the first
// '-'), or "" if streamID names a bare category.
func ID(streamID string) string {
	if idx := strings.IndexByte(streamID, '-'); idx >= 0 {
		return streamID[idx+1:]
	}
	return ""
}

// CardinalID extracts the partitioning id (the portion of ID before any
// '+'), used for consumer-group assignment on compound ids like
// "account-123+456".
func CardinalID(streamID string) string {
	id := ID(streamID)
	if plusIdx := strings.IndexByte(id, '+'); plusIdx >= 0 {
		return id[:plusIdx]
	}
	return id
}

// IsCategory reports whether streamID names a category rather than an
// individual stream, i.e. it carries no '-'.
func IsCategory(streamID string) bool {
	return !strings.Contains(streamID, "-")
}

// Hash64 hashes value to a 64-bit signed integer via the first 8 bytes of
// its MD5 sum, big-endian. This matches the hashing scheme consumer-group
// clients in this ecosystem already depend on, so IsAssignedToConsumerMember
// partitions streams identically across implementations.
func Hash64(value string) int64 {
	sum := md5.Sum([]byte(value))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// IsAssignedToConsumerMember reports whether streamID should be processed
// by consumer member out of a group of size members, by hashing its
// CardinalID and taking it modulo size. A stream with no id portion (a bare
// category) is never assigned to any member.
func IsAssignedToConsumerMember(streamID string, member, size int64) bool {
	if size <= 0 || member < 0 || member >= size {
		return false
	}

	cardinalID := CardinalID(streamID)
	if cardinalID == "" {
		return false
	}

	hash := Hash64(cardinalID)
	if hash < 0 {
		hash = -hash
	}

	return (hash % size) == member
}
