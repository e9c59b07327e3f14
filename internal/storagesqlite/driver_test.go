package storagesqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/streamstore/streamstore"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	d, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestAppendAndReadStreamMessages(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	msgs := []streamstore.Message{
		{MessageID: uuid.New().String(), Type: "Opened", Data: map[string]interface{}{"n": 1}},
		{MessageID: uuid.New().String(), Type: "Touched", Data: map[string]interface{}{"n": 2}},
	}
	res, err := d.Append(ctx, "account-1", streamstore.MetadataStreamID("account-1"), streamstore.ExpectedVersionEmpty, time.Now(), msgs)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.CurrentVersion)

	read, err := d.ReadStreamMessages(ctx, "account-1", 0, 10, streamstore.Forward)
	require.NoError(t, err)
	require.True(t, read.Exists)
	require.Len(t, read.Messages, 2)
	require.Equal(t, "Opened", read.Messages[0].Type)
	require.Equal(t, int64(1), read.Messages[1].StreamVersion)
	require.Equal(t, float64(2), read.Messages[1].Data["n"])
}

func TestReadStreamMessagesNotFound(t *testing.T) {
	d := newTestDriver(t)
	res, err := d.ReadStreamMessages(context.Background(), "nope", 0, 10, streamstore.Forward)
	require.NoError(t, err)
	require.False(t, res.Exists)
}

func TestAppendVersionConflictSentinel(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	_, err := d.Append(ctx, "account-2", streamstore.MetadataStreamID("account-2"), streamstore.ExpectedVersionEmpty, time.Now(),
		[]streamstore.Message{{MessageID: uuid.New().String(), Type: "Opened", Data: map[string]interface{}{}}})
	require.NoError(t, err)

	// ExpectedVersionEmpty is wrong now that the stream is at version 0 with one message appended above.
	res, err := d.Append(ctx, "account-2", streamstore.MetadataStreamID("account-2"), streamstore.ExpectedVersionEmpty, time.Now(),
		[]streamstore.Message{{MessageID: uuid.New().String(), Type: "Touched", Data: map[string]interface{}{}}})
	require.NoError(t, err)
	require.Equal(t, int64(-9), res.CurrentVersion, "re-using ExpectedVersionEmpty against an existing stream must report the conflict sentinel")
}

func TestAppendRejectsDuplicateMessageID(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	dup := uuid.New().String()
	_, err := d.Append(ctx, "account-3", streamstore.MetadataStreamID("account-3"), streamstore.ExpectedVersionAny, time.Now(),
		[]streamstore.Message{{MessageID: dup, Type: "Opened", Data: map[string]interface{}{}}})
	require.NoError(t, err)

	_, err = d.Append(ctx, "account-4", streamstore.MetadataStreamID("account-4"), streamstore.ExpectedVersionAny, time.Now(),
		[]streamstore.Message{{MessageID: dup, Type: "Opened", Data: map[string]interface{}{}}})
	require.Error(t, err)

	var conflict *streamstore.DriverConflictError
	require.True(t, errors.As(err, &conflict), "expected a *DriverConflictError, got %T: %v", err, err)
	require.Equal(t, streamstore.ConflictMessageID, conflict.Tag)
	require.Equal(t, dup, conflict.DetailID)
}

func TestClassifySQLiteConflict(t *testing.T) {
	messageID := errors.New("UNIQUE constraint failed: messages.message_id")
	tag, detail := classifySQLiteConflict(messageID, "the-id")
	require.Equal(t, streamstore.ConflictMessageID, tag)
	require.Equal(t, "the-id", detail)

	streamVersion := errors.New("UNIQUE constraint failed: messages.stream_id, messages.stream_version")
	tag, _ = classifySQLiteConflict(streamVersion, "the-id")
	require.Equal(t, streamstore.ConflictStreamVersion, tag)

	other := errors.New("no such table: messages")
	tag, _ = classifySQLiteConflict(other, "the-id")
	require.Equal(t, streamstore.ConflictNone, tag)
}

func TestMetadataRoundTrip(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	metaStreamID := streamstore.MetadataStreamID("account-5")

	maxAge := 30 * time.Second
	maxCount := int64(100)
	version, err := d.SetMetadata(ctx, metaStreamID, streamstore.ExpectedVersionAny,
		map[string]interface{}{"owner": "alice"}, &maxAge, &maxCount, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(0), version)

	metadata, metaVersion, gotMaxAge, gotMaxCount, ok, err := d.GetMetadata(ctx, metaStreamID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(0), metaVersion)
	require.Equal(t, "alice", metadata["owner"])
	require.NotNil(t, gotMaxAge)
	require.Equal(t, maxAge, *gotMaxAge)
	require.NotNil(t, gotMaxCount)
	require.Equal(t, maxCount, *gotMaxCount)
}

func TestGetMetadataMissing(t *testing.T) {
	d := newTestDriver(t)
	_, _, _, _, ok, err := d.GetMetadata(context.Background(), streamstore.MetadataStreamID("never-set"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteStreamAppendsDeletionRecord(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	_, err := d.Append(ctx, "account-6", streamstore.MetadataStreamID("account-6"), streamstore.ExpectedVersionEmpty, time.Now(),
		[]streamstore.Message{{MessageID: uuid.New().String(), Type: "Opened", Data: map[string]interface{}{}}})
	require.NoError(t, err)

	require.NoError(t, d.DeleteStream(ctx, "account-6", streamstore.ExpectedVersionAny, time.Now()))

	res, err := d.ReadStreamMessages(ctx, "account-6", 0, 10, streamstore.Forward)
	require.NoError(t, err)
	require.False(t, res.Exists, "deleted stream must no longer exist")

	deleted, err := d.ReadStreamMessages(ctx, streamstore.StreamDeleted, 0, 10, streamstore.Forward)
	require.NoError(t, err)
	require.True(t, deleted.Exists)
	require.Equal(t, streamstore.MessageTypeStreamDeleted, deleted.Messages[0].Type)
	require.Equal(t, "account-6", deleted.Messages[0].Data["streamId"])
}

func TestDeleteMessage(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	redacted := uuid.New().String()
	_, err := d.Append(ctx, "account-7", streamstore.MetadataStreamID("account-7"), streamstore.ExpectedVersionEmpty, time.Now(),
		[]streamstore.Message{
			{MessageID: redacted, Type: "Opened", Data: map[string]interface{}{}},
			{MessageID: uuid.New().String(), Type: "Touched", Data: map[string]interface{}{}},
		})
	require.NoError(t, err)

	require.NoError(t, d.DeleteMessage(ctx, "account-7", redacted))

	res, err := d.ReadStreamMessages(ctx, "account-7", 0, 10, streamstore.Forward)
	require.NoError(t, err)
	require.True(t, res.Exists)
	require.Len(t, res.Messages, 1)
	require.Equal(t, "Touched", res.Messages[0].Type)
}

func TestReadAllMessagesAndHeadPosition(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	for _, streamID := range []string{"account-8", "account-9"} {
		_, err := d.Append(ctx, streamID, streamstore.MetadataStreamID(streamID), streamstore.ExpectedVersionEmpty, time.Now(),
			[]streamstore.Message{{MessageID: uuid.New().String(), Type: "Opened", Data: map[string]interface{}{}}})
		require.NoError(t, err)
	}

	all, err := d.ReadAllMessages(ctx, streamstore.PositionStart, 100, streamstore.Forward)
	require.NoError(t, err)
	require.Len(t, all.Messages, 2)

	head, err := d.ReadHeadPosition(ctx)
	require.NoError(t, err)
	require.Equal(t, all.Messages[len(all.Messages)-1].Position, head)
}
