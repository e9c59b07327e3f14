// Package snapshot exports and imports a store's message log as a
// zstd-compressed JSONL stream. Grounded on the teacher's
// cmd/eventodb/export.go and import.go: one JSON record per line, paginated
// reads, progress logging to stderr. Unlike the teacher's HTTP-client-driven
// export (which talks to a running server over RPC), this one reads
// directly off a *streamstore.Store, since the whole point of this package
// is to be embeddable in cmd/streamstore rather than a separate network
// hop.
//
// Import replays records through the normal AppendToStream path rather than
// reproducing the original global positions verbatim: positions are an
// implementation detail of the destination store, not a portable identifier,
// so a faithful per-stream replay (preserving stream order and message ids)
// is what import promises.
package snapshot

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	jsoniter "github.com/json-iterator/go"

	"github.com/streamstore/streamstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// record is the JSONL line shape, one per exported message.
type record struct {
	StreamID      string                 `json:"streamId"`
	MessageID     string                 `json:"messageId"`
	Type          string                 `json:"type"`
	StreamVersion int64                  `json:"streamVersion"`
	Position      string                 `json:"position"`
	Data          map[string]interface{} `json:"data"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
}

// pageSize bounds each ReadAll call during export.
const pageSize = 1000

// Export walks the store's global all-view from the beginning and writes
// every message as a zstd-compressed JSONL stream to w. progress, if
// non-nil, is called after each page with the running total.
func Export(ctx context.Context, store *streamstore.Store, w io.Writer, progress func(exported int64)) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("snapshot: open zstd writer: %w", err)
	}
	defer zw.Close()

	bw := bufio.NewWriter(zw)
	defer bw.Flush()

	var exported int64
	from := streamstore.PositionStart
	for {
		page, err := store.ReadAll(ctx, from, pageSize, streamstore.Forward)
		if err != nil {
			return fmt.Errorf("snapshot: read all at %s: %w", from, err)
		}
		if len(page.Messages) == 0 {
			break
		}

		for _, m := range page.Messages {
			rec := record{
				StreamID:      m.StreamID,
				MessageID:     m.MessageID,
				Type:          m.Type,
				StreamVersion: m.StreamVersion,
				Position:      string(m.Position),
				Data:          m.Data,
				Meta:          m.Meta,
			}
			line, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("snapshot: marshal record: %w", err)
			}
			if _, err := bw.Write(line); err != nil {
				return err
			}
			if err := bw.WriteByte('\n'); err != nil {
				return err
			}
			exported++
		}

		if progress != nil {
			progress(exported)
		}

		if page.IsEnd {
			break
		}
		from = page.NextPosition
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	return zw.Close()
}

// Import reads a zstd-compressed JSONL stream written by Export and replays
// each record's stream onto store via AppendToStream, preserving per-stream
// ordering (records for the same stream appear, and are applied, in
// original-append order) and message ids, but assigning fresh global
// positions and stream versions local to the destination store.
func Import(ctx context.Context, store *streamstore.Store, r io.Reader, progress func(imported int64)) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("snapshot: open zstd reader: %w", err)
	}
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var imported int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("snapshot: unmarshal record %d: %w", imported+1, err)
		}

		if streamstore.IsOperational(rec.StreamID) {
			continue // operational streams are rebuilt by the store itself
		}

		_, err := store.AppendToStream(ctx, rec.StreamID, streamstore.ExpectedVersionAny, []streamstore.Message{
			{MessageID: rec.MessageID, Type: rec.Type, Data: rec.Data, Meta: rec.Meta},
		})
		if err != nil {
			return fmt.Errorf("snapshot: append record %d to stream %s: %w", imported+1, rec.StreamID, err)
		}
		imported++

		if progress != nil && imported%pageSize == 0 {
			progress(imported)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("snapshot: scan: %w", err)
	}
	if progress != nil {
		progress(imported)
	}
	return nil
}
