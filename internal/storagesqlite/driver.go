// Package storagesqlite implements the streamstore Storage Driver over
// SQLite, using modernc.org/sqlite's pure-Go driver. It is grounded on the
// teacher's internal/store/sqlite package: one connection, WAL mode, a
// single writer, and a hand-written optimistic-version check in place of a
// stored procedure (SQLite has none).
package storagesqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/streamstore/streamstore"
	"github.com/streamstore/streamstore/internal/migrate"
	"github.com/streamstore/streamstore/migrations"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Driver implements streamstore.Driver over a single SQLite database file
// (or in-memory database, for tests). Per the teacher's namespaceHandle
// convention, the pool is capped to one open connection: SQLite serializes
// writers anyway, and this avoids "database is locked" churn under
// concurrent Append calls competing for the same file.
type Driver struct {
	db *sql.DB
}

// New opens dsn (a database/sql data source name understood by
// modernc.org/sqlite) and applies pending migrations.
func New(dsn string) (*Driver, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storagesqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storagesqlite: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storagesqlite: set busy_timeout: %w", err)
	}

	migrator := migrate.New(db, "sqlite", migrations.SQLiteFS)
	if err := migrator.AutoMigrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storagesqlite: migrate: %w", err)
	}

	return &Driver{db: db}, nil
}

func (d *Driver) Close() error { return d.db.Close() }

func currentVersion(ctx context.Context, q queryer, streamID string) (int64, error) {
	var version sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(stream_version) FROM messages WHERE stream_id = ?`, streamID).Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return -1, nil
	}
	return version.Int64, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func checkExpectedVersion(expected streamstore.ExpectedVersion, current int64) bool {
	switch expected {
	case streamstore.ExpectedVersionAny:
		return true
	case streamstore.ExpectedVersionEmpty:
		return current == -1
	default:
		return int64(expected) == current
	}
}

// Append implements streamstore.Driver.Append.
func (d *Driver) Append(ctx context.Context, streamID, metaStreamID string, expectedVersion streamstore.ExpectedVersion, now time.Time, messages []streamstore.Message) (streamstore.AppendResult, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return streamstore.AppendResult{}, err
	}
	defer tx.Rollback()

	current, err := currentVersion(ctx, tx, streamID)
	if err != nil {
		return streamstore.AppendResult{}, err
	}
	if !checkExpectedVersion(expectedVersion, current) {
		return streamstore.AppendResult{CurrentVersion: -9}, nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (message_id, stream_id, type, stream_version, data, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return streamstore.AppendResult{}, err
	}
	defer stmt.Close()

	var lastVersion int64
	for _, m := range messages {
		current++
		dataJSON, err := json.Marshal(m.Data)
		if err != nil {
			return streamstore.AppendResult{}, fmt.Errorf("storagesqlite: marshal data: %w", err)
		}
		var metaJSON []byte
		if m.Meta != nil {
			metaJSON, err = json.Marshal(m.Meta)
			if err != nil {
				return streamstore.AppendResult{}, fmt.Errorf("storagesqlite: marshal meta: %w", err)
			}
		}

		_, err = stmt.ExecContext(ctx, m.MessageID, streamID, m.Type, current, string(dataJSON), string(metaJSON), now.UnixNano())
		if err != nil {
			if tag, detail := classifySQLiteConflict(err, m.MessageID); tag != streamstore.ConflictNone {
				return streamstore.AppendResult{}, &streamstore.DriverConflictError{Tag: tag, DetailID: detail, Err: err}
			}
			return streamstore.AppendResult{}, err
		}
		lastVersion = current
	}

	maxAge, maxCount, err := latestRetentionHints(ctx, tx, metaStreamID)
	if err != nil {
		return streamstore.AppendResult{}, err
	}

	var lastPos int64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(global_position) FROM messages WHERE stream_id = ?`, streamID).Scan(&lastPos); err != nil {
		return streamstore.AppendResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return streamstore.AppendResult{}, err
	}

	return streamstore.AppendResult{
		CurrentVersion:  lastVersion,
		CurrentPosition: streamstore.Position(fmt.Sprint(lastPos)),
		MaxAge:          maxAge,
		MaxCount:        maxCount,
	}, nil
}

// classifySQLiteConflict maps modernc.org/sqlite's unique-constraint error
// text to a ConflictTag. SQLite reports the offending columns directly
// rather than a constraint name, so matching is on column names.
func classifySQLiteConflict(err error, messageID string) (streamstore.ConflictTag, string) {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return streamstore.ConflictNone, ""
	}
	if strings.Contains(msg, "messages.message_id") {
		return streamstore.ConflictMessageID, messageID
	}
	if strings.Contains(msg, "messages.stream_id") {
		return streamstore.ConflictStreamVersion, ""
	}
	return streamstore.ConflictNone, ""
}

func latestRetentionHints(ctx context.Context, q queryer, metaStreamID string) (*time.Duration, *int64, error) {
	var dataStr sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT data FROM messages
		WHERE stream_id = ? AND type = ?
		ORDER BY stream_version DESC LIMIT 1
	`, metaStreamID, streamstore.MessageTypeStreamMetadata).Scan(&dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return parseRetentionHints(dataStr.String)
}

type metadataEnvelope struct {
	Metadata      map[string]interface{} `json:"metadata"`
	MaxAgeSeconds *float64                `json:"maxAgeSeconds,omitempty"`
	MaxCount      *int64                  `json:"maxCount,omitempty"`
}

func parseRetentionHints(data string) (*time.Duration, *int64, error) {
	if data == "" {
		return nil, nil, nil
	}
	var env metadataEnvelope
	if err := json.UnmarshalFromString(data, &env); err != nil {
		return nil, nil, fmt.Errorf("storagesqlite: unmarshal metadata: %w", err)
	}
	var maxAge *time.Duration
	if env.MaxAgeSeconds != nil {
		d := time.Duration(*env.MaxAgeSeconds * float64(time.Second))
		maxAge = &d
	}
	return maxAge, env.MaxCount, nil
}

// ReadStreamMessages implements streamstore.Driver.ReadStreamMessages.
func (d *Driver) ReadStreamMessages(ctx context.Context, streamID string, fromInclusive int64, count int64, dir streamstore.Direction) (streamstore.StreamReadResult, error) {
	var query string
	if dir == streamstore.Forward {
		query = `
			SELECT message_id, type, stream_version, data, meta, created_at, global_position
			FROM messages WHERE stream_id = ? AND stream_version >= ?
			ORDER BY stream_version ASC LIMIT ?
		`
	} else {
		query = `
			SELECT message_id, type, stream_version, data, meta, created_at, global_position
			FROM messages WHERE stream_id = ? AND stream_version <= ?
			ORDER BY stream_version DESC LIMIT ?
		`
	}

	rows, err := d.db.QueryContext(ctx, query, streamID, fromInclusive, count+1)
	if err != nil {
		return streamstore.StreamReadResult{}, err
	}
	defer rows.Close()

	messages, err := scanMessages(rows, streamID)
	if err != nil {
		return streamstore.StreamReadResult{}, err
	}

	exists, version, position, err := streamInfo(ctx, d.db, streamID)
	if err != nil {
		return streamstore.StreamReadResult{}, err
	}
	if !exists {
		return streamstore.StreamReadResult{Exists: false}, nil
	}

	return streamstore.StreamReadResult{
		Messages: messages,
		Exists:   true,
		Info: streamstore.StreamInfo{
			ID:            streamID,
			StreamVersion: version,
			Position:      position,
		},
	}, nil
}

func streamInfo(ctx context.Context, q queryer, streamID string) (exists bool, version int64, position streamstore.Position, err error) {
	var v sql.NullInt64
	var p sql.NullInt64
	err = q.QueryRowContext(ctx, `
		SELECT MAX(stream_version), MAX(global_position) FROM messages WHERE stream_id = ?
	`, streamID).Scan(&v, &p)
	if err != nil {
		return false, 0, "", err
	}
	if !v.Valid {
		return false, 0, "", nil
	}
	return true, v.Int64, streamstore.Position(fmt.Sprint(p.Int64)), nil
}

func scanMessages(rows *sql.Rows, streamID string) ([]streamstore.Message, error) {
	var out []streamstore.Message
	for rows.Next() {
		var (
			messageID, mType       string
			streamVersion, created int64
			globalPosition         int64
			dataStr, metaStr       sql.NullString
		)
		if err := rows.Scan(&messageID, &mType, &streamVersion, &dataStr, &metaStr, &created, &globalPosition); err != nil {
			return nil, err
		}
		m := streamstore.Message{
			StreamID:      streamID,
			MessageID:     messageID,
			Type:          mType,
			StreamVersion: streamVersion,
			Position:      streamstore.Position(fmt.Sprint(globalPosition)),
			CreatedAt:     time.Unix(0, created).UTC(),
		}
		if dataStr.Valid && dataStr.String != "" {
			if err := json.UnmarshalFromString(dataStr.String, &m.Data); err != nil {
				return nil, fmt.Errorf("storagesqlite: unmarshal data: %w", err)
			}
		}
		if metaStr.Valid && metaStr.String != "" {
			if err := json.UnmarshalFromString(metaStr.String, &m.Meta); err != nil {
				return nil, fmt.Errorf("storagesqlite: unmarshal meta: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReadAllMessages implements streamstore.Driver.ReadAllMessages.
func (d *Driver) ReadAllMessages(ctx context.Context, fromPosition streamstore.Position, count int64, dir streamstore.Direction) (streamstore.AllReadResult, error) {
	from, ok := fromPosition.Int64()
	if !ok {
		return streamstore.AllReadResult{}, nil
	}

	var query string
	if dir == streamstore.Forward {
		query = `
			SELECT message_id, type, stream_version, data, meta, created_at, global_position, stream_id
			FROM messages WHERE global_position >= ?
			ORDER BY global_position ASC LIMIT ?
		`
	} else {
		query = `
			SELECT message_id, type, stream_version, data, meta, created_at, global_position, stream_id
			FROM messages WHERE global_position <= ?
			ORDER BY global_position DESC LIMIT ?
		`
	}

	rows, err := d.db.QueryContext(ctx, query, from, count+1)
	if err != nil {
		return streamstore.AllReadResult{}, err
	}
	defer rows.Close()

	var out []streamstore.Message
	for rows.Next() {
		var (
			messageID, mType, sid  string
			streamVersion, created int64
			globalPosition         int64
			dataStr, metaStr       sql.NullString
		)
		if err := rows.Scan(&messageID, &mType, &streamVersion, &dataStr, &metaStr, &created, &globalPosition, &sid); err != nil {
			return streamstore.AllReadResult{}, err
		}
		m := streamstore.Message{
			StreamID:      sid,
			MessageID:     messageID,
			Type:          mType,
			StreamVersion: streamVersion,
			Position:      streamstore.Position(fmt.Sprint(globalPosition)),
			CreatedAt:     time.Unix(0, created).UTC(),
		}
		if dataStr.Valid && dataStr.String != "" {
			if err := json.UnmarshalFromString(dataStr.String, &m.Data); err != nil {
				return streamstore.AllReadResult{}, fmt.Errorf("storagesqlite: unmarshal data: %w", err)
			}
		}
		if metaStr.Valid && metaStr.String != "" {
			if err := json.UnmarshalFromString(metaStr.String, &m.Meta); err != nil {
				return streamstore.AllReadResult{}, fmt.Errorf("storagesqlite: unmarshal meta: %w", err)
			}
		}
		out = append(out, m)
	}
	return streamstore.AllReadResult{Messages: out}, rows.Err()
}

// ReadHeadPosition implements streamstore.Driver.ReadHeadPosition.
func (d *Driver) ReadHeadPosition(ctx context.Context) (streamstore.Position, error) {
	var p sql.NullInt64
	err := d.db.QueryRowContext(ctx, `SELECT MAX(global_position) FROM messages`).Scan(&p)
	if err != nil {
		return "", err
	}
	if !p.Valid {
		return streamstore.PositionStart, nil
	}
	return streamstore.Position(fmt.Sprint(p.Int64)), nil
}

// DeleteStream implements streamstore.Driver.DeleteStream.
func (d *Driver) DeleteStream(ctx context.Context, streamID string, expectedVersion streamstore.ExpectedVersion, now time.Time) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := currentVersion(ctx, tx, streamID)
	if err != nil {
		return err
	}
	if !checkExpectedVersion(expectedVersion, current) {
		return &streamstore.DriverConflictError{Tag: streamstore.ConflictStreamVersion}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE stream_id = ?`, streamID); err != nil {
		return err
	}

	deletedVersion, err := currentVersion(ctx, tx, streamstore.StreamDeleted)
	if err != nil {
		return err
	}
	dataJSON, _ := json.Marshal(map[string]interface{}{"streamId": streamID})
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, stream_id, type, stream_version, data, meta, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)
	`, newDeletionID(), streamstore.StreamDeleted, streamstore.MessageTypeStreamDeleted, deletedVersion+1, string(dataJSON), now.UnixNano())
	if err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteMessage implements streamstore.Driver.DeleteMessage.
func (d *Driver) DeleteMessage(ctx context.Context, streamID, messageID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM messages WHERE stream_id = ? AND message_id = ?`, streamID, messageID)
	return err
}

// SetMetadata implements streamstore.Driver.SetMetadata.
func (d *Driver) SetMetadata(ctx context.Context, metaStreamID string, expectedVersion streamstore.ExpectedVersion, metadata map[string]interface{}, maxAge *time.Duration, maxCount *int64, now time.Time) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	current, err := currentVersion(ctx, tx, metaStreamID)
	if err != nil {
		return 0, err
	}
	if !checkExpectedVersion(expectedVersion, current) {
		return 0, &streamstore.DriverConflictError{Tag: streamstore.ConflictStreamVersion}
	}

	env := metadataEnvelope{Metadata: metadata, MaxCount: maxCount}
	if maxAge != nil {
		seconds := maxAge.Seconds()
		env.MaxAgeSeconds = &seconds
	}
	dataJSON, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("storagesqlite: marshal metadata: %w", err)
	}

	version := current + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, stream_id, type, stream_version, data, meta, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)
	`, newDeletionID(), metaStreamID, streamstore.MessageTypeStreamMetadata, version, string(dataJSON), now.UnixNano())
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// GetMetadata implements streamstore.Driver.GetMetadata.
func (d *Driver) GetMetadata(ctx context.Context, metaStreamID string) (map[string]interface{}, int64, *time.Duration, *int64, bool, error) {
	var dataStr sql.NullString
	var version int64
	err := d.db.QueryRowContext(ctx, `
		SELECT data, stream_version FROM messages
		WHERE stream_id = ? AND type = ?
		ORDER BY stream_version DESC LIMIT 1
	`, metaStreamID, streamstore.MessageTypeStreamMetadata).Scan(&dataStr, &version)
	if err == sql.ErrNoRows {
		return nil, 0, nil, nil, false, nil
	}
	if err != nil {
		return nil, 0, nil, nil, false, err
	}

	var env metadataEnvelope
	if dataStr.Valid && dataStr.String != "" {
		if err := json.UnmarshalFromString(dataStr.String, &env); err != nil {
			return nil, 0, nil, nil, false, fmt.Errorf("storagesqlite: unmarshal metadata: %w", err)
		}
	}
	var maxAge *time.Duration
	if env.MaxAgeSeconds != nil {
		dur := time.Duration(*env.MaxAgeSeconds * float64(time.Second))
		maxAge = &dur
	}
	return env.Metadata, version, maxAge, env.MaxCount, true, nil
}

// newDeletionID mints a message id for driver-internal operational rows
// ($streamDeleted, $streamMetadata) that the caller did not supply one for.
func newDeletionID() string {
	return uuid.New().String()
}
