// Package storagepg implements the streamstore Storage Driver over
// PostgreSQL using pgx/v5. It is grounded on the teacher's
// internal/store/postgres package: the same hand-rolled optimistic-version
// check and unique-constraint-error classification, adapted from a
// namespace-per-schema design down to the single messages table this spec
// calls for. Every committed Append/DeleteStream issues pg_notify on the
// same channel notifier_pgnotify.go LISTENs on, so the pg-notify notifier
// variant has a real signal to wait for.
package storagepg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	jsoniter "github.com/json-iterator/go"

	"github.com/streamstore/streamstore"
	"github.com/streamstore/streamstore/internal/migrate"
	"github.com/streamstore/streamstore/migrations"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// pgNotifyChannel must match notifier_pgnotify.go's unexported constant of
// the same name; it is re-declared here because the two packages must not
// import each other's internals, only the Driver/PGNotifyConn interfaces.
const pgNotifyChannel = "streamstore_messages"

// Driver implements streamstore.Driver over a pgxpool.Pool.
type Driver struct {
	pool *pgxpool.Pool
}

// New opens a pool for dsn and applies pending migrations using a temporary
// database/sql connection (the migrate package is driver-agnostic over
// database/sql, so migrations run through pgx's stdlib adapter once at
// startup rather than needing a second code path).
func New(ctx context.Context, dsn string) (*Driver, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storagepg: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storagepg: ping: %w", err)
	}

	if err := runMigrations(ctx, dsn); err != nil {
		pool.Close()
		return nil, err
	}

	return &Driver{pool: pool}, nil
}

// runMigrations opens a short-lived database/sql connection via pgx's
// stdlib adapter, since internal/migrate.Migrator is written against
// database/sql (shared with the SQLite driver) rather than pgx's native
// pool/Tx types.
func runMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("storagepg: open for migrate: %w", err)
	}
	defer db.Close()

	migrator := migrate.New(db, "postgres", migrations.PostgresFS).WithContext(ctx)
	return migrator.AutoMigrate()
}

func (d *Driver) Close() error {
	d.pool.Close()
	return nil
}

// Dialer returns a PGNotifyDialer (streamstore.PGNotifyDialer) that opens a
// dedicated, unpooled connection for LISTEN, as required by
// notifier_pgnotify.go: a pooled connection cannot be held across waits.
func Dialer(dsn string) streamstore.PGNotifyDialer {
	return func(ctx context.Context) (streamstore.PGNotifyConn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return &notifyConn{conn: conn}, nil
	}
}

// notifyConn adapts a *pgx.Conn to streamstore.PGNotifyConn.
type notifyConn struct {
	conn *pgx.Conn
}

func (c *notifyConn) Listen(ctx context.Context, channel string) error {
	_, err := c.conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize()))
	return err
}

func (c *notifyConn) WaitForNotification(ctx context.Context) error {
	_, err := c.conn.WaitForNotification(ctx)
	return err
}

func (c *notifyConn) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c *notifyConn) Close() error { return c.conn.Close(context.Background()) }

func currentVersion(ctx context.Context, tx pgx.Tx, streamID string) (int64, error) {
	var version *int64
	err := tx.QueryRow(ctx, `SELECT MAX(stream_version) FROM messages WHERE stream_id = $1`, streamID).Scan(&version)
	if err != nil {
		return 0, err
	}
	if version == nil {
		return -1, nil
	}
	return *version, nil
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
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return streamstore.AppendResult{}, err
	}
	defer tx.Rollback(ctx)

	current, err := currentVersion(ctx, tx, streamID)
	if err != nil {
		return streamstore.AppendResult{}, err
	}
	if !checkExpectedVersion(expectedVersion, current) {
		return streamstore.AppendResult{CurrentVersion: -9}, nil
	}

	var lastVersion int64
	for _, m := range messages {
		current++
		dataJSON, err := json.Marshal(m.Data)
		if err != nil {
			return streamstore.AppendResult{}, fmt.Errorf("storagepg: marshal data: %w", err)
		}
		var metaJSON []byte
		if m.Meta != nil {
			metaJSON, err = json.Marshal(m.Meta)
			if err != nil {
				return streamstore.AppendResult{}, fmt.Errorf("storagepg: marshal meta: %w", err)
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO messages (message_id, stream_id, type, stream_version, data, meta, created_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)
		`, m.MessageID, streamID, m.Type, current, string(dataJSON), nullableJSON(metaJSON), now)
		if err != nil {
			if tag, detail := classifyPGConflict(err, m.MessageID); tag != streamstore.ConflictNone {
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
	if err := tx.QueryRow(ctx, `SELECT MAX(global_position) FROM messages WHERE stream_id = $1`, streamID).Scan(&lastPos); err != nil {
		return streamstore.AppendResult{}, err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, '')`, pgNotifyChannel); err != nil {
		return streamstore.AppendResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return streamstore.AppendResult{}, err
	}

	return streamstore.AppendResult{
		CurrentVersion:  lastVersion,
		CurrentPosition: streamstore.Position(fmt.Sprint(lastPos)),
		MaxAge:          maxAge,
		MaxCount:        maxCount,
	}, nil
}

func nullableJSON(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

// classifyPGConflict maps a Postgres error to a ConflictTag by the exact
// constraint names the migration files declare (see spec.md's conflict
// classification table): message_message_id_key for a duplicate message id,
// message_stream_id_internal_stream_version_unique for a version race.
func classifyPGConflict(err error, messageID string) (streamstore.ConflictTag, string) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return streamstore.ConflictNone, ""
	}
	if pgErr.Code != "23505" {
		return streamstore.ConflictNone, ""
	}
	switch pgErr.ConstraintName {
	case "message_message_id_key":
		return streamstore.ConflictMessageID, messageID
	case "message_stream_id_internal_stream_version_unique":
		return streamstore.ConflictStreamVersion, ""
	default:
		return streamstore.ConflictNone, ""
	}
}

type metadataEnvelope struct {
	Metadata      map[string]interface{} `json:"metadata"`
	MaxAgeSeconds *float64                `json:"maxAgeSeconds,omitempty"`
	MaxCount      *int64                  `json:"maxCount,omitempty"`
}

func latestRetentionHints(ctx context.Context, tx pgx.Tx, metaStreamID string) (*time.Duration, *int64, error) {
	var dataStr *string
	err := tx.QueryRow(ctx, `
		SELECT data::text FROM messages
		WHERE stream_id = $1 AND type = $2
		ORDER BY stream_version DESC LIMIT 1
	`, metaStreamID, streamstore.MessageTypeStreamMetadata).Scan(&dataStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if dataStr == nil {
		return nil, nil, nil
	}
	var env metadataEnvelope
	if err := json.UnmarshalFromString(*dataStr, &env); err != nil {
		return nil, nil, fmt.Errorf("storagepg: unmarshal metadata: %w", err)
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
			SELECT message_id, type, stream_version, data::text, meta::text, created_at, global_position
			FROM messages WHERE stream_id = $1 AND stream_version >= $2
			ORDER BY stream_version ASC LIMIT $3
		`
	} else {
		query = `
			SELECT message_id, type, stream_version, data::text, meta::text, created_at, global_position
			FROM messages WHERE stream_id = $1 AND stream_version <= $2
			ORDER BY stream_version DESC LIMIT $3
		`
	}

	rows, err := d.pool.Query(ctx, query, streamID, fromInclusive, count+1)
	if err != nil {
		return streamstore.StreamReadResult{}, err
	}
	defer rows.Close()

	messages, err := scanMessages(rows, streamID)
	if err != nil {
		return streamstore.StreamReadResult{}, err
	}

	exists, version, position, err := streamInfo(ctx, d.pool, streamID)
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

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func streamInfo(ctx context.Context, q rowQuerier, streamID string) (exists bool, version int64, position streamstore.Position, err error) {
	var v *int64
	var p *int64
	err = q.QueryRow(ctx, `
		SELECT MAX(stream_version), MAX(global_position) FROM messages WHERE stream_id = $1
	`, streamID).Scan(&v, &p)
	if err != nil {
		return false, 0, "", err
	}
	if v == nil {
		return false, 0, "", nil
	}
	pos := int64(0)
	if p != nil {
		pos = *p
	}
	return true, *v, streamstore.Position(fmt.Sprint(pos)), nil
}

func scanMessages(rows pgx.Rows, streamID string) ([]streamstore.Message, error) {
	var out []streamstore.Message
	for rows.Next() {
		var (
			messageID, mType       string
			streamVersion          int64
			globalPosition         int64
			created                time.Time
			dataStr, metaStr       *string
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
			CreatedAt:     created,
		}
		if dataStr != nil {
			if err := json.UnmarshalFromString(*dataStr, &m.Data); err != nil {
				return nil, fmt.Errorf("storagepg: unmarshal data: %w", err)
			}
		}
		if metaStr != nil {
			if err := json.UnmarshalFromString(*metaStr, &m.Meta); err != nil {
				return nil, fmt.Errorf("storagepg: unmarshal meta: %w", err)
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
			SELECT message_id, type, stream_version, data::text, meta::text, created_at, global_position, stream_id
			FROM messages WHERE global_position >= $1
			ORDER BY global_position ASC LIMIT $2
		`
	} else {
		query = `
			SELECT message_id, type, stream_version, data::text, meta::text, created_at, global_position, stream_id
			FROM messages WHERE global_position <= $1
			ORDER BY global_position DESC LIMIT $2
		`
	}

	rows, err := d.pool.Query(ctx, query, from, count+1)
	if err != nil {
		return streamstore.AllReadResult{}, err
	}
	defer rows.Close()

	var out []streamstore.Message
	for rows.Next() {
		var (
			messageID, mType, sid string
			streamVersion         int64
			globalPosition        int64
			created               time.Time
			dataStr, metaStr      *string
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
			CreatedAt:     created,
		}
		if dataStr != nil {
			if err := json.UnmarshalFromString(*dataStr, &m.Data); err != nil {
				return streamstore.AllReadResult{}, fmt.Errorf("storagepg: unmarshal data: %w", err)
			}
		}
		if metaStr != nil {
			if err := json.UnmarshalFromString(*metaStr, &m.Meta); err != nil {
				return streamstore.AllReadResult{}, fmt.Errorf("storagepg: unmarshal meta: %w", err)
			}
		}
		out = append(out, m)
	}
	return streamstore.AllReadResult{Messages: out}, rows.Err()
}

// ReadHeadPosition implements streamstore.Driver.ReadHeadPosition.
func (d *Driver) ReadHeadPosition(ctx context.Context) (streamstore.Position, error) {
	var p *int64
	err := d.pool.QueryRow(ctx, `SELECT MAX(global_position) FROM messages`).Scan(&p)
	if err != nil {
		return "", err
	}
	if p == nil {
		return streamstore.PositionStart, nil
	}
	return streamstore.Position(fmt.Sprint(*p)), nil
}

// DeleteStream implements streamstore.Driver.DeleteStream.
func (d *Driver) DeleteStream(ctx context.Context, streamID string, expectedVersion streamstore.ExpectedVersion, now time.Time) error {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	current, err := currentVersion(ctx, tx, streamID)
	if err != nil {
		return err
	}
	if !checkExpectedVersion(expectedVersion, current) {
		return &streamstore.DriverConflictError{Tag: streamstore.ConflictStreamVersion}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE stream_id = $1`, streamID); err != nil {
		return err
	}

	deletedVersion, err := currentVersion(ctx, tx, streamstore.StreamDeleted)
	if err != nil {
		return err
	}
	dataJSON, _ := json.Marshal(map[string]interface{}{"streamId": streamID})
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (message_id, stream_id, type, stream_version, data, meta, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, NULL, $6)
	`, newOperationID(), streamstore.StreamDeleted, streamstore.MessageTypeStreamDeleted, deletedVersion+1, string(dataJSON), now)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, '')`, pgNotifyChannel); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// DeleteMessage implements streamstore.Driver.DeleteMessage.
func (d *Driver) DeleteMessage(ctx context.Context, streamID, messageID string) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM messages WHERE stream_id = $1 AND message_id = $2`, streamID, messageID)
	return err
}

// SetMetadata implements streamstore.Driver.SetMetadata.
func (d *Driver) SetMetadata(ctx context.Context, metaStreamID string, expectedVersion streamstore.ExpectedVersion, metadata map[string]interface{}, maxAge *time.Duration, maxCount *int64, now time.Time) (int64, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

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
		return 0, fmt.Errorf("storagepg: marshal metadata: %w", err)
	}

	version := current + 1
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (message_id, stream_id, type, stream_version, data, meta, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, NULL, $6)
	`, newOperationID(), metaStreamID, streamstore.MessageTypeStreamMetadata, version, string(dataJSON), now)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return version, nil
}

// GetMetadata implements streamstore.Driver.GetMetadata.
func (d *Driver) GetMetadata(ctx context.Context, metaStreamID string) (map[string]interface{}, int64, *time.Duration, *int64, bool, error) {
	var dataStr *string
	var version int64
	err := d.pool.QueryRow(ctx, `
		SELECT data::text, stream_version FROM messages
		WHERE stream_id = $1 AND type = $2
		ORDER BY stream_version DESC LIMIT 1
	`, metaStreamID, streamstore.MessageTypeStreamMetadata).Scan(&dataStr, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, nil, nil, false, nil
	}
	if err != nil {
		return nil, 0, nil, nil, false, err
	}

	var env metadataEnvelope
	if dataStr != nil {
		if err := json.UnmarshalFromString(*dataStr, &env); err != nil {
			return nil, 0, nil, nil, false, fmt.Errorf("storagepg: unmarshal metadata: %w", err)
		}
	}
	var maxAge *time.Duration
	if env.MaxAgeSeconds != nil {
		dur := time.Duration(*env.MaxAgeSeconds * float64(time.Second))
		maxAge = &dur
	}
	return env.Metadata, version, maxAge, env.MaxCount, true, nil
}

// newOperationID mints a message id for driver-internal operational rows
// ($streamDeleted, $streamMetadata) that the caller did not supply one for.
func newOperationID() string {
	return uuid.New().String()
}
