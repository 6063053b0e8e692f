package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"eduloom/cmd/identity/ids"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// The caller owns the pgx pool; Close is a no-op.
//
// Writes take a per-room transactional advisory lock, so duplicates never
// consume a seq and seq is strictly monotonic under concurrency.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "eduloom").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "eduloom",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the schema and tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	rooms := pgIdent(s.schema, "chat_rooms")
	cursors := pgIdent(s.schema, "chat_room_cursors")
	messages := pgIdent(s.schema, "chat_messages")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + rooms + ` (
			id         TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + cursors + ` (
			room_id    TEXT PRIMARY KEY REFERENCES ` + rooms + ` (id) ON DELETE CASCADE,
			next_seq   BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
			room_id        TEXT NOT NULL REFERENCES ` + rooms + ` (id) ON DELETE CASCADE,
			seq            BIGINT NOT NULL,
			persisted_id   CHAR(26) NOT NULL UNIQUE,
			correlation_id TEXT NOT NULL,
			sender         TEXT NOT NULL,
			body           TEXT NOT NULL,
			sent_at        TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (room_id, seq),
			UNIQUE (room_id, correlation_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("realtime: migrate: %w", err)
		}
	}
	return nil
}

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("realtime: nil store")
	}
	if err := in.validate(); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rooms := pgIdent(s.schema, "chat_rooms")
	cursors := pgIdent(s.schema, "chat_room_cursors")
	messages := pgIdent(s.schema, "chat_messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+rooms+` (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		in.RoomID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	existing, err := readMessageByCorrelationID(ctx, tx, messages, in.RoomID, in.CorrelationID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendMessageResult{}, err
		}
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (room_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (room_id) DO NOTHING`,
		in.RoomID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE room_id = $1
		RETURNING (next_seq - 1)`,
		in.RoomID,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, err
	}

	persistedID, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     room_id, seq, persisted_id, correlation_id, sender, body, sent_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.RoomID, seq, persistedID, in.CorrelationID, in.Sender, in.Body, now,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: StoredMessage{
		RoomID:        in.RoomID,
		CorrelationID: in.CorrelationID,
		PersistedID:   persistedID,
		Seq:           seq,
		Sender:        in.Sender,
		Body:          in.Body,
		SentAt:        now,
	}}, nil
}

// FetchRecent returns the newest messages of a room in seq ASC order.
func (s *PostgresStore) FetchRecent(ctx context.Context, in FetchRecentInput) (FetchRecentResult, error) {
	if s == nil || s.pool == nil {
		return FetchRecentResult{}, errors.New("realtime: nil store")
	}
	if in.RoomID == "" {
		return FetchRecentResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchRecentResult{}, err
	}

	limit := in.limit()
	fetch := limit + 1
	before := in.BeforeSeq
	if before <= 0 {
		before = 1<<63 - 1
	}

	messages := pgIdent(s.schema, "chat_messages")
	rows, err := s.pool.Query(ctx,
		`SELECT room_id, correlation_id, persisted_id, seq, sender, body, sent_at
		   FROM `+messages+`
		  WHERE room_id = $1 AND seq < $2
		  ORDER BY seq DESC
		  LIMIT $3`,
		in.RoomID, before, fetch,
	)
	if err != nil {
		return FetchRecentResult{}, err
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, fetch)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.RoomID, &m.CorrelationID, &m.PersistedID, &m.Seq, &m.Sender, &m.Body, &m.SentAt); err != nil {
			return FetchRecentResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchRecentResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return FetchRecentResult{Messages: msgs, HasMore: hasMore}, nil
}

func readMessageByCorrelationID(ctx context.Context, tx pgx.Tx, messagesTable, roomID, correlationID string) (StoredMessage, error) {
	var m StoredMessage
	err := tx.QueryRow(ctx,
		`SELECT room_id, correlation_id, persisted_id, seq, sender, body, sent_at
		   FROM `+messagesTable+`
		  WHERE room_id = $1 AND correlation_id = $2`,
		roomID, correlationID,
	).Scan(&m.RoomID, &m.CorrelationID, &m.PersistedID, &m.Seq, &m.Sender, &m.Body, &m.SentAt)
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
