package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Insert takes a per-conversation transactional advisory lock so seq
//     allocation is strictly monotonic with no gaps under concurrent sends.
//   - MarkRead / MarkConversationRead / SoftDelete are single conditional
//     updates guarded by the flag's current value; concurrent callers produce
//     exactly one transition.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "slate").
// The schema name is safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "slate",
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, conversation_id, seq, sender, recipient, content, msg_type,
	attachments, is_read, read_at, reply_to, is_deleted, deleted_at, deleted_by,
	created_at, updated_at`

// Insert persists a message with monotonic per-conversation seq allocation.
func (s *PostgresStore) Insert(ctx context.Context, m Message) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if m.ID == "" || m.ConversationID == "" || m.Sender == "" || m.Recipient == "" {
		return Message{}, ErrInvalidInput
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return Message{}, ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	attachments, err := json.Marshal(attachmentsOrEmpty(m.Attachments))
	if err != nil {
		return Message{}, fmt.Errorf("marshal attachments: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize writes per conversation: seq allocation stays strictly
	// monotonic and read-back order equals commit order.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, m.ConversationID); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		m.ConversationID,
	); err != nil {
		return Message{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		m.ConversationID,
	).Scan(&seq); err != nil {
		return Message{}, err
	}
	m.Seq = seq

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, seq, sender, recipient, content, msg_type,
		     attachments, is_read, read_at, reply_to, is_deleted, deleted_at, deleted_by,
		     created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, NULL, $9, FALSE, NULL, NULL, $10, $11)`,
		m.ID, m.ConversationID, m.Seq, m.Sender, m.Recipient, m.Content, string(m.Type),
		attachments, nullableText(m.ReplyTo), m.CreatedAt, m.UpdatedAt,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Get returns a message by id, excluding soft-deleted rows.
func (s *PostgresStore) Get(ctx context.Context, messageID string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if messageID == "" {
		return Message{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE id = $1 AND is_deleted = FALSE`,
		messageID,
	)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	return m, nil
}

// MarkRead flips isRead with a single conditional update; on zero rows a
// classifying select distinguishes not-found, unauthorized, and already-read.
func (s *PostgresStore) MarkRead(ctx context.Context, in MarkReadInput) (MarkReadResult, error) {
	if s == nil || s.pool == nil {
		return MarkReadResult{}, errors.New("chat: nil store")
	}
	if in.MessageID == "" || in.ReaderID == "" {
		return MarkReadResult{}, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	if err := ctx.Err(); err != nil {
		return MarkReadResult{}, err
	}

	messages := pgIdent(s.schema, "messages")

	var out MarkReadResult
	err := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET is_read = TRUE,
		        read_at = $2,
		        updated_at = $2
		  WHERE id = $1
		    AND recipient = $3
		    AND is_read = FALSE
		    AND is_deleted = FALSE
		RETURNING sender, conversation_id`,
		in.MessageID, in.Now, in.ReaderID,
	).Scan(&out.Sender, &out.ConversationID)
	if err == nil {
		out.Updated = true
		out.ReadAt = in.Now
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return MarkReadResult{}, err
	}

	// Zero rows: classify why the guarded update did not apply.
	var (
		recipient string
		sender    string
		convID    string
		isRead    bool
		readAt    *time.Time
	)
	selErr := s.pool.QueryRow(ctx,
		`SELECT recipient, sender, conversation_id, is_read, read_at
		   FROM `+messages+`
		  WHERE id = $1 AND is_deleted = FALSE`,
		in.MessageID,
	).Scan(&recipient, &sender, &convID, &isRead, &readAt)
	if selErr != nil {
		if errors.Is(selErr, pgx.ErrNoRows) {
			return MarkReadResult{}, ErrNotFound
		}
		return MarkReadResult{}, selErr
	}
	if recipient != in.ReaderID {
		return MarkReadResult{}, ErrUnauthorized
	}
	if isRead && readAt != nil {
		return MarkReadResult{
			Updated:        false,
			ReadAt:         *readAt,
			Sender:         sender,
			ConversationID: convID,
		}, nil
	}
	// The select raced a concurrent transition; report idempotent success.
	return MarkReadResult{
		Updated:        false,
		ReadAt:         in.Now,
		Sender:         sender,
		ConversationID: convID,
	}, nil
}

// MarkConversationRead transitions every currently-unread message addressed
// to the reader as one conditional batch update.
func (s *PostgresStore) MarkConversationRead(ctx context.Context, in MarkConversationReadInput) (MarkConversationReadResult, error) {
	if s == nil || s.pool == nil {
		return MarkConversationReadResult{}, errors.New("chat: nil store")
	}
	if in.ConversationID == "" || in.ReaderID == "" {
		return MarkConversationReadResult{}, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	if err := ctx.Err(); err != nil {
		return MarkConversationReadResult{}, err
	}

	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`UPDATE `+messages+`
		    SET is_read = TRUE,
		        read_at = $2,
		        updated_at = $2
		  WHERE conversation_id = $1
		    AND recipient = $3
		    AND is_read = FALSE
		    AND is_deleted = FALSE
		RETURNING id`,
		in.ConversationID, in.Now, in.ReaderID,
	)
	if err != nil {
		return MarkConversationReadResult{}, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return MarkConversationReadResult{}, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return MarkConversationReadResult{}, err
	}

	return MarkConversationReadResult{MessageIDs: ids, ReadAt: in.Now}, nil
}

// SoftDelete flips isDeleted with a single conditional update guarded by
// is_deleted = FALSE, then classifies a zero-row outcome.
func (s *PostgresStore) SoftDelete(ctx context.Context, in SoftDeleteInput) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if in.MessageID == "" || in.RequesterID == "" {
		return ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET is_deleted = TRUE,
		        deleted_at = $2,
		        deleted_by = $3,
		        updated_at = $2
		  WHERE id = $1
		    AND sender = $3
		    AND is_deleted = FALSE`,
		in.MessageID, in.Now, in.RequesterID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var (
		sender    string
		isDeleted bool
	)
	selErr := s.pool.QueryRow(ctx,
		`SELECT sender, is_deleted FROM `+messages+` WHERE id = $1`,
		in.MessageID,
	).Scan(&sender, &isDeleted)
	if selErr != nil {
		if errors.Is(selErr, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return selErr
	}
	if sender != in.RequesterID {
		return ErrUnauthorized
	}
	// Already deleted by the sender: repeat delete is a no-op.
	return nil
}

// ConversationPage returns non-deleted messages newest-first.
func (s *PostgresStore) ConversationPage(ctx context.Context, in ConversationPageInput) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if in.ConversationID == "" || in.Offset < 0 || in.Limit <= 0 {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE conversation_id = $1 AND is_deleted = FALSE
		  ORDER BY seq DESC
		 OFFSET $2 LIMIT $3`,
		in.ConversationID, in.Offset, in.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, in.Limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadCount counts live unread messages addressed to userID.
func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}
	if userID == "" {
		return 0, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	messages := pgIdent(s.schema, "messages")
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		   FROM `+messages+`
		  WHERE recipient = $1 AND is_read = FALSE AND is_deleted = FALSE`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ListSummaries builds the conversation list in one window-function pass:
// linear in the user's live messages, never one round-trip per conversation.
func (s *PostgresStore) ListSummaries(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if userID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`, unread
		   FROM (
		     SELECT `+messageColumns+`,
		            ROW_NUMBER() OVER (PARTITION BY conversation_id ORDER BY seq DESC) AS rn,
		            COUNT(*) FILTER (WHERE recipient = $1 AND is_read = FALSE)
		              OVER (PARTITION BY conversation_id) AS unread
		       FROM `+messages+`
		      WHERE is_deleted = FALSE
		        AND (sender = $1 OR recipient = $1)
		   ) t
		  WHERE rn = 1
		  ORDER BY created_at DESC, conversation_id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var (
			m      Message
			unread int
		)
		if err := scanMessageInto(rows, &m, &unread); err != nil {
			return nil, err
		}

		sum := ConversationSummary{
			ConversationID: m.ConversationID,
			LastMessage:    m,
			UnreadCount:    unread,
		}
		if m.Sender == userID {
			sum.Peer = m.Recipient
		} else {
			sum.Peer = m.Sender
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- scan helpers ----

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	if err := scanMessageInto(row, &m, nil); err != nil {
		return Message{}, err
	}
	return m, nil
}

func scanMessageInto(row pgx.Row, m *Message, unread *int) error {
	var (
		attachments []byte
		replyTo     *string
		deletedBy   *string
	)

	dest := []any{
		&m.ID, &m.ConversationID, &m.Seq, &m.Sender, &m.Recipient, &m.Content, &m.Type,
		&attachments, &m.IsRead, &m.ReadAt, &replyTo, &m.Deleted.IsDeleted, &m.Deleted.DeletedAt, &deletedBy,
		&m.CreatedAt, &m.UpdatedAt,
	}
	if unread != nil {
		dest = append(dest, unread)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	if replyTo != nil {
		m.ReplyTo = *replyTo
	}
	if deletedBy != nil {
		m.Deleted.DeletedBy = *deletedBy
	}
	return nil
}

func attachmentsOrEmpty(a []Attachment) []Attachment {
	if a == nil {
		return []Attachment{}
	}
	return a
}

func nullableText(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
