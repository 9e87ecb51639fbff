package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when SLATE_DATABASE_URL is set.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_InsertSeqMonotonic(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()

	const sends = 10
	var wg sync.WaitGroup
	wg.Add(sends)
	seqs := make(chan int64, sends)

	for i := 0; i < sends; i++ {
		go func(i int) {
			defer wg.Done()
			m := mustInsertPG(t, store, "teacher-1", "student-1", fmt.Sprintf("msg %d", i))
			seqs <- m.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool, sends)
	for seq := range seqs {
		if seq < 1 || seq > sends {
			t.Fatalf("seq out of range: %d", seq)
		}
		if seen[seq] {
			t.Fatalf("duplicate seq: %d", seq)
		}
		seen[seq] = true
	}
	if len(seen) != sends {
		t.Fatalf("expected %d distinct seqs, got %d", sends, len(seen))
	}

	// Read-back order mirrors allocation order.
	page, err := store.ConversationPage(ctx, ConversationPageInput{
		ConversationID: DeriveConversationID("teacher-1", "student-1"),
		Limit:          sends,
	})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	for i := 1; i < len(page); i++ {
		if page[i-1].Seq <= page[i].Seq {
			t.Fatalf("page not seq-descending at %d: %d then %d", i, page[i-1].Seq, page[i].Seq)
		}
	}
}

func TestPostgresStore_MarkRead(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	m := mustInsertPG(t, store, "teacher-1", "student-1", "check this")

	if _, err := store.MarkRead(ctx, MarkReadInput{MessageID: m.ID, ReaderID: "teacher-1"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("sender mark: expected ErrUnauthorized, got %v", err)
	}
	if _, err := store.MarkRead(ctx, MarkReadInput{MessageID: "missing", ReaderID: "student-1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing mark: expected ErrNotFound, got %v", err)
	}

	first, err := store.MarkRead(ctx, MarkReadInput{MessageID: m.ID, ReaderID: "student-1"})
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !first.Updated || first.Sender != "teacher-1" || first.ConversationID != m.ConversationID {
		t.Fatalf("first mark: %+v", first)
	}

	second, err := store.MarkRead(ctx, MarkReadInput{MessageID: m.ID, ReaderID: "student-1"})
	if err != nil {
		t.Fatalf("repeat mark: %v", err)
	}
	if second.Updated {
		t.Fatalf("expected repeat mark to be a no-op")
	}
	if !second.ReadAt.Equal(first.ReadAt) {
		t.Fatalf("read_at drifted: first=%v second=%v", first.ReadAt, second.ReadAt)
	}
}

func TestPostgresStore_MarkRead_Concurrent(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	m := mustInsertPG(t, store, "teacher-1", "student-1", "race me")

	const workers = 8
	var wg sync.WaitGroup
	wg.Add(workers)
	updates := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			res, err := store.MarkRead(ctx, MarkReadInput{MessageID: m.ID, ReaderID: "student-1"})
			if err != nil {
				t.Errorf("mark read: %v", err)
				return
			}
			updates <- res.Updated
		}()
	}
	wg.Wait()
	close(updates)

	winners := 0
	for u := range updates {
		if u {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", winners)
	}
}

func TestPostgresStore_MarkConversationRead(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	m1 := mustInsertPG(t, store, "teacher-1", "student-1", "one")
	mustInsertPG(t, store, "teacher-1", "student-1", "two")
	mustInsertPG(t, store, "student-1", "teacher-1", "reply")

	res, err := store.MarkConversationRead(ctx, MarkConversationReadInput{
		ConversationID: m1.ConversationID,
		ReaderID:       "student-1",
	})
	if err != nil {
		t.Fatalf("mark conversation read: %v", err)
	}
	if len(res.MessageIDs) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(res.MessageIDs))
	}

	res, err = store.MarkConversationRead(ctx, MarkConversationReadInput{
		ConversationID: m1.ConversationID,
		ReaderID:       "student-1",
	})
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if len(res.MessageIDs) != 0 {
		t.Fatalf("expected no transitions on repeat, got %d", len(res.MessageIDs))
	}

	n, err := store.UnreadCount(ctx, "student-1")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 0 {
		t.Fatalf("unread after open = %d, want 0", n)
	}
	n, err = store.UnreadCount(ctx, "teacher-1")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 1 {
		t.Fatalf("peer unread = %d, want 1", n)
	}
}

func TestPostgresStore_SoftDeleteAndSummaries(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()

	kept := mustInsertPG(t, store, "teacher-1", "student-1", "kept")
	gone := mustInsertPG(t, store, "teacher-1", "student-1", "gone")
	other := mustInsertPG(t, store, "teacher-1", "student-2", "other thread")

	if err := store.SoftDelete(ctx, SoftDeleteInput{MessageID: gone.ID, RequesterID: "student-1"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("recipient delete: expected ErrUnauthorized, got %v", err)
	}
	if err := store.SoftDelete(ctx, SoftDeleteInput{MessageID: gone.ID, RequesterID: "teacher-1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.SoftDelete(ctx, SoftDeleteInput{MessageID: gone.ID, RequesterID: "teacher-1"}); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if _, err := store.Get(ctx, gone.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get deleted: expected ErrNotFound, got %v", err)
	}

	sums, err := store.ListSummaries(ctx, "teacher-1")
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(sums))
	}
	for _, sum := range sums {
		switch sum.ConversationID {
		case kept.ConversationID:
			if sum.LastMessage.ID != kept.ID {
				t.Fatalf("deleted message surfaced as last: %q", sum.LastMessage.ID)
			}
			if sum.Peer != "student-1" {
				t.Fatalf("peer = %q", sum.Peer)
			}
		case other.ConversationID:
			if sum.Peer != "student-2" {
				t.Fatalf("peer = %q", sum.Peer)
			}
		default:
			t.Fatalf("unexpected conversation %q", sum.ConversationID)
		}
		if sum.UnreadCount != 0 {
			t.Fatalf("own sends counted unread: %d", sum.UnreadCount)
		}
	}

	sums, err = store.ListSummaries(ctx, "student-1")
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(sums))
	}
	if sums[0].UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1 (deleted excluded)", sums[0].UnreadCount)
	}
}

func TestPostgresStore_AttachmentsRoundTrip(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	id, err := NewMessageID(now)
	if err != nil {
		t.Fatalf("new id: %v", err)
	}

	in := Message{
		ID:             id,
		ConversationID: DeriveConversationID("teacher-1", "student-1"),
		Sender:         "teacher-1",
		Recipient:      "student-1",
		Type:           TypeImage,
		Attachments: []Attachment{{
			Filename:     "abc123.png",
			OriginalName: "diagram.png",
			Path:         "blob/deadbeef",
			Size:         2048,
			Mimetype:     "image/png",
		}},
		ReplyTo:   "",
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := store.Insert(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(got.Attachments))
	}
	a := got.Attachments[0]
	if a.Filename != "abc123.png" || a.OriginalName != "diagram.png" || a.Path != "blob/deadbeef" || a.Size != 2048 || a.Mimetype != "image/png" {
		t.Fatalf("attachment round trip: %+v", a)
	}
	if got.Type != TypeImage {
		t.Fatalf("type = %q", got.Type)
	}
	if got.ReplyTo != "" {
		t.Fatalf("reply_to = %q, want empty", got.ReplyTo)
	}
}

// ---- helpers ----

func mustInsertPG(t *testing.T, store *PostgresStore, sender, recipient, content string) Message {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Microsecond)
	id, err := NewMessageID(now)
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	m, err := store.Insert(context.Background(), Message{
		ID:             id,
		ConversationID: DeriveConversationID(sender, recipient),
		Sender:         sender,
		Recipient:      recipient,
		Content:        content,
		Type:           TypeText,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return m
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("SLATE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: SLATE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse SLATE_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (SLATE_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	id, err := NewMessageID(time.Now().UTC())
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	schema := "slate_chat_it_" + strings.ToLower(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplyChatSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	messages := pgIdent(schema, "messages")
	cursors := pgIdent(schema, "conversation_cursors")

	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT PRIMARY KEY,
  next_seq BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT chk_cursors_next_seq CHECK (next_seq >= 1)
);

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  seq BIGINT NOT NULL,
  sender TEXT NOT NULL,
  recipient TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  msg_type TEXT NOT NULL DEFAULT 'text',
  attachments JSONB NOT NULL DEFAULT '[]'::jsonb,
  is_read BOOLEAN NOT NULL DEFAULT FALSE,
  read_at TIMESTAMPTZ NULL,
  reply_to TEXT NULL,
  is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
  deleted_at TIMESTAMPTZ NULL,
  deleted_by TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT chk_messages_id_ulid_len CHECK (char_length(id) = 26),
  CONSTRAINT chk_messages_seq CHECK (seq >= 1),
  CONSTRAINT chk_messages_not_empty CHECK (content <> '' OR jsonb_array_length(attachments) > 0),
  CONSTRAINT uq_messages_conv_seq UNIQUE (conversation_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_conv_seq ON %s (conversation_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON %s (recipient) WHERE is_read = FALSE AND is_deleted = FALSE;
`, cursors, messages, messages, messages)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
