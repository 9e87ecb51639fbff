package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func mustInsert(t *testing.T, s MessageStore, sender, recipient, content string) Message {
	t.Helper()

	now := time.Now().UTC()
	id, err := NewMessageID(now)
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	m, err := s.Insert(context.Background(), Message{
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

func TestInMemoryStore_InsertAssignsSeq(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	for i := 1; i <= 3; i++ {
		m := mustInsert(t, s, "a", "b", fmt.Sprintf("msg %d", i))
		if m.Seq != int64(i) {
			t.Fatalf("seq = %d, want %d", m.Seq, i)
		}
	}

	// A different conversation gets its own counter.
	m := mustInsert(t, s, "a", "c", "other")
	if m.Seq != 1 {
		t.Fatalf("seq = %d, want 1", m.Seq)
	}
}

func TestInMemoryStore_MarkRead_Idempotent(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m := mustInsert(t, s, "a", "b", "hi")

	first, err := s.MarkRead(context.Background(), MarkReadInput{MessageID: m.ID, ReaderID: "b"})
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !first.Updated {
		t.Fatalf("expected first mark to update")
	}

	second, err := s.MarkRead(context.Background(), MarkReadInput{MessageID: m.ID, ReaderID: "b"})
	if err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if second.Updated {
		t.Fatalf("expected repeat mark to be a no-op")
	}
	if !second.ReadAt.Equal(first.ReadAt) {
		t.Fatalf("read_at changed on repeat: first=%v second=%v", first.ReadAt, second.ReadAt)
	}
}

func TestInMemoryStore_MarkRead_SenderForbidden(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m := mustInsert(t, s, "a", "b", "hi")

	if _, err := s.MarkRead(context.Background(), MarkReadInput{MessageID: m.ID, ReaderID: "a"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := s.MarkRead(context.Background(), MarkReadInput{MessageID: "missing", ReaderID: "b"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryStore_MarkRead_Concurrent(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m := mustInsert(t, s, "a", "b", "hi")

	const workers = 8
	var wg sync.WaitGroup
	wg.Add(workers)
	results := make(chan MarkReadResult, workers)

	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			res, err := s.MarkRead(context.Background(), MarkReadInput{MessageID: m.ID, ReaderID: "b"})
			if err != nil {
				t.Errorf("mark read: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	updated := 0
	var readAt time.Time
	for res := range results {
		if res.Updated {
			updated++
		}
		if readAt.IsZero() {
			readAt = res.ReadAt
		} else if !res.ReadAt.Equal(readAt) {
			t.Fatalf("divergent read_at: %v vs %v", res.ReadAt, readAt)
		}
	}
	if updated != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", updated)
	}
}

func TestInMemoryStore_MarkConversationRead(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m1 := mustInsert(t, s, "a", "b", "one")
	m2 := mustInsert(t, s, "a", "b", "two")
	mustInsert(t, s, "b", "a", "reply") // addressed to a, untouched

	res, err := s.MarkConversationRead(context.Background(), MarkConversationReadInput{
		ConversationID: m1.ConversationID,
		ReaderID:       "b",
	})
	if err != nil {
		t.Fatalf("mark conversation read: %v", err)
	}
	if len(res.MessageIDs) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(res.MessageIDs))
	}

	// Second open transitions nothing.
	res, err = s.MarkConversationRead(context.Background(), MarkConversationReadInput{
		ConversationID: m2.ConversationID,
		ReaderID:       "b",
	})
	if err != nil {
		t.Fatalf("repeat mark conversation read: %v", err)
	}
	if len(res.MessageIDs) != 0 {
		t.Fatalf("expected no transitions on repeat, got %d", len(res.MessageIDs))
	}

	n, err := s.UnreadCount(context.Background(), "b")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if n != 0 {
		t.Fatalf("unread after open = %d, want 0", n)
	}

	n, err = s.UnreadCount(context.Background(), "a")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if n != 1 {
		t.Fatalf("unread for peer = %d, want 1", n)
	}
}

func TestInMemoryStore_SoftDelete(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m := mustInsert(t, s, "a", "b", "disappearing")

	if err := s.SoftDelete(context.Background(), SoftDeleteInput{MessageID: m.ID, RequesterID: "b"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("recipient delete: expected ErrUnauthorized, got %v", err)
	}

	if err := s.SoftDelete(context.Background(), SoftDeleteInput{MessageID: m.ID, RequesterID: "a"}); err != nil {
		t.Fatalf("sender delete: %v", err)
	}
	// Repeat delete is a no-op, not an error.
	if err := s.SoftDelete(context.Background(), SoftDeleteInput{MessageID: m.ID, RequesterID: "a"}); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}

	if _, err := s.Get(context.Background(), m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: expected ErrNotFound, got %v", err)
	}

	page, err := s.ConversationPage(context.Background(), ConversationPageInput{
		ConversationID: m.ConversationID,
		Limit:          10,
	})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected deleted message hidden from history, got %d", len(page))
	}

	n, err := s.UnreadCount(context.Background(), "b")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if n != 0 {
		t.Fatalf("unread includes deleted message: %d", n)
	}
}

func TestInMemoryStore_ConversationPage_NewestFirst(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	var convID string
	for i := 1; i <= 5; i++ {
		m := mustInsert(t, s, "a", "b", fmt.Sprintf("msg %d", i))
		convID = m.ConversationID
	}

	page, err := s.ConversationPage(context.Background(), ConversationPageInput{
		ConversationID: convID,
		Offset:         0,
		Limit:          2,
	})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 5 || page[1].Seq != 4 {
		t.Fatalf("unexpected first page: %+v", page)
	}

	page, err = s.ConversationPage(context.Background(), ConversationPageInput{
		ConversationID: convID,
		Offset:         4,
		Limit:          2,
	})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 1 || page[0].Seq != 1 {
		t.Fatalf("unexpected last page: %+v", page)
	}

	page, err = s.ConversationPage(context.Background(), ConversationPageInput{
		ConversationID: convID,
		Offset:         10,
		Limit:          2,
	})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(page))
	}
}

func TestInMemoryStore_ListSummaries(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()

	old := mustInsert(t, s, "peer1", "me", "older conversation")
	time.Sleep(2 * time.Millisecond)
	recent := mustInsert(t, s, "me", "peer2", "newer conversation")
	mustInsert(t, s, "peer3", "stranger", "unrelated")

	sums, err := s.ListSummaries(context.Background(), "me")
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(sums))
	}

	if sums[0].ConversationID != recent.ConversationID {
		t.Fatalf("expected most recent conversation first, got %q", sums[0].ConversationID)
	}
	if sums[0].Peer != "peer2" {
		t.Fatalf("peer = %q, want peer2", sums[0].Peer)
	}
	if sums[0].UnreadCount != 0 {
		t.Fatalf("own send counted unread: %d", sums[0].UnreadCount)
	}

	if sums[1].ConversationID != old.ConversationID {
		t.Fatalf("expected older conversation second, got %q", sums[1].ConversationID)
	}
	if sums[1].Peer != "peer1" {
		t.Fatalf("peer = %q, want peer1", sums[1].Peer)
	}
	if sums[1].UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", sums[1].UnreadCount)
	}
	if sums[1].LastMessage.ID != old.ID {
		t.Fatalf("last message = %q, want %q", sums[1].LastMessage.ID, old.ID)
	}
}

func TestInMemoryStore_ListSummaries_TieBreak(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	now := time.Now().UTC()

	// Same CreatedAt across two conversations forces the id tie-break.
	for i, peer := range []string{"zz-peer", "aa-peer"} {
		id, err := NewMessageID(now)
		if err != nil {
			t.Fatalf("new id: %v", err)
		}
		if _, err := s.Insert(context.Background(), Message{
			ID:             id,
			ConversationID: DeriveConversationID("me", peer),
			Sender:         peer,
			Recipient:      "me",
			Content:        fmt.Sprintf("msg %d", i),
			Type:           TypeText,
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	sums, err := s.ListSummaries(context.Background(), "me")
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(sums))
	}
	if sums[0].ConversationID >= sums[1].ConversationID {
		t.Fatalf("tie-break not ascending by id: %q then %q", sums[0].ConversationID, sums[1].ConversationID)
	}
}
