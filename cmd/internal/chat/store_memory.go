package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a MessageStore for tests and DB-less dev runs.
// It mirrors the conditional-update semantics of the Postgres store:
// every mutation is a single guarded transition under one lock hold.
type InMemoryStore struct {
	mu   sync.Mutex
	byID map[string]*Message
	// convs keeps per-conversation messages ordered by seq.
	convs map[string][]*Message
	seqs  map[string]int64
}

// NewInMemoryStore constructs an empty in-memory MessageStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:  make(map[string]*Message),
		convs: make(map[string][]*Message),
		seqs:  make(map[string]int64),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Insert persists a message and allocates its conversation seq.
func (s *InMemoryStore) Insert(ctx context.Context, m Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if m.ID == "" || m.ConversationID == "" || m.Sender == "" || m.Recipient == "" {
		return Message{}, ErrInvalidInput
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[m.ID]; ok {
		return Message{}, ErrInvalidInput
	}

	s.seqs[m.ConversationID]++
	m.Seq = s.seqs[m.ConversationID]

	stored := m
	s.byID[m.ID] = &stored
	s.convs[m.ConversationID] = append(s.convs[m.ConversationID], &stored)

	return m, nil
}

// Get returns a message by id. Soft-deleted messages are ErrNotFound.
func (s *InMemoryStore) Get(ctx context.Context, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok || m.Deleted.IsDeleted {
		return Message{}, ErrNotFound
	}
	return *m, nil
}

// MarkRead flips isRead for one message under the store lock.
func (s *InMemoryStore) MarkRead(ctx context.Context, in MarkReadInput) (MarkReadResult, error) {
	if err := ctx.Err(); err != nil {
		return MarkReadResult{}, err
	}
	if in.MessageID == "" || in.ReaderID == "" {
		return MarkReadResult{}, ErrInvalidInput
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[in.MessageID]
	if !ok || m.Deleted.IsDeleted {
		return MarkReadResult{}, ErrNotFound
	}
	if m.Recipient != in.ReaderID {
		return MarkReadResult{}, ErrUnauthorized
	}
	if m.IsRead {
		return MarkReadResult{
			Updated:        false,
			ReadAt:         *m.ReadAt,
			Sender:         m.Sender,
			ConversationID: m.ConversationID,
		}, nil
	}

	m.IsRead = true
	m.ReadAt = &now
	m.UpdatedAt = now

	return MarkReadResult{
		Updated:        true,
		ReadAt:         now,
		Sender:         m.Sender,
		ConversationID: m.ConversationID,
	}, nil
}

// MarkConversationRead transitions every unread message addressed to the
// reader in one lock hold, which makes concurrent opens produce one batch.
func (s *InMemoryStore) MarkConversationRead(ctx context.Context, in MarkConversationReadInput) (MarkConversationReadResult, error) {
	if err := ctx.Err(); err != nil {
		return MarkConversationReadResult{}, err
	}
	if in.ConversationID == "" || in.ReaderID == "" {
		return MarkConversationReadResult{}, ErrInvalidInput
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, m := range s.convs[in.ConversationID] {
		if m.Deleted.IsDeleted || m.IsRead || m.Recipient != in.ReaderID {
			continue
		}
		m.IsRead = true
		m.ReadAt = &now
		m.UpdatedAt = now
		ids = append(ids, m.ID)
	}

	return MarkConversationReadResult{MessageIDs: ids, ReadAt: now}, nil
}

// SoftDelete flips isDeleted under the store lock.
func (s *InMemoryStore) SoftDelete(ctx context.Context, in SoftDeleteInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if in.MessageID == "" || in.RequesterID == "" {
		return ErrInvalidInput
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[in.MessageID]
	if !ok {
		return ErrNotFound
	}
	if m.Sender != in.RequesterID {
		return ErrUnauthorized
	}
	if m.Deleted.IsDeleted {
		// One transition already happened; a repeat delete is a no-op.
		return nil
	}

	m.Deleted = Deletion{IsDeleted: true, DeletedAt: &now, DeletedBy: in.RequesterID}
	m.UpdatedAt = now
	return nil
}

// ConversationPage returns non-deleted messages newest-first.
func (s *InMemoryStore) ConversationPage(ctx context.Context, in ConversationPageInput) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.ConversationID == "" || in.Offset < 0 || in.Limit <= 0 {
		return nil, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	live := make([]Message, 0, len(s.convs[in.ConversationID]))
	for _, m := range s.convs[in.ConversationID] {
		if m.Deleted.IsDeleted {
			continue
		}
		live = append(live, *m)
	}

	// convs is seq-ascending; flip to newest-first for paging.
	sort.Slice(live, func(i, j int) bool { return live[i].Seq > live[j].Seq })

	if in.Offset >= len(live) {
		return nil, nil
	}
	end := in.Offset + in.Limit
	if end > len(live) {
		end = len(live)
	}
	return live[in.Offset:end], nil
}

// UnreadCount counts non-deleted unread messages addressed to userID.
func (s *InMemoryStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if userID == "" {
		return 0, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.byID {
		if m.Deleted.IsDeleted || m.IsRead || m.Recipient != userID {
			continue
		}
		n++
	}
	return n, nil
}

// ListSummaries groups the user's messages by conversation in one pass.
func (s *InMemoryStore) ListSummaries(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[string]*ConversationSummary)
	for _, m := range s.byID {
		if m.Deleted.IsDeleted {
			continue
		}
		if m.Sender != userID && m.Recipient != userID {
			continue
		}

		g := groups[m.ConversationID]
		if g == nil {
			g = &ConversationSummary{ConversationID: m.ConversationID}
			groups[m.ConversationID] = g
		}
		if m.Seq > g.LastMessage.Seq || g.LastMessage.ID == "" {
			g.LastMessage = *m
		}
		if m.Recipient == userID && !m.IsRead {
			g.UnreadCount++
		}
	}

	out := make([]ConversationSummary, 0, len(groups))
	for _, g := range groups {
		if g.LastMessage.Sender == userID {
			g.Peer = g.LastMessage.Recipient
		} else {
			g.Peer = g.LastMessage.Sender
		}
		out = append(out, *g)
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastMessage.CreatedAt, out[j].LastMessage.CreatedAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ConversationID < out[j].ConversationID
	})

	return out, nil
}
