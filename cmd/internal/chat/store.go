package chat

import (
	"context"
	"time"
)

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ConversationID string
	// Peer is the other participant of the conversation.
	Peer        string
	LastMessage Message
	UnreadCount int
}

// MarkReadInput marks a single message read by its recipient.
type MarkReadInput struct {
	MessageID string
	ReaderID  string
	Now       time.Time
}

// MarkReadResult reports the outcome of a MarkRead.
type MarkReadResult struct {
	// Updated is false when the message was already read; ReadAt then carries
	// the original read time.
	Updated        bool
	ReadAt         time.Time
	Sender         string
	ConversationID string
}

// MarkConversationReadInput marks every unread message addressed to ReaderID
// in a conversation as read, as one conditional batch.
type MarkConversationReadInput struct {
	ConversationID string
	ReaderID       string
	Now            time.Time
}

// MarkConversationReadResult lists the messages the batch transitioned.
// Empty MessageIDs means the batch was a no-op (idempotent re-open).
type MarkConversationReadResult struct {
	MessageIDs []string
	ReadAt     time.Time
}

// SoftDeleteInput hides a message. Only the sender may delete.
type SoftDeleteInput struct {
	MessageID   string
	RequesterID string
	Now         time.Time
}

// ConversationPageInput queries one history page, newest-first.
type ConversationPageInput struct {
	ConversationID string
	Offset         int
	Limit          int
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Monotonic seq per conversation (read order == commit order)
//   - One-way isRead / isDeleted transitions as single conditional updates,
//     never read-then-write
//   - Soft-deleted rows excluded from every read path
//   - ListSummaries runs as one grouped pass, not one query per conversation
type MessageStore interface {
	// Insert persists a message and allocates its conversation seq.
	Insert(ctx context.Context, m Message) (Message, error)

	// Get returns a message by id. Soft-deleted messages are ErrNotFound.
	Get(ctx context.Context, messageID string) (Message, error)

	// MarkRead flips isRead for one message. Errors: ErrNotFound when the
	// message is missing or deleted, ErrUnauthorized when the reader is not
	// the recipient. Idempotent: an already-read message is not an error.
	MarkRead(ctx context.Context, in MarkReadInput) (MarkReadResult, error)

	// MarkConversationRead is the bulk read-on-open path.
	MarkConversationRead(ctx context.Context, in MarkConversationReadInput) (MarkConversationReadResult, error)

	// SoftDelete flips isDeleted. Errors: ErrNotFound when missing,
	// ErrUnauthorized when the requester is not the sender. A repeat delete
	// by the sender is a no-op.
	SoftDelete(ctx context.Context, in SoftDeleteInput) error

	// ConversationPage returns non-deleted messages newest-first.
	// Requests past the end return an empty page.
	ConversationPage(ctx context.Context, in ConversationPageInput) ([]Message, error)

	// UnreadCount counts non-deleted unread messages addressed to userID.
	// Always derived live; never a stored counter.
	UnreadCount(ctx context.Context, userID string) (int, error)

	// ListSummaries returns the user's conversations ordered by last activity
	// descending, tie-broken by conversation id ascending.
	ListSummaries(ctx context.Context, userID string) ([]ConversationSummary, error)

	Close() error
}
