package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"slate/cmd/internal/attach"
	"slate/cmd/internal/directory"
)

// Service is the messaging core: it validates and creates messages, enforces
// role pairing, and orchestrates read-state, soft-delete, history, and
// attachment access.
//
// Side-effect model: every mutation commits to the MessageStore first; fanout
// events are handed off afterwards, fire-and-forget. A fanout failure is
// never surfaced to the caller.
type Service struct {
	store  MessageStore
	users  directory.Resolver
	files  attach.Store
	fanout Fanout
	log    *slog.Logger
}

// NewService constructs a Service. fanout may be nil (NopFanout is used).
func NewService(store MessageStore, users directory.Resolver, files attach.Store, fanout Fanout, log *slog.Logger) (*Service, error) {
	if store == nil || users == nil || files == nil {
		return nil, errors.New("chat: nil dependency")
	}
	if fanout == nil {
		fanout = NopFanout{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		users:  users,
		files:  files,
		fanout: fanout,
		log:    log,
	}, nil
}

// isValidPair is the single role-pairing predicate: exactly one teacher and
// one student. Send and GetConversation both go through it so the two checks
// cannot drift apart.
func isValidPair(a, b directory.Role) bool {
	return (a == directory.RoleTeacher && b == directory.RoleStudent) ||
		(a == directory.RoleStudent && b == directory.RoleTeacher)
}

// SendInput describes a message send. SenderID and SenderRole come from the
// upstream identity layer and are trusted. SessionID, when set, names the
// originating realtime session so it is excluded from the sender-side echo.
type SendInput struct {
	SenderID    string
	SenderRole  directory.Role
	RecipientID string
	Content     string
	Attachments []Attachment
	ReplyTo     string
	SessionID   string
	Now         time.Time
}

// Send validates, persists, and fans out a new message.
func (s *Service) Send(ctx context.Context, in SendInput) (Message, error) {
	if s == nil || s.store == nil {
		return Message{}, errors.New("chat: nil service")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	senderID := strings.TrimSpace(in.SenderID)
	recipientID := strings.TrimSpace(in.RecipientID)
	if senderID == "" || recipientID == "" {
		return Message{}, ErrInvalidInput
	}

	content := strings.TrimSpace(in.Content)
	if content == "" && len(in.Attachments) == 0 {
		metricSendRejected.WithLabelValues("empty").Inc()
		return Message{}, ErrEmptyMessage
	}
	if len([]rune(content)) > maxContentChars {
		return Message{}, ErrInvalidInput
	}
	if len(in.Attachments) > maxAttachmentsPerMessage {
		return Message{}, ErrInvalidInput
	}

	recipient, err := s.users.Resolve(ctx, recipientID)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			metricSendRejected.WithLabelValues("recipient_not_found").Inc()
			return Message{}, ErrRecipientNotFound
		}
		return Message{}, fmt.Errorf("resolve recipient: %w", err)
	}
	if !recipient.IsActive {
		metricSendRejected.WithLabelValues("recipient_not_found").Inc()
		return Message{}, ErrRecipientNotFound
	}

	if !isValidPair(in.SenderRole, recipient.Role) {
		metricSendRejected.WithLabelValues("role_mismatch").Inc()
		return Message{}, ErrRoleMismatch
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:             id,
		ConversationID: DeriveConversationID(senderID, recipientID),
		Sender:         senderID,
		Recipient:      recipientID,
		Content:        content,
		Type:           InferType(in.Attachments),
		Attachments:    in.Attachments,
		ReplyTo:        strings.TrimSpace(in.ReplyTo),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, err := s.store.Insert(ctx, msg)
	if err != nil {
		return Message{}, err
	}
	metricMessagesSent.Inc()

	s.log.Info("chat.send",
		"message_id", stored.ID,
		"conversation_id", stored.ConversationID,
		"seq", stored.Seq,
		"type", string(stored.Type),
	)

	// Commit-then-enqueue: the recipient's sessions plus the sender's other
	// sessions (multi-device echo). Delivery is best-effort from here on.
	s.fanout.Emit(Event{
		Kind:    EventMessageCreated,
		Message: &stored,
		Targets: []Target{
			{UserID: stored.Recipient},
			{UserID: stored.Sender, ExcludeSession: in.SessionID},
		},
	})

	return stored, nil
}

// MarkRead marks a single message read by its recipient. Idempotent.
func (s *Service) MarkRead(ctx context.Context, messageID, readerID string) error {
	if s == nil || s.store == nil {
		return errors.New("chat: nil service")
	}

	res, err := s.store.MarkRead(ctx, MarkReadInput{
		MessageID: messageID,
		ReaderID:  readerID,
		Now:       time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !res.Updated {
		return nil
	}
	metricMessagesRead.Inc()

	s.fanout.Emit(Event{
		Kind:           EventMessageRead,
		Targets:        []Target{{UserID: res.Sender}},
		ConversationID: res.ConversationID,
		MessageIDs:     []string{messageID},
		ReaderID:       readerID,
		ReadAt:         res.ReadAt,
	})
	return nil
}

// SoftDelete hides a message. Only the sender may delete; the row is retained
// but excluded from all subsequent reads, history, and unread counts.
func (s *Service) SoftDelete(ctx context.Context, messageID, requesterID string) error {
	if s == nil || s.store == nil {
		return errors.New("chat: nil service")
	}

	if err := s.store.SoftDelete(ctx, SoftDeleteInput{
		MessageID:   messageID,
		RequesterID: requesterID,
		Now:         time.Now().UTC(),
	}); err != nil {
		return err
	}
	metricMessagesDeleted.Inc()

	s.log.Info("chat.delete", "message_id", messageID)
	return nil
}

// HistoryPage is one page of conversation history, oldest-first.
type HistoryPage struct {
	Messages []Message
	Page     int
	PageSize int
}

// GetConversationInput describes a history request. UserID/UserRole come from
// the upstream identity layer.
type GetConversationInput struct {
	UserID      string
	UserRole    directory.Role
	OtherUserID string
	Page        int
	PageSize    int
}

// GetConversation returns one history page and, as a side effect, marks every
// currently-unread message addressed to the caller in this conversation as
// read, in one conditional batch.
func (s *Service) GetConversation(ctx context.Context, in GetConversationInput) (HistoryPage, error) {
	if s == nil || s.store == nil {
		return HistoryPage{}, errors.New("chat: nil service")
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}

	userID := strings.TrimSpace(in.UserID)
	otherID := strings.TrimSpace(in.OtherUserID)
	if userID == "" || otherID == "" {
		return HistoryPage{}, ErrInvalidInput
	}
	if userID == otherID {
		return HistoryPage{}, ErrUnauthorized
	}

	other, err := s.users.Resolve(ctx, otherID)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			return HistoryPage{}, ErrNotFound
		}
		return HistoryPage{}, fmt.Errorf("resolve participant: %w", err)
	}

	// Re-validate role pairing on the read path, defense in depth.
	if !isValidPair(in.UserRole, other.Role) {
		return HistoryPage{}, ErrRoleMismatch
	}

	page := in.Page
	if page < 1 {
		page = 1
	}
	size := in.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	convID := DeriveConversationID(userID, otherID)

	msgs, err := s.store.ConversationPage(ctx, ConversationPageInput{
		ConversationID: convID,
		Offset:         (page - 1) * size,
		Limit:          size,
	})
	if err != nil {
		return HistoryPage{}, err
	}

	// Bulk read-on-open. Safe under concurrent opens: the store applies one
	// conditional batch, so a second open transitions nothing.
	marked, err := s.store.MarkConversationRead(ctx, MarkConversationReadInput{
		ConversationID: convID,
		ReaderID:       userID,
		Now:            time.Now().UTC(),
	})
	if err != nil {
		return HistoryPage{}, err
	}
	if len(marked.MessageIDs) > 0 {
		metricMessagesRead.Add(float64(len(marked.MessageIDs)))

		s.fanout.Emit(Event{
			Kind:           EventMessageRead,
			Targets:        []Target{{UserID: otherID}},
			ConversationID: convID,
			MessageIDs:     marked.MessageIDs,
			ReaderID:       userID,
			ReadAt:         marked.ReadAt,
		})

		// Reflect the transition in the returned page.
		for i := range msgs {
			if msgs[i].Recipient == userID && !msgs[i].IsRead {
				msgs[i].IsRead = true
				readAt := marked.ReadAt
				msgs[i].ReadAt = &readAt
			}
		}
	}

	// The store pages newest-first; clients render oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return HistoryPage{Messages: msgs, Page: page, PageSize: size}, nil
}

// ListConversations returns the user's conversation summaries, most recent
// activity first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("chat: nil service")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidInput
	}
	return s.store.ListSummaries(ctx, userID)
}

// UnreadCount returns the user's live unread total across conversations.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	if s == nil || s.store == nil {
		return 0, errors.New("chat: nil service")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, ErrInvalidInput
	}
	return s.store.UnreadCount(ctx, userID)
}

// DownloadAttachment authorizes and streams an attachment blob. The caller
// owns the returned ReadCloser.
func (s *Service) DownloadAttachment(ctx context.Context, messageID, filename, requesterID string) (Attachment, io.ReadCloser, error) {
	if s == nil || s.store == nil {
		return Attachment{}, nil, errors.New("chat: nil service")
	}
	if messageID == "" || filename == "" || requesterID == "" {
		return Attachment{}, nil, ErrInvalidInput
	}

	m, err := s.store.Get(ctx, messageID)
	if err != nil {
		return Attachment{}, nil, err
	}
	if requesterID != m.Sender && requesterID != m.Recipient {
		return Attachment{}, nil, ErrUnauthorized
	}

	var att *Attachment
	for i := range m.Attachments {
		if m.Attachments[i].Filename == filename {
			att = &m.Attachments[i]
			break
		}
	}
	if att == nil {
		return Attachment{}, nil, ErrNotFound
	}

	rc, err := s.files.Open(ctx, att.Path)
	if err != nil {
		if errors.Is(err, attach.ErrNotFound) {
			return Attachment{}, nil, ErrNotFound
		}
		return Attachment{}, nil, fmt.Errorf("open attachment: %w", err)
	}
	return *att, rc, nil
}
