// Package chat contains Slate's direct-messaging core: conversation identity,
// the message model, the message store, and the messaging service.
package chat

import (
	"strings"
	"time"

	v1 "slate/shared/contracts/chat/v1"
)

// MessageType classifies message content for client rendering.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
	TypeAudio MessageType = "audio"
	TypeVideo MessageType = "video"
)

// Attachment is an opaque handle into the attachment store.
// Filename is the server-assigned unique name; Path addresses the blob.
type Attachment struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"original_name"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	Mimetype     string `json:"mimetype"`
}

// Deletion is the soft-delete state of a message. The transition is one-way:
// once IsDeleted is set the row is retained but excluded from all reads.
type Deletion struct {
	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`
}

// Message is the canonical persisted message representation.
//
// Seq is a per-conversation monotonic sequence allocated at commit time so
// that read order equals commit order even when CreatedAt ties.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	Sender         string
	Recipient      string
	Content        string
	Type           MessageType
	Attachments    []Attachment
	IsRead         bool
	ReadAt         *time.Time
	ReplyTo        string
	Deleted        Deletion
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InferType classifies a message from its first attachment's mimetype prefix.
// Messages without attachments are text.
func InferType(attachments []Attachment) MessageType {
	if len(attachments) == 0 {
		return TypeText
	}
	mt := strings.ToLower(strings.TrimSpace(attachments[0].Mimetype))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return TypeImage
	case strings.HasPrefix(mt, "audio/"):
		return TypeAudio
	case strings.HasPrefix(mt, "video/"):
		return TypeVideo
	default:
		return TypeFile
	}
}

// Wire converts a Message to its v1 wire representation.
func (m Message) Wire() v1.Message {
	out := v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Sender:         m.Sender,
		Recipient:      m.Recipient,
		Content:        m.Content,
		Type:           string(m.Type),
		ReplyTo:        m.ReplyTo,
		IsRead:         m.IsRead,
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
	}
	if len(m.Attachments) > 0 {
		out.Attachments = make([]v1.Attachment, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			out.Attachments = append(out.Attachments, v1.Attachment{
				Filename:     a.Filename,
				OriginalName: a.OriginalName,
				Path:         a.Path,
				Size:         a.Size,
				Mimetype:     a.Mimetype,
			})
		}
	}
	return out
}
