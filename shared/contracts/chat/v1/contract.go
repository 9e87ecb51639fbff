// Package v1 defines the Slate chat push protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageCreated pushes a newly persisted message (server -> client).
	TypeMessageCreated = "message.created"
	// TypeMessageRead pushes a read-state transition (server -> client).
	TypeMessageRead = "message.read"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// AllowedTypes enumerates the envelope types accepted on this protocol version.
var AllowedTypes = map[string]struct{}{
	TypeHello:          {},
	TypeHelloAck:       {},
	TypeMessageCreated: {},
	TypeMessageRead:    {},
	TypeError:          {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing field: id")
	}
	if e.TS.IsZero() {
		return errors.New("missing field: ts")
	}
	return nil
}

// HelloPayload starts a session (client -> server). The session is
// authenticated upstream; the payload is reserved for future use.
type HelloPayload struct {
	ClientName string `json:"client_name,omitempty"`
}

// HelloAckPayload acknowledges a session handshake.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// Attachment is the wire form of stored attachment metadata.
type Attachment struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"original_name"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	Mimetype     string `json:"mimetype"`
}

// Message is the wire form of a chat message.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Seq            int64        `json:"seq"`
	Sender         string       `json:"sender"`
	Recipient      string       `json:"recipient"`
	Content        string       `json:"content,omitempty"`
	Type           string       `json:"type"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyTo        string       `json:"reply_to,omitempty"`
	IsRead         bool         `json:"is_read"`
	ReadAt         *time.Time   `json:"read_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// MessageCreatedPayload carries a newly persisted message.
type MessageCreatedPayload struct {
	Message Message `json:"message"`
}

// MessageReadPayload carries a read-state transition for one or more messages.
type MessageReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageIDs     []string  `json:"message_ids"`
	ReaderID       string    `json:"reader_id"`
	ReadAt         time.Time `json:"read_at"`
}

// ErrorPayload reports a server-side rejection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
