package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"slate/cmd/internal/chat"
	v1 "slate/shared/contracts/chat/v1"
)

const defaultEventQueueSize = 1024

// Hub tracks connected sessions per user and dispatches chat events to them.
//
// It implements chat.Fanout with a commit-then-enqueue handoff: Emit never
// blocks (a full queue drops the event), and delivery to a session is itself
// non-blocking (a full client queue drops that session's copy). Persistence
// never waits on delivery.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[string]*Client // user id -> session id -> client

	queue chan chat.Event
}

// NewHub constructs a Hub. queueSize <= 0 selects the default.
func NewHub(log *slog.Logger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = defaultEventQueueSize
	}
	return &Hub{
		log:      log,
		sessions: make(map[string]map[string]*Client),
		queue:    make(chan chat.Event, queueSize),
	}
}

// Register adds a connected session.
func (h *Hub) Register(c *Client) {
	if h == nil || c == nil || c.UserID == "" || c.SessionID == "" {
		return
	}

	h.mu.Lock()
	bydev := h.sessions[c.UserID]
	if bydev == nil {
		bydev = make(map[string]*Client)
		h.sessions[c.UserID] = bydev
	}
	bydev[c.SessionID] = c
	h.mu.Unlock()

	metricSessions.Inc()
	h.log.Info("hub.session.register", "user_id", c.UserID, "session_id", c.SessionID)
}

// Unregister removes a session and signals its shutdown.
func (h *Hub) Unregister(userID, sessionID string) {
	if h == nil || userID == "" || sessionID == "" {
		return
	}

	var c *Client

	h.mu.Lock()
	if bydev := h.sessions[userID]; bydev != nil {
		c = bydev[sessionID]
		delete(bydev, sessionID)
		if len(bydev) == 0 {
			delete(h.sessions, userID)
		}
	}
	h.mu.Unlock()

	// Close after removal so no dispatcher holds a pointer to a client whose
	// goroutines are being torn down.
	if c != nil {
		c.Close()
		metricSessions.Dec()
	}

	h.log.Info("hub.session.unregister", "user_id", userID, "session_id", sessionID)
}

// Emit enqueues an event for dispatch. Never blocks; a full queue drops.
func (h *Hub) Emit(ev chat.Event) {
	if h == nil {
		return
	}

	select {
	case h.queue <- ev:
	default:
		metricFanoutDropped.WithLabelValues("queue_full").Inc()
		h.log.Warn("fanout.drop", "reason", "queue_full", "kind", string(ev.Kind))
	}
}

// Run consumes the event queue until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.queue:
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev chat.Event) {
	env, ok := h.envelope(ev)
	if !ok {
		return
	}

	for _, target := range ev.Targets {
		for _, c := range h.snapshot(target.UserID) {
			if c.SessionID == target.ExcludeSession {
				continue
			}

			select {
			case <-c.Done():
				continue
			default:
			}

			select {
			case c.Send <- env:
			default:
				// Drop rather than block the dispatcher on one slow session.
				metricFanoutDropped.WithLabelValues("session_backpressure").Inc()
				h.log.Warn("fanout.drop",
					"reason", "session_backpressure",
					"user_id", c.UserID,
					"session_id", c.SessionID,
					"kind", string(ev.Kind),
				)
			}
		}
	}
}

func (h *Hub) snapshot(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bydev := h.sessions[userID]
	if len(bydev) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(bydev))
	for _, c := range bydev {
		out = append(out, c)
	}
	return out
}

func (h *Hub) envelope(ev chat.Event) (v1.Envelope, bool) {
	now := time.Now().UTC()

	var (
		typ     string
		payload any
	)
	switch ev.Kind {
	case chat.EventMessageCreated:
		if ev.Message == nil {
			return v1.Envelope{}, false
		}
		typ = v1.TypeMessageCreated
		payload = v1.MessageCreatedPayload{Message: ev.Message.Wire()}
	case chat.EventMessageRead:
		typ = v1.TypeMessageRead
		payload = v1.MessageReadPayload{
			ConversationID: ev.ConversationID,
			MessageIDs:     ev.MessageIDs,
			ReaderID:       ev.ReaderID,
			ReadAt:         ev.ReadAt,
		}
	default:
		h.log.Warn("fanout.drop", "reason", "unknown_kind", "kind", string(ev.Kind))
		return v1.Envelope{}, false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("fanout.marshal.fail", "kind", string(ev.Kind), "err", err)
		return v1.Envelope{}, false
	}

	id, err := NewEnvelopeID(now)
	if err != nil {
		h.log.Error("fanout.id.fail", "err", err)
		return v1.Envelope{}, false
	}

	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: raw,
	}, true
}
