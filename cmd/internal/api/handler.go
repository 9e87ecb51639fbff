package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"slate/cmd/internal/attach"
	"slate/cmd/internal/chat"
	v1 "slate/shared/contracts/chat/v1"

	"github.com/gorilla/mux"
)

const defaultMaxUploadBytes = 32 << 20 // 32 MiB across all parts

// Handler serves the chat REST surface.
type Handler struct {
	log   *slog.Logger
	svc   *chat.Service
	files attach.Store

	maxUploadBytes int64
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *chat.Service, files attach.Store) (*Handler, error) {
	if svc == nil || files == nil {
		return nil, errors.New("api: nil dependency")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:            log,
		svc:            svc,
		files:          files,
		maxUploadBytes: defaultMaxUploadBytes,
	}, nil
}

// Register mounts the chat routes under /api/chat, behind identity checks.
func (h *Handler) Register(r *mux.Router) {
	sub := r.PathPrefix("/api/chat").Subrouter()
	sub.Use(WithIdentity)

	sub.HandleFunc("/messages", h.sendMessage).Methods(http.MethodPost)
	sub.HandleFunc("/messages/{id}/read", h.markRead).Methods(http.MethodPost)
	sub.HandleFunc("/messages/{id}", h.softDelete).Methods(http.MethodDelete)
	sub.HandleFunc("/messages/{id}/attachments/{filename}", h.downloadAttachment).Methods(http.MethodGet)
	sub.HandleFunc("/conversations", h.listConversations).Methods(http.MethodGet)
	sub.HandleFunc("/conversations/{peer}", h.getConversation).Methods(http.MethodGet)
	sub.HandleFunc("/unread", h.unreadCount).Methods(http.MethodGet)
}

type sendRequest struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	ReplyTo     string `json:"reply_to"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	var (
		req         sendRequest
		attachments []chat.Attachment
	)

	mediatype, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(mediatype, "multipart/"):
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
		if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "attachment_too_large", "upload exceeds size limit")
			return
		}
		req.RecipientID = r.FormValue("recipient_id")
		req.Content = r.FormValue("content")
		req.ReplyTo = r.FormValue("reply_to")

		if r.MultipartForm != nil {
			for _, fh := range r.MultipartForm.File["attachments"] {
				att, err := h.storeUpload(r, fh)
				if err != nil {
					writeServiceError(w, err)
					return
				}
				attachments = append(attachments, att)
			}
		}

	default:
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
			return
		}
	}

	msg, err := h.svc.Send(r.Context(), chat.SendInput{
		SenderID:    id.UserID,
		SenderRole:  id.Role,
		RecipientID: req.RecipientID,
		Content:     req.Content,
		Attachments: attachments,
		ReplyTo:     req.ReplyTo,
		SessionID:   strings.TrimSpace(r.Header.Get(HeaderSession)),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg.Wire())
}

func (h *Handler) storeUpload(r *http.Request, fh *multipart.FileHeader) (chat.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := h.files.Save(r.Context(), fh.Filename, fh.Header.Get("Content-Type"), f)
	if err != nil {
		return chat.Attachment{}, err
	}
	return chat.Attachment{
		Filename:     info.Filename,
		OriginalName: info.OriginalName,
		Path:         info.Path,
		Size:         info.Size,
		Mimetype:     info.Mimetype,
	}, nil
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	if err := h.svc.MarkRead(r.Context(), mux.Vars(r)["id"], id.UserID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) softDelete(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	if err := h.svc.SoftDelete(r.Context(), mux.Vars(r)["id"], id.UserID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type conversationSummaryResponse struct {
	ConversationID string     `json:"conversation_id"`
	Peer           string     `json:"peer"`
	UnreadCount    int        `json:"unread_count"`
	LastMessage    v1.Message `json:"last_message"`
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	sums, err := h.svc.ListConversations(r.Context(), id.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]conversationSummaryResponse, 0, len(sums))
	for _, s := range sums {
		out = append(out, conversationSummaryResponse{
			ConversationID: s.ConversationID,
			Peer:           s.Peer,
			UnreadCount:    s.UnreadCount,
			LastMessage:    s.LastMessage.Wire(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type historyResponse struct {
	Messages []v1.Message `json:"messages"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	page, err := h.svc.GetConversation(r.Context(), chat.GetConversationInput{
		UserID:      id.UserID,
		UserRole:    id.Role,
		OtherUserID: mux.Vars(r)["peer"],
		Page:        queryInt(r, "page", 1),
		PageSize:    queryInt(r, "page_size", 0),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := historyResponse{
		Messages: make([]v1.Message, 0, len(page.Messages)),
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	for _, m := range page.Messages {
		out.Messages = append(out.Messages, m.Wire())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) unreadCount(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	n, err := h.svc.UnreadCount(r.Context(), id.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *Handler) downloadAttachment(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	vars := mux.Vars(r)

	att, rc, err := h.svc.DownloadAttachment(r.Context(), vars["id"], vars["filename"], id.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", att.Mimetype)
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.OriginalName}))

	if _, err := io.Copy(w, rc); err != nil {
		h.log.Info("api.attachment.stream.fail", "message_id", vars["id"], "err", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
