// Package events 通过 Server-Sent Events 推送会话中检测到的情绪。
package events

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/novel-mvp/backend/internal/middleware"
	model "github.com/zhouzirui/novel-mvp/backend/internal/model/conversation"
	emotionmodel "github.com/zhouzirui/novel-mvp/backend/internal/model/emotion"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/bus"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/conversation"
	"github.com/zhouzirui/novel-mvp/backend/pkg/utils"
)

const (
	defaultHeartbeat = 15 * time.Second
	pendingBuffer    = 16
)

// Subscriber 是总线的订阅端，*bus.Bus 满足该接口。
type Subscriber interface {
	Subscribe(name string, handler bus.Handler) (func(), error)
}

// Conversations 用于在订阅前确认会话存在且属于当前用户。
type Conversations interface {
	Peek(userID, conversationID string) (model.Context, error)
}

// Handler 是 emotion-analysis 通道的第二个订阅者，把通知转发给浏览器。
type Handler struct {
	sub       Subscriber
	convs     Conversations
	heartbeat time.Duration
}

func New(sub Subscriber, convs Conversations) *Handler {
	return &Handler{sub: sub, convs: convs, heartbeat: defaultHeartbeat}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations/{conversationID}/emotions", h.handleEmotions)
}

func (h *Handler) handleEmotions(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	if _, err := h.convs.Peek(identity.UserID, conversationID); err != nil {
		switch {
		case errors.Is(err, conversation.ErrNotFound):
			utils.RespondError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, conversation.ErrForbidden):
			utils.RespondError(w, http.StatusForbidden, "conversation belongs to another user")
		default:
			utils.RespondError(w, http.StatusServiceUnavailable, "conversation unavailable")
		}
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// 总线处理函数运行在分发协程上，不能阻塞；积压时丢弃
	pending := make(chan emotionmodel.Notification, pendingBuffer)
	unsubscribe, err := h.sub.Subscribe(bus.ChannelEmotionAnalysis, func(_ context.Context, msg bus.Message) {
		note, ok := msg.Payload.(emotionmodel.Notification)
		if !ok || note.ConversationID != conversationID || note.UserID != identity.UserID {
			return
		}
		select {
		case pending <- note:
		default:
			log.Printf("[sse] conversation=%s dropped emotion=%s", conversationID, note.Emotion)
		}
	})
	if err != nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	defer unsubscribe()

	utils.SetupSSEHeaders(w, flusher)
	ctx := r.Context()
	log.Printf("[sse] opening emotion stream conversation=%s user=%s", conversationID, identity.UserID)
	defer log.Printf("[sse] closing emotion stream conversation=%s", conversationID)

	err = utils.SendSSEEvent(w, flusher, "status", map[string]string{
		"conversationId": conversationID,
		"message":        "stream established",
	})

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for err == nil {
		select {
		case <-ctx.Done():
			return
		case note := <-pending:
			err = utils.SendSSEEvent(w, flusher, "emotion", note)
		case t := <-ticker.C:
			err = utils.SendSSEEvent(w, flusher, "heartbeat", map[string]string{
				"time": t.UTC().Format(time.RFC3339),
			})
		}
	}
	log.Printf("[sse] conversation=%s: %v", conversationID, err)
}
