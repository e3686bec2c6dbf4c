package conversation

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/novel-mvp/backend/internal/middleware"
	model "github.com/zhouzirui/novel-mvp/backend/internal/model/conversation"
	service "github.com/zhouzirui/novel-mvp/backend/internal/service/conversation"
	"github.com/zhouzirui/novel-mvp/backend/pkg/utils"
)

// Service 是 REST 接口用到的对话能力，*service.Orchestrator 满足该接口。
type Service interface {
	Peek(userID, conversationID string) (model.Context, error)
	ClearOwned(userID, conversationID string) error
}

// Handler 对话查询与清理的HTTP处理器
type Handler struct {
	svc Service
}

// New 创建对话处理器
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册对话相关的路由，调用方负责挂载认证中间件。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations/{conversationID}", h.handleGet)
	r.Delete("/conversations/{conversationID}", h.handleDelete)
}

// Summary 是会话快照的响应体。
type Summary struct {
	ConversationID   string       `json:"conversationId"`
	TurnCount        int          `json:"turnCount"`
	ReadyForStory    bool         `json:"readyForStory"`
	CollectedContext string       `json:"collectedContext"`
	Emotions         []string     `json:"emotions"`
	Turns            []model.Turn `json:"turns"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

func newSummary(c model.Context) Summary {
	summary := Summary{
		ConversationID:   c.ID,
		TurnCount:        c.TurnCount,
		ReadyForStory:    c.ReadyForStory,
		CollectedContext: c.CollectedContext(),
		Emotions:         c.Emotions,
		Turns:            c.Turns,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
	if summary.Emotions == nil {
		summary.Emotions = []string{}
	}
	if summary.Turns == nil {
		summary.Turns = []model.Turn{}
	}
	return summary
}

// handleGet 返回会话快照
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	snapshot, err := h.svc.Peek(identity.UserID, chi.URLParam(r, "conversationID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, newSummary(snapshot))
}

// handleDelete 丢弃会话
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	if err := h.svc.ClearOwned(identity.UserID, conversationID); err != nil {
		respondServiceError(w, err)
		return
	}
	log.Printf("[conversation] user=%s cleared conversation=%s via api", identity.UserID, conversationID)
	w.WriteHeader(http.StatusNoContent)
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, service.ErrForbidden):
		utils.RespondError(w, http.StatusForbidden, "conversation belongs to another user")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		utils.RespondError(w, http.StatusServiceUnavailable, "conversation is busy")
	default:
		log.Printf("[conversation] api error: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
