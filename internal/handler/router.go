package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/novel-mvp/backend/internal/handler/conversation"
	"github.com/zhouzirui/novel-mvp/backend/internal/handler/events"
	"github.com/zhouzirui/novel-mvp/backend/internal/handler/session"
	"github.com/zhouzirui/novel-mvp/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/novel-mvp/backend/internal/middleware"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/auth"
	conversationService "github.com/zhouzirui/novel-mvp/backend/internal/service/conversation"
	"github.com/zhouzirui/novel-mvp/backend/pkg/utils"
)

// Services 汇总路由需要的核心服务。Metrics 为空时不暴露 /metrics。
type Services struct {
	Gateway      *session.Handler
	Orchestrator *conversationService.Orchestrator
	Bus          events.Subscriber
	Verifier     auth.Verifier
	Metrics      *metrics.Recorder
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if svc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", svc.Metrics.Handler())
	}

	svc.Gateway.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		api.Group(func(rest chi.Router) {
			rest.Use(middlewarePkg.Authenticate(svc.Verifier, false))
			conversation.New(svc.Orchestrator).RegisterRoutes(rest)
		})

		// EventSource 不能带请求头，SSE 额外接受 ?token=
		api.Group(func(sse chi.Router) {
			sse.Use(middlewarePkg.Authenticate(svc.Verifier, true))
			events.New(svc.Bus, svc.Orchestrator).RegisterRoutes(sse)
		})
	})

	return r
}
