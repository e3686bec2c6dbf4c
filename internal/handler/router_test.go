package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/novel-mvp/backend/internal/handler/session"
	"github.com/zhouzirui/novel-mvp/backend/internal/metrics"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/auth"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/bus"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/conversation"
)

func setupRouter(t *testing.T) (http.Handler, *auth.Signer) {
	t.Helper()
	verifier, err := auth.NewJWTVerifier("router-secret", "", "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	recorder := metrics.NewRecorder()
	b := bus.New(4, recorder)
	t.Cleanup(b.Close)

	store := conversation.NewStore(time.Minute)
	orchestrator := conversation.NewOrchestrator(store, nil, b, 3)
	gateway := session.New(session.Dependencies{
		Verifier:      verifier,
		Conversations: orchestrator,
		Tracker:       store,
		Recorder:      recorder,
	})

	router := NewRouter(Services{
		Gateway:      gateway,
		Orchestrator: orchestrator,
		Bus:          b,
		Verifier:     verifier,
		Metrics:      recorder,
	})
	return router, auth.NewSigner("router-secret", "", "")
}

func TestHealthz(t *testing.T) {
	router, _ := setupRouter(t)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if strings.TrimSpace(resp.Body.String()) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", resp.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := setupRouter(t)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "go_goroutines") {
		t.Fatalf("expected runtime metrics in output")
	}
}

func TestConversationRoutesRequireToken(t *testing.T) {
	router, signer := setupRouter(t)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(method, "/api/conversations/conv-1", nil))
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: expected 401, got %d", method, resp.Code)
		}
	}

	token, err := signer.SignAccess("alice", "", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/conv-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown conversation, got %d", resp.Code)
	}

	// 查询参数只对 SSE 生效
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/conversations/conv-1?token="+token, nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("query token on REST: expected 401, got %d", resp.Code)
	}
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/conversations/conv-1/emotions?token="+token, nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("query token on SSE: expected 404, got %d", resp.Code)
	}
}

func TestPreflight(t *testing.T) {
	router, _ := setupRouter(t)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodOptions, "/api/conversations/conv-1", nil))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}
