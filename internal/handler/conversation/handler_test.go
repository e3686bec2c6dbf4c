package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/novel-mvp/backend/internal/middleware"
	model "github.com/zhouzirui/novel-mvp/backend/internal/model/conversation"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/auth"
	service "github.com/zhouzirui/novel-mvp/backend/internal/service/conversation"
)

type echoCompleter struct{}

func (echoCompleter) Complete(context.Context, string, []model.Turn) (string, error) {
	return "그랬군요. [CONTEXT: 바닷가에서 보낸 여름] [EMOTION: nostalgia]", nil
}

// asUser 模拟认证中间件写入的身份。
func asUser(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := middleware.WithIdentity(r.Context(), auth.Identity{UserID: userID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func setupRouter(t *testing.T, userID string) (*chi.Mux, *service.Orchestrator) {
	t.Helper()
	orchestrator := service.NewOrchestrator(service.NewStore(time.Minute), echoCompleter{}, nil, 3)
	if _, err := orchestrator.Process(context.Background(), "alice", "여름에 바닷가에 갔어요", "conv-1"); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	r := chi.NewRouter()
	r.Use(asUser(userID))
	New(orchestrator).RegisterRoutes(r)
	return r, orchestrator
}

func TestGetConversationSummary(t *testing.T) {
	r, _ := setupRouter(t, "alice")

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversations/conv-1", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var summary Summary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.ConversationID != "conv-1" || summary.TurnCount != 1 || summary.ReadyForStory {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.CollectedContext != "바닷가에서 보낸 여름" {
		t.Fatalf("unexpected collected context %q", summary.CollectedContext)
	}
	if len(summary.Turns) != 2 || summary.Turns[1].Content != "그랬군요." {
		t.Fatalf("unexpected turns: %+v", summary.Turns)
	}
	if len(summary.Emotions) != 1 || summary.Emotions[0] != "nostalgia" {
		t.Fatalf("unexpected emotions: %v", summary.Emotions)
	}
}

func TestGetConversationWhileTurnInFlight(t *testing.T) {
	r, orchestrator := setupRouter(t, "alice")

	lease, err := orchestrator.Store().Acquire(context.Background(), "conv-1", "alice")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()

	done := make(chan int, 1)
	go func() {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversations/conv-1", nil))
		done <- resp.Code
	}()

	select {
	case code := <-done:
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("GET waited for the in-flight turn")
	}
}

func TestGetConversationErrors(t *testing.T) {
	r, _ := setupRouter(t, "bob")

	cases := map[string]int{
		"/conversations/conv-1":  http.StatusForbidden,
		"/conversations/missing": http.StatusNotFound,
	}
	for path, want := range cases {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != want {
			t.Fatalf("GET %s: expected %d, got %d", path, want, resp.Code)
		}
	}
}

func TestDeleteConversation(t *testing.T) {
	r, orchestrator := setupRouter(t, "alice")

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodDelete, "/conversations/conv-1", nil))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if orchestrator.Store().Len() != 0 {
		t.Fatal("conversation should be cleared")
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodDelete, "/conversations/conv-1", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", resp.Code)
	}
}

func TestDeleteConversationOfAnotherUser(t *testing.T) {
	r, orchestrator := setupRouter(t, "bob")

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodDelete, "/conversations/conv-1", nil))
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
	if orchestrator.Store().Len() != 1 {
		t.Fatal("conversation of another user must survive")
	}
}

func TestRequiresIdentity(t *testing.T) {
	orchestrator := service.NewOrchestrator(service.NewStore(time.Minute), echoCompleter{}, nil, 3)
	r := chi.NewRouter()
	New(orchestrator).RegisterRoutes(r)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversations/conv-1", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}
