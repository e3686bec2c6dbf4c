package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/novel-mvp/backend/internal/config"
	"github.com/zhouzirui/novel-mvp/backend/internal/handler"
	"github.com/zhouzirui/novel-mvp/backend/internal/handler/session"
	"github.com/zhouzirui/novel-mvp/backend/internal/metrics"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/ai"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/auth"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/bus"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/conversation"
	emotionservice "github.com/zhouzirui/novel-mvp/backend/internal/service/emotion"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/speech"
	storyservice "github.com/zhouzirui/novel-mvp/backend/internal/service/story"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	recorder := metrics.NewRecorder()

	// Message bus + emotion monitor
	messageBus := bus.New(cfg.Bus.BufferSize, recorder)
	defer messageBus.Close()

	if _, err := emotionservice.NewMonitor(recorder).Start(messageBus); err != nil {
		log.Fatalf("failed to start emotion monitor: %v", err)
	}

	// Language model
	if !cfg.AI.Enabled() {
		log.Fatalf("AI provider %q has no credentials, 请检查模型相关环境变量", cfg.AI.Provider)
	}
	completer, err := ai.NewCompleter(ctx, cfg.AI, recorder)
	if err != nil {
		log.Fatalf("failed to initialize AI completer: %v", err)
	}

	// Conversation store + orchestrator
	store := conversation.NewStore(cfg.Conversation.IdleTTL)
	go store.Run(ctx)
	orchestrator := conversation.NewOrchestrator(store, completer, messageBus, cfg.Conversation.MinTurns)

	// Story pipeline stages
	emotionSvc, err := emotionservice.NewService(completer)
	if err != nil {
		log.Fatalf("failed to initialize emotion service: %v", err)
	}
	storySvc, err := storyservice.NewService(completer, cfg.Story, recorder)
	if err != nil {
		log.Fatalf("failed to initialize story service: %v", err)
	}

	verifier, err := auth.NewJWTVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		log.Fatalf("failed to initialize token verifier: %v", err)
	}

	deps := session.Dependencies{
		Verifier:         verifier,
		Conversations:    orchestrator,
		Tracker:          store,
		Emotions:         emotionSvc,
		Stories:          storySvc,
		Recorder:         recorder,
		HandshakeTimeout: cfg.Auth.HandshakeTimeout,
		ReleaseOnClose:   cfg.Conversation.ReleaseOnClose,
	}

	// Speech synthesis is optional
	if cfg.Speech.Enabled {
		ttsClient, err := speech.NewVolcengineTTSClient(cfg.Speech.ClientConfig())
		if err != nil {
			log.Printf("warning: failed to initialize speech client: %v", err)
		} else {
			deps.Speech = ttsClient
			log.Println("Speech synthesis initialized successfully")
		}
	} else {
		log.Println("语音服务凭证未配置，跳过语音合成")
	}

	router := handler.NewRouter(handler.Services{
		Gateway:      session.New(deps),
		Orchestrator: orchestrator,
		Bus:          messageBus,
		Verifier:     verifier,
		Metrics:      recorder,
	})

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("story session backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
