package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zhouzirui/novel-mvp/backend/internal/config"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/conversation"
)

// ErrUpstream 标识语言模型调用本身失败（网络、鉴权、超时、配额）。
var ErrUpstream = errors.New("upstream model error")

// ErrEmptyCompletion 表示模型返回了空文本。
var ErrEmptyCompletion = errors.New("model returned empty text")

// UpstreamError 携带失败的提供方名称。
type UpstreamError struct {
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s completion failed: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstream, e.Err}
}

// AsUpstream 确保 err 可以被 errors.Is(err, ErrUpstream) 识别。
func AsUpstream(provider string, err error) error {
	if err == nil || errors.Is(err, ErrUpstream) {
		return err
	}
	return &UpstreamError{Provider: provider, Err: err}
}

// Completer 是语言生成能力：给定系统指令与对话历史，返回一段文本。
// history 的最后一条通常就是本轮的用户输入。
type Completer interface {
	Complete(ctx context.Context, system string, history []conversation.Turn) (string, error)
}

// Recorder 记录上游调用指标，*metrics.Recorder 满足该接口。
type Recorder interface {
	ObserveUpstream(provider string, success bool, duration time.Duration)
}

// Guard 为任意 Completer 加上超时、错误归类与指标。
type Guard struct {
	provider string
	next     Completer
	timeout  time.Duration
	recorder Recorder
}

// NewGuard 包装 next。timeout <= 0 时不额外设置截止时间。
func NewGuard(provider string, next Completer, timeout time.Duration, recorder Recorder) *Guard {
	return &Guard{provider: provider, next: next, timeout: timeout, recorder: recorder}
}

// Complete 调用底层提供方；任何失败都会以 *UpstreamError 返回。
func (g *Guard) Complete(ctx context.Context, system string, history []conversation.Turn) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := g.next.Complete(ctx, system, history)
	if err == nil && strings.TrimSpace(text) == "" {
		err = ErrEmptyCompletion
	}
	if g.recorder != nil {
		g.recorder.ObserveUpstream(g.provider, err == nil, time.Since(start))
	}
	if err != nil {
		log.Printf("[ai] provider=%s completion failed after %s: %v", g.provider, time.Since(start).Round(time.Millisecond), err)
		return "", AsUpstream(g.provider, err)
	}
	return text, nil
}

// NewCompleter 按 AI_PROVIDER 构造提供方并包上 Guard。
func NewCompleter(ctx context.Context, cfg config.AIConfig, recorder Recorder) (Completer, error) {
	var (
		next Completer
		err  error
	)

	switch cfg.Provider {
	case config.ProviderOpenAI:
		next, err = NewOpenAICompleter(cfg)
	case config.ProviderGemini:
		next, err = NewGeminiCompleter(ctx, cfg)
	case config.ProviderArk, "":
		next, err = NewArkCompleter(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	provider := cfg.Provider
	if provider == "" {
		provider = config.ProviderArk
	}
	log.Printf("[ai] using provider=%s timeout=%s", provider, cfg.Timeout)
	return NewGuard(provider, next, cfg.Timeout, recorder), nil
}
