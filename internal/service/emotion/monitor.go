package emotion

import (
	"context"
	"log"

	model "github.com/zhouzirui/novel-mvp/backend/internal/model/emotion"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/bus"
)

// Subscriber 是总线的订阅端，*bus.Bus 满足该接口。
type Subscriber interface {
	Subscribe(name string, handler bus.Handler) (func(), error)
}

// Counter 按情绪类别计数，*metrics.Recorder 满足该接口。
type Counter interface {
	EmotionDetected(emotion string)
}

// Monitor 消费 emotion-analysis 通道上的情绪通知，记录日志与指标。
type Monitor struct {
	counter Counter
}

func NewMonitor(counter Counter) *Monitor {
	return &Monitor{counter: counter}
}

// Start 订阅通道，返回取消订阅函数。
func (m *Monitor) Start(sub Subscriber) (func(), error) {
	return sub.Subscribe(bus.ChannelEmotionAnalysis, m.Handle)
}

// Handle 处理一条总线消息；载荷类型不符时忽略。
func (m *Monitor) Handle(_ context.Context, msg bus.Message) {
	note, ok := msg.Payload.(model.Notification)
	if !ok {
		log.Printf("[emotion] ignore message=%s from=%s: unexpected payload %T", msg.ID, msg.From, msg.Payload)
		return
	}

	log.Printf("[emotion] conversation=%s turn=%d detected=%s", note.ConversationID, note.Turn, note.Emotion)
	if m.counter != nil {
		category, ok := model.ParseCategory(note.Emotion)
		if !ok {
			category = model.Neutral
		}
		m.counter.EmotionDetected(string(category))
	}
}
