// Package bus is a best-effort, in-process pub/sub channel between pipeline
// stages. Delivery is at-most-once: no acknowledgement, no retry, and a full
// channel buffer drops the message instead of blocking the publisher.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Channel names used by the pipeline.
const (
	ChannelEmotionAnalysis = "emotion-analysis"
	StageConversation      = "conversation"
)

const DefaultBufferSize = 64

var (
	ErrChannelFull = errors.New("bus channel full")
	ErrClosed      = errors.New("bus closed")
	ErrNoChannel   = errors.New("message has no destination channel")
)

// Message is the unit carried by the bus. Construct it with NewMessage and
// pass it by value.
type Message struct {
	ID        string
	From      string
	To        string
	Payload   any
	Timestamp time.Time
}

// NewMessage stamps a message with a fresh id and the current time.
func NewMessage(from, to string, payload any) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Handler consumes messages of one channel. Handlers of a channel run
// sequentially on that channel's dispatcher goroutine.
type Handler func(ctx context.Context, msg Message)

// Recorder receives traffic counters; *metrics.Recorder satisfies it.
type Recorder interface {
	BusMessage(channel, outcome string)
}

type subscription struct {
	id      uint64
	handler Handler
}

type channel struct {
	name  string
	queue chan Message

	mu       sync.RWMutex
	handlers []subscription
}

func (c *channel) snapshot() []subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]subscription(nil), c.handlers...)
}

// Bus routes messages to per-channel bounded queues.
type Bus struct {
	bufferSize int
	recorder   Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	channels map[string]*channel
	closed   bool
	nextID   uint64
}

// New creates a bus whose channels buffer up to bufferSize messages each.
func New(bufferSize int, recorder Recorder) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		bufferSize: bufferSize,
		recorder:   recorder,
		ctx:        ctx,
		cancel:     cancel,
		channels:   make(map[string]*channel),
	}
}

// Publish enqueues msg on the channel named by msg.To without blocking.
func (b *Bus) Publish(msg Message) error {
	if msg.To == "" {
		return ErrNoChannel
	}

	ch, err := b.channel(msg.To)
	if err != nil {
		return err
	}

	select {
	case ch.queue <- msg:
		b.record(msg.To, "published")
		return nil
	default:
		b.record(msg.To, "dropped")
		return fmt.Errorf("%w: %s", ErrChannelFull, msg.To)
	}
}

// Subscribe registers handler on name and returns a function that removes it.
func (b *Bus) Subscribe(name string, handler Handler) (func(), error) {
	if handler == nil {
		return nil, errors.New("nil bus handler")
	}
	ch, err := b.channel(name)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	ch.mu.Lock()
	ch.handlers = append(ch.handlers, subscription{id: id, handler: handler})
	ch.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ch.mu.Lock()
			defer ch.mu.Unlock()
			for i, sub := range ch.handlers {
				if sub.id == id {
					ch.handlers = append(ch.handlers[:i:i], ch.handlers[i+1:]...)
					return
				}
			}
		})
	}, nil
}

// Close stops every dispatcher. Queued messages that were not yet
// dispatched are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

func (b *Bus) channel(name string) (*channel, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	ch, ok := b.channels[name]
	b.mu.RUnlock()
	if ok {
		return ch, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if ch, ok := b.channels[name]; ok {
		return ch, nil
	}

	ch = &channel{name: name, queue: make(chan Message, b.bufferSize)}
	b.channels[name] = ch
	b.wg.Add(1)
	go b.dispatch(ch)
	return ch, nil
}

func (b *Bus) dispatch(ch *channel) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-ch.queue:
			for _, sub := range ch.snapshot() {
				b.deliver(ch.name, sub.handler, msg)
			}
		}
	}
}

func (b *Bus) deliver(name string, handler Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bus] handler panic on channel=%s message=%s: %v", name, msg.ID, r)
		}
	}()
	handler(b.ctx, msg)
	b.record(name, "delivered")
}

func (b *Bus) record(channel, outcome string) {
	if b.recorder != nil {
		b.recorder.BusMessage(channel, outcome)
	}
}
