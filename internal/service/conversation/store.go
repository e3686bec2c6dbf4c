package conversation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	model "github.com/zhouzirui/novel-mvp/backend/internal/model/conversation"
)

var (
	ErrNotFound     = errors.New("conversation not found")
	ErrForbidden    = errors.New("conversation belongs to another user")
	ErrInvalidInput = errors.New("conversation id and text are required")
)

// DefaultIdleTTL 是会话无人使用后保留的时长。
const DefaultIdleTTL = 30 * time.Minute

type entry struct {
	owner string
	conv  *model.Context
	// writer 是容量为 1 的信号量，持有者是该会话唯一的写入方。
	writer   chan struct{}
	attached int
	lastUsed time.Time
}

// Store 是 conversationId -> Context 的注册表。
// 同一会话同一时刻只有一个持有 Lease 的调用方可以读写。
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	idleTTL time.Duration
	now     func() time.Time
}

// NewStore 创建会话存储；idleTTL <= 0 时使用默认值。
func NewStore(idleTTL time.Duration) *Store {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Store{
		entries: make(map[string]*entry),
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Lease 表示对单个会话的独占访问，用完必须 Release。
type Lease struct {
	store *Store
	entry *entry
	once  sync.Once
}

// Context 返回会话状态，仅在 Release 之前有效。
// 修改应通过 Commit 提交，Peek 的读者才能看到一致的状态。
func (l *Lease) Context() *model.Context {
	return l.entry.conv
}

// Commit 以 c 整体替换会话状态。
func (l *Lease) Commit(c model.Context) {
	l.store.mu.Lock()
	*l.entry.conv = c
	l.entry.lastUsed = l.store.now()
	l.store.mu.Unlock()
}

// Release 归还写入权。重复调用是安全的。
func (l *Lease) Release() {
	l.once.Do(func() {
		l.store.mu.Lock()
		l.entry.lastUsed = l.store.now()
		l.store.mu.Unlock()
		<-l.entry.writer
	})
}

// Acquire 获取会话的写入权，会话不存在时以 userID 为所有者创建。
// 阻塞直到成为唯一写入方或 ctx 结束。
func (s *Store) Acquire(ctx context.Context, id, userID string) (*Lease, error) {
	return s.acquire(ctx, id, userID, true)
}

// AcquireExisting 与 Acquire 相同，但会话不存在时返回 ErrNotFound。
func (s *Store) AcquireExisting(ctx context.Context, id, userID string) (*Lease, error) {
	return s.acquire(ctx, id, userID, false)
}

func (s *Store) acquire(ctx context.Context, id, userID string, create bool) (*Lease, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}

	for {
		e, err := s.lookup(id, userID, create)
		if err != nil {
			return nil, err
		}

		select {
		case e.writer <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// 等待期间会话可能已被清除或回收，此时重新查找。
		s.mu.RLock()
		current := s.entries[id]
		s.mu.RUnlock()
		if current == e {
			return &Lease{store: s, entry: e}, nil
		}
		<-e.writer
	}
}

func (s *Store) lookup(id, userID string, create bool) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		if !create {
			return nil, ErrNotFound
		}
		s.mu.Lock()
		if e, ok = s.entries[id]; !ok {
			e = &entry{
				owner:    userID,
				conv:     model.New(id, userID),
				writer:   make(chan struct{}, 1),
				lastUsed: s.now(),
			}
			s.entries[id] = e
			log.Printf("[conversation] created conversation=%s user=%s", id, userID)
		}
		s.mu.Unlock()
	}

	if e.owner != userID {
		return nil, ErrForbidden
	}
	return e, nil
}

// Peek 返回最近一次提交的会话深拷贝，不等待写入方。
func (s *Store) Peek(id, userID string) (model.Context, error) {
	if id == "" {
		return model.Context{}, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return model.Context{}, ErrNotFound
	}
	if e.owner != userID {
		return model.Context{}, ErrForbidden
	}
	return e.conv.Clone(), nil
}

// Attach 记录一个正在使用该会话的连接。
func (s *Store) Attach(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.attached++
	e.lastUsed = s.now()
	return true
}

// Detach 撤销 Attach，会话保留到空闲超时。
func (s *Store) Detach(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.attached > 0 {
		e.attached--
	}
	e.lastUsed = s.now()
}

// Release 撤销 Attach，并在没有其他连接与写入方时立即移除会话。
// 返回会话是否被移除；仍被使用的会话留给空闲回收。
func (s *Store) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	if e.attached > 0 {
		e.attached--
	}
	if e.attached > 0 || len(e.writer) > 0 {
		e.lastUsed = s.now()
		return false
	}
	delete(s.entries, id)
	log.Printf("[conversation] released conversation=%s", id)
	return true
}

// Clear 立即移除会话，返回是否存在。
func (s *Store) Clear(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	log.Printf("[conversation] cleared conversation=%s", id)
	return true
}

// ClearOwned 仅在会话属于 userID 时移除。
func (s *Store) ClearOwned(id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.owner != userID {
		return ErrForbidden
	}
	delete(s.entries, id)
	log.Printf("[conversation] cleared conversation=%s user=%s", id, userID)
	return nil
}

// Len 返回当前保存的会话数。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// EvictIdle 回收空闲超过 TTL、无连接且无写入方的会话，返回回收数量。
func (s *Store) EvictIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.entries {
		if e.attached > 0 || len(e.writer) > 0 {
			continue
		}
		if now.Sub(e.lastUsed) < s.idleTTL {
			continue
		}
		delete(s.entries, id)
		evicted++
	}
	return evicted
}

// Run 周期性回收空闲会话，直到 ctx 结束。
func (s *Store) Run(ctx context.Context) {
	interval := s.idleTTL / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictIdle(s.now()); n > 0 {
				log.Printf("[conversation] evicted %d idle conversations, %d remaining", n, s.Len())
			}
		}
	}
}
