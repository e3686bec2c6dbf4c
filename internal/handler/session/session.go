package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zhouzirui/novel-mvp/backend/internal/service/auth"
)

// State 是连接的生命周期状态。
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrInvalidTransition = errors.New("invalid session state transition")

// Session 记录单个连接的状态与认证后的身份。
type Session struct {
	ConnectionID string

	mu       sync.Mutex
	state    State
	identity auth.Identity
}

func NewSession(connectionID string) *Session {
	return &Session{ConnectionID: connectionID, state: StateConnecting}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity 在认证前返回零值。
func (s *Session) Identity() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Connected: Connecting -> Connected
func (s *Session) Connected() error {
	return s.transition(StateConnecting, StateConnected, nil)
}

// Authenticate: Connected -> Authenticated
func (s *Session) Authenticate(identity auth.Identity) error {
	return s.transition(StateConnected, StateAuthenticated, func() { s.identity = identity })
}

// Close 可从任意状态进入 Closed，重复调用无副作用。
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

func (s *Session) transition(from, to State, apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	if apply != nil {
		apply()
	}
	return nil
}
