package session

import (
	"context"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 以内存方式保存会话状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if sess.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if _, ok := m.sessions[sess.ID]; ok {
		return ErrSessionConflict
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	m.sessions[sess.ID] = sess.Clone()
	return nil
}

// Get 返回会话的深拷贝。
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// LatestActive 返回委托方最近创建的可用会话。
func (m *MemoryStore) LatestActive(_ context.Context, principalID string, now time.Time) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Session
	for _, sess := range m.sessions {
		if sess.PrincipalID != principalID {
			continue
		}
		if sess.Paused || sess.Expired(now) {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, ErrSessionNotFound
	}
	return latest.Clone(), nil
}

// Save 覆盖已有会话。
func (m *MemoryStore) Save(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess == nil || sess.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if _, ok := m.sessions[sess.ID]; !ok {
		return ErrSessionNotFound
	}
	sess.UpdatedAt = time.Now()
	m.sessions[sess.ID] = sess.Clone()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
