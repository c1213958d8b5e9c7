package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 以内存方式保存交易记录，主要用于测试与单机部署。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*TransactionRecord
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*TransactionRecord)}
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, record *TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	if _, ok := m.records[record.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "交易 ID 已存在")
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.records[record.ID] = record.Clone()
	return nil
}

// Get 返回交易记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return record.Clone(), nil
}

// Update 覆盖已有记录。
func (m *MemoryStore) Update(_ context.Context, record *TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	if _, ok := m.records[record.ID]; !ok {
		return ErrTransactionNotFound
	}
	record.UpdatedAt = time.Now()
	m.records[record.ID] = record.Clone()
	return nil
}

// ListBySession 返回会话最近的 N 条记录，按创建时间正序。
func (m *MemoryStore) ListBySession(_ context.Context, sessionID string, limit int) ([]*TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*TransactionRecord, 0, 16)
	for _, record := range m.records {
		if record.SessionID == sessionID {
			results = append(results, record.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].Nonce < results[j].Nonce
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[len(results)-limit:]
	}
	return results, nil
}

// PendingStats 返回会话当前未结算交易的笔数与金额总和。
func (m *MemoryStore) PendingStats(_ context.Context, sessionID string) (int, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	var amount int64
	for _, record := range m.records {
		if record.SessionID == sessionID && record.Status == StatusPending {
			count++
			amount += record.Amount
		}
	}
	return count, amount, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
