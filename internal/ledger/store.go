package ledger

import "context"

// Store 抽象了交易记录的持久化接口。
type Store interface {
	Append(ctx context.Context, record *TransactionRecord) error
	Get(ctx context.Context, id string) (*TransactionRecord, error)
	// Update 覆盖已有记录。调用方负责状态机约束。
	Update(ctx context.Context, record *TransactionRecord) error
	// ListBySession 返回会话最近的 N 条记录，按创建时间正序。
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*TransactionRecord, error)
	// PendingStats 返回会话当前未结算交易的笔数与金额总和。
	PendingStats(ctx context.Context, sessionID string) (count int, amount int64, err error)
	Close() error
}
