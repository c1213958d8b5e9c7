package session

import (
	"context"
	"time"
)

// Store 抽象了会话状态的持久化接口。
type Store interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// LatestActive 返回委托方最近一个未过期且未暂停的会话。
	LatestActive(ctx context.Context, principalID string, now time.Time) (*Session, error)
	// Save 整体覆盖会话的可变状态。调用方负责通过会话锁串行化写入。
	Save(ctx context.Context, sess *Session) error
	Close() error
}
