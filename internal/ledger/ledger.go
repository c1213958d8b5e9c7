package ledger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"AgentPay-Chain/internal/budget"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/pkg/logger"
)

// Ledger 独占管理交易记录，并在结算确认时对会话余额做恰好一次的扣减。
// 对会话的引用只保存 ID，所有会话写入都经由注册表的会话锁。
type Ledger struct {
	store    Store
	registry *session.Registry
}

// NewLedger 构造交易账本。
func NewLedger(store Store, registry *session.Registry) *Ledger {
	return &Ledger{store: store, registry: registry}
}

// RecordPending 以 pending 状态落账一笔已签发的支出，nonce 取签发意图的值。
// pending 记录的金额经由闸门链对后续签发构成预算预留。
// 必须在签发方持有对应会话锁的临界区内调用，绝不等待结算。
func (l *Ledger) RecordPending(ctx context.Context, sess *session.Session, agentID string, amount int64, taskType, callerAgentID string, nonce uint64) (*TransactionRecord, error) {
	if l.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	record := &TransactionRecord{
		ID:            uuid.NewString(),
		SessionID:     sess.ID,
		AgentID:       agentID,
		CallerAgentID: callerAgentID,
		Amount:        amount,
		TaskType:      taskType,
		Nonce:         nonce,
		Status:        StatusPending,
	}
	if err := l.store.Append(ctx, record); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// Reconcile 将一笔交易转入终态。只有进入 completed 的转换才扣减日/月预算、
// 总额度，并累加目标智能体的调用窗口，恰好一次；转入 failed 或 cancelled
// 不扣账，记录离开 pending 态即释放其预算预留。对已终态记录的重复调用
// 是无操作，返回当前记录而非二次扣账。
func (l *Ledger) Reconcile(ctx context.Context, sessionID, txID string, status Status, meta ReconcileMeta) (*TransactionRecord, error) {
	if !IsValidStatus(status) || !status.Terminal() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "对账目标必须是终态")
	}
	if l.registry == nil || l.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本未初始化")
	}

	unlock := l.registry.LockSession(sessionID)
	defer unlock()

	record, err := l.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if record.SessionID != sessionID {
		return nil, ErrTransactionNotFound
	}
	if record.Status.Terminal() {
		// 幂等：重复对账不改变任何状态。
		return record, nil
	}

	snapshot := record.Clone()
	record.Status = status
	record.ErrorMessage = meta.ErrorMessage
	if meta.ExecutionTime > 0 {
		record.ExecutionTime = meta.ExecutionTime
	}
	if meta.ReceiptHash != "" {
		record.ReceiptHash = meta.ReceiptHash
	}
	if meta.BlockNumber > 0 {
		record.BlockNumber = meta.BlockNumber
	}
	if meta.Fee != "" {
		record.Fee = meta.Fee
	}
	if err := l.store.Update(ctx, record); err != nil {
		return nil, err
	}

	if status == StatusCompleted {
		if err := l.debitSession(ctx, record); err != nil {
			// 扣账失败则把记录恢复为 pending，等待下一次对账重试。
			// 不变量：completed 状态与余额扣减要么都落地，要么都不落地。
			if undoErr := l.store.Update(ctx, snapshot); undoErr != nil {
				logger.Audit().Error("交易状态回滚失败",
					slog.String("tx_id", record.ID),
					slog.String("error", undoErr.Error()),
				)
			}
			return nil, err
		}
	}

	logger.Audit().Info("交易对账完成",
		slog.String("session_id", sessionID),
		slog.String("tx_id", txID),
		slog.String("status", string(status)),
		slog.Int64("amount", record.Amount),
	)
	return record.Clone(), nil
}

// debitSession 在结算确认后扣减会话余额。调用方已持有会话锁。
func (l *Ledger) debitSession(ctx context.Context, record *TransactionRecord) error {
	store := l.registry.Store()
	sess, err := store.Get(ctx, record.SessionID)
	if err != nil {
		return err
	}
	now := l.registry.Now()
	sess.RollWindows(now)
	// 余额不变量：任何扣减后剩余预算不为负。
	sess.AllowanceRemaining = clampZero(sess.AllowanceRemaining - record.Amount)
	sess.DailyRemaining = clampZero(sess.DailyRemaining - record.Amount)
	sess.MonthlyRemaining = clampZero(sess.MonthlyRemaining - record.Amount)
	sess.RecordAgentCall(record.AgentID, now)
	return store.Save(ctx, sess)
}

// History 返回会话最近的 N 条交易记录，按时间正序。
func (l *Ledger) History(ctx context.Context, sessionID string, limit int) ([]*TransactionRecord, error) {
	if l.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return l.store.ListBySession(ctx, sessionID, limit)
}

// Get 返回单条交易记录。
func (l *Ledger) Get(ctx context.Context, txID string) (*TransactionRecord, error) {
	if l.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return l.store.Get(ctx, txID)
}

// Outstanding 返回会话当前未结算交易的占用，供签发闸门预留预算。
func (l *Ledger) Outstanding(ctx context.Context, sessionID string) (budget.Pending, error) {
	if l.store == nil {
		return budget.Pending{}, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	count, amount, err := l.store.PendingStats(ctx, sessionID)
	if err != nil {
		return budget.Pending{}, err
	}
	return budget.Pending{Count: count, Amount: amount}, nil
}

// PendingCount 返回会话当前未结算的交易数。
func (l *Ledger) PendingCount(ctx context.Context, sessionID string) (int, error) {
	pending, err := l.Outstanding(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}

// Close 释放底层存储。
func (l *Ledger) Close() error {
	if l.store != nil {
		return l.store.Close()
	}
	return nil
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
