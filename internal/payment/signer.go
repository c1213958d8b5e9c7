package payment

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"strconv"

	"AgentPay-Chain/internal/budget"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/pkg/logger"
)

// Signer 负责签发支付意图。它是唯一允许推进会话 nonce 的组件：
// 闸门复核、签名、nonce 递增、pending 落账在同一个会话锁临界区内完成。
type Signer struct {
	registry *session.Registry
	ledger   *ledger.Ledger
}

// SignResult 是一次成功签发的输出。
type SignResult struct {
	Signed             *SignedIntent `json:"signed"`
	TransactionID      string        `json:"transaction_id"`
	Nonce              uint64        `json:"nonce"`
	AllowanceRemaining int64         `json:"allowance_remaining"`
	RequestsRemaining  int           `json:"requests_remaining"`
}

// NewSigner 构造支付签发器。
func NewSigner(registry *session.Registry, txLedger *ledger.Ledger) *Signer {
	return &Signer{registry: registry, ledger: txLedger}
}

// Sign 校验并签发一笔支付意图。任何闸门失败都不会递增 nonce、
// 不会动用额度，也不会留下记录；调用方取消同样没有副作用。
func (s *Signer) Sign(ctx context.Context, sessionID, toAgent string, amount int64, taskType, callerAgentID string) (*SignResult, error) {
	if s.registry == nil || s.ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "签发器未初始化")
	}

	unlock := s.registry.LockSession(sessionID)
	defer unlock()

	// 取消的签发尝试在进入临界区后同样不留副作用。
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sess, err := s.registry.Store().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.registry.Now()
	sess.RollWindows(now)

	pending, err := s.ledger.Outstanding(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// 持锁复核完整闸门链。未结算交易的金额总和计入占用，
	// 两个并发请求不可能各自按同一份余额双双通过。
	if reason := budget.Check(sess, toAgent, amount, now, pending); reason != nil {
		return nil, reason.Err()
	}
	available := sess.AllowanceRemaining - pending.Amount
	if amount > available {
		return nil, xerrors.New(budget.CodeInsufficientAllowance, "amount exceeds remaining allowance",
			xerrors.WithMetadata("remaining", strconv.FormatInt(available, 10)),
			xerrors.WithMetadata("requested", strconv.FormatInt(amount, 10)),
		)
	}

	intent := PaymentIntent{
		SessionID: sess.ID,
		FromAgent: sess.AgentID,
		ToAgent:   toAgent,
		Amount:    amount,
		TaskType:  taskType,
		Nonce:     sess.Nonce,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(IntentTTL).Unix(),
	}
	payload, err := intent.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	signature := ed25519.Sign(sess.PrivateKey, payload)

	// nonce 恰好加一；请求配额同时扣减。窗口滚动结果一并持久化。
	snapshot := sess.Clone()
	sess.Nonce++
	sess.RequestsRemaining--
	if err := s.registry.Store().Save(ctx, sess); err != nil {
		return nil, err
	}

	record, err := s.ledger.RecordPending(ctx, sess, toAgent, amount, taskType, callerAgentID, intent.Nonce)
	if err != nil {
		// 落账失败则回退会话，nonce 与请求配额保持签发前的值。
		if undoErr := s.registry.Store().Save(ctx, snapshot); undoErr != nil {
			logger.L().Error("会话状态回退失败",
				slog.String("session_id", sess.ID),
				slog.String("error", undoErr.Error()),
			)
		}
		return nil, err
	}

	logger.Audit().Info("支付意图签发成功",
		slog.String("session_id", sess.ID),
		slog.String("to_agent", toAgent),
		slog.Int64("amount", amount),
		slog.Uint64("nonce", intent.Nonce),
		slog.String("tx_id", record.ID),
	)
	return &SignResult{
		Signed: &SignedIntent{
			Intent:    intent,
			Signature: signature,
			PublicKey: append(ed25519.PublicKey(nil), sess.PublicKey...),
		},
		TransactionID: record.ID,
		Nonce:         intent.Nonce,
		// 对外报告的剩余额度扣除了含本笔在内的全部未结算占用。
		AllowanceRemaining: sess.AllowanceRemaining - pending.Amount - amount,
		RequestsRemaining:  sess.RequestsRemaining,
	}, nil
}
