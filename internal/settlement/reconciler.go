package settlement

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/pkg/logger"
)

// Reconciler 消费结算任务，驱动验证器并把结论写回账本。
// 结算超时会把交易记为失败且不扣减预算。
type Reconciler struct {
	ledger      *ledger.Ledger
	registry    *session.Registry
	verifier    Verifier
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ReconcilerOption 定义可选配置。
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger 指定日志输出。
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithReconcilerWorkers 设置消费协程数量。
func WithReconcilerWorkers(workers int) ReconcilerOption {
	return func(r *Reconciler) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithReconcilerAlerts 配置告警派发器。
func WithReconcilerAlerts(dispatcher alerting.Dispatcher) ReconcilerOption {
	return func(r *Reconciler) {
		r.alerter = dispatcher
	}
}

// NewReconciler 构造 Reconciler。
func NewReconciler(txLedger *ledger.Ledger, registry *session.Registry, verifier Verifier, consumer Consumer, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		ledger:      txLedger,
		registry:    registry,
		verifier:    verifier,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start 启动结算处理循环。
func (r *Reconciler) Start(ctx context.Context) error {
	if r.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置结算消费者")
	}
	return r.consumer.Consume(ctx, r.workerCount, r.handle)
}

func (r *Reconciler) handle(ctx context.Context, payload string) error {
	if r.ledger == nil || r.registry == nil || r.verifier == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "结算处理器未初始化")
	}

	job, err := DecodeReconcileJob(payload)
	if err != nil {
		// 无法解析的消息无从重试，记录后丢弃。
		logger.L().Error("丢弃无法解析的结算任务", slog.Any("error", err))
		return nil
	}

	record, err := r.ledger.Get(ctx, job.TransactionID)
	if err != nil {
		if stdErrors.Is(err, ledger.ErrTransactionNotFound) {
			r.logDebug("跳过未知交易", slog.String("transaction_id", job.TransactionID))
			return nil
		}
		logger.L().Error("读取交易记录失败", slog.Any("error", err), slog.String("transaction_id", job.TransactionID))
		return err
	}
	if record.Status.Terminal() {
		r.logDebug("交易已终态，跳过对账",
			slog.String("transaction_id", record.ID),
			slog.String("status", string(record.Status)))
		return nil
	}

	sess, err := r.registry.Get(ctx, job.SessionID)
	if err != nil {
		logger.L().Error("读取会话失败", slog.Any("error", err), slog.String("session_id", job.SessionID))
		return err
	}

	// 提交回来的意图必须出自本会话的密钥，且与挂账记录一致。
	if mismatch := r.matchRecord(job, record, sess); mismatch != "" {
		return r.markFailed(ctx, record, CodeSettlementFailed, mismatch, 0)
	}

	vctx, cancel := context.WithTimeout(ctx, sess.TaskTimeout)
	defer cancel()

	start := time.Now()
	result, verifyErr := r.verifier.Verify(vctx, VerifyRequest{
		Signed:         job.Signed,
		ExpectedAmount: record.Amount,
		ChainTxHash:    job.ChainTxHash,
	})
	elapsed := time.Since(start)

	if verifyErr != nil {
		if xerrors.CodeOf(verifyErr) == CodeSettlementTimeout || stdErrors.Is(verifyErr, context.DeadlineExceeded) {
			metrics.ObserveSettlement(string(r.verifier.Mode()), "timeout")
			return r.markFailed(ctx, record, CodeSettlementTimeout, ErrSettlementTimeout.Error(), elapsed)
		}
		logger.L().Error("结算验证出错",
			slog.Any("error", verifyErr),
			slog.String("transaction_id", record.ID))
		// 基础设施错误交由队列重投。
		return verifyErr
	}

	if !result.Valid {
		metrics.ObserveSettlement(string(r.verifier.Mode()), "rejected")
		return r.markFailed(ctx, record, CodeSettlementFailed, result.Error, elapsed)
	}

	meta := ledger.ReconcileMeta{ExecutionTime: elapsed}
	if result.Receipt != nil {
		meta.ReceiptHash = result.Receipt.Hash
		meta.BlockNumber = result.Receipt.BlockNumber
		meta.Fee = result.Receipt.Fee
	}
	if _, err := r.ledger.Reconcile(ctx, record.SessionID, record.ID, ledger.StatusCompleted, meta); err != nil {
		logger.L().Error("写入对账结果失败", slog.Any("error", err), slog.String("transaction_id", record.ID))
		return err
	}
	metrics.ObserveSettlement(string(r.verifier.Mode()), "completed")
	logger.Audit().Info("结算确认完成",
		slog.String("transaction_id", record.ID),
		slog.String("session_id", record.SessionID),
		slog.Int64("amount", record.Amount),
		slog.String("receipt_hash", meta.ReceiptHash),
		slog.String("mode", string(r.verifier.Mode())),
	)
	return nil
}

// matchRecord 核对提交的意图与挂账记录，返回不一致的原因。
func (r *Reconciler) matchRecord(job ReconcileJob, record *ledger.TransactionRecord, sess *session.Session) string {
	if job.Signed == nil {
		return "missing signed intent"
	}
	if err := job.Signed.VerifyAgainst(sess.PublicKey); err != nil {
		return err.Error()
	}
	intent := job.Signed.Intent
	if intent.SessionID != record.SessionID {
		return "intent session does not match ledger record"
	}
	if intent.Nonce != record.Nonce {
		return "intent nonce does not match ledger record"
	}
	if intent.Amount != record.Amount {
		return "intent amount does not match ledger record"
	}
	return ""
}

func (r *Reconciler) markFailed(ctx context.Context, record *ledger.TransactionRecord, code xerrors.Code, reason string, elapsed time.Duration) error {
	meta := ledger.ReconcileMeta{ErrorMessage: reason, ExecutionTime: elapsed}
	if _, err := r.ledger.Reconcile(ctx, record.SessionID, record.ID, ledger.StatusFailed, meta); err != nil {
		logger.L().Error("写入失败状态出错", slog.Any("error", err), slog.String("transaction_id", record.ID))
		return err
	}
	logger.Audit().Warn("结算确认失败",
		slog.String("transaction_id", record.ID),
		slog.String("session_id", record.SessionID),
		slog.Int64("amount", record.Amount),
		slog.String("error_code", string(code)),
		slog.String("reason", reason),
	)
	r.emitAlert(ctx, record, code, reason)
	return nil
}

func (r *Reconciler) logDebug(msg string, attrs ...slog.Attr) {
	if r.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		r.logger.Debug(msg, args...)
	}
}

func (r *Reconciler) emitAlert(ctx context.Context, record *ledger.TransactionRecord, code xerrors.Code, reason string) {
	if r == nil || r.alerter == nil || record == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if reason != "" {
		message = reason
	}
	event := alerting.Event{
		Code:          code,
		Message:       message,
		Severity:      attrs.Severity,
		SessionID:     record.SessionID,
		TransactionID: record.ID,
		AgentID:       record.AgentID,
		Amount:        record.Amount,
		Metadata:      map[string]string{"mode": string(r.verifier.Mode())},
		OccurredAt:    time.Now(),
	}
	if err := r.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("transaction_id", record.ID),
		)
	}
}
