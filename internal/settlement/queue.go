package settlement

import (
	"context"
	"encoding/json"
	"fmt"

	"AgentPay-Chain/internal/payment"
)

// ReconcileJob 描述一笔等待结算核验的交易。提交方回传签发时拿到的
// 签名意图，验证器据此重新校验后对账。
type ReconcileJob struct {
	TransactionID string                `json:"transaction_id"`
	SessionID     string                `json:"session_id"`
	ChainTxHash   string                `json:"chain_tx_hash,omitempty"`
	Signed        *payment.SignedIntent `json:"signed_intent"`
}

// Encode 将任务序列化为队列消息体。
func (j ReconcileJob) Encode() (string, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("序列化结算任务失败: %w", err)
	}
	return string(raw), nil
}

// DecodeReconcileJob 从队列消息体还原任务。
func DecodeReconcileJob(payload string) (ReconcileJob, error) {
	var job ReconcileJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return ReconcileJob{}, fmt.Errorf("解析结算任务失败: %w", err)
	}
	return job, nil
}

// Handler 处理来自消息队列的结算任务。
type Handler func(ctx context.Context, payload string) error

// Producer 负责向队列投递结算任务。
type Producer interface {
	Publish(ctx context.Context, payload string) error
	Close() error
}

// Consumer 负责从队列中消费结算任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
