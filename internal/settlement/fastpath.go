package settlement

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"AgentPay-Chain/internal/payment"
)

// FastPathVerifier 在新鲜度窗口内直接接受签名有效的支付意图。
// 不等待链上确认，重放风险由窗口长度约束。
type FastPathVerifier struct {
	window time.Duration
	clock  func() time.Time
}

// FastPathOption 定义可选配置。
type FastPathOption func(*FastPathVerifier)

// WithFastPathClock 注入时间源，便于测试。
func WithFastPathClock(clock func() time.Time) FastPathOption {
	return func(v *FastPathVerifier) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// NewFastPathVerifier 创建快速路径验证器。
func NewFastPathVerifier(window time.Duration, opts ...FastPathOption) *FastPathVerifier {
	if window <= 0 {
		window = 2 * time.Minute
	}
	v := &FastPathVerifier{window: window, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Mode 返回策略标识。
func (v *FastPathVerifier) Mode() Mode {
	return ModeFastPath
}

// Verify 校验签名、金额与新鲜度窗口。
func (v *FastPathVerifier) Verify(_ context.Context, req VerifyRequest) (*Result, error) {
	if req.Signed == nil {
		return &Result{Valid: false, Error: "missing signed intent"}, nil
	}
	if err := req.Signed.Verify(); err != nil {
		return &Result{Valid: false, Error: err.Error()}, nil
	}
	intent := req.Signed.Intent
	if intent.Amount != req.ExpectedAmount {
		return &Result{Valid: false, Error: "amount mismatch"}, nil
	}
	now := v.clock()
	if now.Unix() > intent.ExpiresAt {
		return &Result{Valid: false, Error: payment.ErrIntentExpired.Error()}, nil
	}
	if now.Sub(time.Unix(intent.IssuedAt, 0)) > v.window {
		return &Result{Valid: false, Error: "intent outside freshness window"}, nil
	}

	payload, err := intent.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	// 快速路径没有链上回执，以载荷摘要充当回执哈希供审计关联。
	digest := crypto.Keccak256(payload)
	return &Result{
		Valid: true,
		Receipt: &Receipt{
			Hash: "0x" + hex.EncodeToString(digest),
		},
	}, nil
}

var _ Verifier = (*FastPathVerifier)(nil)
