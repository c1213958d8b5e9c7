package settlement

import (
	"context"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

// Mode 标识结算验证策略。策略按部署显式配置，绝不按调用混用。
type Mode string

const (
	// ModeFastPath 只校验签名与新鲜度窗口，存在有界的重放风险，
	// 仅用于低风险或非生产环境。
	ModeFastPath Mode = "fastpath"
	// ModeFull 阻塞等待链上最终确认，并核对结算金额。
	ModeFull Mode = "full"
)

// VerifyRequest 是核心层对结算端的验证契约输入。
type VerifyRequest struct {
	Signed         *payment.SignedIntent
	ExpectedAmount int64
	// ChainTxHash 是外部提交结算后回报的链上交易哈希，快速路径可为空。
	ChainTxHash string
}

// Receipt 是结算确认回执。
type Receipt struct {
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"block_number"`
	Fee         string `json:"fee"`
}

// Result 是一次结算验证的结论。
type Result struct {
	Valid   bool     `json:"valid"`
	Receipt *Receipt `json:"receipt,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Verifier 确认一份已签发的支付意图在底层账本上结算成立。
// 核心层只依赖该接口，验证强度可替换而不触及预算逻辑。
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (*Result, error)
	Mode() Mode
}

var (
	// ErrSettlementFailed 表示结算验证判定失败。
	ErrSettlementFailed = xerrors.New(CodeSettlementFailed, "settlement verification failed")
	// ErrSettlementTimeout 表示结算验证超出任务超时。
	ErrSettlementTimeout = xerrors.New(CodeSettlementTimeout, "settlement verification timed out")
)

const (
	CodeSettlementFailed  xerrors.Code = "SETTLEMENT_FAILED"
	CodeSettlementTimeout xerrors.Code = "SETTLEMENT_TIMEOUT"
)

func init() {
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{
		Message:   "settlement verification failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSettlementTimeout, xerrors.Attributes{
		Message:   "settlement verification timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}
