package ledger

import (
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// Status 表示交易记录在生命周期中的状态。封闭集合：
// pending 唯一的非终态，其余三个为终态，进入终态后不再变更。
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的交易状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TransactionRecord 描述一次乐观记账的支出。签发支付意图时以 pending 落账，
// 结算确认后恰好一次地转入终态；终态记录除元数据补充外不可变。
type TransactionRecord struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	AgentID       string        `json:"agent_id"`
	CallerAgentID string        `json:"caller_agent_id,omitempty"`
	Amount        int64         `json:"amount"`
	TaskType      string        `json:"task_type"`
	Nonce         uint64        `json:"nonce"`
	Status        Status        `json:"status"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	ExecutionTime time.Duration `json:"execution_time,omitempty"`
	ReceiptHash   string        `json:"receipt_hash,omitempty"`
	BlockNumber   uint64        `json:"block_number,omitempty"`
	Fee           string        `json:"fee,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ReconcileMeta 携带终态转换时的补充信息。
type ReconcileMeta struct {
	ErrorMessage  string
	ExecutionTime time.Duration
	ReceiptHash   string
	BlockNumber   uint64
	Fee           string
}

var (
	// ErrTransactionNotFound 表示指定的交易记录不存在。
	ErrTransactionNotFound = xerrors.New(CodeTransactionNotFound, "transaction not found")
	// ErrAlreadyTerminal 表示交易已处于终态，重复对账是无操作。
	ErrAlreadyTerminal = xerrors.New(CodeAlreadyTerminal, "transaction already terminal", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTransactionNotFound xerrors.Code = "TX_NOT_FOUND"
	CodeAlreadyTerminal     xerrors.Code = "TX_ALREADY_TERMINAL"
)

func init() {
	xerrors.Register(CodeTransactionNotFound, xerrors.Attributes{
		Message:   "transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAlreadyTerminal, xerrors.Attributes{
		Message:   "transaction already terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Clone 返回交易记录的拷贝。
func (t *TransactionRecord) Clone() *TransactionRecord {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
