package budget

import (
	"fmt"
	"strconv"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/session"
)

const (
	CodeTxCapExceeded         xerrors.Code = "TX_CAP_EXCEEDED"
	CodeAgentNotWhitelisted   xerrors.Code = "AGENT_NOT_WHITELISTED"
	CodeDailyBudgetExceeded   xerrors.Code = "DAILY_BUDGET_EXCEEDED"
	CodeMonthlyBudgetExceeded xerrors.Code = "MONTHLY_BUDGET_EXCEEDED"
	CodeAgentRateLimited      xerrors.Code = "AGENT_RATE_LIMITED"
	CodeConcurrencyExceeded   xerrors.Code = "CONCURRENCY_LIMIT_EXCEEDED"
	CodeRequestsExhausted     xerrors.Code = "REQUESTS_EXHAUSTED"
	CodeInsufficientAllowance xerrors.Code = "INSUFFICIENT_ALLOWANCE"
)

func init() {
	// 单次请求被闸门拦下属于正常业务，按 Info 记录即可。
	for code, message := range map[xerrors.Code]string{
		CodeTxCapExceeded:       "per-transaction cap exceeded",
		CodeAgentNotWhitelisted: "agent not whitelisted",
		CodeAgentRateLimited:    "agent call rate limit exceeded",
		CodeConcurrencyExceeded: "concurrent task limit exceeded",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:   message,
			Severity:  xerrors.SeverityInfo,
			Retryable: false,
			Alert:     false,
		})
	}
	// 预算或配额见底意味着委托本身到达边界，需要触达委托方。
	for code, message := range map[xerrors.Code]string{
		CodeDailyBudgetExceeded:   "daily budget exceeded",
		CodeMonthlyBudgetExceeded: "monthly budget exceeded",
		CodeRequestsExhausted:     "session requests exhausted",
		CodeInsufficientAllowance: "insufficient allowance",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:   message,
			Severity:  xerrors.SeverityWarning,
			Retryable: false,
			Alert:     true,
		})
	}
}

// LimitExceeded 描述一次被拒绝的支付请求命中的具体闸门。
// Limit 与 Current 给出被触发的限额与当前值，便于调用方精确反馈与测试断言。
type LimitExceeded struct {
	Code    xerrors.Code
	Limit   int64
	Current int64
	Message string
}

// Error 实现 error 接口。
func (l *LimitExceeded) Error() string {
	if l == nil {
		return ""
	}
	return fmt.Sprintf("[%s] %s (limit=%d current=%d)", l.Code, l.Message, l.Limit, l.Current)
}

// Err 把闸门结果转换为统一错误类型，携带限额元数据。
func (l *LimitExceeded) Err() *xerrors.Error {
	if l == nil {
		return nil
	}
	return xerrors.New(l.Code, l.Message,
		xerrors.WithMetadata("limit", strconv.FormatInt(l.Limit, 10)),
		xerrors.WithMetadata("current", strconv.FormatInt(l.Current, 10)),
	)
}

// Pending 汇总会话当前未结算交易的占用：笔数参与并发闸门，
// 金额总和从各项剩余预算中预留，确保并发签发不会超卖同一份余额。
type Pending struct {
	Count  int
	Amount int64
}

// Check 按固定顺序校验一次拟议支出。顺序本身是对外契约：
// 会话存在 → 未暂停 → 未过期 → 单笔上限 → 白名单 → 日预算 → 月预算 →
// 目标智能体调用频率 → 并发任务数 → 剩余请求数。
// 日/月预算闸门以扣除未结算占用后的可用值判定。
// 纯函数：不修改会话，遇到第一个失败的闸门立即返回。
func Check(sess *session.Session, agentID string, amount int64, now time.Time, pending Pending) *LimitExceeded {
	if sess == nil {
		return &LimitExceeded{Code: session.CodeSessionNotFound, Message: "session not found"}
	}
	if sess.Paused {
		return &LimitExceeded{Code: session.CodeSessionPaused, Message: "session paused: " + sess.PauseReason}
	}
	if sess.Expired(now) {
		return &LimitExceeded{Code: session.CodeSessionExpired, Message: "session expired"}
	}
	if amount <= 0 {
		return &LimitExceeded{Code: xerrors.CodeInvalidArgument, Current: amount, Message: "amount must be positive"}
	}
	if amount > sess.PerTxCap {
		return &LimitExceeded{
			Code:    CodeTxCapExceeded,
			Limit:   sess.PerTxCap,
			Current: amount,
			Message: "amount exceeds per-transaction cap",
		}
	}
	if !sess.Whitelisted(agentID) {
		return &LimitExceeded{
			Code:    CodeAgentNotWhitelisted,
			Message: "agent " + agentID + " not in session whitelist",
		}
	}
	if amount > sess.DailyRemaining-pending.Amount {
		return &LimitExceeded{
			Code:    CodeDailyBudgetExceeded,
			Limit:   sess.DailyRemaining - pending.Amount,
			Current: amount,
			Message: "amount exceeds remaining daily budget",
		}
	}
	if amount > sess.MonthlyRemaining-pending.Amount {
		return &LimitExceeded{
			Code:    CodeMonthlyBudgetExceeded,
			Limit:   sess.MonthlyRemaining - pending.Amount,
			Current: amount,
			Message: "amount exceeds remaining monthly budget",
		}
	}
	hourCalls, dayCalls := sess.AgentCallCounts(agentID, now)
	if sess.AgentMaxPerHour > 0 && hourCalls >= sess.AgentMaxPerHour {
		return &LimitExceeded{
			Code:    CodeAgentRateLimited,
			Limit:   int64(sess.AgentMaxPerHour),
			Current: int64(hourCalls),
			Message: "hourly call limit reached for agent " + agentID,
		}
	}
	if sess.AgentMaxPerDay > 0 && dayCalls >= sess.AgentMaxPerDay {
		return &LimitExceeded{
			Code:    CodeAgentRateLimited,
			Limit:   int64(sess.AgentMaxPerDay),
			Current: int64(dayCalls),
			Message: "daily call limit reached for agent " + agentID,
		}
	}
	if sess.MaxConcurrentTasks > 0 && pending.Count >= sess.MaxConcurrentTasks {
		return &LimitExceeded{
			Code:    CodeConcurrencyExceeded,
			Limit:   int64(sess.MaxConcurrentTasks),
			Current: int64(pending.Count),
			Message: "too many unsettled transactions",
		}
	}
	if sess.RequestsRemaining <= 0 {
		return &LimitExceeded{
			Code:    CodeRequestsExhausted,
			Limit:   int64(sess.MaxRequests),
			Current: int64(sess.MaxRequests),
			Message: "session request quota exhausted",
		}
	}
	return nil
}
