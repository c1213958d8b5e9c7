package session

import (
	"crypto/ed25519"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// Session 描述一次由委托方授予智能体的限额支付授权。
// 预算余额只在结算确认后扣减，签发支付意图本身不动用额度。
type Session struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principal_id"`
	AgentID     string `json:"agent_id"`

	// 金额均以最小货币单位的整数表示。
	Allowance          int64 `json:"allowance"`
	AllowanceRemaining int64 `json:"allowance_remaining"`
	PerTxCap           int64 `json:"per_tx_cap"`
	DailyCap           int64 `json:"daily_cap"`
	DailyRemaining     int64 `json:"daily_remaining"`
	MonthlyCap         int64 `json:"monthly_cap"`
	MonthlyRemaining   int64 `json:"monthly_remaining"`

	MaxRequests       int `json:"max_requests"`
	RequestsRemaining int `json:"requests_remaining"`

	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `json:"task_timeout"`

	AgentMaxPerHour int                     `json:"agent_max_per_hour"`
	AgentMaxPerDay  int                     `json:"agent_max_per_day"`
	AgentCalls      map[string]*AgentWindow `json:"agent_calls,omitempty"`

	Whitelist         []string `json:"whitelist,omitempty"`
	ApprovalThreshold int64    `json:"approval_threshold"`

	Paused      bool   `json:"paused"`
	PauseReason string `json:"pause_reason,omitempty"`

	// 会话级临时签名密钥对，创建时生成，生命周期内不轮换。
	PublicKey  ed25519.PublicKey  `json:"public_key"`
	PrivateKey ed25519.PrivateKey `json:"-"`

	// Nonce 单调递增，每次成功签发恰好加一，绝不复用。
	Nonce uint64 `json:"nonce"`

	// DayWindow/MonthWindow 标记当前预算窗口，跨日/跨月时余额回满。
	DayWindow   string `json:"day_window"`
	MonthWindow string `json:"month_window"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentWindow 记录某个目标智能体的滑动窗口调用计数。
type AgentWindow struct {
	HourCount int       `json:"hour_count"`
	DayCount  int       `json:"day_count"`
	LastCall  time.Time `json:"last_call"`
}

var (
	// ErrSessionNotFound 表示指定的会话不存在。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrSessionConflict 表示会话 ID 已被占用。
	ErrSessionConflict = xerrors.New(CodeSessionConflict, "session conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrSessionPaused 表示会话处于暂停状态。
	ErrSessionPaused = xerrors.New(CodeSessionPaused, "session paused")
	// ErrSessionExpired 表示会话已过期。
	ErrSessionExpired = xerrors.New(CodeSessionExpired, "session expired")
	// ErrImmutableField 表示更新请求试图修改不可变字段。
	ErrImmutableField = xerrors.New(CodeImmutableField, "immutable field in update")
)

const (
	CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionConflict xerrors.Code = "SESSION_CONFLICT"
	CodeSessionPaused   xerrors.Code = "SESSION_PAUSED"
	CodeSessionExpired  xerrors.Code = "SESSION_EXPIRED"
	CodeImmutableField  xerrors.Code = "SESSION_IMMUTABLE_FIELD"
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionConflict, xerrors.Attributes{
		Message:   "session conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionPaused, xerrors.Attributes{
		Message:   "session paused",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionExpired, xerrors.Attributes{
		Message:   "session expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeImmutableField, xerrors.Attributes{
		Message:   "immutable field in update",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Expired 判断会话在给定时间点是否已过期。过期时间在创建时固定。
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Whitelisted 判断目标智能体是否在白名单内。未设置白名单时放行。
func (s *Session) Whitelisted(agentID string) bool {
	if len(s.Whitelist) == 0 {
		return true
	}
	for _, allowed := range s.Whitelist {
		if allowed == agentID {
			return true
		}
	}
	return false
}

// AgentCallCounts 返回目标智能体在滑动窗口结算后的有效调用计数。
// 小时计数在距上次调用 ≥1 小时后清零；天计数跨自然日清零。不修改会话。
func (s *Session) AgentCallCounts(agentID string, now time.Time) (hour, day int) {
	window, ok := s.AgentCalls[agentID]
	if !ok || window == nil {
		return 0, 0
	}
	hour = window.HourCount
	day = window.DayCount
	if now.Sub(window.LastCall) >= time.Hour {
		hour = 0
	}
	if dayKey(now) != dayKey(window.LastCall) {
		day = 0
	}
	return hour, day
}

// RecordAgentCall 将目标智能体的调用计入滑动窗口。调用方必须持有会话锁。
func (s *Session) RecordAgentCall(agentID string, now time.Time) {
	if s.AgentCalls == nil {
		s.AgentCalls = make(map[string]*AgentWindow)
	}
	hour, day := s.AgentCallCounts(agentID, now)
	s.AgentCalls[agentID] = &AgentWindow{
		HourCount: hour + 1,
		DayCount:  day + 1,
		LastCall:  now,
	}
}

// RollWindows 在跨日/跨月时把对应预算余额回满。调用方必须持有会话锁。
func (s *Session) RollWindows(now time.Time) {
	if key := dayKey(now); key != s.DayWindow {
		s.DayWindow = key
		s.DailyRemaining = s.DailyCap
	}
	if key := monthKey(now); key != s.MonthWindow {
		s.MonthWindow = key
		s.MonthlyRemaining = s.MonthlyCap
	}
}

// Clone 返回会话的深拷贝，避免调用方持有存储内部状态。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Whitelist != nil {
		clone.Whitelist = append([]string(nil), s.Whitelist...)
	}
	if s.AgentCalls != nil {
		clone.AgentCalls = make(map[string]*AgentWindow, len(s.AgentCalls))
		for agent, window := range s.AgentCalls {
			copied := *window
			clone.AgentCalls[agent] = &copied
		}
	}
	clone.PublicKey = append(ed25519.PublicKey(nil), s.PublicKey...)
	clone.PrivateKey = append(ed25519.PrivateKey(nil), s.PrivateKey...)
	return &clone
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// BudgetStatus 是按需从会话字段推导的预算视图，不落库。
type BudgetStatus struct {
	DailySpent       int64   `json:"daily_spent"`
	DailyRemaining   int64   `json:"daily_remaining"`
	DailyPercent     float64 `json:"daily_percent"`
	MonthlySpent     int64   `json:"monthly_spent"`
	MonthlyRemaining int64   `json:"monthly_remaining"`
	MonthlyPercent   float64 `json:"monthly_percent"`
}

// Budget 计算当前日/月窗口内的已用与剩余预算。
func (s *Session) Budget() BudgetStatus {
	status := BudgetStatus{
		DailySpent:       s.DailyCap - s.DailyRemaining,
		DailyRemaining:   s.DailyRemaining,
		MonthlySpent:     s.MonthlyCap - s.MonthlyRemaining,
		MonthlyRemaining: s.MonthlyRemaining,
	}
	if s.DailyCap > 0 {
		status.DailyPercent = float64(status.DailySpent) / float64(s.DailyCap) * 100
	}
	if s.MonthlyCap > 0 {
		status.MonthlyPercent = float64(status.MonthlySpent) / float64(s.MonthlyCap) * 100
	}
	return status
}
