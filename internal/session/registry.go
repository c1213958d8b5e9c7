package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// Defaults 给出创建会话时未覆盖字段使用的默认限额。
type Defaults struct {
	Duration           time.Duration
	Allowance          int64
	PerTxCap           int64
	DailyCap           int64
	MonthlyCap         int64
	MaxRequests        int
	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	AgentMaxPerHour    int
	AgentMaxPerDay     int
}

// Overrides 允许委托方在创建会话时覆盖部分默认限额。
type Overrides struct {
	Duration           time.Duration
	Allowance          int64
	PerTxCap           int64
	DailyCap           int64
	MonthlyCap         int64
	MaxRequests        int
	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	Whitelist          []string
	ApprovalThreshold  int64
}

// Patch 描述一次部分更新。只包含可变字段；ID、委托方、创建时间不可修改，
// 由 API 层在反序列化阶段拒绝。
type Patch struct {
	PerTxCap           *int64    `json:"per_tx_cap,omitempty"`
	DailyCap           *int64    `json:"daily_cap,omitempty"`
	MonthlyCap         *int64    `json:"monthly_cap,omitempty"`
	MaxRequests        *int      `json:"max_requests,omitempty"`
	MaxConcurrentTasks *int      `json:"max_concurrent_tasks,omitempty"`
	Whitelist          *[]string `json:"whitelist,omitempty"`
	ApprovalThreshold  *int64    `json:"approval_threshold,omitempty"`
}

// Registry 独占管理会话记录，并持有按会话 ID 划分的互斥锁。
// 所有对会话计数器的修改（nonce、余额、调用窗口）都必须在持锁状态下完成。
type Registry struct {
	store    Store
	defaults Defaults
	clock    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// RegistryOption 定义可选配置。
type RegistryOption func(*Registry)

// WithClock 注入时间源，便于测试。
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRegistry 构造会话注册表。
func NewRegistry(store Store, defaults Defaults, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:    store,
		defaults: defaults,
		clock:    time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Now 返回注册表使用的时间源读数。
func (r *Registry) Now() time.Time {
	return r.clock()
}

// LockSession 获取指定会话的独占锁并返回解锁函数。
// 锁的粒度是单个会话，慢结算不会阻塞其他会话的交易。
func (r *Registry) LockSession(id string) func() {
	r.mu.Lock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	r.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Create 创建新的会话，并为其生成一次性的签名密钥对。
func (r *Registry) Create(ctx context.Context, principalID, agentID string, overrides Overrides) (*Session, error) {
	if strings.TrimSpace(principalID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "委托方 ID 不能为空")
	}
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("生成会话密钥失败: %w", err)
	}

	now := r.clock()
	sess := &Session{
		ID:                 uuid.NewString(),
		PrincipalID:        principalID,
		AgentID:            agentID,
		Allowance:          pick64(overrides.Allowance, r.defaults.Allowance),
		PerTxCap:           pick64(overrides.PerTxCap, r.defaults.PerTxCap),
		DailyCap:           pick64(overrides.DailyCap, r.defaults.DailyCap),
		MonthlyCap:         pick64(overrides.MonthlyCap, r.defaults.MonthlyCap),
		MaxRequests:        pickInt(overrides.MaxRequests, r.defaults.MaxRequests),
		MaxConcurrentTasks: pickInt(overrides.MaxConcurrentTasks, r.defaults.MaxConcurrentTasks),
		TaskTimeout:        pickDuration(overrides.TaskTimeout, r.defaults.TaskTimeout),
		AgentMaxPerHour:    r.defaults.AgentMaxPerHour,
		AgentMaxPerDay:     r.defaults.AgentMaxPerDay,
		Whitelist:          append([]string(nil), overrides.Whitelist...),
		ApprovalThreshold:  overrides.ApprovalThreshold,
		PublicKey:          publicKey,
		PrivateKey:         privateKey,
		DayWindow:          dayKey(now),
		MonthWindow:        monthKey(now),
		CreatedAt:          now,
		ExpiresAt:          now.Add(pickDuration(overrides.Duration, r.defaults.Duration)),
	}
	sess.AllowanceRemaining = sess.Allowance
	sess.DailyRemaining = sess.DailyCap
	sess.MonthlyRemaining = sess.MonthlyCap
	sess.RequestsRemaining = sess.MaxRequests

	if err := r.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	logger.Audit().Info("会话创建成功",
		slog.String("session_id", sess.ID),
		slog.String("principal_id", sess.PrincipalID),
		slog.String("agent_id", sess.AgentID),
		slog.Int64("allowance", sess.Allowance),
		slog.Time("expires_at", sess.ExpiresAt),
	)
	return sess.Clone(), nil
}

// GetOrCreate 返回委托方最近的可用会话，不存在时按默认限额新建。
func (r *Registry) GetOrCreate(ctx context.Context, principalID, agentID string) (*Session, error) {
	sess, err := r.store.LatestActive(ctx, principalID, r.clock())
	if err == nil {
		return sess, nil
	}
	if e, ok := xerrors.From(err); !ok || e.Code() != CodeSessionNotFound {
		return nil, err
	}
	return r.Create(ctx, principalID, agentID, Overrides{})
}

// Get 返回指定会话。
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	return r.store.Get(ctx, id)
}

// Update 合并部分更新。仅允许修改限额、白名单与审批阈值。
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	unlock := r.LockSession(id)
	defer unlock()

	sess, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.PerTxCap != nil {
		sess.PerTxCap = *patch.PerTxCap
	}
	if patch.DailyCap != nil {
		// 缩减上限时同步压缩剩余额度，避免剩余超过上限。
		delta := sess.DailyCap - sess.DailyRemaining
		sess.DailyCap = *patch.DailyCap
		sess.DailyRemaining = max64(sess.DailyCap-delta, 0)
	}
	if patch.MonthlyCap != nil {
		delta := sess.MonthlyCap - sess.MonthlyRemaining
		sess.MonthlyCap = *patch.MonthlyCap
		sess.MonthlyRemaining = max64(sess.MonthlyCap-delta, 0)
	}
	if patch.MaxRequests != nil {
		used := sess.MaxRequests - sess.RequestsRemaining
		sess.MaxRequests = *patch.MaxRequests
		sess.RequestsRemaining = maxInt(sess.MaxRequests-used, 0)
	}
	if patch.MaxConcurrentTasks != nil {
		sess.MaxConcurrentTasks = *patch.MaxConcurrentTasks
	}
	if patch.Whitelist != nil {
		sess.Whitelist = append([]string(nil), (*patch.Whitelist)...)
	}
	if patch.ApprovalThreshold != nil {
		sess.ApprovalThreshold = *patch.ApprovalThreshold
	}
	if err := r.store.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Pause 暂停会话。暂停后所有支付检查立即失败。
func (r *Registry) Pause(ctx context.Context, id, reason string) error {
	unlock := r.LockSession(id)
	defer unlock()

	sess, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Paused = true
	sess.PauseReason = reason
	if err := r.store.Save(ctx, sess); err != nil {
		return err
	}
	logger.Audit().Warn("会话已暂停",
		slog.String("session_id", id),
		slog.String("reason", reason),
	)
	return nil
}

// Resume 恢复会话。恢复不会重置任何计数器或余额。
func (r *Registry) Resume(ctx context.Context, id string) error {
	unlock := r.LockSession(id)
	defer unlock()

	sess, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Paused = false
	sess.PauseReason = ""
	if err := r.store.Save(ctx, sess); err != nil {
		return err
	}
	logger.Audit().Info("会话已恢复", slog.String("session_id", id))
	return nil
}

// Budget 返回会话当前日/月窗口的预算视图。
func (r *Registry) Budget(ctx context.Context, id string) (BudgetStatus, error) {
	unlock := r.LockSession(id)
	defer unlock()

	sess, err := r.store.Get(ctx, id)
	if err != nil {
		return BudgetStatus{}, err
	}
	sess.RollWindows(r.clock())
	if err := r.store.Save(ctx, sess); err != nil {
		return BudgetStatus{}, err
	}
	return sess.Budget(), nil
}

// Store 暴露底层存储，供持有会话锁的协作组件读写。
func (r *Registry) Store() Store {
	return r.store
}

func pick64(override, fallback int64) int64 {
	if override > 0 {
		return override
	}
	return fallback
}

func pickInt(override, fallback int) int {
	if override > 0 {
		return override
	}
	return fallback
}

func pickDuration(override, fallback time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return fallback
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
