package session

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"AgentPay-Chain/deploy/migrations"
	xerrors "AgentPay-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 持久化会话状态，保证进程重启后授权仍然有效。
type MySQLStore struct {
	db *sql.DB
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore 创建连接池并初始化数据表。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "应用数据库迁移失败")
	}
	return &MySQLStore{db: db}, nil
}

// Create 插入新的会话记录。
func (s *MySQLStore) Create(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	calls, whitelist, err := encodeJSONFields(sess)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO sessions
        (id, principal_id, agent_id, allowance, allowance_remaining, per_tx_cap,
         daily_cap, daily_remaining, monthly_cap, monthly_remaining,
         max_requests, requests_remaining, max_concurrent_tasks, task_timeout_seconds,
         agent_max_per_hour, agent_max_per_day, agent_calls, whitelist,
         approval_threshold, paused, pause_reason, public_key, private_key, nonce,
         day_window, month_window, created_at, expires_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		sess.ID, sess.PrincipalID, sess.AgentID,
		sess.Allowance, sess.AllowanceRemaining, sess.PerTxCap,
		sess.DailyCap, sess.DailyRemaining, sess.MonthlyCap, sess.MonthlyRemaining,
		sess.MaxRequests, sess.RequestsRemaining, sess.MaxConcurrentTasks, int64(sess.TaskTimeout/time.Second),
		sess.AgentMaxPerHour, sess.AgentMaxPerDay, calls, whitelist,
		sess.ApprovalThreshold, sess.Paused, sess.PauseReason,
		[]byte(sess.PublicKey), []byte(sess.PrivateKey), sess.Nonce,
		sess.DayWindow, sess.MonthWindow,
		sess.CreatedAt.Unix(), sess.ExpiresAt.Unix(), sess.UpdatedAt.Unix(),
	); err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return ErrSessionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil
}

// Get 读取并还原单个会话。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Session, error) {
	const query = selectColumns + ` FROM sessions WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	return sess, nil
}

// LatestActive 返回委托方最近一个未过期且未暂停的会话。
func (s *MySQLStore) LatestActive(ctx context.Context, principalID string, now time.Time) (*Session, error) {
	const query = selectColumns + ` FROM sessions
        WHERE principal_id = ? AND paused = 0 AND expires_at > ?
        ORDER BY created_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, principalID, now.Unix())
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	return sess, nil
}

// Save 整体覆盖会话的可变状态。
func (s *MySQLStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	sess.UpdatedAt = time.Now()

	calls, whitelist, err := encodeJSONFields(sess)
	if err != nil {
		return err
	}

	const stmt = `UPDATE sessions SET
        allowance_remaining = ?, per_tx_cap = ?, daily_cap = ?, daily_remaining = ?,
        monthly_cap = ?, monthly_remaining = ?, max_requests = ?, requests_remaining = ?,
        max_concurrent_tasks = ?, task_timeout_seconds = ?, agent_max_per_hour = ?,
        agent_max_per_day = ?, agent_calls = ?, whitelist = ?, approval_threshold = ?,
        paused = ?, pause_reason = ?, nonce = ?, day_window = ?, month_window = ?, updated_at = ?
        WHERE id = ?`

	result, err := s.db.ExecContext(ctx, stmt,
		sess.AllowanceRemaining, sess.PerTxCap, sess.DailyCap, sess.DailyRemaining,
		sess.MonthlyCap, sess.MonthlyRemaining, sess.MaxRequests, sess.RequestsRemaining,
		sess.MaxConcurrentTasks, int64(sess.TaskTimeout/time.Second), sess.AgentMaxPerHour,
		sess.AgentMaxPerDay, calls, whitelist, sess.ApprovalThreshold,
		sess.Paused, sess.PauseReason, sess.Nonce, sess.DayWindow, sess.MonthWindow,
		sess.UpdatedAt.Unix(), sess.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话失败")
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		if _, getErr := s.Get(ctx, sess.ID); getErr != nil {
			return ErrSessionNotFound
		}
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectColumns = `SELECT id, principal_id, agent_id, allowance, allowance_remaining,
        per_tx_cap, daily_cap, daily_remaining, monthly_cap, monthly_remaining,
        max_requests, requests_remaining, max_concurrent_tasks, task_timeout_seconds,
        agent_max_per_hour, agent_max_per_day, agent_calls, whitelist,
        approval_threshold, paused, pause_reason, public_key, private_key, nonce,
        day_window, month_window, created_at, expires_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess           Session
		timeoutSeconds int64
		calls          sql.NullString
		whitelist      sql.NullString
		publicKey      []byte
		privateKey     []byte
		createdAt      int64
		expiresAt      int64
		updatedAt      int64
	)
	if err := row.Scan(
		&sess.ID, &sess.PrincipalID, &sess.AgentID, &sess.Allowance, &sess.AllowanceRemaining,
		&sess.PerTxCap, &sess.DailyCap, &sess.DailyRemaining, &sess.MonthlyCap, &sess.MonthlyRemaining,
		&sess.MaxRequests, &sess.RequestsRemaining, &sess.MaxConcurrentTasks, &timeoutSeconds,
		&sess.AgentMaxPerHour, &sess.AgentMaxPerDay, &calls, &whitelist,
		&sess.ApprovalThreshold, &sess.Paused, &sess.PauseReason, &publicKey, &privateKey, &sess.Nonce,
		&sess.DayWindow, &sess.MonthWindow, &createdAt, &expiresAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	sess.TaskTimeout = time.Duration(timeoutSeconds) * time.Second
	sess.PublicKey = ed25519.PublicKey(publicKey)
	sess.PrivateKey = ed25519.PrivateKey(privateKey)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	if calls.Valid && calls.String != "" {
		if err := json.Unmarshal([]byte(calls.String), &sess.AgentCalls); err != nil {
			return nil, fmt.Errorf("解析调用窗口失败: %w", err)
		}
	}
	if whitelist.Valid && whitelist.String != "" {
		if err := json.Unmarshal([]byte(whitelist.String), &sess.Whitelist); err != nil {
			return nil, fmt.Errorf("解析白名单失败: %w", err)
		}
	}
	return &sess, nil
}

func encodeJSONFields(sess *Session) (calls, whitelist []byte, err error) {
	if len(sess.AgentCalls) > 0 {
		calls, err = json.Marshal(sess.AgentCalls)
		if err != nil {
			return nil, nil, fmt.Errorf("序列化调用窗口失败: %w", err)
		}
	}
	if len(sess.Whitelist) > 0 {
		whitelist, err = json.Marshal(sess.Whitelist)
		if err != nil {
			return nil, nil, fmt.Errorf("序列化白名单失败: %w", err)
		}
	}
	return calls, whitelist, nil
}

var _ Store = (*MySQLStore)(nil)
