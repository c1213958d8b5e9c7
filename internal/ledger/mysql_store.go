package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"AgentPay-Chain/deploy/migrations"
	xerrors "AgentPay-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 持久化交易记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建连接池并初始化数据表。
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "应用数据库迁移失败")
	}
	return &MySQLStore{db: db}, nil
}

// Append 插入新的交易记录。
func (s *MySQLStore) Append(ctx context.Context, record *TransactionRecord) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	const stmt = `INSERT INTO transactions
        (id, session_id, agent_id, caller_agent_id, amount, task_type, nonce, status,
         error_message, execution_time_ms, receipt_hash, block_number, fee, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.ID, record.SessionID, record.AgentID, record.CallerAgentID,
		record.Amount, record.TaskType, record.Nonce, string(record.Status),
		record.ErrorMessage, record.ExecutionTime.Milliseconds(),
		record.ReceiptHash, record.BlockNumber, record.Fee,
		record.CreatedAt.Unix(), record.UpdatedAt.Unix(),
	); err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return xerrors.New(xerrors.CodeConflict, "交易 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易记录失败")
	}
	return nil
}

// Get 读取单条交易记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*TransactionRecord, error) {
	const query = `SELECT id, session_id, agent_id, caller_agent_id, amount, task_type,
        nonce, status, error_message, execution_time_ms, receipt_hash, block_number, fee,
        created_at, updated_at FROM transactions WHERE id = ?`
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取交易记录失败")
	}
	return record, nil
}

// Update 覆盖已有记录。
func (s *MySQLStore) Update(ctx context.Context, record *TransactionRecord) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	record.UpdatedAt = time.Now()

	const stmt = `UPDATE transactions SET
        status = ?, error_message = ?, execution_time_ms = ?, receipt_hash = ?,
        block_number = ?, fee = ?, updated_at = ?
        WHERE id = ?`

	result, err := s.db.ExecContext(ctx, stmt,
		string(record.Status), record.ErrorMessage, record.ExecutionTime.Milliseconds(),
		record.ReceiptHash, record.BlockNumber, record.Fee,
		record.UpdatedAt.Unix(), record.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易记录失败")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		if _, getErr := s.Get(ctx, record.ID); getErr != nil {
			return ErrTransactionNotFound
		}
	}
	return nil
}

// ListBySession 返回会话最近的 N 条记录，按创建时间正序。
func (s *MySQLStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*TransactionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, session_id, agent_id, caller_agent_id, amount, task_type,
        nonce, status, error_message, execution_time_ms, receipt_hash, block_number, fee,
        created_at, updated_at
        FROM (SELECT * FROM transactions WHERE session_id = ? ORDER BY created_at DESC, nonce DESC LIMIT ?) recent
        ORDER BY created_at ASC, nonce ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录失败")
	}
	defer rows.Close()

	var records []*TransactionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易记录失败")
	}
	return records, nil
}

// PendingStats 返回会话当前未结算交易的笔数与金额总和。
func (s *MySQLStore) PendingStats(ctx context.Context, sessionID string) (int, int64, error) {
	var (
		count  int
		amount int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM transactions WHERE session_id = ? AND status = ?`,
		sessionID, string(StatusPending),
	).Scan(&count, &amount)
	if err != nil {
		return 0, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计未结算交易失败")
	}
	return count, amount, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TransactionRecord, error) {
	var (
		record      TransactionRecord
		status      string
		errMessage  sql.NullString
		execMs      int64
		receiptHash sql.NullString
		fee         sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&record.ID, &record.SessionID, &record.AgentID, &record.CallerAgentID,
		&record.Amount, &record.TaskType, &record.Nonce, &status,
		&errMessage, &execMs, &receiptHash, &record.BlockNumber, &fee,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	record.Status = Status(status)
	record.ErrorMessage = errMessage.String
	record.ExecutionTime = time.Duration(execMs) * time.Millisecond
	record.ReceiptHash = receiptHash.String
	record.Fee = fee.String
	record.CreatedAt = time.Unix(createdAt, 0)
	record.UpdatedAt = time.Unix(updatedAt, 0)
	return &record, nil
}

var _ Store = (*MySQLStore)(nil)
