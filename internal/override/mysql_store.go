package override

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
)

// MySQLStore 使用 MySQL 记录覆写 Run 状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS override_runs (
        id VARCHAR(64) PRIMARY KEY,
        vault VARCHAR(64) NOT NULL,
        destination VARCHAR(64) NOT NULL,
        amount_lamports BIGINT UNSIGNED NOT NULL,
        reason VARCHAR(64) NOT NULL,
        requested_by VARCHAR(64) DEFAULT '',
        metadata TEXT,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result_signature VARCHAR(128) DEFAULT '',
        result_slot BIGINT UNSIGNED NOT NULL DEFAULT 0,
        result_blockhash VARCHAR(64) DEFAULT '',
        result_observations TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_override_vault (vault),
        INDEX idx_override_status (status),
        INDEX idx_override_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 override_runs 表失败")
	}
	return nil
}

// Create 插入新的覆写 Run 记录。
func (s *MySQLStore) Create(ctx context.Context, run *Run) error {
	if run == nil {
		return xerrors.New(xerrors.CodeInvalidInput, "run 不能为空")
	}
	if strings.TrimSpace(run.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidInput, "覆写 Run ID 不能为空")
	}

	now := time.Now().Unix()
	run.CreatedAt = now
	run.UpdatedAt = now

	metadataValue, err := marshalMetadata(run.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidInput, err, "编码 Run metadata 失败")
	}

	const stmt = `INSERT INTO override_runs
        (id, vault, destination, amount_lamports, reason, requested_by, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		run.ID,
		run.Vault,
		run.Destination,
		run.AmountLamports,
		run.Reason,
		run.RequestedBy,
		metadataValue,
		run.Status,
		run.Attempts,
		run.MaxRetries,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRunConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入覆写 Run 失败")
	}
	return nil
}

// Get 查询指定 Run。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Run, error) {
	const stmt = `SELECT id, vault, destination, amount_lamports, reason, requested_by, metadata, status, attempts, max_retries, last_error, error_code,
        result_signature, result_slot, result_blockhash, result_observations, created_at, updated_at
        FROM override_runs WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	return scanRun(row)
}

// Claim 将待执行的 Run 置为构建阶段并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Run, error) {
	// 结果未知的 Run 被排除在领取之外，防止重复广播。
	const updateStmt = `UPDATE override_runs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries AND error_code <> ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusBuilding,
		now,
		id,
		StatusPending,
		StatusFailed,
		string(CodeConfirmationUncertain),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 Run 状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		run, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch {
		case run.Status == StatusSucceeded:
			return run, ErrRunCompleted
		case inFlight(run.Status):
			return run, ErrRunConflict
		case run.ErrorCode == string(CodeConfirmationUncertain):
			return run, ErrRunConflict
		default:
			if run.Attempts >= run.MaxRetries {
				return run, ErrRunExhausted
			}
			return run, ErrRunConflict
		}
	}
	return s.Get(ctx, id)
}

// UpdateStatus 推进执行阶段。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !inFlight(status) {
		return ErrRunConflict
	}
	const stmt = `UPDATE override_runs SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		status,
		time.Now().Unix(),
		id,
		StatusBuilding,
		StatusSigning,
		StatusConfirming,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进 Run 阶段失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrRunConflict
	}
	return nil
}

// MarkSucceeded 将 Run 标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result BroadcastResult) error {
	const stmt = `UPDATE override_runs SET status = ?, result_signature = ?, result_slot = ?, result_blockhash = ?,
        result_observations = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusSucceeded,
		result.Signature,
		result.Slot,
		result.Blockhash,
		result.Observations,
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记 Run 成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// MarkFailed 将 Run 标记为失败，并在必要时终止重试。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE override_runs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记 Run 失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// List 返回符合过滤条件的 Run。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Run, error) {
	opts.applyDefaults()

	query := `SELECT id, vault, destination, amount_lamports, reason, requested_by, metadata, status, attempts, max_retries, last_error, error_code,
        result_signature, result_slot, result_blockhash, result_observations, created_at, updated_at FROM override_runs`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 Run 列表失败")
	}
	defer rows.Close()

	runs := make([]*Run, 0, opts.Limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 Run 失败")
	}
	return runs, nil
}

// Stats 返回符合过滤条件的 Run 聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (RunStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status IN (?, ?, ?) THEN 1 ELSE 0 END) AS in_flight,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS succeeded,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM override_runs`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending),
		string(StatusBuilding), string(StatusSigning), string(StatusConfirming),
		string(StatusSucceeded), string(StatusFailed),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats RunStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.InFlight,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return RunStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 Run 统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
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

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var result BroadcastResult
	var metadata sql.NullString

	if err := row.Scan(
		&run.ID,
		&run.Vault,
		&run.Destination,
		&run.AmountLamports,
		&run.Reason,
		&run.RequestedBy,
		&metadata,
		&run.Status,
		&run.Attempts,
		&run.MaxRetries,
		&run.LastError,
		&run.ErrorCode,
		&result.Signature,
		&result.Slot,
		&result.Blockhash,
		&result.Observations,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 Run 记录失败")
	}

	decodedMetadata, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 Run metadata 失败")
	}
	run.Metadata = cloneMetadata(decodedMetadata)

	if result.Signature != "" || result.Blockhash != "" || result.Observations != "" || result.Slot != 0 {
		run.Result = &result
	}
	return &run, nil
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.Vault != "" {
		conditions = append(conditions, "vault = ?")
		args = append(args, opts.Vault)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result_signature <> '' OR result_blockhash <> '' OR result_slot <> 0 OR (result_observations IS NOT NULL AND result_observations <> ''))")
		} else {
			conditions = append(conditions, "(result_signature = '' AND result_blockhash = '' AND result_slot = 0 AND (result_observations IS NULL OR result_observations = ''))")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR vault LIKE ? OR destination LIKE ? OR reason LIKE ? OR requested_by LIKE ? OR metadata LIKE ? OR last_error LIKE ? OR result_signature LIKE ?)")
		args = append(args,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
		)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
