package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "DataPilot/internal/errors"
)

// 支持的 SQL 驱动。
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// SQLConfig 描述 SQL 任务存储的连接参数。
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// SkipMigrate 为 true 时不在启动时执行迁移。
	SkipMigrate bool
}

// SQLStore 使用 MySQL 或 SQLite 记录任务状态。
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenDatabase 按配置建立连接池并检查连通性。
func OpenDatabase(ctx context.Context, cfg SQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQL DSN 不能为空")
	}
	driver := cfg.Driver
	if driver != DriverMySQL && driver != DriverSQLite {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的 SQL 驱动: %s", driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接数据库失败")
	}

	switch {
	case driver == DriverSQLite:
		// SQLite 仅支持单写连接。
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}
	return db, nil
}

// NewSQLStore 创建 SQLStore，默认执行内置迁移。
func NewSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.SkipMigrate {
		if _, err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
		}
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

const taskColumns = `id, description, status, response, attempts, max_attempts, last_error, error_code, created_at, updated_at`

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	response, err := marshalResponse(task.Response)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Description, string(task.Status), response, task.Attempts, task.MaxAttempts,
		task.LastError, task.ErrorCode, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败")
	}
	return nil
}

// Get 查询任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound(id)
		}
		return nil, xerrors.Ensure(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Update 实现 Store 接口。
func (s *SQLStore) Update(ctx context.Context, id string, status Status, response *Response) error {
	var (
		result sql.Result
		err    error
		now    = s.now().Unix()
	)
	if response != nil {
		encoded, encErr := marshalResponse(response)
		if encErr != nil {
			return encErr
		}
		result, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, response = ?, updated_at = ? WHERE id = ?`,
			string(status), encoded, now, id)
	} else {
		result, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	return s.requireAffected(ctx, result, id)
}

// Claim 实现 Store 接口。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE tasks SET attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = ?`,
		s.now().Unix(), id, string(StatusInProgress))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取任务失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return task, ErrTaskCompleted
	}
	return task, nil
}

// RecordError 实现 Store 接口。
func (s *SQLStore) RecordError(ctx context.Context, id string, code xerrors.Code, message string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE tasks SET last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`,
		message, string(code), s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录任务错误失败")
	}
	return s.requireAffected(ctx, result, id)
}

// List 按过滤条件分页查询任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	where, args := buildWhere(opts)
	order := "updated_at DESC, created_at DESC, id ASC"
	if opts.Order == SortByUpdatedAsc {
		order = "updated_at ASC, created_at ASC, id ASC"
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Ensure(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务记录失败")
	}
	return tasks, nil
}

// Stats 按状态聚合任务数量。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	where, args := buildWhere(opts)
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM tasks`+where+` GROUP BY status`, args...)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
	}
	defer rows.Close()

	stats := TaskStats{}
	for rows.Next() {
		var (
			status         string
			count          int
			oldest, newest int64
		)
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析统计结果失败")
		}
		stats.Total += count
		switch Status(status) {
		case StatusInProgress:
			stats.InProgress += count
		case StatusCompleted:
			stats.Completed += count
		case StatusFailed:
			stats.Failed += count
		}
		if newest > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest
		}
		if stats.OldestUpdatedAt == 0 || (oldest != 0 && oldest < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest
		}
	}
	if err := rows.Err(); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	return stats, nil
}

// DeleteExpired 实现 Store 接口。
func (s *SQLStore) DeleteExpired(ctx context.Context, before time.Time) ([]string, error) {
	cutoff := before.Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启清理事务失败")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE updated_at < ? ORDER BY id`, cutoff)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询过期任务失败")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析过期任务失败")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE updated_at < ?`, cutoff); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除过期任务失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交清理事务失败")
	}
	return ids, nil
}

// Close 关闭连接池。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task      Task
		status    string
		response  sql.NullString
		lastError sql.NullString
	)
	if err := row.Scan(&task.ID, &task.Description, &status, &response, &task.Attempts, &task.MaxAttempts,
		&lastError, &task.ErrorCode, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.LastError = lastError.String
	if response.Valid && response.String != "" {
		var resp Response
		if err := json.Unmarshal([]byte(response.String), &resp); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码任务结果失败")
		}
		task.Response = &resp
	}
	return &task, nil
}

func buildWhere(opts ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			clauses = append(clauses, "response IS NOT NULL AND response <> ''")
		} else {
			clauses = append(clauses, "(response IS NULL OR response = '')")
		}
	}
	if opts.Query != "" {
		like := "%" + strings.ToLower(opts.Query) + "%"
		clauses = append(clauses, "(LOWER(id) LIKE ? OR LOWER(description) LIKE ? OR LOWER(response) LIKE ?)")
		args = append(args, like, like, like)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func marshalResponse(resp *Response) (sql.NullString, error) {
	if resp == nil {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务结果失败")
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

// requireAffected 在未修改任何行时确认记录是否存在，MySQL 对值未变化的行不计入影响行数。
func (s *SQLStore) requireAffected(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotFound(id)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLStore)(nil)
