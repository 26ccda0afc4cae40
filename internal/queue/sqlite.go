package queue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"taskd/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps tasks in a SQLite file. Times are stored as unix milliseconds.
//
// Claims rely on BEGIN IMMEDIATE (the _txlock DSN option): the write lock is taken
// when the transaction opens, so concurrent claimers in any process serialize
// instead of selecting overlapping rows.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
	d   dialect
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return t.UnixMilli() },
	like:        "LIKE",
}

// SQLiteDSN builds the connection string used by OpenSQLite.
func SQLiteDSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	return fmt.Sprintf("file:%s?mode=rwc&_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		path, busyTimeout.Milliseconds())
}

func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration, log zerolog.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", SQLiteDSN(path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, log: log, d: sqliteDialect}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates tables if they don't exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// DB returns the underlying database connection.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	t = prepareNew(t, time.Now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TaskName, t.Type, string(t.Payload), string(t.Status), t.Priority, t.ScheduledAt.UnixMilli(),
		t.MaxRetries, t.RetryCount, s.d.arg(t.LastError), s.d.arg(t.NextRetryAt), s.d.arg(t.LockedBy), s.d.arg(t.LockedAt),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	q, args := s.d.listSQL(f)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectSQLiteTasks(rows)
}

func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch, g Guard) (bool, error) {
	return sqliteUpdate(ctx, s.db, s.d, id, p, g)
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sqliteTx{tx: tx, d: s.d}, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (domain.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	st := zeroStats()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st[domain.Status(status)] = n
	}
	return st, rows.Err()
}

func (s *SQLiteStore) ReleaseStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE tasks
SET status='pending', locked_by=NULL, locked_at=NULL, updated_at=?
WHERE status='processing' AND locked_at < ?
RETURNING id`, time.Now().UnixMilli(), cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE updated_at < ? AND `+terminalWhere, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e domain.TaskEvent) error {
	e = prepareEvent(e, time.Now())
	var meta any
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
		meta = string(b)
	}
	var msg any
	if e.Message != "" {
		msg = e.Message
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_events (id, task_id, event_type, message, metadata, created_at)
VALUES (?,?,?,?,?,?)`, e.ID, e.TaskID, string(e.EventType), msg, meta, e.CreatedAt.UnixMilli())
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, taskID string) ([]domain.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_id, event_type, message, metadata, created_at
FROM task_events WHERE task_id=? ORDER BY created_at, rowid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		var typ string
		var msg, meta sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.TaskID, &typ, &msg, &meta, &created); err != nil {
			return nil, err
		}
		e.EventType = domain.EventType(typ)
		e.Message = msg.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type sqliteTx struct {
	tx *sql.Tx
	d  dialect
}

func (t *sqliteTx) SelectDue(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	ms := now.UnixMilli()
	rows, err := t.tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE `+fmt.Sprintf(dueWhere, "?")+`
ORDER BY priority ASC, scheduled_at ASC
LIMIT ?`, ms, ms, limit)
	if err != nil {
		return nil, fmt.Errorf("select due: %w", err)
	}
	return collectSQLiteTasks(rows)
}

func (t *sqliteTx) Update(ctx context.Context, id string, p Patch, g Guard) (bool, error) {
	return sqliteUpdate(ctx, t.tx, t.d, id, p, g)
}

func (t *sqliteTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback(context.Context) error { return t.tx.Rollback() }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteUpdate(ctx context.Context, db execer, d dialect, id string, p Patch, g Guard) (bool, error) {
	q, args, err := d.updateSQL(id, p, g, time.Now())
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var payload, status string
	var scheduled, created, updated int64
	var lastErr, lockedBy sql.NullString
	var nextRetry, lockedAt sql.NullInt64
	if err := row.Scan(&t.ID, &t.TaskName, &t.Type, &payload, &status, &t.Priority, &scheduled,
		&t.MaxRetries, &t.RetryCount, &lastErr, &nextRetry, &lockedBy, &lockedAt, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Payload = json.RawMessage(payload)
	t.Status = domain.Status(status)
	t.ScheduledAt = time.UnixMilli(scheduled).UTC()
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	if lastErr.Valid {
		t.LastError = &lastErr.String
	}
	if lockedBy.Valid {
		t.LockedBy = &lockedBy.String
	}
	if nextRetry.Valid {
		v := time.UnixMilli(nextRetry.Int64).UTC()
		t.NextRetryAt = &v
	}
	if lockedAt.Valid {
		v := time.UnixMilli(lockedAt.Int64).UTC()
		t.LockedAt = &v
	}
	return t, nil
}

func collectSQLiteTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func prepareNew(t domain.Task, now time.Time) domain.Task {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if len(t.Payload) == 0 {
		t.Payload = json.RawMessage(`{}`)
	}
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = now
	}
	now = now.UTC().Truncate(time.Millisecond)
	t.ScheduledAt = t.ScheduledAt.UTC().Truncate(time.Millisecond)
	t.CreatedAt = now
	t.UpdatedAt = now
	return t
}

func prepareEvent(e domain.TaskEvent, now time.Time) domain.TaskEvent {
	if e.ID == "" {
		e.ID = "evt_" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e
}
