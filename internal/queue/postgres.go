package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"taskd/internal/domain"
)

// PostgresStore keeps tasks in PostgreSQL. Claims use FOR UPDATE SKIP LOCKED, so
// concurrent claimers skip rows another transaction already holds.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
	d    dialect
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	timeArg:     func(t time.Time) any { return t.UTC() },
	like:        "ILIKE",
}

func OpenPostgres(ctx context.Context, url string, maxConns int, log zerolog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, log: log, d: postgresDialect}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, string(b)); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	t = prepareNew(t, time.Now())
	_, err := s.pool.Exec(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.TaskName, t.Type, string(t.Payload), string(t.Status), t.Priority, t.ScheduledAt,
		t.MaxRetries, t.RetryCount, t.LastError, t.NextRetryAt, t.LockedBy, t.LockedAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (domain.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	t, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	q, args := s.d.listSQL(f)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectPgTasks(rows)
}

func (s *PostgresStore) Update(ctx context.Context, id string, p Patch, g Guard) (bool, error) {
	return pgUpdate(ctx, s.pool, s.d, id, p, g)
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &pgTx{tx: tx, d: s.d}, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (domain.Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	st := zeroStats()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st[domain.Status(status)] = int(n)
	}
	return st, rows.Err()
}

func (s *PostgresStore) ReleaseStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE tasks
SET status='pending', locked_by=NULL, locked_at=NULL, updated_at=NOW()
WHERE status='processing' AND locked_at < $1
RETURNING id`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE updated_at < $1 AND `+terminalWhere, before.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e domain.TaskEvent) error {
	e = prepareEvent(e, time.Now())
	var meta any
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
		meta = string(b)
	}
	var msg *string
	if e.Message != "" {
		msg = &e.Message
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO task_events (id, task_id, event_type, message, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, e.ID, e.TaskID, string(e.EventType), msg, meta, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, taskID string) ([]domain.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, task_id, event_type, message, metadata, created_at
FROM task_events WHERE task_id=$1 ORDER BY seq`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		var typ string
		var msg *string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.TaskID, &typ, &msg, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventType = domain.EventType(typ)
		if msg != nil {
			e.Message = *msg
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
	d  dialect
}

func (t *pgTx) SelectDue(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE `+fmt.Sprintf(dueWhere, "$1")+`
ORDER BY priority ASC, scheduled_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due: %w", err)
	}
	return collectPgTasks(rows)
}

func (t *pgTx) Update(ctx context.Context, id string, p Patch, g Guard) (bool, error) {
	return pgUpdate(ctx, t.tx, t.d, id, p, g)
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func pgUpdate(ctx context.Context, db pgExecer, d dialect, id string, p Patch, g Guard) (bool, error) {
	q, args, err := d.updateSQL(id, p, g, time.Now())
	if err != nil {
		return false, err
	}
	tag, err := db.Exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanPgTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var payload []byte
	var status string
	if err := row.Scan(&t.ID, &t.TaskName, &t.Type, &payload, &status, &t.Priority, &t.ScheduledAt,
		&t.MaxRetries, &t.RetryCount, &t.LastError, &t.NextRetryAt, &t.LockedBy, &t.LockedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	t.Payload = json.RawMessage(payload)
	t.Status = domain.Status(status)
	return t, nil
}

func collectPgTasks(rows pgx.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
