// Package postgres provides the Postgres-backed persistence port: the task
// queue, the identity/contact store, and the append-only execution log.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ianWYHH/Spidermind/internal/spider"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements spider.Store on top of Postgres.
type Store struct {
	pool   dbPool
	logger *zap.Logger
}

// NewStore connects a pool and returns the store.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool dbPool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const taskColumns = `id, source, task_type, url, github_login, profile_id, depth,
	status, retries, priority, batch_id, error_text, created_at, updated_at, started_at`

func scanTask(row pgx.Row) (spider.CrawlTask, error) {
	var t spider.CrawlTask
	err := row.Scan(
		&t.ID, &t.Source, &t.Type, &t.URL, &t.Login, &t.ProfileID, &t.Depth,
		&t.Status, &t.Retries, &t.Priority, &t.BatchID, &t.ErrorText,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt,
	)
	return t, err
}

// ClaimNextTask atomically claims one pending task and marks it running.
// Concurrent runners skip each other's claims via SKIP LOCKED.
func (s *Store) ClaimNextTask(ctx context.Context, source spider.Source, taskID int64) (spider.CrawlTask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spider.CrawlTask{}, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	task, err := selectPending(ctx, tx, source, taskID, true)
	if err != nil {
		return spider.CrawlTask{}, err
	}

	if _, err := tx.Exec(ctx, `
UPDATE crawl_tasks
SET status = 'running', started_at = now(), updated_at = now()
WHERE id = $1`, task.ID); err != nil {
		return spider.CrawlTask{}, fmt.Errorf("mark task running: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return spider.CrawlTask{}, fmt.Errorf("commit claim: %w", err)
	}

	task.Status = spider.TaskStatusRunning
	now := time.Now()
	task.StartedAt = &now
	return task, nil
}

// PeekNextTask reads the task ClaimNextTask would claim, without mutating it.
func (s *Store) PeekNextTask(ctx context.Context, source spider.Source, taskID int64) (spider.CrawlTask, error) {
	return selectPending(ctx, s.pool, source, taskID, false)
}

type rowQuerier interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}

func selectPending(ctx context.Context, q rowQuerier, source spider.Source, taskID int64, lock bool) (spider.CrawlTask, error) {
	suffix := ""
	if lock {
		suffix = " FOR UPDATE SKIP LOCKED"
	}
	var row pgx.Row
	if taskID > 0 {
		row = q.QueryRow(ctx, fmt.Sprintf(`
SELECT %s
FROM crawl_tasks
WHERE id = $1 AND status = 'pending'%s`, taskColumns, suffix), taskID)
	} else {
		row = q.QueryRow(ctx, fmt.Sprintf(`
SELECT %s
FROM crawl_tasks
WHERE status = 'pending' AND source = $1
ORDER BY priority DESC, created_at ASC
LIMIT 1%s`, taskColumns, suffix), source)
	}
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return spider.CrawlTask{}, spider.ErrNoTask
	}
	if err != nil {
		return spider.CrawlTask{}, fmt.Errorf("select pending task: %w", err)
	}
	return task, nil
}

// MarkTaskStatus terminalizes a task. A failed status bumps the retry
// counter for the external producer's re-queue accounting.
func (s *Store) MarkTaskStatus(ctx context.Context, taskID int64, status spider.TaskStatus, message string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_tasks
SET status = $2,
    error_text = $3,
    retries = retries + CASE WHEN $2 = 'failed' THEN 1 ELSE 0 END,
    updated_at = now()
WHERE id = $1`, taskID, status, message)
	if err != nil {
		return fmt.Errorf("mark task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark task status: task %d not found", taskID)
	}
	return nil
}

// UpsertIdentity inserts or touches an identity keyed by (source, key).
// The xmax trick distinguishes a fresh insert from a conflict update.
func (s *Store) UpsertIdentity(ctx context.Context, source spider.Source, sourceKey string) (int64, bool, error) {
	if sourceKey == "" {
		return 0, false, fmt.Errorf("source key is required")
	}
	var (
		id    int64
		isNew bool
	)
	err := s.pool.QueryRow(ctx, `
INSERT INTO identities (source, source_key, created_at, last_seen)
VALUES ($1, $2, now(), now())
ON CONFLICT (source, source_key) DO UPDATE SET last_seen = now()
RETURNING id, (xmax = 0) AS inserted`, source, sourceKey).Scan(&id, &isNew)
	if err != nil {
		return 0, false, fmt.Errorf("upsert identity: %w", err)
	}
	return id, isNew, nil
}

// UpsertFindings writes findings under the (identity, kind, normalized)
// unique key. Duplicates bump last_seen and count separately; they are never
// an error.
func (s *Store) UpsertFindings(ctx context.Context, identityID int64, findings []spider.ContactFinding) (int, int, error) {
	var inserted, duplicate int
	for _, f := range findings {
		if f.Normalized == "" {
			continue
		}
		var isNew bool
		err := s.pool.QueryRow(ctx, `
INSERT INTO contact_findings
	(identity_id, kind, raw_value, normalized_value, confidence, source_url, created_at, last_seen)
VALUES ($1, $2, $3, $4, $5, $6, now(), now())
ON CONFLICT (identity_id, kind, normalized_value) DO UPDATE SET last_seen = now()
RETURNING (xmax = 0) AS inserted`,
			identityID, f.Kind, f.Raw, f.Normalized, f.Confidence, f.SourceURL).Scan(&isNew)
		if err != nil {
			return inserted, duplicate, fmt.Errorf("upsert finding %s: %w", f.Kind, err)
		}
		if isNew {
			inserted++
		} else {
			duplicate++
		}
	}
	return inserted, duplicate, nil
}

// AppendLog writes one execution log row. Log rows are never updated.
func (s *Store) AppendLog(ctx context.Context, entry spider.LogEntry) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO crawl_logs
	(task_id, url, outcome, status, fact_kinds, fact_count, message, duration_ms, trace_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		entry.TaskID, entry.URL, entry.Outcome, entry.Status, entry.FactKinds,
		entry.FactCount, entry.Message, entry.Duration.Milliseconds(), entry.TraceID,
	); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}
