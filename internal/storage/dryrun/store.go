// Package dryrun wraps a persistence port so all write paths are suppressed
// and logged instead. Claims are replaced by peeks, so a dry run leaves the
// queue exactly as it found it.
package dryrun

import (
	"context"

	"go.uber.org/zap"

	"github.com/ianWYHH/Spidermind/internal/spider"
)

// Store decorates a real store with write suppression.
type Store struct {
	inner  spider.Store
	logger *zap.Logger

	nextIdentity int64
	identities   map[string]int64
}

// Wrap builds a dry-run view of a store.
func Wrap(inner spider.Store, logger *zap.Logger) *Store {
	return &Store{
		inner:      inner,
		logger:     logger,
		identities: make(map[string]int64),
	}
}

// ClaimNextTask delegates to the read-only peek; the task stays pending.
func (s *Store) ClaimNextTask(ctx context.Context, source spider.Source, taskID int64) (spider.CrawlTask, error) {
	task, err := s.inner.PeekNextTask(ctx, source, taskID)
	if err != nil {
		return spider.CrawlTask{}, err
	}
	s.logger.Info("dry-run: would claim task",
		zap.Int64("task_id", task.ID),
		zap.String("source", string(task.Source)),
		zap.String("seed", task.Seed()),
	)
	return task, nil
}

// PeekNextTask passes through.
func (s *Store) PeekNextTask(ctx context.Context, source spider.Source, taskID int64) (spider.CrawlTask, error) {
	return s.inner.PeekNextTask(ctx, source, taskID)
}

// MarkTaskStatus logs the intended transition without writing it.
func (s *Store) MarkTaskStatus(_ context.Context, taskID int64, status spider.TaskStatus, message string) error {
	s.logger.Info("dry-run: would mark task",
		zap.Int64("task_id", taskID),
		zap.String("status", string(status)),
		zap.String("message", message),
	)
	return nil
}

// UpsertIdentity hands out stable synthetic ids so downstream finding writes
// stay coherent within the run.
func (s *Store) UpsertIdentity(_ context.Context, source spider.Source, sourceKey string) (int64, bool, error) {
	key := string(source) + "\x00" + sourceKey
	if id, ok := s.identities[key]; ok {
		return id, false, nil
	}
	s.nextIdentity++
	s.identities[key] = s.nextIdentity
	s.logger.Info("dry-run: would upsert identity",
		zap.String("source", string(source)),
		zap.String("source_key", sourceKey),
	)
	return s.nextIdentity, true, nil
}

// UpsertFindings logs each intended finding write; everything counts as
// inserted since nothing is actually on record.
func (s *Store) UpsertFindings(_ context.Context, identityID int64, findings []spider.ContactFinding) (int, int, error) {
	for _, f := range findings {
		s.logger.Info("dry-run: would upsert finding",
			zap.Int64("identity_id", identityID),
			zap.String("kind", string(f.Kind)),
			zap.String("normalized", f.Normalized),
			zap.Float64("confidence", f.Confidence),
		)
	}
	return len(findings), 0, nil
}

// AppendLog logs the intended audit row instead of persisting it.
func (s *Store) AppendLog(_ context.Context, entry spider.LogEntry) error {
	s.logger.Info("dry-run: would append log",
		zap.Int64("task_id", entry.TaskID),
		zap.String("url", entry.URL),
		zap.String("outcome", string(entry.Outcome)),
		zap.String("status", string(entry.Status)),
		zap.Int("fact_count", entry.FactCount),
		zap.String("message", entry.Message),
	)
	return nil
}
