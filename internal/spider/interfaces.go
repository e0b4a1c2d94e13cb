package spider

import (
	"context"
	"time"
)

// TaskStore claims queue rows and writes back terminal status.
type TaskStore interface {
	// ClaimNextTask atomically claims a pending task and marks it running.
	// taskID 0 means "oldest pending matching source"; a nonzero taskID must
	// name a pending task. Returns ErrNoTask when nothing matches.
	ClaimNextTask(ctx context.Context, source Source, taskID int64) (CrawlTask, error)

	// PeekNextTask reads the task ClaimNextTask would claim without mutating
	// it. Used by dry runs.
	PeekNextTask(ctx context.Context, source Source, taskID int64) (CrawlTask, error)

	// MarkTaskStatus terminalizes a task. A failed status increments the
	// retry counter.
	MarkTaskStatus(ctx context.Context, taskID int64, status TaskStatus, message string) error
}

// FactStore upserts identities and contact findings idempotently.
type FactStore interface {
	// UpsertIdentity inserts or touches an identity keyed by (source, key)
	// and reports whether the row is new.
	UpsertIdentity(ctx context.Context, source Source, sourceKey string) (identityID int64, isNew bool, err error)

	// UpsertFindings writes findings under a normalized-value unique key.
	// A duplicate bumps the last-seen marker instead of erroring.
	UpsertFindings(ctx context.Context, identityID int64, findings []ContactFinding) (inserted, duplicate int, err error)
}

// LogStore appends execution log rows. Entries are never mutated or deleted.
type LogStore interface {
	AppendLog(ctx context.Context, entry LogEntry) error
}

// Store is the full persistence port implemented by the storage layer.
type Store interface {
	TaskStore
	FactStore
	LogStore
}

// FetchResult is the outcome of fetching one target.
type FetchResult struct {
	OK           bool
	Content      string
	StatusCode   int
	UsedFallback bool
	Message      string
}

// Fetcher retrieves and extracts the text content of a fetch target.
type Fetcher interface {
	Fetch(ctx context.Context, target FetchTarget) (FetchResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
