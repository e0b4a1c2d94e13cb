// Package memory provides an in-memory persistence port, used in tests and
// as a reference implementation of the store semantics.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ianWYHH/Spidermind/internal/spider"
)

type findingRow struct {
	finding  spider.ContactFinding
	lastSeen time.Time
}

// Store implements spider.Store with maps behind a mutex. Upsert semantics
// mirror the database layer: duplicates bump last-seen, never error.
type Store struct {
	mu           sync.Mutex
	tasks        map[int64]*spider.CrawlTask
	identities   map[string]int64
	nextIdentity int64
	findings     map[int64]map[string]*findingRow
	logs         []spider.LogEntry
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		tasks:      make(map[int64]*spider.CrawlTask),
		identities: make(map[string]int64),
		findings:   make(map[int64]map[string]*findingRow),
	}
}

// AddTask seeds a task row.
func (s *Store) AddTask(task spider.CrawlTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.Status == "" {
		task.Status = spider.TaskStatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	t := task
	s.tasks[task.ID] = &t
}

// Task returns a copy of a task row.
func (s *Store) Task(id int64) (spider.CrawlTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return spider.CrawlTask{}, false
	}
	return *t, true
}

// Logs returns a copy of the appended log entries, in append order.
func (s *Store) Logs() []spider.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spider.LogEntry(nil), s.logs...)
}

func (s *Store) pickPending(source spider.Source, taskID int64) (*spider.CrawlTask, error) {
	if taskID > 0 {
		t, ok := s.tasks[taskID]
		if !ok || t.Status != spider.TaskStatusPending {
			return nil, spider.ErrNoTask
		}
		return t, nil
	}
	var candidates []*spider.CrawlTask
	for _, t := range s.tasks {
		if t.Status == spider.TaskStatusPending && t.Source == source {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, spider.ErrNoTask
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], nil
}

// ClaimNextTask claims the highest-priority oldest pending task.
func (s *Store) ClaimNextTask(_ context.Context, source spider.Source, taskID int64) (spider.CrawlTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.pickPending(source, taskID)
	if err != nil {
		return spider.CrawlTask{}, err
	}
	now := time.Now()
	t.Status = spider.TaskStatusRunning
	t.StartedAt = &now
	t.UpdatedAt = now
	return *t, nil
}

// PeekNextTask reads the claim candidate without mutating it.
func (s *Store) PeekNextTask(_ context.Context, source spider.Source, taskID int64) (spider.CrawlTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.pickPending(source, taskID)
	if err != nil {
		return spider.CrawlTask{}, err
	}
	return *t, nil
}

// MarkTaskStatus terminalizes a task, bumping retries on failure.
func (s *Store) MarkTaskStatus(_ context.Context, taskID int64, status spider.TaskStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return spider.ErrNoTask
	}
	t.Status = status
	t.ErrorText = message
	if status == spider.TaskStatusFailed {
		t.Retries++
	}
	t.UpdatedAt = time.Now()
	return nil
}

// UpsertIdentity inserts or touches an identity keyed by (source, key).
func (s *Store) UpsertIdentity(_ context.Context, source spider.Source, sourceKey string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(source) + "\x00" + sourceKey
	if id, ok := s.identities[key]; ok {
		return id, false, nil
	}
	s.nextIdentity++
	s.identities[key] = s.nextIdentity
	return s.nextIdentity, true, nil
}

// UpsertFindings writes findings under a normalized-value unique key.
func (s *Store) UpsertFindings(_ context.Context, identityID int64, findings []spider.ContactFinding) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.findings[identityID]
	if !ok {
		rows = make(map[string]*findingRow)
		s.findings[identityID] = rows
	}
	var inserted, duplicate int
	now := time.Now()
	for _, f := range findings {
		if f.Normalized == "" {
			continue
		}
		key := string(f.Kind) + "\x00" + f.Normalized
		if row, ok := rows[key]; ok {
			row.lastSeen = now
			duplicate++
			continue
		}
		rows[key] = &findingRow{finding: f, lastSeen: now}
		inserted++
	}
	return inserted, duplicate, nil
}

// Findings returns the stored findings for one identity.
func (s *Store) Findings(identityID int64) []spider.ContactFinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []spider.ContactFinding
	for _, row := range s.findings[identityID] {
		out = append(out, row.finding)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Normalized < out[j].Normalized })
	return out
}

// AppendLog records one execution log row.
func (s *Store) AppendLog(_ context.Context, entry spider.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}
