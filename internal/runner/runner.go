// Package runner orchestrates one task-batch: claim a pending task, drive
// its forced targets serially, terminalize the task, drain normal targets
// with a small worker pool, then run follow discovery. One invocation, one
// task, run to completion.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ianWYHH/Spidermind/internal/credentials"
	"github.com/ianWYHH/Spidermind/internal/discovery"
	"github.com/ianWYHH/Spidermind/internal/metrics"
	"github.com/ianWYHH/Spidermind/internal/spider"
)

// Extractor turns fetched text into findings.
type Extractor interface {
	Extract(content, sourceURL string) []spider.ContactFinding
}

// Lister enumerates normal targets for a seed.
type Lister interface {
	NormalTargets(ctx context.Context, login string) ([]spider.FetchTarget, error)
}

// Traverser walks the follow graph of a seed.
type Traverser interface {
	Discover(ctx context.Context, seed string, depth, perSide, d2Cap int) (discovery.TraversalResult, error)
}

// IDGenerator issues trace ids for log rows.
type IDGenerator interface {
	NewID() (string, error)
}

// Config holds the per-invocation parameters.
type Config struct {
	Source        spider.Source
	TaskID        int64
	FollowDepth   int
	FollowPerSide int
	FollowD2Cap   int
	Workers       int
	BaseURL       string
}

// Result summarizes one run for exit-code mapping.
type Result struct {
	Claimed         bool
	TaskID          int64
	TaskStatus      spider.TaskStatus
	AllForcedFailed bool
	Aborted         bool
}

// Runner drives one claimed task to completion.
type Runner struct {
	cfg       Config
	store     spider.Store
	fetcher   spider.Fetcher
	extractor Extractor
	lister    Lister
	traverser Traverser
	clock     spider.Clock
	ids       IDGenerator
	logger    *zap.Logger

	stop atomic.Bool
}

// New builds a runner. lister and traverser may be nil for sources that have
// no normal targets or no follow graph.
func New(cfg Config, store spider.Store, fetcher spider.Fetcher, extractor Extractor,
	lister Lister, traverser Traverser, clock spider.Clock, ids IDGenerator, logger *zap.Logger) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Workers > 2 {
		cfg.Workers = 2
	}
	metrics.Init()
	return &Runner{
		cfg:       cfg,
		store:     store,
		fetcher:   fetcher,
		extractor: extractor,
		lister:    lister,
		traverser: traverser,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}
}

// Stop requests cooperative cancellation. The unit in flight finishes its
// fetch; its findings are not persisted and its log entry reads ABORT.
func (r *Runner) Stop() {
	r.stop.Store(true)
}

func (r *Runner) stopped() bool {
	return r.stop.Load()
}

// Run claims and processes one task. A missing pending task is a normal
// completion, not an error.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	task, err := r.store.ClaimNextTask(ctx, r.cfg.Source, r.cfg.TaskID)
	if errors.Is(err, spider.ErrNoTask) {
		r.logger.Info("no pending task", zap.String("source", string(r.cfg.Source)))
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("claim task: %w", err)
	}

	result := Result{Claimed: true, TaskID: task.ID}
	r.logger.Info("task claimed",
		zap.Int64("task_id", task.ID),
		zap.String("source", string(task.Source)),
		zap.String("type", string(task.Type)),
		zap.String("seed", task.Seed()),
	)

	identityID, _, err := r.store.UpsertIdentity(ctx, task.Source, task.Seed())
	if err != nil {
		// The task was claimed; leave a failed terminal state behind.
		_ = r.store.MarkTaskStatus(ctx, task.ID, spider.TaskStatusFailed, "identity upsert failed")
		return result, fmt.Errorf("upsert seed identity: %w", err)
	}

	run := &taskRun{Runner: r, task: task, identityID: identityID}
	if task.Type == spider.TaskFollowScan {
		err = run.followScanOnly(ctx, &result)
	} else {
		err = run.crawl(ctx, &result)
	}
	run.appendRunSummary(ctx, &result)
	metrics.ObserveTask(string(task.Source), string(result.TaskStatus))
	return result, err
}

// taskRun carries the mutable state of one claimed task.
type taskRun struct {
	*Runner
	task       spider.CrawlTask
	identityID int64

	forcedOutcomes []spider.Outcome
	normalCount    atomic.Int64
	findingsCount  atomic.Int64

	mu       sync.Mutex
	fatalErr error
}

func (t *taskRun) setFatal(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fatalErr == nil {
		t.fatalErr = err
	}
}

func (t *taskRun) fatal() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatalErr
}

// crawl runs the standard pipeline: forced targets serially, terminal
// transition, then normal targets, then discovery.
func (t *taskRun) crawl(ctx context.Context, result *Result) error {
	forced := discovery.ForcedTargets(t.task, t.cfg.BaseURL)

	for _, target := range forced {
		if t.stopped() || t.fatal() != nil {
			result.Aborted = result.Aborted || t.stopped()
			break
		}
		outcome := t.processTarget(ctx, target)
		t.forcedOutcomes = append(t.forcedOutcomes, outcome)
		if outcome == spider.OutcomeAbort {
			result.Aborted = true
			break
		}
	}

	t.terminalize(ctx, result)

	if result.Aborted || t.fatal() != nil {
		return t.fatal()
	}

	t.drainNormalTargets(ctx, result)
	if result.Aborted || t.fatal() != nil {
		return t.fatal()
	}

	t.runDiscovery(ctx)
	return t.fatal()
}

// followScanOnly handles tasks that exist purely to expand the social graph.
func (t *taskRun) followScanOnly(ctx context.Context, result *Result) error {
	result.TaskStatus = spider.TaskStatusDone
	t.runDiscovery(ctx)
	if t.stopped() {
		result.Aborted = true
		result.TaskStatus = spider.TaskStatusFailed
		if err := t.store.MarkTaskStatus(ctx, t.task.ID, spider.TaskStatusFailed, "aborted"); err != nil {
			t.logger.Error("mark task failed", zap.Error(err))
		}
		return t.fatal()
	}
	if err := t.store.MarkTaskStatus(ctx, t.task.ID, spider.TaskStatusDone, ""); err != nil {
		t.logger.Error("mark task done", zap.Error(err))
	}
	return t.fatal()
}

// terminalize applies the forced-target gate: done when at least one forced
// outcome is not a failure (or there were no forced targets at all), failed
// only when every forced outcome is a failure. Runs before any normal target.
func (t *taskRun) terminalize(ctx context.Context, result *Result) {
	if result.Aborted && len(t.forcedOutcomes) == 0 {
		result.TaskStatus = spider.TaskStatusFailed
		if err := t.store.MarkTaskStatus(ctx, t.task.ID, spider.TaskStatusFailed, "aborted"); err != nil {
			t.logger.Error("mark task failed", zap.Error(err))
		}
		return
	}

	allFailed := len(t.forcedOutcomes) > 0
	for _, o := range t.forcedOutcomes {
		if !o.IsFailure() {
			allFailed = false
			break
		}
	}

	status := spider.TaskStatusDone
	message := ""
	switch {
	case result.Aborted:
		status = spider.TaskStatusFailed
		message = "aborted"
	case allFailed:
		status = spider.TaskStatusFailed
		message = "all forced targets failed"
		result.AllForcedFailed = true
	}
	result.TaskStatus = status
	if err := t.store.MarkTaskStatus(ctx, t.task.ID, status, message); err != nil {
		t.logger.Error("mark task status", zap.Error(err))
	}
	t.logger.Info("task terminalized",
		zap.Int64("task_id", t.task.ID),
		zap.String("status", string(status)),
		zap.Int("forced", len(t.forcedOutcomes)),
	)
}

// drainNormalTargets enumerates and processes best-effort targets with a
// bounded worker pool. Their outcomes never alter the task's terminal state.
func (t *taskRun) drainNormalTargets(ctx context.Context, result *Result) {
	if t.lister == nil || t.task.Login == "" {
		return
	}
	targets, err := t.lister.NormalTargets(ctx, t.task.Login)
	if err != nil {
		t.logger.Warn("normal target enumeration failed", zap.Error(err))
		return
	}

	work := make(chan spider.FetchTarget)
	var wg sync.WaitGroup
	for i := 0; i < t.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for target := range work {
				if t.stopped() || t.fatal() != nil {
					continue
				}
				t.processTarget(ctx, target)
				t.normalCount.Add(1)
			}
		}()
	}
	for _, target := range targets {
		work <- target
	}
	close(work)
	wg.Wait()

	if t.stopped() {
		result.Aborted = true
	}
}

// runDiscovery performs follow-graph traversal and records the single
// discovery summary row plus one identity upsert per discovered login.
// A nonzero depth on the task row overrides the configured depth, so a
// producer can schedule deeper scans for selected seeds.
func (t *taskRun) runDiscovery(ctx context.Context) {
	depth := t.cfg.FollowDepth
	if t.task.Depth > 0 {
		depth = t.task.Depth
	}
	if t.traverser == nil || depth <= 0 || t.task.Login == "" || t.stopped() {
		return
	}
	res, err := t.traverser.Discover(ctx, t.task.Login, depth, t.cfg.FollowPerSide, t.cfg.FollowD2Cap)
	if err != nil {
		t.logger.Warn("follow discovery failed", zap.Error(err))
		return
	}

	var inserted, duplicate int
	for _, login := range res.UniqueLogins() {
		_, isNew, err := t.store.UpsertIdentity(ctx, spider.SourceGithub, login)
		if err != nil {
			t.logger.Warn("discovered login upsert failed",
				zap.String("login", login),
				zap.Error(err),
			)
			continue
		}
		if isNew {
			inserted++
		} else {
			duplicate++
		}
	}
	metrics.ObserveDiscovered("1", len(res.D1Followers)+len(res.D1Following))
	metrics.ObserveDiscovered("2", len(res.D2))

	entry := spider.LogEntry{
		TaskID:    t.task.ID,
		URL:       "follow_scan://" + t.task.Login,
		Outcome:   spider.OutcomeEmpty,
		Status:    spider.StatusSuccess,
		FactCount: len(res.UniqueLogins()),
		Message:   res.Summary(inserted, duplicate),
		TraceID:   t.newTraceID(),
	}
	if len(res.UniqueLogins()) > 0 {
		entry.Outcome = spider.OutcomeFound
	}
	if err := t.store.AppendLog(ctx, entry); err != nil {
		t.logger.Error("append discovery log", zap.Error(err))
	}
	t.logger.Info("follow discovery finished",
		zap.String("seed", t.task.Login),
		zap.String("summary", entry.Message),
	)
}

// processTarget runs fetch, extract, persist for one target and writes its
// log entry immediately. Errors never escape: they are classified into an
// outcome, except credential exhaustion which is fatal for the whole run.
func (t *taskRun) processTarget(ctx context.Context, target spider.FetchTarget) spider.Outcome {
	start := t.clock.Now()

	var (
		outcome   spider.Outcome
		message   string
		kinds     []string
		factCount int
	)

	res, err := t.fetcher.Fetch(ctx, target)
	switch {
	case err != nil && errors.Is(err, credentials.ErrExhausted):
		t.setFatal(err)
		outcome, message = spider.OutcomeFetchFailed, "credential_pool_exhausted"
	case err != nil:
		outcome, message = spider.Classify(err)
	case res.Content == "":
		outcome, message = spider.OutcomeNoContent, "no content container"
	default:
		findings := t.extractor.Extract(res.Content, target.URL)
		if t.stopped() {
			// The fetch was allowed to finish; findings are dropped so no
			// partial set is ever persisted.
			outcome, message = spider.OutcomeAbort, "aborted"
			break
		}
		outcome, message, kinds, factCount = t.persistFindings(ctx, findings, res.UsedFallback)
	}
	if res.UsedFallback {
		metrics.ObserveFallback()
	}
	if t.stopped() && outcome != spider.OutcomeAbort {
		outcome, message = spider.OutcomeAbort, "aborted"
		kinds, factCount = nil, 0
	}

	duration := t.clock.Now().Sub(start)
	entry := spider.LogEntry{
		TaskID:    t.task.ID,
		URL:       target.URL,
		Outcome:   outcome,
		Status:    outcome.Coarse(),
		FactKinds: kinds,
		FactCount: factCount,
		Message:   message,
		Duration:  duration,
		TraceID:   t.newTraceID(),
	}
	if err := t.store.AppendLog(ctx, entry); err != nil {
		t.logger.Error("append target log", zap.Error(err))
	}
	metrics.ObserveTarget(target.Kind, string(outcome), duration)
	t.logger.Debug("target processed",
		zap.String("url", target.URL),
		zap.String("outcome", string(outcome)),
		zap.Int("fact_count", factCount),
	)
	return outcome
}

func (t *taskRun) persistFindings(ctx context.Context, findings []spider.ContactFinding, usedFallback bool) (spider.Outcome, string, []string, int) {
	if len(findings) == 0 {
		return spider.OutcomeEmpty, "none", nil, 0
	}
	inserted, duplicate, err := t.store.UpsertFindings(ctx, t.identityID, findings)
	if err != nil {
		return spider.OutcomeParseFailed, fmt.Sprintf("persist_error: %v", err), nil, 0
	}
	metrics.ObserveFindings(inserted, duplicate)

	kindSet := make(map[string]struct{})
	for _, f := range findings {
		kindSet[string(f.Kind)] = struct{}{}
	}
	kinds := make([]string, 0, len(kindSet))
	for k := range kindSet {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	if inserted == 0 && duplicate > 0 {
		return spider.OutcomeSkipDup, "dup", kinds, len(findings)
	}
	message := fmt.Sprintf("inserted=%d; dup=%d", inserted, duplicate)
	if usedFallback {
		message += "; fallback=true"
	}
	t.findingsCount.Add(int64(inserted))
	return spider.OutcomeFound, message, kinds, len(findings)
}

// appendRunSummary flushes the per-run summary row. It is written even when
// the run is aborted early by credential exhaustion.
func (t *taskRun) appendRunSummary(ctx context.Context, result *Result) {
	outcome := spider.OutcomeEmpty
	switch {
	case result.Aborted:
		outcome = spider.OutcomeAbort
	case result.TaskStatus == spider.TaskStatusFailed:
		outcome = spider.OutcomeFetchFailed
	case t.findingsCount.Load() > 0:
		outcome = spider.OutcomeFound
	}
	entry := spider.LogEntry{
		TaskID:  t.task.ID,
		URL:     "run://" + t.task.Seed(),
		Outcome: outcome,
		Status:  outcome.Coarse(),
		Message: fmt.Sprintf("forced=%d; normal=%d; inserted=%d; status=%s",
			len(t.forcedOutcomes), t.normalCount.Load(), t.findingsCount.Load(), result.TaskStatus),
		TraceID: t.newTraceID(),
	}
	if err := t.store.AppendLog(ctx, entry); err != nil {
		t.logger.Error("append run summary", zap.Error(err))
	}
}

func (t *taskRun) newTraceID() string {
	id, err := t.ids.NewID()
	if err != nil {
		return "trace-" + strconv.FormatInt(t.task.ID, 10)
	}
	return id
}
