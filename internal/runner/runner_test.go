package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ianWYHH/Spidermind/internal/credentials"
	"github.com/ianWYHH/Spidermind/internal/discovery"
	"github.com/ianWYHH/Spidermind/internal/spider"
	"github.com/ianWYHH/Spidermind/internal/storage/memory"
)

type fakeFetcher struct {
	fn func(target spider.FetchTarget) (spider.FetchResult, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, target spider.FetchTarget) (spider.FetchResult, error) {
	return f.fn(target)
}

// fakeExtractor emits one email finding per semicolon-separated token in the
// content, so tests control findings through fetch results.
type fakeExtractor struct{}

func (fakeExtractor) Extract(content, sourceURL string) []spider.ContactFinding {
	var out []spider.ContactFinding
	for _, tok := range strings.Split(content, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" || !strings.Contains(tok, "@") {
			continue
		}
		out = append(out, spider.ContactFinding{
			Kind:       spider.KindEmail,
			Raw:        tok,
			Normalized: strings.ToLower(tok),
			Confidence: 0.95,
			SourceURL:  sourceURL,
		})
	}
	return out
}

type fakeLister struct {
	targets []spider.FetchTarget
	err     error
}

func (f *fakeLister) NormalTargets(context.Context, string) ([]spider.FetchTarget, error) {
	return f.targets, f.err
}

type fakeTraverser struct {
	result    discovery.TraversalResult
	err       error
	calls     int
	lastDepth int
}

func (f *fakeTraverser) Discover(_ context.Context, _ string, depth, _, _ int) (discovery.TraversalResult, error) {
	f.calls++
	f.lastDepth = depth
	return f.result, f.err
}

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Unix(1700000000, 0) }

type fakeIDs struct{ n atomic.Int64 }

func (f *fakeIDs) NewID() (string, error) {
	return fmt.Sprintf("trace-%d", f.n.Add(1)), nil
}

// eventStore wraps the memory store and records the order of writes.
type eventStore struct {
	*memory.Store
	mu     sync.Mutex
	events []string
}

func (s *eventStore) record(ev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventStore) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *eventStore) MarkTaskStatus(ctx context.Context, taskID int64, status spider.TaskStatus, message string) error {
	s.record("mark:" + string(status))
	return s.Store.MarkTaskStatus(ctx, taskID, status, message)
}

func (s *eventStore) AppendLog(ctx context.Context, entry spider.LogEntry) error {
	s.record("log:" + entry.URL)
	return s.Store.AppendLog(ctx, entry)
}

func githubTask(id int64) spider.CrawlTask {
	return spider.CrawlTask{
		ID:     id,
		Source: spider.SourceGithub,
		Type:   spider.TaskProfile,
		Login:  "octocat",
	}
}

func okResult(content string) (spider.FetchResult, error) {
	return spider.FetchResult{OK: true, Content: content, StatusCode: 200}, nil
}

func newTestRunner(cfg Config, store spider.Store, fetcher spider.Fetcher,
	lister Lister, traverser Traverser) *Runner {
	if cfg.Source == "" {
		cfg.Source = spider.SourceGithub
	}
	return New(cfg, store, fetcher, fakeExtractor{}, lister, traverser,
		fakeClock{}, &fakeIDs{}, zap.NewNop())
}

func TestRunNoPendingTask(t *testing.T) {
	t.Parallel()

	r := newTestRunner(Config{}, memory.NewStore(), &fakeFetcher{}, nil, nil)
	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.False(t, result.Claimed)
}

func TestForcedOutcomeCombinations(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		firstOK    bool
		secondOK   bool
		wantStatus spider.TaskStatus
		wantAllBad bool
	}{
		{"both succeed", true, true, spider.TaskStatusDone, false},
		{"first fails", false, true, spider.TaskStatusDone, false},
		{"second fails", true, false, spider.TaskStatusDone, false},
		{"both fail", false, false, spider.TaskStatusFailed, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := memory.NewStore()
			store.AddTask(githubTask(1))

			fetcher := &fakeFetcher{fn: func(target spider.FetchTarget) (spider.FetchResult, error) {
				ok := tc.firstOK
				if strings.Contains(target.URL, ".github.io") {
					ok = tc.secondOK
				}
				if !ok {
					return spider.FetchResult{}, errors.New("fetch blew up")
				}
				return okResult("a@b.org")
			}}

			r := newTestRunner(Config{}, store, fetcher, nil, nil)
			result, err := r.Run(context.Background())
			require.NoError(t, err)
			require.True(t, result.Claimed)
			require.Equal(t, tc.wantStatus, result.TaskStatus)
			require.Equal(t, tc.wantAllBad, result.AllForcedFailed)

			task, ok := store.Task(1)
			require.True(t, ok)
			require.Equal(t, tc.wantStatus, task.Status)
		})
	}
}

func TestEmptySuccessIsNotAFailure(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.AddTask(githubTask(1))

	// Both forced targets fetch cleanly but yield zero findings.
	fetcher := &fakeFetcher{fn: func(spider.FetchTarget) (spider.FetchResult, error) {
		return okResult("plain readme, nothing extractable")
	}}

	r := newTestRunner(Config{}, store, fetcher, nil, nil)
	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, spider.TaskStatusDone, result.TaskStatus)

	for _, entry := range store.Logs() {
		if strings.HasPrefix(entry.URL, "https://") {
			require.Equal(t, spider.OutcomeEmpty, entry.Outcome)
		}
	}
}

func TestNoContentContainerIsAFailure(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.AddTask(githubTask(1))

	fetcher := &fakeFetcher{fn: func(spider.FetchTarget) (spider.FetchResult, error) {
		return spider.FetchResult{OK: true, Content: "", StatusCode: 200, Message: "no content container"}, nil
	}}

	r := newTestRunner(Config{}, store, fetcher, nil, nil)
	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, spider.TaskStatusFailed, result.TaskStatus)
	require.True(t, result.AllForcedFailed)

	logs := store.Logs()
	require.Equal(t, spider.OutcomeNoContent, logs[0].Outcome)
	require.Equal(t, "no content container", logs[0].Message)
}

func TestZeroForcedTargetsMeansDone(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	// A graph task without a login yields no forced targets at all.
	store.AddTask(spider.CrawlTask{ID: 1, Source: spider.SourceGithub, Type: spider.TaskProfile})

	r := newTestRunner(Config{}, store, &fakeFetcher{}, nil, nil)
	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, spider.TaskStatusDone, result.TaskStatus)
	require.False(t, result.AllForcedFailed)
}

func TestTerminalTransitionBeforeNormalTargets(t *testing.T) {
	t.Parallel()

	store := &eventStore{Store: memory.NewStore()}
	store.AddTask(githubTask(1))

	fetcher := &fakeFetcher{fn: func(spider.FetchTarget) (spider.FetchResult, error) {
		return okResult("a@b.org")
	}}
	lister := &fakeLister{targets: []spider.FetchTarget{
		{URL: "https://normal.example/one", Kind: "repo"},
		{URL: "https://normal.example/two", Kind: "repo"},
	}}

	r := newTestRunner(Config{Workers: 2}, store, fetcher, lister, nil)
	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, spider.TaskStatusDone, result.TaskStatus)

	events := store.Events()
	markIdx := -1
	for i, ev := range events {
		if ev == "mark:done" {
			markIdx = i
			break
		}
	}
	require.GreaterOrEqual(t, markIdx, 0)
	for i, ev := range events {
		if strings.HasPrefix(ev, "log:https://normal.example/") {
			require.Greater(t, i, markIdx, "normal-target log before terminal transition")
		}
	}
}

func TestNormalTargetOutcomesDoNotReopenTask(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.AddTask(githubTask(1))

	fetcher := &fakeFetcher{fn: func(target spider.FetchTarget) (spider.FetchResult, error) {
		if target.Forced {
			return okResult("a@b.org")
		}
		return spider.FetchResult{}, errors.New("normal target down")
	}}
	lister := &fakeLister{targets: []spider.FetchTarget{
		{URL: "https://normal.example/one", Kind: "repo"},
	}}

	r := newTestRunner(Config{}, store, fetcher, lister, nil)
	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, spider.TaskStatusDone, result.TaskStatus)

	task, _ := store.Task(1)
	require.Equal(t, spider.TaskStatusDone, task.Status)
}

func TestDuplicateFindingsYieldSkip(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.AddTask(githubTask(1))

	// Both forced targets return the identical normalized finding; the second
	// upsert is all-duplicate and classifies as a skip.
	fetcher := &fakeFetcher{fn: func(spider.FetchTarget) (spider.FetchResult, error) {
		return okResult("same@addr.org")
	}}

	r := newTestRunner(Config{}, store, fetcher, nil, nil)
	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, spider.TaskStatusDone, result.TaskStatus)

	var outcomes []spider.Outcome
	for _, entry := range store.Logs() {
		if strings.HasPrefix(entry.URL, "https://") {
			outcomes = append(outcomes, entry.Outcome)
		}
	}
	require.Equal(t, []spider.Outcome{spider.OutcomeFound, spider.OutcomeSkipDup}, outcomes)
}

func TestAbortMidRunWritesAbortAndPersistsNothing(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.AddTask(githubTask(1))

	var r *Runner
	fetcher := &fakeFetcher{fn: func(target spider.FetchTarget) (spider.FetchResult, error) {
		if strings.Contains(target.URL, ".github.io") {
			// Signal arrives while the second forced target is in flight.
			r.Stop()
			return okResult("late@find.org")
		}
		return okResult("first@find.org")
	}}

	r = newTestRunner(Config{}, store, fetcher, nil, nil)
	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Aborted)

	logs := store.Logs()
	require.Equal(t, spider.OutcomeFound, logs[0].Outcome)
	require.Equal(t, spider.OutcomeAbort, logs[1].Outcome)
	require.Equal(t, spider.StatusFail, logs[1].Status)

	// The aborted target's findings never reach the store.
	findings := store.Findings(1)
	require.Len(t, findings, 1)
	require.Equal(t, "first@find.org", findings[0].Normalized)
}

func TestCredentialExhaustionAbortsRunButFlushesSummary(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.AddTask(githubTask(1))

	fetcher := &fakeFetcher{fn: func(spider.FetchTarget) (spider.FetchResult, error) {
		return spider.FetchResult{}, fmt.Errorf("acquire: %w", credentials.ErrExhausted)
	}}
	lister := &fakeLister{targets: []spider.FetchTarget{
		{URL: "https://normal.example/never", Kind: "repo"},
	}}

	r := newTestRunner(Config{}, store, fetcher, lister, nil)
	result, err := r.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, credentials.ErrExhausted)
	require.True(t, result.Claimed)

	logs := store.Logs()
	require.NotEmpty(t, logs)
	last := logs[len(logs)-1]
	require.True(t, strings.HasPrefix(last.URL, "run://"), "summary row must be flushed")

	// The normal target was never touched.
	for _, entry := range logs {
		require.NotContains(t, entry.URL, "normal.example")
	}
}

func TestFollowDiscoveryWritesSummaryRow(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.AddTask(githubTask(1))

	fetcher := &fakeFetcher{fn: func(spider.FetchTarget) (spider.FetchResult, error) {
		return okResult("a@b.org")
	}}
	traverser := &fakeTraverser{result: discovery.TraversalResult{
		D1Followers: []string{"f1", "f2", "f3", "f4", "f5"},
		D1Following: []string{"g1", "g2", "g3", "g4", "g5"},
	}}

	r := newTestRunner(Config{FollowDepth: 1, FollowPerSide: 5, FollowD2Cap: 20},
		store, fetcher, nil, traverser)
	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, spider.TaskStatusDone, result.TaskStatus)
	require.Equal(t, 1, traverser.calls)

	var summary *spider.LogEntry
	for _, entry := range store.Logs() {
		if strings.HasPrefix(entry.URL, "follow_scan://") {
			require.Nil(t, summary, "exactly one discovery summary row")
			e := entry
			summary = &e
		}
	}
	require.NotNil(t, summary)
	require.Equal(t, "d1_followers=5; d1_following=5; d2_total=0; inserted=10; dup=0", summary.Message)
}

func TestFollowDiscoveryDepthZeroSkipsTraversal(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.AddTask(githubTask(1))

	fetcher := &fakeFetcher{fn: func(spider.FetchTarget) (spider.FetchResult, error) {
		return okResult("a@b.org")
	}}
	traverser := &fakeTraverser{}

	r := newTestRunner(Config{FollowDepth: 0}, store, fetcher, nil, traverser)
	_, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, traverser.calls)
}

func TestTaskDepthOverridesConfiguredDepth(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	task := githubTask(1)
	task.Depth = 2
	store.AddTask(task)

	fetcher := &fakeFetcher{fn: func(spider.FetchTarget) (spider.FetchResult, error) {
		return okResult("a@b.org")
	}}
	traverser := &fakeTraverser{}

	// Discovery is disabled by configuration but requested by the task row.
	r := newTestRunner(Config{FollowDepth: 0, FollowPerSide: 5, FollowD2Cap: 20},
		store, fetcher, nil, traverser)
	_, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, traverser.calls)
	require.Equal(t, 2, traverser.lastDepth)
}

func TestFollowScanTaskRunsDiscoveryOnly(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	task := githubTask(1)
	task.Type = spider.TaskFollowScan
	store.AddTask(task)

	fetchCalls := 0
	fetcher := &fakeFetcher{fn: func(spider.FetchTarget) (spider.FetchResult, error) {
		fetchCalls++
		return okResult("")
	}}
	traverser := &fakeTraverser{result: discovery.TraversalResult{
		D1Followers: []string{"f1"},
	}}

	r := newTestRunner(Config{FollowDepth: 1, FollowPerSide: 5, FollowD2Cap: 20},
		store, fetcher, nil, traverser)
	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, spider.TaskStatusDone, result.TaskStatus)
	require.Zero(t, fetchCalls)
	require.Equal(t, 1, traverser.calls)
}

func TestDiscoveredLoginDuplicateAccounting(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.AddTask(githubTask(1))

	// "known" is already on record before the run.
	_, _, err := store.UpsertIdentity(context.Background(), spider.SourceGithub, "known")
	require.NoError(t, err)

	fetcher := &fakeFetcher{fn: func(spider.FetchTarget) (spider.FetchResult, error) {
		return okResult("")
	}}
	traverser := &fakeTraverser{result: discovery.TraversalResult{
		D1Followers: []string{"known", "fresh"},
	}}

	r := newTestRunner(Config{FollowDepth: 1, FollowPerSide: 5, FollowD2Cap: 20},
		store, fetcher, nil, traverser)
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	var summary string
	for _, entry := range store.Logs() {
		if strings.HasPrefix(entry.URL, "follow_scan://") {
			summary = entry.Message
		}
	}
	require.Equal(t, "d1_followers=2; d1_following=0; d2_total=0; inserted=1; dup=1", summary)
}
