package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ianWYHH/Spidermind/internal/clock/system"
	"github.com/ianWYHH/Spidermind/internal/config"
	"github.com/ianWYHH/Spidermind/internal/credentials"
	"github.com/ianWYHH/Spidermind/internal/discovery"
	"github.com/ianWYHH/Spidermind/internal/extract"
	"github.com/ianWYHH/Spidermind/internal/fetch"
	"github.com/ianWYHH/Spidermind/internal/id/uuid"
	"github.com/ianWYHH/Spidermind/internal/logging"
	"github.com/ianWYHH/Spidermind/internal/metrics"
	"github.com/ianWYHH/Spidermind/internal/runner"
	"github.com/ianWYHH/Spidermind/internal/spider"
	"github.com/ianWYHH/Spidermind/internal/storage/dryrun"
	"github.com/ianWYHH/Spidermind/internal/storage/postgres"
)

type crawlFlags struct {
	source        string
	taskID        int64
	followDepth   int
	followPerSide int
	followD2Cap   int
	sleepMinMs    int
	sleepMaxMs    int
	userAgent     string
	timeoutSecs   int
	retries       int
	workers       int
	render        bool
	dryRun        bool
	metricsAddr   string
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Claim and process one pending crawl task",
		Long: `Claims the next pending task (or a specific one via --task-id), drives its
forced targets, drains normal targets, and runs follow discovery. Exits 0 on
normal completion, 1 on failure, 2 when aborted by a signal.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.source, "source", "github", "task source to claim from (github|openreview|homepage)")
	cmd.Flags().Int64Var(&flags.taskID, "task-id", 0, "claim a specific task instead of the oldest pending")
	cmd.Flags().IntVar(&flags.followDepth, "follow-depth", 1, "follow traversal depth (0 disables)")
	cmd.Flags().IntVar(&flags.followPerSide, "follow-per-side", 20, "max logins kept per follower/following side")
	cmd.Flags().IntVar(&flags.followD2Cap, "follow-d2-cap", 200, "global cap on depth-2 logins")
	cmd.Flags().IntVar(&flags.sleepMinMs, "sleep-min-ms", 800, "min politeness pause between traversal requests")
	cmd.Flags().IntVar(&flags.sleepMaxMs, "sleep-max-ms", 2500, "max politeness pause between traversal requests")
	cmd.Flags().StringVar(&flags.userAgent, "user-agent", "", "override the configured user agent")
	cmd.Flags().IntVar(&flags.timeoutSecs, "timeout", 15, "per-request timeout in seconds")
	cmd.Flags().IntVar(&flags.retries, "retries", 3, "max fetch attempts per target")
	cmd.Flags().IntVar(&flags.workers, "workers", 2, "normal-target worker count (1 or 2)")
	cmd.Flags().BoolVar(&flags.render, "render", false, "enable the headless rendering fallback")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "peek instead of claim; log writes instead of persisting")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "expose /metrics and /healthz on this address")

	return cmd
}

// applyFlags folds explicitly-set flags over the loaded configuration.
func applyFlags(cfg *config.Config, cmd *cobra.Command, flags crawlFlags) {
	set := cmd.Flags().Changed
	if set("follow-depth") {
		cfg.Follow.Depth = flags.followDepth
	}
	if set("follow-per-side") {
		cfg.Follow.PerSide = flags.followPerSide
	}
	if set("follow-d2-cap") {
		cfg.Follow.D2Cap = flags.followD2Cap
	}
	if set("sleep-min-ms") {
		cfg.Follow.SleepMinMs = flags.sleepMinMs
	}
	if set("sleep-max-ms") {
		cfg.Follow.SleepMaxMs = flags.sleepMaxMs
	}
	if set("user-agent") {
		cfg.Crawler.UserAgent = flags.userAgent
	}
	if set("timeout") {
		cfg.Crawler.TimeoutSeconds = flags.timeoutSecs
	}
	if set("retries") {
		cfg.Crawler.MaxRetries = flags.retries
	}
	if set("workers") {
		cfg.Crawler.Workers = flags.workers
	}
	if set("render") {
		cfg.Crawler.RenderEnabled = flags.render
	}
	if set("metrics-addr") {
		cfg.Metrics.Addr = flags.metricsAddr
	}
}

func runCrawl(cmd *cobra.Command, flags crawlFlags) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	applyFlags(&cfg, cmd, flags)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var store spider.Store
	pgStore, err := postgres.NewStore(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        int32(cfg.DB.MaxConns),
		MinConns:        int32(cfg.DB.MinConns),
		MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
	}, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer pgStore.Close()
	store = pgStore
	if flags.dryRun {
		logger.Info("dry-run mode: no writes will be persisted")
		store = dryrun.Wrap(pgStore, logger)
	}

	pool := credentials.NewPool(cfg.Auth.Tokens, credentials.Config{
		MinDelay: time.Duration(cfg.Auth.MinDelayMs) * time.Millisecond,
	}, logger)

	var renderer *fetch.Renderer
	if cfg.Crawler.RenderEnabled {
		renderer = fetch.NewRenderer(cfg.Crawler.UserAgent, cfg.RequestTimeout(), logger)
		defer renderer.Close()
	}

	fetcher, err := fetch.NewPageFetcher(fetch.Config{
		UserAgent:        cfg.Crawler.UserAgent,
		RequestTimeout:   cfg.RequestTimeout(),
		MaxRetries:       cfg.Crawler.MaxRetries,
		MinContentLength: cfg.Crawler.MinContentLength,
	}, renderer, pool, logger)
	if err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}

	lister := discovery.NewLister(nil, cfg.Crawler.BaseURL, cfg.Crawler.UserAgent, logger)
	sleepMin, sleepMax := cfg.SleepWindow()
	backoffMin, backoffMax := cfg.BackoffWindow()
	traverser := discovery.NewTraverser(nil, discovery.TraverserConfig{
		BaseURL:    cfg.Crawler.BaseURL,
		UserAgent:  cfg.Crawler.UserAgent,
		SleepMin:   sleepMin,
		SleepMax:   sleepMax,
		BackoffMin: backoffMin,
		BackoffMax: backoffMax,
	}, logger)

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Warn("metrics listener failed", zap.Error(err))
			}
		}()
	}

	r := runner.New(runner.Config{
		Source:        spider.Source(flags.source),
		TaskID:        flags.taskID,
		FollowDepth:   cfg.Follow.Depth,
		FollowPerSide: cfg.Follow.PerSide,
		FollowD2Cap:   cfg.Follow.D2Cap,
		Workers:       cfg.Crawler.Workers,
		BaseURL:       cfg.Crawler.BaseURL,
	}, store, fetcher, extract.New(logger), lister, traverser,
		system.New(), uuid.NewUUIDGenerator(), logger)

	// First signal requests a cooperative stop: the unit in flight finishes,
	// queued units are skipped. A second signal cancels outright.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Warn("signal received; finishing the unit in flight")
			r.Stop()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigCh:
			logger.Warn("second signal received; cancelling")
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := r.Run(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("run task: %w", err)
	case result.Aborted:
		return &exitError{code: ExitAbort, msg: "run aborted by signal"}
	case result.AllForcedFailed:
		return &exitError{code: ExitFailed, msg: "all forced targets failed"}
	case !result.Claimed:
		logger.Info("nothing to do")
	default:
		logger.Info("task finished",
			zap.Int64("task_id", result.TaskID),
			zap.String("status", string(result.TaskStatus)),
		)
	}
	return nil
}
