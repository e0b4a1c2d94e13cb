// Package fetch retrieves target pages and extracts their text content. The
// primary path is a plain HTTP fetch via colly; pages that come back broken or
// suspiciously thin are re-fetched through the headless renderer.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/ianWYHH/Spidermind/internal/credentials"
	"github.com/ianWYHH/Spidermind/internal/spider"
)

// readmeSelectors is the ordered fallback chain for locating rendered readme
// content. Markup drifts between page generations; earlier entries are newer.
var readmeSelectors = []string{
	`div[data-target="readme-toc.content"]`,
	`article.markdown-body`,
	`div#readme`,
	`div.repository-content div.Box-body`,
	`div.markdown-body`,
	`[data-testid="readme"]`,
}

// profileSelectors locates the editable profile area and bio blocks.
var profileSelectors = []string{
	`div.js-profile-editable-area`,
	`div.vcard-details`,
	`div.user-profile-bio`,
	`main`,
}

// Config controls the page fetcher.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	MaxRetries     int
	// MinContentLength is the threshold below which a primary fetch is
	// considered thin and retried through the renderer.
	MinContentLength int
}

// PageFetcher implements spider.Fetcher with a colly primary path and an
// optional chromedp fallback.
type PageFetcher struct {
	base       *colly.Collector
	renderer   *Renderer
	pool       *credentials.Pool
	retry      *RetryPolicy
	logger     *zap.Logger
	minContent int
}

// NewPageFetcher constructs the fetcher. renderer may be nil to disable the
// headless fallback; pool may be nil for unauthenticated sources.
func NewPageFetcher(cfg Config, renderer *Renderer, pool *credentials.Pool, logger *zap.Logger) (*PageFetcher, error) {
	if cfg.UserAgent == "" {
		return nil, errors.New("user agent is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 200
	}

	base := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
	)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	return &PageFetcher{
		base:       base,
		renderer:   renderer,
		pool:       pool,
		retry:      NewRetryPolicy(cfg.MaxRetries),
		logger:     logger,
		minContent: cfg.MinContentLength,
	}, nil
}

// Fetch retrieves one target and returns the text content of its relevant
// container. A missing container is not an error: OK is true with empty
// content and the caller decides what that means for the target.
func (f *PageFetcher) Fetch(ctx context.Context, target spider.FetchTarget) (spider.FetchResult, error) {
	body, status, err := f.fetchWithRetry(ctx, target.URL)
	if err != nil {
		if f.renderer == nil {
			return spider.FetchResult{StatusCode: status, Message: err.Error()}, err
		}
		f.logger.Debug("primary fetch failed, trying renderer",
			zap.String("url", target.URL),
			zap.Error(err),
		)
		html, rerr := f.renderer.Render(ctx, target.URL)
		if rerr != nil {
			return spider.FetchResult{StatusCode: status, Message: err.Error()}, err
		}
		return f.finish(target, []byte(html), http.StatusOK, true)
	}
	if status < 200 || status >= 300 {
		msg := fmt.Sprintf("http_%d", status)
		return spider.FetchResult{StatusCode: status, Message: msg},
			fmt.Errorf("fetch %s: unexpected status %d", target.URL, status)
	}

	res, err := f.finish(target, body, status, false)
	if err != nil {
		return res, err
	}
	if len(res.Content) < f.minContent && f.renderer != nil {
		html, rerr := f.renderer.Render(ctx, target.URL)
		if rerr != nil {
			// The thin primary result still stands.
			f.logger.Debug("renderer fallback failed", zap.String("url", target.URL), zap.Error(rerr))
			return res, nil
		}
		rendered, rerr := f.finish(target, []byte(html), status, true)
		if rerr == nil && len(rendered.Content) > len(res.Content) {
			return rendered, nil
		}
	}
	return res, nil
}

// finish parses the body and extracts the target's text content.
func (f *PageFetcher) finish(target spider.FetchTarget, body []byte, status int, fallback bool) (spider.FetchResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return spider.FetchResult{StatusCode: status, UsedFallback: fallback, Message: "parse_error"},
			fmt.Errorf("parse %s: %w", target.URL, err)
	}
	content, found := extractContainer(doc, target.Kind)
	res := spider.FetchResult{
		OK:           true,
		Content:      content,
		StatusCode:   status,
		UsedFallback: fallback,
	}
	if !found {
		res.Message = "no content container"
	}
	return res, nil
}

// extractContainer walks the selector chain for the target kind and returns
// the first non-empty match.
func extractContainer(doc *goquery.Document, kind string) (string, bool) {
	var chain []string
	switch kind {
	case "repo", "readme":
		chain = readmeSelectors
	case "profile":
		chain = profileSelectors
	default:
		chain = []string{"body"}
	}
	for _, sel := range chain {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		text := strings.TrimSpace(node.Text())
		if text != "" {
			return text, true
		}
	}
	return "", false
}

// fetchWithRetry runs the primary fetch under the retry policy, rotating
// credentials on quota responses.
func (f *PageFetcher) fetchWithRetry(ctx context.Context, rawURL string) ([]byte, int, error) {
	var (
		body    []byte
		status  int
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		cred, err := f.pool.Acquire(ctx)
		if err != nil {
			return nil, 0, err
		}
		body, status, lastErr = f.fetchOnce(ctx, rawURL, cred)
		if status == http.StatusForbidden || status == http.StatusTooManyRequests {
			f.pool.CoolDown(cred, time.Hour)
			lastErr = fmt.Errorf("fetch %s: quota response %d", rawURL, status)
		}
		if lastErr == nil {
			return body, status, nil
		}
		if !f.retry.ShouldRetry(lastErr, attempt) {
			return nil, status, lastErr
		}
		wait := f.retry.Backoff(attempt)
		f.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return nil, status, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// fetchOnce performs a single colly visit.
func (f *PageFetcher) fetchOnce(ctx context.Context, rawURL string, cred credentials.Credential) ([]byte, int, error) {
	collector := f.base.Clone()
	type result struct {
		body   []byte
		status int
		err    error
	}
	resultCh := make(chan result, 1)
	var once sync.Once
	send := func(res result) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnRequest(func(r *colly.Request) {
		if cred.Token != "" {
			r.Headers.Set("Authorization", "Bearer "+cred.Token)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		send(result{body: append([]byte{}, r.Body...), status: r.StatusCode})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		st := 0
		if r != nil {
			st = r.StatusCode
		}
		send(result{status: st, err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return nil, 0, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		return res.body, res.status, res.err
	default:
		return nil, 0, errors.New("colly fetch produced no result")
	}
}
