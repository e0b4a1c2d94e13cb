// Package discovery turns a claimed task into fetch targets: a fixed forced
// set derived from the seed, a recency-capped normal set, and, for the social
// source, breadth-limited traversal of the follow graph.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ianWYHH/Spidermind/internal/spider"
)

// NormalTargetCap is the hard limit on normal targets per task. Never
// exceeded regardless of how many repositories the seed owns.
const NormalTargetCap = 50

// maxRepoPages bounds repository-listing pagination. A listing page holds
// about 30 entries, so the cap is reachable well within this bound.
const maxRepoPages = 5

// DefaultBaseURL is the site root targets are built against.
const DefaultBaseURL = "https://github.com"

// ForcedTargets returns the source-specific forced set for a task. The count
// and order are deterministic for a given seed; no existence check is
// performed, a missing page simply fails at fetch time.
func ForcedTargets(task spider.CrawlTask, baseURL string) []spider.FetchTarget {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	switch task.Source {
	case spider.SourceGithub:
		if task.Login == "" {
			return nil
		}
		return []spider.FetchTarget{
			{
				URL:    fmt.Sprintf("%s/%s/%s", baseURL, task.Login, task.Login),
				Kind:   "repo",
				Forced: true,
				Meta:   map[string]string{"type": "profile_repo"},
			},
			{
				URL:    fmt.Sprintf("%s/%s/%s.github.io", baseURL, task.Login, task.Login),
				Kind:   "repo",
				Forced: true,
				Meta:   map[string]string{"type": "pages_repo"},
			},
		}
	case spider.SourceOpenReview:
		if task.ProfileID == "" {
			return nil
		}
		return []spider.FetchTarget{
			{
				URL:    "https://openreview.net/profile?id=" + task.ProfileID,
				Kind:   "profile",
				Forced: true,
				Meta:   map[string]string{"type": "review_profile"},
			},
		}
	case spider.SourceHomepage:
		if task.URL == "" {
			return nil
		}
		return []spider.FetchTarget{
			{
				URL:    task.URL,
				Kind:   "homepage",
				Forced: true,
				Meta:   map[string]string{"type": "homepage"},
			},
		}
	default:
		return nil
	}
}

// Lister enumerates a seed's repositories for normal-target generation.
type Lister struct {
	client    *http.Client
	baseURL   string
	userAgent string
	logger    *zap.Logger
}

// NewLister builds a repository lister. client may be nil for the default.
func NewLister(client *http.Client, baseURL, userAgent string, logger *zap.Logger) *Lister {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Lister{
		client:    client,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		userAgent: userAgent,
		logger:    logger,
	}
}

type repoEntry struct {
	name     string
	url      string
	pushedAt string
}

// NormalTargets lists the seed's repositories from its profile page,
// paginating until the cap, the page bound, or exhaustion, sorted by push
// recency descending and hard-truncated to the cap.
func (l *Lister) NormalTargets(ctx context.Context, login string) ([]spider.FetchTarget, error) {
	seen := make(map[string]struct{})
	var repos []repoEntry
	for page := 1; page <= maxRepoPages && len(repos) < NormalTargetCap; page++ {
		pageRepos, err := l.fetchRepoPage(ctx, login, page)
		if err != nil {
			// The first page gates enumeration; later pages are best-effort.
			if page == 1 {
				return nil, err
			}
			l.logger.Warn("repository page fetch failed",
				zap.String("login", login),
				zap.Int("page", page),
				zap.Error(err),
			)
			break
		}
		added := 0
		for _, r := range pageRepos {
			if _, dup := seen[r.name]; dup {
				continue
			}
			seen[r.name] = struct{}{}
			repos = append(repos, r)
			added++
		}
		if added == 0 {
			break
		}
	}

	// pushed_at is RFC3339, so lexicographic order is chronological.
	sort.Slice(repos, func(i, j int) bool {
		if repos[i].pushedAt != repos[j].pushedAt {
			return repos[i].pushedAt > repos[j].pushedAt
		}
		return repos[i].name < repos[j].name
	})
	if len(repos) > NormalTargetCap {
		repos = repos[:NormalTargetCap]
	}

	targets := make([]spider.FetchTarget, 0, len(repos))
	for _, r := range repos {
		targets = append(targets, spider.FetchTarget{
			URL:  l.baseURL + r.url,
			Kind: "repo",
			Meta: map[string]string{"repo": login + "/" + r.name, "pushed_at": r.pushedAt},
		})
	}
	l.logger.Debug("normal targets enumerated",
		zap.String("login", login),
		zap.Int("count", len(targets)),
	)
	return targets, nil
}

func (l *Lister) fetchRepoPage(ctx context.Context, login string, page int) ([]repoEntry, error) {
	pageURL := fmt.Sprintf("%s/%s?tab=repositories&sort=updated&page=%d", l.baseURL, login, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build repositories request: %w", err)
	}
	if l.userAgent != "" {
		req.Header.Set("User-Agent", l.userAgent)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch repositories page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("repositories page %d for %s: status %d", page, login, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read repositories page: %w", err)
	}
	return parseRepositories(body, login)
}

func parseRepositories(body []byte, login string) ([]repoEntry, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse repositories page: %w", err)
	}
	hrefPattern := regexp.MustCompile(`^/` + regexp.QuoteMeta(login) + `/([^/?#]+)/?$`)

	seen := make(map[string]struct{})
	var repos []repoEntry
	doc.Find("li").Each(func(_ int, item *goquery.Selection) {
		var entry repoEntry
		item.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			href, _ := a.Attr("href")
			m := hrefPattern.FindStringSubmatch(href)
			if m == nil {
				return true
			}
			entry.name = m[1]
			entry.url = strings.TrimSuffix(href, "/")
			return false
		})
		if entry.name == "" {
			return
		}
		if _, dup := seen[entry.name]; dup {
			return
		}
		seen[entry.name] = struct{}{}
		entry.pushedAt, _ = item.Find("relative-time").Attr("datetime")
		repos = append(repos, entry)
	})
	return repos, nil
}
