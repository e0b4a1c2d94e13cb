package discovery

import (
	"context"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ianWYHH/Spidermind/internal/spider"
)

// maxFollowPages bounds pagination per side so a bad page can never loop
// forever.
const maxFollowPages = 10

var loginPattern = regexp.MustCompile(`^[a-zA-Z0-9-]{1,39}$`)

// followSelectors is the chain tried against a follow-list page, most
// specific first. The first selector that yields any login wins.
var followSelectors = []string{
	`a[data-hovercard-type="user"]`,
	`.d-table-cell a[href^="/"]`,
	`.Box-row a[href^="/"]`,
	`.follow-list-item a[href^="/"]`,
	`a[href^="/"]`,
}

// nonUserPaths are top-level site paths that look like logins in hrefs but
// never are.
var nonUserPaths = map[string]struct{}{
	"orgs": {}, "organizations": {}, "settings": {}, "notifications": {},
	"explore": {}, "marketplace": {}, "pricing": {}, "team": {}, "login": {},
	"join": {}, "about": {}, "contact": {}, "security": {}, "terms": {}, "privacy": {},
}

// ValidLogin reports whether a string is a syntactically valid login:
// alphanumeric and hyphen, 1-39 chars, no leading/trailing/double hyphen.
// Invalid candidates are dropped silently during traversal.
func ValidLogin(login string) bool {
	return loginPattern.MatchString(login) &&
		!strings.HasPrefix(login, "-") &&
		!strings.HasSuffix(login, "-") &&
		!strings.Contains(login, "--")
}

// TraverserConfig controls follow-graph traversal pacing.
type TraverserConfig struct {
	BaseURL   string
	UserAgent string
	// SleepMin/SleepMax bound the randomized pause before each network call.
	SleepMin time.Duration
	SleepMax time.Duration
	// BackoffMin/BackoffMax bound the randomized pause after a rate-limit or
	// server-error response, before the single retry.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Traverser performs breadth-limited discovery over a seed's follow graph.
// All traversal runs serially on the calling goroutine.
type Traverser struct {
	client *http.Client
	cfg    TraverserConfig
	logger *zap.Logger
}

// NewTraverser builds a traverser. client may be nil for the default.
func NewTraverser(client *http.Client, cfg TraverserConfig, logger *zap.Logger) *Traverser {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 5 * time.Second
	}
	return &Traverser{client: client, cfg: cfg, logger: logger}
}

// TraversalResult holds the discovered logins per layer, in discovery order.
type TraversalResult struct {
	D1Followers []string
	D1Following []string
	D2          []string
}

// UniqueLogins returns the union of all layers, first occurrence wins.
func (r TraversalResult) UniqueLogins() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range [][]string{r.D1Followers, r.D1Following, r.D2} {
		for _, login := range group {
			if _, ok := seen[login]; ok {
				continue
			}
			seen[login] = struct{}{}
			out = append(out, login)
		}
	}
	return out
}

// Summary formats the single discovery log message.
func (r TraversalResult) Summary(inserted, duplicate int) string {
	return fmt.Sprintf("d1_followers=%d; d1_following=%d; d2_total=%d; inserted=%d; dup=%d",
		len(r.D1Followers), len(r.D1Following), len(r.D2), inserted, duplicate)
}

// Discover walks the seed's follow graph to the requested depth. depth 0 is a
// no-op issuing zero network calls; depth 1 collects both relation sides of
// the seed; depth 2 expands every depth-1 login the same way, deduplicated
// against the seed and the depth-1 set, stopping hard at d2Cap.
func (t *Traverser) Discover(ctx context.Context, seed string, depth, perSide, d2Cap int) (TraversalResult, error) {
	var result TraversalResult
	if depth <= 0 {
		return result, nil
	}
	if !ValidLogin(seed) {
		return result, fmt.Errorf("invalid seed login %q", seed)
	}

	result.D1Followers = t.fetchSide(ctx, seed, "followers", perSide)
	if err := ctx.Err(); err != nil {
		return result, err
	}
	result.D1Following = t.fetchSide(ctx, seed, "following", perSide)
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if depth == 1 {
		return result, nil
	}

	d1 := make(map[string]struct{}, len(result.D1Followers)+len(result.D1Following))
	for _, l := range result.D1Followers {
		d1[l] = struct{}{}
	}
	for _, l := range result.D1Following {
		d1[l] = struct{}{}
	}
	// Deterministic expansion order regardless of set iteration.
	expand := make([]string, 0, len(d1))
	for l := range d1 {
		expand = append(expand, l)
	}
	sort.Strings(expand)

	d2Seen := make(map[string]struct{})
	for _, d1Login := range expand {
		if len(result.D2) >= d2Cap {
			t.logger.Info("depth-2 cap reached", zap.Int("cap", d2Cap))
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		for _, side := range []string{"followers", "following"} {
			for _, login := range t.fetchSide(ctx, d1Login, side, perSide) {
				if login == seed {
					continue
				}
				if _, ok := d1[login]; ok {
					continue
				}
				if _, ok := d2Seen[login]; ok {
					continue
				}
				if len(result.D2) >= d2Cap {
					break
				}
				d2Seen[login] = struct{}{}
				result.D2 = append(result.D2, login)
			}
		}
	}
	return result, nil
}

// fetchSide paginates one relation side of a login up to the per-side limit.
// Failures degrade to whatever was collected so far; a side that cannot be
// read at all is simply empty.
func (t *Traverser) fetchSide(ctx context.Context, login, tab string, perSide int) []string {
	if perSide <= 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var logins []string

	for page := 1; page <= maxFollowPages && len(logins) < perSide; page++ {
		pageURL := fmt.Sprintf("%s/%s?tab=%s", t.cfg.BaseURL, login, tab)
		if page > 1 {
			pageURL += fmt.Sprintf("&page=%d", page)
		}

		body, ok := t.fetchFollowPage(ctx, pageURL, login, tab)
		if !ok {
			break
		}
		pageLogins := parseFollowPage(body)
		if len(pageLogins) == 0 {
			break
		}
		for _, l := range pageLogins {
			if l == login {
				continue
			}
			if _, dup := seen[l]; dup {
				continue
			}
			seen[l] = struct{}{}
			logins = append(logins, l)
			if len(logins) >= perSide {
				break
			}
		}
	}
	t.logger.Debug("follow side fetched",
		zap.String("login", login),
		zap.String("tab", tab),
		zap.Int("count", len(logins)),
	)
	return logins
}

// fetchFollowPage issues one paced request, backing off once on a rate-limit
// or server error. Any other non-success response ends the side quietly.
func (t *Traverser) fetchFollowPage(ctx context.Context, pageURL, login, tab string) ([]byte, bool) {
	retried := false
	for {
		t.sleep(ctx, t.cfg.SleepMin, t.cfg.SleepMax)

		body, status, err := t.get(ctx, pageURL)
		if err != nil {
			t.logger.Warn("follow page fetch failed",
				zap.String("login", login),
				zap.String("tab", tab),
				zap.Error(err),
			)
			return nil, false
		}
		switch {
		case status == http.StatusOK:
			return body, true
		case (status == http.StatusTooManyRequests || status >= 500) && !retried:
			retried = true
			t.logger.Warn("follow page throttled, backing off",
				zap.String("login", login),
				zap.Int("status", status),
			)
			t.sleep(ctx, t.cfg.BackoffMin, t.cfg.BackoffMax)
		default:
			if status != http.StatusNotFound {
				t.logger.Warn("follow page unavailable",
					zap.String("login", login),
					zap.String("tab", tab),
					zap.Int("status", status),
				)
			}
			return nil, false
		}
		if err := ctx.Err(); err != nil {
			return nil, false
		}
	}
}

func (t *Traverser) get(ctx context.Context, pageURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, 0, err
	}
	if t.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", t.cfg.UserAgent)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (t *Traverser) sleep(ctx context.Context, min, max time.Duration) {
	if max <= 0 {
		return
	}
	if min < 0 {
		min = 0
	}
	d := min
	if span := max - min; span > 0 {
		d += time.Duration(mrand.Int64N(int64(span) + 1))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// parseFollowPage extracts candidate logins from one follow-list page.
// Invalid logins are dropped silently, never logged as errors.
func parseFollowPage(body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	for _, selector := range followSelectors {
		seen := make(map[string]struct{})
		var logins []string
		doc.Find(selector).Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			href = strings.Trim(href, "/")
			if href == "" {
				return
			}
			candidate := href
			if i := strings.IndexByte(candidate, '/'); i >= 0 {
				candidate = candidate[:i]
			}
			if i := strings.IndexByte(candidate, '?'); i >= 0 {
				candidate = candidate[:i]
			}
			if _, skip := nonUserPaths[strings.ToLower(candidate)]; skip {
				return
			}
			if !ValidLogin(candidate) {
				return
			}
			lower := strings.ToLower(candidate)
			if _, dup := seen[lower]; dup {
				return
			}
			seen[lower] = struct{}{}
			logins = append(logins, lower)
		})
		if len(logins) > 0 {
			return logins
		}
	}
	return nil
}

// Discovered converts the traversal result into typed discovered-login
// records for downstream upsert accounting.
func (r TraversalResult) Discovered(seed string) []spider.DiscoveredLogin {
	seen := make(map[string]struct{})
	var out []spider.DiscoveredLogin
	add := func(login string, rel spider.Relation, depth int) {
		if _, ok := seen[login]; ok {
			return
		}
		seen[login] = struct{}{}
		out = append(out, spider.DiscoveredLogin{
			Login:    login,
			Relation: rel,
			Depth:    depth,
			Seed:     seed,
		})
	}
	for _, l := range r.D1Followers {
		add(l, spider.RelationFollower, 1)
	}
	for _, l := range r.D1Following {
		add(l, spider.RelationFollowing, 1)
	}
	for _, l := range r.D2 {
		add(l, spider.RelationFollower, 2)
	}
	return out
}
