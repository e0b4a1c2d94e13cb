package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ianWYHH/Spidermind/internal/spider"
)

func newTestFetcher(t *testing.T) *PageFetcher {
	t.Helper()
	f, err := NewPageFetcher(Config{
		UserAgent:      "spidermind-test/1.0",
		RequestTimeout: 5 * time.Second,
		MaxRetries:     1,
	}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	return f
}

func TestFetchExtractsReadmeContainer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<nav>ignored chrome</nav>
			<article class="markdown-body">Contact: alice@example.com</article>
		</body></html>`))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	res, err := f.Fetch(context.Background(), spider.FetchTarget{URL: srv.URL, Kind: "repo"})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.False(t, res.UsedFallback)
	require.Contains(t, res.Content, "alice@example.com")
	require.NotContains(t, res.Content, "ignored chrome")
}

func TestFetchSelectorChainPrefersEarlierMatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<div data-target="readme-toc.content">primary container</div>
			<article class="markdown-body">secondary container</article>
		</body></html>`))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	res, err := f.Fetch(context.Background(), spider.FetchTarget{URL: srv.URL, Kind: "repo"})
	require.NoError(t, err)
	require.Contains(t, res.Content, "primary container")
	require.NotContains(t, res.Content, "secondary container")
}

func TestFetchNoContainerReportsEmptyContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div class="unrelated">nothing here</div></body></html>`))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	res, err := f.Fetch(context.Background(), spider.FetchTarget{URL: srv.URL, Kind: "repo"})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Empty(t, res.Content)
	require.Equal(t, "no content container", res.Message)
}

func TestFetchHomepageFallsBackToBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>reach me at bob@example.org</p></body></html>`))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	res, err := f.Fetch(context.Background(), spider.FetchTarget{URL: srv.URL, Kind: "homepage"})
	require.NoError(t, err)
	require.Contains(t, res.Content, "bob@example.org")
}

func TestFetchServerErrorReturnsError(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	res, err := f.Fetch(context.Background(), spider.FetchTarget{URL: srv.URL, Kind: "repo"})
	require.Error(t, err)
	require.False(t, res.OK)
	require.GreaterOrEqual(t, hits, 2, "server errors should be retried")
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`<html><body><article class="markdown-body">` +
			strings.Repeat("content ", 30) + `</article></body></html>`))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	res, err := f.Fetch(context.Background(), spider.FetchTarget{URL: srv.URL, Kind: "repo"})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, 2, hits)
}

func TestNewPageFetcherRequiresUserAgent(t *testing.T) {
	t.Parallel()

	_, err := NewPageFetcher(Config{}, nil, nil, zap.NewNop())
	require.Error(t, err)
}
