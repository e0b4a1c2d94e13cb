package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ianWYHH/Spidermind/internal/spider"
)

func findByKind(findings []spider.ContactFinding, kind spider.FindingKind) []spider.ContactFinding {
	var out []spider.ContactFinding
	for _, f := range findings {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func normalized(findings []spider.ContactFinding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Normalized)
	}
	return out
}

func TestExtractPlainEmail(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	findings := e.Extract("reach me at Bob.Smith@University.EDU for questions", "http://src")

	emails := findByKind(findings, spider.KindEmail)
	require.Len(t, emails, 1)
	require.Equal(t, "bob.smith@university.edu", emails[0].Normalized)
	require.Equal(t, "http://src", emails[0].SourceURL)
}

func TestExtractObfuscatedEmail(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	findings := e.Extract("contact: alice AT example DOT org", "")

	emails := findByKind(findings, spider.KindEmail)
	require.Len(t, emails, 1)
	require.Equal(t, "alice@example.org", emails[0].Normalized)
	require.Less(t, emails[0].Confidence, 0.95, "deobfuscated matches score lower")
}

func TestExtractObfuscatedEmailBracketVariant(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	findings := e.Extract("mail: carol [at] research [dot] net", "")

	emails := findByKind(findings, spider.KindEmail)
	require.Len(t, emails, 1)
	require.Equal(t, "carol@research.net", emails[0].Normalized)
}

func TestExtractDropsNoReplyAndPlaceholders(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	content := `12345+octocat@users.noreply.github.com
		noreply@realsite.org
		someone@test.com`
	findings := e.Extract(content, "")

	require.Empty(t, findByKind(findings, spider.KindEmail))
}

func TestExtractStripsZeroWidthCharacters(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	findings := e.Extract("dave\u200b@\u200cuniversity\u200d.edu\ufeff", "")

	emails := findByKind(findings, spider.KindEmail)
	require.Len(t, emails, 1)
	require.Equal(t, "dave@university.edu", emails[0].Normalized)
}

func TestExtractGithubHandleRules(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	content := `profiles: github.com/octocat github.com/-bad github.com/also--bad github.com/trailing-`
	findings := e.Extract(content, "")

	handles := normalized(findByKind(findings, spider.KindGithub))
	require.Equal(t, []string{"octocat"}, handles)
}

func TestExtractSocialProfiles(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	content := `find me on twitter.com/Gopher_Dev, linkedin.com/in/jane-doe-phd,
		orcid.org/0000-0002-1825-0097`
	findings := e.Extract(content, "")

	require.Equal(t, []string{"gopher_dev"}, normalized(findByKind(findings, spider.KindTwitter)))
	require.Equal(t, []string{"jane-doe-phd"}, normalized(findByKind(findings, spider.KindLinkedin)))
	require.Equal(t, []string{"0000-0002-1825-0097"}, normalized(findByKind(findings, spider.KindOrcid)))
}

func TestExtractEmailAtSignIsNotATwitterHandle(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	findings := e.Extract("write to frank@somewhere.org please", "")

	require.Empty(t, findByKind(findings, spider.KindTwitter))
	require.Len(t, findByKind(findings, spider.KindEmail), 1)
}

func TestExtractMessagingNeedsHintWord(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())

	with := e.Extract("add me on wechat: gopher123", "")
	msgs := findByKind(with, spider.KindMessaging)
	require.Len(t, msgs, 1)
	require.Equal(t, "wechat:gopher123", msgs[0].Normalized)

	without := e.Extract("my handle is gopher123", "")
	require.Empty(t, findByKind(without, spider.KindMessaging))
}

func TestExtractCanonicalizesURLs(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	findings := e.Extract("see https://somesite.org/papers?utm=x#top for details", "")

	urls := findByKind(findings, spider.KindURL)
	require.Len(t, urls, 1)
	require.Equal(t, "https://somesite.org/papers", urls[0].Normalized)
}

func TestExtractClassifiesHomepages(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	findings := e.Extract("site: https://octocat.github.io/ and https://somesite.org/misc", "")

	pages := findByKind(findings, spider.KindHomepage)
	require.Len(t, pages, 1)
	require.Equal(t, "https://octocat.github.io", pages[0].Normalized)
	require.InDelta(t, 0.9, pages[0].Confidence, 0.001)
}

func TestExtractDeduplicatesByKindAndValue(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	findings := e.Extract("grace@lab.org and again GRACE@LAB.ORG", "")

	require.Len(t, findByKind(findings, spider.KindEmail), 1)
}

func TestExtractEmptyContent(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	require.Empty(t, e.Extract("", "http://src"))
}

func TestExtractPhones(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	findings := e.Extract("call +1 415-555-2671 or 13812345678", "")

	phones := normalized(findByKind(findings, spider.KindPhone))
	require.Contains(t, phones, "+14155552671")
	require.Contains(t, phones, "13812345678")
}