// Package extract runs pattern-based detectors over fetched text and returns
// normalized, typed contact findings. Detectors are independent and never
// abort the batch; a malformed match is skipped.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/ianWYHH/Spidermind/internal/spider"
)

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

	// Obfuscated addresses written as "name at domain dot com", with optional
	// bracket or parenthesis wrapping of the at/dot words.
	obfuscatedEmailPattern = regexp.MustCompile(
		`(?i)\b([a-z0-9._%+-]+)\s*[\[(]?\s*at\s*[\])]?\s*([a-z0-9-]+)\s*[\[(]?\s*dot\s*[\])]?\s*([a-z]{2,})\b`)

	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b1[3-9]\d{9}\b`),
		regexp.MustCompile(`\+?86\s*1[3-9]\d{9}\b`),
		regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
		regexp.MustCompile(`\+1\s*\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
		regexp.MustCompile(`\+\d{1,3}\s*\d{6,14}\b`),
		regexp.MustCompile(`\(\d{3}\)\s*\d{3}[-.]?\d{4}\b`),
	}

	urlPattern = regexp.MustCompile(`(?i)https?://[-\w.]+(?::\d+)?(?:/[\w/_.%~-]*(?:\?[\w&=%.-]*)?(?:#[\w.-]*)?)?`)

	socialPatterns = map[spider.FindingKind]*regexp.Regexp{
		spider.KindGithub:       regexp.MustCompile(`(?i)github\.com/([A-Za-z0-9-]{1,39})`),
		spider.KindTwitter:      regexp.MustCompile(`(?i)(?:twitter\.com/|x\.com/|@)([A-Za-z0-9_]{1,15})`),
		spider.KindLinkedin:     regexp.MustCompile(`(?i)linkedin\.com/in/([A-Za-z0-9-]{3,100})`),
		spider.KindResearchgate: regexp.MustCompile(`(?i)researchgate\.net/profile/([A-Za-z0-9_-]{1,100})`),
		spider.KindOrcid:        regexp.MustCompile(`(?i)orcid\.org/(\d{4}-\d{4}-\d{4}-\d{3}[0-9Xx])`),
		spider.KindScholar:      regexp.MustCompile(`(?i)scholar\.google\.com/citations\?user=([A-Za-z0-9_-]{12})`),
		spider.KindFacebook:     regexp.MustCompile(`(?i)facebook\.com/([A-Za-z0-9.]{5,50})`),
	}

	// Messaging handles are low-signal: a match requires an adjacent platform
	// hint word, otherwise bare strings would flood the results.
	messagingPattern = regexp.MustCompile(
		`(?i)\b(wechat|weixin|whatsapp|telegram|signal|skype|discord|qq)\b[\s:：=,-]{0,4}([A-Za-z0-9_.+-]{3,32})`)

	githubLoginPattern = regexp.MustCompile(`^[a-zA-Z0-9-]{1,39}$`)

	zeroWidthReplacer = strings.NewReplacer(
		"\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "",
	)
)

// emailBlacklist drops platform-generated and placeholder addresses.
var emailBlacklist = []string{
	"noreply", "no-reply", "donotreply", "example.com", "test.com",
	"localhost", "dummy", "fake", "invalid", "none",
	"users.noreply.github.com",
}

// Extractor turns raw page text into contact findings.
type Extractor struct {
	logger *zap.Logger
}

// New builds an extractor.
func New(logger *zap.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract runs every detector over the content. The result is deduplicated by
// (kind, normalized value); findings carry no identity.
func (e *Extractor) Extract(content, sourceURL string) []spider.ContactFinding {
	if content == "" {
		return nil
	}
	text := zeroWidthReplacer.Replace(content)

	var findings []spider.ContactFinding
	findings = append(findings, e.extractEmails(text, sourceURL)...)
	findings = append(findings, e.extractPhones(text, sourceURL)...)

	// Plain addresses are blanked before the handle detectors run so the
	// "@" in an email never masquerades as a social handle.
	scrubbed := emailPattern.ReplaceAllString(text, " ")
	findings = append(findings, e.extractSocial(scrubbed, sourceURL)...)
	findings = append(findings, e.extractMessaging(scrubbed, sourceURL)...)
	findings = append(findings, e.extractURLs(text, sourceURL)...)

	return dedupe(findings)
}

func (e *Extractor) extractEmails(text, sourceURL string) []spider.ContactFinding {
	var out []spider.ContactFinding
	for _, raw := range emailPattern.FindAllString(text, -1) {
		norm := strings.ToLower(strings.TrimSpace(raw))
		if blacklistedEmail(norm) {
			continue
		}
		out = append(out, spider.ContactFinding{
			Kind:       spider.KindEmail,
			Raw:        raw,
			Normalized: norm,
			Confidence: 0.95,
			SourceURL:  sourceURL,
		})
	}
	for _, m := range obfuscatedEmailPattern.FindAllStringSubmatch(text, -1) {
		norm := strings.ToLower(fmt.Sprintf("%s@%s.%s", m[1], m[2], m[3]))
		if blacklistedEmail(norm) {
			continue
		}
		out = append(out, spider.ContactFinding{
			Kind:       spider.KindEmail,
			Raw:        m[0],
			Normalized: norm,
			Confidence: 0.85,
			SourceURL:  sourceURL,
		})
	}
	return out
}

func blacklistedEmail(email string) bool {
	for _, bad := range emailBlacklist {
		if strings.Contains(email, bad) {
			return true
		}
	}
	at := strings.IndexByte(email, '@')
	return at < 0 || !strings.Contains(email[at+1:], ".")
}

func (e *Extractor) extractPhones(text, sourceURL string) []spider.ContactFinding {
	var out []spider.ContactFinding
	for _, p := range phonePatterns {
		for _, raw := range p.FindAllString(text, -1) {
			norm := strings.Map(func(r rune) rune {
				switch r {
				case '-', '.', '(', ')', ' ', '\t':
					return -1
				}
				return r
			}, raw)
			if len(strings.TrimPrefix(norm, "+")) < 10 {
				continue
			}
			out = append(out, spider.ContactFinding{
				Kind:       spider.KindPhone,
				Raw:        raw,
				Normalized: norm,
				Confidence: 0.7,
				SourceURL:  sourceURL,
			})
		}
	}
	return out
}

func (e *Extractor) extractSocial(text, sourceURL string) []spider.ContactFinding {
	var out []spider.ContactFinding
	for kind, p := range socialPatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			handle := strings.TrimSpace(m[1])
			if !validHandle(kind, handle) {
				continue
			}
			out = append(out, spider.ContactFinding{
				Kind:       kind,
				Raw:        m[0],
				Normalized: strings.ToLower(handle),
				Confidence: 0.9,
				SourceURL:  sourceURL,
			})
		}
	}
	return out
}

// validHandle applies per-platform rules beyond the regex character classes.
func validHandle(kind spider.FindingKind, handle string) bool {
	if len(handle) < 2 {
		return false
	}
	switch kind {
	case spider.KindGithub:
		return githubLoginPattern.MatchString(handle) &&
			!strings.HasPrefix(handle, "-") &&
			!strings.HasSuffix(handle, "-") &&
			!strings.Contains(handle, "--")
	case spider.KindOrcid:
		return true
	default:
		return true
	}
}

func (e *Extractor) extractMessaging(text, sourceURL string) []spider.ContactFinding {
	var out []spider.ContactFinding
	for _, m := range messagingPattern.FindAllStringSubmatch(text, -1) {
		platform := strings.ToLower(m[1])
		if platform == "weixin" {
			platform = "wechat"
		}
		handle := strings.TrimSpace(m[2])
		if handle == "" {
			continue
		}
		out = append(out, spider.ContactFinding{
			Kind:       spider.KindMessaging,
			Raw:        m[0],
			Normalized: platform + ":" + strings.ToLower(handle),
			Confidence: 0.6,
			SourceURL:  sourceURL,
		})
	}
	return out
}

func (e *Extractor) extractURLs(text, sourceURL string) []spider.ContactFinding {
	var out []spider.ContactFinding
	for _, raw := range urlPattern.FindAllString(text, -1) {
		norm, ok := canonicalURL(raw)
		if !ok {
			continue
		}
		kind, confidence := classifyURL(norm)
		out = append(out, spider.ContactFinding{
			Kind:       kind,
			Raw:        raw,
			Normalized: norm,
			Confidence: confidence,
			SourceURL:  sourceURL,
		})
	}
	return out
}

// canonicalURL drops the query string and fragment and lowercases the host.
func canonicalURL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	return strings.TrimSuffix(u.String(), "/"), true
}

// classifyURL decides whether a URL looks like a personal homepage.
func classifyURL(norm string) (spider.FindingKind, float64) {
	u, err := url.Parse(norm)
	if err != nil {
		return spider.KindURL, 0.5
	}
	host := strings.ToLower(u.Host)
	path := strings.ToLower(u.Path)

	if strings.HasSuffix(host, ".github.io") {
		return spider.KindHomepage, 0.9
	}
	for _, hint := range []string{"blog", "personal", "portfolio", "homepage", "about"} {
		if strings.Contains(host, hint) || strings.Contains(path, hint) {
			return spider.KindHomepage, 0.7
		}
	}
	if strings.Contains(host, ".edu") || strings.Contains(host, ".ac.") {
		for _, hint := range []string{"~", "people", "faculty", "staff"} {
			if strings.Contains(path, hint) {
				return spider.KindHomepage, 0.8
			}
		}
	}
	for _, tld := range []string{".me", ".dev", ".io"} {
		if strings.HasSuffix(host, tld) {
			return spider.KindHomepage, 0.6
		}
	}
	return spider.KindURL, 0.5
}

func dedupe(findings []spider.ContactFinding) []spider.ContactFinding {
	seen := make(map[string]struct{}, len(findings))
	out := findings[:0]
	for _, f := range findings {
		key := string(f.Kind) + "\x00" + f.Normalized
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	return out
}
