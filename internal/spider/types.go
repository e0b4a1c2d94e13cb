// Package spider defines core types shared across subsystems.
package spider

import (
	"time"
)

// Source identifies which site family a task belongs to.
type Source string

// Task sources recognized by the queue.
const (
	SourceGithub     Source = "github"
	SourceOpenReview Source = "openreview"
	SourceHomepage   Source = "homepage"
)

// TaskType distinguishes what kind of unit a task describes.
type TaskType string

// Task types persisted in the queue.
const (
	TaskProfile    TaskType = "profile"
	TaskRepo       TaskType = "repo"
	TaskFollowScan TaskType = "follow_scan"
	TaskHomepage   TaskType = "homepage"
	TaskForum      TaskType = "forum"
)

// TaskStatus represents the lifecycle state of a crawl task.
type TaskStatus string

// Task status values persisted in the queue. Transitions are one-directional:
// pending -> running -> done|failed. Re-queueing is the producer's business.
const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
)

// CrawlTask is one unit of scheduled work claimed from the queue.
type CrawlTask struct {
	ID        int64
	Source    Source
	Type      TaskType
	URL       string
	Login     string
	ProfileID string
	Depth     int
	Status    TaskStatus
	Retries   int
	Priority  int
	BatchID   string
	ErrorText string
	CreatedAt time.Time
	UpdatedAt time.Time
	StartedAt *time.Time
}

// Seed returns the identity this task starts from: the login for graph
// sources, the profile id for the review platform, otherwise the raw URL.
func (t CrawlTask) Seed() string {
	switch {
	case t.Login != "":
		return t.Login
	case t.ProfileID != "":
		return t.ProfileID
	default:
		return t.URL
	}
}

// FetchTarget is an ephemeral fetch unit produced by target discovery.
// Forced targets gate task success; normal targets are best-effort.
type FetchTarget struct {
	URL    string
	Kind   string
	Forced bool
	Meta   map[string]string
}

// FindingKind classifies an extracted contact fact.
type FindingKind string

// Finding kinds produced by the extractor.
const (
	KindEmail        FindingKind = "email"
	KindPhone        FindingKind = "phone"
	KindGithub       FindingKind = "github"
	KindTwitter      FindingKind = "twitter"
	KindLinkedin     FindingKind = "linkedin"
	KindOrcid        FindingKind = "orcid"
	KindScholar      FindingKind = "scholar"
	KindResearchgate FindingKind = "researchgate"
	KindFacebook     FindingKind = "facebook"
	KindMessaging    FindingKind = "messaging"
	KindURL          FindingKind = "url"
	KindHomepage     FindingKind = "homepage"
)

// ContactFinding is a typed, normalized contact fact. It carries no identity;
// binding to a record is the persistence port's responsibility.
type ContactFinding struct {
	Kind       FindingKind
	Raw        string
	Normalized string
	Confidence float64
	SourceURL  string
}

// Relation names which side of the social graph a login was discovered on.
type Relation string

// Relation values for discovered logins.
const (
	RelationFollower  Relation = "follower"
	RelationFollowing Relation = "following"
)

// DiscoveredLogin is an ephemeral result of social-graph traversal. Only the
// bare login survives past the discovery run.
type DiscoveredLogin struct {
	Login    string
	Relation Relation
	Depth    int
	Seed     string
	Known    bool
}

// LogEntry is one append-only audit record: one per processed target plus one
// summary row per discovery run.
type LogEntry struct {
	TaskID    int64
	URL       string
	Outcome   Outcome
	Status    CoarseStatus
	FactKinds []string
	FactCount int
	Message   string
	Duration  time.Duration
	TraceID   string
}
