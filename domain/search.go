package domain

import (
	"strings"
	"time"
)

// SearchQuery is a normalized, immutable search request.
// Build one via NewSearchQuery; city/keyword are trimmed and lower-cased there
// so cache keys derived from equal queries always collide.
type SearchQuery struct {
	City       string `json:"city"`
	Keyword    string `json:"keyword"`
	DeepSearch bool   `json:"deepSearch"`
	PageToken  string `json:"pageToken,omitempty"`
}

func NewSearchQuery(city, keyword string, deepSearch bool, pageToken string) SearchQuery {
	return SearchQuery{
		City:       strings.ToLower(strings.TrimSpace(city)),
		Keyword:    strings.ToLower(strings.TrimSpace(keyword)),
		DeepSearch: deepSearch,
		PageToken:  strings.TrimSpace(pageToken),
	}
}

func (q SearchQuery) FirstPage() bool { return q.PageToken == "" }

// PlaceSummary is one business returned by the upstream places provider.
type PlaceSummary struct {
	PlaceID   string  `json:"placeId"`
	Name      string  `json:"name"`
	Address   string  `json:"address,omitempty"`
	Phone     string  `json:"phone,omitempty"`
	Website   string  `json:"website,omitempty"`
	Rating    float64 `json:"rating,omitempty"`
	Reviews   int     `json:"reviews,omitempty"`
	Latitude  float64 `json:"lat,omitempty"`
	Longitude float64 `json:"lng,omitempty"`
}

// CachedResult is the payload stored in both cache tiers.
type CachedResult struct {
	Places        []PlaceSummary `json:"places"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
	FetchedAt     time.Time      `json:"fetchedAt"`
	ExpiresAt     time.Time      `json:"expiresAt"`
}

type SearchJobStatus string

const (
	SearchJobStatusPending   SearchJobStatus = "pending"
	SearchJobStatusActive    SearchJobStatus = "active"
	SearchJobStatusCompleted SearchJobStatus = "completed"
	SearchJobStatusFailed    SearchJobStatus = "failed"
)

// Terminal reports whether the status is final. Terminal jobs are never
// mutated again.
func (s SearchJobStatus) Terminal() bool {
	return s == SearchJobStatusCompleted || s == SearchJobStatusFailed
}

// SearchJob is created by the orchestrator and mutated only by the worker.
type SearchJob struct {
	ID        string          `json:"jobId"`
	UserID    string          `json:"-"`
	CacheKey  string          `json:"-"`
	Query     SearchQuery     `json:"query"`
	Status    SearchJobStatus `json:"status"`
	Progress  int             `json:"progress"`
	CreatedAt time.Time       `json:"createdAt"`

	Result *CachedResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// RequestContext carries the request identity explicitly instead of relying
// on ambient framework context. UserID is an opaque string from the auth
// collaborator.
type RequestContext struct {
	UserID    string
	IP        string
	UserAgent string
}

type OutcomeType string

const (
	OutcomeCached OutcomeType = "CACHED"
	OutcomeJob    OutcomeType = "JOB"
)

// SearchOutcome is what the orchestrator hands back: either a cached payload
// or a job handle. Joined distinguishes "rode along on an existing job" from
// "started new work" (the joined caller was not charged).
type SearchOutcome struct {
	Type   OutcomeType   `json:"type"`
	Data   *CachedResult `json:"data,omitempty"`
	JobID  string        `json:"jobId,omitempty"`
	Joined bool          `json:"joined,omitempty"`
}
