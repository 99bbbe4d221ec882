// Package engine defines the core types shared across the orchestration subsystems.
package engine

import (
	"time"
)

// Tier is the authority class of a source. Lower values outrank higher ones
// when merged metadata conflicts.
type Tier int

// Source tiers in priority order.
const (
	TierPrimary   Tier = 1
	TierSecondary Tier = 2
	TierTertiary  Tier = 3
)

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierTertiary:
		return "tertiary"
	default:
		return "unknown"
	}
}

// Capability names one operation a source adapter supports.
type Capability string

// Adapter capabilities.
const (
	CapabilitySearch      Capability = "search"
	CapabilityDetails     Capability = "details"
	CapabilityChapterList Capability = "chapter-list"
	CapabilityPageList    Capability = "page-list"
	CapabilityHealthProbe Capability = "health-probe"
)

// AdapterStatus is the lifecycle state of a registered adapter.
type AdapterStatus string

// Adapter lifecycle states.
const (
	StatusActive      AdapterStatus = "active"
	StatusInactive    AdapterStatus = "inactive"
	StatusDegraded    AdapterStatus = "degraded"
	StatusQuarantined AdapterStatus = "quarantined"
)

// SearchQuery carries the caller's search terms and paging window.
type SearchQuery struct {
	Query string
	Page  int
	Limit int
}

// SeriesRecord is one piece of content as reported by a single source.
// Adapters fill what they know; empty fields mean "not provided".
type SeriesRecord struct {
	Indexer       string            `json:"indexer"`
	SourceID      string            `json:"source_id"`
	Title         string            `json:"title"`
	AltTitles     map[string]string `json:"alt_titles,omitempty"`
	Description   string            `json:"description,omitempty"`
	CoverURL      string            `json:"cover_url,omitempty"`
	Type          string            `json:"type,omitempty"`
	PubStatus     string            `json:"pub_status,omitempty"`
	Year          int               `json:"year,omitempty"`
	ContentRating string            `json:"content_rating,omitempty"`
	Genres        []string          `json:"genres,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Themes        []string          `json:"themes,omitempty"`
	Authors       []string          `json:"authors,omitempty"`
	Artists       []string          `json:"artists,omitempty"`
	Publishers    []string          `json:"publishers,omitempty"`
	Rating        float64           `json:"rating,omitempty"`
	RatingCount   int               `json:"rating_count,omitempty"`
	Follows       int               `json:"follows,omitempty"`
	ChapterCount  int               `json:"chapter_count,omitempty"`
	Confidence    float64           `json:"confidence"`
	Tier          Tier              `json:"tier"`
}

// SearchPage is one page of adapter search results.
type SearchPage struct {
	Items   []SeriesRecord `json:"items"`
	Total   int            `json:"total"`
	HasMore bool           `json:"has_more"`
}

// ChapterInfo is one chapter as reported by a source.
type ChapterInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Number    float64   `json:"number"`
	Volume    string    `json:"volume,omitempty"`
	Language  string    `json:"language,omitempty"`
	Published time.Time `json:"published,omitempty"`
}

// ChapterPage is one page of adapter chapter-list results.
type ChapterPage struct {
	Items   []ChapterInfo `json:"items"`
	Total   int           `json:"total"`
	HasMore bool          `json:"has_more"`
}

// ProbeResult is the outcome of a health probe against one adapter.
type ProbeResult struct {
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// MatchMethod records how a cross-tier duplicate was matched to its canonical entry.
type MatchMethod string

// Supported match methods.
const (
	MatchExactTitle MatchMethod = "exact-title"
	MatchFuzzyTitle MatchMethod = "fuzzy-title"
	MatchManual     MatchMethod = "manual"
)

// CanonicalEntry is the merged cross-source record for one piece of content.
// It is uniquely keyed by (Indexer, SourceID) of the source of record.
type CanonicalEntry struct {
	Indexer          string            `json:"indexer"`
	SourceID         string            `json:"source_id"`
	Title            string            `json:"title"`
	AltTitles        map[string]string `json:"alt_titles,omitempty"`
	Description      string            `json:"description,omitempty"`
	CoverURL         string            `json:"cover_url,omitempty"`
	Type             string            `json:"type,omitempty"`
	PubStatus        string            `json:"pub_status,omitempty"`
	Year             int               `json:"year,omitempty"`
	ContentRating    string            `json:"content_rating,omitempty"`
	Genres           []string          `json:"genres,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Themes           []string          `json:"themes,omitempty"`
	Authors          []string          `json:"authors,omitempty"`
	Artists          []string          `json:"artists,omitempty"`
	Publishers       []string          `json:"publishers,omitempty"`
	Rating           float64           `json:"rating,omitempty"`
	RatingCount      int               `json:"rating_count,omitempty"`
	Follows          int               `json:"follows,omitempty"`
	ChapterCount     int               `json:"chapter_count,omitempty"`
	Confidence       float64           `json:"confidence"`
	DataCompleteness float64           `json:"data_completeness"`
	SourceTier       Tier              `json:"source_tier"`
	LastRefreshed    *time.Time        `json:"last_refreshed,omitempty"`
	RefreshInterval  time.Duration     `json:"refresh_interval"`
	CrossRefs        []CrossReference  `json:"cross_refs,omitempty"`
}

// CrossReference links a canonical entry to the same content on another source.
type CrossReference struct {
	Indexer    string      `json:"indexer"`
	SourceID   string      `json:"source_id"`
	Tier       Tier        `json:"tier"`
	Confidence float64     `json:"confidence"`
	Method     MatchMethod `json:"method"`
	Verified   bool        `json:"verified"`
}

// HealthRecord tracks rolling probe and live-call outcomes for one adapter.
type HealthRecord struct {
	Adapter             string        `json:"adapter"`
	Status              AdapterStatus `json:"status"`
	LastCheck           *time.Time    `json:"last_check,omitempty"`
	LastSuccess         *time.Time    `json:"last_success,omitempty"`
	LastFailure         *time.Time    `json:"last_failure,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	AvgResponseMs       float64       `json:"avg_response_ms"`
	SuccessRate         float64       `json:"success_rate"`
	TotalSuccesses      int64         `json:"total_successes"`
	TotalFailures       int64         `json:"total_failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AutoDisabled        bool          `json:"auto_disabled"`
	ManualOverride      bool          `json:"manual_override"`
}
