package model

import (
	"strings"

	"github.com/google/uuid"
)

// SearchMode selects how query text is interpreted by the native engines
type SearchMode string

const (
	ModeNatural  SearchMode = "natural"
	ModeBoolean  SearchMode = "boolean"
	ModeSemantic SearchMode = "semantic"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// SearchRequest is one logical federated search
type SearchRequest struct {
	TenantID         string      `json:"tenant_id"`
	Query            string      `json:"query"`
	DatabaseIDs      []uuid.UUID `json:"database_ids,omitempty"`
	Tables           []string    `json:"tables,omitempty"`
	Columns          []string    `json:"columns,omitempty"`
	Mode             SearchMode  `json:"mode"`
	Limit            int         `json:"limit"`
	Offset           int         `json:"offset"`
	IncludeAnalytics bool        `json:"include_analytics"`
}

// Normalize trims the query and fills defaults for mode and limit
func (r *SearchRequest) Normalize() {
	r.Query = strings.TrimSpace(r.Query)
	if r.Mode == "" {
		r.Mode = ModeNatural
	}
	if r.Limit == 0 {
		r.Limit = DefaultLimit
	}
}

// SearchResult is one matched row from one source database
type SearchResult struct {
	DatabaseID     uuid.UUID              `json:"database_id"`
	DatabaseName   string                 `json:"database_name"`
	Table          string                 `json:"table"`
	Score          float64                `json:"score"`
	MatchedColumns []string               `json:"matched_columns"`
	Data           map[string]interface{} `json:"data"`
	Snippet        string                 `json:"snippet,omitempty"`
	Categories     []string               `json:"categories,omitempty"`
	PrimaryKey     string                 `json:"-"`
	RawScore       float64                `json:"-"`
}

// Category is an aggregate label over the returned results
type Category struct {
	Name       string  `json:"name"`
	Count      int     `json:"count"`
	Confidence float64 `json:"confidence"`
}

// QuerySuggestion is an alternative or completed query
type QuerySuggestion struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source"`
}

// TrendInsight is a derived observation over recent searches
type TrendInsight struct {
	Kind        string  `json:"kind"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Value       float64 `json:"value"`
}

// OptimizationSuggestion is a hint for improving a query or index
type OptimizationSuggestion struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Impact  string `json:"impact,omitempty"`
}

// Target failure reasons
const (
	FailureError    = "error"
	FailureTimeout  = "timeout"
	FailureDegraded = "degraded"
)

// TargetFailure records one source that did not contribute results
type TargetFailure struct {
	DatabaseID uuid.UUID `json:"database_id"`
	Reason     string    `json:"reason"`
	Message    string    `json:"message,omitempty"`
}

// ExecutionMeta describes how a response was produced
type ExecutionMeta struct {
	TargetsTotal     int             `json:"targets_total"`
	TargetsSucceeded int             `json:"targets_succeeded"`
	TargetsFailed    int             `json:"targets_failed"`
	FailedTargets    []TargetFailure `json:"failed_targets,omitempty"`
	Partial          bool            `json:"partial"`
	Degraded         bool            `json:"degraded"`
	DegradedReasons  []string        `json:"degraded_reasons,omitempty"`
	EffectiveMode    SearchMode      `json:"effective_mode"`
	EffectiveQuery   string          `json:"effective_query,omitempty"`
	CacheKey         string          `json:"cache_key,omitempty"`
}

// SearchResponse is the merged, ranked, optionally enriched result of a search.
// Treat as immutable once returned.
type SearchResponse struct {
	Results         []SearchResult           `json:"results"`
	Categories      []Category               `json:"categories"`
	Suggestions     []QuerySuggestion        `json:"suggestions"`
	Trends          []TrendInsight           `json:"trends,omitempty"`
	Optimizations   []OptimizationSuggestion `json:"optimizations,omitempty"`
	Total           int                      `json:"total"`
	ExecutionTimeMS int64                    `json:"execution_time_ms"`
	Page            int                      `json:"page"`
	Limit           int                      `json:"limit"`
	Offset          int                      `json:"offset"`
	Meta            ExecutionMeta            `json:"meta"`
}

// QueryAnalysis is the result of analyzing a query without executing it
type QueryAnalysis struct {
	Query           string                   `json:"query"`
	Terms           int                      `json:"terms"`
	BooleanValid    bool                     `json:"boolean_valid"`
	BooleanError    string                   `json:"boolean_error,omitempty"`
	Recommendations []string                 `json:"recommendations"`
	Optimizations   []OptimizationSuggestion `json:"optimizations"`
	Databases       []DatabaseProbe          `json:"databases"`
}

// DatabaseProbe is the per-target part of a query analysis
type DatabaseProbe struct {
	DatabaseID       uuid.UUID `json:"database_id"`
	Name             string    `json:"name"`
	Reachable        bool      `json:"reachable"`
	SearchableTables []string  `json:"searchable_tables"`
	LatencyMS        int64     `json:"latency_ms"`
	Error            string    `json:"error,omitempty"`
}
