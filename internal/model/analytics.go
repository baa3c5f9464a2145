package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SearchAnalytics represents the search_analytics table. Rows are append-only.
type SearchAnalytics struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        string     `json:"tenant_id"`
	Query           string     `json:"query"`
	Mode            SearchMode `json:"mode"`
	DatabaseIDs     []string   `json:"database_ids"`
	ExecutionTimeMS int64      `json:"execution_time_ms"`
	ResultCount     int        `json:"result_count"`
	CacheHit        bool       `json:"cache_hit"`
	Partial         bool       `json:"partial"`
	Categories      []string   `json:"categories,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// SearchFeedback represents the search_feedback table
type SearchFeedback struct {
	ID          uuid.UUID `json:"id"`
	AnalyticsID uuid.UUID `json:"analytics_id"`
	TenantID    string    `json:"tenant_id"`
	Score       int       `json:"score"`
	CreatedAt   time.Time `json:"created_at"`
}

// QueryCount is one entry of a top-queries aggregate
type QueryCount struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

// CategoryCount is one entry of a popular-categories aggregate
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// VolumePoint is the number of searches in one time bucket
type VolumePoint struct {
	Bucket time.Time `json:"bucket"`
	Count  int       `json:"count"`
}

// AnalyticsSummary holds the rolling aggregates for one tenant and window
type AnalyticsSummary struct {
	TenantID          string          `json:"tenant_id"`
	Window            string          `json:"window"`
	Since             time.Time       `json:"since"`
	TotalSearches     int             `json:"total_searches"`
	LiveSearches      int             `json:"live_searches"`
	AvgResponseMS     float64         `json:"avg_response_ms"`
	TopQueries        []QueryCount    `json:"top_queries"`
	PopularCategories []CategoryCount `json:"popular_categories"`
	Volume            []VolumePoint   `json:"volume"`
	ComputedAt        time.Time       `json:"computed_at"`
}

// Windows accepted by the analytics accessors
var windows = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// ParseWindow maps a window name to its duration; empty means 24h
func ParseWindow(name string) (string, time.Duration, error) {
	if name == "" {
		name = "24h"
	}
	d, ok := windows[name]
	if !ok {
		return "", 0, fmt.Errorf("unsupported window %q", name)
	}
	return name, d, nil
}

// BucketSize returns the volume bucket width for a window
func BucketSize(window time.Duration) time.Duration {
	switch {
	case window <= time.Hour:
		return 5 * time.Minute
	case window <= 24*time.Hour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}
