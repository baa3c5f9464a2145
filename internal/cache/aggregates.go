package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/query"
)

const topN = 10

// RecordSource reads raw analytics records
type RecordSource interface {
	ListSince(ctx context.Context, tenantID string, since time.Time) ([]model.SearchAnalytics, error)
}

// Aggregates serves rolling analytics summaries read-through: a missing summary is
// computed from raw records and cached for ttl.
type Aggregates struct {
	cache   Cache
	records RecordSource
	ttl     time.Duration
	now     func() time.Time
}

func NewAggregates(cache Cache, records RecordSource, ttl time.Duration) *Aggregates {
	return &Aggregates{cache: cache, records: records, ttl: ttl, now: time.Now}
}

func summaryKey(tenantID, window string) string {
	return fmt.Sprintf("analytics:%s:%s", tenantID, window)
}

// Summary returns the aggregates of the tenant for a window name (1h, 24h, 7d, 30d)
func (a *Aggregates) Summary(ctx context.Context, tenantID, window string) (*model.AnalyticsSummary, error) {
	name, dur, err := model.ParseWindow(window)
	if err != nil {
		return nil, apperr.InvalidRequest("%s", err.Error())
	}
	key := summaryKey(tenantID, name)

	data, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Analytics cache read failed, recomputing")
	}
	if ok {
		var summary model.AnalyticsSummary
		if err := json.Unmarshal(data, &summary); err == nil {
			return &summary, nil
		}
	}

	now := a.now().UTC()
	since := now.Add(-dur)
	records, err := a.records.ListSince(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load analytics records: %w", err)
	}

	summary := Summarize(records, tenantID, name, since, now)
	if data, err := json.Marshal(summary); err == nil {
		if err := a.cache.Set(ctx, key, data, a.ttl); err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Analytics cache write failed")
		}
	}
	return summary, nil
}

// Summarize computes the aggregates over records in [since, now]. Average response time
// counts live executions only; cache replays carry a zero execution time.
func Summarize(records []model.SearchAnalytics, tenantID, window string, since, now time.Time) *model.AnalyticsSummary {
	summary := &model.AnalyticsSummary{
		TenantID:          tenantID,
		Window:            window,
		Since:             since,
		ComputedAt:        now,
		TopQueries:        []model.QueryCount{},
		PopularCategories: []model.CategoryCount{},
	}

	bucket := model.BucketSize(now.Sub(since))
	start := since.Truncate(bucket)
	nBuckets := int(now.Sub(start)/bucket) + 1
	summary.Volume = make([]model.VolumePoint, nBuckets)
	for i := range summary.Volume {
		summary.Volume[i].Bucket = start.Add(time.Duration(i) * bucket)
	}

	queries := make(map[string]int)
	categories := make(map[string]int)
	var liveTotal int64

	for _, rec := range records {
		if rec.TenantID != tenantID || rec.CreatedAt.Before(since) || rec.CreatedAt.After(now) {
			continue
		}
		summary.TotalSearches++
		if !rec.CacheHit {
			summary.LiveSearches++
			liveTotal += rec.ExecutionTimeMS
		}
		if q := query.Normalize(rec.Query); q != "" {
			queries[q]++
		}
		for _, c := range rec.Categories {
			categories[c]++
		}
		if i := int(rec.CreatedAt.Sub(start) / bucket); i >= 0 && i < nBuckets {
			summary.Volume[i].Count++
		}
	}

	if summary.LiveSearches > 0 {
		summary.AvgResponseMS = float64(liveTotal) / float64(summary.LiveSearches)
	}

	for q, n := range queries {
		summary.TopQueries = append(summary.TopQueries, model.QueryCount{Query: q, Count: n})
	}
	sort.Slice(summary.TopQueries, func(i, j int) bool {
		a, b := summary.TopQueries[i], summary.TopQueries[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Query < b.Query
	})
	if len(summary.TopQueries) > topN {
		summary.TopQueries = summary.TopQueries[:topN]
	}

	for c, n := range categories {
		summary.PopularCategories = append(summary.PopularCategories, model.CategoryCount{Category: c, Count: n})
	}
	sort.Slice(summary.PopularCategories, func(i, j int) bool {
		a, b := summary.PopularCategories[i], summary.PopularCategories[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Category < b.Category
	})
	if len(summary.PopularCategories) > topN {
		summary.PopularCategories = summary.PopularCategories[:topN]
	}

	return summary
}
