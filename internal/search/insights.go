package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/query"
)

const (
	DefaultSuggestions = 5
	MaxSuggestions     = 20

	// InnoDB ignores shorter tokens with the default innodb_ft_min_token_size
	minTokenLength = 3
	longQueryTerms = 8
	slowSearchMS   = 1000
)

// Trends is the rolling summary of a tenant plus the observations derived from it
type Trends struct {
	Summary  *model.AnalyticsSummary `json:"summary"`
	Insights []model.TrendInsight    `json:"insights"`
}

// GetSearchSuggestions combines AI suggestions with matching past queries of the tenant.
// Duplicates are merged by exact text. Either source may fail on its own.
func (o *Orchestrator) GetSearchSuggestions(ctx context.Context, tenantID, prefix string, limit int) ([]model.QuerySuggestion, error) {
	prefix = strings.TrimSpace(prefix)
	if tenantID == "" {
		return nil, apperr.InvalidRequest("tenant id is required")
	}
	if prefix == "" {
		return nil, apperr.InvalidRequest("query must not be empty")
	}
	if limit <= 0 {
		limit = DefaultSuggestions
	}
	if limit > MaxSuggestions {
		return nil, apperr.InvalidRequest("limit must be at most %d", MaxSuggestions)
	}

	key := suggestionKey(tenantID, prefix, limit)
	if data, ok, err := o.cache.Get(ctx, key); err == nil && ok {
		var cached []model.QuerySuggestion
		if json.Unmarshal(data, &cached) == nil {
			return cached, nil
		}
	} else if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Suggestion cache read failed, treating as miss")
	}

	var (
		past []model.QueryCount
		ai   []model.QuerySuggestion
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		if past, err = o.recorder.PastQueries(ctx, tenantID, prefix, limit); err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Search history unavailable for suggestions")
		}
		return nil
	})
	if o.ai.IsAvailable() {
		g.Go(func() error {
			ai, _ = o.ai.Suggest(ctx, prefix)
			return nil
		})
	}
	_ = g.Wait()

	all := append([]model.QuerySuggestion(nil), ai...)
	maxCount := 0
	for _, q := range past {
		if q.Count > maxCount {
			maxCount = q.Count
		}
	}
	for _, q := range past {
		all = append(all, model.QuerySuggestion{Text: q.Query, Score: float64(q.Count) / float64(maxCount), Source: "history"})
	}
	suggestions := dedupeSuggestions(all, limit)

	if data, err := json.Marshal(suggestions); err == nil {
		if err := o.cache.Set(ctx, key, data, o.opts.ResultTTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Suggestion cache write failed")
		}
	}
	return suggestions, nil
}

// AnalyzeQuery inspects a query without executing it: syntax, per target reachability and
// searchable tables, local hints and AI recommendations when available.
func (o *Orchestrator) AnalyzeQuery(ctx context.Context, tenantID, q string, ids []uuid.UUID) (*model.QueryAnalysis, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, apperr.InvalidRequest("query must not be empty")
	}

	targets, err := o.targets.ResolveTargets(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}

	analysis := &model.QueryAnalysis{
		Query:           q,
		Terms:           len(query.Words(q)),
		BooleanValid:    true,
		Recommendations: []string{},
		Optimizations:   termHints(q),
		Databases:       make([]model.DatabaseProbe, len(targets)),
	}
	if _, err := query.ParseBoolean(q); err != nil {
		analysis.BooleanValid = false
		_, analysis.BooleanError = apperr.Public(err)
	}

	var ai struct {
		recommendations []string
		optimizations   []model.OptimizationSuggestion
	}
	var g errgroup.Group
	g.SetLimit(o.opts.FanOut)
	if o.ai.IsAvailable() {
		g.Go(func() error {
			if out, err := o.ai.AnalyzeQuery(ctx, q); err == nil {
				ai.recommendations, ai.optimizations = out.Recommendations, out.Optimizations
			}
			return nil
		})
	}
	for i, conn := range targets {
		g.Go(func() error {
			analysis.Databases[i] = o.probe(ctx, conn)
			return nil
		})
	}
	_ = g.Wait()

	for _, db := range analysis.Databases {
		switch {
		case !db.Reachable:
			analysis.Optimizations = append(analysis.Optimizations, model.OptimizationSuggestion{
				Kind:    "connectivity",
				Message: fmt.Sprintf("Database %s is unreachable and will be left out of results", db.Name),
				Impact:  "medium",
			})
		case len(db.SearchableTables) == 0:
			analysis.Optimizations = append(analysis.Optimizations, model.OptimizationSuggestion{
				Kind:    "index",
				Message: fmt.Sprintf("Database %s has no full-text index; add one to make it searchable", db.Name),
				Impact:  "high",
			})
		}
	}
	if !analysis.BooleanValid {
		analysis.Recommendations = append(analysis.Recommendations, "Fix the operator syntax before searching in boolean mode")
	}
	if analysis.Terms > longQueryTerms {
		analysis.Recommendations = append(analysis.Recommendations, "Long queries dilute relevance; mark the essential terms as required in boolean mode")
	}
	analysis.Recommendations = append(analysis.Recommendations, ai.recommendations...)
	analysis.Optimizations = append(analysis.Optimizations, ai.optimizations...)
	return analysis, nil
}

// probe reports reachability and searchable tables of one target, bounded by the
// per-target timeout. Degraded connections are reported without a round trip.
func (o *Orchestrator) probe(ctx context.Context, conn model.DatabaseConnection) model.DatabaseProbe {
	out := model.DatabaseProbe{DatabaseID: conn.ID, Name: conn.Name, SearchableTables: []string{}}
	if o.targets.IsDegraded(conn.ID) {
		out.Error = "connection is degraded"
		return out
	}

	tctx, cancel := context.WithTimeout(ctx, o.opts.TargetTimeout)
	defer cancel()

	start := o.now()
	tables, err := o.targets.DiscoverSchema(tctx, conn, false)
	out.LatencyMS = o.now().Sub(start).Milliseconds()
	if err != nil {
		_, out.Error = apperr.Public(err)
		log.Warn().Err(err).Str("connection_id", conn.ID.String()).Str("tenant_id", conn.TenantID).Msg("Query analysis probe failed")
		return out
	}

	out.Reachable = true
	for _, t := range tables {
		if len(t.Indexes) > 0 {
			out.SearchableTables = append(out.SearchableTables, t.Name)
		}
	}
	sort.Strings(out.SearchableTables)
	return out
}

// GetUserTrends returns the tenant's aggregates for a window with derived insights
func (o *Orchestrator) GetUserTrends(ctx context.Context, tenantID, window string) (*Trends, error) {
	if tenantID == "" {
		return nil, apperr.InvalidRequest("tenant id is required")
	}
	summary, err := o.recorder.Query(ctx, tenantID, window)
	if err != nil {
		return nil, err
	}
	return &Trends{Summary: summary, Insights: deriveInsights(summary)}, nil
}

// GetSearchHistory returns one page of the tenant's searches, newest first
func (o *Orchestrator) GetSearchHistory(ctx context.Context, tenantID string, limit, offset int) ([]model.SearchAnalytics, error) {
	if tenantID == "" {
		return nil, apperr.InvalidRequest("tenant id is required")
	}
	return o.recorder.History(ctx, tenantID, limit, offset)
}

func deriveInsights(s *model.AnalyticsSummary) []model.TrendInsight {
	insights := []model.TrendInsight{}
	if s == nil || s.TotalSearches == 0 {
		return insights
	}

	insights = append(insights, model.TrendInsight{
		Kind:        "volume",
		Title:       "Search volume",
		Description: fmt.Sprintf("%d searches in the last %s", s.TotalSearches, s.Window),
		Value:       float64(s.TotalSearches),
	})
	if len(s.TopQueries) > 0 {
		top := s.TopQueries[0]
		insights = append(insights, model.TrendInsight{
			Kind:        "top_query",
			Title:       "Most frequent query",
			Description: fmt.Sprintf("%q was searched %d times", top.Query, top.Count),
			Value:       float64(top.Count),
		})
	}
	if len(s.PopularCategories) > 0 {
		top := s.PopularCategories[0]
		insights = append(insights, model.TrendInsight{
			Kind:        "top_category",
			Title:       "Most popular category",
			Description: fmt.Sprintf("%s appeared in %d searches", top.Category, top.Count),
			Value:       float64(top.Count),
		})
	}

	cached := s.TotalSearches - s.LiveSearches
	insights = append(insights, model.TrendInsight{
		Kind:        "cache_ratio",
		Title:       "Served from cache",
		Description: fmt.Sprintf("%d of %d searches were answered from cache", cached, s.TotalSearches),
		Value:       float64(cached) / float64(s.TotalSearches),
	})

	if s.AvgResponseMS > slowSearchMS {
		insights = append(insights, model.TrendInsight{
			Kind:        "slow_searches",
			Title:       "Slow searches",
			Description: fmt.Sprintf("Live searches averaged %.0f ms; check degraded or unindexed databases", s.AvgResponseMS),
			Value:       s.AvgResponseMS,
		})
	}
	return insights
}

// termHints flags query terms native engines are likely to ignore
func termHints(q string) []model.OptimizationSuggestion {
	hints := []model.OptimizationSuggestion{}
	var short []string
	for _, w := range query.Words(q) {
		if utf8.RuneCountInString(w) < minTokenLength {
			short = append(short, w)
		}
	}
	if len(short) > 0 {
		hints = append(hints, model.OptimizationSuggestion{
			Kind:    "term_length",
			Message: fmt.Sprintf("Terms shorter than %d characters are ignored by MySQL full-text indexes: %s", minTokenLength, strings.Join(short, ", ")),
			Impact:  "low",
		})
	}
	return hints
}
