// Package search federates one logical search across a tenant's registered databases,
// merges the per-source results into one ranked page and serves the read paths built on
// the same components (suggestions, query analysis, trends, history).
package search

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/cache"
	"github.com/teresa-solution/federated-search-service/internal/config"
	"github.com/teresa-solution/federated-search-service/internal/enrichment"
	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/monitoring"
	"github.com/teresa-solution/federated-search-service/internal/query"
	"github.com/teresa-solution/federated-search-service/internal/registry"
)

// Degraded reasons reported in execution metadata
const (
	ReasonSemanticFallback  = "semantic_fallback"
	ReasonEnrichmentSkipped = "enrichment_skipped"
)

// Targets is the part of the connection registry the orchestrator depends on
type Targets interface {
	ResolveTargets(ctx context.Context, tenantID string, ids []uuid.UUID) ([]model.DatabaseConnection, error)
	Acquire(ctx context.Context, conn model.DatabaseConnection) (*registry.PooledSession, error)
	DiscoverSchema(ctx context.Context, conn model.DatabaseConnection, bypass bool) ([]model.TableSchema, error)
	IsDegraded(id uuid.UUID) bool
}

// Recorder is the analytics side of the orchestrator
type Recorder interface {
	Record(rec model.SearchAnalytics) uuid.UUID
	Query(ctx context.Context, tenantID, window string) (*model.AnalyticsSummary, error)
	History(ctx context.Context, tenantID string, limit, offset int) ([]model.SearchAnalytics, error)
	PastQueries(ctx context.Context, tenantID, prefix string, limit int) ([]model.QueryCount, error)
}

type Options struct {
	TargetTimeout      time.Duration
	Deadline           time.Duration
	FanOut             int
	ResultTTL          time.Duration
	MaxFetchPerSource  int
	MinSuccessFraction float64
	EnrichmentTimeout  time.Duration
	EnrichmentCooldown time.Duration
}

func OptionsFromConfig(cfg config.SearchConfig, ai config.EnrichmentConfig) Options {
	return Options{
		TargetTimeout:      cfg.TargetTimeout,
		Deadline:           cfg.Deadline,
		FanOut:             cfg.FanOut,
		ResultTTL:          cfg.ResultTTL,
		MaxFetchPerSource:  cfg.MaxFetchPerSource,
		MinSuccessFraction: cfg.MinSuccessFraction,
		EnrichmentTimeout:  ai.Timeout,
		EnrichmentCooldown: ai.Cooldown,
	}
}

func (o *Options) setDefaults() {
	if o.TargetTimeout <= 0 {
		o.TargetTimeout = 5 * time.Second
	}
	if o.Deadline <= 0 {
		o.Deadline = 10 * time.Second
	}
	if o.FanOut <= 0 {
		o.FanOut = 8
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = time.Minute
	}
	if o.MaxFetchPerSource <= 0 {
		o.MaxFetchPerSource = 200
	}
	if o.EnrichmentTimeout <= 0 {
		o.EnrichmentTimeout = 2 * time.Second
	}
}

// Orchestrator is safe for concurrent use; pools and cache are the only shared state.
type Orchestrator struct {
	targets  Targets
	cache    cache.Cache
	ai       enrichment.Adapter
	recorder Recorder
	opts     Options
	now      func() time.Time
}

// New builds an orchestrator. The adapter is wrapped in a Guard unless it already is one,
// so every enrichment call is bounded by the enrichment timeout.
func New(targets Targets, c cache.Cache, ai enrichment.Adapter, recorder Recorder, opts Options) *Orchestrator {
	opts.setDefaults()
	if ai == nil {
		ai = enrichment.Noop{}
	}
	if _, ok := ai.(*enrichment.Guard); !ok {
		ai = enrichment.NewGuard(ai, opts.EnrichmentTimeout, opts.EnrichmentCooldown)
	}
	return &Orchestrator{
		targets:  targets,
		cache:    c,
		ai:       ai,
		recorder: recorder,
		opts:     opts,
		now:      time.Now,
	}
}

// ExecuteSearch runs one federated search. A cache hit is returned without touching any
// pool. The returned response is the cached representation, so a replay within the
// result TTL is byte-identical once encoded.
func (o *Orchestrator) ExecuteSearch(ctx context.Context, req model.SearchRequest) (*model.SearchResponse, error) {
	start := o.now()
	req.Normalize()

	p, err := o.plan(req)
	if err != nil {
		monitoring.SearchRequests.WithLabelValues("invalid").Inc()
		return nil, err
	}

	targets, err := o.targets.ResolveTargets(ctx, req.TenantID, req.DatabaseIDs)
	if err != nil {
		monitoring.SearchRequests.WithLabelValues("rejected").Inc()
		return nil, err
	}

	key := cacheKey(req, targets)
	if cached, ok := o.cachedResponse(ctx, key); ok {
		o.recorder.Record(model.SearchAnalytics{
			TenantID:    req.TenantID,
			Query:       req.Query,
			Mode:        req.Mode,
			DatabaseIDs: connectionIDs(targets),
			ResultCount: cached.Total,
			CacheHit:    true,
			Partial:     cached.Meta.Partial,
			Categories:  categoryNames(cached.Categories),
		})
		monitoring.SearchRequests.WithLabelValues("cached").Inc()
		return cached, nil
	}

	resp, err := o.federate(ctx, req, p, targets)
	if err != nil {
		monitoring.SearchRequests.WithLabelValues("failed").Inc()
		return nil, err
	}
	elapsed := o.now().Sub(start)
	resp.ExecutionTimeMS = elapsed.Milliseconds()
	resp.Meta.CacheKey = key

	out := o.storeResponse(ctx, key, resp)

	o.recorder.Record(model.SearchAnalytics{
		TenantID:        req.TenantID,
		Query:           req.Query,
		Mode:            req.Mode,
		DatabaseIDs:     connectionIDs(targets),
		ExecutionTimeMS: resp.ExecutionTimeMS,
		ResultCount:     resp.Total,
		Partial:         resp.Meta.Partial,
		Categories:      categoryNames(resp.Categories),
	})

	monitoring.SearchDuration.Observe(elapsed.Seconds())
	status := "ok"
	if resp.Meta.Partial {
		status = "partial"
	}
	monitoring.SearchRequests.WithLabelValues(status).Inc()

	log.Debug().Str("tenant_id", req.TenantID).Str("mode", string(req.Mode)).Int("targets", resp.Meta.TargetsTotal).Int("failed", resp.Meta.TargetsFailed).Int("total", resp.Total).Dur("elapsed", elapsed).Msg("Federated search completed")
	return out, nil
}

// plan validates the request and translates it into what every target receives
func (o *Orchestrator) plan(req model.SearchRequest) (plan, error) {
	if req.TenantID == "" {
		return plan{}, apperr.InvalidRequest("tenant id is required")
	}
	if req.Query == "" {
		return plan{}, apperr.InvalidRequest("query must not be empty")
	}
	if req.Limit < 1 || req.Limit > model.MaxLimit {
		return plan{}, apperr.InvalidRequest("limit must be between 1 and %d", model.MaxLimit)
	}
	if req.Offset < 0 {
		return plan{}, apperr.InvalidRequest("offset must not be negative")
	}

	p := plan{mode: req.Mode, text: req.Query, tables: req.Tables, columns: req.Columns}
	switch req.Mode {
	case model.ModeNatural, model.ModeSemantic:
		p.terms = query.Words(req.Query)
	case model.ModeBoolean:
		expr, err := query.ParseBoolean(req.Query)
		if err != nil {
			return plan{}, err
		}
		p.boolean = expr
		p.terms = expr.PositiveWords()
	default:
		return plan{}, apperr.InvalidRequest("unsupported search mode %q", req.Mode)
	}

	// a fixed window keeps per-source normalization, and so the merged order, the same
	// for every page of one query
	p.fetch = o.opts.MaxFetchPerSource
	return p, nil
}

// federate dispatches to every target, merges what came back and enriches the page
func (o *Orchestrator) federate(ctx context.Context, req model.SearchRequest, p plan, targets []model.DatabaseConnection) (*model.SearchResponse, error) {
	meta := model.ExecutionMeta{TargetsTotal: len(targets), EffectiveMode: p.mode}
	if p.mode == model.ModeSemantic {
		o.expand(ctx, &p, &meta)
	}

	outcomes := o.fanOut(ctx, p, targets)

	perSource := make([][]model.SearchResult, 0, len(outcomes))
	for _, out := range outcomes {
		if out.failure != nil {
			meta.FailedTargets = append(meta.FailedTargets, *out.failure)
			continue
		}
		perSource = append(perSource, out.results)
	}
	meta.TargetsFailed = len(meta.FailedTargets)
	meta.TargetsSucceeded = meta.TargetsTotal - meta.TargetsFailed
	meta.Partial = meta.TargetsFailed > 0

	if meta.TargetsSucceeded == 0 || float64(meta.TargetsSucceeded) < o.opts.MinSuccessFraction*float64(meta.TargetsTotal) {
		log.Error().Str("tenant_id", req.TenantID).Int("failed", meta.TargetsFailed).Int("total", meta.TargetsTotal).Msg("Federated search failed")
		return nil, apperr.FederatedSearchFailed(meta.TargetsFailed, meta.TargetsTotal)
	}

	merged := merge(perSource)
	resp := &model.SearchResponse{
		Results:     paginate(merged, req.Limit, req.Offset),
		Categories:  []model.Category{},
		Suggestions: []model.QuerySuggestion{},
		Total:       len(merged),
		Page:        req.Offset/req.Limit + 1,
		Limit:       req.Limit,
		Offset:      req.Offset,
	}

	o.enrich(ctx, req, resp, &meta)
	resp.Meta = meta
	return resp, nil
}

// expand rewrites a semantic query for natural-language engines, falling back to the
// original text when the adapter cannot help
func (o *Orchestrator) expand(ctx context.Context, p *plan, meta *model.ExecutionMeta) {
	p.mode = model.ModeNatural
	meta.EffectiveMode = model.ModeNatural

	expanded, err := o.ai.ExpandQuery(ctx, p.text)
	if err != nil {
		meta.Degraded = true
		meta.DegradedReasons = append(meta.DegradedReasons, ReasonSemanticFallback)
		log.Warn().Err(err).Str("reason", ReasonSemanticFallback).Msg("Semantic expansion skipped, searching in natural mode")
		return
	}
	p.text = expanded
	p.terms = query.Words(expanded)
	meta.EffectiveQuery = expanded
}

// enrich adds categories, suggestions and, when requested, trends and optimizations.
// Nothing here can fail the search.
func (o *Orchestrator) enrich(ctx context.Context, req model.SearchRequest, resp *model.SearchResponse, meta *model.ExecutionMeta) {
	var (
		cat         *enrichment.Categorization
		suggestions []model.QuerySuggestion
		analysis    *enrichment.Analysis
		summary     *model.AnalyticsSummary
	)

	aiUp := o.ai.IsAvailable()
	skipped := !aiUp && o.coolingDown()
	var g errgroup.Group
	if aiUp {
		g.Go(func() error {
			var err error
			cat, err = o.ai.Categorize(ctx, req.Query, resp.Results)
			return err
		})
		g.Go(func() error {
			var err error
			suggestions, err = o.ai.Suggest(ctx, req.Query)
			return err
		})
	}
	if req.IncludeAnalytics {
		g.Go(func() error {
			var err error
			if summary, err = o.recorder.Query(ctx, req.TenantID, "24h"); err != nil {
				log.Warn().Err(err).Str("tenant_id", req.TenantID).Msg("Trends unavailable for search response")
			}
			return nil
		})
		if aiUp {
			g.Go(func() error {
				analysis, _ = o.ai.AnalyzeQuery(ctx, req.Query)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		skipped = true
	}

	if cat != nil {
		resp.Categories = append(resp.Categories, cat.Categories...)
		for i := range resp.Results {
			if i < len(cat.ResultTags) && len(cat.ResultTags[i]) > 0 {
				resp.Results[i].Categories = cat.ResultTags[i]
			}
		}
	}
	if len(suggestions) > 0 {
		resp.Suggestions = dedupeSuggestions(suggestions, 0)
	}

	if req.IncludeAnalytics {
		if summary != nil {
			resp.Trends = deriveInsights(summary)
		}
		resp.Optimizations = termHints(req.Query)
		if analysis != nil {
			resp.Optimizations = append(resp.Optimizations, analysis.Optimizations...)
		}
	}

	if skipped {
		meta.Degraded = true
		meta.DegradedReasons = append(meta.DegradedReasons, ReasonEnrichmentSkipped)
		log.Warn().Str("tenant_id", req.TenantID).Str("reason", ReasonEnrichmentSkipped).Msg("Search returned without enrichment")
	}
}

// coolingDown tells a configured adapter resting after a failure apart from a disabled one
func (o *Orchestrator) coolingDown() bool {
	c, ok := o.ai.(interface{ CoolingDown() bool })
	return ok && c.CoolingDown()
}

// cachedResponse treats any cache failure or undecodable entry as a miss
func (o *Orchestrator) cachedResponse(ctx context.Context, key string) (*model.SearchResponse, bool) {
	data, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		monitoring.CacheLookups.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("key", key).Msg("Search cache read failed, treating as miss")
		return nil, false
	}
	if !ok {
		monitoring.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	var resp model.SearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		monitoring.CacheLookups.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("key", key).Msg("Discarding undecodable cache entry")
		return nil, false
	}
	monitoring.CacheLookups.WithLabelValues("hit").Inc()
	return &resp, true
}

// storeResponse encodes the response once, caches the bytes and returns their decoded
// form. Partial responses are not cached so a recovered target shows up on the next call.
func (o *Orchestrator) storeResponse(ctx context.Context, key string, resp *model.SearchResponse) *model.SearchResponse {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to encode search response")
		return resp
	}

	if !resp.Meta.Partial {
		if err := o.cache.Set(ctx, key, data, o.opts.ResultTTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Search cache write failed")
		}
	}

	var out model.SearchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return resp
	}
	return &out
}

func connectionIDs(conns []model.DatabaseConnection) []string {
	ids := make([]string, len(conns))
	for i, c := range conns {
		ids[i] = c.ID.String()
	}
	return ids
}

func categoryNames(cats []model.Category) []string {
	if len(cats) == 0 {
		return nil
	}
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = c.Name
	}
	return names
}
