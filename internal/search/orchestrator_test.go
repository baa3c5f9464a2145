package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/cache"
	"github.com/teresa-solution/federated-search-service/internal/crypto"
	"github.com/teresa-solution/federated-search-service/internal/enrichment"
	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/registry"
	"github.com/teresa-solution/federated-search-service/internal/source"
)

type memStore struct {
	mu    sync.Mutex
	conns map[uuid.UUID]model.DatabaseConnection
}

func (s *memStore) Create(_ context.Context, conn *model.DatabaseConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID] = *conn
	return nil
}

func (s *memStore) Update(ctx context.Context, conn *model.DatabaseConnection) error {
	return s.Create(ctx, conn)
}

func (s *memStore) Deactivate(_ context.Context, tenantID string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok || c.TenantID != tenantID {
		return apperr.NotFound("database connection")
	}
	c.Active = false
	s.conns[id] = c
	return nil
}

func (s *memStore) Get(_ context.Context, tenantID string, id uuid.UUID) (*model.DatabaseConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok || c.TenantID != tenantID {
		return nil, apperr.NotFound("database connection")
	}
	return &c, nil
}

func (s *memStore) ListActive(_ context.Context, tenantID string, _ []uuid.UUID) ([]model.DatabaseConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DatabaseConnection
	for _, c := range s.conns {
		if c.TenantID == tenantID && c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

// fakeDB is a full-text source with canned hits per table
type fakeDB struct {
	mu        sync.Mutex
	tables    []model.TableSchema
	hits      map[string][]source.Hit
	openErr   error
	searchErr error
	block     bool
	searches  int
	last      source.Query
}

func (d *fakeDB) Search(ctx context.Context, q source.Query) ([]source.Hit, error) {
	d.mu.Lock()
	d.searches++
	d.last = q
	block, err, hits := d.block, d.searchErr, d.hits[q.Table.Name]
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func (d *fakeDB) DiscoverSchema(context.Context) ([]model.TableSchema, error) {
	return d.tables, nil
}

func (d *fakeDB) Ping(context.Context) error { return nil }
func (d *fakeDB) Stats() map[string]string   { return nil }
func (d *fakeDB) Close()                     {}

func (d *fakeDB) searchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.searches
}

func (d *fakeDB) lastQuery() source.Query {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// productsDB returns a source whose products table yields one hit per score
func productsDB(prefix string, scores ...float64) *fakeDB {
	hits := make([]source.Hit, len(scores))
	for i, s := range scores {
		hits[i] = source.Hit{Table: "products", Score: s, Row: map[string]interface{}{
			"id":    fmt.Sprintf("%s-%d", prefix, i),
			"title": fmt.Sprintf("Red running shoes %s %d", prefix, i),
		}}
	}
	return &fakeDB{
		tables: []model.TableSchema{{
			Name:       "products",
			PrimaryKey: "id",
			Columns:    []model.ColumnInfo{{Name: "id", PrimaryKey: true}, {Name: "title", Searchable: true}},
			Indexes:    []model.FullTextIndex{{Name: "ft_title", Columns: []string{"title"}}},
		}},
		hits: map[string][]source.Hit{"products": hits},
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []model.SearchAnalytics
	past    []model.QueryCount
}

func (r *fakeRecorder) Record(rec model.SearchAnalytics) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = uuid.New()
	r.records = append(r.records, rec)
	return rec.ID
}

func (r *fakeRecorder) Query(_ context.Context, tenantID, window string) (*model.AnalyticsSummary, error) {
	if window == "bogus" {
		return nil, apperr.InvalidRequest("unsupported window %q", window)
	}
	return &model.AnalyticsSummary{TenantID: tenantID, Window: window, TotalSearches: 4, LiveSearches: 2,
		TopQueries: []model.QueryCount{{Query: "shoes", Count: 3}}}, nil
}

func (r *fakeRecorder) History(_ context.Context, tenantID string, limit, _ int) ([]model.SearchAnalytics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SearchAnalytics
	for _, rec := range r.records {
		if rec.TenantID == tenantID && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeRecorder) PastQueries(context.Context, string, string, int) ([]model.QueryCount, error) {
	return r.past, nil
}

func (r *fakeRecorder) all() []model.SearchAnalytics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SearchAnalytics(nil), r.records...)
}

// fakeAI answers every enrichment call, or fails or panics on all of them
type fakeAI struct {
	fail     bool
	panics   bool
	expanded string
	calls    atomic.Int32
}

func (a *fakeAI) check() error {
	a.calls.Add(1)
	if a.panics {
		panic("model crashed")
	}
	if a.fail {
		return errors.New("upstream 503")
	}
	return nil
}

func (a *fakeAI) IsAvailable() bool { return true }

func (a *fakeAI) Suggest(_ context.Context, q string) ([]model.QuerySuggestion, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return []model.QuerySuggestion{{Text: q + " sale", Score: 0.8, Source: "ai"}, {Text: q + " sale", Score: 0.5, Source: "ai"}}, nil
}

func (a *fakeAI) Categorize(_ context.Context, _ string, results []model.SearchResult) (*enrichment.Categorization, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	tags := make([][]string, len(results))
	for i := range results {
		tags[i] = []string{"Footwear"}
	}
	return &enrichment.Categorization{Categories: []model.Category{{Name: "Footwear", Count: len(results), Confidence: 0.9}}, ResultTags: tags}, nil
}

func (a *fakeAI) AnalyzeQuery(context.Context, string) (*enrichment.Analysis, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return &enrichment.Analysis{
		Recommendations: []string{"add a color filter"},
		Optimizations:   []model.OptimizationSuggestion{{Kind: "index", Message: "index the description column", Impact: "medium"}},
	}, nil
}

func (a *fakeAI) ExpandQuery(context.Context, string) (string, error) {
	if err := a.check(); err != nil {
		return "", err
	}
	return a.expanded, nil
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, apperr.CacheUnavailable(errors.New("connection refused"))
}
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return apperr.CacheUnavailable(errors.New("connection refused"))
}
func (brokenCache) Delete(context.Context, ...string) error { return nil }
func (brokenCache) Close() error                            { return nil }

type env struct {
	orch  *Orchestrator
	reg   *registry.Registry
	rec   *fakeRecorder
	opens atomic.Int32

	mu  sync.Mutex
	dbs map[string]*fakeDB
}

type envOption func(*Options, *cache.Cache)

func withCache(c cache.Cache) envOption {
	return func(_ *Options, dst *cache.Cache) { *dst = c }
}

func withTargetTimeout(d time.Duration) envOption {
	return func(o *Options, _ *cache.Cache) { o.TargetTimeout = d }
}

func withEnrichmentCooldown(d time.Duration) envOption {
	return func(o *Options, _ *cache.Cache) { o.EnrichmentCooldown = d }
}

func newEnv(t *testing.T, ai enrichment.Adapter, opts ...envOption) *env {
	vault, err := crypto.NewVault(make([]byte, crypto.KeySize))
	require.NoError(t, err)

	e := &env{rec: &fakeRecorder{}, dbs: make(map[string]*fakeDB)}
	factory := func(_ context.Context, conn model.DatabaseConnection, _ string, _ source.Options) (source.Source, error) {
		e.opens.Add(1)
		e.mu.Lock()
		db := e.dbs[conn.Name]
		e.mu.Unlock()
		if db == nil {
			return nil, errors.New("unknown database")
		}
		if db.openErr != nil {
			return nil, db.openErr
		}
		return db, nil
	}

	e.reg = registry.New(&memStore{conns: make(map[uuid.UUID]model.DatabaseConnection)}, vault, factory, registry.Options{
		MaxSessions:       2,
		AcquireTimeout:    200 * time.Millisecond,
		ConnectAttempts:   1,
		ConnectBackoff:    time.Millisecond,
		DegradedThreshold: 1,
		IdleTimeout:       time.Hour,
		HealthInterval:    time.Hour,
		SchemaTTL:         10 * time.Minute,
	})
	t.Cleanup(e.reg.Close)

	o := Options{TargetTimeout: time.Second, Deadline: 2 * time.Second, FanOut: 4, ResultTTL: time.Minute}
	var c cache.Cache = cache.NewMemoryCache()
	for _, opt := range opts {
		opt(&o, &c)
	}
	e.orch = New(e.reg, c, ai, e.rec, o)
	return e
}

func (e *env) addDB(t *testing.T, tenantID, name string, db *fakeDB) model.DatabaseConnection {
	e.mu.Lock()
	e.dbs[name] = db
	e.mu.Unlock()

	conn, err := e.reg.Register(context.Background(), tenantID, model.ConnectionInput{
		Name: name, Host: name + ".internal", Port: 3306, DatabaseName: name, Username: "reader", Password: "pw",
	})
	require.NoError(t, err)
	return *conn
}

func search(q string) model.SearchRequest {
	return model.SearchRequest{TenantID: "tenant-a", Query: q, Mode: model.ModeNatural}
}

func TestExecuteSearch_NormalizesPerSource(t *testing.T) {
	e := newEnv(t, nil)
	a := e.addDB(t, "tenant-a", "small", productsDB("a", 10, 8, 6, 4, 2))
	b := e.addDB(t, "tenant-a", "large", productsDB("b", 100, 50, 1))

	resp, err := e.orch.ExecuteSearch(context.Background(), search("running shoes"))
	require.NoError(t, err)

	require.Len(t, resp.Results, 8)
	assert.Equal(t, 8, resp.Total)
	assert.Equal(t, 1.0, resp.Results[0].Score)
	assert.Equal(t, 1.0, resp.Results[1].Score)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, []uuid.UUID{resp.Results[0].DatabaseID, resp.Results[1].DatabaseID})
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}

	top := resp.Results[0]
	assert.Equal(t, []string{"title"}, top.MatchedColumns)
	assert.Contains(t, top.Snippet, "running")
	assert.NotEmpty(t, top.DatabaseName)

	assert.Equal(t, 2, resp.Meta.TargetsTotal)
	assert.Equal(t, 2, resp.Meta.TargetsSucceeded)
	assert.False(t, resp.Meta.Partial)
	assert.Equal(t, model.ModeNatural, resp.Meta.EffectiveMode)
	assert.NotEmpty(t, resp.Meta.CacheKey)
	assert.Equal(t, []model.Category{}, resp.Categories)
	assert.Equal(t, []model.QuerySuggestion{}, resp.Suggestions)
}

func TestExecuteSearch_DeterministicOrder(t *testing.T) {
	e := newEnv(t, nil, withCache(brokenCache{}))
	e.addDB(t, "tenant-a", "one", productsDB("a", 3, 3, 1))
	e.addDB(t, "tenant-a", "two", productsDB("b", 7, 7, 2))

	first, err := e.orch.ExecuteSearch(context.Background(), search("shoes"))
	require.NoError(t, err)
	second, err := e.orch.ExecuteSearch(context.Background(), search("shoes"))
	require.NoError(t, err)

	require.Equal(t, len(first.Results), len(second.Results))
	for i := range first.Results {
		assert.Equal(t, first.Results[i].Data["id"], second.Results[i].Data["id"])
	}
}

func TestExecuteSearch_PaginatesMergedList(t *testing.T) {
	e := newEnv(t, nil)
	e.addDB(t, "tenant-a", "small", productsDB("a", 10, 8, 6, 4, 2))
	e.addDB(t, "tenant-a", "large", productsDB("b", 100, 50, 1))

	all := search("shoes")
	all.Limit = 100
	full, err := e.orch.ExecuteSearch(context.Background(), all)
	require.NoError(t, err)
	require.Len(t, full.Results, 8)

	for _, tc := range []struct{ limit, offset int }{{3, 0}, {3, 3}, {3, 6}, {5, 8}} {
		req := search("shoes")
		req.Limit, req.Offset = tc.limit, tc.offset
		page, err := e.orch.ExecuteSearch(context.Background(), req)
		require.NoError(t, err)

		end := tc.offset + tc.limit
		if end > len(full.Results) {
			end = len(full.Results)
		}
		want := full.Results[tc.offset:end]
		require.Len(t, page.Results, len(want), "offset %d", tc.offset)
		for i := range want {
			assert.Equal(t, want[i].Data["id"], page.Results[i].Data["id"])
		}
		assert.Equal(t, 8, page.Total)
		assert.Equal(t, tc.offset/tc.limit+1, page.Page)
	}
}

func TestExecuteSearch_PartialFailure(t *testing.T) {
	e := newEnv(t, nil)
	up := e.addDB(t, "tenant-a", "up", productsDB("a", 5, 3))
	down := e.addDB(t, "tenant-a", "down", &fakeDB{openErr: errors.New("connection refused")})

	resp, err := e.orch.ExecuteSearch(context.Background(), search("shoes"))
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	for _, r := range resp.Results {
		assert.Equal(t, up.ID, r.DatabaseID)
	}
	assert.True(t, resp.Meta.Partial)
	assert.Equal(t, 1, resp.Meta.TargetsFailed)
	require.Len(t, resp.Meta.FailedTargets, 1)
	assert.Equal(t, down.ID, resp.Meta.FailedTargets[0].DatabaseID)
	assert.Equal(t, model.FailureError, resp.Meta.FailedTargets[0].Reason)

	// the failure marked the connection degraded, so the next search skips it without
	// trying to connect, and partial responses are never served from cache
	opens := e.opens.Load()
	again, err := e.orch.ExecuteSearch(context.Background(), search("shoes"))
	require.NoError(t, err)
	require.Len(t, again.Meta.FailedTargets, 1)
	assert.Equal(t, model.FailureDegraded, again.Meta.FailedTargets[0].Reason)
	assert.Equal(t, opens, e.opens.Load())
	assert.Equal(t, 2, e.dbs["up"].searchCount())

	records := e.rec.all()
	require.Len(t, records, 2)
	assert.True(t, records[0].Partial)
	assert.False(t, records[1].CacheHit)
}

func TestExecuteSearch_AllTargetsFail(t *testing.T) {
	e := newEnv(t, nil)
	e.addDB(t, "tenant-a", "a", &fakeDB{openErr: errors.New("refused")})
	e.addDB(t, "tenant-a", "b", &fakeDB{openErr: errors.New("refused")})

	_, err := e.orch.ExecuteSearch(context.Background(), search("shoes"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrFederatedSearchFailed)
	assert.Empty(t, e.rec.all())
}

func TestExecuteSearch_SearchErrorIsPerTarget(t *testing.T) {
	e := newEnv(t, nil)
	e.addDB(t, "tenant-a", "ok", productsDB("a", 1))
	broken := productsDB("b", 1)
	broken.searchErr = errors.New("syntax error near MATCH")
	e.addDB(t, "tenant-a", "broken", broken)

	resp, err := e.orch.ExecuteSearch(context.Background(), search("shoes"))
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
	assert.Equal(t, model.FailureError, resp.Meta.FailedTargets[0].Reason)
	assert.Contains(t, resp.Meta.FailedTargets[0].Message, "products")
}

func TestExecuteSearch_TargetTimeout(t *testing.T) {
	e := newEnv(t, nil, withTargetTimeout(50*time.Millisecond))
	e.addDB(t, "tenant-a", "fast", productsDB("a", 1, 2))
	slow := productsDB("b", 9)
	slow.block = true
	e.addDB(t, "tenant-a", "slow", slow)

	start := time.Now()
	resp, err := e.orch.ExecuteSearch(context.Background(), search("shoes"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, resp.Results, 2)
	require.Len(t, resp.Meta.FailedTargets, 1)
	assert.Equal(t, model.FailureTimeout, resp.Meta.FailedTargets[0].Reason)
}

func TestExecuteSearch_MinSuccessFraction(t *testing.T) {
	e := newEnv(t, nil, func(o *Options, _ *cache.Cache) { o.MinSuccessFraction = 0.75 })
	e.addDB(t, "tenant-a", "up", productsDB("a", 1))
	e.addDB(t, "tenant-a", "down", &fakeDB{openErr: errors.New("refused")})

	_, err := e.orch.ExecuteSearch(context.Background(), search("shoes"))
	assert.ErrorIs(t, err, apperr.ErrFederatedSearchFailed)
}

func TestExecuteSearch_BooleanRejectedBeforeAcquire(t *testing.T) {
	e := newEnv(t, nil)
	db := e.addDB(t, "tenant-a", "db", productsDB("a", 1))

	for _, q := range []string{`"red shoes`, `red +`, `- shoes`} {
		req := search(q)
		req.Mode = model.ModeBoolean
		req.DatabaseIDs = []uuid.UUID{db.ID}
		_, err := e.orch.ExecuteSearch(context.Background(), req)
		assert.ErrorIs(t, err, apperr.ErrInvalidQuerySyntax, q)
	}
	assert.Equal(t, int32(0), e.opens.Load())
	assert.Empty(t, e.rec.all())
}

func TestExecuteSearch_BooleanForwardsParsedExpression(t *testing.T) {
	e := newEnv(t, nil)
	db := productsDB("a", 1)
	e.addDB(t, "tenant-a", "db", db)

	req := search(`+running -sandals "red shoes"`)
	req.Mode = model.ModeBoolean
	_, err := e.orch.ExecuteSearch(context.Background(), req)
	require.NoError(t, err)

	q := db.lastQuery()
	assert.Equal(t, model.ModeBoolean, q.Mode)
	require.NotNil(t, q.Boolean)
	assert.Len(t, q.Boolean.Terms, 3)
}

func TestExecuteSearch_CacheReplayIsByteIdentical(t *testing.T) {
	e := newEnv(t, nil)
	db := productsDB("a", 4, 2)
	e.addDB(t, "tenant-a", "db", db)

	first, err := e.orch.ExecuteSearch(context.Background(), search("Running  Shoes"))
	require.NoError(t, err)
	second, err := e.orch.ExecuteSearch(context.Background(), search("running shoes"))
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, 1, db.searchCount())

	records := e.rec.all()
	require.Len(t, records, 2)
	assert.False(t, records[0].CacheHit)
	assert.True(t, records[1].CacheHit)
	assert.Equal(t, int64(0), records[1].ExecutionTimeMS)
	assert.Equal(t, 2, records[1].ResultCount)
}

func TestExecuteSearch_CacheUnavailableIsAMiss(t *testing.T) {
	e := newEnv(t, nil, withCache(brokenCache{}))
	db := productsDB("a", 1)
	e.addDB(t, "tenant-a", "db", db)

	for i := 0; i < 2; i++ {
		resp, err := e.orch.ExecuteSearch(context.Background(), search("shoes"))
		require.NoError(t, err)
		assert.Len(t, resp.Results, 1)
	}
	assert.Equal(t, 2, db.searchCount())
}

func TestExecuteSearch_EnrichmentFailureIsSilent(t *testing.T) {
	for name, ai := range map[string]*fakeAI{"errors": {fail: true}, "panics": {panics: true}} {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, ai)
			e.addDB(t, "tenant-a", "db", productsDB("a", 2, 1))

			resp, err := e.orch.ExecuteSearch(context.Background(), search("shoes"))
			require.NoError(t, err)
			assert.Len(t, resp.Results, 2)
			assert.Equal(t, []model.Category{}, resp.Categories)
			assert.Equal(t, []model.QuerySuggestion{}, resp.Suggestions)
			assert.True(t, resp.Meta.Degraded)
			assert.Contains(t, resp.Meta.DegradedReasons, ReasonEnrichmentSkipped)
			assert.GreaterOrEqual(t, ai.calls.Load(), int32(2))
		})
	}
}

func TestExecuteSearch_EnrichmentCooldownStillReported(t *testing.T) {
	ai := &fakeAI{fail: true}
	e := newEnv(t, ai, withEnrichmentCooldown(30*time.Second))
	e.addDB(t, "tenant-a", "db", productsDB("a", 2, 1))

	first, err := e.orch.ExecuteSearch(context.Background(), search("shoes"))
	require.NoError(t, err)
	assert.True(t, first.Meta.Degraded)
	assert.Equal(t, []string{ReasonEnrichmentSkipped}, first.Meta.DegradedReasons)
	calls := ai.calls.Load()

	// the adapter is cooling down: no upstream call, still reported as skipped
	second, err := e.orch.ExecuteSearch(context.Background(), search("boots"))
	require.NoError(t, err)
	assert.True(t, second.Meta.Degraded)
	assert.Equal(t, []string{ReasonEnrichmentSkipped}, second.Meta.DegradedReasons)
	assert.Equal(t, calls, ai.calls.Load())
}

func TestExecuteSearch_DisabledEnrichmentIsNotDegraded(t *testing.T) {
	e := newEnv(t, nil)
	e.addDB(t, "tenant-a", "db", productsDB("a", 2, 1))

	resp, err := e.orch.ExecuteSearch(context.Background(), search("shoes"))
	require.NoError(t, err)
	assert.False(t, resp.Meta.Degraded)
	assert.Empty(t, resp.Meta.DegradedReasons)
}

func TestExecuteSearch_Enriched(t *testing.T) {
	e := newEnv(t, &fakeAI{})
	e.addDB(t, "tenant-a", "db", productsDB("a", 2, 1))

	req := search("shoes")
	req.IncludeAnalytics = true
	resp, err := e.orch.ExecuteSearch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []model.Category{{Name: "Footwear", Count: 2, Confidence: 0.9}}, resp.Categories)
	assert.Equal(t, []model.QuerySuggestion{{Text: "shoes sale", Score: 0.8, Source: "ai"}}, resp.Suggestions)
	assert.Equal(t, []string{"Footwear"}, resp.Results[0].Categories)
	assert.NotEmpty(t, resp.Trends)
	assert.Contains(t, resp.Optimizations, model.OptimizationSuggestion{Kind: "index", Message: "index the description column", Impact: "medium"})
	assert.False(t, resp.Meta.Degraded)

	assert.Equal(t, []string{"Footwear"}, e.rec.all()[0].Categories)
}

func TestExecuteSearch_SemanticFallsBackToNatural(t *testing.T) {
	e := newEnv(t, enrichment.Noop{})
	db := productsDB("a", 1)
	e.addDB(t, "tenant-a", "db", db)

	req := search("something comfy for jogging")
	req.Mode = model.ModeSemantic
	resp, err := e.orch.ExecuteSearch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.ModeNatural, resp.Meta.EffectiveMode)
	assert.True(t, resp.Meta.Degraded)
	assert.Contains(t, resp.Meta.DegradedReasons, ReasonSemanticFallback)
	assert.Equal(t, model.ModeNatural, db.lastQuery().Mode)
	assert.Equal(t, "something comfy for jogging", db.lastQuery().Text)
	assert.Equal(t, model.ModeSemantic, e.rec.all()[0].Mode)
}

func TestExecuteSearch_SemanticExpands(t *testing.T) {
	e := newEnv(t, &fakeAI{expanded: "running shoes sneakers"})
	db := productsDB("a", 1)
	e.addDB(t, "tenant-a", "db", db)

	req := search("something comfy for jogging")
	req.Mode = model.ModeSemantic
	resp, err := e.orch.ExecuteSearch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "running shoes sneakers", db.lastQuery().Text)
	assert.Equal(t, "running shoes sneakers", resp.Meta.EffectiveQuery)
	assert.NotContains(t, resp.Meta.DegradedReasons, ReasonSemanticFallback)
	assert.Equal(t, []string{"title"}, resp.Results[0].MatchedColumns)
}

func TestExecuteSearch_TenantIsolation(t *testing.T) {
	e := newEnv(t, nil)
	other := e.addDB(t, "tenant-b", "theirs", productsDB("b", 1))

	req := search("shoes")
	req.DatabaseIDs = []uuid.UUID{other.ID}
	_, err := e.orch.ExecuteSearch(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrNoTargets)

	e.addDB(t, "tenant-a", "mine", productsDB("a", 1))
	resp, err := e.orch.ExecuteSearch(context.Background(), search("shoes"))
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.NotEqual(t, other.ID, resp.Results[0].DatabaseID)
}

func TestExecuteSearch_TableRestriction(t *testing.T) {
	e := newEnv(t, nil)
	db := productsDB("a", 1)
	db.tables = append(db.tables, model.TableSchema{
		Name:    "articles",
		Indexes: []model.FullTextIndex{{Name: "ft_body", Columns: []string{"body"}}},
	})
	db.hits["articles"] = []source.Hit{{Table: "articles", Score: 3, Row: map[string]interface{}{"body": "shoes review"}}}
	e.addDB(t, "tenant-a", "db", db)

	req := search("shoes")
	req.Tables = []string{"articles"}
	resp, err := e.orch.ExecuteSearch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "articles", resp.Results[0].Table)

	req = search("shoes")
	req.Columns = []string{"title"}
	resp, err = e.orch.ExecuteSearch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "products", resp.Results[0].Table)
}

func TestExecuteSearch_InvalidRequests(t *testing.T) {
	e := newEnv(t, nil)
	e.addDB(t, "tenant-a", "db", productsDB("a", 1))

	cases := map[string]model.SearchRequest{
		"empty query":    {TenantID: "tenant-a", Query: "   "},
		"limit too high": {TenantID: "tenant-a", Query: "x", Limit: model.MaxLimit + 1},
		"negative limit": {TenantID: "tenant-a", Query: "x", Limit: -1},
		"negative off":   {TenantID: "tenant-a", Query: "x", Offset: -1},
		"unknown mode":   {TenantID: "tenant-a", Query: "x", Mode: "fuzzy"},
		"no tenant":      {Query: "x"},
	}
	for name, req := range cases {
		_, err := e.orch.ExecuteSearch(context.Background(), req)
		assert.ErrorIs(t, err, apperr.ErrInvalidRequest, name)
	}
	assert.Equal(t, int32(0), e.opens.Load())
}

func TestGetSearchSuggestions(t *testing.T) {
	ai := &fakeAI{}
	e := newEnv(t, ai)
	e.rec.past = []model.QueryCount{{Query: "shoes sale", Count: 2}, {Query: "shoes for kids", Count: 4}}

	out, err := e.orch.GetSearchSuggestions(context.Background(), "tenant-a", "shoes", 5)
	require.NoError(t, err)
	assert.Equal(t, []model.QuerySuggestion{
		{Text: "shoes for kids", Score: 1, Source: "history"},
		{Text: "shoes sale", Score: 0.8, Source: "ai"},
	}, out)

	calls := ai.calls.Load()
	again, err := e.orch.GetSearchSuggestions(context.Background(), "tenant-a", "shoes", 5)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, calls, ai.calls.Load())

	_, err = e.orch.GetSearchSuggestions(context.Background(), "tenant-a", " ", 5)
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
	_, err = e.orch.GetSearchSuggestions(context.Background(), "tenant-a", "x", MaxSuggestions+1)
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

func TestGetSearchSuggestions_AIDownUsesHistory(t *testing.T) {
	e := newEnv(t, &fakeAI{fail: true})
	e.rec.past = []model.QueryCount{{Query: "shoes", Count: 1}}

	out, err := e.orch.GetSearchSuggestions(context.Background(), "tenant-a", "sho", 0)
	require.NoError(t, err)
	assert.Equal(t, []model.QuerySuggestion{{Text: "shoes", Score: 1, Source: "history"}}, out)
}

func TestAnalyzeQuery(t *testing.T) {
	e := newEnv(t, &fakeAI{})
	indexed := e.addDB(t, "tenant-a", "indexed", productsDB("a", 1))
	bare := e.addDB(t, "tenant-a", "bare", &fakeDB{})
	down := e.addDB(t, "tenant-a", "down", &fakeDB{openErr: errors.New("refused")})

	analysis, err := e.orch.AnalyzeQuery(context.Background(), "tenant-a", `"red shoes`, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, analysis.Terms)
	assert.False(t, analysis.BooleanValid)
	assert.NotEmpty(t, analysis.BooleanError)
	assert.Contains(t, analysis.Recommendations, "add a color filter")

	probes := make(map[uuid.UUID]model.DatabaseProbe)
	for _, p := range analysis.Databases {
		probes[p.DatabaseID] = p
	}
	require.Len(t, probes, 3)
	assert.True(t, probes[indexed.ID].Reachable)
	assert.Equal(t, []string{"products"}, probes[indexed.ID].SearchableTables)
	assert.True(t, probes[bare.ID].Reachable)
	assert.Empty(t, probes[bare.ID].SearchableTables)
	assert.False(t, probes[down.ID].Reachable)
	assert.NotEmpty(t, probes[down.ID].Error)

	kinds := make(map[string]int)
	for _, o := range analysis.Optimizations {
		kinds[o.Kind]++
	}
	assert.Equal(t, 1, kinds["connectivity"])
	assert.Equal(t, 2, kinds["index"]) // one local hint plus one from the adapter
	assert.Equal(t, 0, e.dbs["indexed"].searchCount())
}

func TestGetUserTrendsAndHistory(t *testing.T) {
	e := newEnv(t, nil)
	e.addDB(t, "tenant-a", "db", productsDB("a", 1))

	trends, err := e.orch.GetUserTrends(context.Background(), "tenant-a", "7d")
	require.NoError(t, err)
	assert.Equal(t, "7d", trends.Summary.Window)
	assert.NotEmpty(t, trends.Insights)

	_, err = e.orch.GetUserTrends(context.Background(), "tenant-a", "bogus")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)

	_, err = e.orch.ExecuteSearch(context.Background(), search("shoes"))
	require.NoError(t, err)
	history, err := e.orch.GetSearchHistory(context.Background(), "tenant-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "shoes", history[0].Query)

	_, err = e.orch.GetSearchHistory(context.Background(), "", 10, 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}
