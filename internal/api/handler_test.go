package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/search"
)

type fakeSearcher struct {
	lastReq    model.SearchRequest
	lastTenant string
	lastLimit  int
	lastOffset int
	err        error
}

func (f *fakeSearcher) ExecuteSearch(ctx context.Context, req model.SearchRequest) (*model.SearchResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &model.SearchResponse{Results: []model.SearchResult{}, Total: 0, Page: 1, Limit: req.Limit}, nil
}

func (f *fakeSearcher) GetSearchSuggestions(ctx context.Context, tenantID, prefix string, limit int) ([]model.QuerySuggestion, error) {
	f.lastTenant, f.lastLimit = tenantID, limit
	return []model.QuerySuggestion{{Text: prefix + " pro", Score: 1, Source: "history"}}, f.err
}

func (f *fakeSearcher) AnalyzeQuery(ctx context.Context, tenantID, q string, ids []uuid.UUID) (*model.QueryAnalysis, error) {
	f.lastTenant = tenantID
	return &model.QueryAnalysis{Query: q, BooleanValid: true}, f.err
}

func (f *fakeSearcher) GetUserTrends(ctx context.Context, tenantID, window string) (*search.Trends, error) {
	f.lastTenant = tenantID
	return &search.Trends{Summary: &model.AnalyticsSummary{TenantID: tenantID, Window: window}}, f.err
}

func (f *fakeSearcher) GetSearchHistory(ctx context.Context, tenantID string, limit, offset int) ([]model.SearchAnalytics, error) {
	f.lastTenant, f.lastLimit, f.lastOffset = tenantID, limit, offset
	return []model.SearchAnalytics{}, f.err
}

type fakeConnections struct {
	conns       map[uuid.UUID]model.DatabaseConnection
	deactivated []uuid.UUID
	bypass      bool
}

func newFakeConnections() *fakeConnections {
	return &fakeConnections{conns: make(map[uuid.UUID]model.DatabaseConnection)}
}

func (f *fakeConnections) Register(ctx context.Context, tenantID string, in model.ConnectionInput) (*model.DatabaseConnection, error) {
	if in.Name == "" {
		return nil, apperr.InvalidRequest("name is required")
	}
	conn := model.DatabaseConnection{ID: uuid.New(), TenantID: tenantID, Name: in.Name, Engine: in.Engine, Active: true}
	f.conns[conn.ID] = conn
	return &conn, nil
}

func (f *fakeConnections) List(ctx context.Context, tenantID string) ([]model.DatabaseConnection, error) {
	var out []model.DatabaseConnection
	for _, c := range f.conns {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConnections) Get(ctx context.Context, tenantID string, id uuid.UUID) (*model.DatabaseConnection, error) {
	c, ok := f.conns[id]
	if !ok || c.TenantID != tenantID {
		return nil, apperr.NotFound("database connection")
	}
	return &c, nil
}

func (f *fakeConnections) UpdateCredentials(ctx context.Context, tenantID string, id uuid.UUID, in model.ConnectionInput) (*model.DatabaseConnection, error) {
	c, err := f.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	c.Username = in.Username
	f.conns[id] = *c
	return c, nil
}

func (f *fakeConnections) Deactivate(ctx context.Context, tenantID string, id uuid.UUID) error {
	c, err := f.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	c.Active = false
	f.conns[id] = *c
	f.deactivated = append(f.deactivated, id)
	return nil
}

func (f *fakeConnections) DiscoverSchema(ctx context.Context, conn model.DatabaseConnection, bypass bool) ([]model.TableSchema, error) {
	f.bypass = bypass
	return []model.TableSchema{{Name: "products"}}, nil
}

func (f *fakeConnections) TestConnection(ctx context.Context, conn model.DatabaseConnection) *model.ConnectionTestResult {
	return &model.ConnectionTestResult{Connected: true}
}

type fakeFeedback struct {
	score int
}

func (f *fakeFeedback) RecordFeedback(ctx context.Context, tenantID string, analyticsID uuid.UUID, score int) (*model.SearchFeedback, error) {
	if score < 1 || score > 5 {
		return nil, apperr.InvalidRequest("score must be between 1 and 5")
	}
	f.score = score
	return &model.SearchFeedback{ID: uuid.New(), AnalyticsID: analyticsID, TenantID: tenantID, Score: score}, nil
}

type testServer struct {
	router      *mux.Router
	searcher    *fakeSearcher
	connections *fakeConnections
	feedback    *fakeFeedback
}

func newTestServer() *testServer {
	ts := &testServer{searcher: &fakeSearcher{}, connections: newFakeConnections(), feedback: &fakeFeedback{}}
	ts.router = mux.NewRouter()
	NewHandler(ts.searcher, ts.connections, ts.feedback).RegisterRoutes(ts.router)
	return ts
}

func (ts *testServer) do(method, path, tenant string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	var env testEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestRegisterRoutes(t *testing.T) {
	ts := newTestServer()

	routes := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/search"},
		{"GET", "/api/v1/search/suggestions"},
		{"POST", "/api/v1/search/analyze"},
		{"GET", "/api/v1/search/trends"},
		{"GET", "/api/v1/search/history"},
		{"POST", "/api/v1/search/feedback"},
		{"POST", "/api/v1/connections"},
		{"GET", "/api/v1/connections"},
		{"PUT", "/api/v1/connections/" + uuid.NewString()},
		{"DELETE", "/api/v1/connections/" + uuid.NewString()},
		{"GET", "/api/v1/connections/" + uuid.NewString() + "/schema"},
		{"POST", "/api/v1/connections/" + uuid.NewString() + "/test"},
	}

	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			req := httptest.NewRequest(route.method, route.path, nil)
			match := &mux.RouteMatch{}
			assert.True(t, ts.router.Match(req, match), "route should match")
		})
	}
}

func TestTenantHeaderRequired(t *testing.T) {
	ts := newTestServer()

	w := ts.do("POST", "/api/v1/search", "", map[string]string{"query": "shoes"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, apperr.CodeInvalidRequest, env.Error.Code)
	assert.Contains(t, env.Error.Message, TenantHeader)
}

func TestSearch_TenantComesFromHeader(t *testing.T) {
	ts := newTestServer()

	w := ts.do("POST", "/api/v1/search", "tenant-a", map[string]interface{}{
		"tenant_id": "tenant-b",
		"query":     "running shoes",
		"mode":      "boolean",
		"limit":     5,
	})
	require.Equal(t, http.StatusOK, w.Code)

	env := decodeEnvelope(t, w)
	assert.True(t, env.Success)
	assert.Nil(t, env.Error)
	assert.Equal(t, "tenant-a", ts.searcher.lastReq.TenantID)
	assert.Equal(t, model.ModeBoolean, ts.searcher.lastReq.Mode)
	assert.Equal(t, 5, ts.searcher.lastReq.Limit)

	var resp model.SearchResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, 1, resp.Page)
}

func TestSearch_ErrorEnvelope(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    apperr.Code
		message string
	}{
		{"syntax", apperr.InvalidQuerySyntax("unbalanced quotes"), http.StatusBadRequest, apperr.CodeInvalidQuerySyntax, "unbalanced quotes"},
		{"no targets", apperr.NoTargets("tenant-a"), http.StatusBadRequest, apperr.CodeNoTargets, ""},
		{"all failed", apperr.FederatedSearchFailed(2, 2), http.StatusBadGateway, apperr.CodeFederatedSearchFailed, "2 of 2"},
		{"uncoded", errors.New("dial tcp 10.0.0.4:3306: secret detail"), http.StatusInternalServerError, apperr.CodeInternal, "Internal server error"},
		{"cache", apperr.CacheUnavailable(errors.New("redis down")), http.StatusInternalServerError, apperr.CodeInternal, "Internal server error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer()
			ts.searcher.err = tc.err

			w := ts.do("POST", "/api/v1/search", "tenant-a", map[string]string{"query": "x"})
			assert.Equal(t, tc.status, w.Code)

			env := decodeEnvelope(t, w)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tc.code, env.Error.Code)
			assert.Contains(t, env.Error.Message, tc.message)
			assert.NotContains(t, w.Body.String(), "secret detail")
		})
	}
}

func TestSearch_InvalidBody(t *testing.T) {
	ts := newTestServer()

	req := httptest.NewRequest("POST", "/api/v1/search", bytes.NewBufferString("{not json"))
	req.Header.Set(TenantHeader, "tenant-a")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperr.CodeInvalidRequest, decodeEnvelope(t, w).Error.Code)
}

func TestQueryParams(t *testing.T) {
	ts := newTestServer()

	w := ts.do("GET", "/api/v1/search/suggestions?q=lap&limit=7", "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7, ts.searcher.lastLimit)
	assert.Equal(t, "tenant-a", ts.searcher.lastTenant)

	w = ts.do("GET", "/api/v1/search/history?limit=10&offset=20", "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, ts.searcher.lastLimit)
	assert.Equal(t, 20, ts.searcher.lastOffset)

	w = ts.do("GET", "/api/v1/search/history?limit=ten", "tenant-a", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do("GET", "/api/v1/search/trends?window=7d", "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trends search.Trends
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &trends))
	assert.Equal(t, "7d", trends.Summary.Window)
}

func TestAnalyze(t *testing.T) {
	ts := newTestServer()

	w := ts.do("POST", "/api/v1/search/analyze", "tenant-a", analyzeRequest{Query: "+red -blue"})
	require.Equal(t, http.StatusOK, w.Code)

	var analysis model.QueryAnalysis
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &analysis))
	assert.Equal(t, "+red -blue", analysis.Query)
}

func TestFeedback(t *testing.T) {
	ts := newTestServer()

	w := ts.do("POST", "/api/v1/search/feedback", "tenant-a", feedbackRequest{AnalyticsID: uuid.New(), Score: 4})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 4, ts.feedback.score)

	w = ts.do("POST", "/api/v1/search/feedback", "tenant-a", feedbackRequest{AnalyticsID: uuid.New(), Score: 9})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do("POST", "/api/v1/search/feedback", "tenant-a", feedbackRequest{Score: 3})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConnectionLifecycle(t *testing.T) {
	ts := newTestServer()

	w := ts.do("POST", "/api/v1/connections", "tenant-a", model.ConnectionInput{Name: "catalog", Engine: model.EngineMySQL})
	require.Equal(t, http.StatusCreated, w.Code)
	var conn model.DatabaseConnection
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &conn))
	assert.Equal(t, "tenant-a", conn.TenantID)

	w = ts.do("GET", "/api/v1/connections", "tenant-b", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(decodeEnvelope(t, w).Data))

	// another tenant cannot see the connection
	w = ts.do("GET", "/api/v1/connections/"+conn.ID.String()+"/schema", "tenant-b", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do("GET", "/api/v1/connections/"+conn.ID.String()+"/schema?refresh=true", "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ts.connections.bypass)

	w = ts.do("POST", "/api/v1/connections/"+conn.ID.String()+"/test", "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do("PUT", "/api/v1/connections/"+conn.ID.String(), "tenant-a", model.ConnectionInput{Username: "reader"})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do("DELETE", "/api/v1/connections/"+conn.ID.String(), "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uuid.UUID{conn.ID}, ts.connections.deactivated)

	// deactivated connections are no longer probed
	w = ts.do("POST", "/api/v1/connections/"+conn.ID.String()+"/test", "tenant-a", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do("DELETE", "/api/v1/connections/not-a-uuid", "tenant-a", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
