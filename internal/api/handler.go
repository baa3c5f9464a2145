// Package api exposes the search core over HTTP with a success/failure envelope.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/search"
)

const maxBodyBytes = 1 << 20

// Searcher is the orchestrator surface the handlers use
type Searcher interface {
	ExecuteSearch(ctx context.Context, req model.SearchRequest) (*model.SearchResponse, error)
	GetSearchSuggestions(ctx context.Context, tenantID, prefix string, limit int) ([]model.QuerySuggestion, error)
	AnalyzeQuery(ctx context.Context, tenantID, q string, ids []uuid.UUID) (*model.QueryAnalysis, error)
	GetUserTrends(ctx context.Context, tenantID, window string) (*search.Trends, error)
	GetSearchHistory(ctx context.Context, tenantID string, limit, offset int) ([]model.SearchAnalytics, error)
}

// Connections is the registry surface the handlers use
type Connections interface {
	Register(ctx context.Context, tenantID string, in model.ConnectionInput) (*model.DatabaseConnection, error)
	List(ctx context.Context, tenantID string) ([]model.DatabaseConnection, error)
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*model.DatabaseConnection, error)
	UpdateCredentials(ctx context.Context, tenantID string, id uuid.UUID, in model.ConnectionInput) (*model.DatabaseConnection, error)
	Deactivate(ctx context.Context, tenantID string, id uuid.UUID) error
	DiscoverSchema(ctx context.Context, conn model.DatabaseConnection, bypass bool) ([]model.TableSchema, error)
	TestConnection(ctx context.Context, conn model.DatabaseConnection) *model.ConnectionTestResult
}

// Feedback records satisfaction scores
type Feedback interface {
	RecordFeedback(ctx context.Context, tenantID string, analyticsID uuid.UUID, score int) (*model.SearchFeedback, error)
}

type Handler struct {
	search      Searcher
	connections Connections
	feedback    Feedback
}

func NewHandler(s Searcher, c Connections, f Feedback) *Handler {
	return &Handler{search: s, connections: c, feedback: f}
}

// RegisterRoutes mounts every route under /api/v1, behind the tenant middleware
func (h *Handler) RegisterRoutes(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(tenantMiddleware)

	v1.HandleFunc("/search", h.Search).Methods("POST")
	v1.HandleFunc("/search/suggestions", h.Suggestions).Methods("GET")
	v1.HandleFunc("/search/analyze", h.Analyze).Methods("POST")
	v1.HandleFunc("/search/trends", h.Trends).Methods("GET")
	v1.HandleFunc("/search/history", h.History).Methods("GET")
	v1.HandleFunc("/search/feedback", h.Feedback).Methods("POST")

	v1.HandleFunc("/connections", h.RegisterConnection).Methods("POST")
	v1.HandleFunc("/connections", h.ListConnections).Methods("GET")
	v1.HandleFunc("/connections/{id}", h.UpdateConnection).Methods("PUT")
	v1.HandleFunc("/connections/{id}", h.DeactivateConnection).Methods("DELETE")
	v1.HandleFunc("/connections/{id}/schema", h.ConnectionSchema).Methods("GET")
	v1.HandleFunc("/connections/{id}/test", h.TestConnection).Methods("POST")
}

// Search handles POST /api/v1/search. The tenant always comes from the header.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req model.SearchRequest
	if !decode(w, r, &req) {
		return
	}
	req.TenantID = tenantFrom(r.Context())

	resp, err := h.search.ExecuteSearch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Suggestions handles GET /api/v1/search/suggestions?q=&limit=
func (h *Handler) Suggestions(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	out, err := h.search.GetSearchSuggestions(r.Context(), tenantFrom(r.Context()), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type analyzeRequest struct {
	Query       string      `json:"query"`
	DatabaseIDs []uuid.UUID `json:"database_ids,omitempty"`
}

// Analyze handles POST /api/v1/search/analyze
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.search.AnalyzeQuery(r.Context(), tenantFrom(r.Context()), req.Query, req.DatabaseIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Trends handles GET /api/v1/search/trends?window=
func (h *Handler) Trends(w http.ResponseWriter, r *http.Request) {
	out, err := h.search.GetUserTrends(r.Context(), tenantFrom(r.Context()), r.URL.Query().Get("window"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// History handles GET /api/v1/search/history?limit=&offset=
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := intParam(w, r, "offset")
	if !ok {
		return
	}
	out, err := h.search.GetSearchHistory(r.Context(), tenantFrom(r.Context()), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type feedbackRequest struct {
	AnalyticsID uuid.UUID `json:"analytics_id"`
	Score       int       `json:"score"`
}

// Feedback handles POST /api/v1/search/feedback
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AnalyticsID == uuid.Nil {
		writeError(w, apperr.InvalidRequest("analytics_id is required"))
		return
	}
	fb, err := h.feedback.RecordFeedback(r.Context(), tenantFrom(r.Context()), req.AnalyticsID, req.Score)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

// RegisterConnection handles POST /api/v1/connections
func (h *Handler) RegisterConnection(w http.ResponseWriter, r *http.Request) {
	var in model.ConnectionInput
	if !decode(w, r, &in) {
		return
	}
	conn, err := h.connections.Register(r.Context(), tenantFrom(r.Context()), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

// ListConnections handles GET /api/v1/connections
func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.connections.List(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if conns == nil {
		conns = []model.DatabaseConnection{}
	}
	writeJSON(w, http.StatusOK, conns)
}

// UpdateConnection handles PUT /api/v1/connections/{id}
func (h *Handler) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in model.ConnectionInput
	if !decode(w, r, &in) {
		return
	}
	conn, err := h.connections.UpdateCredentials(r.Context(), tenantFrom(r.Context()), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// DeactivateConnection handles DELETE /api/v1/connections/{id}
func (h *Handler) DeactivateConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.connections.Deactivate(r.Context(), tenantFrom(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "deactivated"})
}

// ConnectionSchema handles GET /api/v1/connections/{id}/schema?refresh=true
func (h *Handler) ConnectionSchema(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.activeConnection(w, r)
	if !ok {
		return
	}
	bypass, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	tables, err := h.connections.DiscoverSchema(r.Context(), *conn, bypass)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

// TestConnection handles POST /api/v1/connections/{id}/test
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.activeConnection(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.connections.TestConnection(r.Context(), *conn))
}

func (h *Handler) activeConnection(w http.ResponseWriter, r *http.Request) (*model.DatabaseConnection, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	conn, err := h.connections.Get(r.Context(), tenantFrom(r.Context()), id)
	if err == nil && !conn.Active {
		err = apperr.NotFound("database connection")
	}
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return conn, true
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps err onto the envelope; internal-only errors become a generic 500
func writeError(w http.ResponseWriter, err error) {
	code, message := apperr.Public(err)
	status := apperr.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("code", string(code)).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: &errorBody{Code: code, Message: message}}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, apperr.InvalidRequest("invalid request body"))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, apperr.InvalidRequest("invalid connection id"))
		return uuid.Nil, false
	}
	return id, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, apperr.InvalidRequest("%s must be an integer", name))
		return 0, false
	}
	return n, true
}
