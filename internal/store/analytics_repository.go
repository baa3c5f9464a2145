package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/model"
)

const analyticsColumns = `id, tenant_id, query, mode, database_ids, execution_time_ms, result_count,
	cache_hit, partial, categories, created_at`

// AnalyticsRepository appends and reads search analytics. There is no update or delete path.
type AnalyticsRepository struct {
	db *sql.DB
}

func NewAnalyticsRepository(db *sql.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

func (r *AnalyticsRepository) Insert(ctx context.Context, rec *model.SearchAnalytics) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO search_analytics (` + analyticsColumns + `)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.ExecContext(ctx, query, rec.ID, rec.TenantID, rec.Query, string(rec.Mode),
		pq.Array(rec.DatabaseIDs), rec.ExecutionTimeMS, rec.ResultCount, rec.CacheHit, rec.Partial,
		pq.Array(rec.Categories), rec.CreatedAt)
	return err
}

// ListSince returns every record of the tenant created at or after since, oldest first
func (r *AnalyticsRepository) ListSince(ctx context.Context, tenantID string, since time.Time) ([]model.SearchAnalytics, error) {
	query := `SELECT ` + analyticsColumns + ` FROM search_analytics
              WHERE tenant_id = $1 AND created_at >= $2 ORDER BY created_at`
	return r.list(ctx, query, tenantID, since)
}

// ListHistory returns one page of the tenant's records, newest first
func (r *AnalyticsRepository) ListHistory(ctx context.Context, tenantID string, limit, offset int) ([]model.SearchAnalytics, error) {
	query := `SELECT ` + analyticsColumns + ` FROM search_analytics
              WHERE tenant_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`
	return r.list(ctx, query, tenantID, limit, offset)
}

// QueryPrefix returns the tenant's most frequent past queries starting with prefix
func (r *AnalyticsRepository) QueryPrefix(ctx context.Context, tenantID, prefix string, limit int) ([]model.QueryCount, error) {
	query := `SELECT lower(query) AS q, COUNT(*) FROM search_analytics
              WHERE tenant_id = $1 AND lower(query) LIKE $2 ESCAPE '\'
              GROUP BY q ORDER BY COUNT(*) DESC, q LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, tenantID, escapeLike(strings.ToLower(prefix))+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueryCount
	for rows.Next() {
		var qc model.QueryCount
		if err := rows.Scan(&qc.Query, &qc.Count); err != nil {
			return nil, err
		}
		out = append(out, qc)
	}
	return out, rows.Err()
}

// InsertFeedback appends a satisfaction signal for a recorded search of the same tenant
func (r *AnalyticsRepository) InsertFeedback(ctx context.Context, fb *model.SearchFeedback) error {
	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO search_feedback (id, analytics_id, tenant_id, score, created_at)
              SELECT $1, a.id, a.tenant_id, $4, $5 FROM search_analytics a
              WHERE a.id = $2 AND a.tenant_id = $3`
	res, err := r.db.ExecContext(ctx, query, fb.ID, fb.AnalyticsID, fb.TenantID, fb.Score, fb.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("search analytics record")
	}
	return nil
}

func (r *AnalyticsRepository) list(ctx context.Context, query string, args ...interface{}) ([]model.SearchAnalytics, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]model.SearchAnalytics, 0)
	for rows.Next() {
		var rec model.SearchAnalytics
		var mode string
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Query, &mode, pq.Array(&rec.DatabaseIDs),
			&rec.ExecutionTimeMS, &rec.ResultCount, &rec.CacheHit, &rec.Partial,
			pq.Array(&rec.Categories), &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Mode = model.SearchMode(mode)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
