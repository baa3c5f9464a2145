// Package analytics records one telemetry entry per search, off the request path, and
// serves the read side (summaries, history, prefix matches, feedback).
package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/model"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
	sinkTimeout         = 5 * time.Second
)

// Sink receives every recorded search
type Sink interface {
	Write(ctx context.Context, rec *model.SearchAnalytics) error
	Name() string
}

// Repository is the append-only analytics store
type Repository interface {
	Insert(ctx context.Context, rec *model.SearchAnalytics) error
	ListHistory(ctx context.Context, tenantID string, limit, offset int) ([]model.SearchAnalytics, error)
	QueryPrefix(ctx context.Context, tenantID, prefix string, limit int) ([]model.QueryCount, error)
	InsertFeedback(ctx context.Context, fb *model.SearchFeedback) error
}

// Summarizer computes rolling aggregates for a tenant and window
type Summarizer interface {
	Summary(ctx context.Context, tenantID, window string) (*model.AnalyticsSummary, error)
}

// Recorder queues analytics records for a background worker so recording never adds
// latency to a search. When the queue is full the record is dropped and counted.
type Recorder struct {
	repo       Repository
	summarizer Summarizer
	sinks      []Sink
	queue      chan *model.SearchAnalytics
	dropped    atomic.Int64
	wg         sync.WaitGroup

	mu     sync.RWMutex // guards closed and the send on queue
	closed bool
}

// NewRecorder starts the worker. The repository is always the first sink.
func NewRecorder(repo Repository, summarizer Summarizer, buffer int, extra ...Sink) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		repo:       repo,
		summarizer: summarizer,
		sinks:      append([]Sink{storeSink{repo: repo}}, extra...),
		queue:      make(chan *model.SearchAnalytics, buffer),
	}
	r.wg.Add(1)
	go r.startWorker()
	return r
}

func (r *Recorder) startWorker() {
	defer r.wg.Done()
	for rec := range r.queue {
		for _, sink := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := sink.Write(ctx, rec); err != nil {
				log.Error().Err(err).Str("sink", sink.Name()).Str("tenant_id", rec.TenantID).Str("analytics_id", rec.ID.String()).Msg("Failed to write search analytics")
			}
			cancel()
		}
	}
}

// Record enqueues a record without blocking. ID and creation time are assigned here.
func (r *Recorder) Record(rec model.SearchAnalytics) uuid.UUID {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		n := r.dropped.Add(1)
		log.Warn().Str("tenant_id", rec.TenantID).Int64("dropped_total", n).Msg("Analytics recorder closed, record dropped")
		return rec.ID
	}

	select {
	case r.queue <- &rec:
	default:
		n := r.dropped.Add(1)
		log.Warn().Str("tenant_id", rec.TenantID).Int64("dropped_total", n).Msg("Analytics queue full, record dropped")
	}
	return rec.ID
}

// Dropped returns how many records were discarded because the queue was full or closed
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
// Records arriving after Close are dropped and counted.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query returns the rolling aggregates of a tenant for a window
func (r *Recorder) Query(ctx context.Context, tenantID, window string) (*model.AnalyticsSummary, error) {
	return r.summarizer.Summary(ctx, tenantID, window)
}

// History returns one page of the tenant's searches, newest first
func (r *Recorder) History(ctx context.Context, tenantID string, limit, offset int) ([]model.SearchAnalytics, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return nil, apperr.InvalidRequest("limit must be at most %d", MaxHistoryLimit)
	}
	if offset < 0 {
		return nil, apperr.InvalidRequest("offset must not be negative")
	}
	return r.repo.ListHistory(ctx, tenantID, limit, offset)
}

// PastQueries returns the tenant's most frequent past queries beginning with prefix
func (r *Recorder) PastQueries(ctx context.Context, tenantID, prefix string, limit int) ([]model.QueryCount, error) {
	return r.repo.QueryPrefix(ctx, tenantID, prefix, limit)
}

// RecordFeedback appends a 1 to 5 satisfaction score for a recorded search
func (r *Recorder) RecordFeedback(ctx context.Context, tenantID string, analyticsID uuid.UUID, score int) (*model.SearchFeedback, error) {
	if score < 1 || score > 5 {
		return nil, apperr.InvalidRequest("score must be between 1 and 5")
	}
	fb := &model.SearchFeedback{
		ID:          uuid.New(),
		AnalyticsID: analyticsID,
		TenantID:    tenantID,
		Score:       score,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.repo.InsertFeedback(ctx, fb); err != nil {
		return nil, err
	}
	return fb, nil
}

type storeSink struct {
	repo Repository
}

func (s storeSink) Write(ctx context.Context, rec *model.SearchAnalytics) error {
	return s.repo.Insert(ctx, rec)
}

func (storeSink) Name() string { return "store" }
