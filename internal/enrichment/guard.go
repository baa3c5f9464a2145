package enrichment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/monitoring"
)

// Guard bounds every call of an inner adapter with a timeout, converts panics and
// upstream errors into ENRICHMENT_UNAVAILABLE, and reports unavailable for a cooldown
// period after a failure.
type Guard struct {
	inner    Adapter
	timeout  time.Duration
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	downUntil time.Time
}

func NewGuard(inner Adapter, timeout, cooldown time.Duration) *Guard {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Guard{inner: inner, timeout: timeout, cooldown: cooldown, now: time.Now}
}

func (g *Guard) IsAvailable() bool {
	g.mu.Lock()
	down := g.now().Before(g.downUntil)
	g.mu.Unlock()
	return !down && g.inner.IsAvailable()
}

// CoolingDown reports an adapter that is configured but resting after a failure.
// A disabled adapter is not cooling down.
func (g *Guard) CoolingDown() bool {
	g.mu.Lock()
	down := g.now().Before(g.downUntil)
	g.mu.Unlock()
	return down && g.inner.IsAvailable()
}

func (g *Guard) Suggest(ctx context.Context, query string) ([]model.QuerySuggestion, error) {
	var out []model.QuerySuggestion
	err := g.call(ctx, OpSuggest, func(ctx context.Context) (err error) {
		out, err = g.inner.Suggest(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Guard) Categorize(ctx context.Context, query string, results []model.SearchResult) (*Categorization, error) {
	var out *Categorization
	err := g.call(ctx, OpCategorize, func(ctx context.Context) (err error) {
		out, err = g.inner.Categorize(ctx, query, results)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &Categorization{}
	}
	return out, nil
}

func (g *Guard) AnalyzeQuery(ctx context.Context, query string) (*Analysis, error) {
	var out *Analysis
	err := g.call(ctx, OpAnalyze, func(ctx context.Context) (err error) {
		out, err = g.inner.AnalyzeQuery(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &Analysis{}
	}
	return out, nil
}

func (g *Guard) ExpandQuery(ctx context.Context, query string) (string, error) {
	var out string
	err := g.call(ctx, OpExpand, func(ctx context.Context) (err error) {
		out, err = g.inner.ExpandQuery(ctx, query)
		return err
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// call runs fn on its own goroutine so a stuck upstream is abandoned at the deadline.
// Results written by fn may only be read when call returns nil.
func (g *Guard) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if !g.IsAvailable() {
		monitoring.EnrichmentSkipped.WithLabelValues(op).Inc()
		return apperr.EnrichmentUnavailable(op, ErrDisabled)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("adapter panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil {
		return nil
	}

	g.mu.Lock()
	g.downUntil = g.now().Add(g.cooldown)
	g.mu.Unlock()

	monitoring.EnrichmentSkipped.WithLabelValues(op).Inc()
	log.Warn().Err(err).Str("operation", op).Dur("cooldown", g.cooldown).Msg("Enrichment call failed")

	if apperr.CodeOf(err) == apperr.CodeEnrichmentUnavailable {
		return err
	}
	return apperr.EnrichmentUnavailable(op, err)
}
