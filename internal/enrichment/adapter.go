// Package enrichment is the optional AI Enrichment Adapter: categories, query suggestions,
// optimization hints and semantic query expansion. Every failure is reported as an
// ENRICHMENT_UNAVAILABLE error so callers can skip the enrichment and carry on.
package enrichment

import (
	"context"
	"errors"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/model"
)

// Operation names used in logs and metrics
const (
	OpSuggest    = "suggest"
	OpCategorize = "categorize"
	OpAnalyze    = "analyze"
	OpExpand     = "expand"
)

var ErrDisabled = errors.New("enrichment disabled")

// Categorization labels a result page. ResultTags is index-aligned with the input results.
type Categorization struct {
	Categories []model.Category
	ResultTags [][]string
}

// Analysis holds AI recommendations for a query
type Analysis struct {
	Recommendations []string
	Optimizations   []model.OptimizationSuggestion
}

// Adapter is the enrichment capability. IsAvailable is cheap and synchronous.
type Adapter interface {
	IsAvailable() bool
	Suggest(ctx context.Context, query string) ([]model.QuerySuggestion, error)
	Categorize(ctx context.Context, query string, results []model.SearchResult) (*Categorization, error)
	AnalyzeQuery(ctx context.Context, query string) (*Analysis, error)
	// ExpandQuery rewrites a semantic query into natural-language search text
	ExpandQuery(ctx context.Context, query string) (string, error)
}

// Noop is the adapter used when enrichment is disabled
type Noop struct{}

func (Noop) IsAvailable() bool { return false }

func (Noop) Suggest(context.Context, string) ([]model.QuerySuggestion, error) {
	return nil, apperr.EnrichmentUnavailable(OpSuggest, ErrDisabled)
}

func (Noop) Categorize(context.Context, string, []model.SearchResult) (*Categorization, error) {
	return nil, apperr.EnrichmentUnavailable(OpCategorize, ErrDisabled)
}

func (Noop) AnalyzeQuery(context.Context, string) (*Analysis, error) {
	return nil, apperr.EnrichmentUnavailable(OpAnalyze, ErrDisabled)
}

func (Noop) ExpandQuery(context.Context, string) (string, error) {
	return "", apperr.EnrichmentUnavailable(OpExpand, ErrDisabled)
}
