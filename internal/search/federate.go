package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/monitoring"
	"github.com/teresa-solution/federated-search-service/internal/query"
	"github.com/teresa-solution/federated-search-service/internal/source"
)

// plan is a validated search ready for dispatch
type plan struct {
	mode    model.SearchMode // natural or boolean once dispatched
	text    string
	boolean *query.BooleanExpr
	terms   []string
	tables  []string
	columns []string
	fetch   int
}

type targetOutcome struct {
	results []model.SearchResult
	failure *model.TargetFailure
}

// fanOut runs one search per target under the overall deadline with at most FanOut in
// flight. Degraded connections are skipped without dispatch.
func (o *Orchestrator) fanOut(ctx context.Context, p plan, targets []model.DatabaseConnection) []targetOutcome {
	dctx, cancel := context.WithTimeout(ctx, o.opts.Deadline)
	defer cancel()

	outcomes := make([]targetOutcome, len(targets))
	var g errgroup.Group
	g.SetLimit(o.opts.FanOut)

	for i, conn := range targets {
		if o.targets.IsDegraded(conn.ID) {
			outcomes[i] = o.fail(conn, model.FailureDegraded, errors.New("connection is degraded"))
			continue
		}
		g.Go(func() error {
			outcomes[i] = o.searchTarget(dctx, conn, p)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// searchTarget queries every selected full-text index of one database
func (o *Orchestrator) searchTarget(ctx context.Context, conn model.DatabaseConnection, p plan) targetOutcome {
	tctx, cancel := context.WithTimeout(ctx, o.opts.TargetTimeout)
	defer cancel()

	tables, err := o.targets.DiscoverSchema(tctx, conn, false)
	if err != nil {
		return o.fail(conn, classify(tctx, err), err)
	}

	selected := selectIndexes(tables, p.tables, p.columns)
	if len(selected) == 0 {
		return targetOutcome{results: []model.SearchResult{}}
	}

	session, err := o.targets.Acquire(tctx, conn)
	if err != nil {
		return o.fail(conn, classify(tctx, err), err)
	}
	defer session.Release()

	results := []model.SearchResult{}
	for _, sel := range selected {
		hits, err := session.Search(tctx, source.Query{
			Mode:    p.mode,
			Text:    p.text,
			Boolean: p.boolean,
			Table:   sel.table,
			Index:   sel.index,
			Limit:   p.fetch,
		})
		if err != nil {
			return o.fail(conn, classify(tctx, err), fmt.Errorf("table %s: %w", sel.table.Name, err))
		}

		for _, hit := range hits {
			matched := matchedColumns(hit.Row, sel.index.Columns, p.terms)
			if len(p.columns) > 0 {
				matched = restrict(matched, p.columns)
				if len(matched) == 0 {
					continue
				}
			}
			r := model.SearchResult{
				DatabaseID:     conn.ID,
				DatabaseName:   conn.Name,
				Table:          sel.table.Name,
				RawScore:       hit.Score,
				MatchedColumns: matched,
				Data:           hit.Row,
				Snippet:        snippet(hit.Row, matched, sel.index.Columns, p.terms),
			}
			if pk := sel.table.PrimaryKey; pk != "" && hit.Row[pk] != nil {
				r.PrimaryKey = fmt.Sprint(hit.Row[pk])
			}
			results = append(results, r)
		}
	}
	return targetOutcome{results: results}
}

func (o *Orchestrator) fail(conn model.DatabaseConnection, reason string, err error) targetOutcome {
	monitoring.TargetFailures.WithLabelValues(reason).Inc()
	log.Warn().Err(err).Str("connection_id", conn.ID.String()).Str("tenant_id", conn.TenantID).Str("reason", reason).Msg("Target excluded from federated search")
	return targetOutcome{failure: &model.TargetFailure{DatabaseID: conn.ID, Reason: reason, Message: err.Error()}}
}

func classify(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return model.FailureTimeout
	}
	return model.FailureError
}

type selection struct {
	table model.TableSchema
	index model.FullTextIndex
}

// selectIndexes picks the indexes to query. An index is queried over all of its columns
// since MySQL only matches a complete FULLTEXT column list; a column restriction keeps
// the indexes that cover at least one requested column.
func selectIndexes(tables []model.TableSchema, onlyTables, onlyColumns []string) []selection {
	var out []selection
	for _, t := range tables {
		if len(onlyTables) > 0 && !containsFold(onlyTables, t.Name) {
			continue
		}
		for _, idx := range t.Indexes {
			if len(idx.Columns) == 0 {
				continue
			}
			if len(onlyColumns) > 0 && len(restrict(idx.Columns, onlyColumns)) == 0 {
				continue
			}
			out = append(out, selection{table: t, index: idx})
		}
	}
	return out
}

func restrict(cols, allowed []string) []string {
	out := []string{}
	for _, c := range cols {
		if containsFold(allowed, c) {
			out = append(out, c)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
