package search

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/query"
)

const snippetWidth = 160

// normalize rescales the raw scores of one source onto [0,1] with min-max scaling.
// A source whose results all share one score maps every result to 1.
func normalize(results []model.SearchResult) {
	if len(results) == 0 {
		return
	}
	lo, hi := results[0].RawScore, results[0].RawScore
	for _, r := range results[1:] {
		if r.RawScore < lo {
			lo = r.RawScore
		}
		if r.RawScore > hi {
			hi = r.RawScore
		}
	}
	for i := range results {
		if hi == lo {
			results[i].Score = 1
			continue
		}
		results[i].Score = (results[i].RawScore - lo) / (hi - lo)
	}
}

// rank orders merged results by normalized score, then by number of matched columns,
// then by source id and table. The sort is stable so equal keys keep native order.
func rank(results []model.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.MatchedColumns) != len(b.MatchedColumns) {
			return len(a.MatchedColumns) > len(b.MatchedColumns)
		}
		if a.DatabaseID != b.DatabaseID {
			return a.DatabaseID.String() < b.DatabaseID.String()
		}
		return a.Table < b.Table
	})
}

// dedupe drops later occurrences of the same (database, table, primary key) row.
// Rows without a known primary key are never merged.
func dedupe(ranked []model.SearchResult) []model.SearchResult {
	type rowKey struct {
		db    uuid.UUID
		table string
		pk    string
	}
	seen := make(map[rowKey]bool, len(ranked))
	out := ranked[:0]
	for _, r := range ranked {
		if r.PrimaryKey != "" {
			k := rowKey{r.DatabaseID, r.Table, r.PrimaryKey}
			if seen[k] {
				continue
			}
			seen[k] = true
		}
		out = append(out, r)
	}
	return out
}

// paginate returns merged[offset : min(offset+limit, len)]
func paginate(merged []model.SearchResult, limit, offset int) []model.SearchResult {
	if offset >= len(merged) {
		return []model.SearchResult{}
	}
	end := offset + limit
	if end > len(merged) {
		end = len(merged)
	}
	page := make([]model.SearchResult, end-offset)
	copy(page, merged[offset:end])
	return page
}

// merge normalizes each source independently, then ranks and deduplicates the union
func merge(perSource [][]model.SearchResult) []model.SearchResult {
	var all []model.SearchResult
	for _, results := range perSource {
		normalize(results)
		all = append(all, results...)
	}
	rank(all)
	return dedupe(all)
}

// matchedColumns lists the index columns whose value contains any query term
func matchedColumns(row map[string]interface{}, columns, terms []string) []string {
	matched := []string{}
	for _, c := range columns {
		v, ok := row[c]
		if !ok || v == nil {
			continue
		}
		if query.ContainsAny(fmt.Sprint(v), terms) {
			matched = append(matched, c)
		}
	}
	return matched
}

// snippet builds the excerpt from the first matched column, or the first indexed one
func snippet(row map[string]interface{}, matched, columns, terms []string) string {
	candidates := matched
	if len(candidates) == 0 {
		candidates = columns
	}
	for _, c := range candidates {
		v, ok := row[c]
		if !ok || v == nil {
			continue
		}
		if s := query.Snippet(fmt.Sprint(v), terms, snippetWidth); s != "" {
			return s
		}
	}
	return ""
}

// dedupeSuggestions keeps the best-scored entry per exact text and orders by score
func dedupeSuggestions(in []model.QuerySuggestion, limit int) []model.QuerySuggestion {
	best := make(map[string]int, len(in))
	out := make([]model.QuerySuggestion, 0, len(in))
	for _, s := range in {
		if i, ok := best[s.Text]; ok {
			if s.Score > out[i].Score {
				out[i] = s
			}
			continue
		}
		best[s.Text] = len(out)
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Text < out[j].Text
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
