package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/query"
)

type keyFields struct {
	Query     string           `json:"q"`
	Targets   []string         `json:"t"`
	Mode      model.SearchMode `json:"m"`
	Limit     int              `json:"l"`
	Offset    int              `json:"o"`
	Tables    []string         `json:"tb,omitempty"`
	Columns   []string         `json:"c,omitempty"`
	Analytics bool             `json:"a,omitempty"`
}

// cacheKey identifies a search by tenant, normalized text, resolved target set, mode,
// page and restrictions. Order of ids, tables and columns does not matter.
func cacheKey(req model.SearchRequest, targets []model.DatabaseConnection) string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID.String()
	}

	data, _ := json.Marshal(keyFields{
		Query:     query.Normalize(req.Query),
		Targets:   sortedCopy(ids),
		Mode:      req.Mode,
		Limit:     req.Limit,
		Offset:    req.Offset,
		Tables:    sortedCopy(req.Tables),
		Columns:   sortedCopy(req.Columns),
		Analytics: req.IncludeAnalytics,
	})
	sum := sha256.Sum256(data)
	return fmt.Sprintf("search:%s:%s", req.TenantID, hex.EncodeToString(sum[:]))
}

func suggestionKey(tenantID, prefix string, limit int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", query.Normalize(prefix), limit)))
	return fmt.Sprintf("suggest:%s:%s", tenantID, hex.EncodeToString(sum[:]))
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
