// Package source abstracts a queryable full-text database and implements it for
// MySQL (InnoDB FULLTEXT) and PostgreSQL (GIN over to_tsvector).
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/query"
)

// scoreColumn is the alias of the native relevance score in generated SQL
const scoreColumn = "__score"

var (
	ErrUnsupportedEngine = errors.New("source: unsupported database engine")
	ErrNotConnected      = errors.New("source: not connected to database")
	ErrEmptyIndex        = errors.New("source: full-text index has no columns")
)

// Query is one native full-text query against one index of one table.
// Mode is natural or boolean; semantic queries are rewritten before reaching a source.
type Query struct {
	Mode    model.SearchMode
	Text    string
	Boolean *query.BooleanExpr
	Table   model.TableSchema
	Index   model.FullTextIndex
	Limit   int
}

// Hit is one row returned with its native relevance score
type Hit struct {
	Table string
	Score float64
	Row   map[string]interface{}
}

// Source is a live, pooled connection to one registered database.
// Implementations must be safe for concurrent use.
type Source interface {
	Search(ctx context.Context, q Query) ([]Hit, error)
	DiscoverSchema(ctx context.Context) ([]model.TableSchema, error)
	Ping(ctx context.Context) error
	Stats() map[string]string
	Close()
}

// Options bound the native pool of a source
type Options struct {
	MaxConns       int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// Factory opens a Source for a connection with its decrypted password
type Factory func(ctx context.Context, conn model.DatabaseConnection, password string, opts Options) (Source, error)

// Open is the default Factory, dispatching on the connection engine
func Open(ctx context.Context, conn model.DatabaseConnection, password string, opts Options) (Source, error) {
	switch conn.Engine {
	case model.EngineMySQL, "":
		return OpenMySQL(ctx, conn, password, opts)
	case model.EnginePostgres:
		return OpenPostgres(ctx, conn, password, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEngine, conn.Engine)
	}
}

func validate(q Query) error {
	if len(q.Index.Columns) == 0 {
		return ErrEmptyIndex
	}
	if q.Mode == model.ModeBoolean && q.Boolean == nil {
		return errors.New("source: boolean query without parsed expression")
	}
	return nil
}

// projection lists the columns to select; the full schema when known
func projection(t model.TableSchema, quote func(string) string) string {
	if len(t.Columns) == 0 {
		return "*"
	}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quote(c.Name)
	}
	return strings.Join(cols, ", ")
}

type indexRow struct {
	table, index, column string
	language             string
	expression           string
}

type columnRow struct {
	table, column, dataType string
	primaryKey              bool
}

// assembleSchemas joins index membership with column metadata, keeping only tables
// that carry at least one full-text index. Input order is preserved.
func assembleSchemas(indexes []indexRow, columns []columnRow) []model.TableSchema {
	byTable := make(map[string]*model.TableSchema)
	var order []string

	for _, ir := range indexes {
		ts, ok := byTable[ir.table]
		if !ok {
			ts = &model.TableSchema{Name: ir.table}
			byTable[ir.table] = ts
			order = append(order, ir.table)
		}
		n := len(ts.Indexes)
		if n == 0 || ts.Indexes[n-1].Name != ir.index {
			ts.Indexes = append(ts.Indexes, model.FullTextIndex{Name: ir.index, Language: ir.language, Expression: ir.expression})
			n++
		}
		ts.Indexes[n-1].Columns = append(ts.Indexes[n-1].Columns, ir.column)
	}

	for _, cr := range columns {
		ts, ok := byTable[cr.table]
		if !ok {
			continue
		}
		searchable := false
		for _, idx := range ts.Indexes {
			for _, c := range idx.Columns {
				if c == cr.column {
					searchable = true
				}
			}
		}
		ts.Columns = append(ts.Columns, model.ColumnInfo{
			Name:       cr.column,
			DataType:   cr.dataType,
			PrimaryKey: cr.primaryKey,
			Searchable: searchable,
		})
		if cr.primaryKey && ts.PrimaryKey == "" {
			ts.PrimaryKey = cr.column
		}
	}

	out := make([]model.TableSchema, 0, len(order))
	for _, name := range order {
		out = append(out, *byTable[name])
	}
	return out
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case int:
		return float64(n)
	case []byte:
		var f float64
		_, _ = fmt.Sscan(string(n), &f)
		return f
	default:
		return 0
	}
}
