package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/federated-search-service/internal/model"
)

type schemaEntry struct {
	tables    []model.TableSchema
	expiresAt time.Time
}

// DiscoverSchema returns the full-text searchable tables of a connection. Results are
// cached for the schema TTL; bypass forces a fresh introspection.
func (r *Registry) DiscoverSchema(ctx context.Context, conn model.DatabaseConnection, bypass bool) ([]model.TableSchema, error) {
	if !bypass {
		r.schemaMu.Lock()
		entry, ok := r.schemas[conn.ID]
		r.schemaMu.Unlock()
		if ok && r.now().Before(entry.expiresAt) {
			return copyTables(entry.tables), nil
		}
	}

	session, err := r.Acquire(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer session.Release()

	tables, err := session.DiscoverSchema(ctx)
	if err != nil {
		return nil, err
	}

	r.schemaMu.Lock()
	r.schemas[conn.ID] = schemaEntry{tables: copyTables(tables), expiresAt: r.now().Add(r.opts.SchemaTTL)}
	r.schemaMu.Unlock()

	log.Debug().Str("connection_id", conn.ID.String()).Int("tables", len(tables)).Bool("bypass", bypass).Msg("Schema discovered")
	return tables, nil
}

func (r *Registry) invalidateSchema(id uuid.UUID) {
	r.schemaMu.Lock()
	delete(r.schemas, id)
	r.schemaMu.Unlock()
}

func copyTables(in []model.TableSchema) []model.TableSchema {
	out := make([]model.TableSchema, len(in))
	for i, t := range in {
		out[i] = t
		out[i].Columns = append([]model.ColumnInfo(nil), t.Columns...)
		out[i].Indexes = make([]model.FullTextIndex, len(t.Indexes))
		for j, idx := range t.Indexes {
			out[i].Indexes[j] = idx
			out[i].Indexes[j].Columns = append([]string(nil), idx.Columns...)
		}
	}
	return out
}
