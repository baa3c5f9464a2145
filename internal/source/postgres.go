package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/federated-search-service/internal/model"
)

const defaultTextSearchConfig = "simple"

const (
	postgresColumnsQuery = `SELECT c.table_name, c.column_name, c.data_type, COALESCE(pk.is_pk, false)
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT kcu.table_name, kcu.column_name, true AS is_pk
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
				ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
			WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = current_schema()
		) pk ON pk.table_name = c.table_name AND pk.column_name = c.column_name
		WHERE c.table_schema = current_schema()
		ORDER BY c.table_name, c.ordinal_position`
	postgresIndexesQuery = `SELECT tablename, indexname, indexdef
		FROM pg_indexes
		WHERE schemaname = current_schema()
			AND indexdef ILIKE '%USING gin%'
			AND indexdef ILIKE '%to_tsvector%'
		ORDER BY tablename, indexname`
)

var tsConfigPattern = regexp.MustCompile(`to_tsvector\('([A-Za-z_]+)'`)

// PostgresSource queries GIN indexes built over to_tsvector expressions
type PostgresSource struct {
	name string
	pool *pgxpool.Pool
}

// OpenPostgres opens a bounded pgx pool to a PostgreSQL database and pings it
func OpenPostgres(ctx context.Context, conn model.DatabaseConnection, password string, opts Options) (*PostgresSource, error) {
	poolConfig, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.ConnConfig.Host = conn.Host
	poolConfig.ConnConfig.Port = uint16(conn.Port)
	poolConfig.ConnConfig.Database = conn.DatabaseName
	poolConfig.ConnConfig.User = conn.Username
	poolConfig.ConnConfig.Password = password
	poolConfig.ConnConfig.Fallbacks = nil
	if conn.TLS {
		poolConfig.ConnConfig.TLSConfig = &tls.Config{ServerName: conn.Host, MinVersion: tls.VersionTLS12}
	} else {
		poolConfig.ConnConfig.TLSConfig = nil
	}
	if opts.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}

	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 1
	}
	poolConfig.MaxConns = int32(maxConns)
	poolConfig.MinConns = 0
	if opts.IdleTimeout > 0 {
		poolConfig.MaxConnIdleTime = opts.IdleTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info().Str("connection_id", conn.ID.String()).Int("max_conns", maxConns).Msg("Connected to PostgreSQL source")
	return &PostgresSource{name: conn.ID.String(), pool: pool}, nil
}

func quotePostgres(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// postgresSearchSQL builds the statement and arguments for one index query
func postgresSearchSQL(q Query) (string, []interface{}) {
	cols := make([]string, len(q.Index.Columns))
	for i, c := range q.Index.Columns {
		cols[i] = quotePostgres(c)
	}

	cfg := q.Index.Language
	if cfg == "" {
		cfg = defaultTextSearchConfig
	}

	vector := q.Index.Expression
	if vector == "" {
		vector = fmt.Sprintf("to_tsvector('%s', concat_ws(' ', %s))", cfg, strings.Join(cols, ", "))
	}
	tsquery := fmt.Sprintf("plainto_tsquery('%s', $1)", cfg)
	text := q.Text
	if q.Mode == model.ModeBoolean {
		tsquery = fmt.Sprintf("to_tsquery('%s', $1)", cfg)
		text = q.Boolean.TSQuery()
	}

	stmt := fmt.Sprintf("SELECT %s, ts_rank(%s, %s) AS %s FROM %s WHERE %s @@ %s ORDER BY %s DESC LIMIT $2",
		projection(q.Table, quotePostgres), vector, tsquery, quotePostgres(scoreColumn),
		quotePostgres(q.Table.Name), vector, tsquery, quotePostgres(scoreColumn))

	return stmt, []interface{}{text, q.Limit}
}

// Search executes one ts_rank ordered full-text query
func (s *PostgresSource) Search(ctx context.Context, q Query) ([]Hit, error) {
	if s.pool == nil {
		return nil, ErrNotConnected
	}
	if err := validate(q); err != nil {
		return nil, err
	}

	stmt, args := postgresSearchSQL(q)
	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("full-text query on %s failed: %w", q.Table.Name, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	hits := make([]Hit, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		hit := Hit{Table: q.Table.Name, Row: make(map[string]interface{}, len(fields))}
		for i, fd := range fields {
			if fd.Name == scoreColumn {
				hit.Score = toFloat(values[i])
				continue
			}
			hit.Row[fd.Name] = convertPostgresValue(values[i])
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return hits, nil
}

// DiscoverSchema reads GIN to_tsvector indexes from pg_indexes
func (s *PostgresSource) DiscoverSchema(ctx context.Context) ([]model.TableSchema, error) {
	if s.pool == nil {
		return nil, ErrNotConnected
	}

	rows, err := s.pool.Query(ctx, postgresColumnsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	var columns []columnRow
	for rows.Next() {
		var cr columnRow
		if err := rows.Scan(&cr.table, &cr.column, &cr.dataType, &cr.primaryKey); err != nil {
			rows.Close()
			return nil, err
		}
		columns = append(columns, cr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, postgresIndexesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list full-text indexes: %w", err)
	}
	defer rows.Close()
	var indexes []indexRow
	for rows.Next() {
		var table, index, def string
		if err := rows.Scan(&table, &index, &def); err != nil {
			return nil, err
		}
		indexes = append(indexes, postgresIndexRows(table, index, def, columns)...)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return assembleSchemas(indexes, columns), nil
}

// postgresIndexRows resolves which table columns an index definition references
func postgresIndexRows(table, index, def string, columns []columnRow) []indexRow {
	language := defaultTextSearchConfig
	if m := tsConfigPattern.FindStringSubmatch(def); m != nil {
		language = m[1]
	}

	expr := def
	if i := strings.Index(strings.ToLower(def), "using gin"); i >= 0 {
		expr = def[i:]
	}
	vector := ginExpression(def)

	var out []indexRow
	for _, c := range columns {
		if c.table != table {
			continue
		}
		pattern := `(^|[^A-Za-z0-9_])"?` + regexp.QuoteMeta(c.column) + `"?([^A-Za-z0-9_]|$)`
		if regexp.MustCompile(pattern).MatchString(expr) {
			out = append(out, indexRow{table: table, index: index, column: c.column, language: language, expression: vector})
		}
	}
	return out
}

// ginExpression returns the to_tsvector expression inside "USING gin (...)",
// or "" when the index is not built over one
func ginExpression(def string) string {
	i := strings.Index(strings.ToLower(def), "using gin")
	if i < 0 {
		return ""
	}
	open := strings.IndexByte(def[i:], '(')
	if open < 0 {
		return ""
	}
	start := i + open + 1

	depth, quoted := 1, false
	for j := start; j < len(def); j++ {
		switch c := def[j]; {
		case c == '\'':
			quoted = !quoted
		case quoted:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				expr := strings.TrimSpace(def[start:j])
				if !strings.HasPrefix(strings.ToLower(expr), "to_tsvector(") {
					return ""
				}
				return expr
			}
		}
	}
	return ""
}

func (s *PostgresSource) Ping(ctx context.Context) error {
	if s.pool == nil {
		return ErrNotConnected
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresSource) Stats() map[string]string {
	stat := s.pool.Stat()
	return map[string]string{
		"engine":         string(model.EnginePostgres),
		"total_conns":    strconv.Itoa(int(stat.TotalConns())),
		"acquired_conns": strconv.Itoa(int(stat.AcquiredConns())),
		"idle_conns":     strconv.Itoa(int(stat.IdleConns())),
		"max_conns":      strconv.Itoa(int(stat.MaxConns())),
		"acquire_count":  strconv.FormatInt(stat.AcquireCount(), 10),
	}
}

func (s *PostgresSource) Close() {
	if s.pool != nil {
		s.pool.Close()
		log.Debug().Str("connection_id", s.name).Msg("PostgreSQL source closed")
	}
}

func convertPostgresValue(v interface{}) interface{} {
	switch t := v.(type) {
	case [16]byte:
		return uuid.UUID(t).String()
	case []byte:
		return string(t)
	default:
		return v
	}
}
