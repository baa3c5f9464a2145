package source

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/federated-search-service/internal/model"
)

const (
	mysqlIndexesQuery = `SELECT TABLE_NAME, INDEX_NAME, COLUMN_NAME
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE() AND INDEX_TYPE = 'FULLTEXT'
		ORDER BY TABLE_NAME, INDEX_NAME, SEQ_IN_INDEX`
	mysqlColumnsQuery = `SELECT TABLE_NAME, COLUMN_NAME, DATA_TYPE, COLUMN_KEY
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE()
		ORDER BY TABLE_NAME, ORDINAL_POSITION`
)

// MySQLSource queries InnoDB FULLTEXT indexes with MATCH ... AGAINST
type MySQLSource struct {
	name string
	db   *sql.DB
}

// OpenMySQL opens a bounded pool to a MySQL database and pings it
func OpenMySQL(ctx context.Context, conn model.DatabaseConnection, password string, opts Options) (*MySQLSource, error) {
	db, err := sql.Open("mysql", mysqlDSN(conn, password, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	if opts.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(opts.IdleTimeout)
	}

	src := NewMySQLSource(conn.ID.String(), db)
	if err := src.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}

	log.Info().Str("connection_id", conn.ID.String()).Int("max_conns", maxConns).Msg("Connected to MySQL source")
	return src, nil
}

// NewMySQLSource wraps an already opened pool
func NewMySQLSource(name string, db *sql.DB) *MySQLSource {
	return &MySQLSource{name: name, db: db}
}

func mysqlDSN(conn model.DatabaseConnection, password string, opts Options) string {
	cfg := mysql.NewConfig()
	cfg.User = conn.Username
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port))
	cfg.DBName = conn.DatabaseName
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.MultiStatements = false
	cfg.InterpolateParams = false
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	if opts.ConnectTimeout > 0 {
		cfg.Timeout = opts.ConnectTimeout
	}
	if conn.TLS {
		cfg.TLSConfig = "true"
	}
	return cfg.FormatDSN()
}

func quoteMySQL(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// mysqlSearchSQL builds the statement and arguments for one index query
func mysqlSearchSQL(q Query) (string, []interface{}) {
	cols := make([]string, len(q.Index.Columns))
	for i, c := range q.Index.Columns {
		cols[i] = quoteMySQL(c)
	}

	modifier := "IN NATURAL LANGUAGE MODE"
	text := q.Text
	if q.Mode == model.ModeBoolean {
		modifier = "IN BOOLEAN MODE"
		text = q.Boolean.MySQL()
	}
	match := fmt.Sprintf("MATCH(%s) AGAINST (? %s)", strings.Join(cols, ", "), modifier)

	stmt := fmt.Sprintf("SELECT %s, %s AS %s FROM %s WHERE %s ORDER BY %s DESC LIMIT ?",
		projection(q.Table, quoteMySQL), match, quoteMySQL(scoreColumn),
		quoteMySQL(q.Table.Name), match, quoteMySQL(scoreColumn))

	return stmt, []interface{}{text, text, q.Limit}
}

// Search executes one MATCH ... AGAINST query
func (s *MySQLSource) Search(ctx context.Context, q Query) ([]Hit, error) {
	if s.db == nil {
		return nil, ErrNotConnected
	}
	if err := validate(q); err != nil {
		return nil, err
	}

	stmt, args := mysqlSearchSQL(q)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("full-text query on %s failed: %w", q.Table.Name, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		hit := Hit{Table: q.Table.Name, Row: make(map[string]interface{}, len(columns)-1)}
		for i, col := range columns {
			if col == scoreColumn {
				hit.Score = toFloat(values[i])
				continue
			}
			hit.Row[col] = convertMySQLValue(values[i], columnTypes[i])
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return hits, nil
}

// DiscoverSchema reads FULLTEXT index membership from information_schema
func (s *MySQLSource) DiscoverSchema(ctx context.Context) ([]model.TableSchema, error) {
	if s.db == nil {
		return nil, ErrNotConnected
	}

	rows, err := s.db.QueryContext(ctx, mysqlIndexesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list full-text indexes: %w", err)
	}
	var indexes []indexRow
	for rows.Next() {
		var ir indexRow
		if err := rows.Scan(&ir.table, &ir.index, &ir.column); err != nil {
			_ = rows.Close()
			return nil, err
		}
		indexes = append(indexes, ir)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(indexes) == 0 {
		return []model.TableSchema{}, nil
	}

	rows, err = s.db.QueryContext(ctx, mysqlColumnsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var columns []columnRow
	for rows.Next() {
		var cr columnRow
		var key string
		if err := rows.Scan(&cr.table, &cr.column, &cr.dataType, &key); err != nil {
			return nil, err
		}
		cr.primaryKey = key == "PRI"
		columns = append(columns, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return assembleSchemas(indexes, columns), nil
}

func (s *MySQLSource) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrNotConnected
	}
	return s.db.PingContext(ctx)
}

func (s *MySQLSource) Stats() map[string]string {
	stats := s.db.Stats()
	return map[string]string{
		"engine":           string(model.EngineMySQL),
		"open_connections": strconv.Itoa(stats.OpenConnections),
		"in_use":           strconv.Itoa(stats.InUse),
		"idle":             strconv.Itoa(stats.Idle),
		"wait_count":       strconv.FormatInt(stats.WaitCount, 10),
		"wait_duration":    stats.WaitDuration.String(),
	}
}

func (s *MySQLSource) Close() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Str("connection_id", s.name).Msg("Error closing MySQL source")
	}
}

// convertMySQLValue turns driver bytes into strings for textual column types
func convertMySQLValue(val interface{}, colType *sql.ColumnType) interface{} {
	b, ok := val.([]byte)
	if !ok {
		return val
	}
	typeName := strings.ToUpper(colType.DatabaseTypeName())
	switch {
	case strings.Contains(typeName, "CHAR"),
		strings.Contains(typeName, "TEXT"),
		strings.Contains(typeName, "ENUM"),
		strings.Contains(typeName, "SET"),
		strings.Contains(typeName, "DECIMAL"),
		typeName == "JSON",
		typeName == "":
		return string(b)
	default:
		return b
	}
}
