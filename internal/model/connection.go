package model

import (
	"time"

	"github.com/google/uuid"
)

// Engine identifies the native full-text dialect of a registered database
type Engine string

const (
	EngineMySQL    Engine = "mysql"
	EnginePostgres Engine = "postgres"
)

// Valid reports whether the engine has a source implementation
func (e Engine) Valid() bool {
	return e == EngineMySQL || e == EnginePostgres
}

// DatabaseConnection represents the database_connections table
type DatabaseConnection struct {
	ID                uuid.UUID `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Name              string    `json:"name"`
	Engine            Engine    `json:"engine"`
	Host              string    `json:"host"`
	Port              int       `json:"port"`
	DatabaseName      string    `json:"database_name"`
	Username          string    `json:"username"`
	EncryptedPassword []byte    `json:"-"` // Stored in DB
	PasswordNonce     []byte    `json:"-"` // Stored in DB
	TLS               bool      `json:"tls"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ConnectionInput carries the caller-supplied fields of a registration or update.
// Password is plaintext and never leaves the registry unencrypted.
type ConnectionInput struct {
	Name         string `json:"name"`
	Engine       Engine `json:"engine"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	DatabaseName string `json:"database_name"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	TLS          bool   `json:"tls"`
}

// ColumnInfo describes one column of a discovered table
type ColumnInfo struct {
	Name       string `json:"name"`
	DataType   string `json:"data_type"`
	PrimaryKey bool   `json:"primary_key"`
	Searchable bool   `json:"searchable"`
}

// FullTextIndex is a native full-text index over one or more columns
type FullTextIndex struct {
	Name     string   `json:"name"`
	Columns  []string `json:"columns"`
	Language string   `json:"language,omitempty"` // text search configuration, PostgreSQL only
	// Expression is the indexed tsvector expression as PostgreSQL reports it.
	// Queries must repeat it verbatim for the planner to use the index.
	Expression string `json:"expression,omitempty"`
}

// TableSchema is the discovered full-text metadata of one table
type TableSchema struct {
	Name       string          `json:"name"`
	Columns    []ColumnInfo    `json:"columns"`
	Indexes    []FullTextIndex `json:"indexes"`
	PrimaryKey string          `json:"primary_key,omitempty"`
}

// SearchableColumns returns the distinct columns covered by any full-text index
func (t TableSchema) SearchableColumns() []string {
	seen := make(map[string]bool)
	var cols []string
	for _, idx := range t.Indexes {
		for _, c := range idx.Columns {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols
}

// ConnectionTestResult is the outcome of a liveness probe
type ConnectionTestResult struct {
	Connected bool              `json:"connected"`
	Message   string            `json:"message,omitempty"`
	Latency   time.Duration     `json:"latency"`
	Details   map[string]string `json:"details,omitempty"`
}

// Principal is the tenant identity resolved by upstream authentication
type Principal struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}
