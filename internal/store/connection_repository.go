package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/model"
)

const connectionColumns = `id, tenant_id, name, engine, host, port, database_name, username,
	encrypted_password, password_nonce, tls, active, created_at, updated_at`

type ConnectionRepository struct {
	db *sql.DB
}

func NewConnectionRepository(db *sql.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

func (r *ConnectionRepository) Create(ctx context.Context, conn *model.DatabaseConnection) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
		conn.UpdatedAt = conn.CreatedAt
	}

	query := `INSERT INTO database_connections (` + connectionColumns + `)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.db.ExecContext(ctx, query, conn.ID, conn.TenantID, conn.Name, string(conn.Engine), conn.Host, conn.Port,
		conn.DatabaseName, conn.Username, conn.EncryptedPassword, conn.PasswordNonce, conn.TLS, conn.Active,
		conn.CreatedAt, conn.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.InvalidRequest("a connection named %q already exists", conn.Name)
	}
	return err
}

func (r *ConnectionRepository) Update(ctx context.Context, conn *model.DatabaseConnection) error {
	query := `UPDATE database_connections
              SET name = $3, engine = $4, host = $5, port = $6, database_name = $7, username = $8,
                  encrypted_password = $9, password_nonce = $10, tls = $11, updated_at = $12
              WHERE id = $1 AND tenant_id = $2 AND active`
	res, err := r.db.ExecContext(ctx, query, conn.ID, conn.TenantID, conn.Name, string(conn.Engine), conn.Host, conn.Port,
		conn.DatabaseName, conn.Username, conn.EncryptedPassword, conn.PasswordNonce, conn.TLS, conn.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.InvalidRequest("a connection named %q already exists", conn.Name)
	}
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// Deactivate soft-deletes a connection; rows are never removed
func (r *ConnectionRepository) Deactivate(ctx context.Context, tenantID string, id uuid.UUID) error {
	query := `UPDATE database_connections SET active = false, updated_at = $3
              WHERE id = $1 AND tenant_id = $2 AND active`
	res, err := r.db.ExecContext(ctx, query, id, tenantID, time.Now().UTC())
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (r *ConnectionRepository) Get(ctx context.Context, tenantID string, id uuid.UUID) (*model.DatabaseConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM database_connections WHERE id = $1 AND tenant_id = $2`
	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("database connection")
	}
	return conn, err
}

// ListActive returns the tenant's active connections, restricted to ids when non-empty
func (r *ConnectionRepository) ListActive(ctx context.Context, tenantID string, ids []uuid.UUID) ([]model.DatabaseConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM database_connections
              WHERE tenant_id = $1 AND active`
	args := []interface{}{tenantID}
	if len(ids) > 0 {
		strs := make([]string, len(ids))
		for i, id := range ids {
			strs[i] = id.String()
		}
		query += ` AND id = ANY($2::uuid[])`
		args = append(args, pq.Array(strs))
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []model.DatabaseConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *conn)
	}
	return conns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row rowScanner) (*model.DatabaseConnection, error) {
	conn := &model.DatabaseConnection{}
	var engine string
	err := row.Scan(&conn.ID, &conn.TenantID, &conn.Name, &engine, &conn.Host, &conn.Port, &conn.DatabaseName,
		&conn.Username, &conn.EncryptedPassword, &conn.PasswordNonce, &conn.TLS, &conn.Active,
		&conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	conn.Engine = model.Engine(engine)
	return conn, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("database connection")
	}
	return nil
}
