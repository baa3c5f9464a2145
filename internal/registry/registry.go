// Package registry owns the per-tenant set of registered databases and one bounded
// connection pool per active database.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/config"
	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/source"
)

// ConnectionStore is the durable store of connection records
type ConnectionStore interface {
	Create(ctx context.Context, conn *model.DatabaseConnection) error
	Update(ctx context.Context, conn *model.DatabaseConnection) error
	Deactivate(ctx context.Context, tenantID string, id uuid.UUID) error
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*model.DatabaseConnection, error)
	// ListActive returns the tenant's active connections, restricted to ids when non-empty
	ListActive(ctx context.Context, tenantID string, ids []uuid.UUID) ([]model.DatabaseConnection, error)
}

// Vault encrypts connection secrets at rest
type Vault interface {
	Encrypt(plaintext string) ([]byte, []byte, error)
	Decrypt(ciphertext, nonce []byte) (string, error)
}

type Options struct {
	MaxSessions       int
	AcquireTimeout    time.Duration
	ConnectAttempts   int
	ConnectBackoff    time.Duration
	ConnectTimeout    time.Duration
	DegradedThreshold int
	IdleTimeout       time.Duration
	HealthInterval    time.Duration
	SchemaTTL         time.Duration
}

// OptionsFromConfig maps the pool section of the service configuration
func OptionsFromConfig(cfg config.PoolConfig) Options {
	return Options{
		MaxSessions:       cfg.MaxSessions,
		AcquireTimeout:    cfg.AcquireTimeout,
		ConnectAttempts:   cfg.ConnectAttempts,
		ConnectBackoff:    200 * time.Millisecond,
		ConnectTimeout:    cfg.AcquireTimeout,
		DegradedThreshold: cfg.DegradedThreshold,
		IdleTimeout:       cfg.IdleTimeout,
		HealthInterval:    cfg.HealthInterval,
		SchemaTTL:         cfg.SchemaTTL,
	}
}

func (o *Options) setDefaults() {
	if o.MaxSessions <= 0 {
		o.MaxSessions = 5
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 3 * time.Second
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 1
	}
	if o.DegradedThreshold <= 0 {
		o.DegradedThreshold = 3
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.SchemaTTL <= 0 {
		o.SchemaTTL = 10 * time.Minute
	}
}

// Registry is the Connection Registry & Pool Manager. It is safe for concurrent use.
type Registry struct {
	store   ConnectionStore
	vault   Vault
	factory source.Factory
	opts    Options
	now     func() time.Time

	mu      sync.RWMutex
	pools   map[uuid.UUID]*pool
	connect singleflight.Group

	healthMu sync.Mutex
	health   map[uuid.UUID]*healthState

	schemaMu sync.Mutex
	schemas  map[uuid.UUID]schemaEntry

	stopOnce  sync.Once
	stop      chan struct{}
	monitorMu sync.Mutex
	done      chan struct{} // set once the health monitor runs
}

// New creates a registry. A nil factory selects source.Open.
func New(store ConnectionStore, vault Vault, factory source.Factory, opts Options) *Registry {
	opts.setDefaults()
	if factory == nil {
		factory = source.Open
	}
	return &Registry{
		store:   store,
		vault:   vault,
		factory: factory,
		opts:    opts,
		now:     time.Now,
		pools:   make(map[uuid.UUID]*pool),
		health:  make(map[uuid.UUID]*healthState),
		schemas: make(map[uuid.UUID]schemaEntry),
		stop:    make(chan struct{}),
	}
}

// ResolveTargets returns the tenant's active connections matching ids, or all of them
// when ids is empty. The result is ordered by connection id.
func (r *Registry) ResolveTargets(ctx context.Context, tenantID string, ids []uuid.UUID) ([]model.DatabaseConnection, error) {
	if tenantID == "" {
		return nil, apperr.InvalidRequest("tenant id is required")
	}

	conns, err := r.store.ListActive(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}

	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	targets := make([]model.DatabaseConnection, 0, len(conns))
	seen := make(map[uuid.UUID]bool, len(conns))
	for _, c := range conns {
		if c.TenantID != tenantID || !c.Active || seen[c.ID] {
			continue
		}
		if len(wanted) > 0 && !wanted[c.ID] {
			continue
		}
		seen[c.ID] = true
		targets = append(targets, c)
	}
	if len(targets) == 0 {
		return nil, apperr.NoTargets(tenantID)
	}

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].ID.String() < targets[j].ID.String()
	})
	return targets, nil
}

// Get returns one connection of the tenant
func (r *Registry) Get(ctx context.Context, tenantID string, id uuid.UUID) (*model.DatabaseConnection, error) {
	conn, err := r.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if conn.TenantID != tenantID {
		return nil, apperr.NotFound("database connection")
	}
	return conn, nil
}

// List returns the tenant's active connections
func (r *Registry) List(ctx context.Context, tenantID string) ([]model.DatabaseConnection, error) {
	return r.store.ListActive(ctx, tenantID, nil)
}

// Register encrypts the password and persists a new active connection
func (r *Registry) Register(ctx context.Context, tenantID string, in model.ConnectionInput) (*model.DatabaseConnection, error) {
	if tenantID == "" {
		return nil, apperr.InvalidRequest("tenant id is required")
	}
	if in.Engine == "" {
		in.Engine = model.EngineMySQL
	}
	if err := validateInput(in, true); err != nil {
		return nil, err
	}

	ciphertext, nonce, err := r.vault.Encrypt(in.Password)
	if err != nil {
		return nil, apperr.New(apperr.CodeInternal, "failed to encrypt credentials", err)
	}

	now := r.now().UTC()
	conn := &model.DatabaseConnection{
		ID:                uuid.New(),
		TenantID:          tenantID,
		Name:              strings.TrimSpace(in.Name),
		Engine:            in.Engine,
		Host:              strings.TrimSpace(in.Host),
		Port:              in.Port,
		DatabaseName:      in.DatabaseName,
		Username:          in.Username,
		EncryptedPassword: ciphertext,
		PasswordNonce:     nonce,
		TLS:               in.TLS,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.store.Create(ctx, conn); err != nil {
		return nil, err
	}

	log.Info().Str("connection_id", conn.ID.String()).Str("tenant_id", tenantID).Str("engine", string(conn.Engine)).Msg("Database connection registered")
	return conn, nil
}

// UpdateCredentials applies the non-empty fields of in, re-encrypting the password when
// given, and evicts the live pool so the next acquire reconnects.
func (r *Registry) UpdateCredentials(ctx context.Context, tenantID string, id uuid.UUID, in model.ConnectionInput) (*model.DatabaseConnection, error) {
	conn, err := r.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !conn.Active {
		return nil, apperr.NotFound("database connection")
	}
	if err := validateInput(in, false); err != nil {
		return nil, err
	}

	if in.Name != "" {
		conn.Name = strings.TrimSpace(in.Name)
	}
	if in.Engine != "" {
		conn.Engine = in.Engine
	}
	if in.Host != "" {
		conn.Host = strings.TrimSpace(in.Host)
	}
	if in.Port != 0 {
		conn.Port = in.Port
	}
	if in.DatabaseName != "" {
		conn.DatabaseName = in.DatabaseName
	}
	if in.Username != "" {
		conn.Username = in.Username
	}
	conn.TLS = in.TLS
	if in.Password != "" {
		ciphertext, nonce, err := r.vault.Encrypt(in.Password)
		if err != nil {
			return nil, apperr.New(apperr.CodeInternal, "failed to encrypt credentials", err)
		}
		conn.EncryptedPassword = ciphertext
		conn.PasswordNonce = nonce
	}
	conn.UpdatedAt = r.now().UTC()

	if err := r.store.Update(ctx, conn); err != nil {
		return nil, err
	}
	r.evict(id, "credentials updated")
	return conn, nil
}

// Deactivate soft-deletes a connection and tears its pool down
func (r *Registry) Deactivate(ctx context.Context, tenantID string, id uuid.UUID) error {
	if _, err := r.Get(ctx, tenantID, id); err != nil {
		return err
	}
	if err := r.store.Deactivate(ctx, tenantID, id); err != nil {
		return err
	}
	r.evict(id, "deactivated")
	log.Info().Str("connection_id", id.String()).Str("tenant_id", tenantID).Msg("Database connection deactivated")
	return nil
}

func validateInput(in model.ConnectionInput, create bool) error {
	if in.Engine != "" && !in.Engine.Valid() {
		return apperr.InvalidRequest("unsupported engine %q", in.Engine)
	}
	if in.Port < 0 || in.Port > 65535 {
		return apperr.InvalidRequest("port %d out of range", in.Port)
	}
	if !create {
		return nil
	}
	switch {
	case strings.TrimSpace(in.Name) == "":
		return apperr.InvalidRequest("name is required")
	case strings.TrimSpace(in.Host) == "":
		return apperr.InvalidRequest("host is required")
	case in.Port == 0:
		return apperr.InvalidRequest("port is required")
	case in.DatabaseName == "":
		return apperr.InvalidRequest("database name is required")
	case in.Username == "":
		return apperr.InvalidRequest("username is required")
	}
	return nil
}

// Close stops the health monitor and tears every pool down
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.monitorMu.Lock()
	done := r.done
	r.monitorMu.Unlock()
	if done != nil {
		<-done
	}

	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[uuid.UUID]*pool)
	r.mu.Unlock()

	for _, p := range pools {
		p.retire()
	}
	r.updatePoolGauge()
	log.Info().Int("pools", len(pools)).Msg("Connection registry closed")
}
