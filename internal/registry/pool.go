package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/monitoring"
	"github.com/teresa-solution/federated-search-service/internal/source"
)

var errPoolRetired = errors.New("pool retired")

// pool is the runtime handle of one live database pool. Session slots are bounded by a
// weighted semaphore; a retired pool closes its source once the last session is back.
type pool struct {
	conn    model.DatabaseConnection
	src     source.Source
	slots   *semaphore.Weighted
	created time.Time

	mu       sync.Mutex
	inUse    int
	lastUsed time.Time
	retired  bool
	closed   bool
}

func newPool(conn model.DatabaseConnection, src source.Source, slots int, now time.Time) *pool {
	return &pool{
		conn:     conn,
		src:      src,
		slots:    semaphore.NewWeighted(int64(slots)),
		created:  now,
		lastUsed: now,
	}
}

func (p *pool) checkout(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.inUse++
	p.lastUsed = now
	return true
}

func (p *pool) checkin(now time.Time) {
	p.mu.Lock()
	p.inUse--
	p.lastUsed = now
	closeNow := p.retired && p.inUse == 0 && !p.closed
	if closeNow {
		p.closed = true
	}
	p.mu.Unlock()

	p.slots.Release(1)
	if closeNow {
		p.src.Close()
	}
}

func (p *pool) retire() {
	p.mu.Lock()
	p.retired = true
	closeNow := p.inUse == 0 && !p.closed
	if closeNow {
		p.closed = true
	}
	p.mu.Unlock()

	if closeNow {
		p.src.Close()
	}
}

// idleSince reports whether the pool has had no session out since before cutoff
func (p *pool) idleSince(cutoff time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse == 0 && p.lastUsed.Before(cutoff)
}

func (p *pool) sessionsInUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// PooledSession is one checked-out slot of a connection pool
type PooledSession struct {
	ConnectionID uuid.UUID
	src          source.Source
	once         sync.Once
	release      func()
}

func (s *PooledSession) Search(ctx context.Context, q source.Query) ([]source.Hit, error) {
	return s.src.Search(ctx, q)
}

func (s *PooledSession) DiscoverSchema(ctx context.Context) ([]model.TableSchema, error) {
	return s.src.DiscoverSchema(ctx)
}

func (s *PooledSession) Ping(ctx context.Context) error {
	return s.src.Ping(ctx)
}

// Release returns the slot to its pool. Safe to call more than once and on nil.
func (s *PooledSession) Release() {
	if s == nil || s.release == nil {
		return
	}
	s.once.Do(s.release)
}

// Acquire checks a session out of the connection's pool, creating the pool on first use.
// It blocks up to the acquire timeout when every slot is taken.
func (r *Registry) Acquire(ctx context.Context, conn model.DatabaseConnection) (*PooledSession, error) {
	for attempt := 0; attempt < 2; attempt++ {
		p, err := r.poolFor(ctx, conn)
		if err != nil {
			return nil, err
		}

		actx, cancel := context.WithTimeout(ctx, r.opts.AcquireTimeout)
		err = p.slots.Acquire(actx, 1)
		cancel()
		if err != nil {
			return nil, apperr.ConnectionUnavailable(conn.ID.String(),
				fmt.Errorf("no free session within %s: %w", r.opts.AcquireTimeout, err))
		}

		if !p.checkout(r.now()) {
			// retired and closed between lookup and checkout; retry on a fresh pool
			p.slots.Release(1)
			continue
		}

		return &PooledSession{
			ConnectionID: conn.ID,
			src:          p.src,
			release:      func() { p.checkin(r.now()) },
		}, nil
	}
	return nil, apperr.ConnectionUnavailable(conn.ID.String(), errPoolRetired)
}

// poolFor returns the live pool of a connection, connecting once per id concurrently
func (r *Registry) poolFor(ctx context.Context, conn model.DatabaseConnection) (*pool, error) {
	r.mu.RLock()
	p, ok := r.pools[conn.ID]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	// shared by every concurrent caller and detached from ctx
	ch := r.connect.DoChan(conn.ID.String(), func() (interface{}, error) {
		r.mu.RLock()
		existing, ok := r.pools[conn.ID]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		cctx, cancel := r.connectContext(ctx)
		defer cancel()
		src, err := r.openSource(cctx, conn, r.opts.MaxSessions, r.opts.ConnectAttempts)
		if err != nil {
			r.recordFailure(conn, err)
			return nil, apperr.ConnectionUnavailable(conn.ID.String(), err)
		}
		r.recordSuccess(conn.ID)

		created := newPool(conn, src, r.opts.MaxSessions, r.now())
		r.mu.Lock()
		r.pools[conn.ID] = created
		r.mu.Unlock()
		r.updatePoolGauge()

		log.Info().Str("connection_id", conn.ID.String()).Str("tenant_id", conn.TenantID).Int("max_sessions", r.opts.MaxSessions).Msg("Connection pool created")
		return created, nil
	})

	select {
	case <-ctx.Done():
		return nil, apperr.ConnectionUnavailable(conn.ID.String(), ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*pool), nil
	}
}

// connectContext detaches a shared connect from its caller and bounds it by the
// connect timeout of every attempt plus the backoff between them
func (r *Registry) connectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if r.opts.ConnectTimeout <= 0 {
		return context.WithCancel(detached)
	}
	n := r.opts.ConnectAttempts
	budget := time.Duration(n)*r.opts.ConnectTimeout + time.Duration(n*(n-1)/2)*r.opts.ConnectBackoff
	return context.WithTimeout(detached, budget)
}

// openSource decrypts the secret and connects, retrying with linear backoff
func (r *Registry) openSource(ctx context.Context, conn model.DatabaseConnection, maxConns, attempts int) (source.Source, error) {
	password, err := r.vault.Decrypt(conn.EncryptedPassword, conn.PasswordNonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	opts := source.Options{
		MaxConns:       maxConns,
		ConnectTimeout: r.opts.ConnectTimeout,
		IdleTimeout:    r.opts.IdleTimeout,
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		src, err := r.factory(ctx, conn, password, opts)
		if err == nil {
			return src, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("connection_id", conn.ID.String()).Int("attempt", attempt).Msg("Failed to connect to database")

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.opts.ConnectBackoff * time.Duration(attempt)):
		}
	}
	return nil, fmt.Errorf("unreachable after %d attempts: %w", attempts, lastErr)
}

// evict drops the live pool, schema cache entry and health state of a connection
func (r *Registry) evict(id uuid.UUID, reason string) {
	r.evictPool(id, reason)
	r.invalidateSchema(id)
	r.healthMu.Lock()
	delete(r.health, id)
	r.healthMu.Unlock()
}

func (r *Registry) evictPool(id uuid.UUID, reason string) {
	r.mu.Lock()
	p, ok := r.pools[id]
	delete(r.pools, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	p.retire()
	r.updatePoolGauge()
	log.Info().Str("connection_id", id.String()).Str("reason", reason).Msg("Connection pool evicted")
}

func (r *Registry) updatePoolGauge() {
	r.mu.RLock()
	n := len(r.pools)
	r.mu.RUnlock()
	monitoring.PoolsActive.Set(float64(n))
}

// Stats returns the live pool statistics of a connection, nil when no pool exists
func (r *Registry) Stats(id uuid.UUID) map[string]string {
	r.mu.RLock()
	p, ok := r.pools[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	stats := p.src.Stats()
	if stats == nil {
		stats = make(map[string]string)
	}
	stats["sessions_in_use"] = fmt.Sprint(p.sessionsInUse())
	stats["max_sessions"] = fmt.Sprint(r.opts.MaxSessions)
	stats["pool_age"] = r.now().Sub(p.created).Round(time.Second).String()
	return stats
}
