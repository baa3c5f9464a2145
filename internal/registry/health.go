package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/federated-search-service/internal/model"
	"github.com/teresa-solution/federated-search-service/internal/monitoring"
)

type healthState struct {
	conn      model.DatabaseConnection
	failures  int
	degraded  bool
	lastErr   error
	lastCheck time.Time
}

// IsDegraded reports whether a connection is excluded from fan-out
func (r *Registry) IsDegraded(id uuid.UUID) bool {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	h, ok := r.health[id]
	return ok && h.degraded
}

func (r *Registry) recordFailure(conn model.DatabaseConnection, err error) {
	r.healthMu.Lock()
	h, ok := r.health[conn.ID]
	if !ok {
		h = &healthState{}
		r.health[conn.ID] = h
	}
	h.conn = conn
	h.failures++
	h.lastErr = err
	h.lastCheck = r.now()
	becameDegraded := !h.degraded && h.failures >= r.opts.DegradedThreshold
	if becameDegraded {
		h.degraded = true
	}
	failures := h.failures
	r.healthMu.Unlock()

	if becameDegraded {
		monitoring.ConnectionDegraded(conn.ID.String(), conn.TenantID, failures, err)
	}
}

func (r *Registry) recordSuccess(id uuid.UUID) {
	r.healthMu.Lock()
	h, ok := r.health[id]
	delete(r.health, id)
	r.healthMu.Unlock()

	if ok && h.degraded {
		log.Info().Str("connection_id", id.String()).Str("tenant_id", h.conn.TenantID).Msg("Degraded connection recovered")
	}
}

// StartHealthChecks runs the health monitor until ctx is done or Close is called.
// Only the first call starts it.
func (r *Registry) StartHealthChecks(ctx context.Context) {
	r.monitorMu.Lock()
	defer r.monitorMu.Unlock()
	if r.done != nil {
		log.Warn().Msg("Connection health monitor already running")
		return
	}
	select {
	case <-r.stop:
		return
	default:
	}

	done := make(chan struct{})
	r.done = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.opts.HealthInterval)
		defer ticker.Stop()

		log.Info().Dur("interval", r.opts.HealthInterval).Msg("Connection health monitor started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.CheckHealth(ctx)
			}
		}
	}()
}

// CheckHealth runs one pass of the health monitor: idle pools are evicted, live pools are
// pinged, and degraded connections without a pool get a fresh probe so they can recover.
func (r *Registry) CheckHealth(ctx context.Context) {
	now := r.now()

	// connections degraded during this pass are probed on the next one
	r.healthMu.Lock()
	var degraded []model.DatabaseConnection
	for _, h := range r.health {
		if h.degraded {
			degraded = append(degraded, h.conn)
		}
	}
	r.healthMu.Unlock()

	r.mu.RLock()
	pools := make([]*pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	for _, p := range pools {
		if r.opts.IdleTimeout > 0 && p.idleSince(now.Add(-r.opts.IdleTimeout)) {
			r.evictPool(p.conn.ID, "idle")
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, r.opts.AcquireTimeout)
		err := p.src.Ping(pctx)
		cancel()
		if err == nil {
			r.recordSuccess(p.conn.ID)
			continue
		}

		log.Warn().Err(err).Str("connection_id", p.conn.ID.String()).Str("tenant_id", p.conn.TenantID).Msg("Health check failed")
		r.recordFailure(p.conn, err)
		if r.IsDegraded(p.conn.ID) {
			r.evictPool(p.conn.ID, "degraded")
		}
	}

	for _, conn := range degraded {
		r.mu.RLock()
		_, live := r.pools[conn.ID]
		r.mu.RUnlock()
		if live {
			continue
		}
		if err := r.probe(ctx, conn); err != nil {
			r.recordFailure(conn, err)
			continue
		}
		r.recordSuccess(conn.ID)
	}
}

// probe opens a single-session source, pings it and closes it again
func (r *Registry) probe(ctx context.Context, conn model.DatabaseConnection) error {
	pctx, cancel := context.WithTimeout(ctx, r.opts.AcquireTimeout)
	defer cancel()

	src, err := r.openSource(pctx, conn, 1, 1)
	if err != nil {
		return err
	}
	defer src.Close()
	return src.Ping(pctx)
}

// TestConnection probes liveness on a throwaway single-session source so no pool slot is
// consumed. A successful probe clears the degraded state.
func (r *Registry) TestConnection(ctx context.Context, conn model.DatabaseConnection) *model.ConnectionTestResult {
	start := r.now()
	err := r.probe(ctx, conn)
	result := &model.ConnectionTestResult{
		Connected: err == nil,
		Latency:   r.now().Sub(start),
		Details:   r.Stats(conn.ID),
	}

	if err != nil {
		result.Message = err.Error()
		log.Warn().Err(err).Str("connection_id", conn.ID.String()).Str("tenant_id", conn.TenantID).Msg("Connection test failed")
		return result
	}

	r.recordSuccess(conn.ID)
	result.Message = "connection successful"
	return result
}
