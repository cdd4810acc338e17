package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/engramkit/engram/consolidate"
	"github.com/engramkit/engram/graph"
	"github.com/engramkit/engram/prefs"
	"github.com/engramkit/engram/snapshot"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Stale-entry reconciliation: when a registry entry points at a worker
// that has already terminated but has not been reclaimed yet, Start waits
// briefly for the reclaimer to catch up before replacing the entry. This
// is a pragmatic bounded retry, not a lock; after the attempt cap the
// start proceeds regardless.
const (
	staleRetryAttempts = 5
	staleRetryInterval = 5 * time.Millisecond
)

// StartOptions configures a new worker. All fields are optional.
type StartOptions struct {
	// Tier is the agent's trust tier. Empty defaults to trusted.
	Tier prefs.Tier
	// Prefs seeds the preference record. Nil creates defaults.
	Prefs *prefs.Preferences
	// GraphConfig applies when a fresh graph is created. Ignored when a
	// snapshot is restored or Graph is supplied.
	GraphConfig *graph.Config
	// Graph seeds the worker's graph directly, bypassing the snapshot
	// backend. Used by tests and migrations.
	Graph *graph.Graph
	// BaseOptions seeds the worker's cycle options before the agent's
	// preferences are overlaid. Nil uses the documented defaults.
	BaseOptions *consolidate.Options
}

// Registry maps agent ids to live workers. It owns only the id-to-handle
// mapping, never the graph contents; every lookup is liveness-checked so
// dead workers read as absent.
type Registry struct {
	engine  *consolidate.Engine
	backend snapshot.Backend // optional
	logger  zerolog.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewRegistry creates a Registry. backend may be nil for in-memory-only
// operation.
func NewRegistry(engine *consolidate.Engine, backend snapshot.Backend, logger zerolog.Logger) *Registry {
	return &Registry{
		engine:  engine,
		backend: backend,
		logger:  logger.With().Str("component", "registry").Logger(),
		workers: make(map[string]*Worker),
	}
}

// Start returns the live worker for agentID, creating one if needed.
// Calling Start for an already-running agent returns the existing handle
// unchanged. Concurrent starts for the same agent resolve to a single
// worker: losers receive the winner's handle, never an error.
func (r *Registry) Start(ctx context.Context, agentID string, opts StartOptions) (*Worker, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is empty")
	}

	if w, ok := r.lookup(agentID); ok {
		return w, nil
	}

	r.awaitStaleEntry(agentID)

	st, err := r.buildState(ctx, agentID, opts)
	if err != nil {
		return nil, err
	}

	w := newWorker(agentID, st, r.engine, r.backend, r.logger)

	r.mu.Lock()
	if existing, ok := r.workers[agentID]; ok && existing.Alive() {
		// Another caller won the creation race; hand back the winner. Our
		// worker never started its loop, so there is nothing to tear down.
		r.mu.Unlock()
		return existing, nil
	}
	r.workers[agentID] = w
	r.mu.Unlock()

	go w.run(st)
	go r.reclaim(agentID, w)

	r.logger.Info().Str("agent_id", agentID).Msg("worker started")
	return w, nil
}

// Get returns the live worker for agentID. An entry pointing at a dead
// worker reads as not found.
func (r *Registry) Get(agentID string) (*Worker, error) {
	if w, ok := r.lookup(agentID); ok {
		return w, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, agentID)
}

// Stop terminates the agent's worker. The registry entry is reclaimed
// asynchronously; it may still be visible as stale briefly after Stop
// returns.
func (r *Registry) Stop(agentID string) error {
	w, ok := r.lookup(agentID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, agentID)
	}
	w.shutdown()
	r.logger.Info().Str("agent_id", agentID).Msg("worker stop requested")
	return nil
}

// StopAll shuts down every live worker and waits for their loops to
// finish, bounded by ctx. Used at daemon shutdown so final snapshots get
// written.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	workers := lo.Values(r.workers)
	r.mu.RUnlock()

	for _, w := range workers {
		w.shutdown()
	}
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			r.logger.Warn().Str("agent_id", w.AgentID()).Msg("timed out waiting for worker shutdown")
			return
		}
	}
}

// Has reports whether a live worker exists for agentID.
func (r *Registry) Has(agentID string) bool {
	_, ok := r.lookup(agentID)
	return ok
}

// List returns the agent ids with live workers, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := lo.FilterMapToSlice(r.workers, func(id string, w *Worker) (string, bool) {
		return id, w.Alive()
	})
	sort.Strings(ids)
	return ids
}

// Count returns the number of live workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.CountBy(lo.Values(r.workers), func(w *Worker) bool {
		return w.Alive()
	})
}

// lookup is the liveness-checked map read every public operation builds on.
func (r *Registry) lookup(agentID string) (*Worker, bool) {
	r.mu.RLock()
	w, ok := r.workers[agentID]
	r.mu.RUnlock()
	if !ok || !w.Alive() {
		return nil, false
	}
	return w, true
}

// awaitStaleEntry waits briefly for a dead worker's entry to be reclaimed.
// The wait is bounded (staleRetryAttempts x staleRetryInterval) and the
// caller always proceeds afterward, replacing the entry if it remains.
func (r *Registry) awaitStaleEntry(agentID string) {
	stale := func() bool {
		r.mu.RLock()
		w, ok := r.workers[agentID]
		r.mu.RUnlock()
		return ok && !w.Alive()
	}
	if !stale() {
		return
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(staleRetryInterval), staleRetryAttempts-1)
	err := backoff.Retry(func() error {
		if stale() {
			return errors.New("stale registry entry not yet reclaimed")
		}
		return nil
	}, policy)
	if err != nil {
		r.logger.Debug().
			Str("agent_id", agentID).
			Msg("stale registry entry persisted past retry cap, replacing it")
	}
}

// reclaim removes the registry entry once the worker's loop exits, unless
// the entry has already been replaced by a newer worker.
func (r *Registry) reclaim(agentID string, w *Worker) {
	<-w.Done()
	r.mu.Lock()
	if current, ok := r.workers[agentID]; ok && current == w {
		delete(r.workers, agentID)
	}
	r.mu.Unlock()
	r.logger.Debug().Str("agent_id", agentID).Msg("worker entry reclaimed")
}

// buildState assembles the worker's initial state: preferences, tier, and
// a graph restored from the snapshot backend when one is configured. A
// backend failure degrades to a fresh in-memory graph rather than failing
// the start.
func (r *Registry) buildState(ctx context.Context, agentID string, opts StartOptions) (*state, error) {
	tier := opts.Tier
	if tier == "" {
		tier = prefs.TierTrusted
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("invalid trust tier: %q", tier)
	}

	p := prefs.New(agentID)
	if opts.Prefs != nil {
		p = *opts.Prefs
	}

	g := opts.Graph
	if g == nil && r.backend != nil {
		loaded, err := r.backend.Load(ctx, agentID)
		switch {
		case err == nil:
			g = loaded
		case errors.Is(err, snapshot.ErrNotFound):
			// First start for this agent.
		default:
			// Degraded mode: run in-memory only.
			r.logger.Warn().Err(err).Str("agent_id", agentID).Msg("snapshot load failed, starting with empty graph")
		}
	}
	if g == nil {
		cfg := graph.Config{MaxNodesPerType: prefs.DefaultTypeQuota}
		if opts.GraphConfig != nil {
			cfg = *opts.GraphConfig
		}
		g = graph.New(cfg)
	}

	baseOpts := consolidate.DefaultOptions()
	if opts.BaseOptions != nil {
		baseOpts = *opts.BaseOptions
	}

	return &state{graph: g, prefs: p, tier: tier, baseOpts: baseOpts}, nil
}
