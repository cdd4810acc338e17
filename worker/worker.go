// Package worker gives every agent one long-lived goroutine that
// exclusively owns that agent's knowledge graph and preference record.
// All mutations are serialized through the worker's request loop, making
// each consolidation cycle atomic with respect to the agent's own state
// while leaving other agents fully concurrent. The Registry maps agent
// ids to live workers and tolerates entries pointing at dead ones.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/engramkit/engram/consolidate"
	"github.com/engramkit/engram/graph"
	"github.com/engramkit/engram/prefs"
	"github.com/engramkit/engram/snapshot"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when no live worker exists for an agent.
	ErrNotFound = errors.New("agent worker not found")
	// ErrStopped is returned when a request races with worker shutdown.
	ErrStopped = errors.New("agent worker stopped")
)

// state is the worker-owned mutable state. It is only ever touched from
// the request loop goroutine, so it needs no lock.
type state struct {
	graph             *graph.Graph
	prefs             prefs.Preferences
	tier              prefs.Tier
	baseOpts          consolidate.Options
	lastConsolidation time.Time
}

type response struct {
	value any
	err   error
}

type request struct {
	name  string
	fn    func(s *state) (any, error)
	reply chan response
}

// Worker owns one agent's graph. Create workers through Registry.Start.
type Worker struct {
	agentID string
	engine  *consolidate.Engine
	backend snapshot.Backend // optional
	logger  zerolog.Logger

	requests chan request
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newWorker(agentID string, st *state, engine *consolidate.Engine, backend snapshot.Backend, logger zerolog.Logger) *Worker {
	return &Worker{
		agentID:  agentID,
		engine:   engine,
		backend:  backend,
		logger:   logger.With().Str("component", "worker").Str("agent_id", agentID).Logger(),
		requests: make(chan request),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// AgentID returns the owning agent's id.
func (w *Worker) AgentID() string { return w.agentID }

// Alive reports whether the worker's loop is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Done is closed when the worker's loop has exited. The registry's
// reclaimer waits on it.
func (w *Worker) Done() <-chan struct{} { return w.done }

// run is the request loop. st is owned by this goroutine exclusively.
func (w *Worker) run(st *state) {
	defer close(w.done)
	w.logger.Info().Msg("worker started")

	for {
		select {
		case <-w.stopCh:
			w.saveSnapshot(st)
			w.logger.Info().Msg("worker stopped")
			return
		case req := <-w.requests:
			req.reply <- w.handle(st, req)
		}
	}
}

// handle executes one request, converting a panic inside the request into
// an error reply. The loop survives; one bad request must not take down
// the agent's worker, and nothing here may propagate to other agents.
func (w *Worker) handle(st *state, req request) (resp response) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("request", req.name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic in worker request")
			resp = response{err: fmt.Errorf("worker request %q panicked: %v", req.name, r)}
		}
	}()
	value, err := req.fn(st)
	return response{value: value, err: err}
}

// submit runs fn on the worker loop and waits for the reply.
func (w *Worker) submit(ctx context.Context, name string, fn func(s *state) (any, error)) (any, error) {
	req := request{name: name, fn: fn, reply: make(chan response, 1)}
	select {
	case w.requests <- req:
	case <-w.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp.value, resp.err
	case <-w.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shutdown asks the loop to exit. Idempotent; returns immediately. The
// registry entry is reclaimed asynchronously once the loop is gone.
func (w *Worker) shutdown() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) saveSnapshot(st *state) {
	if w.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.backend.Save(ctx, w.agentID, st.graph); err != nil {
		// Degraded mode: the worker state stays in memory only.
		w.logger.Warn().Err(err).Msg("snapshot save failed on shutdown")
	}
}

// Do runs fn against the agent's graph on the worker loop. fn may mutate
// the graph freely; it must not retain references past its return. This
// is the hook external memory stores use for insertion, access tracking
// and linking.
func (w *Worker) Do(ctx context.Context, fn func(g *graph.Graph) error) error {
	_, err := w.submit(ctx, "do", func(s *state) (any, error) {
		return nil, fn(s.graph)
	})
	return err
}

// Stats returns aggregate statistics for the agent's graph.
func (w *Worker) Stats(ctx context.Context) (graph.Stats, error) {
	v, err := w.submit(ctx, "stats", func(s *state) (any, error) {
		return graph.ComputeStats(s.graph), nil
	})
	if err != nil {
		return graph.Stats{}, err
	}
	return v.(graph.Stats), nil
}

// SnapshotGraph returns a deep copy of the agent's graph.
func (w *Worker) SnapshotGraph(ctx context.Context) (*graph.Graph, error) {
	v, err := w.submit(ctx, "snapshot_graph", func(s *state) (any, error) {
		return s.graph.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*graph.Graph), nil
}

// Consolidate runs one maintenance cycle on the worker loop. Options are
// derived from the agent's preferences; a non-nil override replaces them
// wholesale for this cycle. The caller blocks until the cycle completes.
func (w *Worker) Consolidate(ctx context.Context, override *consolidate.Options) (consolidate.Metrics, error) {
	v, err := w.submit(ctx, "consolidate", func(s *state) (any, error) {
		opts := s.baseOpts.ApplyPreferences(s.prefs)
		if override != nil {
			opts = *override
		}
		next, metrics, err := w.engine.Run(ctx, w.agentID, s.graph, opts)
		if err != nil {
			return consolidate.Metrics{}, err
		}
		s.graph = next
		s.lastConsolidation = time.Now()
		return metrics, nil
	})
	if err != nil {
		return consolidate.Metrics{}, err
	}
	return v.(consolidate.Metrics), nil
}

// ConsolidateIfDue runs a cycle only when the scheduling decision says one
// is due. The boolean reports whether a cycle ran.
func (w *Worker) ConsolidateIfDue(ctx context.Context) (consolidate.Metrics, bool, error) {
	type result struct {
		metrics consolidate.Metrics
		ran     bool
	}
	v, err := w.submit(ctx, "consolidate_if_due", func(s *state) (any, error) {
		opts := s.baseOpts.ApplyPreferences(s.prefs)
		if !consolidate.ShouldConsolidate(s.graph, s.lastConsolidation, opts) {
			return result{}, nil
		}
		next, metrics, err := w.engine.Run(ctx, w.agentID, s.graph, opts)
		if err != nil {
			return result{}, err
		}
		s.graph = next
		s.lastConsolidation = time.Now()
		return result{metrics: metrics, ran: true}, nil
	})
	if err != nil {
		return consolidate.Metrics{}, false, err
	}
	r := v.(result)
	return r.metrics, r.ran, nil
}

// Preview reports what a cycle would remove, without mutating anything.
func (w *Worker) Preview(ctx context.Context) (consolidate.PreviewReport, error) {
	v, err := w.submit(ctx, "preview", func(s *state) (any, error) {
		return consolidate.Preview(s.graph, s.baseOpts.ApplyPreferences(s.prefs)), nil
	})
	if err != nil {
		return consolidate.PreviewReport{}, err
	}
	return v.(consolidate.PreviewReport), nil
}

// AdjustPreference applies a validated preference change under the
// worker's trust tier.
func (w *Worker) AdjustPreference(ctx context.Context, param prefs.Param, value prefs.AdjustValue) error {
	_, err := w.submit(ctx, "adjust_preference", func(s *state) (any, error) {
		next, err := prefs.Adjust(s.prefs, param, value, s.tier)
		if err != nil {
			return nil, err
		}
		s.prefs = next
		return nil, nil
	})
	return err
}

// PinMemory pins a node id so consolidation never decays, prunes or
// evicts it.
func (w *Worker) PinMemory(ctx context.Context, id string) error {
	_, err := w.submit(ctx, "pin_memory", func(s *state) (any, error) {
		next, err := prefs.Pin(s.prefs, id, s.tier)
		if err != nil {
			return nil, err
		}
		s.prefs = next
		return nil, nil
	})
	return err
}

// UnpinMemory removes a pin unconditionally.
func (w *Worker) UnpinMemory(ctx context.Context, id string) error {
	_, err := w.submit(ctx, "unpin_memory", func(s *state) (any, error) {
		s.prefs = prefs.Unpin(s.prefs, id)
		// Materialized pin flags from earlier cycles are cleared so the
		// node becomes subject to decay again.
		if n, ok := s.graph.Nodes[id]; ok {
			n.Pinned = false
		}
		return nil, nil
	})
	return err
}

// Introspect reports the agent's current preferences and tier bounds.
func (w *Worker) Introspect(ctx context.Context) (prefs.Introspection, error) {
	v, err := w.submit(ctx, "introspect", func(s *state) (any, error) {
		return prefs.Introspect(s.prefs, s.tier)
	})
	if err != nil {
		return prefs.Introspection{}, err
	}
	return v.(prefs.Introspection), nil
}

// Preferences returns a copy of the agent's current preference record.
func (w *Worker) Preferences(ctx context.Context) (prefs.Preferences, error) {
	v, err := w.submit(ctx, "preferences", func(s *state) (any, error) {
		return s.prefs, nil
	})
	if err != nil {
		return prefs.Preferences{}, err
	}
	return v.(prefs.Preferences), nil
}
