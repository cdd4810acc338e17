package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/engramkit/engram/consolidate"
	"github.com/engramkit/engram/graph"
	"github.com/engramkit/engram/prefs"
	"github.com/engramkit/engram/snapshot"
	"github.com/rs/zerolog"
)

// memBackend is an in-memory snapshot backend for tests.
type memBackend struct {
	mu     sync.Mutex
	graphs map[string]*graph.Graph
	saves  int
}

func newMemBackend() *memBackend {
	return &memBackend{graphs: make(map[string]*graph.Graph)}
}

func (b *memBackend) Save(_ context.Context, agentID string, g *graph.Graph) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.graphs[agentID] = g.Clone()
	b.saves++
	return nil
}

func (b *memBackend) Load(_ context.Context, agentID string) (*graph.Graph, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.graphs[agentID]
	if !ok {
		return nil, snapshot.ErrNotFound
	}
	return g.Clone(), nil
}

func newTestRegistry(backend snapshot.Backend) *Registry {
	engine := consolidate.NewEngine(zerolog.Nop())
	return NewRegistry(engine, backend, zerolog.Nop())
}

func seedNode(t *testing.T, w *Worker, id string, relevance float64) {
	t.Helper()
	err := w.Do(context.Background(), func(g *graph.Graph) error {
		created := time.Now().Add(-48 * time.Hour)
		return g.AddNode(graph.Node{
			ID: id, Type: graph.NodeTypeFact, Content: "content for " + id,
			Relevance: relevance, CreatedAt: created, LastAccessed: created,
		})
	})
	if err != nil {
		t.Fatalf("seed node %s: %v", id, err)
	}
}

// waitGone polls until the registry no longer reports a live worker.
func waitGone(t *testing.T, r *Registry, agentID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !r.Has(agentID) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("worker for %q still registered", agentID)
}

func TestStartIsIdempotent(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()

	w1, err := r.Start(ctx, "a1", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	w2, err := r.Start(ctx, "a1", StartOptions{})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if w1 != w2 {
		t.Fatal("second Start returned a different worker")
	}
	if r.Count() != 1 {
		t.Fatalf("count: got %d, want 1", r.Count())
	}
}

func TestStartRejectsEmptyIDAndBadTier(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()

	if _, err := r.Start(ctx, "", StartOptions{}); err == nil {
		t.Fatal("expected error for empty agent id")
	}
	if _, err := r.Start(ctx, "a1", StartOptions{Tier: prefs.Tier("bogus")}); err == nil {
		t.Fatal("expected error for invalid tier")
	}
}

func TestConcurrentStartsResolveToOneWorker(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()

	const callers = 16
	workers := make([]*Worker, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := r.Start(ctx, "a1", StartOptions{})
			if err != nil {
				t.Errorf("Start %d: %v", i, err)
				return
			}
			workers[i] = w
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if workers[i] != workers[0] {
			t.Fatal("concurrent Start returned distinct workers")
		}
	}
	if r.Count() != 1 {
		t.Fatalf("count: got %d, want 1", r.Count())
	}
}

func TestGetAndStopLifecycle(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()

	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	w, err := r.Start(ctx, "a1", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, err := r.Get("a1")
	if err != nil || got != w {
		t.Fatalf("Get: %v, %v", got, err)
	}

	if err := r.Stop("a1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-w.Done()
	waitGone(t, r, "a1")

	if _, err := r.Get("a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after stop, got %v", err)
	}
	if err := r.Stop("a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double stop, got %v", err)
	}
}

func TestStartReplacesDeadWorker(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()

	w1, err := r.Start(ctx, "a1", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	w1.shutdown()
	<-w1.Done()

	// A start issued while the dead entry may still be present must come
	// back with a fresh, usable worker.
	w2, err := r.Start(ctx, "a1", StartOptions{})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if w2 == w1 {
		t.Fatal("restart returned the dead worker")
	}
	if !w2.Alive() {
		t.Fatal("restarted worker not alive")
	}
	if _, err := w2.Stats(ctx); err != nil {
		t.Fatalf("Stats on restarted worker: %v", err)
	}
}

func TestListAndHas(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()

	for _, id := range []string{"beta", "alpha"} {
		if _, err := r.Start(ctx, id, StartOptions{}); err != nil {
			t.Fatalf("Start(%s): %v", id, err)
		}
	}

	ids := r.List()
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Fatalf("List: %v", ids)
	}
	if !r.Has("alpha") || r.Has("gamma") {
		t.Fatal("Has gave wrong answers")
	}
}

func TestStopAllWaitsForWorkers(t *testing.T) {
	backend := newMemBackend()
	r := newTestRegistry(backend)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2"} {
		w, err := r.Start(ctx, id, StartOptions{})
		if err != nil {
			t.Fatalf("Start(%s): %v", id, err)
		}
		seedNode(t, w, "n", 0.5)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.StopAll(stopCtx)

	// Both workers wrote their final snapshot before StopAll returned.
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.saves != 2 {
		t.Fatalf("expected 2 snapshot saves, got %d", backend.saves)
	}
}

func TestGraphRestoredFromSnapshot(t *testing.T) {
	backend := newMemBackend()
	r := newTestRegistry(backend)
	ctx := context.Background()

	w1, err := r.Start(ctx, "a1", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	seedNode(t, w1, "persisted", 0.8)
	if err := r.Stop("a1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-w1.Done()
	waitGone(t, r, "a1")

	w2, err := r.Start(ctx, "a1", StartOptions{})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	g, err := w2.SnapshotGraph(ctx)
	if err != nil {
		t.Fatalf("SnapshotGraph: %v", err)
	}
	if n, ok := g.Nodes["persisted"]; !ok || n.Relevance != 0.8 {
		t.Fatalf("graph not restored from snapshot: %+v", g.Nodes)
	}
}
