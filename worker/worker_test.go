package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/engramkit/engram/consolidate"
	"github.com/engramkit/engram/graph"
	"github.com/engramkit/engram/prefs"
)

func startWorker(t *testing.T, opts StartOptions) (*Registry, *Worker) {
	t.Helper()
	r := newTestRegistry(nil)
	w, err := r.Start(context.Background(), "a1", opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.StopAll(stopCtx)
	})
	return r, w
}

func TestDoAndStats(t *testing.T) {
	_, w := startWorker(t, StartOptions{})
	ctx := context.Background()

	seedNode(t, w, "n1", 0.4)
	seedNode(t, w, "n2", 0.6)
	err := w.Do(ctx, func(g *graph.Graph) error {
		return g.Link("n1", "n2", graph.RelSupports)
	})
	if err != nil {
		t.Fatalf("Do link: %v", err)
	}

	stats, err := w.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.NodeCount != 2 || stats.EdgeCount != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestSnapshotGraphIsACopy(t *testing.T) {
	_, w := startWorker(t, StartOptions{})
	ctx := context.Background()
	seedNode(t, w, "n1", 0.5)

	g, err := w.SnapshotGraph(ctx)
	if err != nil {
		t.Fatalf("SnapshotGraph: %v", err)
	}
	g.Nodes["n1"].Relevance = 0.0

	stats, err := w.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.AverageRelevance != 0.5 {
		t.Fatalf("snapshot mutation reached the worker graph: %v", stats.AverageRelevance)
	}
}

func TestPanicInRequestDoesNotKillWorker(t *testing.T) {
	_, w := startWorker(t, StartOptions{})
	ctx := context.Background()

	err := w.Do(ctx, func(*graph.Graph) error {
		panic("request gone wrong")
	})
	if err == nil {
		t.Fatal("expected error from panicking request")
	}

	// The loop survived; later requests work normally.
	if !w.Alive() {
		t.Fatal("worker died after request panic")
	}
	if _, err := w.Stats(ctx); err != nil {
		t.Fatalf("Stats after panic: %v", err)
	}
}

func TestRequestsAfterShutdownFail(t *testing.T) {
	_, w := startWorker(t, StartOptions{})
	w.shutdown()
	<-w.Done()

	err := w.Do(context.Background(), func(*graph.Graph) error { return nil })
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestConsolidateUpdatesWorkerGraph(t *testing.T) {
	_, w := startWorker(t, StartOptions{})
	ctx := context.Background()

	seedNode(t, w, "low", 0.05)
	seedNode(t, w, "high", 0.9)

	metrics, err := w.Consolidate(ctx, nil)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if metrics.PrunedCount != 1 {
		t.Fatalf("pruned count: got %d, want 1", metrics.PrunedCount)
	}

	g, err := w.SnapshotGraph(ctx)
	if err != nil {
		t.Fatalf("SnapshotGraph: %v", err)
	}
	if _, ok := g.Nodes["low"]; ok {
		t.Fatal("pruned node still present in worker graph")
	}
	if _, ok := g.Nodes["high"]; !ok {
		t.Fatal("surviving node missing from worker graph")
	}
}

func TestConsolidateHonorsPinnedMemories(t *testing.T) {
	_, w := startWorker(t, StartOptions{Tier: prefs.TierTrusted})
	ctx := context.Background()

	seedNode(t, w, "fragile", 0.05)
	if err := w.PinMemory(ctx, "fragile"); err != nil {
		t.Fatalf("PinMemory: %v", err)
	}

	if _, err := w.Consolidate(ctx, nil); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	g, err := w.SnapshotGraph(ctx)
	if err != nil {
		t.Fatalf("SnapshotGraph: %v", err)
	}
	n, ok := g.Nodes["fragile"]
	if !ok {
		t.Fatal("pinned node was removed")
	}
	if n.Relevance != 0.05 {
		t.Fatalf("pinned node decayed: %v", n.Relevance)
	}

	// Unpinning clears the protection for the next cycle.
	if err := w.UnpinMemory(ctx, "fragile"); err != nil {
		t.Fatalf("UnpinMemory: %v", err)
	}
	if _, err := w.Consolidate(ctx, nil); err != nil {
		t.Fatalf("Consolidate after unpin: %v", err)
	}
	g, err = w.SnapshotGraph(ctx)
	if err != nil {
		t.Fatalf("SnapshotGraph: %v", err)
	}
	if _, ok := g.Nodes["fragile"]; ok {
		t.Fatal("unpinned low-relevance node survived")
	}
}

func TestConsolidateOverrideOptions(t *testing.T) {
	_, w := startWorker(t, StartOptions{})
	ctx := context.Background()

	seedNode(t, w, "mid", 0.5)

	override := consolidate.DefaultOptions()
	override.PruneThreshold = 0.9
	if _, err := w.Consolidate(ctx, &override); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}

	g, err := w.SnapshotGraph(ctx)
	if err != nil {
		t.Fatalf("SnapshotGraph: %v", err)
	}
	if _, ok := g.Nodes["mid"]; ok {
		t.Fatal("override prune threshold not applied")
	}
}

func TestConsolidateIfDue(t *testing.T) {
	baseOpts := consolidate.DefaultOptions()
	baseOpts.SizeThreshold = 2
	_, w := startWorker(t, StartOptions{BaseOptions: &baseOpts})
	ctx := context.Background()

	// Fresh worker with one node: nothing due.
	seedNode(t, w, "n1", 0.5)
	if _, ran, err := w.ConsolidateIfDue(ctx); err != nil || ran {
		t.Fatalf("expected no cycle, ran=%v err=%v", ran, err)
	}

	// Hitting the size threshold makes a cycle due. The worker's own
	// preferences carry a consolidation interval, but the size trigger
	// fires regardless of history.
	seedNode(t, w, "n2", 0.5)
	if _, ran, err := w.ConsolidateIfDue(ctx); err != nil || !ran {
		t.Fatalf("expected a cycle, ran=%v err=%v", ran, err)
	}

	// Immediately afterwards nothing is due again (graph back under the
	// threshold would still be 2 here, so remove one first).
	err := w.Do(ctx, func(g *graph.Graph) error {
		delete(g.Nodes, "n2")
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if _, ran, err := w.ConsolidateIfDue(ctx); err != nil || ran {
		t.Fatalf("expected no cycle right after one, ran=%v err=%v", ran, err)
	}
}

func TestConsolidateUnlimitedTypeQuota(t *testing.T) {
	_, w := startWorker(t, StartOptions{
		Tier:        prefs.TierAutonomous,
		GraphConfig: &graph.Config{MaxNodesPerType: 2},
	})
	ctx := context.Background()

	// Granting an unlimited fact quota must survive the trip through the
	// preference overlay into the cycle, overriding the graph cap.
	err := w.AdjustPreference(ctx, prefs.ParamTypeQuota, prefs.AdjustValue{NodeType: graph.NodeTypeFact, Int: 0})
	if err != nil {
		t.Fatalf("AdjustPreference: %v", err)
	}

	seedNode(t, w, "n1", 0.2)
	seedNode(t, w, "n2", 0.4)
	seedNode(t, w, "n3", 0.6)

	metrics, err := w.Consolidate(ctx, nil)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if metrics.EvictedCount != 0 {
		t.Fatalf("evicted count: got %d, want 0", metrics.EvictedCount)
	}

	g, err := w.SnapshotGraph(ctx)
	if err != nil {
		t.Fatalf("SnapshotGraph: %v", err)
	}
	if len(g.Nodes) != 3 {
		t.Fatalf("expected all 3 nodes to survive, got %d", len(g.Nodes))
	}
}

func TestAdjustPreferenceTierEnforcement(t *testing.T) {
	_, w := startWorker(t, StartOptions{Tier: prefs.TierUntrusted})
	ctx := context.Background()

	err := w.AdjustPreference(ctx, prefs.ParamDecayRate, prefs.AdjustValue{Float: 0.05})
	if !errors.Is(err, prefs.ErrNotPermitted) {
		t.Fatalf("expected ErrNotPermitted, got %v", err)
	}
	if err := w.PinMemory(ctx, "m1"); !errors.Is(err, prefs.ErrNotPermitted) {
		t.Fatalf("expected ErrNotPermitted for pin, got %v", err)
	}
}

func TestAdjustPreferenceAppliesToNextCycle(t *testing.T) {
	_, w := startWorker(t, StartOptions{Tier: prefs.TierAutonomous})
	ctx := context.Background()

	if err := w.AdjustPreference(ctx, prefs.ParamDecayRate, prefs.AdjustValue{Float: 0.5}); err != nil {
		t.Fatalf("AdjustPreference: %v", err)
	}

	seedNode(t, w, "n", 0.8)
	if _, err := w.Consolidate(ctx, nil); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	g, err := w.SnapshotGraph(ctx)
	if err != nil {
		t.Fatalf("SnapshotGraph: %v", err)
	}
	// 0.8 * (1 - 0.5) = 0.4, well below what the default rate would leave.
	if n := g.Nodes["n"]; n == nil || n.Relevance > 0.45 {
		t.Fatalf("adjusted decay rate not applied: %+v", n)
	}
}

func TestIntrospectAndPreferences(t *testing.T) {
	seed := prefs.New("a1")
	seed.AttentionFocus = "release planning"
	_, w := startWorker(t, StartOptions{Tier: prefs.TierVeteran, Prefs: &seed})
	ctx := context.Background()

	report, err := w.Introspect(ctx)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if report.Tier != prefs.TierVeteran {
		t.Fatalf("tier: %v", report.Tier)
	}
	if report.AttentionFocus != "release planning" {
		t.Fatalf("attention focus: %q", report.AttentionFocus)
	}

	p, err := w.Preferences(ctx)
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	if p.AgentID != "a1" || p.AttentionFocus != "release planning" {
		t.Fatalf("preferences: %+v", p)
	}
}

func TestPreviewThroughWorker(t *testing.T) {
	_, w := startWorker(t, StartOptions{})
	ctx := context.Background()

	seedNode(t, w, "low", 0.05)
	seedNode(t, w, "high", 0.9)

	report, err := w.Preview(ctx)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(report.PruneCandidates) != 1 || report.PruneCandidates[0].ID != "low" {
		t.Fatalf("prune candidates: %+v", report.PruneCandidates)
	}

	// Preview never changes the graph.
	stats, err := w.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.NodeCount != 2 {
		t.Fatalf("Preview mutated the graph: %+v", stats)
	}
}
