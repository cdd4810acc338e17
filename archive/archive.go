// Package archive records memory nodes externally before consolidation
// removes them from an agent's graph. The contract is "never lose a node
// silently": every prune or quota eviction writes one archive record per
// node before the removal takes effect.
package archive

import (
	"context"
	"time"

	"github.com/engramkit/engram/graph"
)

// Reason explains why a node was archived.
type Reason string

const (
	// ReasonLowRelevance marks nodes removed because relevance fell below
	// the prune threshold.
	ReasonLowRelevance Reason = "low_relevance"
	// ReasonQuotaExceeded marks nodes evicted to enforce a per-type quota.
	ReasonQuotaExceeded Reason = "quota_exceeded"
	// ReasonAgentStopped marks nodes captured when a worker shuts down
	// without a snapshot backend configured.
	ReasonAgentStopped Reason = "agent_stopped"
)

// NodeSnapshot is the archived view of a node at removal time.
type NodeSnapshot struct {
	NodeID       string         `json:"node_id"`
	Type         graph.NodeType `json:"type"`
	Content      string         `json:"content"`
	Relevance    float64        `json:"relevance"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	AccessCount  int64          `json:"access_count"`
}

// SnapshotOf captures n for archival.
func SnapshotOf(n *graph.Node) NodeSnapshot {
	return NodeSnapshot{
		NodeID:       n.ID,
		Type:         n.Type,
		Content:      n.Content,
		Relevance:    n.Relevance,
		CreatedAt:    n.CreatedAt,
		LastAccessed: n.LastAccessed,
		AccessCount:  n.AccessCount,
	}
}

// Sink receives archive records. Implementations must not silently drop a
// record: they either persist it or return an error, and the consolidation
// engine logs the failure and proceeds without the safety net for that
// cycle rather than stalling maintenance.
type Sink interface {
	Record(ctx context.Context, agentID string, snap NodeSnapshot, reason Reason) error
}

// NopSink discards all records. Used for in-memory-only mode where the
// archive guarantee is explicitly waived.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, string, NodeSnapshot, Reason) error { return nil }
