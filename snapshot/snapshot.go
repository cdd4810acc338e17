// Package snapshot persists whole-graph snapshots per agent so workers can
// recover their memory across restarts. The backend is strictly optional:
// the registry runs fully in-memory when none is configured, and a save or
// load failure degrades to in-memory operation rather than failing the
// worker.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/engramkit/engram/graph"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Load when no snapshot exists for the agent.
var ErrNotFound = errors.New("snapshot not found")

// Backend stores and retrieves one graph snapshot per agent.
type Backend interface {
	Save(ctx context.Context, agentID string, g *graph.Graph) error
	Load(ctx context.Context, agentID string) (*graph.Graph, error)
}

// SQLiteBackend persists JSON-serialized graphs in the graph_snapshots
// table, one row per agent, upserted on every save.
type SQLiteBackend struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteBackend creates a backend over an already-migrated database.
func NewSQLiteBackend(db *sql.DB, logger zerolog.Logger) *SQLiteBackend {
	return &SQLiteBackend{
		db:     db,
		logger: logger.With().Str("component", "snapshot_store").Logger(),
	}
}

// Save implements Backend.
func (b *SQLiteBackend) Save(ctx context.Context, agentID string, g *graph.Graph) error {
	b.logger.Debug().
		Str("method", "Save").
		Str("agent_id", agentID).
		Int("nodes", len(g.Nodes)).
		Msg("called")

	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph for agent %q: %w", agentID, err)
	}

	query, args, err := sq.StatementBuilder.
		Insert("graph_snapshots").
		Columns("agent_id", "graph_json", "saved_at").
		Values(agentID, string(payload), time.Now().Unix()).
		Suffix("ON CONFLICT(agent_id) DO UPDATE SET graph_json = excluded.graph_json, saved_at = excluded.saved_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build snapshot upsert: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save snapshot for agent %q: %w", agentID, err)
	}
	return nil
}

// Load implements Backend.
func (b *SQLiteBackend) Load(ctx context.Context, agentID string) (*graph.Graph, error) {
	query, args, err := sq.StatementBuilder.
		Select("graph_json").
		From("graph_snapshots").
		Where(sq.Eq{"agent_id": agentID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build snapshot select: %w", err)
	}

	var payload string
	if err := b.db.QueryRowContext(ctx, query, args...).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load snapshot for agent %q: %w", agentID, err)
	}

	var g graph.Graph
	if err := json.Unmarshal([]byte(payload), &g); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot for agent %q: %w", agentID, err)
	}
	if g.Nodes == nil {
		g.Nodes = make(map[string]*graph.Node)
	}
	if g.Edges == nil {
		g.Edges = make(map[string][]graph.Edge)
	}
	return &g, nil
}
