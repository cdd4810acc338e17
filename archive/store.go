package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/engramkit/engram/graph"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Record is a persisted archive entry.
type Record struct {
	ID         string       `json:"id"`
	AgentID    string       `json:"agent_id"`
	Reason     Reason       `json:"reason"`
	ArchivedAt time.Time    `json:"archived_at"`
	Node       NodeSnapshot `json:"node"`
}

// SQLiteStore is a Sink backed by the engram SQLite database. Records are
// append-only; nothing in the core ever deletes them.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore creates a store over an already-migrated database.
func NewSQLiteStore(db *sql.DB, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "archive_store").Logger(),
	}
}

func archiveColumns() []string {
	return []string{
		"id", "agent_id", "node_id", "node_type", "content", "relevance",
		"created_at", "last_accessed", "access_count", "reason", "archived_at",
	}
}

// Record implements Sink by inserting one row into archive_records.
func (s *SQLiteStore) Record(ctx context.Context, agentID string, snap NodeSnapshot, reason Reason) error {
	s.logger.Debug().
		Str("method", "Record").
		Str("agent_id", agentID).
		Str("node_id", snap.NodeID).
		Str("reason", string(reason)).
		Msg("called")

	query, args, err := sq.StatementBuilder.
		Insert("archive_records").
		Columns(archiveColumns()...).
		Values(
			uuid.NewString(),
			agentID,
			snap.NodeID,
			string(snap.Type),
			snap.Content,
			snap.Relevance,
			snap.CreatedAt.Unix(),
			snap.LastAccessed.Unix(),
			snap.AccessCount,
			string(reason),
			time.Now().Unix(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build archive insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert archive record for node %q: %w", snap.NodeID, err)
	}
	return nil
}

// ListByAgent returns an agent's archive records, newest first, for
// operator inspection.
func (s *SQLiteStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]Record, error) {
	builder := sq.StatementBuilder.
		Select(archiveColumns()...).
		From("archive_records").
		Where(sq.Eq{"agent_id": agentID}).
		OrderBy("archived_at DESC", "id ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build archive list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // No remedy for rows close errors

	var records []Record
	for rows.Next() {
		var (
			rec          Record
			nodeType     string
			reason       string
			createdAt    int64
			lastAccessed int64
			archivedAt   int64
		)
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Node.NodeID, &nodeType,
			&rec.Node.Content, &rec.Node.Relevance, &createdAt, &lastAccessed,
			&rec.Node.AccessCount, &reason, &archivedAt); err != nil {
			return nil, err
		}
		rec.Node.Type = graph.NodeType(nodeType)
		rec.Node.CreatedAt = time.Unix(createdAt, 0)
		rec.Node.LastAccessed = time.Unix(lastAccessed, 0)
		rec.Reason = Reason(reason)
		rec.ArchivedAt = time.Unix(archivedAt, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByReason returns how many records an agent has for a given reason.
func (s *SQLiteStore) CountByReason(ctx context.Context, agentID string, reason Reason) (int, error) {
	query, args, err := sq.StatementBuilder.
		Select("COUNT(*)").
		From("archive_records").
		Where(sq.Eq{"agent_id": agentID}).
		Where(sq.Eq{"reason": string(reason)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build archive count query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
