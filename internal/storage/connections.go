package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConnectionRepository handles connection persistence.
type ConnectionRepository struct {
	db TxDB
}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository(db TxDB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// SaveBatch persists connections in one transaction with upsert semantics on
// (source_chunk_id, target_chunk_id, connection_type). Any row error rolls
// back the whole batch.
func (r *ConnectionRepository) SaveBatch(ctx context.Context, connections []*Connection) error {
	if len(connections) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save connections: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_connections
			(source_chunk_id, target_chunk_id, connection_type, strength,
			 auto_detected, discovered_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_chunk_id, target_chunk_id, connection_type)
		DO UPDATE SET
			strength = EXCLUDED.strength,
			auto_detected = EXCLUDED.auto_detected,
			discovered_at = EXCLUDED.discovered_at,
			metadata = EXCLUDED.metadata
	`)
	if err != nil {
		return fmt.Errorf("prepare save connections: %w", err)
	}
	defer stmt.Close()

	for _, conn := range connections {
		metadata, err := json.Marshal(conn.Metadata)
		if err != nil {
			return fmt.Errorf("marshal connection metadata: %w", err)
		}

		discoveredAt := conn.DiscoveredAt
		if discoveredAt.IsZero() {
			discoveredAt = time.Now()
		}

		if _, err := stmt.ExecContext(ctx,
			conn.SourceChunkID, conn.TargetChunkID, conn.Type, conn.Strength,
			conn.AutoDetected, discoveredAt, metadata,
		); err != nil {
			return fmt.Errorf("save connection %s -> %s: %w",
				conn.SourceChunkID, conn.TargetChunkID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save connections: %w", err)
	}
	return nil
}

// ListByDocument returns connections whose source chunk belongs to the given
// document, newest first.
func (r *ConnectionRepository) ListByDocument(ctx context.Context, documentID uuid.UUID, limit int) ([]*Connection, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT cc.source_chunk_id, cc.target_chunk_id, cc.connection_type,
			cc.strength, cc.auto_detected, cc.discovered_at, cc.metadata
		FROM chunk_connections cc
		JOIN chunks c ON c.id = cc.source_chunk_id
		WHERE c.document_id = $1
		ORDER BY cc.discovered_at DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	return scanConnections(rows)
}

// ListBySource returns connections from one source chunk, strongest first.
func (r *ConnectionRepository) ListBySource(ctx context.Context, sourceChunkID uuid.UUID) ([]*Connection, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source_chunk_id, target_chunk_id, connection_type,
			strength, auto_detected, discovered_at, metadata
		FROM chunk_connections
		WHERE source_chunk_id = $1
		ORDER BY strength DESC
	`, sourceChunkID)
	if err != nil {
		return nil, fmt.Errorf("list connections by source: %w", err)
	}
	defer rows.Close()

	return scanConnections(rows)
}

func scanConnections(rows *sql.Rows) ([]*Connection, error) {
	var connections []*Connection
	for rows.Next() {
		conn := &Connection{}
		var metadata json.RawMessage
		if err := rows.Scan(
			&conn.SourceChunkID, &conn.TargetChunkID, &conn.Type,
			&conn.Strength, &conn.AutoDetected, &conn.DiscoveredAt, &metadata,
		); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		if err := json.Unmarshal(metadata, &conn.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal connection metadata: %w", err)
		}
		connections = append(connections, conn)
	}
	return connections, rows.Err()
}
