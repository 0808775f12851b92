package graph

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store persists and loads project graphs.
type Store interface {
	Replace(ctx context.Context, projectID string, b *Build) error
	Load(ctx context.Context, projectID string) ([]Node, []Edge, error)
}

// PostgresStore keeps graphs in the graph_nodes / graph_edges tables.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to the database at dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Replace swaps a project's graph in one transaction. Edges whose endpoints
// are not among the nodes are dropped.
func (s *PostgresStore) Replace(ctx context.Context, projectID string, b *Build) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin graph transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("failed to clear graph edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("failed to clear graph nodes: %w", err)
	}

	nodeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO graph_nodes (id, project_id, filepath, symbol_name, kind, start_line, end_line)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("failed to prepare node insert: %w", err)
	}
	defer nodeStmt.Close()

	known := make(map[string]bool, len(b.Nodes))
	for _, n := range b.Nodes {
		if _, err := nodeStmt.ExecContext(ctx, n.ID, projectID, n.Filepath, n.Symbol, n.Kind, n.StartLine, n.EndLine); err != nil {
			return fmt.Errorf("failed to insert graph node: %w", err)
		}
		known[n.ID] = true
	}

	edgeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO graph_edges (project_id, source_id, target_id, kind)
		 VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return fmt.Errorf("failed to prepare edge insert: %w", err)
	}
	defer edgeStmt.Close()

	edgeCount := 0
	for _, e := range b.Edges {
		if !known[e.SourceID] || !known[e.TargetID] {
			continue
		}
		if _, err := edgeStmt.ExecContext(ctx, projectID, e.SourceID, e.TargetID, e.Kind); err != nil {
			return fmt.Errorf("failed to insert graph edge: %w", err)
		}
		edgeCount++
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO graph_metadata (project_id, status, node_count, edge_count, languages, built_at)
		 VALUES ($1, 'ready', $2, $3, $4, $5)
		 ON CONFLICT (project_id) DO UPDATE SET
		   status     = excluded.status,
		   node_count = excluded.node_count,
		   edge_count = excluded.edge_count,
		   languages  = excluded.languages,
		   built_at   = excluded.built_at`,
		projectID, len(b.Nodes), edgeCount, pq.Array(b.Languages), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to upsert graph metadata: %w", err)
	}

	return tx.Commit()
}

// Load returns a project's nodes and edges.
func (s *PostgresStore) Load(ctx context.Context, projectID string) ([]Node, []Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filepath, symbol_name, kind, start_line, end_line
		 FROM graph_nodes WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load graph nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n := Node{ProjectID: projectID}
		if err := rows.Scan(&n.ID, &n.Filepath, &n.Symbol, &n.Kind, &n.StartLine, &n.EndLine); err != nil {
			return nil, nil, fmt.Errorf("failed to scan graph node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	edgeRows, err := s.db.QueryContext(ctx,
		`SELECT source_id, target_id, kind FROM graph_edges WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load graph edges: %w", err)
	}
	defer edgeRows.Close()

	var edges []Edge
	for edgeRows.Next() {
		e := Edge{ProjectID: projectID}
		if err := edgeRows.Scan(&e.SourceID, &e.TargetID, &e.Kind); err != nil {
			return nil, nil, fmt.Errorf("failed to scan graph edge: %w", err)
		}
		edges = append(edges, e)
	}
	return nodes, edges, edgeRows.Err()
}
