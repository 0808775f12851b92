package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore keeps memories in the agent_memories table. Embeddings are
// stored as little-endian float32 bytes.
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

// Insert persists one memory.
func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_memories (id, project_id, agent_id, run_id, content, kind, importance, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.ProjectID, rec.AgentID, rec.RunID, rec.Content, rec.Kind,
		rec.Importance, encodeEmbedding(rec.Embedding), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// List returns a project's memories, optionally narrowed to one agent.
func (s *PostgresStore) List(ctx context.Context, projectID, agentID string) ([]Record, error) {
	query := `SELECT id, agent_id, run_id, content, kind, importance, embedding, created_at
	          FROM agent_memories WHERE project_id = $1`
	args := []any{projectID}
	if agentID != "" {
		query += ` AND agent_id = $2`
		args = append(args, agentID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec := Record{ProjectID: projectID}
		var agentID, runID sql.NullString
		var raw []byte
		if err := rows.Scan(&rec.ID, &agentID, &runID, &rec.Content, &rec.Kind, &rec.Importance, &raw, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		rec.AgentID = agentID.String
		rec.RunID = runID.String
		rec.Embedding = decodeEmbedding(raw)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(raw []byte) []float32 {
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec
}
