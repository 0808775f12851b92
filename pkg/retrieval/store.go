package retrieval

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MetaStore persists index metadata (per-file hashes, embedding model,
// chunk counts) in a local SQLite database so restarts can tell a stale
// index from a fresh one.
type MetaStore struct {
	db *sql.DB
}

const metaSchema = `
CREATE TABLE IF NOT EXISTS index_info (
	project_id      TEXT PRIMARY KEY,
	embedding_model TEXT NOT NULL,
	chunk_count     INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS index_files (
	project_id TEXT NOT NULL,
	filepath   TEXT NOT NULL,
	hash       TEXT NOT NULL,
	PRIMARY KEY (project_id, filepath)
);
`

// OpenMetaStore opens (creating if needed) the metadata database at path.
func OpenMetaStore(path string) (*MetaStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open index metadata db: %w", err)
	}
	if _, err := db.Exec(metaSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate index metadata db: %w", err)
	}
	return &MetaStore{db: db}, nil
}

// Close releases the database handle.
func (s *MetaStore) Close() error {
	return s.db.Close()
}

// Save replaces a project's recorded metadata in one transaction.
func (s *MetaStore) Save(projectID, embeddingModel string, fileHashes map[string]string, chunkCount int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin metadata transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO index_info (project_id, embedding_model, chunk_count, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
		   embedding_model = excluded.embedding_model,
		   chunk_count     = excluded.chunk_count,
		   updated_at      = excluded.updated_at`,
		projectID, embeddingModel, chunkCount, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("failed to upsert index info: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM index_files WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to clear file hashes: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO index_files (project_id, filepath, hash) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare hash insert: %w", err)
	}
	defer stmt.Close()
	for path, hash := range fileHashes {
		if _, err := stmt.Exec(projectID, path, hash); err != nil {
			return fmt.Errorf("failed to insert file hash: %w", err)
		}
	}

	return tx.Commit()
}

// IndexInfo is a project's persisted index metadata.
type IndexInfo struct {
	ProjectID      string
	EmbeddingModel string
	ChunkCount     int
	UpdatedAt      time.Time
}

// Info returns a project's metadata, or (nil, nil) when none is recorded.
func (s *MetaStore) Info(projectID string) (*IndexInfo, error) {
	row := s.db.QueryRow(
		`SELECT embedding_model, chunk_count, updated_at FROM index_info WHERE project_id = ?`,
		projectID,
	)
	info := &IndexInfo{ProjectID: projectID}
	var updatedAt int64
	if err := row.Scan(&info.EmbeddingModel, &info.ChunkCount, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load index info: %w", err)
	}
	info.UpdatedAt = time.Unix(updatedAt, 0)
	return info, nil
}

// FileHashes returns a project's recorded per-file hashes.
func (s *MetaStore) FileHashes(projectID string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT filepath, hash FROM index_files WHERE project_id = ?`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load file hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan file hash: %w", err)
		}
		hashes[path] = hash
	}
	return hashes, rows.Err()
}
