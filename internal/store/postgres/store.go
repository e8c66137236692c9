// Package postgres keeps the descriptor index in PostgreSQL with pgvector columns.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Store manages the PostgreSQL connection and pgvector operations.
type Store struct {
	conn *pgx.Conn
}

var _ store.Store = (*Store)(nil)

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables and vector extension if they don't exist (Auto-Migration).
// position preserves the listing order of the ingestion run.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS media_records (
			id BIGSERIAL PRIMARY KEY,
			position INT NOT NULL UNIQUE,
			media_type TEXT NOT NULL CHECK (media_type IN ('image', 'video')),
			path TEXT NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS face_descriptors (
			record_id BIGINT NOT NULL REFERENCES media_records(id) ON DELETE CASCADE,
			ordinal INT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			PRIMARY KEY (record_id, ordinal)
		);
	`, types.DescriptorDim)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// Save replaces the whole index in one transaction. Readers see either the
// previous index or the new one.
func (s *Store) Save(ctx context.Context, records []types.MediaRecord) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM media_records"); err != nil {
		return fmt.Errorf("failed to clear media records: %w", err)
	}

	for pos, r := range records {
		if len(r.Descriptors) == 0 {
			return fmt.Errorf("record %s has no descriptors", r.Path)
		}
		var id int64
		err := tx.QueryRow(ctx,
			"INSERT INTO media_records (position, media_type, path) VALUES ($1, $2, $3) RETURNING id",
			pos, r.Type.String(), r.Path).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert %s: %w", r.Path, err)
		}

		for i, d := range r.Descriptors {
			_, err := tx.Exec(ctx,
				"INSERT INTO face_descriptors (record_id, ordinal, embedding) VALUES ($1, $2, $3)",
				id, i, pgvector.NewVector(toFloat32(d)))
			if err != nil {
				return fmt.Errorf("failed to insert descriptor %d of %s: %w", i, r.Path, err)
			}
		}
	}

	return tx.Commit(ctx)
}

// Load returns every record in the order it was saved, descriptors in ordinal order.
func (s *Store) Load(ctx context.Context) ([]types.MediaRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT m.id, m.media_type, m.path, d.embedding
		FROM media_records m
		JOIN face_descriptors d ON d.record_id = m.id
		ORDER BY m.position, d.ordinal
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []types.MediaRecord
	lastID := int64(-1)
	for rows.Next() {
		var (
			id        int64
			mediaType string
			path      string
			emb       pgvector.Vector
		)
		if err := rows.Scan(&id, &mediaType, &path, &emb); err != nil {
			return nil, err
		}
		if id != lastID {
			t, err := types.ParseMediaType(mediaType)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", store.ErrDataCorruption, err)
			}
			records = append(records, types.MediaRecord{Type: t, Path: path})
			lastID = id
		}
		cur := &records[len(records)-1]
		cur.Descriptors = append(cur.Descriptors, toFloat64(emb.Slice()))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if records == nil {
		records = []types.MediaRecord{}
	}
	return records, nil
}

// Count returns the number of indexed records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRow(ctx, "SELECT COUNT(*) FROM media_records").Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS face_descriptors CASCADE;
		DROP TABLE IF EXISTS media_records CASCADE;
	`)
	if err != nil {
		return err
	}
	return initSchema(ctx, s.conn)
}

func toFloat32(d types.Descriptor) []float32 {
	out := make([]float32, len(d))
	for i, v := range d {
		out[i] = float32(v)
	}
	return out
}

func toFloat64(v []float32) types.Descriptor {
	out := make(types.Descriptor, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
