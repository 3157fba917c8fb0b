// Package postgres implements [store.Store] on PostgreSQL.
//
// Speaker names, transcript lines and speaker profile snapshots live in three
// tables created by [Migrate]. Profile centroids are stored in a pgvector
// column, which requires the vector extension in the target database.
//
// Usage:
//
//	st, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/captioner/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed store. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, registers pgvector types on every connection and runs
// [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if err := ensureExtension(ctx, cfg.ConnConfig); err != nil {
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// ensureExtension creates the vector extension on a one-off connection.
// The pool's AfterConnect hook cannot register pgvector types before the
// extension exists.
func ensureExtension(ctx context.Context, cfg *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, cfg.Copy())
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, ddlVectorExtension); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveName implements store.NameStore.
func (s *Store) SaveName(ctx context.Context, label, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		if _, err := s.pool.Exec(ctx, `DELETE FROM speaker_names WHERE label = $1`, label); err != nil {
			return fmt.Errorf("postgres store: delete name: %w", err)
		}
		return nil
	}
	const q = `
		INSERT INTO speaker_names (label, name, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (label) DO UPDATE SET
		    name       = EXCLUDED.name,
		    updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, q, label, name); err != nil {
		return fmt.Errorf("postgres store: save name: %w", err)
	}
	return nil
}

// LoadNames implements store.NameStore.
func (s *Store) LoadNames(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT label, name FROM speaker_names`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load names: %w", err)
	}
	defer rows.Close()

	names := map[string]string{}
	for rows.Next() {
		var label, name string
		if err := rows.Scan(&label, &name); err != nil {
			return nil, fmt.Errorf("postgres store: scan name: %w", err)
		}
		names[label] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: load names: %w", err)
	}
	return names, nil
}

// AppendLine implements store.TranscriptStore.
func (s *Store) AppendLine(ctx context.Context, sessionID string, line store.Line) error {
	const q = `
		INSERT INTO transcript_lines (session_id, speaker, label, text, start_ns, end_ns)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, q,
		sessionID,
		line.Speaker,
		line.Label,
		line.Text,
		line.Start.Nanoseconds(),
		line.End.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres store: append line: %w", err)
	}
	return nil
}

// Lines implements store.TranscriptStore.
func (s *Store) Lines(ctx context.Context, sessionID string) ([]store.Line, error) {
	const q = `
		SELECT speaker, label, text, start_ns, end_ns
		FROM   transcript_lines
		WHERE  session_id = $1
		ORDER  BY id`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Line, error) {
		var (
			l              store.Line
			startNS, endNS int64
		)
		if err := row.Scan(&l.Speaker, &l.Label, &l.Text, &startNS, &endNS); err != nil {
			return store.Line{}, err
		}
		l.Start = time.Duration(startNS)
		l.End = time.Duration(endNS)
		return l, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan lines: %w", err)
	}
	if lines == nil {
		lines = []store.Line{}
	}
	return lines, nil
}

// SaveProfiles implements store.ProfileStore. The previous snapshot of
// sessionID is replaced in one transaction.
func (s *Store) SaveProfiles(ctx context.Context, sessionID string, profiles []store.Profile) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM speaker_profiles WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres store: clear profiles: %w", err)
	}

	batch := &pgx.Batch{}
	for _, p := range profiles {
		if len(p.Centroid) == 0 {
			continue
		}
		batch.Queue(`
			INSERT INTO speaker_profiles (session_id, label, name, segments, centroid)
			VALUES ($1, $2, $3, $4, $5)`,
			sessionID, p.Label, p.Name, p.Segments, pgvector.NewVector(p.Centroid))
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres store: insert profiles: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// LoadProfiles implements store.ProfileStore.
func (s *Store) LoadProfiles(ctx context.Context, sessionID string) ([]store.Profile, error) {
	const q = `
		SELECT label, name, segments, centroid
		FROM   speaker_profiles
		WHERE  session_id = $1
		ORDER  BY label`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load profiles: %w", err)
	}
	profiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Profile, error) {
		var (
			p   store.Profile
			vec pgvector.Vector
		)
		if err := row.Scan(&p.Label, &p.Name, &p.Segments, &vec); err != nil {
			return store.Profile{}, err
		}
		p.Centroid = vec.Slice()
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan profiles: %w", err)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("postgres store: profiles of %q: %w", sessionID, store.ErrNotFound)
	}
	return profiles, nil
}

// NearestProfiles returns up to k stored profiles from any session whose
// centroid is closest (Euclidean) to centroid. Centroids of a different
// dimensionality are ignored.
func (s *Store) NearestProfiles(ctx context.Context, centroid []float32, k int) ([]store.Profile, error) {
	if len(centroid) == 0 || k <= 0 {
		return nil, errors.New("postgres store: nearest profiles needs a centroid and k > 0")
	}
	const q = `
		SELECT label, name, segments, centroid
		FROM   speaker_profiles
		WHERE  vector_dims(centroid) = $2
		ORDER  BY centroid <-> $1
		LIMIT  $3`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(centroid), len(centroid), k)
	if err != nil {
		return nil, fmt.Errorf("postgres store: nearest profiles: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Profile, error) {
		var (
			p   store.Profile
			vec pgvector.Vector
		)
		if err := row.Scan(&p.Label, &p.Name, &p.Segments, &vec); err != nil {
			return store.Profile{}, err
		}
		p.Centroid = vec.Slice()
		return p, nil
	})
}
