package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSpeakerNames = `
CREATE TABLE IF NOT EXISTS speaker_names (
    label       TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlTranscriptLines = `
CREATE TABLE IF NOT EXISTS transcript_lines (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    speaker     TEXT         NOT NULL DEFAULT '',
    label       TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    start_ns    BIGINT       NOT NULL,
    end_ns      BIGINT       NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_lines_session
    ON transcript_lines (session_id, id);
`

const ddlVectorExtension = `CREATE EXTENSION IF NOT EXISTS vector`

// Centroid dimensionality depends on the vector source (three hand-crafted
// features or a model embedding), so the column is left unconstrained.
const ddlSpeakerProfiles = `
CREATE TABLE IF NOT EXISTS speaker_profiles (
    session_id  TEXT         NOT NULL,
    label       TEXT         NOT NULL,
    name        TEXT         NOT NULL DEFAULT '',
    segments    INTEGER      NOT NULL DEFAULT 0,
    centroid    vector       NOT NULL,
    saved_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, label)
);
`

// Migrate creates the tables and the pgvector extension if they do not
// exist. It is idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlVectorExtension, ddlSpeakerNames, ddlTranscriptLines, ddlSpeakerProfiles} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
