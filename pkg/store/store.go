// Package store defines persistence for speaker names, transcripts and
// speaker profile snapshots.
//
// Display names are keyed by speaker label ("Speaker_3") and outlive
// sessions, so a user who renamed a speaker once sees the name again the next
// time that label appears. Names are pure relabelling; nothing in the store
// feeds back into clustering.
//
// Implementations live in sub-packages: file (YAML on disk) and postgres
// (PostgreSQL with pgvector). All implementations must be safe for
// concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session has no stored data.
var ErrNotFound = errors.New("store: not found")

// Line is a persisted transcript line.
type Line struct {
	Speaker string        `yaml:"speaker"`
	Label   string        `yaml:"label"`
	Text    string        `yaml:"text"`
	Start   time.Duration `yaml:"start"`
	End     time.Duration `yaml:"end"`
}

// Profile is a snapshot of one speaker cluster at the end of a session.
type Profile struct {
	Label    string    `yaml:"label"`
	Name     string    `yaml:"name,omitempty"`
	Segments int       `yaml:"segments"`
	Centroid []float32 `yaml:"centroid"`
}

// NameStore persists user-assigned display names.
type NameStore interface {
	// SaveName stores name for label. An empty name deletes the entry.
	SaveName(ctx context.Context, label, name string) error

	// LoadNames returns all stored names keyed by label.
	LoadNames(ctx context.Context) (map[string]string, error)
}

// TranscriptStore persists transcript lines per session.
type TranscriptStore interface {
	// AppendLine appends line to the transcript of sessionID.
	AppendLine(ctx context.Context, sessionID string, line Line) error

	// Lines returns the transcript of sessionID in append order. An unknown
	// session yields an empty slice, not an error.
	Lines(ctx context.Context, sessionID string) ([]Line, error)
}

// ProfileStore persists speaker profile snapshots.
type ProfileStore interface {
	// SaveProfiles replaces the snapshot of sessionID with profiles.
	SaveProfiles(ctx context.Context, sessionID string, profiles []Profile) error

	// LoadProfiles returns the snapshot of sessionID ordered by label.
	LoadProfiles(ctx context.Context, sessionID string) ([]Profile, error)
}

// Store bundles all persistence concerns of the application.
type Store interface {
	NameStore
	TranscriptStore
	ProfileStore

	// Close releases underlying resources.
	Close() error
}
