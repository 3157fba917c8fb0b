// Package mock provides an in-memory implementation of store.Store for tests.
//
// Every method can be made to fail by setting Err. Stored data is exposed
// through accessor methods so tests can assert on what was persisted.
package mock

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/captioner/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory store.Store. The zero value is ready to use.
type Store struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by every method except Close.
	Err error

	names    map[string]string
	lines    map[string][]store.Line
	profiles map[string][]store.Profile
	closed   bool
}

// SaveName implements store.NameStore.
func (s *Store) SaveName(_ context.Context, label, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if s.names == nil {
		s.names = map[string]string{}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		delete(s.names, label)
		return nil
	}
	s.names[label] = name
	return nil
}

// LoadNames implements store.NameStore.
func (s *Store) LoadNames(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(map[string]string, len(s.names))
	for k, v := range s.names {
		out[k] = v
	}
	return out, nil
}

// AppendLine implements store.TranscriptStore.
func (s *Store) AppendLine(_ context.Context, sessionID string, line store.Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if s.lines == nil {
		s.lines = map[string][]store.Line{}
	}
	s.lines[sessionID] = append(s.lines[sessionID], line)
	return nil
}

// Lines implements store.TranscriptStore.
func (s *Store) Lines(_ context.Context, sessionID string) ([]store.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]store.Line{}, s.lines[sessionID]...), nil
}

// SaveProfiles implements store.ProfileStore.
func (s *Store) SaveProfiles(_ context.Context, sessionID string, profiles []store.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if s.profiles == nil {
		s.profiles = map[string][]store.Profile{}
	}
	cp := slices.Clone(profiles)
	slices.SortFunc(cp, func(a, b store.Profile) int { return strings.Compare(a.Label, b.Label) })
	s.profiles[sessionID] = cp
	return nil
}

// LoadProfiles implements store.ProfileStore.
func (s *Store) LoadProfiles(_ context.Context, sessionID string) ([]store.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	p, ok := s.profiles[sessionID]
	if !ok {
		return nil, fmt.Errorf("mock store: profiles of %q: %w", sessionID, store.ErrNotFound)
	}
	return slices.Clone(p), nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sessions returns the IDs of all sessions with at least one line.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.lines))
	for id := range s.lines {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
