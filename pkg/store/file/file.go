// Package file implements [store.Store] on the local filesystem using YAML.
//
// Layout under the root directory:
//
//	speakers.yaml           label → display name
//	sessions/<id>.yaml      transcript lines, one YAML document per line
//	profiles/<id>.yaml      speaker profile snapshot
//
// speakers.yaml and profile snapshots are replaced atomically (write to a
// temporary file, then rename). Transcript lines are appended.
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/captioner/pkg/store"
)

var _ store.Store = (*Store)(nil)

const namesFile = "speakers.yaml"

// Store is a YAML-backed store rooted at a directory.
type Store struct {
	root string
	mu   sync.Mutex
}

// New creates the directory layout under root if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("file store: root directory must not be empty")
	}
	for _, dir := range []string{root, filepath.Join(root, "sessions"), filepath.Join(root, "profiles")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("file store: create %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Close implements store.Store. It is a no-op.
func (s *Store) Close() error { return nil }

// SaveName implements store.NameStore.
func (s *Store) SaveName(_ context.Context, label, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.readNames()
	if err != nil {
		return err
	}
	if name = strings.TrimSpace(name); name == "" {
		delete(names, label)
	} else {
		names[label] = name
	}
	data, err := yaml.Marshal(names)
	if err != nil {
		return fmt.Errorf("file store: encode names: %w", err)
	}
	return writeAtomic(filepath.Join(s.root, namesFile), data)
}

// LoadNames implements store.NameStore.
func (s *Store) LoadNames(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readNames()
}

func (s *Store) readNames() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, namesFile))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file store: read names: %w", err)
	}
	names := map[string]string{}
	if err := yaml.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("file store: parse names: %w", err)
	}
	return names, nil
}

// AppendLine implements store.TranscriptStore.
func (s *Store) AppendLine(_ context.Context, sessionID string, line store.Line) error {
	path, err := s.sessionPath("sessions", sessionID)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(line); err != nil {
		return fmt.Errorf("file store: encode line: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("file store: encode line: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("file store: open transcript: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("file store: append line: %w", err)
	}
	return f.Close()
}

// Lines implements store.TranscriptStore.
func (s *Store) Lines(_ context.Context, sessionID string) ([]store.Line, error) {
	path, err := s.sessionPath("sessions", sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []store.Line{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file store: open transcript: %w", err)
	}
	defer f.Close()

	lines := []store.Line{}
	dec := yaml.NewDecoder(f)
	for {
		var l store.Line
		err := dec.Decode(&l)
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, fmt.Errorf("file store: parse transcript: %w", err)
		}
		lines = append(lines, l)
	}
}

// SaveProfiles implements store.ProfileStore.
func (s *Store) SaveProfiles(_ context.Context, sessionID string, profiles []store.Profile) error {
	path, err := s.sessionPath("profiles", sessionID)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(profiles)
	if err != nil {
		return fmt.Errorf("file store: encode profiles: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(path, data)
}

// LoadProfiles implements store.ProfileStore.
func (s *Store) LoadProfiles(_ context.Context, sessionID string) ([]store.Profile, error) {
	path, err := s.sessionPath("profiles", sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("file store: profiles of %q: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("file store: read profiles: %w", err)
	}
	var profiles []store.Profile
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("file store: parse profiles: %w", err)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Label < profiles[j].Label })
	return profiles, nil
}

// sessionPath maps sessionID to a file under dir, rejecting IDs that could
// escape the store directory.
func (s *Store) sessionPath(dir, sessionID string) (string, error) {
	if sessionID == "" || sessionID != filepath.Base(sessionID) || strings.HasPrefix(sessionID, ".") {
		return "", fmt.Errorf("file store: invalid session id %q", sessionID)
	}
	return filepath.Join(s.root, dir, sessionID+".yaml"), nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("file store: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("file store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("file store: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("file store: replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
