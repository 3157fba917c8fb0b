// Package speaker owns speaker identities for one capture session.
//
// A [Manager] keeps one [Profile] per speaker discovered so far, assigns
// incoming segment vectors to the nearest profile with an online,
// recency-biased rule, and maps internal labels (Speaker_1, Speaker_2, …) to
// optional user-assigned display names. Renaming never influences
// clustering.
//
// All methods are safe for concurrent use. The manager lock is held for one
// assignment or one rename at a time, never across a whole diarisation pass.
package speaker

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
)

const (
	// LabelPrefix prefixes every generated speaker label.
	LabelPrefix = "Speaker_"

	// UnknownLabel marks audio that could not be attributed to any speaker.
	UnknownLabel = "Unknown"

	// DefaultRecencyWindow is how many recent vectors of a profile an incoming
	// vector is compared against. It is also the number of segments after
	// which a profile counts as stable.
	DefaultRecencyWindow = 3

	// DefaultMaxSpeakers caps the number of profiles per session.
	DefaultMaxSpeakers = 8

	defaultHistoryLimit = 32
)

// ErrInvalidLabel is returned by [Manager.Rename] for labels that are not
// of the form Speaker_N.
var ErrInvalidLabel = errors.New("speaker: invalid speaker label")

// ErrEmptyVector is returned by [Manager.IdentifyOrCreate] for a nil or empty
// vector.
var ErrEmptyVector = errors.New("speaker: empty vector")

// State is the maturity of a profile.
type State int

const (
	// Provisional profiles have fewer accepted segments than the recency
	// window.
	Provisional State = iota

	// Stable profiles have at least a full recency window of segments.
	Stable
)

// String returns the human-readable state name.
func (s State) String() string {
	if s == Stable {
		return "stable"
	}
	return "provisional"
}

// Profile is a snapshot of one speaker identity.
type Profile struct {
	ID          int
	Label       string
	DisplayName string
	Segments    int
	State       State

	// Centroid is the mean of the retained history.
	Centroid []float64
}

// Name returns the display name, falling back to the label.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Label
}

// Assignment is the outcome of one [Manager.IdentifyOrCreate] call.
type Assignment struct {
	ID    int
	Label string

	// Created is true when the vector started a new profile.
	Created bool

	// Forced is true when the speaker cap was reached and the vector was
	// placed with the nearest profile even though it did not match.
	Forced bool

	// Score is the mean score against the chosen profile. It is the metric's
	// worst value for newly created profiles.
	Score float64
}

type profile struct {
	id       int
	label    string
	segments int
	history  [][]float64
}

// Manager is the profile store and online clustering rule.
type Manager struct {
	metric       Metric
	recency      int
	maxSpeakers  int
	historyLimit int

	mu       sync.Mutex
	profiles []*profile
	names    map[string]string
}

// Option is a functional option for [NewManager].
type Option func(*Manager)

// WithMetric sets the comparison metric. Default: [WeightedEuclidean] with
// default weights and threshold.
func WithMetric(m Metric) Option {
	return func(mg *Manager) {
		if m.Score != nil {
			mg.metric = m
		}
	}
}

// WithRecencyWindow sets how many recent vectors are compared per profile.
func WithRecencyWindow(k int) Option {
	return func(m *Manager) {
		if k > 0 {
			m.recency = k
		}
	}
}

// WithMaxSpeakers caps the number of profiles. Once reached, unmatched
// vectors go to the nearest profile. n <= 0 removes the cap.
func WithMaxSpeakers(n int) Option {
	return func(m *Manager) { m.maxSpeakers = n }
}

// WithHistoryLimit bounds how many vectors each profile retains.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historyLimit = n
		}
	}
}

// NewManager returns an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		metric:       WeightedEuclidean(nil, 0),
		recency:      DefaultRecencyWindow,
		maxSpeakers:  DefaultMaxSpeakers,
		historyLimit: defaultHistoryLimit,
		names:        make(map[string]string),
	}
	for _, o := range opts {
		o(m)
	}
	m.historyLimit = max(m.historyLimit, m.recency)
	return m
}

// Metric returns the metric in use.
func (m *Manager) Metric() Metric { return m.metric }

// IdentifyOrCreate assigns vec to a speaker.
//
// vec is compared with the most recent vectors of every profile, and the
// profile with the best mean score wins if it passes the metric threshold.
// Otherwise a new profile is created, unless the speaker cap is reached, in
// which case the best profile is used regardless. vec is then appended to
// the chosen profile's history.
func (m *Manager) IdentifyOrCreate(vec []float64) (Assignment, error) {
	if len(vec) == 0 {
		return Assignment{}, ErrEmptyVector
	}
	vec = append([]float64(nil), vec...)

	m.mu.Lock()
	defer m.mu.Unlock()

	best, bestScore := -1, m.metric.worst()
	for i, p := range m.profiles {
		score := m.meanScore(vec, p)
		if best < 0 || m.metric.closer(score, bestScore) {
			best, bestScore = i, score
		}
	}

	switch {
	case best >= 0 && m.metric.matches(bestScore):
		p := m.profiles[best]
		m.appendHistory(p, vec)
		return Assignment{ID: p.id, Label: p.label, Score: bestScore}, nil

	case m.maxSpeakers <= 0 || len(m.profiles) < m.maxSpeakers:
		p := &profile{id: len(m.profiles) + 1}
		p.label = Label(p.id)
		m.profiles = append(m.profiles, p)
		m.appendHistory(p, vec)
		slog.Debug("speaker: new profile", "label", p.label, "best_score", bestScore)
		return Assignment{ID: p.id, Label: p.label, Created: true, Score: m.metric.worst()}, nil

	default:
		p := m.profiles[best]
		m.appendHistory(p, vec)
		return Assignment{ID: p.id, Label: p.label, Forced: true, Score: bestScore}, nil
	}
}

// meanScore averages the metric over the most recent vectors of p.
func (m *Manager) meanScore(vec []float64, p *profile) float64 {
	recent := p.history[max(0, len(p.history)-m.recency):]
	var sum float64
	for _, h := range recent {
		sum += m.metric.Score(vec, h)
	}
	return sum / float64(len(recent))
}

func (m *Manager) appendHistory(p *profile, vec []float64) {
	p.segments++
	p.history = append(p.history, vec)
	if over := len(p.history) - m.historyLimit; over > 0 {
		p.history = append(p.history[:0], p.history[over:]...)
	}
}

// Rename sets the display name for label. An empty name clears it. Labels
// that have not been seen yet are accepted, so names can be assigned
// before a speaker first talks.
func (m *Manager) Rename(label, name string) error {
	if _, err := ParseLabel(label); err != nil {
		return err
	}
	name = strings.TrimSpace(name)

	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		delete(m.names, label)
		return nil
	}
	m.names[label] = name
	return nil
}

// ApplyAliases replaces all display names with aliases. Invalid labels are
// skipped and reported in the returned error.
func (m *Manager) ApplyAliases(aliases map[string]string) error {
	next := make(map[string]string, len(aliases))
	var errs []error
	for label, name := range aliases {
		if _, err := ParseLabel(label); err != nil {
			errs = append(errs, err)
			continue
		}
		if name = strings.TrimSpace(name); name != "" {
			next[label] = name
		}
	}

	m.mu.Lock()
	m.names = next
	m.mu.Unlock()
	return errors.Join(errs...)
}

// DisplayName returns the name shown for label: the user-assigned name if
// one exists, else label itself.
func (m *Manager) DisplayName(label string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name, ok := m.names[label]; ok {
		return name
	}
	return label
}

// Names returns a copy of all display names keyed by label.
func (m *Manager) Names() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.names)
}

// Count returns the number of profiles.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.profiles)
}

// Profiles returns snapshots of all profiles ordered by ID.
func (m *Manager) Profiles() []Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		state := Provisional
		if p.segments >= m.recency {
			state = Stable
		}
		out = append(out, Profile{
			ID:          p.id,
			Label:       p.label,
			DisplayName: m.names[p.label],
			Segments:    p.segments,
			State:       state,
			Centroid:    centroid(p.history),
		})
	}
	return out
}

func centroid(history [][]float64) []float64 {
	if len(history) == 0 {
		return nil
	}
	c := make([]float64, len(history[0]))
	for _, h := range history {
		for i := range min(len(c), len(h)) {
			c[i] += h[i]
		}
	}
	for i := range c {
		c[i] /= float64(len(history))
	}
	return c
}

// Label renders the label of speaker id.
func Label(id int) string {
	return LabelPrefix + strconv.Itoa(id)
}

// ParseLabel returns the numeric id of a Speaker_N label.
func ParseLabel(label string) (int, error) {
	rest, ok := strings.CutPrefix(label, LabelPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	return id, nil
}
