package speaker_test

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/MrWong99/captioner/internal/speaker"
)

func mustIdentify(t *testing.T, m *speaker.Manager, vec []float64) speaker.Assignment {
	t.Helper()
	a, err := m.IdentifyOrCreate(vec)
	if err != nil {
		t.Fatalf("IdentifyOrCreate(%v): %v", vec, err)
	}
	return a
}

func TestIdentifyOrCreate_NearIdenticalShareLabel(t *testing.T) {
	m := speaker.NewManager()
	a := mustIdentify(t, m, []float64{3, 0.1, 0.5})
	b := mustIdentify(t, m, []float64{3.0001, 0.1, 0.5})
	if a.Label != b.Label {
		t.Errorf("labels differ: %q vs %q", a.Label, b.Label)
	}
	if !a.Created || b.Created {
		t.Errorf("created flags = %v, %v; want true, false", a.Created, b.Created)
	}
	if a.Label != "Speaker_1" {
		t.Errorf("first label = %q, want Speaker_1", a.Label)
	}
}

func TestIdentifyOrCreate_DistantVectorsSplit(t *testing.T) {
	m := speaker.NewManager()
	a := mustIdentify(t, m, []float64{1, 0.1, 0.5})
	b := mustIdentify(t, m, []float64{5, 0.1, 0.5})
	if a.Label == b.Label {
		t.Fatalf("distant vectors share label %q", a.Label)
	}
	if b.Label != "Speaker_2" {
		t.Errorf("second label = %q, want Speaker_2", b.Label)
	}
}

func TestIdentifyOrCreate_CapNeverExceeded(t *testing.T) {
	m := speaker.NewManager()
	for i := range 50 {
		a := mustIdentify(t, m, []float64{float64(i * 10), 0, 0})
		if i >= speaker.DefaultMaxSpeakers && !a.Forced {
			t.Errorf("vector %d: expected forced assignment once cap reached", i)
		}
	}
	if got := m.Count(); got != speaker.DefaultMaxSpeakers {
		t.Errorf("Count = %d, want %d", got, speaker.DefaultMaxSpeakers)
	}
}

func TestIdentifyOrCreate_ForcedGoesToNearest(t *testing.T) {
	m := speaker.NewManager(speaker.WithMaxSpeakers(2))
	mustIdentify(t, m, []float64{0, 0, 0})
	mustIdentify(t, m, []float64{10, 0, 0})
	a := mustIdentify(t, m, []float64{8, 0, 0})
	if !a.Forced || a.Label != "Speaker_2" {
		t.Errorf("assignment = %+v, want forced to Speaker_2", a)
	}
}

func TestIdentifyOrCreate_UnlimitedWhenCapDisabled(t *testing.T) {
	m := speaker.NewManager(speaker.WithMaxSpeakers(0))
	for i := range 12 {
		mustIdentify(t, m, []float64{float64(i * 10), 0, 0})
	}
	if got := m.Count(); got != 12 {
		t.Errorf("Count = %d, want 12", got)
	}
}

func TestIdentifyOrCreate_RecencyTracksDrift(t *testing.T) {
	m := speaker.NewManager()
	// A speaker drifting slowly in energy stays one identity even though the
	// last vector is far from the first.
	for i := range 20 {
		a := mustIdentify(t, m, []float64{1 + float64(i)*0.3, 0, 0})
		if a.Label != "Speaker_1" {
			t.Fatalf("step %d assigned %q, want Speaker_1", i, a.Label)
		}
	}
}

func TestIdentifyOrCreate_EmptyVector(t *testing.T) {
	m := speaker.NewManager()
	if _, err := m.IdentifyOrCreate(nil); !errors.Is(err, speaker.ErrEmptyVector) {
		t.Fatalf("err = %v, want ErrEmptyVector", err)
	}
}

func TestIdentifyOrCreate_CosineMetric(t *testing.T) {
	m := speaker.NewManager(speaker.WithMetric(speaker.Cosine(0)))
	a := mustIdentify(t, m, []float64{1, 0, 0, 0})
	b := mustIdentify(t, m, []float64{0.95, 0.05, 0, 0})
	c := mustIdentify(t, m, []float64{0, 1, 0, 0})
	if a.Label != b.Label {
		t.Errorf("similar embeddings split: %q vs %q", a.Label, b.Label)
	}
	if c.Label == a.Label {
		t.Errorf("orthogonal embedding joined %q", a.Label)
	}
}

func TestProfiles_StateAndCentroid(t *testing.T) {
	m := speaker.NewManager()
	for range 3 {
		mustIdentify(t, m, []float64{2, 0.2, 0.4})
	}
	mustIdentify(t, m, []float64{9, 0.2, 0.4})

	ps := m.Profiles()
	if len(ps) != 2 {
		t.Fatalf("profiles = %d, want 2", len(ps))
	}
	if ps[0].State != speaker.Stable || ps[1].State != speaker.Provisional {
		t.Errorf("states = %v, %v; want stable, provisional", ps[0].State, ps[1].State)
	}
	if math.Abs(ps[0].Centroid[0]-2) > 1e-9 {
		t.Errorf("centroid = %v", ps[0].Centroid)
	}
}

func TestRename_DoesNotAffectClustering(t *testing.T) {
	m := speaker.NewManager()
	a := mustIdentify(t, m, []float64{3, 0.1, 0.5})
	if err := m.Rename(a.Label, "Alice"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	b := mustIdentify(t, m, []float64{3, 0.1, 0.5})
	if b.Label != a.Label {
		t.Errorf("label after rename = %q, want %q", b.Label, a.Label)
	}
	if got := m.DisplayName(a.Label); got != "Alice" {
		t.Errorf("DisplayName = %q, want Alice", got)
	}
	if got := m.Profiles()[0].Name(); got != "Alice" {
		t.Errorf("Profile.Name = %q, want Alice", got)
	}

	if err := m.Rename(a.Label, "  "); err != nil {
		t.Fatalf("Rename clear: %v", err)
	}
	if got := m.DisplayName(a.Label); got != a.Label {
		t.Errorf("DisplayName after clear = %q, want %q", got, a.Label)
	}
}

func TestRename_InvalidLabel(t *testing.T) {
	m := speaker.NewManager()
	for _, label := range []string{"", "Unknown", "Speaker_0", "Speaker_x", "speaker_1"} {
		if err := m.Rename(label, "x"); !errors.Is(err, speaker.ErrInvalidLabel) {
			t.Errorf("Rename(%q) err = %v, want ErrInvalidLabel", label, err)
		}
	}
}

func TestApplyAliases(t *testing.T) {
	m := speaker.NewManager()
	_ = m.Rename("Speaker_3", "Old")
	err := m.ApplyAliases(map[string]string{"Speaker_1": "Ann", "bogus": "x"})
	if !errors.Is(err, speaker.ErrInvalidLabel) {
		t.Errorf("err = %v, want ErrInvalidLabel", err)
	}
	names := m.Names()
	if len(names) != 1 || names["Speaker_1"] != "Ann" {
		t.Errorf("names = %v, want only Speaker_1=Ann", names)
	}
}

func TestManager_ConcurrentRenameAndIdentify(t *testing.T) {
	m := speaker.NewManager()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 50 {
				_, _ = m.IdentifyOrCreate([]float64{float64(i), float64(j % 2), 0})
			}
		}()
		go func() {
			defer wg.Done()
			for j := range 50 {
				_ = m.Rename(speaker.Label(1+j%3), fmt.Sprintf("name-%d", j))
			}
		}()
	}
	wg.Wait()
	if m.Count() > speaker.DefaultMaxSpeakers {
		t.Errorf("Count = %d exceeds cap", m.Count())
	}
}

func TestParseLabel(t *testing.T) {
	id, err := speaker.ParseLabel("Speaker_12")
	if err != nil || id != 12 {
		t.Errorf("ParseLabel = %d, %v; want 12, nil", id, err)
	}
	if speaker.Label(4) != "Speaker_4" {
		t.Errorf("Label(4) = %q", speaker.Label(4))
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := speaker.CosineSimilarity([]float64{1, 0}, []float64{2, 0}); math.Abs(got-1) > 1e-12 {
		t.Errorf("parallel = %v, want 1", got)
	}
	if got := speaker.CosineSimilarity([]float64{0, 0}, []float64{1, 0}); got != -1 {
		t.Errorf("zero vector = %v, want -1", got)
	}
}
