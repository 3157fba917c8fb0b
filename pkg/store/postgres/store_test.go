package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/captioner/pkg/store"
	"github.com/MrWong99/captioner/pkg/store/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if CAPTIONER_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CAPTIONER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CAPTIONER_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] on a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	dropSchema(t, ctx, pool)
	pool.Close()

	st, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS speaker_profiles CASCADE",
		"DROP TABLE IF EXISTS transcript_lines CASCADE",
		"DROP TABLE IF EXISTS speaker_names CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	st2, err := postgres.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	_ = st2.Close()
}

func TestNames(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.SaveName(ctx, "Speaker_1", "Alice"); err != nil {
		t.Fatalf("SaveName: %v", err)
	}
	if err := st.SaveName(ctx, "Speaker_1", "Alicia"); err != nil {
		t.Fatalf("SaveName overwrite: %v", err)
	}
	if err := st.SaveName(ctx, "Speaker_2", "Bob"); err != nil {
		t.Fatalf("SaveName: %v", err)
	}
	if err := st.SaveName(ctx, "Speaker_2", "  "); err != nil {
		t.Fatalf("SaveName delete: %v", err)
	}

	names, err := st.LoadNames(ctx)
	if err != nil {
		t.Fatalf("LoadNames: %v", err)
	}
	if len(names) != 1 || names["Speaker_1"] != "Alicia" {
		t.Errorf("names = %v, want only Speaker_1=Alicia", names)
	}
}

func TestLines(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	want := []store.Line{
		{Speaker: "Alice", Label: "Speaker_1", Text: "hello there", Start: 0, End: 1500 * time.Millisecond},
		{Label: "Unknown", Text: "mm", Start: 1500 * time.Millisecond, End: 2 * time.Second},
	}
	for _, l := range want {
		if err := st.AppendLine(ctx, "s1", l); err != nil {
			t.Fatalf("AppendLine: %v", err)
		}
	}
	if err := st.AppendLine(ctx, "s2", store.Line{Label: "Speaker_1", Text: "other"}); err != nil {
		t.Fatalf("AppendLine: %v", err)
	}

	got, err := st.Lines(ctx, "s1")
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len(lines) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	empty, err := st.Lines(ctx, "missing")
	if err != nil {
		t.Fatalf("Lines(missing): %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Lines(missing) = %v, want empty slice", empty)
	}
}

func TestProfiles(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.LoadProfiles(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LoadProfiles before save: err = %v, want ErrNotFound", err)
	}

	first := []store.Profile{
		{Label: "Speaker_2", Segments: 3, Centroid: []float32{0, 1, 0}},
		{Label: "Speaker_1", Name: "Alice", Segments: 5, Centroid: []float32{1, 0, 0}},
	}
	if err := st.SaveProfiles(ctx, "s1", first); err != nil {
		t.Fatalf("SaveProfiles: %v", err)
	}
	got, err := st.LoadProfiles(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if len(got) != 2 || got[0].Label != "Speaker_1" || got[0].Name != "Alice" || got[0].Segments != 5 {
		t.Fatalf("profiles = %+v", got)
	}
	if len(got[0].Centroid) != 3 || got[0].Centroid[0] != 1 {
		t.Errorf("centroid = %v, want [1 0 0]", got[0].Centroid)
	}

	// A second save replaces the snapshot.
	if err := st.SaveProfiles(ctx, "s1", first[:1]); err != nil {
		t.Fatalf("SaveProfiles replace: %v", err)
	}
	got, err = st.LoadProfiles(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if len(got) != 1 || got[0].Label != "Speaker_2" {
		t.Errorf("profiles after replace = %+v", got)
	}
}

func TestNearestProfiles(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.SaveProfiles(ctx, "s1", []store.Profile{
		{Label: "Speaker_1", Centroid: []float32{1, 0, 0}},
		{Label: "Speaker_2", Centroid: []float32{0, 1, 0}},
	}); err != nil {
		t.Fatalf("SaveProfiles: %v", err)
	}
	if err := st.SaveProfiles(ctx, "s2", []store.Profile{
		{Label: "Speaker_1", Centroid: []float32{0.1, 0.2, 0.3, 0.4}},
	}); err != nil {
		t.Fatalf("SaveProfiles: %v", err)
	}

	got, err := st.NearestProfiles(ctx, []float32{0.1, 0.9, 0}, 5)
	if err != nil {
		t.Fatalf("NearestProfiles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (4-dim centroid excluded)", len(got))
	}
	if got[0].Label != "Speaker_2" {
		t.Errorf("nearest = %q, want Speaker_2", got[0].Label)
	}

	if _, err := st.NearestProfiles(ctx, nil, 1); err == nil {
		t.Error("expected error for empty centroid")
	}
}
