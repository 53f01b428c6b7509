package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(prefix, kind, classification string) *Record {
	return &Record{
		Prefix:         prefix,
		Kind:           kind,
		DeckPath:       "/decks/" + prefix + "." + kind + ".in",
		Status:         "completed",
		Classification: classification,
		StdoutPath:     "/runs/" + prefix + ".out",
		StderrPath:     "/runs/" + prefix + ".err",
		StartedAt:      time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Elapsed:        90 * time.Second,
	}
}

func TestInsertAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, r := range []*Record{
		record("Si", "scf", "converged"),
		record("GaN", "relax", "did-not-converge"),
	} {
		if _, err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	// newest first
	if got[0].Prefix != "GaN" || got[1].Prefix != "Si" {
		t.Errorf("order = %s, %s; want GaN, Si", got[0].Prefix, got[1].Prefix)
	}
	if got[1].Classification != "converged" {
		t.Errorf("classification = %q", got[1].Classification)
	}
	if got[1].Elapsed != 90*time.Second {
		t.Errorf("elapsed = %s, want 90s", got[1].Elapsed)
	}
	if !got[1].StartedAt.Equal(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("started at = %s", got[1].StartedAt)
	}
}

func TestRecentLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.Insert(ctx, record("Si", "scf", "converged")); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d records, want 3", len(got))
	}
}

func TestHasConvergedSCF(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if s.HasConvergedSCF("Si") {
		t.Error("empty ledger reports a converged scf run")
	}
	if _, err := s.Insert(ctx, record("Si", "scf", "did-not-converge")); err != nil {
		t.Fatal(err)
	}
	if s.HasConvergedSCF("Si") {
		t.Error("non-converged run counted as prior state")
	}
	if _, err := s.Insert(ctx, record("Si", "nscf", "converged")); err != nil {
		t.Fatal(err)
	}
	if s.HasConvergedSCF("Si") {
		t.Error("nscf run counted as prior scf state")
	}
	if _, err := s.Insert(ctx, record("Si", "scf", "converged")); err != nil {
		t.Fatal(err)
	}
	if !s.HasConvergedSCF("Si") {
		t.Error("converged scf run not found")
	}
	if s.HasConvergedSCF("GaN") {
		t.Error("prefix mismatch reported as prior state")
	}
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "runs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
