package runner

import (
	"os"
	"path/filepath"
	"testing"
)

func logFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.out")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClassifyPrecedence(t *testing.T) {
	m := DefaultMarkers()
	cases := []struct {
		name     string
		exitCode int
		content  string
		want     Classification
	}{
		{"nonzero exit wins over success marker", 1, "JOB DONE.\n", Crashed},
		{"failure marker wins over success marker", 0, "ERROR\nJOB DONE.\n", DidNotConverge},
		{"success marker", 0, "convergence has been achieved\nJOB DONE.\n", Converged},
		{"no marker", 0, "just some output\n", Unknown},
		{"mpi abort", 0, "MPI_ABORT was invoked on rank 0\n", DidNotConverge},
		{"cpu limit", 0, "Maximum CPU time exceeded\n", DidNotConverge},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.exitCode, logFile(t, c.content), m)
			if got != c.want {
				t.Errorf("Classify = %s, want %s", got, c.want)
			}
		})
	}
}

func TestClassifyUnreadableLog(t *testing.T) {
	got := Classify(0, filepath.Join(t.TempDir(), "missing.out"), DefaultMarkers())
	if got != Unknown {
		t.Errorf("Classify = %s, want unknown", got)
	}
}

func TestClassifyCustomMarkers(t *testing.T) {
	m := Markers{
		Failure: []string{`SCF failed`},
		Success: []string{`all good`},
	}
	path := logFile(t, "SCF failed after 200 steps\n")
	if got := Classify(0, path, m); got != DidNotConverge {
		t.Errorf("Classify = %s, want did-not-converge with custom markers", got)
	}
	// default markers would not recognize this line
	if got := Classify(0, path, DefaultMarkers()); got != Unknown {
		t.Errorf("Classify = %s, want unknown with default markers", got)
	}
}

func TestClassifySkipsInvalidPattern(t *testing.T) {
	m := Markers{Failure: []string{`([`, `ERROR`}}
	path := logFile(t, "ERROR: something\n")
	if got := Classify(0, path, m); got != DidNotConverge {
		t.Errorf("Classify = %s, want did-not-converge past the invalid pattern", got)
	}
}
