package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeScript drops an executable shell script standing in for pw.x.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-pw.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeDeck(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Si.scf.in")
	deck := "&CONTROL\n  calculation = 'scf',\n  prefix = 'Si',\n/\n"
	if err := os.WriteFile(path, []byte(deck), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, script string, timeout time.Duration) (*Supervisor, *RunResult) {
	t.Helper()
	sv := New(Options{
		Command: script,
		Timeout: timeout,
		RunDir:  t.TempDir(),
		Flat:    true,
	})
	res, err := sv.Run(context.Background(), writeDeck(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return sv, res
}

func TestRunConverged(t *testing.T) {
	script := writeScript(t, "echo 'convergence has been achieved in 12 iterations'\necho 'JOB DONE.'\n")
	sv, res := run(t, script, 0)
	if res.Status != Completed {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if sv.State() != Completed {
		t.Errorf("state = %s, want completed", sv.State())
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if res.Classification != Converged {
		t.Errorf("classification = %s, want converged", res.Classification)
	}
}

func TestRunZeroExitWithFailureMarker(t *testing.T) {
	// pw.x exits 0 even when scf did not converge; the marker must win.
	script := writeScript(t, "echo 'convergence NOT achieved after 100 iterations: stopping'\nexit 0\n")
	_, res := run(t, script, 0)
	if res.Status != Completed {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.Classification != DidNotConverge {
		t.Errorf("classification = %s, want did-not-converge", res.Classification)
	}
}

func TestRunCrashed(t *testing.T) {
	script := writeScript(t, "echo 'Error in routine davcio (10)'\nexit 2\n")
	_, res := run(t, script, 0)
	if res.Status != Completed {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", res.ExitCode)
	}
	if res.Classification != Crashed {
		t.Errorf("classification = %s, want crashed", res.Classification)
	}
}

func TestRunUnknownWithoutMarkers(t *testing.T) {
	script := writeScript(t, "echo 'lattice parameter (alat) = 10.2'\n")
	_, res := run(t, script, 0)
	if res.Classification != Unknown {
		t.Errorf("classification = %s, want unknown", res.Classification)
	}
}

func TestRunTimeout(t *testing.T) {
	script := writeScript(t, "echo started\nsleep 10\necho 'JOB DONE.'\n")
	start := time.Now()
	sv, res := run(t, script, 1*time.Second)
	if res.Status != TimedOut {
		t.Fatalf("status = %s, want timed-out", res.Status)
	}
	if sv.State() != TimedOut {
		t.Errorf("state = %s, want timed-out", sv.State())
	}
	if elapsed := time.Since(start); elapsed >= 9*time.Second {
		t.Errorf("run took %s, process was not terminated", elapsed)
	}
	// partial stdout is retained
	if _, err := os.Stat(res.StdoutPath); err != nil {
		t.Errorf("stdout log missing after timeout: %v", err)
	}
	content, _ := os.ReadFile(res.StdoutPath)
	if string(content) != "started\n" {
		t.Errorf("partial stdout = %q, want %q", content, "started\n")
	}
}

func TestRunFailureOnlyMarkersKeepSuccessDefaults(t *testing.T) {
	script := writeScript(t, "echo 'JOB DONE.'\n")
	sv := New(Options{
		Command: script,
		RunDir:  t.TempDir(),
		Flat:    true,
		Markers: Markers{Failure: []string{`custom failure`}},
	})
	res, err := sv.Run(context.Background(), writeDeck(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Classification != Converged {
		t.Errorf("classification = %s, want converged via default success markers", res.Classification)
	}
}

func TestRunCanceledContext(t *testing.T) {
	script := writeScript(t, "sleep 10\n")
	sv := New(Options{Command: script, RunDir: t.TempDir(), Flat: true})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	res, err := sv.Run(ctx, writeDeck(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Status != Canceled {
		t.Errorf("status = %s, want canceled", res.Status)
	}
	if sv.State() != Canceled {
		t.Errorf("state = %s, want canceled", sv.State())
	}
}

func TestRunLaunchFailed(t *testing.T) {
	sv := New(Options{
		Command: filepath.Join(t.TempDir(), "no-such-binary"),
		RunDir:  t.TempDir(),
		Flat:    true,
	})
	res, err := sv.Run(context.Background(), writeDeck(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != LaunchFailed {
		t.Fatalf("status = %s, want launch-failed", res.Status)
	}
	if sv.State() != LaunchFailed {
		t.Errorf("state = %s, want launch-failed", sv.State())
	}
	if res.LaunchError == "" {
		t.Error("launch error message missing")
	}
}

func TestRunMissingDeckIsSetupError(t *testing.T) {
	sv := New(Options{RunDir: t.TempDir(), Flat: true})
	if _, err := sv.Run(context.Background(), filepath.Join(t.TempDir(), "nope.in")); err == nil {
		t.Error("expected error for missing deck")
	}
}

func TestRunSeparatesStdoutAndStderr(t *testing.T) {
	script := writeScript(t, "echo out-line\necho err-line >&2\necho 'JOB DONE.'\n")
	_, res := run(t, script, 0)
	out, err := os.ReadFile(res.StdoutPath)
	if err != nil {
		t.Fatal(err)
	}
	errLog, err := os.ReadFile(res.StderrPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(errLog) != "err-line\n" {
		t.Errorf("stderr = %q", errLog)
	}
	if string(out) == "" || string(out) == string(errLog) {
		t.Errorf("stdout = %q", out)
	}
}

func TestBuildArgvWithMPI(t *testing.T) {
	sv := New(Options{Command: "pw.x", MPI: []string{"mpirun"}, Procs: 4})
	argv := sv.buildArgv("/usr/bin/pw.x", "/tmp/Si.scf.in")
	want := []string{"mpirun", "-np", "4", "/usr/bin/pw.x", "-in", "/tmp/Si.scf.in"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestSupervisorStartsNotStarted(t *testing.T) {
	sv := New(Options{})
	if sv.State() != NotStarted {
		t.Errorf("state = %s, want not-started", sv.State())
	}
}
