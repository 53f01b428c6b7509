package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qforge-dev/qforge/internal/deck"
)

// State is the supervisor lifecycle state.
type State int

const (
	NotStarted State = iota
	Running
	Completed
	TimedOut
	LaunchFailed
	Canceled
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed-out"
	case LaunchFailed:
		return "launch-failed"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

// killGrace is how long a terminated process group gets to exit before
// it is killed outright.
const killGrace = 5 * time.Second

// Options configures one supervised invocation.
type Options struct {
	Command string   // pw.x executable name or path
	MPI     []string // parallel launch wrapper, e.g. ["mpirun"]
	Procs   int      // process count passed as -np when MPI is set
	Timeout time.Duration
	RunDir  string // root for per-run log directories
	Flat    bool   // write logs directly into RunDir
	Markers Markers
}

// RunResult is the terminal artifact of one supervised run.
type RunResult struct {
	Status         State
	Classification Classification
	ExitCode       int
	StdoutPath     string
	StderrPath     string
	Elapsed        time.Duration
	LaunchError    string // set when Status is LaunchFailed
}

// Supervisor runs exactly one external process per Run call.
type Supervisor struct {
	opts  Options
	state State
}

// New builds a supervisor in the NotStarted state.
func New(opts Options) *Supervisor {
	if opts.Command == "" {
		opts.Command = "pw.x"
	}
	def := DefaultMarkers()
	if len(opts.Markers.Failure) == 0 {
		opts.Markers.Failure = def.Failure
	}
	if len(opts.Markers.Success) == 0 {
		opts.Markers.Success = def.Success
	}
	return &Supervisor{opts: opts, state: NotStarted}
}

// State reports the current lifecycle state.
func (sv *Supervisor) State() State { return sv.state }

// Run launches the external binary against the deck, streams its output
// to log files, enforces the wall-clock timeout, and classifies the
// outcome. Execution-time failures come back inside the RunResult; the
// error return covers only setup problems (unreadable deck, unwritable
// log directory) and caller cancellation.
func (sv *Supervisor) Run(ctx context.Context, deckPath string) (*RunResult, error) {
	deckAbs, err := filepath.Abs(deckPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(deckAbs); err != nil {
		return nil, fmt.Errorf("input deck: %w", err)
	}
	sv.prepareDeckDirs(deckAbs)

	runDir, err := sv.makeRunDir(deckAbs)
	if err != nil {
		return nil, err
	}
	stem := strings.TrimSuffix(filepath.Base(deckAbs), filepath.Ext(deckAbs))
	res := &RunResult{
		Status:         NotStarted,
		Classification: Unknown,
		StdoutPath:     filepath.Join(runDir, stem+".out"),
		StderrPath:     filepath.Join(runDir, stem+".err"),
	}

	exe, err := resolveExecutable(sv.opts.Command)
	if err != nil {
		sv.state = LaunchFailed
		res.Status = LaunchFailed
		res.LaunchError = err.Error()
		return res, nil
	}

	stdout, err := os.Create(res.StdoutPath)
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(res.StderrPath)
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer stderr.Close()

	argv := sv.buildArgv(exe, deckAbs)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(deckAbs)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group, so a timeout can reclaim MPI children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	log.Info().Strs("argv", argv).Str("run_dir", runDir).Msg("launching")
	start := time.Now()
	if err := cmd.Start(); err != nil {
		sv.state = LaunchFailed
		res.Status = LaunchFailed
		res.LaunchError = err.Error()
		return res, nil
	}
	sv.state = Running

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if sv.opts.Timeout > 0 {
		t := time.NewTimer(sv.opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case waitErr := <-done:
		res.Elapsed = time.Since(start)
		sv.state = Completed
		res.Status = Completed
		res.ExitCode = exitCode(waitErr)
		res.Classification = Classify(res.ExitCode, res.StdoutPath, sv.opts.Markers)
		log.Info().
			Int("exit_code", res.ExitCode).
			Str("classification", string(res.Classification)).
			Dur("elapsed", res.Elapsed).
			Msg("run completed")
	case <-timeout:
		res.Elapsed = time.Since(start)
		sv.terminate(cmd, done)
		sv.state = TimedOut
		res.Status = TimedOut
		log.Error().
			Dur("timeout", sv.opts.Timeout).
			Str("stdout", res.StdoutPath).
			Msg("run timed out, process terminated")
	case <-ctx.Done():
		res.Elapsed = time.Since(start)
		sv.terminate(cmd, done)
		sv.state = Canceled
		res.Status = Canceled
		return res, ctx.Err()
	}
	return res, nil
}

// terminate signals the whole process group, escalating to SIGKILL
// after the grace period.
func (sv *Supervisor) terminate(cmd *exec.Cmd, done <-chan error) {
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(killGrace):
	}
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	<-done
}

func (sv *Supervisor) buildArgv(exe, deckPath string) []string {
	var argv []string
	if len(sv.opts.MPI) > 0 {
		argv = append(argv, sv.opts.MPI...)
		if sv.opts.Procs > 0 {
			argv = append(argv, "-np", strconv.Itoa(sv.opts.Procs))
		}
	}
	return append(argv, exe, "-in", deckPath)
}

// makeRunDir creates the directory receiving this run's logs:
// <RunDir>/<deck stem>_<timestamp>, or RunDir itself in flat mode.
func (sv *Supervisor) makeRunDir(deckPath string) (string, error) {
	root := sv.opts.RunDir
	if root == "" {
		root = "qe_runs"
	}
	dir := root
	if !sv.opts.Flat {
		stem := strings.TrimSuffix(filepath.Base(deckPath), filepath.Ext(deckPath))
		dir = filepath.Join(root, stem+"_"+time.Now().Format("20060102_150405"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}
	return dir, nil
}

// prepareDeckDirs reads outdir and pseudo_dir back out of the deck,
// creating the output directory and warning when the pseudopotential
// directory is missing.
func (sv *Supervisor) prepareDeckDirs(deckPath string) {
	text, err := os.ReadFile(deckPath)
	if err != nil {
		return
	}
	base := filepath.Dir(deckPath)
	if outdir := deck.NamelistValue(string(text), "outdir"); outdir != "" {
		if !filepath.IsAbs(outdir) {
			outdir = filepath.Join(base, outdir)
		}
		if err := os.MkdirAll(outdir, 0o755); err != nil {
			log.Warn().Str("outdir", outdir).Err(err).Msg("cannot create output directory")
		}
	}
	if pd := deck.NamelistValue(string(text), "pseudo_dir"); pd != "" {
		if !filepath.IsAbs(pd) {
			pd = filepath.Join(base, pd)
		}
		if _, err := os.Stat(pd); err != nil {
			log.Warn().Str("pseudo_dir", pd).Msg("pseudopotential directory not found")
		}
	}
}

// resolveExecutable locates the external binary: explicit paths must
// exist as-is, bare names go through PATH.
func resolveExecutable(command string) (string, error) {
	if strings.Contains(command, string(os.PathSeparator)) {
		if _, err := os.Stat(command); err != nil {
			return "", fmt.Errorf("executable %s: %w", command, err)
		}
		return command, nil
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("executable %s not found in PATH", command)
	}
	return path, nil
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exit, ok := waitErr.(*exec.ExitError); ok {
		return exit.ExitCode()
	}
	return 1
}
