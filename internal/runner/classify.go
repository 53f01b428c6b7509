package runner

import (
	"os"
	"regexp"

	"github.com/rs/zerolog/log"
)

// Classification is the coarse outcome derived from the captured
// standard output. Scientific codes routinely exit 0 on non-converged
// results, so the exit code alone is not trusted.
type Classification string

const (
	Converged      Classification = "converged"
	DidNotConverge Classification = "did-not-converge"
	Crashed        Classification = "crashed"
	Unknown        Classification = "unknown"
)

// Markers holds the regular expressions scanned for in run output. The
// lists are configuration, not constants: the recognizable diagnostics
// depend on the external tool build.
type Markers struct {
	Failure []string `yaml:"failure"`
	Success []string `yaml:"success"`
}

// DefaultMarkers returns the pw.x diagnostics recognized out of the box.
func DefaultMarkers() Markers {
	return Markers{
		Failure: []string{
			`Error in routine`,
			`MPI_ABORT`,
			`forrtl: severe`,
			`Maximum CPU time exceeded`,
			`cannot open file`,
			`convergence NOT achieved`,
			`ERROR`,
		},
		Success: []string{
			`convergence has been achieved`,
			`JOB DONE\.`,
		},
	}
}

// Classify derives the run classification from the exit code and the
// stdout log. Precedence: non-zero exit wins outright; then a failure
// marker; then a success marker; anything else is unknown.
func Classify(exitCode int, stdoutPath string, m Markers) Classification {
	if exitCode != 0 {
		return Crashed
	}
	content, err := os.ReadFile(stdoutPath)
	if err != nil {
		log.Warn().Str("path", stdoutPath).Err(err).Msg("cannot read stdout log for classification")
		return Unknown
	}
	if matchAny(m.Failure, content) {
		return DidNotConverge
	}
	if matchAny(m.Success, content) {
		return Converged
	}
	return Unknown
}

func matchAny(patterns []string, content []byte) bool {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Warn().Str("pattern", p).Err(err).Msg("skipping invalid output marker")
			continue
		}
		if re.Match(content) {
			return true
		}
	}
	return false
}
