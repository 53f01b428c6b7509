package pseudo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/qforge-dev/qforge/internal/structure"
)

// Binding maps each element symbol in a structure to the absolute path
// of its pseudopotential file.
type Binding map[string]string

// Fetcher retrieves pseudopotential file bytes for an element from a
// remote source.
type Fetcher interface {
	Fetch(ctx context.Context, element string) ([]byte, error)
}

// MissingPseudopotentialError reports an element with no local
// pseudopotential and no fetchable one.
type MissingPseudopotentialError struct {
	Element string
	Err     error
}

func (e *MissingPseudopotentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no pseudopotential for element %s: %v", e.Element, e.Err)
	}
	return fmt.Sprintf("no pseudopotential for element %s", e.Element)
}

func (e *MissingPseudopotentialError) Unwrap() error { return e.Err }

// Resolve binds every unique element of the structure to a
// pseudopotential file under dir. A matching local file always wins;
// otherwise the fetcher supplies one, which is stored as <Element>.UPF.
// Existing files are never overwritten, so repeated invocations are
// idempotent. Any unresolvable element aborts the whole binding.
func Resolve(ctx context.Context, s *structure.Structure, dir string, fetcher Fetcher) (Binding, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pseudopotential directory: %w", err)
	}
	binding := Binding{}
	for _, el := range s.Elements() {
		path, err := resolveOne(ctx, el, dir, fetcher)
		if err != nil {
			return nil, err
		}
		binding[el] = path
	}
	return binding, nil
}

func resolveOne(ctx context.Context, el, dir string, fetcher Fetcher) (string, error) {
	if path, ok := findLocal(el, dir); ok {
		log.Debug().Str("element", el).Str("file", filepath.Base(path)).Msg("using local pseudopotential")
		return path, nil
	}
	if fetcher == nil {
		return "", &MissingPseudopotentialError{Element: el, Err: errors.New("not found locally and no fetcher configured")}
	}
	data, err := fetcher.Fetch(ctx, el)
	if err != nil {
		return "", &MissingPseudopotentialError{Element: el, Err: err}
	}
	dest := filepath.Join(dir, el+".UPF")
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			// Another invocation stored it first; the existing file wins.
			return dest, nil
		}
		return "", fmt.Errorf("store pseudopotential for %s: %w", el, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(dest)
		return "", fmt.Errorf("store pseudopotential for %s: %w", el, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("store pseudopotential for %s: %w", el, err)
	}
	log.Info().Str("element", el).Str("file", filepath.Base(dest)).Msg("downloaded pseudopotential")
	return dest, nil
}

// findLocal looks for a UPF file for the element in dir. Matching is
// case-insensitive on "<El>.upf" or "<El>[._-]*.upf" so that N does not
// match Na. Candidates are picked in sorted name order for
// reproducibility.
func findLocal(el, dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	want := strings.ToLower(el)
	for _, name := range names {
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, ".upf") {
			continue
		}
		stem := strings.TrimSuffix(lower, ".upf")
		if stem == want ||
			strings.HasPrefix(lower, want+".") ||
			strings.HasPrefix(lower, want+"_") ||
			strings.HasPrefix(lower, want+"-") {
			abs, err := filepath.Abs(filepath.Join(dir, name))
			if err != nil {
				return "", false
			}
			return abs, true
		}
	}
	return "", false
}
