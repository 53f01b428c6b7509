package deck

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/qforge-dev/qforge/internal/structure"
)

// Kind is the pw.x calculation type.
type Kind string

const (
	SCF     Kind = "scf"
	Relax   Kind = "relax"
	VCRelax Kind = "vc-relax"
	NSCF    Kind = "nscf"
)

// ParseKind validates a user-supplied calculation kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case SCF, Relax, VCRelax, NSCF:
		return Kind(s), nil
	}
	return "", &InvalidParameterError{Field: "calculation", Reason: fmt.Sprintf("unknown kind %q (want scf, relax, vc-relax or nscf)", s)}
}

// Default parameter table. Everything here is overridable per run.
const (
	DefaultECutWfc    = 50.0 // Ry
	DefaultDegauss    = 0.02 // Ry
	DefaultConvThr    = 1e-8
	DefaultMixingBeta = 0.7
	DefaultSmearing   = "marzari-vanderbilt"

	// Defaults applied only for relax / vc-relax kinds.
	DefaultForcConvThr = 1e-3
	DefaultEtotConvThr = 1e-4
)

// DefaultKGrid and DefaultKShift are the default Monkhorst-Pack sampling.
var (
	DefaultKGrid  = [3]int{4, 4, 4}
	DefaultKShift = [3]int{1, 1, 1}
)

// CalculationSpec is the complete, validated control-parameter set for
// one run. Built once by Derive and immutable afterwards.
type CalculationSpec struct {
	Kind      Kind
	Prefix    string
	PseudoDir string
	OutDir    string

	ECutWfc    float64
	ECutRho    float64
	Smearing   string
	Degauss    float64
	ConvThr    float64
	MixingBeta float64
	KGrid      [3]int
	KShift     [3]int

	// Set for relax / vc-relax only.
	IonDynamics  string
	CellDynamics string
	ForcConvThr  float64
	EtotConvThr  float64
}

// Overrides is the optional user-supplied partial parameter set. Nil
// pointer fields mean "use the default".
type Overrides struct {
	ECutWfc     *float64
	ECutRho     *float64
	Smearing    *string
	Degauss     *float64
	ConvThr     *float64
	MixingBeta  *float64
	KGrid       *[3]int
	KShift      *[3]int
	KSpacing    *float64 // derive KGrid from reciprocal-space spacing, 1/angstrom
	ForcConvThr *float64
	EtotConvThr *float64

	// PriorOutDir points a non-self-consistent run at the output
	// directory of the scf run whose charge density it reuses.
	PriorOutDir string
}

// PriorState answers whether a converged self-consistent run for a
// prefix is on record. Used as a fallback when a nscf run does not name
// a prior output directory explicitly.
type PriorState interface {
	HasConvergedSCF(prefix string) bool
}

// DeriveOptions carries the per-invocation context that is not a tunable
// parameter.
type DeriveOptions struct {
	Prefix    string // defaults to the structure's formula
	PseudoDir string
	OutDir    string
	Prior     PriorState // may be nil
}

// Derive computes a complete CalculationSpec from defaults overlaid with
// the supplied overrides. It is a pure function of its inputs: identical
// inputs yield identical specs.
func Derive(s *structure.Structure, kind Kind, ov Overrides, opts DeriveOptions) (*CalculationSpec, error) {
	spec := &CalculationSpec{
		Kind:       kind,
		Prefix:     opts.Prefix,
		PseudoDir:  opts.PseudoDir,
		OutDir:     opts.OutDir,
		ECutWfc:    DefaultECutWfc,
		Smearing:   DefaultSmearing,
		Degauss:    DefaultDegauss,
		ConvThr:    DefaultConvThr,
		MixingBeta: DefaultMixingBeta,
		KGrid:      DefaultKGrid,
		KShift:     DefaultKShift,
	}
	if spec.Prefix == "" {
		spec.Prefix = s.Formula
	}
	if spec.Prefix == "" {
		spec.Prefix = s.ReducedFormula()
	}

	if ov.ECutWfc != nil {
		spec.ECutWfc = *ov.ECutWfc
	}
	// The charge-density cutoff tracks the wavefunction cutoff unless the
	// caller pins it explicitly.
	spec.ECutRho = 4 * spec.ECutWfc
	if ov.ECutRho != nil {
		spec.ECutRho = *ov.ECutRho
	}
	if ov.Smearing != nil {
		spec.Smearing = *ov.Smearing
	}
	if ov.Degauss != nil {
		spec.Degauss = *ov.Degauss
	}
	if ov.ConvThr != nil {
		spec.ConvThr = *ov.ConvThr
	}
	if ov.MixingBeta != nil {
		spec.MixingBeta = *ov.MixingBeta
	}

	switch {
	case ov.KGrid != nil && ov.KSpacing != nil:
		return nil, &InvalidParameterError{Field: "kspacing", Reason: "cannot combine an explicit k-grid with a k-spacing"}
	case ov.KGrid != nil:
		spec.KGrid = *ov.KGrid
	case ov.KSpacing != nil:
		grid, err := gridFromSpacing(s, *ov.KSpacing)
		if err != nil {
			return nil, err
		}
		spec.KGrid = grid
	}
	if ov.KShift != nil {
		spec.KShift = *ov.KShift
	}

	switch kind {
	case Relax, VCRelax:
		spec.IonDynamics = "bfgs"
		spec.ForcConvThr = DefaultForcConvThr
		spec.EtotConvThr = DefaultEtotConvThr
		if ov.ForcConvThr != nil {
			spec.ForcConvThr = *ov.ForcConvThr
		}
		if ov.EtotConvThr != nil {
			spec.EtotConvThr = *ov.EtotConvThr
		}
		if kind == VCRelax {
			spec.CellDynamics = "bfgs"
		}
	case NSCF:
		if err := checkPriorState(spec.Prefix, ov.PriorOutDir, opts, spec); err != nil {
			return nil, err
		}
	}

	if err := spec.validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// checkPriorState verifies that a nscf run can see the charge density of
// a completed scf run: either a <prefix>.save directory under the
// referenced output directory, or a converged scf run on record.
func checkPriorState(prefix, priorOutDir string, opts DeriveOptions, spec *CalculationSpec) error {
	dir := priorOutDir
	if dir == "" {
		dir = opts.OutDir
	}
	if dir != "" {
		save := filepath.Join(dir, prefix+".save")
		if fi, err := os.Stat(save); err == nil && fi.IsDir() {
			spec.OutDir = dir
			return nil
		}
	}
	if opts.Prior != nil && opts.Prior.HasConvergedSCF(prefix) {
		return nil
	}
	return &MissingPriorStateError{Prefix: prefix, OutDir: dir}
}

func gridFromSpacing(s *structure.Structure, spacing float64) ([3]int, error) {
	if spacing <= 0 {
		return [3]int{}, &InvalidParameterError{Field: "kspacing", Reason: "must be positive"}
	}
	rec, err := s.ReciprocalLengths()
	if err != nil {
		return [3]int{}, &InvalidParameterError{Field: "kspacing", Reason: err.Error()}
	}
	var grid [3]int
	for i := 0; i < 3; i++ {
		n := int(math.Ceil(rec[i] / spacing))
		if n < 1 {
			n = 1
		}
		grid[i] = n
	}
	return grid, nil
}

func (c *CalculationSpec) validate() error {
	for i, n := range c.KGrid {
		if n <= 0 {
			return &InvalidParameterError{
				Field:  fmt.Sprintf("kpoint_grid[%d]", i),
				Reason: fmt.Sprintf("must be a positive integer, got %d", n),
			}
		}
	}
	for i, o := range c.KShift {
		if o != 0 && o != 1 {
			return &InvalidParameterError{
				Field:  fmt.Sprintf("kpoint_shift[%d]", i),
				Reason: fmt.Sprintf("must be 0 or 1, got %d", o),
			}
		}
	}
	if c.ECutWfc <= 0 {
		return &InvalidParameterError{Field: "ecutwfc", Reason: "must be positive"}
	}
	if c.ECutRho < c.ECutWfc {
		return &InvalidParameterError{
			Field:  "ecutrho",
			Reason: fmt.Sprintf("%.4g is below ecutwfc %.4g", c.ECutRho, c.ECutWfc),
		}
	}
	if c.Degauss <= 0 {
		return &InvalidParameterError{Field: "degauss", Reason: "must be positive"}
	}
	if c.ConvThr <= 0 {
		return &InvalidParameterError{Field: "conv_thr", Reason: "must be positive"}
	}
	if c.MixingBeta <= 0 || c.MixingBeta > 1 {
		return &InvalidParameterError{Field: "mixing_beta", Reason: "must be in (0, 1]"}
	}
	switch c.Kind {
	case Relax, VCRelax:
		if c.ForcConvThr <= 0 {
			return &InvalidParameterError{Field: "forc_conv_thr", Reason: "must be positive"}
		}
		if c.EtotConvThr <= 0 {
			return &InvalidParameterError{Field: "etot_conv_thr", Reason: "must be positive"}
		}
	}
	return nil
}
