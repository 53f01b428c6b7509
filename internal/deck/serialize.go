package deck

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/qforge-dev/qforge/internal/structure"
)

// Render produces the pw.x input deck text for a structure, a derived
// parameter set, and a pseudopotential binding. The output is
// deterministic: species follow first-appearance site order and all
// numbers use fixed formatting, so identical inputs render
// byte-identical decks.
func Render(s *structure.Structure, spec *CalculationSpec, binding map[string]string) ([]byte, error) {
	if spec == nil {
		return nil, &SerializationError{Reason: "no calculation spec"}
	}
	if len(s.Sites) == 0 {
		return nil, &SerializationError{Reason: "structure has no atomic sites"}
	}
	elems := s.Elements()
	for _, el := range elems {
		if binding[el] == "" {
			return nil, &SerializationError{Reason: fmt.Sprintf("no pseudopotential bound for element %s", el)}
		}
		if _, ok := structure.AtomicMass(el); !ok {
			return nil, &SerializationError{Reason: fmt.Sprintf("no atomic mass for element %s", el)}
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "&CONTROL\n")
	writeStr(&buf, "calculation", string(spec.Kind))
	writeStr(&buf, "restart_mode", "from_scratch")
	writeStr(&buf, "prefix", spec.Prefix)
	writeStr(&buf, "pseudo_dir", spec.PseudoDir)
	writeStr(&buf, "outdir", spec.OutDir)
	writeStr(&buf, "verbosity", "high")
	if spec.Kind == Relax || spec.Kind == VCRelax {
		writeFloat(&buf, "forc_conv_thr", spec.ForcConvThr)
		writeFloat(&buf, "etot_conv_thr", spec.EtotConvThr)
	}
	fmt.Fprintf(&buf, "/\n")

	fmt.Fprintf(&buf, "&SYSTEM\n")
	writeInt(&buf, "ibrav", 0)
	writeInt(&buf, "nat", s.NumAtoms())
	writeInt(&buf, "ntyp", len(elems))
	writeFloat(&buf, "ecutwfc", spec.ECutWfc)
	writeFloat(&buf, "ecutrho", spec.ECutRho)
	writeStr(&buf, "occupations", "smearing")
	writeStr(&buf, "smearing", spec.Smearing)
	writeFloat(&buf, "degauss", spec.Degauss)
	fmt.Fprintf(&buf, "/\n")

	fmt.Fprintf(&buf, "&ELECTRONS\n")
	writeFloat(&buf, "conv_thr", spec.ConvThr)
	writeFloat(&buf, "mixing_beta", spec.MixingBeta)
	fmt.Fprintf(&buf, "/\n")

	if spec.Kind == Relax || spec.Kind == VCRelax {
		fmt.Fprintf(&buf, "&IONS\n")
		writeStr(&buf, "ion_dynamics", spec.IonDynamics)
		fmt.Fprintf(&buf, "/\n")
	}
	if spec.Kind == VCRelax {
		fmt.Fprintf(&buf, "&CELL\n")
		writeStr(&buf, "cell_dynamics", spec.CellDynamics)
		fmt.Fprintf(&buf, "/\n")
	}

	fmt.Fprintf(&buf, "ATOMIC_SPECIES\n")
	for _, el := range elems {
		mass, _ := structure.AtomicMass(el)
		fmt.Fprintf(&buf, "  %s  %.4f  %s\n", el, mass, filepath.Base(binding[el]))
	}

	fmt.Fprintf(&buf, "ATOMIC_POSITIONS crystal\n")
	for _, site := range s.Sites {
		fmt.Fprintf(&buf, "  %s  %.10f  %.10f  %.10f\n",
			site.Element, site.Coords[0], site.Coords[1], site.Coords[2])
	}

	fmt.Fprintf(&buf, "K_POINTS automatic\n")
	fmt.Fprintf(&buf, "  %d %d %d %d %d %d\n",
		spec.KGrid[0], spec.KGrid[1], spec.KGrid[2],
		spec.KShift[0], spec.KShift[1], spec.KShift[2])

	fmt.Fprintf(&buf, "CELL_PARAMETERS angstrom\n")
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&buf, "  %.10f  %.10f  %.10f\n",
			s.Lattice[i][0], s.Lattice[i][1], s.Lattice[i][2])
	}
	return buf.Bytes(), nil
}

// Write renders the deck and writes it to path, creating the immediate
// parent directory if needed. Returns the path written.
func Write(s *structure.Structure, spec *CalculationSpec, binding map[string]string, path string) (string, error) {
	text, err := Render(s, spec, binding)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create deck directory: %w", err)
		}
	}
	if err := os.WriteFile(path, text, 0o644); err != nil {
		return "", fmt.Errorf("write deck: %w", err)
	}
	return path, nil
}

// FileName builds the canonical deck name for a prefix and kind,
// e.g. "Si.scf.in".
func FileName(prefix string, kind Kind) string {
	return fmt.Sprintf("%s.%s.in", prefix, kind)
}

func writeStr(buf *bytes.Buffer, key, val string) {
	fmt.Fprintf(buf, "  %s = '%s',\n", key, val)
}

func writeInt(buf *bytes.Buffer, key string, val int) {
	fmt.Fprintf(buf, "  %s = %d,\n", key, val)
}

// writeFloat uses the shortest round-trip representation, which is
// stable for a given value (50 -> "50.0", 1e-08 stays "1e-08").
func writeFloat(buf *bytes.Buffer, key string, val float64) {
	s := strconv.FormatFloat(val, 'g', -1, 64)
	if !bytes.ContainsAny([]byte(s), ".eE") {
		s += ".0"
	}
	fmt.Fprintf(buf, "  %s = %s,\n", key, s)
}

// NamelistValue pulls a scalar value back out of deck text, e.g. the
// outdir or pseudo_dir the run directories must exist for.
func NamelistValue(text, key string) string {
	re := regexp.MustCompile(`(?i)` + key + `\s*=\s*['"]?([^,'"\s]+)`)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}
