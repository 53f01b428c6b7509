package structure

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// WriteCIF writes a minimal P1 CIF for the structure. Formatting is
// fixed-precision so repeated writes are byte-identical.
func WriteCIF(s *Structure, path string) error {
	lengths, angles := s.CellParameters()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "data_%s\n", s.Formula)
	fmt.Fprintf(&buf, "_symmetry_space_group_name_H-M   'P 1'\n")
	fmt.Fprintf(&buf, "_symmetry_Int_Tables_number      1\n")
	fmt.Fprintf(&buf, "_cell_length_a   %.6f\n", lengths[0])
	fmt.Fprintf(&buf, "_cell_length_b   %.6f\n", lengths[1])
	fmt.Fprintf(&buf, "_cell_length_c   %.6f\n", lengths[2])
	fmt.Fprintf(&buf, "_cell_angle_alpha   %.6f\n", angles[0])
	fmt.Fprintf(&buf, "_cell_angle_beta    %.6f\n", angles[1])
	fmt.Fprintf(&buf, "_cell_angle_gamma   %.6f\n", angles[2])
	fmt.Fprintf(&buf, "loop_\n")
	fmt.Fprintf(&buf, " _atom_site_type_symbol\n")
	fmt.Fprintf(&buf, " _atom_site_label\n")
	fmt.Fprintf(&buf, " _atom_site_fract_x\n")
	fmt.Fprintf(&buf, " _atom_site_fract_y\n")
	fmt.Fprintf(&buf, " _atom_site_fract_z\n")
	counts := map[string]int{}
	for _, site := range s.Sites {
		counts[site.Element]++
		fmt.Fprintf(&buf, " %s  %s%d  %.8f  %.8f  %.8f\n",
			site.Element, site.Element, counts[site.Element],
			site.Coords[0], site.Coords[1], site.Coords[2])
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// WritePOSCAR writes the structure in VASP POSCAR format with fractional
// coordinates. Sites are grouped per species in first-appearance order,
// as the format requires contiguous blocks.
func WritePOSCAR(s *Structure, path string) error {
	elems := s.Elements()
	grouped := make([][]Site, len(elems))
	index := map[string]int{}
	for i, el := range elems {
		index[el] = i
	}
	for _, site := range s.Sites {
		i := index[site.Element]
		grouped[i] = append(grouped[i], site)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\n", s.Formula)
	fmt.Fprintf(&buf, "1.0\n")
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&buf, "  %14.10f  %14.10f  %14.10f\n",
			s.Lattice[i][0], s.Lattice[i][1], s.Lattice[i][2])
	}
	fmt.Fprintf(&buf, "%s\n", strings.Join(elems, " "))
	for i := range elems {
		if i > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(&buf, "%d", len(grouped[i]))
	}
	buf.WriteByte('\n')
	fmt.Fprintf(&buf, "Direct\n")
	for _, sites := range grouped {
		for _, site := range sites {
			fmt.Fprintf(&buf, "  %14.10f  %14.10f  %14.10f\n",
				site.Coords[0], site.Coords[1], site.Coords[2])
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Load reads a structure from disk, dispatching on the file name:
// POSCAR/CONTCAR/*.vasp/*.poscar are read as POSCAR, *.cif as CIF,
// *.json as the JSON form this tool writes.
func Load(path string) (*Structure, error) {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(base, ".json"):
		return loadJSON(path)
	case strings.HasSuffix(base, ".cif"):
		return ReadCIF(path)
	case base == "poscar" || base == "contcar" ||
		strings.HasSuffix(base, ".vasp") || strings.HasSuffix(base, ".poscar"):
		return ReadPOSCAR(path)
	default:
		return nil, fmt.Errorf("unsupported structure format: %s", filepath.Base(path))
	}
}

func loadJSON(path string) (*Structure, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read structure: %w", err)
	}
	var s Structure
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse structure: %w", err)
	}
	if s.Formula == "" {
		s.Formula = s.ReducedFormula()
	}
	return &s, nil
}

// ReadPOSCAR parses a VASP 5 POSCAR file. Both Direct and Cartesian
// coordinates are accepted; Cartesian ones are converted back to
// fractional.
func ReadPOSCAR(path string) (*Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read structure: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read structure: %w", err)
	}
	if len(lines) < 8 {
		return nil, fmt.Errorf("POSCAR too short: %s", path)
	}

	scale, err := strconv.ParseFloat(strings.TrimSpace(lines[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("POSCAR scale line: %w", err)
	}
	s := &Structure{Formula: strings.TrimSpace(lines[0])}
	for i := 0; i < 3; i++ {
		fields := strings.Fields(lines[2+i])
		if len(fields) < 3 {
			return nil, fmt.Errorf("POSCAR lattice line %d malformed", 3+i)
		}
		for j := 0; j < 3; j++ {
			v, err := strconv.ParseFloat(fields[j], 64)
			if err != nil {
				return nil, fmt.Errorf("POSCAR lattice line %d: %w", 3+i, err)
			}
			s.Lattice[i][j] = v * scale
		}
	}

	symbols := strings.Fields(lines[5])
	counts := strings.Fields(lines[6])
	if len(symbols) == 0 || len(symbols) != len(counts) {
		return nil, fmt.Errorf("POSCAR species/count mismatch (VASP 5 format required)")
	}
	mode := strings.ToLower(strings.TrimSpace(lines[7]))
	if strings.HasPrefix(mode, "s") { // selective dynamics
		if len(lines) < 9 {
			return nil, fmt.Errorf("POSCAR too short after selective dynamics")
		}
		lines = lines[1:]
		mode = strings.ToLower(strings.TrimSpace(lines[7]))
	}
	cartesian := strings.HasPrefix(mode, "c") || strings.HasPrefix(mode, "k")

	row := 8
	for i, sym := range symbols {
		n, err := strconv.Atoi(counts[i])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("POSCAR count for %s: %q", sym, counts[i])
		}
		for j := 0; j < n; j++ {
			if row >= len(lines) {
				return nil, fmt.Errorf("POSCAR truncated at site %d", row-7)
			}
			fields := strings.Fields(lines[row])
			if len(fields) < 3 {
				return nil, fmt.Errorf("POSCAR coordinate line %d malformed", row+1)
			}
			var c [3]float64
			for k := 0; k < 3; k++ {
				c[k], err = strconv.ParseFloat(fields[k], 64)
				if err != nil {
					return nil, fmt.Errorf("POSCAR coordinate line %d: %w", row+1, err)
				}
			}
			s.Sites = append(s.Sites, Site{Element: sym, Coords: c})
			row++
		}
	}
	if cartesian {
		if err := s.cartesianToFractional(scale); err != nil {
			return nil, err
		}
	}
	if s.Formula == "" {
		s.Formula = s.ReducedFormula()
	}
	return s, nil
}

func (s *Structure) cartesianToFractional(scale float64) error {
	var inv mat.Dense
	if err := inv.Inverse(s.latticeDense()); err != nil {
		return fmt.Errorf("singular lattice: %w", err)
	}
	for i := range s.Sites {
		c := s.Sites[i].Coords
		v := mat.NewVecDense(3, []float64{c[0] * scale, c[1] * scale, c[2] * scale})
		var frac mat.VecDense
		// fractional = cartesian * A^-1 for row-vector lattices
		frac.MulVec(inv.T(), v)
		for k := 0; k < 3; k++ {
			s.Sites[i].Coords[k] = frac.AtVec(k)
		}
	}
	return nil
}

// ReadCIF parses a P1 CIF file: cell lengths and angles plus a
// fractional _atom_site loop. The inverse of WriteCIF; symmetry
// operations beyond the identity are not applied.
func ReadCIF(path string) (*Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read structure: %w", err)
	}
	defer f.Close()

	var (
		s        Structure
		lengths  [3]float64
		angles   [3]float64
		haveCell = map[string]bool{}
	)
	cellKeys := map[string]*float64{
		"_cell_length_a":    &lengths[0],
		"_cell_length_b":    &lengths[1],
		"_cell_length_c":    &lengths[2],
		"_cell_angle_alpha": &angles[0],
		"_cell_angle_beta":  &angles[1],
		"_cell_angle_gamma": &angles[2],
	}

	var loopTags []string
	inLoopHeader := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "data_"):
			if s.Formula == "" {
				s.Formula = strings.TrimPrefix(line, "data_")
			}
			continue
		case strings.EqualFold(line, "loop_"):
			inLoopHeader = true
			loopTags = nil
			continue
		}
		fields := strings.Fields(line)
		if strings.HasPrefix(fields[0], "_") {
			if inLoopHeader && len(fields) == 1 {
				loopTags = append(loopTags, strings.ToLower(fields[0]))
				continue
			}
			inLoopHeader = false
			key := strings.ToLower(fields[0])
			if dst, ok := cellKeys[key]; ok && len(fields) >= 2 {
				v, err := strconv.ParseFloat(strings.Trim(fields[1], "()"), 64)
				if err != nil {
					return nil, fmt.Errorf("CIF value for %s: %w", fields[0], err)
				}
				*dst = v
				haveCell[key] = true
			}
			continue
		}
		inLoopHeader = false
		if len(loopTags) > 0 {
			site, ok, err := cifSite(loopTags, fields)
			if err != nil {
				return nil, err
			}
			if ok {
				s.Sites = append(s.Sites, site)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read structure: %w", err)
	}
	if len(haveCell) != len(cellKeys) {
		return nil, fmt.Errorf("CIF missing cell parameters: %s", path)
	}
	if len(s.Sites) == 0 {
		return nil, fmt.Errorf("CIF has no atom sites: %s", path)
	}
	s.Lattice = latticeFromParameters(lengths, angles)
	if s.Formula == "" {
		s.Formula = s.ReducedFormula()
	}
	return &s, nil
}

// cifSite maps one loop data row onto a Site. Loops without fractional
// coordinate tags (bond lists and the like) are skipped, not errors.
func cifSite(tags []string, fields []string) (Site, bool, error) {
	idx := func(tag string) int {
		for i, t := range tags {
			if t == tag {
				return i
			}
		}
		return -1
	}
	sym := idx("_atom_site_type_symbol")
	if sym < 0 {
		sym = idx("_atom_site_label")
	}
	x, y, z := idx("_atom_site_fract_x"), idx("_atom_site_fract_y"), idx("_atom_site_fract_z")
	if sym < 0 || x < 0 || y < 0 || z < 0 {
		return Site{}, false, nil
	}
	if n := len(fields); sym >= n || x >= n || y >= n || z >= n {
		return Site{}, false, fmt.Errorf("CIF atom row has %d columns, loop declares %d tags", len(fields), len(tags))
	}
	var site Site
	site.Element = strings.TrimRight(fields[sym], "0123456789")
	for k, col := range []int{x, y, z} {
		v, err := strconv.ParseFloat(strings.Trim(fields[col], "()"), 64)
		if err != nil {
			return Site{}, false, fmt.Errorf("CIF coordinate %q: %w", fields[col], err)
		}
		site.Coords[k] = v
	}
	return site, true, nil
}

// latticeFromParameters rebuilds row-vector lattice vectors from cell
// lengths and angles (degrees), a along x and b in the xy plane.
func latticeFromParameters(lengths, angles [3]float64) [3][3]float64 {
	const deg = math.Pi / 180
	a, b, c := lengths[0], lengths[1], lengths[2]
	ca, cb, cg := math.Cos(angles[0]*deg), math.Cos(angles[1]*deg), math.Cos(angles[2]*deg)
	sg := math.Sin(angles[2] * deg)
	cy := (ca - cb*cg) / sg
	cz := math.Sqrt(math.Max(0, 1-cb*cb-cy*cy))
	return [3][3]float64{
		{a, 0, 0},
		{b * cg, b * sg, 0},
		{c * cb, c * cy, c * cz},
	}
}

// Save writes the JSON form used by qforge itself.
func Save(s *Structure, path string) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
