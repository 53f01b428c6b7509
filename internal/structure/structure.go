package structure

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Site is one atom in the cell. Coords are fractional with respect to
// the lattice vectors.
type Site struct {
	Element string     `json:"element"`
	Coords  [3]float64 `json:"coords"`
}

// Structure describes a crystal: row-wise lattice vectors in angstrom,
// the atomic sites, and a formula label. Treated as read-only once built.
type Structure struct {
	Formula string        `json:"formula"`
	Lattice [3][3]float64 `json:"lattice"`
	Sites   []Site        `json:"sites"`
}

// Elements returns the unique element symbols in first-appearance site
// order. This order is the species order everywhere downstream, so
// generated decks stay diff-able.
func (s *Structure) Elements() []string {
	seen := map[string]bool{}
	var out []string
	for _, site := range s.Sites {
		if !seen[site.Element] {
			seen[site.Element] = true
			out = append(out, site.Element)
		}
	}
	return out
}

// NumAtoms returns the site count.
func (s *Structure) NumAtoms() int { return len(s.Sites) }

func (s *Structure) latticeDense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		s.Lattice[0][0], s.Lattice[0][1], s.Lattice[0][2],
		s.Lattice[1][0], s.Lattice[1][1], s.Lattice[1][2],
		s.Lattice[2][0], s.Lattice[2][1], s.Lattice[2][2],
	})
}

// Volume returns the cell volume in cubic angstrom.
func (s *Structure) Volume() float64 {
	return math.Abs(mat.Det(s.latticeDense()))
}

// ReciprocalLengths returns |b_i| for the three reciprocal lattice
// vectors (2*pi convention), in 1/angstrom. Used to derive k-point grids
// from a target reciprocal-space spacing.
func (s *Structure) ReciprocalLengths() ([3]float64, error) {
	var inv mat.Dense
	if err := inv.Inverse(s.latticeDense()); err != nil {
		return [3]float64{}, fmt.Errorf("singular lattice: %w", err)
	}
	// Rows of 2*pi*(A^-1)^T are the columns of 2*pi*A^-1.
	var out [3]float64
	for i := 0; i < 3; i++ {
		c := mat.Col(nil, i, &inv)
		out[i] = 2 * math.Pi * math.Hypot(math.Hypot(c[0], c[1]), c[2])
	}
	return out, nil
}

// CellParameters returns the conventional a, b, c lengths and alpha,
// beta, gamma angles (degrees) of the lattice.
func (s *Structure) CellParameters() (lengths, angles [3]float64) {
	norm := func(v [3]float64) float64 {
		return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	}
	dot := func(a, b [3]float64) float64 {
		return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
	}
	for i := 0; i < 3; i++ {
		lengths[i] = norm(s.Lattice[i])
	}
	// alpha is the angle between b and c, and so on cyclically.
	for i := 0; i < 3; i++ {
		j, k := (i+1)%3, (i+2)%3
		cos := dot(s.Lattice[j], s.Lattice[k]) / (lengths[j] * lengths[k])
		angles[i] = math.Acos(cos) * 180 / math.Pi
	}
	return lengths, angles
}

// Validate checks that the structure is usable: a non-singular lattice,
// at least one site, and known element symbols.
func (s *Structure) Validate() error {
	if len(s.Sites) == 0 {
		return fmt.Errorf("structure has no atomic sites")
	}
	if v := s.Volume(); v <= 0 || math.IsNaN(v) {
		return fmt.Errorf("degenerate lattice (volume %v)", v)
	}
	for _, site := range s.Sites {
		if _, ok := AtomicMass(site.Element); !ok {
			return fmt.Errorf("unknown element %q", site.Element)
		}
	}
	return nil
}

// ReducedFormula builds a formula label from the sites, e.g. "Si2" or
// "GaN", with counts divided by their greatest common divisor. Elements
// appear in first-appearance order.
func (s *Structure) ReducedFormula() string {
	counts := map[string]int{}
	for _, site := range s.Sites {
		counts[site.Element]++
	}
	elems := s.Elements()
	g := 0
	for _, c := range counts {
		g = gcd(g, c)
	}
	var b strings.Builder
	for _, el := range elems {
		n := counts[el] / g
		b.WriteString(el)
		if n > 1 {
			fmt.Fprintf(&b, "%d", n)
		}
	}
	return b.String()
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// SortedElements returns the unique elements in lexical order. Handy for
// stable log output; deck serialization uses Elements instead.
func (s *Structure) SortedElements() []string {
	out := s.Elements()
	sort.Strings(out)
	return out
}
