package structure

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func cubic(a float64, sites []Site) *Structure {
	return &Structure{
		Lattice: [3][3]float64{{a, 0, 0}, {0, a, 0}, {0, 0, a}},
		Sites:   sites,
	}
}

// Diamond-cubic silicon in its conventional 2-atom primitive setting.
func silicon() *Structure {
	s := &Structure{
		Formula: "Si",
		Lattice: [3][3]float64{
			{0, 2.715, 2.715},
			{2.715, 0, 2.715},
			{2.715, 2.715, 0},
		},
		Sites: []Site{
			{Element: "Si", Coords: [3]float64{0, 0, 0}},
			{Element: "Si", Coords: [3]float64{0.25, 0.25, 0.25}},
		},
	}
	return s
}

func TestElementsFirstAppearanceOrder(t *testing.T) {
	s := cubic(4, []Site{
		{Element: "N", Coords: [3]float64{0, 0, 0}},
		{Element: "Ga", Coords: [3]float64{0.5, 0.5, 0.5}},
		{Element: "N", Coords: [3]float64{0.5, 0, 0}},
	})
	got := s.Elements()
	want := []string{"N", "Ga"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Elements() = %v, want %v", got, want)
	}
}

func TestSortedElements(t *testing.T) {
	s := cubic(4, []Site{
		{Element: "N", Coords: [3]float64{0, 0, 0}},
		{Element: "Ga", Coords: [3]float64{0.5, 0.5, 0.5}},
	})
	if got := s.SortedElements(); !reflect.DeepEqual(got, []string{"Ga", "N"}) {
		t.Errorf("SortedElements() = %v, want [Ga N]", got)
	}
	// sorting must not disturb the first-appearance order
	if got := s.Elements(); !reflect.DeepEqual(got, []string{"N", "Ga"}) {
		t.Errorf("Elements() = %v after SortedElements", got)
	}
	if s.NumAtoms() != 2 {
		t.Errorf("NumAtoms() = %d, want 2", s.NumAtoms())
	}
}

func TestVolume(t *testing.T) {
	s := cubic(5.43, []Site{{Element: "Si"}})
	want := 5.43 * 5.43 * 5.43
	if got := s.Volume(); math.Abs(got-want) > 1e-9 {
		t.Errorf("Volume() = %v, want %v", got, want)
	}
}

func TestReciprocalLengthsCubic(t *testing.T) {
	a := 4.05
	s := cubic(a, []Site{{Element: "Al"}})
	rec, err := s.ReciprocalLengths()
	if err != nil {
		t.Fatalf("ReciprocalLengths: %v", err)
	}
	want := 2 * math.Pi / a
	for i, b := range rec {
		if math.Abs(b-want) > 1e-9 {
			t.Errorf("rec[%d] = %v, want %v", i, b, want)
		}
	}
}

func TestReducedFormula(t *testing.T) {
	cases := []struct {
		sites []Site
		want  string
	}{
		{[]Site{{Element: "Si"}, {Element: "Si"}}, "Si"},
		{[]Site{{Element: "Ga"}, {Element: "N"}}, "GaN"},
		{[]Site{{Element: "Ti"}, {Element: "O"}, {Element: "O"}}, "TiO2"},
	}
	for _, c := range cases {
		s := cubic(4, c.sites)
		if got := s.ReducedFormula(); got != c.want {
			t.Errorf("ReducedFormula() = %q, want %q", got, c.want)
		}
	}
}

func TestValidateRejectsUnknownElement(t *testing.T) {
	s := cubic(4, []Site{{Element: "Xx"}})
	if err := s.Validate(); err == nil {
		t.Error("expected error for unknown element")
	}
}

func TestPOSCARRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "POSCAR")
	s := silicon()
	if err := WritePOSCAR(s, path); err != nil {
		t.Fatalf("WritePOSCAR: %v", err)
	}
	got, err := ReadPOSCAR(path)
	if err != nil {
		t.Fatalf("ReadPOSCAR: %v", err)
	}
	if got.Formula != "Si" {
		t.Errorf("formula = %q, want Si", got.Formula)
	}
	if len(got.Sites) != 2 {
		t.Fatalf("got %d sites, want 2", len(got.Sites))
	}
	for i := range got.Sites {
		for k := 0; k < 3; k++ {
			if math.Abs(got.Sites[i].Coords[k]-s.Sites[i].Coords[k]) > 1e-8 {
				t.Errorf("site %d coord %d = %v, want %v", i, k, got.Sites[i].Coords[k], s.Sites[i].Coords[k])
			}
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "structure.json")
	s := silicon()
	if err := Save(s, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, s) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, s)
	}
}

func TestCIFRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "structure.cif")
	s := silicon()
	if err := WriteCIF(s, path); err != nil {
		t.Fatalf("WriteCIF: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Formula != "Si" {
		t.Errorf("formula = %q, want Si", got.Formula)
	}
	if len(got.Sites) != 2 {
		t.Fatalf("got %d sites, want 2", len(got.Sites))
	}
	for i := range got.Sites {
		if got.Sites[i].Element != "Si" {
			t.Errorf("site %d element = %q", i, got.Sites[i].Element)
		}
		for k := 0; k < 3; k++ {
			if math.Abs(got.Sites[i].Coords[k]-s.Sites[i].Coords[k]) > 1e-6 {
				t.Errorf("site %d coord %d = %v, want %v", i, k, got.Sites[i].Coords[k], s.Sites[i].Coords[k])
			}
		}
	}
	// CIF keeps lengths and angles, not the orientation, so compare cell
	// parameters and volume rather than the raw lattice.
	wantLen, wantAng := s.CellParameters()
	gotLen, gotAng := got.CellParameters()
	for i := 0; i < 3; i++ {
		if math.Abs(gotLen[i]-wantLen[i]) > 1e-4 {
			t.Errorf("length %d = %v, want %v", i, gotLen[i], wantLen[i])
		}
		if math.Abs(gotAng[i]-wantAng[i]) > 1e-4 {
			t.Errorf("angle %d = %v, want %v", i, gotAng[i], wantAng[i])
		}
	}
	if math.Abs(got.Volume()-s.Volume()) > 1e-3 {
		t.Errorf("volume = %v, want %v", got.Volume(), s.Volume())
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate after CIF round trip: %v", err)
	}
}

func TestReadCIFMissingCell(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cif")
	content := "data_X\nloop_\n _atom_site_type_symbol\n _atom_site_fract_x\n _atom_site_fract_y\n _atom_site_fract_z\n Si 0 0 0\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadCIF(path); err == nil {
		t.Error("expected error for CIF without cell parameters")
	}
}

func TestWriteCIFDeterministic(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.cif")
	b := filepath.Join(dir, "b.cif")
	s := silicon()
	if err := WriteCIF(s, a); err != nil {
		t.Fatalf("WriteCIF: %v", err)
	}
	if err := WriteCIF(s, b); err != nil {
		t.Fatalf("WriteCIF: %v", err)
	}
	ba, _ := os.ReadFile(a)
	bb, _ := os.ReadFile(b)
	if string(ba) != string(bb) {
		t.Error("repeated CIF writes differ")
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "structure.xyz")
	os.WriteFile(path, []byte("2\n\n"), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unsupported format")
	}
}
