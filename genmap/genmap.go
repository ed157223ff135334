// Package genmap holds genetic maps: ordered marker positions per
// chromosome, recombination fractions for the intervals between adjacent
// markers, and the map functions that convert between the two.
package genmap

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Marker is a named genomic location. Pos is in centiMorgans.
type Marker struct {
	Name string
	Chr  string
	Pos  float64
}

// Chromosome is an ordered sequence of markers. XChr marks the X
// chromosome, which some cross designs treat differently.
type Chromosome struct {
	Name    string
	XChr    bool
	Markers []Marker
}

// NMarkers returns the number of markers on the chromosome.
func (c *Chromosome) NMarkers() int {
	return len(c.Markers)
}

// Validate checks that the chromosome has at least one marker and that
// positions are strictly increasing. Offending markers are listed in the
// returned error.
func (c *Chromosome) Validate() error {
	if len(c.Markers) == 0 {
		return errors.Errorf("chromosome %s has no markers", c.Name)
	}
	var bad []string
	for i := 1; i < len(c.Markers); i++ {
		if c.Markers[i].Pos <= c.Markers[i-1].Pos {
			bad = append(bad, c.Markers[i].Name)
		}
	}
	if len(bad) > 0 {
		return errors.Errorf("chromosome %s: marker positions not strictly increasing at %v", c.Name, bad)
	}
	return nil
}

// Map is a collection of chromosomes in a fixed, deterministic order.
type Map struct {
	Chroms []*Chromosome
	byName map[string]*Chromosome
}

// New builds a Map from chromosomes, validating each one. Chromosome order
// is preserved as given; duplicate chromosome names are rejected.
func New(chroms ...*Chromosome) (*Map, error) {
	m := &Map{byName: make(map[string]*Chromosome)}
	for _, c := range chroms {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.byName[c.Name]; dup {
			return nil, errors.Errorf("duplicate chromosome %s", c.Name)
		}
		m.Chroms = append(m.Chroms, c)
		m.byName[c.Name] = c
	}
	if len(m.Chroms) == 0 {
		return nil, errors.New("map has no chromosomes")
	}
	return m, nil
}

// Chrom returns the named chromosome, or nil.
func (m *Map) Chrom(name string) *Chromosome {
	return m.byName[name]
}

// ChromNames returns chromosome names in map order.
func (m *Map) ChromNames() []string {
	out := make([]string, len(m.Chroms))
	for i, c := range m.Chroms {
		out[i] = c.Name
	}
	return out
}

// TotalMarkers returns the marker count across all chromosomes.
func (m *Map) TotalMarkers() int {
	n := 0
	for _, c := range m.Chroms {
		n += len(c.Markers)
	}
	return n
}

// RecFracs holds, per chromosome, the recombination fraction for each
// interval between adjacent markers. Values lie in [0, 0.5).
type RecFracs map[string][]float64

// Clone returns a deep copy, used to freeze a snapshot for one EM
// iteration while the next set is being built.
func (rf RecFracs) Clone() RecFracs {
	out := make(RecFracs, len(rf))
	for chr, v := range rf {
		cp := make([]float64, len(v))
		copy(cp, v)
		out[chr] = cp
	}
	return out
}

// Validate checks that every fraction is in [0, 0.5) and that interval
// counts match the map.
func (rf RecFracs) Validate(m *Map) error {
	for _, c := range m.Chroms {
		v, ok := rf[c.Name]
		if !ok {
			return errors.Errorf("recombination fractions missing for chromosome %s", c.Name)
		}
		if len(v) != len(c.Markers)-1 {
			return errors.Errorf("chromosome %s: %d intervals expected, got %d", c.Name, len(c.Markers)-1, len(v))
		}
		for i, r := range v {
			if r < 0 || r >= 0.5 {
				return errors.Errorf("chromosome %s interval %d: recombination fraction %g outside [0, 0.5)", c.Name, i, r)
			}
		}
	}
	return nil
}

// FromMap converts inter-marker distances to recombination fractions with
// the given map function.
func FromMap(m *Map, mf MapFunc) RecFracs {
	rf := make(RecFracs, len(m.Chroms))
	for _, c := range m.Chroms {
		v := make([]float64, len(c.Markers)-1)
		for i := 1; i < len(c.Markers); i++ {
			v[i-1] = mf.ToRF(c.Markers[i].Pos - c.Markers[i-1].Pos)
		}
		rf[c.Name] = v
	}
	return rf
}

// ToMap rebuilds a Map from recombination fractions, anchoring each
// chromosome at its first marker's original position.
func ToMap(m *Map, rf RecFracs, mf MapFunc) (*Map, error) {
	if err := rf.Validate(m); err != nil {
		return nil, err
	}
	chroms := make([]*Chromosome, len(m.Chroms))
	for ci, c := range m.Chroms {
		nc := &Chromosome{Name: c.Name, XChr: c.XChr, Markers: make([]Marker, len(c.Markers))}
		pos := c.Markers[0].Pos
		for i, mk := range c.Markers {
			if i > 0 {
				pos += mf.ToCM(rf[c.Name][i-1])
			}
			nc.Markers[i] = Marker{Name: mk.Name, Chr: mk.Chr, Pos: pos}
		}
		chroms[ci] = nc
	}
	return New(chroms...)
}

// Grid is the set of positions on one chromosome at which genotype
// probabilities are computed: the markers themselves plus, optionally,
// evenly spaced pseudomarkers between them. MarkerIdx maps each grid
// position back to the marker index, or -1 for a pseudomarker.
type Grid struct {
	Chr       string
	XChr      bool
	Pos       []float64
	Names     []string
	MarkerIdx []int
}

// NPos returns the number of grid positions.
func (g *Grid) NPos() int { return len(g.Pos) }

func (g *Grid) addPos(pos float64, name string, markerIdx int) {
	g.Pos = append(g.Pos, pos)
	g.Names = append(g.Names, name)
	g.MarkerIdx = append(g.MarkerIdx, markerIdx)
}

func pseudoName(chr string, pos float64) string {
	return fmt.Sprintf("c%s.loc%.2f", chr, pos)
}

// MarkerGrid returns the grid containing only the true markers.
func MarkerGrid(c *Chromosome) *Grid {
	g := &Grid{Chr: c.Name, XChr: c.XChr}
	for i, mk := range c.Markers {
		g.addPos(mk.Pos, mk.Name, i)
	}
	return g
}

// StepGrid inserts pseudomarkers so that no two adjacent grid positions are
// more than step cM apart. step <= 0 yields the marker-only grid. Marker
// positions are always retained exactly.
func StepGrid(c *Chromosome, step float64) *Grid {
	if step <= 0 {
		return MarkerGrid(c)
	}
	g := &Grid{Chr: c.Name, XChr: c.XChr}
	for i, mk := range c.Markers {
		if i > 0 {
			gap := mk.Pos - c.Markers[i-1].Pos
			nins := int(gap/step+1e-9) - 1
			if gap > step*float64(nins+1)+1e-9 {
				nins++
			}
			d := gap / float64(nins+1)
			for j := 1; j <= nins; j++ {
				p := c.Markers[i-1].Pos + float64(j)*d
				g.addPos(p, pseudoName(c.Name, p), -1)
			}
		}
		g.addPos(mk.Pos, mk.Name, i)
	}
	return g
}

// FindPos returns the grid index whose position is closest to pos.
func (g *Grid) FindPos(pos float64) int {
	i := sort.SearchFloat64s(g.Pos, pos)
	if i == len(g.Pos) {
		return i - 1
	}
	if i > 0 && pos-g.Pos[i-1] < g.Pos[i]-pos {
		return i - 1
	}
	return i
}
