package genmap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chr(name string, pos ...float64) *Chromosome {
	c := &Chromosome{Name: name}
	for i, p := range pos {
		c.Markers = append(c.Markers, Marker{Name: name + "m" + string(rune('a'+i)), Chr: name, Pos: p})
	}
	return c
}

func TestNewMapValidation(t *testing.T) {
	_, err := New(chr("1", 0, 10, 20), chr("2", 0, 5))
	require.NoError(t, err)

	_, err = New(chr("1", 0, 10, 10))
	require.Error(t, err, "non-increasing positions must be rejected")

	_, err = New(chr("1", 0, 10), chr("1", 0, 5))
	require.Error(t, err, "duplicate chromosome names must be rejected")

	_, err = New(&Chromosome{Name: "1"})
	require.Error(t, err, "empty chromosome must be rejected")

	_, err = New()
	require.Error(t, err, "empty map must be rejected")
}

func TestMapLookup(t *testing.T) {
	m, err := New(chr("1", 0, 10), chr("X", 0, 20))
	require.NoError(t, err)

	require.Equal(t, []string{"1", "X"}, m.ChromNames())
	require.Equal(t, 4, m.TotalMarkers())
	require.NotNil(t, m.Chrom("X"))
	require.Nil(t, m.Chrom("3"))
}

func TestMapFuncInverses(t *testing.T) {
	for _, mf := range []MapFunc{Haldane{}, Kosambi{}} {
		for _, cm := range []float64{0, 0.5, 1, 5, 10, 50, 100} {
			rf := mf.ToRF(cm)
			assert.True(t, rf >= 0 && rf < 0.5, "%s: rf %g out of range", mf.Name(), rf)
			assert.InDelta(t, cm, mf.ToCM(rf), 1e-9, "%s at %g cM", mf.Name(), cm)
		}
		assert.True(t, math.IsInf(mf.ToCM(0.5), 1))
	}
}

func TestHaldaneValues(t *testing.T) {
	h := Haldane{}
	assert.InDelta(t, 0.5*(1-math.Exp(-0.2)), h.ToRF(10), 1e-12)
	assert.InDelta(t, 0, h.ToRF(0), 1e-12)
}

func TestRecFracsRoundTrip(t *testing.T) {
	m, err := New(chr("1", 0, 10, 25), chr("2", 5, 12))
	require.NoError(t, err)

	mf := Haldane{}
	rf := FromMap(m, mf)
	require.NoError(t, rf.Validate(m))
	require.Len(t, rf["1"], 2)
	require.Len(t, rf["2"], 1)

	m2, err := ToMap(m, rf, mf)
	require.NoError(t, err)
	for ci, c := range m.Chroms {
		for i, mk := range c.Markers {
			assert.InDelta(t, mk.Pos, m2.Chroms[ci].Markers[i].Pos, 1e-9)
		}
	}
}

func TestRecFracsClone(t *testing.T) {
	rf := RecFracs{"1": {0.1, 0.2}}
	cp := rf.Clone()
	cp["1"][0] = 0.4
	assert.Equal(t, 0.1, rf["1"][0], "clone must not share backing arrays")
}

func TestRecFracsValidate(t *testing.T) {
	m, err := New(chr("1", 0, 10, 20))
	require.NoError(t, err)

	require.Error(t, RecFracs{}.Validate(m), "missing chromosome")
	require.Error(t, RecFracs{"1": {0.1}}.Validate(m), "wrong interval count")
	require.Error(t, RecFracs{"1": {0.1, 0.5}}.Validate(m), "fraction at 0.5")
	require.NoError(t, RecFracs{"1": {0.1, 0.49}}.Validate(m))
}

func TestMarkerGrid(t *testing.T) {
	c := chr("1", 0, 10, 20)
	g := MarkerGrid(c)
	require.Equal(t, 3, g.NPos())
	require.Equal(t, []int{0, 1, 2}, g.MarkerIdx)
	require.Equal(t, c.Markers[1].Name, g.Names[1])
}

func TestStepGrid(t *testing.T) {
	c := chr("1", 0, 25)
	g := StepGrid(c, 10)

	require.Equal(t, 4, g.NPos())
	assert.Equal(t, 0.0, g.Pos[0])
	assert.Equal(t, 25.0, g.Pos[3])
	assert.Equal(t, []int{0, -1, -1, 1}, g.MarkerIdx)
	for i := 1; i < g.NPos(); i++ {
		assert.LessOrEqual(t, g.Pos[i]-g.Pos[i-1], 10.0+1e-9)
	}

	// Zero step keeps the marker-only grid.
	require.Equal(t, 2, StepGrid(c, 0).NPos())

	// Gaps already within the step gain nothing.
	require.Equal(t, 2, StepGrid(chr("2", 0, 8), 10).NPos())
}

func TestFindPos(t *testing.T) {
	g := MarkerGrid(chr("1", 0, 10, 20))
	assert.Equal(t, 0, g.FindPos(-5))
	assert.Equal(t, 0, g.FindPos(4))
	assert.Equal(t, 1, g.FindPos(9))
	assert.Equal(t, 2, g.FindPos(99))
}
