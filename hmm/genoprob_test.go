package hmm_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmgstat/qtlscan/cross"
	"github.com/hmgstat/qtlscan/hmm"
	"github.com/hmgstat/qtlscan/sim"
)

func TestCalcGenoProbRowsNormalize(t *testing.T) {
	s := sim.New(1)
	ds, _ := s.Dataset(cross.NewIntercross(), sim.EvenMap(2, 5, 10), 20, 0.01, 0.1)

	gp, flags, err := hmm.CalcGenoProb(ds, hmm.Options{Quiet: true})
	require.NoError(t, err)
	require.Empty(t, flags)
	require.Len(t, gp.Chroms, 2)
	require.Equal(t, 3, gp.NGeno)

	for _, cp := range gp.Chroms {
		require.Equal(t, 5, cp.Grid.NPos())
		for i := range gp.IDs {
			for p := 0; p < cp.Grid.NPos(); p++ {
				tot := 0.0
				for g := 0; g < cp.NGeno; g++ {
					v := cp.At(i, p, g)
					require.False(t, math.IsNaN(v))
					require.GreaterOrEqual(t, v, 0.0)
					tot += v
				}
				assert.InDelta(t, 1, tot, 1e-9, "%s ind %d pos %d", cp.Chr, i, p)
			}
		}
	}
}

func TestCalcGenoProbStepGrid(t *testing.T) {
	s := sim.New(2)
	ds, _ := s.Dataset(cross.NewBackcross(), sim.EvenMap(1, 3, 20), 5, 0.01, 0)

	gp, _, err := hmm.CalcGenoProb(ds, hmm.Options{Step: 5, Quiet: true})
	require.NoError(t, err)

	cp := gp.Chrom("1")
	require.NotNil(t, cp)
	// 0..40 cM at <= 5 cM spacing: 3 markers plus 3 pseudomarkers per gap.
	require.Equal(t, 9, cp.Grid.NPos())
	for p := 1; p < cp.Grid.NPos(); p++ {
		assert.LessOrEqual(t, cp.Grid.Pos[p]-cp.Grid.Pos[p-1], 5.0+1e-9)
	}
	require.Len(t, cp.Probs[0], 9*2)
}

func TestStateColMatchesAt(t *testing.T) {
	s := sim.New(9)
	ds, _ := s.Dataset(cross.NewIntercross(), sim.EvenMap(1, 4, 10), 6, 0.01, 0.1)
	gp, _, err := hmm.CalcGenoProb(ds, hmm.Options{Quiet: true})
	require.NoError(t, err)

	cp := gp.Chrom("1")
	buf := make([]float64, len(gp.IDs))
	for p := 0; p < cp.Grid.NPos(); p++ {
		for g := 0; g < cp.NGeno; g++ {
			col := cp.StateCol(p, g, buf)
			require.Len(t, col, len(gp.IDs))
			for i := range gp.IDs {
				assert.Equal(t, cp.At(i, p, g), col[i])
			}
		}
	}
	// A nil destination allocates.
	require.Len(t, cp.StateCol(0, 0, nil), len(gp.IDs))
}

func TestViterbiRecoversTruth(t *testing.T) {
	s := sim.New(3)
	m := sim.EvenMap(1, 10, 10)
	ds, truth := s.Dataset(cross.NewBackcross(), m, 50, 0.002, 0)
	ds.ErrRate = 0.002

	paths, flags, err := hmm.ViterbiAll(ds, hmm.Options{Quiet: true})
	require.NoError(t, err)
	require.Empty(t, flags)

	// Dense fully typed markers at a tiny error rate: decoding should
	// recover nearly every simulated state.
	total, hits := 0, 0
	cp := paths.Chrom("1")
	require.NotNil(t, cp)
	for i, path := range cp.States {
		for j, g := range path {
			total++
			if g == truth["1"][i][j] {
				hits++
			}
		}
	}
	assert.Greater(t, float64(hits)/float64(total), 0.95)
}

func TestPosteriorTracksViterbi(t *testing.T) {
	s := sim.New(4)
	ds, _ := s.Dataset(cross.NewBackcross(), sim.EvenMap(1, 6, 10), 10, 0.001, 0)

	gp, _, err := hmm.CalcGenoProb(ds, hmm.Options{Quiet: true})
	require.NoError(t, err)
	paths, _, err := hmm.ViterbiAll(ds, hmm.Options{Quiet: true})
	require.NoError(t, err)

	cp := gp.Chrom("1")
	vp := paths.Chrom("1")
	agree, total := 0, 0
	for i := range gp.IDs {
		for p := 0; p < cp.Grid.NPos(); p++ {
			best, arg := -1.0, 0
			for g := 0; g < cp.NGeno; g++ {
				if v := cp.At(i, p, g); v > best {
					best, arg = v, g
				}
			}
			total++
			if arg == vp.States[i][p] {
				agree++
			}
		}
	}
	// Marginal argmax and joint decoding agree except near recombination
	// breakpoints.
	assert.Greater(t, float64(agree)/float64(total), 0.9)
}

func TestCalcGenoProbValidates(t *testing.T) {
	s := sim.New(5)
	ds, _ := s.Dataset(cross.NewBackcross(), sim.EvenMap(1, 3, 10), 4, 0.01, 0)
	ds.IDs[1] = ds.IDs[0]
	_, _, err := hmm.CalcGenoProb(ds, hmm.Options{Quiet: true})
	require.Error(t, err)
}

func TestCacheRoundTrip(t *testing.T) {
	s := sim.New(6)
	ds, _ := s.Dataset(cross.NewIntercross(), sim.EvenMap(2, 4, 15), 8, 0.01, 0.05)
	gp, _, err := hmm.CalcGenoProb(ds, hmm.Options{Step: 5, Quiet: true})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "probs.bin")
	require.NoError(t, gp.SaveCache(path))

	got, err := hmm.LoadCache(path)
	require.NoError(t, err)

	require.Equal(t, gp.IDs, got.IDs)
	require.Equal(t, gp.NGeno, got.NGeno)
	require.Len(t, got.Chroms, len(gp.Chroms))
	for ci, want := range gp.Chroms {
		cp := got.Chroms[ci]
		assert.Equal(t, want.Chr, cp.Chr)
		assert.Equal(t, want.Grid.XChr, cp.Grid.XChr)
		assert.Equal(t, want.Grid.Pos, cp.Grid.Pos)
		assert.Equal(t, want.Grid.Names, cp.Grid.Names)
		assert.Equal(t, want.Grid.MarkerIdx, cp.Grid.MarkerIdx)
		assert.Equal(t, want.Probs, cp.Probs)
	}
}

func TestLoadCacheRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a cache file"), 0644))
	_, err := hmm.LoadCache(path)
	require.Error(t, err)
}
