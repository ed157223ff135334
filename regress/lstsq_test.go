package regress_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/hmgstat/qtlscan/regress"
	"github.com/hmgstat/qtlscan/sim"
)

const tol = 1e-8

// randomDesign fills an n x p matrix with an intercept column followed by
// standard normal regressors.
func randomDesign(s *sim.Simulator, n, p int) *mat.Dense {
	X := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		X.Set(i, 0, 1)
		for j := 1; j < p; j++ {
			X.Set(i, j, s.NormFloat64())
		}
	}
	return X
}

func TestFitLSExactRecovery(t *testing.T) {
	// Noiseless responses: the fit must reproduce the generating
	// coefficients to machine precision.
	s := sim.New(20)
	X := randomDesign(s, 40, 3)
	beta := []float64{2, -1, 0.5}
	Y := mat.NewDense(40, 1, nil)
	for i := 0; i < 40; i++ {
		y := 0.0
		for j := 0; j < 3; j++ {
			y += X.At(i, j) * beta[j]
		}
		Y.Set(i, 0, y)
	}

	fit, err := regress.FitLS(X, Y, tol)
	require.NoError(t, err)
	require.Equal(t, 3, fit.Rank)
	require.Equal(t, 37, fit.DF)
	require.Equal(t, regress.MethodQR, fit.Method)
	for j := 0; j < 3; j++ {
		assert.InDelta(t, beta[j], fit.Coef.At(j, 0), 1e-9)
	}
	assert.InDelta(t, 0, fit.RSS[0], 1e-18)
}

func TestRankDeficientDuplicateColumn(t *testing.T) {
	s := sim.New(21)
	n := 30
	X := randomDesign(s, n, 3)
	// Append an exact copy of column 2.
	Xd := mat.NewDense(n, 4, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			Xd.Set(i, j, X.At(i, j))
		}
		Xd.Set(i, 3, X.At(i, 2))
	}
	Y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		Y.Set(i, 0, X.At(i, 1)+s.NormFloat64())
	}

	q, err := regress.NewQR(Xd, tol)
	require.NoError(t, err)
	require.Equal(t, 3, q.Rank(), "duplicate column must drop the rank by one")
	require.Equal(t, n-3, q.DF())

	// RSS must match the reduced design exactly: the aliased column adds
	// nothing to the column space.
	rssFull, err := q.RSS(Y)
	require.NoError(t, err)
	rssRed, rank, err := regress.RSSOnly(X, Y, tol)
	require.NoError(t, err)
	require.Equal(t, 3, rank)
	assert.InDelta(t, rssRed[0], rssFull[0], 1e-9)

	// Exactly one of the two duplicated columns is aliased out.
	fit, err := q.Solve(Y)
	require.NoError(t, err)
	nan := 0
	for j := 0; j < 4; j++ {
		if math.IsNaN(fit.Coef.At(j, 0)) {
			require.True(t, math.IsNaN(fit.SE.At(j, 0)))
			nan++
		}
	}
	assert.Equal(t, 1, nan)
}

func TestRSSOnlyMatchesSolve(t *testing.T) {
	s := sim.New(22)
	X := randomDesign(s, 25, 4)
	Y := mat.NewDense(25, 2, nil)
	for i := 0; i < 25; i++ {
		Y.Set(i, 0, s.NormFloat64())
		Y.Set(i, 1, X.At(i, 1)*2+s.NormFloat64())
	}

	rss, rank, err := regress.RSSOnly(X, Y, tol)
	require.NoError(t, err)
	fit, err := regress.FitLS(X, Y, tol)
	require.NoError(t, err)
	require.Equal(t, rank, fit.Rank)
	for j := 0; j < 2; j++ {
		assert.InDelta(t, fit.RSS[j], rss[j], 1e-9)
	}
}

func TestMultiResponseMatchesColumnwise(t *testing.T) {
	s := sim.New(23)
	X := randomDesign(s, 30, 3)
	Y := mat.NewDense(30, 3, nil)
	for i := 0; i < 30; i++ {
		for j := 0; j < 3; j++ {
			Y.Set(i, j, s.NormFloat64())
		}
	}

	fit, err := regress.FitLS(X, Y, tol)
	require.NoError(t, err)
	for j := 0; j < 3; j++ {
		col := mat.NewDense(30, 1, nil)
		for i := 0; i < 30; i++ {
			col.Set(i, 0, Y.At(i, j))
		}
		single, err := regress.FitLS(X, col, tol)
		require.NoError(t, err)
		assert.InDelta(t, single.RSS[0], fit.RSS[j], 1e-9)
		for p := 0; p < 3; p++ {
			assert.InDelta(t, single.Coef.At(p, 0), fit.Coef.At(p, j), 1e-9)
			assert.InDelta(t, single.SE.At(p, 0), fit.SE.At(p, j), 1e-9)
		}
	}
}

func TestMultiResponseMatchesColumnwiseRankDeficient(t *testing.T) {
	s := sim.New(27)
	n := 30
	X := mat.NewDense(n, 4, nil)
	for i := 0; i < n; i++ {
		v := s.NormFloat64()
		X.Set(i, 0, 1)
		X.Set(i, 1, v)
		X.Set(i, 2, s.NormFloat64())
		X.Set(i, 3, v) // exact copy of column 1
	}
	Y := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			Y.Set(i, j, s.NormFloat64())
		}
	}

	rss, rank, err := regress.RSSOnly(X, Y, tol)
	require.NoError(t, err)
	require.Equal(t, 3, rank)
	for j := 0; j < 3; j++ {
		single, rankj, err := regress.RSSOnly(X, colSlice(Y, j), tol)
		require.NoError(t, err)
		require.Equal(t, rank, rankj)
		assert.InDelta(t, single[0], rss[j], 1e-9, "column %d", j)
	}
}

func colSlice(Y *mat.Dense, j int) *mat.Dense {
	n, _ := Y.Dims()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		out.Set(i, 0, Y.At(i, j))
	}
	return out
}

func TestPivotsFormPermutation(t *testing.T) {
	s := sim.New(28)
	X := randomDesign(s, 20, 5)
	q, err := regress.NewQR(X, tol)
	require.NoError(t, err)
	require.Equal(t, 5, q.Rank())

	piv := q.Pivots()
	require.Len(t, piv, 5)
	seen := make(map[int]bool)
	for _, p := range piv {
		require.True(t, p >= 0 && p < 5)
		require.False(t, seen[p], "pivot %d repeated", p)
		seen[p] = true
	}

	// Duplicated columns: one of the pair is pivoted past the rank cut.
	Xd := mat.NewDense(20, 3, nil)
	for i := 0; i < 20; i++ {
		Xd.Set(i, 0, X.At(i, 0))
		Xd.Set(i, 1, X.At(i, 1))
		Xd.Set(i, 2, X.At(i, 1))
	}
	qd, err := regress.NewQR(Xd, tol)
	require.NoError(t, err)
	require.Equal(t, 2, qd.Rank())
	last := qd.Pivots()[2]
	assert.True(t, last == 1 || last == 2, "the aliased column must be one of the duplicates")
}

func TestCholFastMatchesQRFullRank(t *testing.T) {
	s := sim.New(24)
	X := randomDesign(s, 50, 4)
	Y := mat.NewDense(50, 2, nil)
	for i := 0; i < 50; i++ {
		Y.Set(i, 0, X.At(i, 2)+s.NormFloat64())
		Y.Set(i, 1, s.NormFloat64())
	}

	chol, err := regress.CholFast(X, Y, tol)
	require.NoError(t, err)
	require.Equal(t, regress.MethodChol, chol.Method)
	qr, err := regress.FitLS(X, Y, tol)
	require.NoError(t, err)

	require.Equal(t, qr.Rank, chol.Rank)
	for j := 0; j < 2; j++ {
		assert.InDelta(t, qr.RSS[j], chol.RSS[j], 1e-8)
		for p := 0; p < 4; p++ {
			assert.InDelta(t, qr.Coef.At(p, j), chol.Coef.At(p, j), 1e-8)
			assert.InDelta(t, qr.SE.At(p, j), chol.SE.At(p, j), 1e-8)
		}
	}
}

func TestCholFastFallsBackOnSingularDesign(t *testing.T) {
	s := sim.New(25)
	n := 30
	X := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		v := s.NormFloat64()
		X.Set(i, 0, 1)
		X.Set(i, 1, v)
		X.Set(i, 2, v) // exact copy
	}
	Y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		Y.Set(i, 0, s.NormFloat64())
	}

	fit, err := regress.CholFast(X, Y, tol)
	require.NoError(t, err)
	assert.Equal(t, regress.MethodQR, fit.Method, "singular normal equations must fall back to pivoted QR")
	assert.Equal(t, 2, fit.Rank)
}

func TestStandardErrorsSimpleRegression(t *testing.T) {
	// y on an intercept only: SE of the mean is sd/sqrt(n).
	n := 16
	X := mat.NewDense(n, 1, nil)
	Y := mat.NewDense(n, 1, nil)
	s := sim.New(26)
	var vals []float64
	for i := 0; i < n; i++ {
		X.Set(i, 0, 1)
		v := s.NormFloat64()
		vals = append(vals, v)
		Y.Set(i, 0, v)
	}
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(n)
	ss := 0.0
	for _, v := range vals {
		ss += (v - mean) * (v - mean)
	}

	fit, err := regress.FitLS(X, Y, tol)
	require.NoError(t, err)
	assert.InDelta(t, mean, fit.Coef.At(0, 0), 1e-12)
	assert.InDelta(t, ss, fit.RSS[0], 1e-12)
	wantSE := math.Sqrt(ss / float64(n-1) / float64(n))
	assert.InDelta(t, wantSE, fit.SE.At(0, 0), 1e-12)
}

func TestNewQRRejectsBadInput(t *testing.T) {
	X := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	_, err := regress.NewQR(X, tol)
	require.Error(t, err, "underdetermined system")

	_, err = regress.NewQR(mat.NewDense(3, 2, nil), 0)
	require.Error(t, err, "non-positive tolerance")

	q, err := regress.NewQR(mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 1}), tol)
	require.NoError(t, err)
	_, err = q.RSS(mat.NewDense(4, 1, nil))
	require.Error(t, err, "row mismatch")
}

func TestZeroDesignHasZeroRank(t *testing.T) {
	q, err := regress.NewQR(mat.NewDense(5, 2, nil), tol)
	require.NoError(t, err)
	require.Equal(t, 0, q.Rank())

	Y := mat.NewDense(5, 1, []float64{1, 2, 3, 4, 5})
	rss, err := q.RSS(Y)
	require.NoError(t, err)
	assert.InDelta(t, 1+4+9+16+25, rss[0], 1e-12)

	fit, err := q.Solve(Y)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(fit.Coef.At(0, 0)))
}
