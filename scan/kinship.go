package scan

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/hmgstat/qtlscan/regress"
)

// kinshipRotate applies the mixed-model correction for one phenotype
// group: it rotates the regression problem into the eigenbasis of the
// kinship matrix, estimates the heritability on the null model, and
// returns the combined weight-and-rotate transform (applied here to the
// null design and responses, and by the caller to the genotype regressors
// at each position).
func kinshipRotate(kin *Kinship, al *alignment, g *phenoGroup, C, Y *mat.Dense, tol float64) (*mat.Dense, *mat.Dense, *mat.Dense, error) {
	sub := mat.NewSymDense(g.n, nil)
	for i, ri := range g.rows {
		ki := al.kinRow[ri]
		for j := i; j < g.n; j++ {
			sub.SetSym(i, j, kin.K.At(ki, al.kinRow[g.rows[j]]))
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sub, true); !ok {
		return nil, nil, nil, errors.New("kinship eigendecomposition failed")
	}
	vals := eig.Values(nil)
	for i, v := range vals {
		if v < 0 {
			vals[i] = 0
		}
	}
	var U mat.Dense
	eig.VectorsTo(&U)

	var Cr, Yr mat.Dense
	Cr.Mul(U.T(), C)
	Yr.Mul(U.T(), Y)

	h2, err := estimateHeritability(&Cr, &Yr, vals, tol)
	if err != nil {
		return nil, nil, nil, err
	}

	// rot = diag(1/sqrt(h2*lambda + 1-h2)) * U^T
	rot := mat.NewDense(g.n, g.n, nil)
	for i := 0; i < g.n; i++ {
		w := 1 / math.Sqrt(h2*vals[i]+1-h2)
		for j := 0; j < g.n; j++ {
			rot.Set(i, j, w*U.At(j, i))
		}
	}
	var Cw, Yw mat.Dense
	Cw.Mul(rot, C)
	Yw.Mul(rot, Y)
	return rot, &Cw, &Yw, nil
}

// nullLogLik is the profile log-likelihood of the rotated null model at
// heritability h2, summed over response columns. Cr and Yr are already in
// the kinship eigenbasis.
func nullLogLik(Cr, Yr *mat.Dense, vals []float64, h2, tol float64) (float64, error) {
	n, p := Cr.Dims()
	_, k := Yr.Dims()

	logdet := 0.0
	Cw := mat.NewDense(n, p, nil)
	Yw := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		v := h2*vals[i] + 1 - h2
		logdet += math.Log(v)
		w := 1 / math.Sqrt(v)
		for j := 0; j < p; j++ {
			Cw.Set(i, j, w*Cr.At(i, j))
		}
		for j := 0; j < k; j++ {
			Yw.Set(i, j, w*Yr.At(i, j))
		}
	}

	rss, _, err := regress.RSSOnly(Cw, Yw, tol)
	if err != nil {
		return 0, err
	}
	ll := 0.0
	for _, r := range rss {
		if r <= 0 {
			r = math.SmallestNonzeroFloat64
		}
		ll += -float64(n)/2*math.Log(r) - logdet/2
	}
	return ll, nil
}

// estimateHeritability maximizes the null-model profile log-likelihood
// over h2 in [0, 0.99] by golden-section search. One common value serves
// all response columns of the group, which preserves the shared
// design decomposition across phenotypes.
func estimateHeritability(Cr, Yr *mat.Dense, vals []float64, tol float64) (float64, error) {
	const (
		lo   = 0.0
		hi   = 0.99
		iter = 40
	)
	phi := (math.Sqrt(5) - 1) / 2

	a, b := lo, hi
	x1 := b - phi*(b-a)
	x2 := a + phi*(b-a)
	f1, err := nullLogLik(Cr, Yr, vals, x1, tol)
	if err != nil {
		return 0, err
	}
	f2, err := nullLogLik(Cr, Yr, vals, x2, tol)
	if err != nil {
		return 0, err
	}
	for i := 0; i < iter; i++ {
		if f1 < f2 {
			a, x1, f1 = x1, x2, f2
			x2 = a + phi*(b-a)
			if f2, err = nullLogLik(Cr, Yr, vals, x2, tol); err != nil {
				return 0, err
			}
		} else {
			b, x2, f2 = x2, x1, f1
			x1 = b - phi*(b-a)
			if f1, err = nullLogLik(Cr, Yr, vals, x1, tol); err != nil {
				return 0, err
			}
		}
	}
	return (a + b) / 2, nil
}
