package regress

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Factorization methods reported in Fit.Method.
const (
	MethodQR   = "qr-pivoted"
	MethodChol = "cholesky"
)

// Fit is the result of a least-squares fit: one column of coefficients,
// standard errors, and one RSS entry per response column.
type Fit struct {
	Coef   *mat.Dense // p x k; NaN for aliased columns
	SE     *mat.Dense // p x k; NaN for aliased columns or zero df
	RSS    []float64  // length k
	Rank   int
	DF     int // n - Rank
	Method string
}

// RSSOnly returns the residual sum of squares of every column of Y
// regressed on X, plus the effective rank of X. It never forms
// coefficients.
func RSSOnly(X, Y *mat.Dense, tol float64) ([]float64, int, error) {
	q, err := NewQR(X, tol)
	if err != nil {
		return nil, 0, err
	}
	rss, err := q.RSS(Y)
	if err != nil {
		return nil, 0, err
	}
	return rss, q.Rank(), nil
}

// FitLS fits Y on X by column-pivoted QR, handling rank deficiency.
func FitLS(X, Y *mat.Dense, tol float64) (*Fit, error) {
	q, err := NewQR(X, tol)
	if err != nil {
		return nil, err
	}
	return q.Solve(Y)
}

// CholFast fits Y on X through the normal equations with a Cholesky
// factorization, which is cheaper than QR for tall designs. If the
// cross-product matrix fails to factor or is ill-conditioned past the
// rank tolerance, the fit transparently falls back to the pivoted-QR
// path, so a rank-deficient design never yields a silently wrong answer.
func CholFast(X, Y *mat.Dense, tol float64) (*Fit, error) {
	n, p := X.Dims()
	yn, k := Y.Dims()
	if yn != n {
		return nil, errors.Errorf("response has %d rows, design has %d", yn, n)
	}
	if tol <= 0 {
		return nil, errors.Errorf("rank tolerance %g must be positive", tol)
	}

	var xtx mat.Dense
	xtx.Mul(X.T(), X)
	sym := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			sym.SetSym(i, j, xtx.At(i, j))
		}
	}

	var ch mat.Cholesky
	if ok := ch.Factorize(sym); !ok || 1/ch.Cond() < tol {
		return FitLS(X, Y, tol)
	}

	var xty mat.Dense
	xty.Mul(X.T(), Y)
	var coef mat.Dense
	if err := ch.SolveTo(&coef, &xty); err != nil {
		return FitLS(X, Y, tol)
	}

	var resid mat.Dense
	resid.Mul(X, &coef)
	resid.Sub(Y, &resid)
	rss := make([]float64, k)
	for j := 0; j < k; j++ {
		for i := 0; i < n; i++ {
			v := resid.At(i, j)
			rss[j] += v * v
		}
	}

	// diag((X'X)^-1) from the factorization, for standard errors.
	var xtxinv mat.SymDense
	if err := ch.InverseTo(&xtxinv); err != nil {
		return FitLS(X, Y, tol)
	}

	fit := &Fit{
		Coef:   &coef,
		SE:     mat.NewDense(p, k, nil),
		RSS:    rss,
		Rank:   p,
		DF:     n - p,
		Method: MethodChol,
	}
	for i := 0; i < p; i++ {
		for j := 0; j < k; j++ {
			if fit.DF > 0 {
				sigma2 := rss[j] / float64(fit.DF)
				fit.SE.Set(i, j, math.Sqrt(sigma2*xtxinv.At(i, i)))
			} else {
				fit.SE.Set(i, j, math.NaN())
			}
		}
	}
	return fit, nil
}
