// Package regress is the least-squares core used by genome scans: a
// column-pivoted QR factorization that tolerates rank-deficient design
// matrices, with a Cholesky fast path for the common full-rank case.
//
// The factorization depends only on the design matrix, never on the
// responses, so one factorization serves any number of response columns.
package regress

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	lapackimpl "gonum.org/v1/gonum/lapack/gonum"
	"gonum.org/v1/gonum/lapack/lapack64"
	"gonum.org/v1/gonum/mat"
)

// QR is a column-pivoted QR factorization of an n x p design matrix,
// produced by LAPACK dgeqp3. It exposes response-side operations (RSS,
// Solve) that reuse the one-time factorization.
type QR struct {
	a    blas64.General // factored matrix: R in the upper triangle, reflectors below
	tau  []float64
	jpvt []int
	n, p int
	rank int
	tol  float64
}

// NewQR factors X with column pivoting. tol is the relative pivot
// threshold used for rank determination: diagonal entries of R smaller in
// magnitude than tol times the largest one are treated as zero.
func NewQR(X *mat.Dense, tol float64) (*QR, error) {
	n, p := X.Dims()
	if n == 0 || p == 0 {
		return nil, errors.Errorf("empty design matrix (%d x %d)", n, p)
	}
	if tol <= 0 {
		return nil, errors.Errorf("rank tolerance %g must be positive", tol)
	}
	if n < p {
		return nil, errors.Errorf("underdetermined system: %d rows < %d columns", n, p)
	}

	q := &QR{
		a:    blas64.General{Rows: n, Cols: p, Stride: p, Data: make([]float64, n*p)},
		tau:  make([]float64, p),
		jpvt: make([]int, p),
		n:    n,
		p:    p,
		tol:  tol,
	}
	src := X.RawMatrix()
	for i := 0; i < n; i++ {
		copy(q.a.Data[i*p:i*p+p], src.Data[i*src.Stride:i*src.Stride+p])
	}
	for j := range q.jpvt {
		q.jpvt[j] = -1 // all columns free to pivot
	}

	// dgeqp3 has no lapack64 wrapper; call the implementation directly.
	impl := lapackimpl.Implementation{}
	work := make([]float64, 1)
	impl.Dgeqp3(n, p, q.a.Data, q.a.Stride, q.jpvt, q.tau, work, -1)
	work = make([]float64, int(work[0]))
	impl.Dgeqp3(n, p, q.a.Data, q.a.Stride, q.jpvt, q.tau, work, len(work))

	// dgeqp3 orders the diagonal of R by decreasing magnitude, so the rank
	// is the length of the leading run above the pivot threshold.
	d0 := math.Abs(q.a.Data[0])
	if d0 > 0 {
		thresh := tol * d0
		for i := 0; i < p; i++ {
			if math.Abs(q.a.Data[i*q.a.Stride+i]) <= thresh {
				break
			}
			q.rank++
		}
	}
	return q, nil
}

// Rank returns the effective rank of the design under the pivot threshold.
func (q *QR) Rank() int { return q.rank }

// Dims returns the dimensions of the factored design matrix.
func (q *QR) Dims() (n, p int) { return q.n, q.p }

// DF returns the residual degrees of freedom, n minus the effective rank.
func (q *QR) DF() int { return q.n - q.rank }

// Pivots returns, for each factored column i, the original column index
// that was pivoted into position i.
func (q *QR) Pivots() []int {
	out := make([]int, q.p)
	copy(out, q.jpvt)
	return out
}

// qty applies Q^T to a copy of Y and returns the n x k product.
func (q *QR) qty(Y *mat.Dense) (blas64.General, error) {
	yr, k := Y.Dims()
	if yr != q.n {
		return blas64.General{}, errors.Errorf("response has %d rows, design has %d", yr, q.n)
	}
	c := blas64.General{Rows: q.n, Cols: k, Stride: k, Data: make([]float64, q.n*k)}
	src := Y.RawMatrix()
	for i := 0; i < q.n; i++ {
		copy(c.Data[i*k:i*k+k], src.Data[i*src.Stride:i*src.Stride+k])
	}
	work := make([]float64, 1)
	lapack64.Ormqr(blas.Left, blas.Trans, q.a, q.tau, c, work, -1)
	work = make([]float64, int(work[0]))
	lapack64.Ormqr(blas.Left, blas.Trans, q.a, q.tau, c, work, len(work))
	return c, nil
}

// RSS returns the residual sum of squares for every column of Y without
// forming coefficients: the squared tail of Q^T y below the effective
// rank. This is the fast path for fit-quality-only scans.
func (q *QR) RSS(Y *mat.Dense) ([]float64, error) {
	c, err := q.qty(Y)
	if err != nil {
		return nil, err
	}
	_, k := Y.Dims()
	rss := make([]float64, k)
	for i := q.rank; i < q.n; i++ {
		row := c.Data[i*c.Stride : i*c.Stride+k]
		for j, v := range row {
			rss[j] += v * v
		}
	}
	return rss, nil
}

// Solve returns coefficient estimates, standard errors, and RSS for every
// column of Y. Coefficients are reported in the original column order of
// the design; columns aliased out by pivoting get NaN coefficients and
// standard errors. Standard errors use the residual degrees of freedom
// n - rank, not the nominal column count.
func (q *QR) Solve(Y *mat.Dense) (*Fit, error) {
	c, err := q.qty(Y)
	if err != nil {
		return nil, err
	}
	_, k := Y.Dims()

	fit := &Fit{
		Coef:   mat.NewDense(q.p, k, nil),
		SE:     mat.NewDense(q.p, k, nil),
		RSS:    make([]float64, k),
		Rank:   q.rank,
		DF:     q.n - q.rank,
		Method: MethodQR,
	}
	for i := 0; i < q.p; i++ {
		for j := 0; j < k; j++ {
			fit.Coef.Set(i, j, math.NaN())
			fit.SE.Set(i, j, math.NaN())
		}
	}
	for i := q.rank; i < q.n; i++ {
		row := c.Data[i*c.Stride : i*c.Stride+k]
		for j, v := range row {
			fit.RSS[j] += v * v
		}
	}
	if q.rank == 0 {
		return fit, nil
	}

	// Back-substitute against the leading rank x rank block of R.
	b := blas64.General{Rows: q.rank, Cols: k, Stride: k, Data: make([]float64, q.rank*k)}
	for i := 0; i < q.rank; i++ {
		copy(b.Data[i*k:i*k+k], c.Data[i*c.Stride:i*c.Stride+k])
	}
	r1 := blas64.Triangular{
		Uplo:   blas.Upper,
		Diag:   blas.NonUnit,
		N:      q.rank,
		Stride: q.a.Stride,
		Data:   q.a.Data,
	}
	if ok := lapack64.Trtrs(blas.NoTrans, r1, b); !ok {
		return nil, errors.New("exactly singular R block despite pivot threshold")
	}

	// diag((X'X)^-) over the used columns, via row sums of squares of R^-1.
	rinv := blas64.General{Rows: q.rank, Cols: q.rank, Stride: q.rank, Data: make([]float64, q.rank*q.rank)}
	for i := 0; i < q.rank; i++ {
		rinv.Data[i*q.rank+i] = 1
	}
	if ok := lapack64.Trtrs(blas.NoTrans, r1, rinv); !ok {
		return nil, errors.New("exactly singular R block despite pivot threshold")
	}
	xtxinv := make([]float64, q.rank)
	for i := 0; i < q.rank; i++ {
		var s float64
		for j := i; j < q.rank; j++ {
			v := rinv.Data[i*q.rank+j]
			s += v * v
		}
		xtxinv[i] = s
	}

	for i := 0; i < q.rank; i++ {
		orig := q.jpvt[i]
		for j := 0; j < k; j++ {
			fit.Coef.Set(orig, j, b.Data[i*k+j])
			if fit.DF > 0 {
				sigma2 := fit.RSS[j] / float64(fit.DF)
				fit.SE.Set(orig, j, math.Sqrt(sigma2*xtxinv[i]))
			}
		}
	}
	return fit, nil
}
