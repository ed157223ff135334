package scan

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Peak is the highest-LOD position for one phenotype.
type Peak struct {
	Pheno string
	Chr   string
	Pos   float64
	Name  string
	LOD   float64
}

// Summary describes one phenotype's LOD curve.
type Summary struct {
	Pheno string
	Peak  Peak
	Mean  float64
	P95   float64
}

// phenoCol extracts the finite LOD values of phenotype column j.
func (r *Result) phenoCol(j int) []float64 {
	out := make([]float64, 0, len(r.Positions))
	for i := range r.Positions {
		if v := r.LOD.At(i, j); !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// MaxLOD returns the peak per phenotype, in phenotype order.
func (r *Result) MaxLOD() []Peak {
	peaks := make([]Peak, len(r.Phenos))
	for j, name := range r.Phenos {
		best := Peak{Pheno: name, LOD: math.NaN()}
		for i, p := range r.Positions {
			v := r.LOD.At(i, j)
			if math.IsNaN(v) {
				continue
			}
			if math.IsNaN(best.LOD) || v > best.LOD {
				best = Peak{Pheno: name, Chr: p.Chr, Pos: p.Pos, Name: p.Name, LOD: v}
			}
		}
		peaks[j] = best
	}
	return peaks
}

// Summarize reports per-phenotype curve summaries: the peak, the mean LOD,
// and the 95th percentile of the curve.
func (r *Result) Summarize() ([]Summary, error) {
	peaks := r.MaxLOD()
	out := make([]Summary, len(r.Phenos))
	for j, name := range r.Phenos {
		col := r.phenoCol(j)
		if len(col) == 0 {
			out[j] = Summary{Pheno: name, Peak: peaks[j], Mean: math.NaN(), P95: math.NaN()}
			continue
		}
		mean, err := stats.Mean(col)
		if err != nil {
			return nil, errors.Wrapf(err, "summarize %s", name)
		}
		p95, err := stats.Percentile(col, 95)
		if err != nil {
			return nil, errors.Wrapf(err, "summarize %s", name)
		}
		out[j] = Summary{Pheno: name, Peak: peaks[j], Mean: mean, P95: p95}
	}
	return out, nil
}

// PValues converts LOD scores to nominal pointwise p-values through the
// chi-squared approximation: 2*ln(10)*LOD is compared against a
// chi-squared distribution whose degrees of freedom come from the
// per-position rank difference between full and null designs. These are
// not genome-wide adjusted; permutation thresholding is a downstream
// concern.
func (r *Result) PValues() *ResultPValues {
	out := &ResultPValues{Positions: r.Positions, Phenos: r.Phenos, P: make([][]float64, len(r.Positions))}
	for i := range r.Positions {
		out.P[i] = make([]float64, len(r.Phenos))
		df := float64(r.DF[i])
		if df <= 0 {
			df = 1
		}
		dist := distuv.ChiSquared{K: df}
		for j := range r.Phenos {
			v := r.LOD.At(i, j)
			if math.IsNaN(v) {
				out.P[i][j] = math.NaN()
				continue
			}
			out.P[i][j] = dist.Survival(2 * math.Ln10 * v)
		}
	}
	return out
}

// ResultPValues mirrors Result with pointwise p-values in place of LOD.
type ResultPValues struct {
	Positions []PosInfo
	Phenos    []string
	P         [][]float64
}
