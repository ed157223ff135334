package hmm

import (
	"math"

	"github.com/hmgstat/qtlscan/cross"
	"github.com/hmgstat/qtlscan/genmap"
)

// unit is one (individual, chromosome) computation: the smallest
// independent piece of work. Units share nothing mutable, so any number of
// them may run concurrently.
type unit struct {
	c       cross.Cross
	ci      cross.CrossInfo
	obs     []cross.ObsGeno // per marker
	grid    *genmap.Grid
	rf      []float64 // meiotic rf between adjacent grid positions
	errRate float64
	ng      int

	id  string
	chr string

	// valid marks genotype states with nonzero initial probability under
	// this unit's cross info; the shipped designs keep state support
	// closed under transition, so these are the reachable states.
	valid []bool

	// degenerate marks grid positions where the observation contradicts
	// every reachable state. Emissions there are replaced by 1 (the
	// observation is treated as missing) and the unit is flagged.
	degenerate []bool
}

// gridRF converts grid spacing to recombination fractions under the
// design's map function.
func gridRF(c cross.Cross, g *genmap.Grid) []float64 {
	mf := c.MapFunc()
	rf := make([]float64, len(g.Pos)-1)
	for i := range rf {
		rf[i] = mf.ToRF(g.Pos[i+1] - g.Pos[i])
	}
	return rf
}

func newUnit(ds *Dataset, chrom *genmap.Chromosome, grid *genmap.Grid, rf []float64, ind int) *unit {
	u := &unit{
		c:       ds.Cross,
		ci:      ds.infoFor(ind, chrom),
		obs:     ds.Geno[chrom.Name][ind],
		grid:    grid,
		rf:      rf,
		errRate: ds.ErrRate,
		ng:      ds.Cross.NGeno(),
		id:      ds.IDs[ind],
		chr:     chrom.Name,
	}
	u.valid = make([]bool, u.ng)
	for g := 0; g < u.ng; g++ {
		u.valid[g] = u.c.Init(g, u.ci) > 0
	}
	u.markDegenerate()
	return u
}

// rawEmit is the emission probability before degeneracy flooring.
func (u *unit) rawEmit(t, g int) float64 {
	m := u.grid.MarkerIdx[t]
	if m < 0 || u.obs[m] == cross.Missing {
		return 1
	}
	return u.c.Emit(u.obs[m], g, u.errRate, u.ci)
}

func (u *unit) markDegenerate() {
	u.degenerate = make([]bool, u.grid.NPos())
	for t := range u.degenerate {
		s := 0.0
		for g := 0; g < u.ng; g++ {
			if u.valid[g] {
				s += u.rawEmit(t, g)
			}
		}
		u.degenerate[t] = s == 0
	}
}

// emit is the emission probability actually used by the recursions:
// degenerate positions behave as missing observations.
func (u *unit) emit(t, g int) float64 {
	if u.degenerate[t] {
		return 1
	}
	return u.rawEmit(t, g)
}

func (u *unit) flags() []Flag {
	var out []Flag
	for t, d := range u.degenerate {
		if d {
			out = append(out, Flag{ID: u.id, Chr: u.chr, Pos: t,
				Reason: "observation contradicts all reachable states; treated as missing"})
		}
	}
	return out
}

// forward runs the scaled forward recursion. alpha is flat, position-major
// (alpha[t*ng+g]); each position is rescaled by its sum, and the
// log-likelihood is the sum of log scale factors, which avoids underflow
// over long marker sequences.
func (u *unit) forward() (alpha, scale []float64, loglik float64) {
	np := u.grid.NPos()
	alpha = make([]float64, np*u.ng)
	scale = make([]float64, np)

	s := 0.0
	for g := 0; g < u.ng; g++ {
		alpha[g] = u.c.Init(g, u.ci) * u.emit(0, g)
		s += alpha[g]
	}
	scale[0] = s
	for g := 0; g < u.ng; g++ {
		alpha[g] /= s
	}

	for t := 1; t < np; t++ {
		j0, j1 := (t-1)*u.ng, t*u.ng
		for pass := 0; pass < 2; pass++ {
			s = 0
			for g2 := 0; g2 < u.ng; g2++ {
				a := 0.0
				for g1 := 0; g1 < u.ng; g1++ {
					if alpha[j0+g1] == 0 {
						continue
					}
					a += alpha[j0+g1] * u.c.Step(g1, g2, u.rf[t-1], u.ci)
				}
				a *= u.emit(t, g2)
				alpha[j1+g2] = a
				s += a
			}
			if s > 0 {
				break
			}
			// Zero total likelihood: the observation contradicts every
			// state reachable from the left. Floor by dropping the
			// emission and redo the step.
			u.degenerate[t] = true
		}
		scale[t] = s
		for g := 0; g < u.ng; g++ {
			alpha[j1+g] /= s
		}
	}

	for t := 0; t < np; t++ {
		loglik += math.Log(scale[t])
	}
	return alpha, scale, loglik
}

// backward runs the scaled backward recursion with its own per-position
// rescaling. The returned loglik is the total likelihood of the whole
// observation sequence computed from the initial position; equality with
// the forward total is the engine's self-consistency property.
func (u *unit) backward() (beta []float64, loglik float64) {
	np := u.grid.NPos()
	beta = make([]float64, np*u.ng)

	j1 := (np - 1) * u.ng
	for g := 0; g < u.ng; g++ {
		beta[j1+g] = 1
	}

	var logscale float64
	for t := np - 2; t >= 0; t-- {
		j0, j1 := t*u.ng, (t+1)*u.ng
		var s float64
		for pass := 0; pass < 2; pass++ {
			s = 0
			for g1 := 0; g1 < u.ng; g1++ {
				b := 0.0
				for g2 := 0; g2 < u.ng; g2++ {
					if beta[j1+g2] == 0 {
						continue
					}
					b += u.c.Step(g1, g2, u.rf[t], u.ci) * u.emit(t+1, g2) * beta[j1+g2]
				}
				beta[j0+g1] = b
				if u.valid[g1] {
					s += b
				}
			}
			if s > 0 {
				break
			}
			u.degenerate[t+1] = true
		}
		logscale += math.Log(s)
		for g := 0; g < u.ng; g++ {
			beta[j0+g] /= s
		}
	}

	total := 0.0
	for g := 0; g < u.ng; g++ {
		total += u.c.Init(g, u.ci) * u.emit(0, g) * beta[g]
	}
	return beta, math.Log(total) + logscale
}

// posterior writes the per-position genotype-state posterior into dst
// (flat, position-major, length NPos*ng). Each position normalizes to 1.
func (u *unit) posterior(dst []float64) []Flag {
	alpha, _, _ := u.forward()
	beta, _ := u.backward()
	np := u.grid.NPos()
	for t := 0; t < np; t++ {
		j := t * u.ng
		s := 0.0
		for g := 0; g < u.ng; g++ {
			dst[j+g] = alpha[j+g] * beta[j+g]
			s += dst[j+g]
		}
		if s == 0 {
			// Forward and backward supports disagree after flooring; fall
			// back to a uniform posterior over the reachable states.
			u.degenerate[t] = true
			nv := 0
			for g := 0; g < u.ng; g++ {
				if u.valid[g] {
					nv++
				}
			}
			for g := 0; g < u.ng; g++ {
				if u.valid[g] {
					dst[j+g] = 1 / float64(nv)
				}
			}
			continue
		}
		for g := 0; g < u.ng; g++ {
			dst[j+g] /= s
		}
	}
	return u.flags()
}

// viterbi returns the most probable genotype-state path. Ties are broken
// deterministically toward the lowest-indexed state, both in the per-step
// maximization and at the terminal position.
func (u *unit) viterbi() []int {
	np := u.grid.NPos()
	delta := make([]float64, np*u.ng)
	psi := make([]int, np*u.ng)

	for g := 0; g < u.ng; g++ {
		delta[g] = safeLog(u.c.Init(g, u.ci)) + safeLog(u.emit(0, g))
	}

	for t := 1; t < np; t++ {
		j0, j1 := (t-1)*u.ng, t*u.ng
		for pass := 0; pass < 2; pass++ {
			rowMax := math.Inf(-1)
			for g2 := 0; g2 < u.ng; g2++ {
				best, arg := math.Inf(-1), 0
				for g1 := 0; g1 < u.ng; g1++ {
					v := delta[j0+g1] + safeLog(u.c.Step(g1, g2, u.rf[t-1], u.ci))
					if v > best {
						best, arg = v, g1
					}
				}
				delta[j1+g2] = best + safeLog(u.emit(t, g2))
				psi[j1+g2] = arg
				if delta[j1+g2] > rowMax {
					rowMax = delta[j1+g2]
				}
			}
			if !math.IsInf(rowMax, -1) {
				break
			}
			u.degenerate[t] = true
		}
	}

	path := make([]int, np)
	j := (np - 1) * u.ng
	best, arg := math.Inf(-1), 0
	for g := 0; g < u.ng; g++ {
		if delta[j+g] > best {
			best, arg = delta[j+g], g
		}
	}
	path[np-1] = arg
	for t := np - 2; t >= 0; t-- {
		path[t] = psi[(t+1)*u.ng+path[t+1]]
	}
	return path
}

// expectedRec accumulates, per interval, the expected number of
// recombinant meioses for this unit (the E-step quantity), and returns the
// unit's log-likelihood and meiosis count.
func (u *unit) expectedRec(num []float64) (loglik, meioses float64) {
	alpha, _, loglik := u.forward()
	beta, _ := u.backward()
	np := u.grid.NPos()
	xi := make([]float64, u.ng*u.ng)

	for t := 0; t < np-1; t++ {
		j0, j1 := t*u.ng, (t+1)*u.ng
		s := 0.0
		for g1 := 0; g1 < u.ng; g1++ {
			for g2 := 0; g2 < u.ng; g2++ {
				v := alpha[j0+g1] * u.c.Step(g1, g2, u.rf[t], u.ci) * u.emit(t+1, g2) * beta[j1+g2]
				xi[g1*u.ng+g2] = v
				s += v
			}
		}
		if s == 0 {
			continue
		}
		for g1 := 0; g1 < u.ng; g1++ {
			for g2 := 0; g2 < u.ng; g2++ {
				w := xi[g1*u.ng+g2] / s
				if w > 0 {
					num[t] += w * u.c.NRec(g1, g2, u.rf[t], u.ci)
				}
			}
		}
	}
	return loglik, u.c.NMeioses(u.ci)
}

func safeLog(x float64) float64 {
	if x <= 0 {
		return math.Inf(-1)
	}
	return math.Log(x)
}
