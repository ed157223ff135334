package hmm

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.dedis.ch/onet/v3/log"

	"github.com/hmgstat/qtlscan/genmap"
)

// EstMapOptions controls the EM re-estimation of the genetic map.
type EstMapOptions struct {
	// Tol is the convergence tolerance on the maximum absolute change in
	// any recombination fraction between iterations. Must be positive.
	Tol float64

	// MaxIter bounds the EM iterations. Must be positive. Hitting the
	// bound is reported through the diagnostics, not as an error.
	MaxIter int

	// NWorkers is the number of chromosomes estimated in parallel;
	// <= 0 uses GOMAXPROCS.
	NWorkers int

	Quiet bool
}

func (o EstMapOptions) validate() error {
	if o.Tol <= 0 {
		return errors.Errorf("convergence tolerance %g must be positive", o.Tol)
	}
	if o.MaxIter <= 0 {
		return errors.Errorf("maximum iteration count %d must be positive", o.MaxIter)
	}
	return nil
}

// EstMapDiag reports how the EM loop ended.
type EstMapDiag struct {
	Iterations int
	FinalDelta float64
	Converged  bool
	LogLik     float64
}

// Updated fractions are clamped into [minRF, maxRF]: an estimate of
// exactly zero would collapse adjacent markers onto one map position, and
// 0.5 is outside the model's domain.
const (
	minRF = 1e-10
	maxRF = 0.5 - 1e-8
)

// EstMap refines inter-marker recombination fractions by EM: the E-step
// runs the forward/backward recursions per individual under the current
// fractions and accumulates expected recombinant-meiosis counts per
// interval; the M-step is the closed-form per-interval update. Each
// iteration works from an immutable snapshot of the previous iteration's
// fractions, so per-chromosome E-steps may run concurrently.
//
// It returns the refined map (marker spacing rebuilt through the cross
// design's map function), the final fractions, and diagnostics.
func EstMap(ds *Dataset, opt EstMapOptions) (*genmap.Map, genmap.RecFracs, *EstMapDiag, error) {
	if err := ds.Validate(); err != nil {
		return nil, nil, nil, err
	}
	if err := opt.validate(); err != nil {
		return nil, nil, nil, err
	}
	start := time.Now()

	mf := ds.Cross.MapFunc()
	rf := genmap.FromMap(ds.Map, mf)
	diag := &EstMapDiag{}

	nproc := Options{NWorkers: opt.NWorkers}.workers()

	for iter := 0; iter < opt.MaxIter; iter++ {
		snapshot := rf.Clone()
		updates := make([]chromUpdate, len(ds.Map.Chroms))

		jobChannels := make([]chan int, nproc)
		for i := range jobChannels {
			jobChannels[i] = make(chan int, 4)
		}
		go func() {
			for ci := range ds.Map.Chroms {
				jobChannels[ci%nproc] <- ci
			}
			for _, ch := range jobChannels {
				close(ch)
			}
		}()

		var workerGroup sync.WaitGroup
		for thread := 0; thread < nproc; thread++ {
			workerGroup.Add(1)
			go func(thread int) {
				defer workerGroup.Done()
				for ci := range jobChannels[thread] {
					updates[ci] = estChrom(ds, ci, snapshot)
				}
			}(thread)
		}
		workerGroup.Wait()

		delta := 0.0
		loglik := 0.0
		for ci, chrom := range ds.Map.Chroms {
			old := snapshot[chrom.Name]
			for t, r := range updates[ci].newRF {
				if d := math.Abs(r - old[t]); d > delta {
					delta = d
				}
			}
			rf[chrom.Name] = updates[ci].newRF
			loglik += updates[ci].loglik
		}

		diag.Iterations = iter + 1
		diag.FinalDelta = delta
		diag.LogLik = loglik
		if delta < opt.Tol {
			diag.Converged = true
			break
		}
	}

	newMap, err := genmap.ToMap(ds.Map, rf, mf)
	if err != nil {
		return nil, nil, nil, err
	}
	if !opt.Quiet {
		log.LLvl1(time.Now().Format(time.StampMilli), "EstMap:", diag.Iterations, "iterations, delta",
			diag.FinalDelta, "converged", diag.Converged, time.Since(start))
	}
	return newMap, rf, diag, nil
}

type chromUpdate struct {
	newRF  []float64
	loglik float64
}

// estChrom runs one EM iteration for one chromosome: expected
// recombinant-meiosis counts across all individuals, then the closed-form
// fraction update per interval.
func estChrom(ds *Dataset, ci int, snapshot genmap.RecFracs) (upd chromUpdate) {
	chrom := ds.Map.Chroms[ci]
	grid := genmap.MarkerGrid(chrom)
	rfc := snapshot[chrom.Name]

	num := make([]float64, len(rfc))
	den := 0.0
	for ind := range ds.IDs {
		u := newUnit(ds, chrom, grid, rfc, ind)
		ll, meioses := u.expectedRec(num)
		upd.loglik += ll
		den += meioses
	}

	upd.newRF = make([]float64, len(rfc))
	for t := range num {
		rEff := 0.0
		if den > 0 {
			rEff = num[t] / den
		}
		r := ds.Cross.InvScaleRF(rEff)
		if r < minRF {
			r = minRF
		} else if r > maxRF {
			r = maxRF
		}
		upd.newRF[t] = r
	}
	return upd
}
