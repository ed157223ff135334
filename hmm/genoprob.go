package hmm

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"go.dedis.ch/onet/v3/log"

	"github.com/hmgstat/qtlscan/genmap"
)

// Options controls batch computations.
type Options struct {
	// Step, in cM, inserts pseudomarkers so the scan grid has no gap wider
	// than Step. Zero or negative keeps the marker-only grid.
	Step float64

	// NWorkers is the number of parallel workers; <= 0 uses GOMAXPROCS.
	NWorkers int

	// Quiet suppresses progress logging.
	Quiet bool
}

func (o Options) workers() int {
	if o.NWorkers > 0 {
		return o.NWorkers
	}
	return runtime.GOMAXPROCS(0)
}

// ChromProbs holds genotype probabilities for one chromosome: for each
// individual, a flat position-major array of state probabilities.
type ChromProbs struct {
	Chr   string
	Grid  *genmap.Grid
	NGeno int

	// Probs[i] has length Grid.NPos()*NGeno; Probs[i][t*NGeno+g] is the
	// probability that individual i has genotype state g at position t.
	Probs [][]float64
}

// At returns the probability for (individual, position, state).
func (cp *ChromProbs) At(ind, pos, g int) float64 {
	return cp.Probs[ind][pos*cp.NGeno+g]
}

// StateCol copies the probabilities of state g at position pos for all
// individuals into dst (allocated if nil) and returns it.
func (cp *ChromProbs) StateCol(pos, g int, dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(cp.Probs))
	}
	for i := range cp.Probs {
		dst[i] = cp.Probs[i][pos*cp.NGeno+g]
	}
	return dst
}

// GenoProbs is the full genotype-probability array: never mutated after
// creation; recomputed wholesale if inputs change.
type GenoProbs struct {
	IDs    []string
	NGeno  int
	Chroms []*ChromProbs
}

// Chrom returns the probabilities for the named chromosome, or nil.
func (gp *GenoProbs) Chrom(name string) *ChromProbs {
	for _, cp := range gp.Chroms {
		if cp.Chr == name {
			return cp
		}
	}
	return nil
}

type unitJob struct {
	chr int
	ind int
}

// runUnits fans (chromosome, individual) units out over workers using
// per-worker job channels and a feeder goroutine, then joins. Each worker
// writes only to its unit's preallocated slot, so the merged output is
// ordered by (chromosome, individual) no matter how completion interleaves.
func runUnits(ds *Dataset, opt Options, run func(job unitJob, flagSink func([]Flag))) []Flag {
	nproc := opt.workers()
	jobChannels := make([]chan unitJob, nproc)
	for i := range jobChannels {
		jobChannels[i] = make(chan unitJob, 32)
	}

	go func() {
		j := 0
		for ci := range ds.Map.Chroms {
			for ii := range ds.IDs {
				jobChannels[j%nproc] <- unitJob{chr: ci, ind: ii}
				j++
			}
		}
		for _, ch := range jobChannels {
			close(ch)
		}
	}()

	var mut sync.Mutex
	var flags []Flag
	sink := func(fl []Flag) {
		if len(fl) == 0 {
			return
		}
		mut.Lock()
		flags = append(flags, fl...)
		mut.Unlock()
	}

	var workerGroup sync.WaitGroup
	for thread := 0; thread < nproc; thread++ {
		workerGroup.Add(1)
		go func(thread int) {
			defer workerGroup.Done()
			for job := range jobChannels[thread] {
				run(job, sink)
			}
		}(thread)
	}
	workerGroup.Wait()

	sort.Slice(flags, func(a, b int) bool {
		if flags[a].Chr != flags[b].Chr {
			return flags[a].Chr < flags[b].Chr
		}
		if flags[a].ID != flags[b].ID {
			return flags[a].ID < flags[b].ID
		}
		return flags[a].Pos < flags[b].Pos
	})
	return flags
}

// CalcGenoProb computes posterior genotype probabilities for every
// individual at every grid position on every chromosome. Degenerate
// observations are floored and reported as flags; they never abort the
// batch.
func CalcGenoProb(ds *Dataset, opt Options) (*GenoProbs, []Flag, error) {
	if err := ds.Validate(); err != nil {
		return nil, nil, err
	}
	start := time.Now()

	ng := ds.Cross.NGeno()
	gp := &GenoProbs{IDs: ds.IDs, NGeno: ng, Chroms: make([]*ChromProbs, len(ds.Map.Chroms))}
	grids := make([]*genmap.Grid, len(ds.Map.Chroms))
	rfs := make([][]float64, len(ds.Map.Chroms))
	for ci, chrom := range ds.Map.Chroms {
		grids[ci] = genmap.StepGrid(chrom, opt.Step)
		rfs[ci] = gridRF(ds.Cross, grids[ci])
		cp := &ChromProbs{Chr: chrom.Name, Grid: grids[ci], NGeno: ng, Probs: make([][]float64, len(ds.IDs))}
		for i := range cp.Probs {
			cp.Probs[i] = make([]float64, grids[ci].NPos()*ng)
		}
		gp.Chroms[ci] = cp
	}

	flags := runUnits(ds, opt, func(job unitJob, sink func([]Flag)) {
		u := newUnit(ds, ds.Map.Chroms[job.chr], grids[job.chr], rfs[job.chr], job.ind)
		sink(u.posterior(gp.Chroms[job.chr].Probs[job.ind]))
	})

	if !opt.Quiet {
		log.LLvl1(time.Now().Format(time.StampMilli), "CalcGenoProb:", len(ds.IDs), "individuals,",
			ds.Map.TotalMarkers(), "markers,", len(flags), "flags,", time.Since(start))
	}
	return gp, flags, nil
}

// ChromPaths holds Viterbi genotype paths for one chromosome, over the
// marker-only grid.
type ChromPaths struct {
	Chr    string
	Grid   *genmap.Grid
	States [][]int // [individual][marker]
}

// Paths is the batch Viterbi output.
type Paths struct {
	IDs    []string
	Chroms []*ChromPaths
}

// Chrom returns the paths for the named chromosome, or nil.
func (p *Paths) Chrom(name string) *ChromPaths {
	for _, cp := range p.Chroms {
		if cp.Chr == name {
			return cp
		}
	}
	return nil
}

// ViterbiAll decodes the single most probable genotype path per individual
// and chromosome. Ties break toward the lowest-indexed state.
func ViterbiAll(ds *Dataset, opt Options) (*Paths, []Flag, error) {
	if err := ds.Validate(); err != nil {
		return nil, nil, err
	}
	start := time.Now()

	out := &Paths{IDs: ds.IDs, Chroms: make([]*ChromPaths, len(ds.Map.Chroms))}
	grids := make([]*genmap.Grid, len(ds.Map.Chroms))
	rfs := make([][]float64, len(ds.Map.Chroms))
	for ci, chrom := range ds.Map.Chroms {
		grids[ci] = genmap.MarkerGrid(chrom)
		rfs[ci] = gridRF(ds.Cross, grids[ci])
		out.Chroms[ci] = &ChromPaths{Chr: chrom.Name, Grid: grids[ci], States: make([][]int, len(ds.IDs))}
	}

	flags := runUnits(ds, opt, func(job unitJob, sink func([]Flag)) {
		u := newUnit(ds, ds.Map.Chroms[job.chr], grids[job.chr], rfs[job.chr], job.ind)
		out.Chroms[job.chr].States[job.ind] = u.viterbi()
		sink(u.flags())
	})

	if !opt.Quiet {
		log.LLvl1(time.Now().Format(time.StampMilli), "ViterbiAll:", len(ds.IDs), "individuals,",
			len(flags), "flags,", time.Since(start))
	}
	return out, flags, nil
}
