package scan

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"

	"github.com/hmgstat/qtlscan/hmm"
	"github.com/hmgstat/qtlscan/regress"
)

// ScanOptions controls a single-QTL genome scan.
type ScanOptions struct {
	// RankTol is the pivot threshold passed to the regression core.
	RankTol float64

	// Kinship, if non-nil, applies a mixed-model correction by
	// eigen-rotation before scanning.
	Kinship *Kinship

	// NWorkers is the number of positions fitted in parallel;
	// <= 0 uses GOMAXPROCS.
	NWorkers int

	Quiet bool
}

func (o ScanOptions) workers() int {
	if o.NWorkers > 0 {
		return o.NWorkers
	}
	return runtime.GOMAXPROCS(0)
}

// PosInfo identifies one scanned position.
type PosInfo struct {
	Chr  string
	Pos  float64
	Name string
}

// Failure annotates a phenotype (or phenotype group) that could not be
// scanned; the rest of the scan proceeds.
type Failure struct {
	Pheno  string
	Reason string
}

// Result is a LOD curve per phenotype, ordered by chromosome and position.
// Append-only once computed.
type Result struct {
	Positions []PosInfo
	Phenos    []string

	// LOD is positions x phenotypes; NaN where a phenotype could not be
	// scanned.
	LOD *mat.Dense

	// DF is the difference in effective rank between the full and null
	// designs at each position, from the largest phenotype group.
	DF []int

	// NUsed is the number of individuals used per phenotype after
	// alignment and per-phenotype missingness handling.
	NUsed []int

	Failures []Failure
}

// phenoGroup is a set of phenotype columns sharing one missingness
// pattern, hence one set of rows and one design decomposition per
// position.
type phenoGroup struct {
	cols   []int // column indices into the phenotype matrix
	rows   []int // indices into the aligned id list
	gpRows []int // rows into the genotype-probability arrays
	n      int
}

// Scan1 performs a single-QTL scan: at every genome position it compares
// the full model (intercept + covariates + genotype regressors) to the
// null model (intercept + covariates) and reports the LOD score
// (n/2)*log10(RSS_null/RSS_full) for every phenotype.
//
// Individual alignment across all inputs is resolved once, by identifier
// intersection in genotype-probability order. Phenotype columns sharing a
// missingness pattern are scanned as one multi-response batch against a
// single design decomposition per position; columns with private
// missingness are re-aligned and scanned separately rather than failing
// the whole scan.
func Scan1(gp *hmm.GenoProbs, ph *Phenotypes, cv *Covariates, opt ScanOptions) (*Result, error) {
	if opt.RankTol <= 0 {
		return nil, errors.Errorf("rank tolerance %g must be positive", opt.RankTol)
	}
	if gp == nil || len(gp.Chroms) == 0 {
		return nil, errors.New("no genotype probabilities")
	}
	if ph == nil || ph.Y == nil {
		return nil, errors.New("no phenotypes")
	}
	start := time.Now()

	aligned, err := alignInputs(gp, ph, cv, opt.Kinship)
	if err != nil {
		return nil, err
	}

	// Enumerate scan positions in (chromosome, position) order.
	var positions []PosInfo
	chromOffset := make([]int, len(gp.Chroms))
	for ci, cp := range gp.Chroms {
		chromOffset[ci] = len(positions)
		for t := 0; t < cp.Grid.NPos(); t++ {
			positions = append(positions, PosInfo{Chr: cp.Chr, Pos: cp.Grid.Pos[t], Name: cp.Grid.Names[t]})
		}
	}

	_, npheno := ph.Y.Dims()
	res := &Result{
		Positions: positions,
		Phenos:    ph.Names,
		LOD:       mat.NewDense(len(positions), npheno, nil),
		DF:        make([]int, len(positions)),
		NUsed:     make([]int, npheno),
	}
	for i := 0; i < len(positions); i++ {
		for j := 0; j < npheno; j++ {
			res.LOD.Set(i, j, math.NaN())
		}
	}

	groups := groupPhenotypes(ph, aligned, res)

	// The largest group defines the reported per-position df.
	primary := -1
	for gi, g := range groups {
		if primary < 0 || g.n > groups[primary].n {
			primary = gi
		}
	}

	for gi, g := range groups {
		if err := scanGroup(gp, ph, cv, opt, aligned, g, chromOffset, res, gi == primary); err != nil {
			for _, j := range g.cols {
				res.Failures = append(res.Failures, Failure{Pheno: ph.Names[j], Reason: err.Error()})
			}
		}
	}

	if !opt.Quiet {
		log.LLvl1(time.Now().Format(time.StampMilli), "Scan1:", len(positions), "positions,",
			npheno, "phenotypes,", len(aligned.ids), "individuals,", len(res.Failures), "failures,", time.Since(start))
	}
	return res, nil
}

// alignment is the once-per-scan resolution of individual identifiers.
type alignment struct {
	ids    []string
	gpRow  []int
	phRow  []int
	cvRow  []int
	kinRow []int
}

func alignInputs(gp *hmm.GenoProbs, ph *Phenotypes, cv *Covariates, kin *Kinship) (*alignment, error) {
	gpIdx, err := indexByID("genotype probabilities", gp.IDs)
	if err != nil {
		return nil, err
	}
	phIdx, err := indexByID("phenotypes", ph.IDs)
	if err != nil {
		return nil, err
	}
	maps := []map[string]int{phIdx}

	var cvIdx, kinIdx map[string]int
	if cv != nil {
		if cvIdx, err = indexByID("covariates", cv.IDs); err != nil {
			return nil, err
		}
		maps = append(maps, cvIdx)
	}
	if kin != nil {
		if kinIdx, err = indexByID("kinship", kin.IDs); err != nil {
			return nil, err
		}
		maps = append(maps, kinIdx)
	}

	ids := intersect(gp.IDs, maps...)
	if len(ids) == 0 {
		return nil, &AlignmentError{Empty: true}
	}

	al := &alignment{ids: ids}
	for _, id := range ids {
		al.gpRow = append(al.gpRow, gpIdx[id])
		al.phRow = append(al.phRow, phIdx[id])
		if cv != nil {
			al.cvRow = append(al.cvRow, cvIdx[id])
		}
		if kin != nil {
			al.kinRow = append(al.kinRow, kinIdx[id])
		}
	}

	if cv != nil {
		_, nc := cv.X.Dims()
		for _, r := range al.cvRow {
			for j := 0; j < nc; j++ {
				if math.IsNaN(cv.X.At(r, j)) {
					return nil, errors.Errorf("covariate %s missing for individual %s", cv.Names[j], cv.IDs[r])
				}
			}
		}
	}
	return al, nil
}

// groupPhenotypes partitions phenotype columns by missingness pattern over
// the aligned individuals, in deterministic order of first occurrence.
func groupPhenotypes(ph *Phenotypes, al *alignment, res *Result) []*phenoGroup {
	byPattern := make(map[string]*phenoGroup)
	var order []string
	_, npheno := ph.Y.Dims()
	for j := 0; j < npheno; j++ {
		pat, n := missPattern(ph.Y, al.phRow, j)
		g, ok := byPattern[pat]
		if !ok {
			g = &phenoGroup{n: n}
			for i := range al.phRow {
				if pat[i] == '1' {
					g.rows = append(g.rows, i)
					g.gpRows = append(g.gpRows, al.gpRow[i])
				}
			}
			byPattern[pat] = g
			order = append(order, pat)
		}
		g.cols = append(g.cols, j)
		res.NUsed[j] = n
	}
	groups := make([]*phenoGroup, 0, len(order))
	for _, pat := range order {
		groups = append(groups, byPattern[pat])
	}
	sort.SliceStable(groups, func(a, b int) bool { return groups[a].n > groups[b].n })
	return groups
}

// scanGroup fits one phenotype group across all positions.
func scanGroup(gp *hmm.GenoProbs, ph *Phenotypes, cv *Covariates, opt ScanOptions,
	al *alignment, g *phenoGroup, chromOffset []int, res *Result, primary bool) error {

	ncov := 1
	if cv != nil {
		_, nc := cv.X.Dims()
		ncov += nc
	}
	ngeno := gp.NGeno
	if g.n <= ncov+ngeno-1 {
		return errors.Errorf("only %d individuals after alignment; need more than %d", g.n, ncov+ngeno-1)
	}

	// Null design: intercept plus covariates.
	C := mat.NewDense(g.n, ncov, nil)
	for i, r := range g.rows {
		C.Set(i, 0, 1)
		if cv != nil {
			_, nc := cv.X.Dims()
			for j := 0; j < nc; j++ {
				C.Set(i, 1+j, cv.X.At(al.cvRow[r], j))
			}
		}
	}
	Y := mat.NewDense(g.n, len(g.cols), nil)
	for i, r := range g.rows {
		for jj, j := range g.cols {
			Y.Set(i, jj, ph.Y.At(al.phRow[r], j))
		}
	}

	// Mixed-model correction: rotate the whole problem into the kinship
	// eigenbasis and weight by the fitted variance components.
	var rot *mat.Dense
	if opt.Kinship != nil {
		var err error
		rot, C, Y, err = kinshipRotate(opt.Kinship, al, g, C, Y, opt.RankTol)
		if err != nil {
			return err
		}
	}

	// One factorization of the null design serves both its RSS and the
	// per-position rank difference.
	q0, err := regress.NewQR(C, opt.RankTol)
	if err != nil {
		return err
	}
	rss0, err := q0.RSS(Y)
	if err != nil {
		return err
	}
	rank0 := q0.Rank()

	nproc := opt.workers()
	type job struct{ chr, pos int }
	jobChannels := make([]chan job, nproc)
	for i := range jobChannels {
		jobChannels[i] = make(chan job, 32)
	}
	go func() {
		j := 0
		for ci, cp := range gp.Chroms {
			for t := 0; t < cp.Grid.NPos(); t++ {
				jobChannels[j%nproc] <- job{chr: ci, pos: t}
				j++
			}
		}
		for _, ch := range jobChannels {
			close(ch)
		}
	}()

	var firstErr error
	var errOnce sync.Once
	var workerGroup sync.WaitGroup
	for thread := 0; thread < nproc; thread++ {
		workerGroup.Add(1)
		go func(thread int) {
			defer workerGroup.Done()
			X := mat.NewDense(g.n, ncov+ngeno-1, nil)
			col := make([]float64, len(gp.IDs))
			for jb := range jobChannels[thread] {
				cp := gp.Chroms[jb.chr]
				buildDesign(X, C, cp, jb.pos, g, rot, col)
				q, err := regress.NewQR(X, opt.RankTol)
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					continue
				}
				rss1, err := q.RSS(Y)
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					continue
				}
				posIdx := chromOffset[jb.chr] + jb.pos
				for jj, j := range g.cols {
					res.LOD.Set(posIdx, j, lodScore(g.n, rss0[jj], rss1[jj]))
				}
				if primary {
					res.DF[posIdx] = q.Rank() - rank0
				}
			}
		}(thread)
	}
	workerGroup.Wait()
	return firstErr
}

// buildDesign fills X with the null columns followed by the genotype
// regressors at one position (the first state is the baseline). When rot
// is non-nil the genotype columns are rotated into the kinship eigenbasis.
// col is a scratch buffer with one entry per genotype-probability row.
func buildDesign(X, C *mat.Dense, cp *hmm.ChromProbs, pos int, g *phenoGroup, rot *mat.Dense, col []float64) {
	_, ncov := C.Dims()
	ngeno := cp.NGeno
	for i := 0; i < g.n; i++ {
		for j := 0; j < ncov; j++ {
			X.Set(i, j, C.At(i, j))
		}
	}
	if rot == nil {
		for s := 1; s < ngeno; s++ {
			col = cp.StateCol(pos, s, col)
			for i, r := range g.gpRows {
				X.Set(i, ncov+s-1, col[r])
			}
		}
		return
	}
	raw := mat.NewDense(g.n, ngeno-1, nil)
	for s := 1; s < ngeno; s++ {
		col = cp.StateCol(pos, s, col)
		for i, r := range g.gpRows {
			raw.Set(i, s-1, col[r])
		}
	}
	var rotated mat.Dense
	rotated.Mul(rot, raw)
	for i := 0; i < g.n; i++ {
		for s := 0; s < ngeno-1; s++ {
			X.Set(i, ncov+s, rotated.At(i, s))
		}
	}
}

// lodScore converts null and full RSS to a LOD score, guarding the
// degenerate perfect-fit cases.
func lodScore(n int, rss0, rss1 float64) float64 {
	switch {
	case rss0 == rss1:
		return 0
	case rss1 <= 0:
		return math.Inf(1)
	case rss0 <= 0:
		return 0
	}
	lod := float64(n) / 2 * math.Log10(rss0/rss1)
	if lod < 0 {
		// Nested models: a negative value can only be rank-tolerance
		// noise.
		return 0
	}
	return lod
}
