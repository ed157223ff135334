// Package scan drives genome scans: it aligns individuals across genotype
// probabilities, phenotypes, and covariates, builds a design matrix per
// scan position, and turns residual sums of squares from the regression
// core into LOD curves.
package scan

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Phenotypes is an individuals x traits matrix keyed by identifier.
// Missing entries are NaN.
type Phenotypes struct {
	IDs   []string
	Names []string
	Y     *mat.Dense
}

// Covariates is an individuals x covariates matrix keyed by identifier.
// Covariates must be complete for every aligned individual; an intercept
// column is added by the scan, not stored here.
type Covariates struct {
	IDs   []string
	Names []string
	X     *mat.Dense
}

// Kinship is a pre-computed relatedness matrix keyed by identifier.
type Kinship struct {
	IDs []string
	K   *mat.SymDense
}

// AlignmentError reports identifier problems that abort a scan: duplicated
// identifiers within an input, or an empty intersection across inputs.
type AlignmentError struct {
	Input      string
	Duplicates []string
	Empty      bool
}

func (e *AlignmentError) Error() string {
	if e.Empty {
		return "no individuals shared across all inputs"
	}
	return fmt.Sprintf("%s: duplicate individual identifiers %v", e.Input, e.Duplicates)
}

// indexByID builds an id -> row map, reporting duplicates.
func indexByID(input string, ids []string) (map[string]int, error) {
	idx := make(map[string]int, len(ids))
	var dups []string
	for i, id := range ids {
		if _, ok := idx[id]; ok {
			dups = append(dups, id)
			continue
		}
		idx[id] = i
	}
	if len(dups) > 0 {
		return nil, &AlignmentError{Input: input, Duplicates: dups}
	}
	return idx, nil
}

// intersect returns the identifiers of base, in base order, that appear in
// every one of the other index maps. Resolution happens once per scan.
func intersect(base []string, others ...map[string]int) []string {
	var out []string
	for _, id := range base {
		ok := true
		for _, m := range others {
			if _, found := m[id]; !found {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, id)
		}
	}
	return out
}

// missPattern returns the missingness mask of phenotype column j over the
// given rows, as a compact string key, plus the count of present values.
func missPattern(Y *mat.Dense, rows []int, j int) (string, int) {
	mask := make([]byte, len(rows))
	n := 0
	for i, r := range rows {
		if math.IsNaN(Y.At(r, j)) {
			mask[i] = '0'
		} else {
			mask[i] = '1'
			n++
		}
	}
	return string(mask), n
}
