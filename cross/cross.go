// Package cross models breeding designs: the genotype states a design can
// produce along a chromosome, and the initial, transition, and emission
// probabilities that drive hidden Markov inference over those states.
//
// All probability functions are pure. The set of states and the transition
// rule are fixed when a Cross value is constructed; per-individual
// variation (sex, cross direction, X-linkage) enters only through CrossInfo.
package cross

import (
	"github.com/pkg/errors"

	"github.com/hmgstat/qtlscan/genmap"
)

// ObsGeno is an observed marker genotype code. Zero always means missing.
// The non-zero codes are design-specific; see each Cross implementation.
type ObsGeno int

// Missing is the universal missing-observation code.
const Missing ObsGeno = 0

// Sex codes for CrossInfo.
const (
	Female = 0
	Male   = 1
)

// CrossInfo carries the per-individual state that can alter transition and
// emission probabilities. XChr is set by the caller per chromosome; Sex and
// Dir are properties of the individual. The zero value (autosomal female,
// forward direction) is correct for designs that ignore these fields.
type CrossInfo struct {
	Sex  int
	Dir  int
	XChr bool
}

// Cross is the capability set of a breeding design. rf arguments are
// meiotic recombination fractions in [0, 0.5); implementations that need a
// design-specific transform (recombinant inbred lines) apply it internally
// via ScaleRF.
type Cross interface {
	Name() string

	// NGeno is the number of genotype states. States with zero initial
	// probability under a given CrossInfo are simply never visited.
	NGeno() int

	// MaxObs is the largest valid observation code.
	MaxObs() ObsGeno

	// Init returns the initial probability of state g.
	Init(g int, ci CrossInfo) float64

	// Step returns the transition probability from g1 to g2 across an
	// interval with meiotic recombination fraction rf.
	Step(g1, g2 int, rf float64, ci CrossInfo) float64

	// Emit returns the probability of observing obs given true state g and
	// the genotyping error rate. Emit(Missing, ...) is always 1.
	Emit(obs ObsGeno, g int, errRate float64, ci CrossInfo) float64

	// NRec returns the expected number of recombinant meioses for the
	// transition g1 -> g2, conditional on the current recombination
	// fraction. Used by the map estimator's M-step.
	NRec(g1, g2 int, rf float64, ci CrossInfo) float64

	// NMeioses is the number of informative meioses per individual per
	// interval (the divisor for NRec totals).
	NMeioses(ci CrossInfo) float64

	// ScaleRF maps a meiotic recombination fraction to the fraction that
	// applies between this design's observable states; InvScaleRF inverts
	// it. Both are the identity for backcross and intercross.
	ScaleRF(rf float64) float64
	InvScaleRF(rf float64) float64

	// MapFunc is the distance mapping this design assumes.
	MapFunc() genmap.MapFunc
}

// CheckErrRate validates a genotyping error rate.
func CheckErrRate(e float64) error {
	if e < 0 || e >= 0.5 {
		return errors.Errorf("genotyping error rate %g outside [0, 0.5)", e)
	}
	return nil
}

// CheckObs validates an observation code against a cross design.
func CheckObs(c Cross, obs ObsGeno) error {
	if obs < 0 || obs > c.MaxObs() {
		return errors.Errorf("%s: invalid observed genotype code %d (max %d)", c.Name(), obs, c.MaxObs())
	}
	return nil
}
