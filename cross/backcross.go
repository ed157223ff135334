package cross

import "github.com/hmgstat/qtlscan/genmap"

// Backcross genotype states and observation codes.
const (
	BcAA = 0 // homozygous for the recurrent parent
	BcAB = 1 // heterozygous

	ObsBcAA ObsGeno = 1
	ObsBcAB ObsGeno = 2
)

// Backcross is the (A x B) x A design: two genotype states, one
// informative meiosis per individual.
type Backcross struct{}

// NewBackcross returns the backcross design.
func NewBackcross() Backcross { return Backcross{} }

func (Backcross) Name() string    { return "backcross" }
func (Backcross) NGeno() int      { return 2 }
func (Backcross) MaxObs() ObsGeno { return ObsBcAB }

func (Backcross) Init(g int, _ CrossInfo) float64 {
	return 0.5
}

func (Backcross) Step(g1, g2 int, rf float64, _ CrossInfo) float64 {
	if g1 == g2 {
		return 1 - rf
	}
	return rf
}

func (Backcross) Emit(obs ObsGeno, g int, errRate float64, _ CrossInfo) float64 {
	if obs == Missing {
		return 1
	}
	if int(obs)-1 == g {
		return 1 - errRate
	}
	return errRate
}

func (Backcross) NRec(g1, g2 int, _ float64, _ CrossInfo) float64 {
	if g1 == g2 {
		return 0
	}
	return 1
}

func (Backcross) NMeioses(_ CrossInfo) float64 { return 1 }

func (Backcross) ScaleRF(rf float64) float64    { return rf }
func (Backcross) InvScaleRF(rf float64) float64 { return rf }

func (Backcross) MapFunc() genmap.MapFunc { return genmap.Haldane{} }
