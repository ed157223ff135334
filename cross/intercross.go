package cross

import "github.com/hmgstat/qtlscan/genmap"

// Intercross genotype states and observation codes. Codes 4 and 5 encode
// dominant markers where one homozygote cannot be distinguished from the
// heterozygote.
const (
	F2AA = 0
	F2AB = 1
	F2BB = 2

	ObsF2AA    ObsGeno = 1
	ObsF2AB    ObsGeno = 2
	ObsF2BB    ObsGeno = 3
	ObsF2NotBB ObsGeno = 4
	ObsF2NotAA ObsGeno = 5
)

// Intercross is the F2 design (A x B) x (A x B): three genotype states on
// autosomes, two informative meioses per individual. On the X chromosome
// the design degenerates to a single informative meiosis, with the valid
// state pair determined by sex and cross direction.
type Intercross struct{}

// NewIntercross returns the F2 intercross design.
func NewIntercross() Intercross { return Intercross{} }

func (Intercross) Name() string    { return "intercross" }
func (Intercross) NGeno() int      { return 3 }
func (Intercross) MaxObs() ObsGeno { return ObsF2NotAA }

// xStates returns the two genotype states attainable on the X chromosome
// for the given individual: females carry one paternal X whose origin
// depends on cross direction; males are hemizygous.
func (Intercross) xStates(ci CrossInfo) (int, int) {
	if ci.Sex == Male {
		return F2AA, F2BB
	}
	if ci.Dir == 0 {
		return F2AA, F2AB
	}
	return F2AB, F2BB
}

func (ic Intercross) Init(g int, ci CrossInfo) float64 {
	if ci.XChr {
		a, b := ic.xStates(ci)
		if g == a || g == b {
			return 0.5
		}
		return 0
	}
	switch g {
	case F2AB:
		return 0.5
	default:
		return 0.25
	}
}

func (ic Intercross) Step(g1, g2 int, rf float64, ci CrossInfo) float64 {
	if ci.XChr {
		a, b := ic.xStates(ci)
		if g1 != a && g1 != b {
			if g1 == g2 {
				return 1
			}
			return 0
		}
		if g2 != a && g2 != b {
			return 0
		}
		if g1 == g2 {
			return 1 - rf
		}
		return rf
	}
	switch {
	case g1 == F2AB && g2 == F2AB:
		return rf*rf + (1-rf)*(1-rf)
	case g1 == F2AB || g2 == F2AB:
		return rf * (1 - rf)
	case g1 == g2:
		return (1 - rf) * (1 - rf)
	default:
		return rf * rf
	}
}

func (Intercross) Emit(obs ObsGeno, g int, errRate float64, _ CrossInfo) float64 {
	switch obs {
	case Missing:
		return 1
	case ObsF2AA, ObsF2AB, ObsF2BB:
		if int(obs)-1 == g {
			return 1 - errRate
		}
		return errRate / 2
	case ObsF2NotBB:
		if g == F2BB {
			return errRate
		}
		return 1 - errRate/2
	case ObsF2NotAA:
		if g == F2AA {
			return errRate
		}
		return 1 - errRate/2
	}
	return 0
}

func (ic Intercross) NRec(g1, g2 int, rf float64, ci CrossInfo) float64 {
	if ci.XChr {
		a, b := ic.xStates(ci)
		if (g1 != a && g1 != b) || (g2 != a && g2 != b) {
			return 0
		}
		if g1 == g2 {
			return 0
		}
		return 1
	}
	switch {
	case g1 == g2 && g1 != F2AB:
		return 0
	case g1 == F2AB && g2 == F2AB:
		// Double recombinant or double non-recombinant; condition on rf.
		rr := rf * rf
		nn := (1 - rf) * (1 - rf)
		if rr+nn == 0 {
			return 0
		}
		return 2 * rr / (rr + nn)
	case g1 == F2AB || g2 == F2AB:
		return 1
	default:
		return 2
	}
}

func (Intercross) NMeioses(ci CrossInfo) float64 {
	if ci.XChr {
		return 1
	}
	return 2
}

func (Intercross) ScaleRF(rf float64) float64    { return rf }
func (Intercross) InvScaleRF(rf float64) float64 { return rf }

func (Intercross) MapFunc() genmap.MapFunc { return genmap.Haldane{} }
