package cross

import "github.com/hmgstat/qtlscan/genmap"

// Recombinant inbred line states and observation codes. Lines are fully
// inbred, so only the two homozygous states occur.
const (
	RilAA = 0
	RilBB = 1

	ObsRilAA ObsGeno = 1
	ObsRilBB ObsGeno = 2
)

// ril carries the behavior shared by the two RIL variants; the variants
// differ only in how meiotic recombination accumulates over the
// inbreeding generations (the ScaleRF transform).
type ril struct{}

func (ril) NGeno() int      { return 2 }
func (ril) MaxObs() ObsGeno { return ObsRilBB }

func (ril) Init(g int, _ CrossInfo) float64 { return 0.5 }

func (ril) Emit(obs ObsGeno, g int, errRate float64, _ CrossInfo) float64 {
	if obs == Missing {
		return 1
	}
	if int(obs)-1 == g {
		return 1 - errRate
	}
	return errRate
}

func (ril) NRec(g1, g2 int, _ float64, _ CrossInfo) float64 {
	if g1 == g2 {
		return 0
	}
	return 1
}

func (ril) NMeioses(_ CrossInfo) float64 { return 1 }

// RISelf is a recombinant inbred line produced by repeated selfing.
type RISelf struct{ ril }

// NewRISelf returns the selfed RIL design.
func NewRISelf() RISelf { return RISelf{} }

func (RISelf) Name() string { return "riself" }

// ScaleRF applies the Haldane-Waddington expansion for selfing:
// R = 2r / (1 + 2r).
func (RISelf) ScaleRF(rf float64) float64 { return 2 * rf / (1 + 2*rf) }

func (RISelf) InvScaleRF(rf float64) float64 {
	if rf >= 1 {
		return 0.5
	}
	return rf / (2 - 2*rf)
}

func (rs RISelf) Step(g1, g2 int, rf float64, ci CrossInfo) float64 {
	r := rs.ScaleRF(rf)
	if g1 == g2 {
		return 1 - r
	}
	return r
}

func (RISelf) MapFunc() genmap.MapFunc { return genmap.Haldane{} }

// RISib is a recombinant inbred line produced by sib mating.
type RISib struct{ ril }

// NewRISib returns the sib-mated RIL design.
func NewRISib() RISib { return RISib{} }

func (RISib) Name() string { return "risib" }

// ScaleRF applies the Haldane-Waddington expansion for sib mating:
// R = 4r / (1 + 6r).
func (RISib) ScaleRF(rf float64) float64 { return 4 * rf / (1 + 6*rf) }

func (RISib) InvScaleRF(rf float64) float64 {
	if rf >= 2.0/3.0 {
		return 0.5
	}
	return rf / (4 - 6*rf)
}

func (rs RISib) Step(g1, g2 int, rf float64, ci CrossInfo) float64 {
	r := rs.ScaleRF(rf)
	if g1 == g2 {
		return 1 - r
	}
	return r
}

func (RISib) MapFunc() genmap.MapFunc { return genmap.Haldane{} }
