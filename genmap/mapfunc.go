package genmap

import "math"

// MapFunc converts between genetic distance in centiMorgans and
// recombination fraction.
type MapFunc interface {
	Name() string
	ToRF(cm float64) float64
	ToCM(rf float64) float64
}

// Haldane assumes no crossover interference.
type Haldane struct{}

func (Haldane) Name() string { return "haldane" }

func (Haldane) ToRF(cm float64) float64 {
	return 0.5 * (1 - math.Exp(-cm/50))
}

func (Haldane) ToCM(rf float64) float64 {
	if rf >= 0.5 {
		return math.Inf(1)
	}
	return -50 * math.Log(1-2*rf)
}

// Kosambi allows for positive interference.
type Kosambi struct{}

func (Kosambi) Name() string { return "kosambi" }

func (Kosambi) ToRF(cm float64) float64 {
	return 0.5 * math.Tanh(cm/50)
}

func (Kosambi) ToCM(rf float64) float64 {
	if rf >= 0.5 {
		return math.Inf(1)
	}
	return 50 * math.Atanh(2*rf)
}
