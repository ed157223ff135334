// Package sim generates synthetic cross data for tests and examples:
// genotype paths sampled from a cross design along a genetic map, noisy
// marker observations, and phenotypes with a planted QTL. All output is
// deterministic in the seed.
package sim

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/aead/chacha20/chacha"
	"github.com/hhcho/frand"
	"gonum.org/v1/gonum/mat"

	"github.com/hmgstat/qtlscan/cross"
	"github.com/hmgstat/qtlscan/genmap"
	"github.com/hmgstat/qtlscan/hmm"
	"github.com/hmgstat/qtlscan/scan"
)

const bufferSize = 1024

// Simulator wraps a keyed, buffered PRG.
type Simulator struct {
	rng *frand.RNG
}

// New returns a Simulator seeded deterministically.
func New(seed uint64) *Simulator {
	key := make([]byte, chacha.KeySize)
	binary.LittleEndian.PutUint64(key, seed)
	return &Simulator{rng: frand.NewCustom(key, bufferSize, 20)}
}

// Float64 returns a uniform value in [0, 1).
func (s *Simulator) Float64() float64 { return s.rng.Float64() }

// NormFloat64 returns a standard normal deviate (Box-Muller).
func (s *Simulator) NormFloat64() float64 {
	u := s.rng.Float64()
	for u == 0 {
		u = s.rng.Float64()
	}
	v := s.rng.Float64()
	return math.Sqrt(-2*math.Log(u)) * math.Cos(2*math.Pi*v)
}

// pick samples an index from an unnormalized probability vector.
func (s *Simulator) pick(probs []float64) int {
	total := 0.0
	for _, p := range probs {
		total += p
	}
	u := s.rng.Float64() * total
	for i, p := range probs {
		u -= p
		if u < 0 {
			return i
		}
	}
	return len(probs) - 1
}

// EvenMap builds a map with nchr chromosomes of nmar markers spaced
// spacing cM apart.
func EvenMap(nchr, nmar int, spacing float64) *genmap.Map {
	chroms := make([]*genmap.Chromosome, nchr)
	for c := 0; c < nchr; c++ {
		name := fmt.Sprintf("%d", c+1)
		ch := &genmap.Chromosome{Name: name, Markers: make([]genmap.Marker, nmar)}
		for i := 0; i < nmar; i++ {
			ch.Markers[i] = genmap.Marker{
				Name: fmt.Sprintf("m%s_%d", name, i+1),
				Chr:  name,
				Pos:  float64(i) * spacing,
			}
		}
		chroms[c] = ch
	}
	m, err := genmap.New(chroms...)
	if err != nil {
		panic(err)
	}
	return m
}

// Truth is the simulated latent genotype state per chromosome,
// individual, and marker.
type Truth map[string][][]int

// Genotypes samples latent genotype paths for n individuals under the
// cross design, using the design's own initial and transition
// probabilities across each map interval.
func (s *Simulator) Genotypes(c cross.Cross, m *genmap.Map, info []cross.CrossInfo, n int) Truth {
	ng := c.NGeno()
	mf := c.MapFunc()
	truth := make(Truth, len(m.Chroms))
	probs := make([]float64, ng)
	for _, chrom := range m.Chroms {
		states := make([][]int, n)
		for ind := 0; ind < n; ind++ {
			ci := cross.CrossInfo{}
			if info != nil {
				ci = info[ind]
			}
			ci.XChr = chrom.XChr
			path := make([]int, len(chrom.Markers))
			for g := 0; g < ng; g++ {
				probs[g] = c.Init(g, ci)
			}
			path[0] = s.pick(probs)
			for t := 1; t < len(chrom.Markers); t++ {
				rf := mf.ToRF(chrom.Markers[t].Pos - chrom.Markers[t-1].Pos)
				for g := 0; g < ng; g++ {
					probs[g] = c.Step(path[t-1], g, rf, ci)
				}
				path[t] = s.pick(probs)
			}
			states[ind] = path
		}
		truth[chrom.Name] = states
	}
	return truth
}

// Observe turns latent states into observed genotype codes by sampling
// from the design's emission distribution over the plain codes
// 1..NGeno, then masking calls at the missing rate.
func (s *Simulator) Observe(c cross.Cross, truth Truth, errRate, missRate float64) map[string][][]cross.ObsGeno {
	ng := c.NGeno()
	obs := make(map[string][][]cross.ObsGeno, len(truth))
	probs := make([]float64, ng)
	for chr, states := range truth {
		rows := make([][]cross.ObsGeno, len(states))
		for ind, path := range states {
			row := make([]cross.ObsGeno, len(path))
			for t, g := range path {
				if missRate > 0 && s.rng.Float64() < missRate {
					row[t] = cross.Missing
					continue
				}
				for o := 0; o < ng; o++ {
					probs[o] = c.Emit(cross.ObsGeno(o+1), g, errRate, cross.CrossInfo{})
				}
				row[t] = cross.ObsGeno(s.pick(probs) + 1)
			}
			rows[ind] = row
		}
		obs[chr] = rows
	}
	return obs
}

// IDs returns n synthetic individual identifiers.
func IDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("ind%03d", i+1)
	}
	return ids
}

// Dataset simulates a complete HMM input: latent paths, noisy
// observations, identifiers. The truth is returned alongside for
// accuracy checks.
func (s *Simulator) Dataset(c cross.Cross, m *genmap.Map, n int, errRate, missRate float64) (*hmm.Dataset, Truth) {
	truth := s.Genotypes(c, m, nil, n)
	ds := &hmm.Dataset{
		Cross:   c,
		Map:     m,
		IDs:     IDs(n),
		Geno:    s.Observe(c, truth, errRate, missRate),
		ErrRate: errRate,
	}
	return ds, truth
}

// Phenotypes builds one phenotype column per entry of effects: each has a
// planted additive QTL at marker qtlIdx of chromosome qtlChr, with unit
// residual standard deviation.
func (s *Simulator) Phenotypes(ids []string, truth Truth, qtlChr string, qtlIdx int, effects []float64) *scan.Phenotypes {
	n := len(ids)
	Y := mat.NewDense(n, len(effects), nil)
	names := make([]string, len(effects))
	states := truth[qtlChr]
	for j, eff := range effects {
		names[j] = fmt.Sprintf("pheno%d", j+1)
		for i := 0; i < n; i++ {
			Y.Set(i, j, eff*float64(states[i][qtlIdx])+s.NormFloat64())
		}
	}
	return &scan.Phenotypes{IDs: append([]string(nil), ids...), Names: names, Y: Y}
}
