// Package hmm infers genotype states along chromosomes from sparse,
// error-prone marker observations. It runs scaled forward/backward
// recursions per individual and chromosome, decodes most-likely genotype
// paths, and re-estimates inter-marker recombination fractions by EM.
package hmm

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/hmgstat/qtlscan/cross"
	"github.com/hmgstat/qtlscan/genmap"
)

// Dataset is the individual-aligned input to the engine. Geno rows align
// with IDs; columns align with the map's markers per chromosome. Parsing
// and loading are the caller's concern; the engine only validates.
type Dataset struct {
	Cross cross.Cross
	Map   *genmap.Map

	// IDs are the unique, stable individual identifiers. Row i of every
	// genotype matrix belongs to IDs[i].
	IDs []string

	// Info holds per-individual cross info. Nil means all-zero info.
	Info []cross.CrossInfo

	// Geno maps chromosome name to an individuals x markers matrix of
	// observed genotype codes (cross.Missing for no call).
	Geno map[string][][]cross.ObsGeno

	// ErrRate is the genotyping error rate in [0, 0.5).
	ErrRate float64
}

// NInd returns the number of individuals.
func (ds *Dataset) NInd() int { return len(ds.IDs) }

// infoFor returns the effective cross info for individual i on the given
// chromosome, with XChr filled in from the chromosome.
func (ds *Dataset) infoFor(i int, c *genmap.Chromosome) cross.CrossInfo {
	var ci cross.CrossInfo
	if ds.Info != nil {
		ci = ds.Info[i]
	}
	ci.XChr = c.XChr
	return ci
}

// Validate checks the dataset eagerly, before any computation: error rate
// in range, identifiers present and unique, genotype matrices shaped to
// the map, observation codes known to the cross design. Alignment problems
// report the full list of offending identifiers.
func (ds *Dataset) Validate() error {
	if ds.Cross == nil {
		return errors.New("dataset has no cross design")
	}
	if ds.Map == nil {
		return errors.New("dataset has no genetic map")
	}
	if err := cross.CheckErrRate(ds.ErrRate); err != nil {
		return err
	}
	if len(ds.IDs) == 0 {
		return errors.New("dataset has no individuals")
	}
	seen := make(map[string]bool, len(ds.IDs))
	var bad []string
	for _, id := range ds.IDs {
		if id == "" {
			bad = append(bad, "(empty)")
			continue
		}
		if seen[id] {
			bad = append(bad, id)
		}
		seen[id] = true
	}
	if len(bad) > 0 {
		return errors.Errorf("duplicate or empty individual identifiers: %v", bad)
	}
	if ds.Info != nil && len(ds.Info) != len(ds.IDs) {
		return errors.Errorf("cross info length %d does not match %d individuals", len(ds.Info), len(ds.IDs))
	}

	for _, c := range ds.Map.Chroms {
		g, ok := ds.Geno[c.Name]
		if !ok {
			return errors.Errorf("no genotype matrix for chromosome %s", c.Name)
		}
		if len(g) != len(ds.IDs) {
			return errors.Errorf("chromosome %s: %d genotype rows for %d individuals", c.Name, len(g), len(ds.IDs))
		}
		for i, row := range g {
			if len(row) != len(c.Markers) {
				return errors.Errorf("chromosome %s, individual %s: %d genotype columns for %d markers",
					c.Name, ds.IDs[i], len(row), len(c.Markers))
			}
			for j, obs := range row {
				if err := cross.CheckObs(ds.Cross, obs); err != nil {
					return errors.Wrapf(err, "chromosome %s, individual %s, marker %s",
						c.Name, ds.IDs[i], c.Markers[j].Name)
				}
			}
		}
	}
	return nil
}

// Flag annotates a numerical-degeneracy event for one individual at one
// grid position. Flagged units still produce output (with the offending
// observation treated as missing); the flag records that this happened.
type Flag struct {
	ID     string
	Chr    string
	Pos    int // grid position index
	Reason string
}

func (f Flag) String() string {
	return fmt.Sprintf("%s/%s@%d: %s", f.Chr, f.ID, f.Pos, f.Reason)
}
