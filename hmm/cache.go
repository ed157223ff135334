package hmm

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"

	"github.com/hmgstat/qtlscan/genmap"
)

// Genotype-probability cache: raw little-endian float64 frames with a
// short header, so a long posterior computation can be reused across runs.
// This is a cache format, not an interchange format.

var cacheMagic = [4]byte{'Q', 'P', 'B', '1'}

func float64bytes(buf []byte, f float64) {
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
}

func float64frombytes(buf []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(buf))
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeFloats(w io.Writer, x []float64) error {
	buf := make([]byte, 8*len(x))
	for i, f := range x {
		float64bytes(buf[8*i:], f)
	}
	_, err := w.Write(buf)
	return err
}

func readFloats(r io.Reader, n int) ([]float64, error) {
	buf := make([]byte, 8*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	x := make([]float64, n)
	for i := range x {
		x[i] = float64frombytes(buf[8*i:])
	}
	return x, nil
}

// SaveCache writes the genotype probabilities to filename.
func (gp *GenoProbs) SaveCache(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "create genoprob cache")
	}
	defer file.Close()
	w := bufio.NewWriter(file)

	if _, err := w.Write(cacheMagic[:]); err != nil {
		return err
	}
	hdr := []uint32{uint32(len(gp.IDs)), uint32(gp.NGeno), uint32(len(gp.Chroms))}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for _, id := range gp.IDs {
		if err := writeString(w, id); err != nil {
			return err
		}
	}
	for _, cp := range gp.Chroms {
		if err := writeString(w, cp.Chr); err != nil {
			return err
		}
		var xchr uint32
		if cp.Grid.XChr {
			xchr = 1
		}
		if err := binary.Write(w, binary.LittleEndian, []uint32{xchr, uint32(cp.Grid.NPos())}); err != nil {
			return err
		}
		if err := writeFloats(w, cp.Grid.Pos); err != nil {
			return err
		}
		for _, name := range cp.Grid.Names {
			if err := writeString(w, name); err != nil {
				return err
			}
		}
		midx := make([]int64, len(cp.Grid.MarkerIdx))
		for i, m := range cp.Grid.MarkerIdx {
			midx[i] = int64(m)
		}
		if err := binary.Write(w, binary.LittleEndian, midx); err != nil {
			return err
		}
		for _, row := range cp.Probs {
			if err := writeFloats(w, row); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// LoadCache reads genotype probabilities written by SaveCache.
func LoadCache(filename string) (*GenoProbs, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "open genoprob cache")
	}
	defer file.Close()
	r := bufio.NewReader(file)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != cacheMagic {
		return nil, errors.Errorf("%s is not a genoprob cache", filename)
	}
	hdr := make([]uint32, 3)
	if err := binary.Read(r, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	nind, ng, nchr := int(hdr[0]), int(hdr[1]), int(hdr[2])

	gp := &GenoProbs{IDs: make([]string, nind), NGeno: ng, Chroms: make([]*ChromProbs, nchr)}
	for i := range gp.IDs {
		if gp.IDs[i], err = readString(r); err != nil {
			return nil, err
		}
	}
	for c := range gp.Chroms {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		dims := make([]uint32, 2)
		if err := binary.Read(r, binary.LittleEndian, dims); err != nil {
			return nil, err
		}
		np := int(dims[1])
		grid := &genmap.Grid{Chr: name, XChr: dims[0] == 1}
		if grid.Pos, err = readFloats(r, np); err != nil {
			return nil, err
		}
		grid.Names = make([]string, np)
		for i := range grid.Names {
			if grid.Names[i], err = readString(r); err != nil {
				return nil, err
			}
		}
		midx := make([]int64, np)
		if err := binary.Read(r, binary.LittleEndian, midx); err != nil {
			return nil, err
		}
		grid.MarkerIdx = make([]int, np)
		for i, m := range midx {
			grid.MarkerIdx[i] = int(m)
		}
		cp := &ChromProbs{Chr: name, Grid: grid, NGeno: ng, Probs: make([][]float64, nind)}
		for i := range cp.Probs {
			if cp.Probs[i], err = readFloats(r, np*ng); err != nil {
				return nil, err
			}
		}
		gp.Chroms[c] = cp
	}
	return gp, nil
}
