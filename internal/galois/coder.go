package galois

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Encoder accumulates up to g plain symbols of symbolSize bytes and emits
// coded payloads: a g-byte coefficient vector followed by symbolSize bytes
// of combined data. It sends the symbols it holds systematically (as unit
// vectors, in order) before switching to uniformly random combinations.
type Encoder struct {
	g, symbolSize  int
	storage        [][]byte
	rank           int
	nextSystematic int
	rng            *rand.Rand
}

// NewEncoder allocates an encoder for a generation of g symbols, each
// symbolSize bytes.
func NewEncoder(g, symbolSize int) *Encoder {
	storage := make([][]byte, g)
	for i := range storage {
		storage[i] = make([]byte, symbolSize)
	}
	return &Encoder{
		g:          g,
		symbolSize: symbolSize,
		storage:    storage,
		rng:        rand.New(rand.NewSource(rand.Int63())),
	}
}

func (e *Encoder) Symbols() int     { return e.g }
func (e *Encoder) SymbolSize() int  { return e.symbolSize }
func (e *Encoder) PayloadSize() int { return e.g + e.symbolSize }
func (e *Encoder) BlockSize() int   { return e.g * e.symbolSize }
func (e *Encoder) Rank() int        { return e.rank }

// SetSymbol stores the next plain symbol in the generation. Storage fills
// strictly in order: index must equal the current rank, any other index
// is rejected.
func (e *Encoder) SetSymbol(index int, buf []byte) error {
	if index != e.rank {
		return errors.Errorf("galois: out-of-order symbol index %d, want %d", index, e.rank)
	}
	if len(buf) != e.symbolSize {
		return errors.Errorf("galois: symbol length %d, want %d", len(buf), e.symbolSize)
	}
	copy(e.storage[index], buf)
	e.rank++
	return nil
}

// Encode writes one coded payload into out, which must be PayloadSize()
// bytes long.
func (e *Encoder) Encode(out []byte) error {
	if e.rank == 0 {
		return errors.New("galois: encode with empty generation")
	}
	if len(out) != e.PayloadSize() {
		return errors.Errorf("galois: output length %d, want %d", len(out), e.PayloadSize())
	}
	coeffs := out[:e.g]
	data := out[e.g:]
	for i := range coeffs {
		coeffs[i] = 0
	}
	for i := range data {
		data[i] = 0
	}

	if e.nextSystematic < e.rank {
		idx := e.nextSystematic
		e.nextSystematic++
		coeffs[idx] = 1
		copy(data, e.storage[idx])
		return nil
	}

	for i := 0; i < e.rank; i++ {
		c := byte(e.rng.Intn(256))
		coeffs[i] = c
		axpy(data, e.storage[i], c)
	}
	return nil
}

// Decoder reconstructs a generation's symbols from coded payloads via
// incremental Gauss-Jordan elimination.
type Decoder struct {
	g, symbolSize int
	coeffRows     [][]byte // indexed by pivot column; nil until resolved
	dataRows      [][]byte
	decoded       []bool
	rank          int

	lastSystematic bool
	lastIndex      int
}

// NewDecoder allocates a decoder for a generation of g symbols, each
// symbolSize bytes.
func NewDecoder(g, symbolSize int) *Decoder {
	return &Decoder{
		g:          g,
		symbolSize: symbolSize,
		coeffRows:  make([][]byte, g),
		dataRows:   make([][]byte, g),
		decoded:    make([]bool, g),
		lastIndex:  -1,
	}
}

func (d *Decoder) Symbols() int     { return d.g }
func (d *Decoder) PayloadSize() int { return d.g + d.symbolSize }
func (d *Decoder) Rank() int        { return d.rank }

// Symbol returns the recovered bytes for symbol i, or nil if i isn't fully
// resolved yet.
func (d *Decoder) Symbol(i int) []byte {
	if i < 0 || i >= d.g || !d.decoded[i] {
		return nil
	}
	return d.dataRows[i]
}

func (d *Decoder) LastSymbolIsSystematic() bool { return d.lastSystematic }
func (d *Decoder) LastSymbolIndex() int         { return d.lastIndex }
func (d *Decoder) IsComplete() bool             { return d.rank == d.g }

// IsPartialComplete reports whether at least one symbol is resolved while
// the generation as a whole is not yet complete.
func (d *Decoder) IsPartialComplete() bool {
	if d.rank == 0 || d.rank == d.g {
		return false
	}
	for _, ok := range d.decoded {
		if ok {
			return true
		}
	}
	return false
}

// Decode absorbs one coded payload (g-byte coefficient vector + symbolSize
// bytes of data). It reports no error for non-innovative payloads; the
// caller distinguishes innovative vs. not by comparing Rank() before and
// after.
func (d *Decoder) Decode(payload []byte) error {
	if len(payload) != d.PayloadSize() {
		return errors.Errorf("galois: payload length %d, want %d", len(payload), d.PayloadSize())
	}

	coeffs := append([]byte(nil), payload[:d.g]...)
	data := append([]byte(nil), payload[d.g:]...)

	systematic, systematicIdx := unitVector(coeffs)

	// Reduce against every pivot already established.
	for col := 0; col < d.g; col++ {
		if d.coeffRows[col] == nil {
			continue
		}
		f := coeffs[col]
		if f == 0 {
			continue
		}
		axpy(coeffs, d.coeffRows[col], f)
		axpy(data, d.dataRows[col], f)
	}

	pivot := -1
	for i := 0; i < d.g; i++ {
		if coeffs[i] != 0 {
			pivot = i
			break
		}
	}

	d.lastSystematic = systematic
	d.lastIndex = systematicIdx

	if pivot == -1 {
		// non-innovative: carries no new information
		return nil
	}

	inv := gfInv(coeffs[pivot])
	scale(coeffs, inv)
	scale(data, inv)

	d.coeffRows[pivot] = coeffs
	d.dataRows[pivot] = data
	d.rank++

	// Back-substitute the new pivot into every other established row.
	for col := 0; col < d.g; col++ {
		if col == pivot || d.coeffRows[col] == nil {
			continue
		}
		f := d.coeffRows[col][pivot]
		if f == 0 {
			continue
		}
		axpy(d.coeffRows[col], coeffs, f)
		axpy(d.dataRows[col], data, f)
	}

	d.refreshDecoded()
	return nil
}

func (d *Decoder) refreshDecoded() {
	for col := 0; col < d.g; col++ {
		row := d.coeffRows[col]
		if row == nil {
			d.decoded[col] = false
			continue
		}
		d.decoded[col] = isUnit(row, col)
	}
}

func isUnit(row []byte, col int) bool {
	for i, v := range row {
		if i == col {
			if v != 1 {
				return false
			}
			continue
		}
		if v != 0 {
			return false
		}
	}
	return true
}

func unitVector(coeffs []byte) (ok bool, idx int) {
	idx = -1
	for i, v := range coeffs {
		if v == 0 {
			continue
		}
		if v != 1 || idx != -1 {
			return false, -1
		}
		idx = i
	}
	return idx != -1, idx
}
