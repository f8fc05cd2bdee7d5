package galois_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/hundeboll/rlncd/internal/galois"
)

func TestSystematicFastPath(t *testing.T) {
	const g, size = 4, 32
	enc := galois.NewEncoder(g, size)
	dec := galois.NewDecoder(g, size)

	symbols := make([][]byte, g)
	for i := range symbols {
		symbols[i] = make([]byte, size)
		rand.New(rand.NewSource(int64(i) + 1)).Read(symbols[i])
		if err := enc.SetSymbol(i, symbols[i]); err != nil {
			t.Fatalf("SetSymbol(%d): %v", i, err)
		}
	}

	for i := 0; i < g; i++ {
		out := make([]byte, enc.PayloadSize())
		if err := enc.Encode(out); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if err := dec.Decode(out); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !dec.LastSymbolIsSystematic() {
			t.Fatalf("packet %d: expected systematic delivery", i)
		}
		if dec.LastSymbolIndex() != i {
			t.Fatalf("packet %d: systematic index = %d, want %d", i, dec.LastSymbolIndex(), i)
		}
		if !bytes.Equal(dec.Symbol(i), symbols[i]) {
			t.Fatalf("packet %d: symbol mismatch after systematic delivery", i)
		}
	}

	if !dec.IsComplete() {
		t.Fatal("decoder should be complete after g systematic packets")
	}
}

func TestCodedRecoveryAfterLoss(t *testing.T) {
	const g, size = 6, 48
	enc := galois.NewEncoder(g, size)
	dec := galois.NewDecoder(g, size)

	symbols := make([][]byte, g)
	for i := range symbols {
		symbols[i] = make([]byte, size)
		rand.New(rand.NewSource(int64(i) + 99)).Read(symbols[i])
		enc.SetSymbol(i, symbols[i])
	}

	// Drop the first systematic packet (index 0) and absorb everything
	// else the encoder emits, including the recoded packets that follow
	// once every symbol has been sent systematically once.
	first := true
	for !dec.IsComplete() {
		out := make([]byte, enc.PayloadSize())
		if err := enc.Encode(out); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if first {
			first = false
			continue
		}
		if err := dec.Decode(out); err != nil {
			t.Fatalf("Decode: %v", err)
		}
	}

	for i := 0; i < g; i++ {
		if !bytes.Equal(dec.Symbol(i), symbols[i]) {
			t.Fatalf("symbol %d mismatch after full recovery", i)
		}
	}
}

func TestPartialCompleteReflectsResolvedPrefix(t *testing.T) {
	const g, size = 3, 16
	enc := galois.NewEncoder(g, size)
	dec := galois.NewDecoder(g, size)

	for i := 0; i < g; i++ {
		buf := make([]byte, size)
		rand.New(rand.NewSource(int64(i) + 7)).Read(buf)
		enc.SetSymbol(i, buf)
	}

	out := make([]byte, enc.PayloadSize())
	if err := enc.Encode(out); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := dec.Decode(out); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if dec.IsComplete() {
		t.Fatal("single packet out of three should not complete the generation")
	}
	if !dec.IsPartialComplete() {
		t.Fatal("expected partial completion after one systematic symbol")
	}
}

func TestNonInnovativePayloadLeavesRankUnchanged(t *testing.T) {
	const g, size = 2, 8
	enc := galois.NewEncoder(g, size)
	dec := galois.NewDecoder(g, size)

	buf0 := bytes.Repeat([]byte{0xAA}, size)
	buf1 := bytes.Repeat([]byte{0x55}, size)
	enc.SetSymbol(0, buf0)
	enc.SetSymbol(1, buf1)

	out := make([]byte, enc.PayloadSize())
	enc.Encode(out)
	if err := dec.Decode(out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	rankAfterFirst := dec.Rank()

	// Replay the exact same payload: it carries no new information.
	if err := dec.Decode(out); err != nil {
		t.Fatalf("Decode (replay): %v", err)
	}
	if dec.Rank() != rankAfterFirst {
		t.Fatalf("rank changed on replay: %d -> %d", rankAfterFirst, dec.Rank())
	}
}

func TestEncodeRejectsWrongLength(t *testing.T) {
	enc := galois.NewEncoder(2, 8)
	enc.SetSymbol(0, make([]byte, 8))
	enc.SetSymbol(1, make([]byte, 8))
	if err := enc.Encode(make([]byte, 3)); err == nil {
		t.Fatal("expected error for wrong-length output buffer")
	}
}

func TestSetSymbolRejectsOutOfOrder(t *testing.T) {
	enc := galois.NewEncoder(2, 8)
	if err := enc.SetSymbol(1, make([]byte, 8)); err == nil {
		t.Fatal("expected error for out-of-order symbol index")
	}
}
