package decoder

import (
	"bytes"
	"testing"
	"time"

	"github.com/hundeboll/rlncd/internal/config"
	"github.com/hundeboll/rlncd/internal/encoder"
	"github.com/hundeboll/rlncd/internal/frame"
)

// TestPlainEncDecRoundTrip drives a full generation through a real encoder
// and decoder back-to-back: four plain frames go in, the full encoded
// budget comes out, and the decoder recovers every payload byte-for-byte.
func TestPlainEncDecRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Symbols = 4
	cfg.SymbolSize = 16
	cfg.EncoderTimeout = 5 * time.Second
	cfg.DecoderTimeout = 5 * time.Second
	cfg.ReqTimeout = time.Second
	cfg.AckTimeout = time.Second

	encSink := &fakeSink{}
	enc := encoder.New(cfg, encSink, 0, 1, nil)
	defer enc.Stop()

	var src, dst [6]byte
	src[0], dst[0] = 1, 2
	payloads := [][]byte{
		[]byte("aaaa"), []byte("bbbb"), []byte("cccc"), []byte("dddd"),
	}
	for _, p := range payloads {
		f := frame.New(frame.CmdFrame)
		f.PutBytes(frame.AttrSrc, src[:])
		f.PutBytes(frame.AttrDst, dst[:])
		f.PutU8(frame.AttrType_, uint8(frame.Plain))
		f.PutBytes(frame.AttrFrame, p)
		enc.AddPlain(f)
	}

	// source_budget(4, 0, 0, 0) is 4.24, so the encoder transmits 5.
	deadline := time.Now().Add(2 * time.Second)
	for encSink.countType(frame.Enc) < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := encSink.countType(frame.Enc); got < 5 {
		t.Fatalf("encoded frames = %d, want the full budget of 5", got)
	}

	decSink := &fakeSink{}
	dec := New(cfg, decSink, testRttSet(), 0, 1)
	defer dec.Stop()

	for _, f := range encSink.frames() {
		if pt, _ := f.PacketType(); pt == frame.Enc {
			dec.AddEnc(f.Retain())
		}
	}

	deadline = time.Now().Add(2 * time.Second)
	for decSink.countType(frame.Dec) < len(payloads) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	var got [][]byte
	for _, f := range decSink.frames() {
		if pt, _ := f.PacketType(); pt == frame.Dec {
			p, _ := f.GetBytes(frame.AttrFrame)
			got = append(got, p)
		}
	}
	if len(got) != len(payloads) {
		t.Fatalf("decoded frames = %d, want %d", len(got), len(payloads))
	}
	for i, want := range payloads {
		if !bytes.Equal(got[i], want) {
			t.Fatalf("payload %d = %q, want %q", i, got[i], want)
		}
	}
	if decSink.countType(frame.Ack) == 0 {
		t.Fatal("expected ACKs once the generation completed")
	}
}
