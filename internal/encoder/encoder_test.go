package encoder

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hundeboll/rlncd/internal/budgets"
	"github.com/hundeboll/rlncd/internal/config"
	"github.com/hundeboll/rlncd/internal/frame"
)

type fakeSink struct {
	mu      sync.Mutex
	sent    []*frame.Frame
	ifindex uint32
}

func (s *fakeSink) Enqueue(band int, f *frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, f)
}

func (s *fakeSink) Ifindex() uint32 { return s.ifindex }

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func testConfig() *config.Config {
	c := config.Default()
	c.Symbols = 4
	c.SymbolSize = 16
	c.EncoderTimeout = 200 * time.Millisecond
	return c
}

func plainFrame(src, dst [6]byte, payload []byte) *frame.Frame {
	f := frame.New(frame.CmdFrame)
	f.PutBytes(frame.AttrSrc, src[:])
	f.PutBytes(frame.AttrDst, dst[:])
	f.PutU8(frame.AttrType_, uint8(frame.Plain))
	f.PutBytes(frame.AttrFrame, payload)
	return f
}

func TestAddPlainReportsFullOnLastSymbol(t *testing.T) {
	cfg := testConfig()
	sink := &fakeSink{}
	e := New(cfg, sink, 0, 1, nil)
	defer e.Stop()

	var src, dst [6]byte
	src[0] = 1
	dst[0] = 2

	for i := 0; i < int(cfg.Symbols)-1; i++ {
		if full := e.AddPlain(plainFrame(src, dst, []byte("x"))); full {
			t.Fatalf("symbol %d: reported full early", i)
		}
	}
	if full := e.AddPlain(plainFrame(src, dst, []byte("last"))); !full {
		t.Fatal("expected full on the final symbol")
	}
}

func TestAddPlainEventuallySendsEncodedOutput(t *testing.T) {
	cfg := testConfig()
	sink := &fakeSink{}
	e := New(cfg, sink, 0, 1, nil)
	defer e.Stop()

	var src, dst [6]byte
	e.AddPlain(plainFrame(src, dst, []byte("hello")))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() == 0 {
		t.Fatal("expected at least one encoded frame to be sent")
	}
}

func TestIdleTimeoutRetiresEncoder(t *testing.T) {
	cfg := testConfig()
	cfg.EncoderTimeout = 30 * time.Millisecond
	sink := &fakeSink{}

	retired := make(chan uint8, 1)
	e := New(cfg, sink, 3, 1, func(slot uint8) { retired <- slot })

	var src, dst [6]byte
	e.AddPlain(plainFrame(src, dst, []byte("x")))

	select {
	case slot := <-retired:
		if slot != 3 {
			t.Fatalf("retired slot = %d, want 3", slot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected idle-timeout retirement")
	}
}

func reqFrame(rank, seq uint16) *frame.Frame {
	f := frame.New(frame.CmdFrame)
	f.PutU8(frame.AttrType_, uint8(frame.Req))
	f.PutU16(frame.AttrRank, rank)
	f.PutU16(frame.AttrSeq, seq)
	return f
}

// waitStable polls the sink until its count stops moving between polls.
func waitStable(sink *fakeSink) int {
	prev := -1
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n := sink.count()
		if n == prev {
			return n
		}
		prev = n
		time.Sleep(150 * time.Millisecond)
	}
	return sink.count()
}

func TestReqGrantsRetransmissionsOncePerSeq(t *testing.T) {
	cfg := testConfig()
	cfg.EncoderTimeout = 5 * time.Second
	sink := &fakeSink{}
	e := New(cfg, sink, 0, 1, nil)
	defer e.Stop()

	var src, dst [6]byte
	for i := 0; i < int(cfg.Symbols); i++ {
		e.AddPlain(plainFrame(src, dst, []byte{byte('a' + i)}))
	}

	n1 := waitStable(sink)
	if n1 == 0 {
		t.Fatal("expected the initial budget to produce encoded frames")
	}

	// Peer reports rank 2 of 4: the encoder owes source_budget(2, ONE,
	// ONE, e3) more coded symbols.
	e.AddReq(reqFrame(2, 1))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < n1+2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sink.count() - n1; got < 2 {
		t.Fatalf("retransmissions after REQ = %d, want >= 2", got)
	}
	n2 := waitStable(sink)

	// A replayed REQ with the same sequence number is ignored.
	e.AddReq(reqFrame(2, 1))
	time.Sleep(200 * time.Millisecond)
	if got := sink.count(); got != n2 {
		t.Fatalf("duplicate-seq REQ triggered %d extra frames", got-n2)
	}
}

func TestCreditsAccruePerPlainSymbol(t *testing.T) {
	cfg := testConfig()
	cfg.ByteE1, cfg.ByteE3 = 127, 127
	sink := &fakeSink{}
	e := New(cfg, sink, 0, 1, nil)
	// Stop the worker first so absorbed credits are observable before any
	// send consumes them.
	e.Stop()

	var src, dst [6]byte
	const n = 3
	for i := 0; i < n; i++ {
		e.AddPlain(plainFrame(src, dst, []byte{byte(i)}))
	}

	e.mu.Lock()
	got := e.credits
	e.mu.Unlock()

	want := n * budgets.SourceCredit(cfg.ByteE1, cfg.ByteE2, cfg.ByteE3)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("credits = %v, want %v", got, want)
	}
}

func TestPostFullBudgetStopsEventually(t *testing.T) {
	cfg := testConfig()
	cfg.Symbols = 2
	cfg.EncoderTimeout = 500 * time.Millisecond
	sink := &fakeSink{}
	e := New(cfg, sink, 0, 1, nil)
	defer e.Stop()

	var src, dst [6]byte
	e.AddPlain(plainFrame(src, dst, []byte("a")))
	e.AddPlain(plainFrame(src, dst, []byte("b")))

	time.Sleep(300 * time.Millisecond)
	n1 := sink.count()
	time.Sleep(300 * time.Millisecond)
	n2 := sink.count()

	if n2 != n1 {
		t.Fatalf("encoder kept sending past its budget: %d -> %d", n1, n2)
	}
	if n1 == 0 {
		t.Fatal("expected some encoded output before the budget was exhausted")
	}
}
