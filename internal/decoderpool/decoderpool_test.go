package decoderpool

import (
	"sync"
	"testing"
	"time"

	"github.com/hundeboll/rlncd/internal/config"
	"github.com/hundeboll/rlncd/internal/frame"
	"github.com/hundeboll/rlncd/internal/rtt"
)

type fakeMux struct {
	mu   sync.Mutex
	sent []*frame.Frame
}

func (f *fakeMux) Enqueue(band int, fr *frame.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fr)
}

func (f *fakeMux) Ifindex() uint32 { return 1 }

func testConfig() *config.Config {
	c := config.Default()
	c.Symbols = 2
	c.SymbolSize = 16
	c.ReqTimeout = time.Second
	c.AckTimeout = time.Second
	c.DecoderTimeout = time.Second
	return c
}

func encFrame(uid uint16, coeffs, symbol []byte) *frame.Frame {
	var src, dst [6]byte
	f := frame.New(frame.CmdFrame)
	f.PutBytes(frame.AttrSrc, src[:])
	f.PutBytes(frame.AttrDst, dst[:])
	f.PutU8(frame.AttrType_, uint8(frame.Enc))
	f.PutU16(frame.AttrBlock, uid)
	payload := append(append([]byte(nil), coeffs...), symbol...)
	f.PutBytes(frame.AttrFrame, payload)
	return f
}

func TestAddEncCreatesDecoderOnFirstSight(t *testing.T) {
	p := New(testConfig(), &fakeMux{}, rtt.NewSet(10*time.Millisecond), nil)
	defer p.Stop()

	uid := frame.UID(0, 1)
	p.AddEnc(encFrame(uid, []byte{1, 0}, make([]byte, 16)))

	deadline := time.Now().Add(time.Second)
	for {
		p.mu.Lock()
		ok := len(p.slots) > 0 && p.slots[0] != nil
		p.mu.Unlock()
		if ok || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) == 0 || p.slots[0] == nil {
		t.Fatal("expected a decoder to be created for slot 0")
	}
	if p.slots[0].Block() != 1 {
		t.Fatalf("block = %d, want 1", p.slots[0].Block())
	}
}

func TestAddEncDropsStaleBlock(t *testing.T) {
	p := New(testConfig(), &fakeMux{}, rtt.NewSet(10*time.Millisecond), nil)
	defer p.Stop()

	p.AddEnc(encFrame(frame.UID(0, 5), []byte{1, 0}, make([]byte, 16)))
	time.Sleep(20 * time.Millisecond)

	p.mu.Lock()
	current := p.slots[0]
	p.mu.Unlock()

	p.AddEnc(encFrame(frame.UID(0, 3), []byte{1, 0}, make([]byte, 16)))
	time.Sleep(20 * time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slots[0] != current {
		t.Fatal("a strictly older, non-zero block must not replace the current decoder")
	}
}

func TestAddEncReplacesOnWrapOrNewerBlock(t *testing.T) {
	p := New(testConfig(), &fakeMux{}, rtt.NewSet(10*time.Millisecond), nil)
	defer p.Stop()

	p.AddEnc(encFrame(frame.UID(0, 250), []byte{1, 0}, make([]byte, 16)))
	time.Sleep(20 * time.Millisecond)

	p.AddEnc(encFrame(frame.UID(0, 0), []byte{1, 0}, make([]byte, 16)))
	time.Sleep(20 * time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slots[0].Block() != 0 {
		t.Fatalf("expected wrap to block 0 to replace the decoder, block = %d", p.slots[0].Block())
	}
}
