// Package decoder implements the per-generation decoding and feedback
// state machine: feed coded symbols to the coder, emit recovered frames
// as soon as they resolve (systematic fast path, partial decode, full
// decode), and drive the ACK/REQ feedback gates and idle timeout.
package decoder

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/hundeboll/rlncd/internal/budgets"
	"github.com/hundeboll/rlncd/internal/config"
	"github.com/hundeboll/rlncd/internal/frame"
	"github.com/hundeboll/rlncd/internal/galois"
	"github.com/hundeboll/rlncd/internal/iomux"
	"github.com/hundeboll/rlncd/internal/nlog"
	"github.com/hundeboll/rlncd/internal/pqueue"
	"github.com/hundeboll/rlncd/internal/rtt"
)

const tickInterval = 50 * time.Millisecond

// outboundSink is the slice of IoMux a Decoder needs.
type outboundSink interface {
	Enqueue(band int, f *frame.Frame)
	Ifindex() uint32
}

// Decoder owns one generation's reception: feeding coded symbols to the
// coder, emitting decoded frames as soon as they become available, and
// driving the ACK/REQ feedback-state machine.
type Decoder struct {
	cfg *config.Config
	mux outboundSink

	slot, block uint8
	uid         uint16

	mu           sync.Mutex
	coder        *galois.Decoder
	src, dst     [frame.EthAddrLen]byte
	decodedFlags []bool
	decoded      bool
	idle         bool
	running      bool
	reqSeq       uint16
	timestamp    time.Time
	idleBudget   time.Duration

	encQueue *pqueue.Queue[*frame.Frame]

	ackGate *rtt.Gate
	reqGate *rtt.Gate

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Decoder for (slot, block) and starts its worker
// goroutine. rttSet is the shared ACK/REQ tracker pair every decoder in
// the daemon records its feedback bursts and round-trip samples in. The
// decoder's REQ and ACK timers use the fixed cfg.ReqTimeout and
// cfg.AckTimeout; they are not derived from rttSet.
func New(cfg *config.Config, mux outboundSink, rttSet *rtt.Set, slot, block uint8) *Decoder {
	d := &Decoder{
		cfg:          cfg,
		mux:          mux,
		slot:         slot,
		block:        block,
		uid:          frame.UID(slot, block),
		coder:        galois.NewDecoder(int(cfg.Symbols), int(cfg.SymbolSize)),
		decodedFlags: make([]bool, cfg.Symbols),
		reqSeq:       1,
		timestamp:    time.Now(),
		idleBudget:   cfg.DecoderTimeout,
		encQueue:     pqueue.New[*frame.Frame](1),
		ackGate:      rtt.NewGate(rttSet.Tracker(rtt.ACK)),
		reqGate:      rtt.NewGate(rttSet.Tracker(rtt.REQ)),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		running:      true,
	}
	nlog.Infof("decoder: init (uid=%#04x)", d.uid)
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Decoder) UID() uint16 { return d.uid }
func (d *Decoder) Slot() uint8 { return d.slot }
func (d *Decoder) Block() uint8 { return d.block }

func (d *Decoder) Rank() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coder.Rank()
}

func (d *Decoder) IsIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

// AddEnc feeds a coded symbol to the decoder. The REQ feedback gate
// resolves immediately on any fresh ENC arrival, ahead of and
// independent from queue processing.
func (d *Decoder) AddEnc(f *frame.Frame) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		f.Release()
		return
	}
	d.encQueue.Push(0, f)
	d.mu.Unlock()

	d.reqGate.Resolve(time.Now())

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stop requests the worker to exit and waits for it. Used by DecoderPool
// when replacing a slot's decoder with a fresher generation.
func (d *Decoder) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.drainQueue()
	// The next generation beginning on this slot is the event an ACK
	// burst solicited; settle the gate so the shared tracker's
	// outstanding count doesn't leak a retired decoder's burst.
	d.ackGate.Resolve(time.Now())
}

func (d *Decoder) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			d.drainQueue()
			return
		case <-d.wake:
		case <-ticker.C:
		}

		d.mu.Lock()
		idle := d.idle
		d.mu.Unlock()
		if idle {
			continue
		}

		d.processQueue()
		d.processDecoder()
		d.processTimer()
	}
}

func (d *Decoder) drainQueue() {
	d.mu.Lock()
	d.encQueue.Each(func(f *frame.Frame) { f.Release() })
	d.encQueue.Clear()
	d.mu.Unlock()
}

func (d *Decoder) processQueue() {
	for {
		d.mu.Lock()
		if d.encQueue.Empty() {
			d.mu.Unlock()
			return
		}
		f := d.encQueue.Top()
		d.encQueue.Pop()
		d.mu.Unlock()

		d.processEnc(f)

		d.mu.Lock()
		d.timestamp = time.Now()
		d.mu.Unlock()
	}
}

func (d *Decoder) processEnc(f *frame.Frame) {
	defer f.Release()

	d.mu.Lock()

	if d.coder.IsComplete() {
		d.mu.Unlock()
		return
	}

	if d.coder.Rank() == 0 {
		if src, dst, err := f.RequireAddrs(); err == nil {
			d.src, d.dst = src, dst
		} else {
			nlog.Warningf("decoder: %v", err)
		}
	}

	payload, ok := f.GetBytes(frame.AttrFrame)
	if !ok {
		d.mu.Unlock()
		nlog.Warningln("decoder: ENC frame missing FRAME attribute")
		return
	}
	if len(payload) != d.coder.PayloadSize() {
		d.mu.Unlock()
		nlog.Errorf("decoder: fatal: payload length %d, want %d (uid=%#04x)",
			len(payload), d.coder.PayloadSize(), d.uid)
		return
	}

	preRank := d.coder.Rank()
	if err := d.coder.Decode(payload); err != nil {
		d.mu.Unlock()
		nlog.Errorf("decoder: %v", err)
		return
	}
	postRank := d.coder.Rank()
	if postRank == preRank {
		nlog.Infof("decoder: non-innovative (uid=%#04x, rank=%d)", d.uid, preRank)
	}

	systematic := d.coder.LastSymbolIsSystematic()
	idx := d.coder.LastSymbolIndex()
	d.decoded = false
	d.mu.Unlock()

	if systematic {
		nlog.Infof("decoder: systematic (uid=%#04x, index=%d)", d.uid, idx)
		d.sendDec(idx)
	}
}

func (d *Decoder) processDecoder() {
	d.mu.Lock()
	complete := d.coder.IsComplete()
	partial := d.coder.IsPartialComplete()
	already := d.decoded
	d.mu.Unlock()

	budget := budgets.SourceBudget(1, 255, 255, d.cfg.ByteE3, d.cfg.FixedOvershoot)

	if complete && !already {
		d.mu.Lock()
		d.decoded = true
		symbols := d.coder.Symbols()
		d.mu.Unlock()

		nlog.Infof("decoder: decoded (uid=%#04x)", d.uid)
		d.ackGate.Burst(time.Now())
		for b := budget; b >= 1; b-- {
			d.sendAck()
		}
		for i := 0; i < symbols; i++ {
			d.sendDec(i)
		}
		return
	}

	if partial && !already {
		d.mu.Lock()
		rank := d.coder.Rank()
		d.decoded = true
		d.mu.Unlock()

		for i := 0; i < rank; i++ {
			d.sendDec(i)
		}
	}
}

func (d *Decoder) processTimer() {
	d.mu.Lock()
	elapsed := time.Since(d.timestamp)
	partial := d.coder.IsPartialComplete()
	rank := d.coder.Rank()
	reqSeq := d.reqSeq
	d.mu.Unlock()

	budget := budgets.SourceBudget(1, 255, 255, d.cfg.ByteE3, d.cfg.FixedOvershoot)

	if elapsed >= d.cfg.ReqTimeout && !partial {
		for b := budget; b >= 1; b-- {
			d.sendReq(rank, reqSeq)
		}
		d.reqGate.Burst(time.Now())
		d.mu.Lock()
		d.reqSeq++
		d.timestamp = time.Now()
		d.idleBudget -= d.cfg.ReqTimeout
		d.mu.Unlock()
		return
	}

	if elapsed >= d.cfg.AckTimeout && partial {
		for b := budget; b >= 1; b-- {
			d.sendAck()
		}
		d.mu.Lock()
		d.timestamp = time.Now()
		d.idleBudget -= d.cfg.AckTimeout
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	idleBudget := d.idleBudget
	d.mu.Unlock()

	if elapsed >= idleBudget {
		d.ackGate.Resolve(time.Now())
		d.mu.Lock()
		d.idle = true
		d.mu.Unlock()
		nlog.Infof("decoder: idle (uid=%#04x)", d.uid)
	}
}

// sendDec emits the recovered frame at symbol index, deduplicating
// against the per-index "already sent" flag.
func (d *Decoder) sendDec(index int) {
	d.mu.Lock()
	if index < 0 || index >= len(d.decodedFlags) || d.decodedFlags[index] {
		d.mu.Unlock()
		return
	}
	buf := d.coder.Symbol(index)
	if buf == nil {
		d.mu.Unlock()
		return
	}
	d.decodedFlags[index] = true
	d.mu.Unlock()

	if len(buf) < 2 {
		nlog.Errorf("decoder: symbol %d too short for length prefix (uid=%#04x)", index, d.uid)
		return
	}
	length := binary.LittleEndian.Uint16(buf[0:2])
	if int(length) > frame.MaxSymbolLen || int(length) > len(buf)-2 {
		nlog.Errorf("decoder: fatal: decoded length %d out of range (uid=%#04x, index=%d), abandoning generation",
			length, d.uid, index)
		d.mu.Lock()
		d.idle = true
		d.mu.Unlock()
		return
	}

	f := frame.New(frame.CmdFrame)
	f.PutU32(frame.AttrIfindex, d.mux.Ifindex())
	f.PutU8(frame.AttrType_, uint8(frame.Dec))
	f.PutBytes(frame.AttrFrame, buf[2:2+length])
	d.mux.Enqueue(iomux.BandDec, f)
}

func (d *Decoder) sendAck() {
	d.mu.Lock()
	src, dst, uid := d.src, d.dst, d.uid
	d.mu.Unlock()

	f := frame.New(frame.CmdFrame)
	f.PutU32(frame.AttrIfindex, d.mux.Ifindex())
	f.PutBytes(frame.AttrSrc, src[:])
	f.PutBytes(frame.AttrDst, dst[:])
	f.PutU16(frame.AttrBlock, uid)
	f.PutU8(frame.AttrType_, uint8(frame.Ack))
	f.PutU16(frame.AttrInt, 0)
	d.mux.Enqueue(iomux.BandAck, f)
}

func (d *Decoder) sendReq(rank int, seq uint16) {
	d.mu.Lock()
	src, dst, uid := d.src, d.dst, d.uid
	d.mu.Unlock()

	f := frame.New(frame.CmdFrame)
	f.PutU32(frame.AttrIfindex, d.mux.Ifindex())
	f.PutU8(frame.AttrType_, uint8(frame.Req))
	f.PutBytes(frame.AttrSrc, src[:])
	f.PutBytes(frame.AttrDst, dst[:])
	f.PutU16(frame.AttrBlock, uid)
	f.PutU16(frame.AttrRank, uint16(rank))
	f.PutU16(frame.AttrSeq, seq)
	d.mux.Enqueue(iomux.BandReq, f)
}
