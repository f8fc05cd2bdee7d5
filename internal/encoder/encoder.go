// Package encoder implements the per-generation coding and pacing state
// machine: absorb plain frames until full rank, pace coded output by
// credits and a per-generation budget, answer repair requests, and
// self-retire on idle.
//
// Each encoder owns one worker goroutine driven by a wake channel plus a
// 50ms ticker feeding a single select loop: drain the inbound queue, try
// to send, check the idle timer, repeat on wake or tick.
package encoder

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hundeboll/rlncd/internal/budgets"
	"github.com/hundeboll/rlncd/internal/config"
	"github.com/hundeboll/rlncd/internal/frame"
	"github.com/hundeboll/rlncd/internal/galois"
	"github.com/hundeboll/rlncd/internal/iomux"
	"github.com/hundeboll/rlncd/internal/nlog"
	"github.com/hundeboll/rlncd/internal/pqueue"
)

const tickInterval = 50 * time.Millisecond

// outboundSink is the slice of IoMux an Encoder needs: enqueueing coded
// output and reading the learned interface index. Depending on this
// narrow interface rather than *iomux.IoMux keeps the encoder testable
// without a real netlink socket.
type outboundSink interface {
	Enqueue(band int, f *frame.Frame)
	Ifindex() uint32
}

// Encoder owns one generation: absorbing plain frames until full, then
// pacing coded output by credits and an overall per-generation budget.
type Encoder struct {
	cfg *config.Config
	mux outboundSink

	slot, block uint8
	uid         uint16

	mu       sync.Mutex
	coder    *galois.Encoder
	src, dst [frame.EthAddrLen]byte
	credits  float64
	encCount int
	budget   float64

	lastReqSeq     uint16
	haveLastReqSeq bool
	timestamp      time.Time
	running        bool

	reqQueue *pqueue.Queue[*frame.Frame]

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	onIdleRetire func(slot uint8)
}

// New creates an Encoder for (slot, block) and starts its worker
// goroutine. onIdleRetire is called exactly once, from the worker itself,
// when the generation's idle timeout fires; it is never called for
// pool-initiated shutdown via Stop (the caller already knows in that
// case).
func New(cfg *config.Config, mux outboundSink, slot, block uint8, onIdleRetire func(uint8)) *Encoder {
	e := &Encoder{
		cfg:          cfg,
		mux:          mux,
		slot:         slot,
		block:        block,
		uid:          frame.UID(slot, block),
		coder:        galois.NewEncoder(int(cfg.Symbols), int(cfg.SymbolSize)),
		budget:       budgets.SourceBudget(int(cfg.Symbols), cfg.ByteE1, cfg.ByteE2, cfg.ByteE3, cfg.FixedOvershoot),
		reqQueue:     pqueue.New[*frame.Frame](1),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		running:      true,
		timestamp:    time.Now(),
		onIdleRetire: onIdleRetire,
	}
	nlog.Infof("encoder: init (uid=%#04x, budget=%.1f)", e.uid, e.budget)
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *Encoder) UID() uint16 { return e.uid }
func (e *Encoder) Slot() uint8 { return e.slot }

func (e *Encoder) EncPackets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encCount
}

func (e *Encoder) Rank() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coder.Rank()
}

// AddPlain absorbs a source frame synchronously, returning whether the
// generation just became full. The pool advances to a fresh slot as soon
// as it sees full, so unlike AddReq this does not go through the
// worker's queue.
func (e *Encoder) AddPlain(f *frame.Frame) (full bool) {
	defer f.Release()

	e.mu.Lock()
	defer e.mu.Unlock()

	g := int(e.cfg.Symbols)
	if e.coder.Rank() >= g {
		nlog.Warningf("encoder: add_plain on full generation (uid=%#04x)", e.uid)
		return true
	}

	if e.coder.Rank() == 0 {
		src, dst, err := f.RequireAddrs()
		if err != nil {
			nlog.Warningf("encoder: %v", err)
			return false
		}
		e.src, e.dst = src, dst
	}

	payload, ok := f.GetBytes(frame.AttrFrame)
	if !ok {
		nlog.Warningln("encoder: plain frame missing FRAME attribute")
		return false
	}

	symbol := make([]byte, e.cfg.SymbolSize)
	binary.LittleEndian.PutUint16(symbol[0:2], uint16(len(payload)))
	copy(symbol[2:], payload)

	if err := e.coder.SetSymbol(e.coder.Rank(), symbol); err != nil {
		nlog.Errorf("encoder: fatal: %v", err)
		return e.coder.Rank() >= g
	}

	e.credits += budgets.SourceCredit(e.cfg.ByteE1, e.cfg.ByteE2, e.cfg.ByteE3)
	e.timestamp = time.Now()
	select {
	case e.wake <- struct{}{}:
	default:
	}

	return e.coder.Rank() >= g
}

// AddReq queues a repair request for the worker to process on its next
// wake.
func (e *Encoder) AddReq(f *frame.Frame) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		f.Release()
		return
	}
	e.reqQueue.Push(0, f)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Stop requests the worker to exit and waits for it. It does not invoke
// onIdleRetire: the caller (EncoderPool, on a matched ACK) already knows
// the slot is being freed.
func (e *Encoder) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.drainQueue()
}

func (e *Encoder) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			e.drainQueue()
			return
		case <-e.wake:
		case <-ticker.C:
		}

		e.processQueue()
		e.processEncoder()

		if e.processTimer() {
			e.drainQueue()
			e.mu.Lock()
			e.running = false
			e.mu.Unlock()
			if e.onIdleRetire != nil {
				e.onIdleRetire(e.slot)
			}
			return
		}
	}
}

func (e *Encoder) drainQueue() {
	e.mu.Lock()
	e.reqQueue.Each(func(f *frame.Frame) { f.Release() })
	e.reqQueue.Clear()
	e.mu.Unlock()
}

func (e *Encoder) processQueue() {
	for {
		e.mu.Lock()
		if e.reqQueue.Empty() {
			e.mu.Unlock()
			return
		}
		f := e.reqQueue.Top()
		e.reqQueue.Pop()
		e.mu.Unlock()

		e.processReq(f)
	}
}

func (e *Encoder) processReq(f *frame.Frame) {
	defer f.Release()

	peerRank, ok1 := f.GetU16(frame.AttrRank)
	seq, ok2 := f.GetU16(frame.AttrSeq)
	if !ok1 || !ok2 {
		nlog.Warningln("encoder: malformed REQ, missing rank or seq")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ourRank := uint16(e.coder.Rank())
	if ourRank == peerRank || (e.haveLastReqSeq && seq == e.lastReqSeq) {
		nlog.Infof("encoder: dropping req (uid=%#04x, peer rank=%d, our rank=%d, seq=%d)",
			e.uid, peerRank, ourRank, seq)
		return
	}

	// A peer claiming a rank above ours is stale or reordered; nothing
	// is owed, so skip the credit grant.
	var diff int
	if ourRank > peerRank {
		diff = int(ourRank - peerRank)
	}

	e.credits += budgets.SourceBudget(diff, 255, 255, e.cfg.ByteE3, e.cfg.FixedOvershoot)
	e.lastReqSeq = seq
	e.haveLastReqSeq = true
	e.timestamp = time.Now()
}

func (e *Encoder) processEncoder() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.credits >= 1 {
		if err := e.sendEncodedLocked(); err != nil {
			nlog.Errorf("encoder: %v", err)
			return
		}
	}

	if e.coder.Rank() != int(e.cfg.Symbols) {
		return
	}

	for float64(e.encCount) < e.budget {
		if err := e.sendEncodedLocked(); err != nil {
			nlog.Errorf("encoder: %v", err)
			return
		}
	}
}

// sendEncodedLocked must be called with mu held.
func (e *Encoder) sendEncodedLocked() error {
	if e.coder.Rank() == 0 {
		return errors.New("encode with empty generation")
	}

	out := make([]byte, e.coder.PayloadSize())
	if err := e.coder.Encode(out); err != nil {
		return errors.Wrap(err, "encode")
	}

	f := frame.New(frame.CmdFrame)
	f.PutU32(frame.AttrIfindex, e.mux.Ifindex())
	f.PutBytes(frame.AttrSrc, e.src[:])
	f.PutBytes(frame.AttrDst, e.dst[:])
	f.PutU16(frame.AttrBlock, e.uid)
	f.PutU8(frame.AttrType_, uint8(frame.Enc))
	f.PutBytes(frame.AttrFrame, out)
	e.mux.Enqueue(iomux.BandEnc, f)

	if e.credits >= 1 {
		e.credits -= 1
	}
	e.encCount++
	return nil
}

// processTimer reports whether the generation should retire for being
// idle. An encoder that never absorbed a symbol has nothing a peer could
// still be waiting on, so it keeps its slot until a plain frame arrives.
func (e *Encoder) processTimer() bool {
	e.mu.Lock()
	d := time.Since(e.timestamp)
	rank := e.coder.Rank()
	e.mu.Unlock()

	if d <= e.cfg.EncoderTimeout || rank == 0 {
		return false
	}

	nlog.Errorf("encoder: idle timeout (uid=%#04x, rank=%d)", e.uid, rank)
	return true
}
