// Package encoderpool implements the fixed-size slot pool that fans
// PLAIN/REQ/ACK traffic into live encoders and drives flow control
// towards the kernel when every slot is busy.
package encoderpool

import (
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/hundeboll/rlncd/internal/config"
	"github.com/hundeboll/rlncd/internal/encoder"
	"github.com/hundeboll/rlncd/internal/frame"
	"github.com/hundeboll/rlncd/internal/nlog"
)

// counterSink is the slice of Counters the pool reports lifecycle events
// to; nil is valid and simply disables reporting (e.g. under test).
type counterSink interface {
	Increment(group, metric string)
}

const counterGroup = "encoderpool"

const (
	housekeepingInterval = 100 * time.Millisecond
	retiredFilterSize    = 4096
)

// outboundSink is the slice of IoMux the pool needs directly (BLOCK/
// UNBLOCK control signaling); encoders built by the pool take their own
// narrower reference for data-plane output.
type outboundSink interface {
	Enqueue(band int, f *frame.Frame)
	Ifindex() uint32
	SendBlock(uid uint16)
	SendUnblock(uid uint16)
}

// EncoderPool owns N fixed slots, each holding at most one live Encoder,
// plus the free-list and blocked-flag flow-control state.
type EncoderPool struct {
	cfg *config.Config
	mux outboundSink

	mu        sync.Mutex
	slots     []*encoder.Encoder
	freeSlots []uint8
	lastBlock map[uint8]uint8
	current   uint8
	blocked   bool

	// retired approximates recently-freed UIDs beyond the exact
	// slot/UID match AddAck already performs, so a late-arriving
	// duplicate ACK for a UID whose slot has since been reused for an
	// unrelated generation is still recognized as stale rather than
	// matched against the wrong encoder.
	retired *cuckoo.Filter

	counters counterSink

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New allocates a pool of cfg.Encoders slots, all free, and starts its
// housekeeping ticker. counters may be nil to disable reporting.
func New(cfg *config.Config, mux outboundSink, counters counterSink) *EncoderPool {
	n := int(cfg.Encoders)
	if n <= 0 {
		n = 1
	}
	p := &EncoderPool{
		cfg:       cfg,
		mux:       mux,
		slots:     make([]*encoder.Encoder, n),
		freeSlots: make([]uint8, n),
		lastBlock: make(map[uint8]uint8, n),
		retired:   cuckoo.NewFilter(retiredFilterSize),
		counters:  counters,
		stopCh:    make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		p.freeSlots[i] = uint8(n - 1 - i)
	}
	p.advance()
	p.wg.Add(1)
	go p.housekeeping()
	return p
}

// Stop halts the housekeeping ticker and retires every live encoder.
func (p *EncoderPool) Stop() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	live := make([]*encoder.Encoder, 0, len(p.slots))
	for i, e := range p.slots {
		if e != nil {
			live = append(live, e)
			p.slots[i] = nil
		}
	}
	p.mu.Unlock()

	for _, e := range live {
		e.Stop()
	}
}

// AddPlain implements iomux.PlainReqAckSink.
func (p *EncoderPool) AddPlain(f *frame.Frame) {
	p.mu.Lock()
	if p.blocked {
		p.mu.Unlock()
		nlog.Warningln("encoderpool: dropping plain frame, pool blocked")
		f.Release()
		return
	}
	cur := p.current
	e := p.slots[cur]
	if e == nil {
		p.mu.Unlock()
		f.Release()
		nlog.Errorf("encoderpool: invariant violation: current slot %d empty", cur)
		return
	}
	p.mu.Unlock()

	if full := e.AddPlain(f); full {
		p.advance()
	}
}

// AddReq implements iomux.PlainReqAckSink.
func (p *EncoderPool) AddReq(f *frame.Frame) {
	uid, ok := f.GetU16(frame.AttrBlock)
	if !ok {
		f.Release()
		return
	}
	slot, _ := frame.SplitUID(uid)

	p.mu.Lock()
	var target *encoder.Encoder
	if int(slot) < len(p.slots) {
		if e := p.slots[slot]; e != nil && e.UID() == uid {
			target = e
		}
	}
	p.mu.Unlock()

	if target == nil {
		f.Release()
		return
	}
	target.AddReq(f)
}

// AddAck implements iomux.PlainReqAckSink.
func (p *EncoderPool) AddAck(f *frame.Frame) {
	defer f.Release()

	uid, ok := f.GetU16(frame.AttrBlock)
	if !ok {
		return
	}
	slot, _ := frame.SplitUID(uid)

	p.mu.Lock()
	if p.retired.Lookup(uidKey(uid)) {
		p.mu.Unlock()
		return
	}
	var match *encoder.Encoder
	if int(slot) < len(p.slots) {
		if e := p.slots[slot]; e != nil && e.UID() == uid {
			match = e
			p.slots[slot] = nil
		}
	}
	p.mu.Unlock()

	if match == nil {
		return
	}
	match.Stop()
	p.release(slot, uid)
}

// advance instantiates a fresh encoder in the next free slot, or sets
// the blocked flag and signals the kernel when no slot is free.
func (p *EncoderPool) advance() {
	p.mu.Lock()
	if len(p.freeSlots) == 0 {
		if !p.blocked {
			p.blocked = true
			nlog.Warningln("encoderpool: all slots busy, blocking")
			p.mu.Unlock()
			p.mux.SendBlock(frame.UID(p.current, 0))
			p.count("blocked")
			return
		}
		p.mu.Unlock()
		return
	}

	slot := p.freeSlots[len(p.freeSlots)-1]
	p.freeSlots = p.freeSlots[:len(p.freeSlots)-1]
	block := p.nextBlockLocked(slot)
	// The block counter wraps modulo 256, so a UID retired 256 generations
	// ago is about to become live again; forget it before ACKs for the new
	// generation start arriving.
	p.retired.Delete(uidKey(frame.UID(slot, block)))
	e := encoder.New(p.cfg, p.mux, slot, block, p.onIdleRetire)
	p.slots[slot] = e
	p.current = slot
	p.mu.Unlock()
	p.count("slot_opened")
}

// nextBlockLocked must be called with mu held. A slot's first generation
// starts at block 0; thereafter the counter increments and wraps modulo
// 256. The slot is always empty here (advance
// only claims slots off the free list, and a slot only reaches the free
// list after its live encoder reference is cleared), so the prior block
// counter has to be recalled from lastBlock rather than the slot itself.
func (p *EncoderPool) nextBlockLocked(slot uint8) uint8 {
	if seen, ok := p.lastBlock[slot]; ok {
		return seen + 1
	}
	return 0
}

// release returns slot to the free list, un-blocking and re-advancing
// if the pool had stalled.
func (p *EncoderPool) release(slot uint8, uid uint16) {
	_, block := frame.SplitUID(uid)
	p.mu.Lock()
	p.retired.Insert(uidKey(uid))
	p.freeSlots = append(p.freeSlots, slot)
	p.lastBlock[slot] = block
	wasBlocked := p.blocked
	p.blocked = false
	p.mu.Unlock()

	p.count("slot_freed")
	if wasBlocked {
		p.mux.SendUnblock(uid)
		p.advance()
	}
}

// onIdleRetire is the Encoder callback fired from its own worker
// goroutine on idle timeout (never on pool-initiated Stop).
func (p *EncoderPool) onIdleRetire(slot uint8) {
	p.mu.Lock()
	e := p.slots[slot]
	if e == nil {
		p.mu.Unlock()
		return
	}
	uid := e.UID()
	p.slots[slot] = nil
	p.mu.Unlock()

	p.release(slot, uid)
}

func (p *EncoderPool) housekeeping() {
	defer p.wg.Done()
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			// Idle reaping happens inside each encoder's own worker
			// loop via onIdleRetire; this tick only reports slot
			// usage at verbose log levels.
			if nlog.FastV(4, "encoderpool") {
				p.mu.Lock()
				free, blocked := len(p.freeSlots), p.blocked
				p.mu.Unlock()
				nlog.Infof("encoderpool: %d/%d slots free, blocked=%v", free, len(p.slots), blocked)
			}
		}
	}
}

func (p *EncoderPool) count(metric string) {
	if p.counters != nil {
		p.counters.Increment(counterGroup, metric)
	}
}

func uidKey(uid uint16) []byte {
	return []byte{byte(uid >> 8), byte(uid)}
}
