// Package decoderpool fans ENC traffic into a slot-indexed, grow-on-
// demand vector of decoders keyed by the peer-assigned generation UID.
package decoderpool

import (
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/hundeboll/rlncd/internal/config"
	"github.com/hundeboll/rlncd/internal/decoder"
	"github.com/hundeboll/rlncd/internal/frame"
	"github.com/hundeboll/rlncd/internal/nlog"
	"github.com/hundeboll/rlncd/internal/rtt"
)

// outboundSink is the slice of IoMux a Decoder needs; re-declared here
// (rather than importing the decoder package's unexported interface) so
// this package only depends on decoder's exported surface.
type outboundSink interface {
	Enqueue(band int, f *frame.Frame)
	Ifindex() uint32
}

// counterSink is the slice of Counters the pool reports lifecycle events
// to; nil disables reporting.
type counterSink interface {
	Increment(group, metric string)
}

const counterGroup = "decoderpool"

// DecoderPool owns one *decoder.Decoder per slot id, growing the slice
// on demand as higher slot ids are observed.
type DecoderPool struct {
	cfg      *config.Config
	mux      outboundSink
	rttSet   *rtt.Set
	counters counterSink

	mu    sync.Mutex
	slots []*decoder.Decoder
}

// New builds a DecoderPool. counters may be nil to disable reporting.
func New(cfg *config.Config, mux outboundSink, rttSet *rtt.Set, counters counterSink) *DecoderPool {
	return &DecoderPool{cfg: cfg, mux: mux, rttSet: rttSet, counters: counters}
}

func (p *DecoderPool) count(metric string) {
	if p.counters != nil {
		p.counters.Increment(counterGroup, metric)
	}
}

// Stop retires every live decoder.
func (p *DecoderPool) Stop() {
	p.mu.Lock()
	live := make([]*decoder.Decoder, 0, len(p.slots))
	for i, d := range p.slots {
		if d != nil {
			live = append(live, d)
			p.slots[i] = nil
		}
	}
	p.mu.Unlock()

	for _, d := range live {
		d.Stop()
	}
}

// AddEnc implements iomux.EncSink, resolving the frame's (slot, block)
// pair against the slot's current occupant: feed on a match, drop a
// strictly older non-zero block as stale, and replace the decoder on a
// newer block or a wrap to zero.
func (p *DecoderPool) AddEnc(f *frame.Frame) {
	uid, ok := f.GetU16(frame.AttrBlock)
	if !ok {
		f.Release()
		return
	}
	slot, block := frame.SplitUID(uid)

	p.mu.Lock()
	if int(slot) >= len(p.slots) {
		grown := make([]*decoder.Decoder, int(slot)+1)
		copy(grown, p.slots)
		p.slots = grown
	}

	existing := p.slots[slot]
	var stale bool
	var retiring *decoder.Decoder
	var target *decoder.Decoder

	switch {
	case existing == nil:
		target = p.newDecoderLocked(f, slot, block)
	case existing.Block() == block:
		target = existing
	case existing.Block() > block && block != 0:
		stale = true
	default:
		retiring = existing
		target = p.newDecoderLocked(f, slot, block)
	}
	p.mu.Unlock()

	if stale {
		nlog.Infof("decoderpool: dropping stale enc (slot=%d, block=%d, have=%d)", slot, block, existing.Block())
		p.count("stale_dropped")
		f.Release()
		return
	}
	if retiring != nil {
		retiring.Stop()
		p.count("slot_replaced")
	}
	target.AddEnc(f)
}

// newDecoderLocked must be called with mu held. It logs an xxhash-based
// correlation tag over (slot, block, src, dst) so log lines for the same
// generation can be grepped together without printing the full address
// pair every time.
func (p *DecoderPool) newDecoderLocked(f *frame.Frame, slot, block uint8) *decoder.Decoder {
	d := decoder.New(p.cfg, p.mux, p.rttSet, slot, block)
	p.slots[slot] = d
	nlog.Infof("decoderpool: new decoder (slot=%d, block=%d, tag=%08x)", slot, block, correlationTag(slot, block, f))
	p.count("slot_opened")
	return d
}

func correlationTag(slot, block uint8, f *frame.Frame) uint32 {
	h := xxhash.New32()
	h.Write([]byte{slot, block})
	if src, ok := f.GetBytes(frame.AttrSrc); ok {
		h.Write(src)
	}
	if dst, ok := f.GetBytes(frame.AttrDst); ok {
		h.Write(dst)
	}
	return h.Sum32()
}
