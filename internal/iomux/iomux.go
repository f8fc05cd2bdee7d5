// Package iomux owns the daemon's single generic-netlink socket and fans
// inbound traffic out to the encoder/decoder pools while draining an
// outbound priority queue.
package iomux

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hundeboll/rlncd/internal/config"
	"github.com/hundeboll/rlncd/internal/frame"
	"github.com/hundeboll/rlncd/internal/netlink"
	"github.com/hundeboll/rlncd/internal/nlog"
	"github.com/hundeboll/rlncd/internal/pqueue"
)

// Outbound priority bands: a higher numbered band drains first. PLAIN and
// DEC share the lowest band; ENC is one above; REQ and ACK share the
// next; BLOCK/UNBLOCK control traffic always preempts.
const (
	BandPlain   = 0
	BandDec     = 0
	BandEnc     = 1
	BandReq     = 2
	BandAck     = 2
	BandControl = 3
	NumBands    = 4
)

// PlainReqAckSink is the subset of EncoderPool's API IoMux needs to fan
// inbound PLAIN/REQ/ACK traffic into. Declaring it here (rather than
// depending on the encoderpool package directly) breaks the IoMux<->pool
// construction cycle.
type PlainReqAckSink interface {
	AddPlain(f *frame.Frame)
	AddReq(f *frame.Frame)
	AddAck(f *frame.Frame)
}

// EncSink is the subset of DecoderPool's API IoMux needs for inbound ENC
// traffic.
type EncSink interface {
	AddEnc(f *frame.Frame)
}

// IoMux is the netlink reader/writer pair plus the outbound priority
// queue they share.
type IoMux struct {
	sock *netlink.Socket
	cfg  *config.Config

	mu       sync.Mutex
	cond     *sync.Cond
	outbound *pqueue.Queue[*frame.Frame]
	running  bool

	ifindex atomic.Uint32
	seq     atomic.Uint32

	encPool PlainReqAckSink
	decPool EncSink

	wg sync.WaitGroup
}

// New builds an IoMux bound to an already-open socket. Call SetPools
// before Start so the reader has somewhere to route inbound traffic.
func New(cfg *config.Config, sock *netlink.Socket) *IoMux {
	m := &IoMux{
		sock:     sock,
		cfg:      cfg,
		outbound: pqueue.New[*frame.Frame](NumBands),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetPools wires the non-owning pool references the reader dispatches
// into. Pools are constructed with a reference to this IoMux (to send
// their own output and BLOCK/UNBLOCK control traffic); IoMux only ever
// sees them through these two narrow interfaces, so neither package
// imports the other.
func (m *IoMux) SetPools(enc PlainReqAckSink, dec EncSink) {
	m.encPool = enc
	m.decPool = dec
}

// Ifindex returns the interface index learned from the kernel's REGISTER
// reply, or 0 before it arrives.
func (m *IoMux) Ifindex() uint32 { return m.ifindex.Load() }

// Start launches the reader and writer goroutines.
func (m *IoMux) Start(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.wg.Add(2)
	go m.readLoop(ctx)
	go m.writeLoop(ctx)
}

// Stop requests shutdown and waits for both goroutines to exit. It drains
// whatever remains in the outbound queue afterwards, releasing every
// reference.
func (m *IoMux) Stop() {
	m.mu.Lock()
	m.running = false
	m.cond.Broadcast()
	m.mu.Unlock()

	// Closing the socket unblocks a reader parked in a blocking recv.
	m.sock.Close()

	m.wg.Wait()

	m.mu.Lock()
	m.outbound.Each(func(f *frame.Frame) { f.Release() })
	m.outbound.Clear()
	m.mu.Unlock()
}

// Enqueue places f on the outbound queue at the given priority band,
// taking ownership of the caller's reference.
func (m *IoMux) Enqueue(band int, f *frame.Frame) {
	m.mu.Lock()
	m.outbound.Push(band, f)
	m.cond.Signal()
	m.mu.Unlock()
}

// Register sends the initial REGISTER message advertising this
// interface and the loss-model parameters the kernel module needs.
func (m *IoMux) Register() {
	f := frame.New(frame.CmdRegister)
	f.PutString(frame.AttrIfname, m.cfg.Interface)
	f.PutU32(frame.AttrEncs, uint32(m.cfg.Encoders))
	f.PutU32(frame.AttrE1, uint32(m.cfg.E1))
	f.PutU32(frame.AttrE2, uint32(m.cfg.E2))
	f.PutU32(frame.AttrE3, uint32(m.cfg.E3))
	m.Enqueue(BandControl, f)
}

// SendBlock and SendUnblock signal encoder-pool slot exhaustion and
// recovery to the kernel.
func (m *IoMux) SendBlock(uid uint16) {
	f := frame.New(frame.CmdBlock)
	f.PutU16(frame.AttrBlock, uid)
	m.Enqueue(BandControl, f)
}

func (m *IoMux) SendUnblock(uid uint16) {
	f := frame.New(frame.CmdUnblock)
	f.PutU16(frame.AttrBlock, uid)
	m.Enqueue(BandControl, f)
}

func (m *IoMux) writeLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for m.running && m.outbound.Empty() {
			m.cond.Wait()
		}
		if !m.running {
			m.mu.Unlock()
			return
		}
		f := m.outbound.Top()
		m.outbound.Pop()
		m.mu.Unlock()

		if f == nil {
			continue
		}

		wire, err := f.Encode(m.sock.FamilyID, m.seq.Add(1), m.sock.PortID(), 0)
		if err != nil {
			nlog.Errorf("iomux: encode frame: %v", err)
			f.Release()
			continue
		}
		if err := m.sock.Send(wire); err != nil {
			nlog.Errorf("iomux: send: %v", err)
		}
		f.Release()
	}
}

func (m *IoMux) readLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		b, err := m.sock.Recv()
		if err != nil {
			m.mu.Lock()
			running := m.running
			m.mu.Unlock()
			if !running {
				return
			}
			nlog.Errorf("iomux: recv: %v", err)
			continue
		}

		f, err := frame.Decode(b)
		if err != nil {
			nlog.Warningf("iomux: malformed inbound message: %v", err)
			continue
		}

		m.dispatch(f)
	}
}

func (m *IoMux) dispatch(f *frame.Frame) {
	switch f.Cmd {
	case frame.CmdRegister:
		if idx, ok := f.GetU32(frame.AttrIfindex); ok {
			m.ifindex.Store(idx)
			nlog.Infoln("iomux: registered, ifindex =", idx)
		}
		f.Release()

	case frame.CmdFrame:
		pt, err := f.PacketType()
		if err != nil {
			nlog.Warningf("iomux: %v", err)
			f.Release()
			return
		}
		switch pt {
		case frame.Plain:
			if m.cfg.Benchmark {
				m.bounceFrame(f)
				return
			}
			if m.encPool != nil {
				m.encPool.AddPlain(f)
				return
			}
			f.Release()
		case frame.Enc:
			if m.decPool != nil {
				m.decPool.AddEnc(f)
				return
			}
			f.Release()
		case frame.Req:
			if m.encPool != nil {
				m.encPool.AddReq(f)
				return
			}
			f.Release()
		case frame.Ack:
			if m.encPool != nil {
				m.encPool.AddAck(f)
				return
			}
			f.Release()
		default:
			f.Release()
		}

	default:
		f.Release()
	}
}

// bounceFrame implements benchmark-mode loopback: re-tag an inbound PLAIN
// frame's payload as a fresh outbound PLAIN frame instead of routing it
// through an encoder.
func (m *IoMux) bounceFrame(in *frame.Frame) {
	defer in.Release()

	payload, ok := in.GetBytes(frame.AttrFrame)
	if !ok {
		return
	}
	out := frame.New(frame.CmdFrame)
	out.PutU32(frame.AttrIfindex, m.Ifindex())
	out.PutU8(frame.AttrType_, uint8(frame.Plain))
	out.PutBytes(frame.AttrFrame, payload)
	m.Enqueue(BandPlain, out)
}
