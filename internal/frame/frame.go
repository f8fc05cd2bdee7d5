// Package frame models the generic-netlink "batman_adv" family's commands,
// typed attributes, and the reference-counted message envelope carrying
// them between the I/O boundary and the encoder/decoder workers.
package frame

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Command identifies a generic-netlink command on the "batman_adv" family.
type Command uint8

const (
	CmdUnspec   Command = 0
	CmdRegister Command = 1
	CmdFrame    Command = 5
	CmdBlock    Command = 6
	CmdUnblock  Command = 7
)

// AttrType identifies one of the family's typed attributes.
type AttrType uint16

const (
	AttrUnspec AttrType = iota
	AttrIfname
	AttrIfindex
	AttrSrc
	AttrDst
	AttrFrame
	AttrBlock
	AttrInt
	AttrType_ // TYPE attribute; named AttrType_ to avoid shadowing the Go type AttrType
	AttrRank
	AttrSeq
	AttrEncs
	AttrE1
	AttrE2
	AttrE3
	attrMax
)

// PacketType is the payload discriminant carried in the TYPE attribute.
// PacketNum is not itself a packet type: it is the count of real types.
type PacketType uint8

const (
	Plain PacketType = iota
	Enc
	Req
	Ack
	Dec
	PacketNum
)

func (p PacketType) String() string {
	switch p {
	case Plain:
		return "PLAIN"
	case Enc:
		return "ENC"
	case Req:
		return "REQ"
	case Ack:
		return "ACK"
	case Dec:
		return "DEC"
	default:
		return "UNKNOWN"
	}
}

// MaxSymbolLen is the largest decoded symbol length accepted anywhere in
// the pipeline; anything beyond it is a fatal decode error.
const MaxSymbolLen = 1600

// EthAddrLen is the byte length of an Ethernet MAC address (SRC/DST attrs).
const EthAddrLen = 6

// UID packs a slot id and block counter into the 16-bit generation
// identifier peers use to correlate.
func UID(slot, block uint8) uint16 {
	return uint16(slot)<<8 | uint16(block)
}

// SplitUID is the inverse of UID.
func SplitUID(uid uint16) (slot, block uint8) {
	return uint8(uid >> 8), uint8(uid)
}

// Frame is a reference-counted generic-netlink message: one command plus a
// sparse set of typed attributes. Ingress duplicates a reference before
// enqueueing to a worker; the worker releases it after processing; egress
// releases after transmission.
type Frame struct {
	Cmd      Command
	attrs    map[AttrType][]byte
	refcount int32
}

// New creates a Frame with a single reference already held by the caller.
func New(cmd Command) *Frame {
	return &Frame{Cmd: cmd, attrs: make(map[AttrType][]byte), refcount: 1}
}

// Retain adds a reference, returning the same Frame for chaining at call
// sites like `dec.AddEnc(f.Retain())`.
func (f *Frame) Retain() *Frame {
	atomic.AddInt32(&f.refcount, 1)
	return f
}

// Release drops a reference. It returns true when this was the last
// reference; the caller must ensure nothing retains a pointer to f
// afterwards.
func (f *Frame) Release() bool {
	n := atomic.AddInt32(&f.refcount, -1)
	return n <= 0
}

func (f *Frame) RefCount() int32 { return atomic.LoadInt32(&f.refcount) }

func (f *Frame) PutBytes(t AttrType, v []byte) {
	f.attrs[t] = v
}

func (f *Frame) PutU8(t AttrType, v uint8) { f.attrs[t] = []byte{v} }

func (f *Frame) PutU16(t AttrType, v uint16) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	f.attrs[t] = b
}

func (f *Frame) PutU32(t AttrType, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	f.attrs[t] = b
}

func (f *Frame) PutString(t AttrType, s string) {
	f.attrs[t] = append([]byte(s), 0)
}

func (f *Frame) GetBytes(t AttrType) ([]byte, bool) {
	v, ok := f.attrs[t]
	return v, ok
}

func (f *Frame) GetU8(t AttrType) (uint8, bool) {
	v, ok := f.attrs[t]
	if !ok || len(v) < 1 {
		return 0, false
	}
	return v[0], true
}

func (f *Frame) GetU16(t AttrType) (uint16, bool) {
	v, ok := f.attrs[t]
	if !ok || len(v) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(v), true
}

func (f *Frame) GetU32(t AttrType) (uint32, bool) {
	v, ok := f.attrs[t]
	if !ok || len(v) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v), true
}

func (f *Frame) PacketType() (PacketType, error) {
	v, ok := f.GetU8(AttrType_)
	if !ok {
		return 0, errors.New("frame: missing TYPE attribute")
	}
	return PacketType(v), nil
}

// RequireAddrs returns SRC and DST, erroring if either is missing or
// malformed; the caller decides whether to drop the frame and continue.
func (f *Frame) RequireAddrs() (src, dst [EthAddrLen]byte, err error) {
	s, ok := f.GetBytes(AttrSrc)
	if !ok || len(s) != EthAddrLen {
		return src, dst, errors.New("frame: missing or malformed SRC attribute")
	}
	d, ok := f.GetBytes(AttrDst)
	if !ok || len(d) != EthAddrLen {
		return src, dst, errors.New("frame: missing or malformed DST attribute")
	}
	copy(src[:], s)
	copy(dst[:], d)
	return src, dst, nil
}
