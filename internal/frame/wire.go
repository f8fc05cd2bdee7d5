package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	nlMsgHdrLen   = 16 // unix.NlMsghdr: Len,Type,Flags,Seq,Pid
	genlMsgHdrLen = 4  // Cmd, Version, Reserved(2)
	nlaHdrLen     = 4  // Len, Type
)

func align4(n int) int { return (n + 3) &^ 3 }

// Encode serializes f as one generic-netlink message: nlmsghdr + genlmsghdr
// + 4-byte-aligned TLV attributes. family is the resolved "batman_adv"
// family id, seq/pid identify this message on the socket; the daemon
// always uses its own port id as pid.
func (f *Frame) Encode(family uint16, seq, pid uint32, flags uint16) ([]byte, error) {
	// order doesn't matter on the wire, but a stable order keeps Encode
	// deterministic for tests.
	order := []AttrType{
		AttrIfname, AttrIfindex, AttrSrc, AttrDst, AttrFrame, AttrBlock,
		AttrInt, AttrType_, AttrRank, AttrSeq, AttrEncs, AttrE1, AttrE2, AttrE3,
	}

	attrsLen := 0
	for _, t := range order {
		if v, ok := f.attrs[t]; ok {
			attrsLen += align4(nlaHdrLen + len(v))
		}
	}

	total := nlMsgHdrLen + genlMsgHdrLen + attrsLen
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], family)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], pid)

	buf[16] = byte(f.Cmd)
	buf[17] = 1 // version
	// buf[18:20] reserved, left zero

	off := nlMsgHdrLen + genlMsgHdrLen
	for _, t := range order {
		v, ok := f.attrs[t]
		if !ok {
			continue
		}
		l := nlaHdrLen + len(v)
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(l))
		binary.LittleEndian.PutUint16(buf[off+2:off+4], uint16(t))
		copy(buf[off+4:off+4+len(v)], v)
		off += align4(l)
	}

	return buf, nil
}

// Decode parses one generic-netlink message produced by Encode (or by the
// kernel module on the other end) back into a Frame with a single
// reference held by the caller.
func Decode(b []byte) (*Frame, error) {
	if len(b) < nlMsgHdrLen+genlMsgHdrLen {
		return nil, errors.New("frame: message shorter than header")
	}

	msgs, err := unix.ParseNetlinkMessage(b)
	if err != nil {
		return nil, errors.Wrap(err, "frame: parse netlink message")
	}
	if len(msgs) == 0 {
		return nil, errors.New("frame: empty netlink message set")
	}
	msg := msgs[0]

	if len(msg.Data) < genlMsgHdrLen {
		return nil, errors.New("frame: genetlink header truncated")
	}
	cmd := Command(msg.Data[0])

	rtattrs, err := parseGenlAttrs(msg.Data[genlMsgHdrLen:])
	if err != nil {
		return nil, err
	}

	f := New(cmd)
	for t, v := range rtattrs {
		f.attrs[t] = v
	}
	return f, nil
}

// parseGenlAttrs walks the TLV attribute stream following a genlmsghdr.
// unix.ParseNetlinkRouteAttr expects a full NetlinkMessage with the
// attribute stream as its Data; we hand-roll the same 4-byte-aligned TLV
// walk here directly since only the payload (not a full rtnetlink message)
// is available at this point.
func parseGenlAttrs(b []byte) (map[AttrType][]byte, error) {
	out := make(map[AttrType][]byte)
	for len(b) > 0 {
		if len(b) < nlaHdrLen {
			return nil, errors.New("frame: truncated attribute header")
		}
		l := int(binary.LittleEndian.Uint16(b[0:2]))
		t := AttrType(binary.LittleEndian.Uint16(b[2:4]))
		if l < nlaHdrLen || l > len(b) {
			return nil, errors.New("frame: invalid attribute length")
		}
		out[t] = append([]byte(nil), b[nlaHdrLen:l]...)
		adv := align4(l)
		if adv > len(b) {
			adv = len(b)
		}
		b = b[adv:]
	}
	return out, nil
}
