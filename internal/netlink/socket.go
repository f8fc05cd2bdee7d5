// Package netlink wraps the raw AF_NETLINK/NETLINK_GENERIC socket the
// daemon speaks to the "batman_adv" kernel family over, built directly
// on golang.org/x/sys/unix with no cgo or libnl binding.
package netlink

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	genlIDCtrl         = 0x10
	ctrlCmdGetFamily   = 3
	ctrlAttrFamilyID   = 1
	ctrlAttrFamilyName = 2

	// socketBufSize keeps bursts of coded traffic from overrunning the
	// kernel-side queue before the reader catches up.
	socketBufSize = 1 << 20

	// recvBufSize is large enough for any single generic-netlink message
	// this daemon ever sends or receives (frame.MaxSymbolLen-bounded).
	recvBufSize = 1 << 16
)

// Socket is a bound NETLINK_GENERIC socket along with the resolved family
// id for "batman_adv".
type Socket struct {
	fd       int
	portID   uint32
	FamilyID uint16
}

// Open creates, binds, and buffer-sizes a NETLINK_GENERIC socket and
// resolves the "batman_adv" generic-netlink family id against the
// kernel's controller family (GENL_ID_CTRL).
func Open() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_GENERIC)
	if err != nil {
		return nil, errors.Wrap(err, "netlink: socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufSize); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netlink: set send buffer size")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufSize); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netlink: set receive buffer size")
	}

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netlink: bind")
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netlink: getsockname")
	}
	nlAddr, ok := bound.(*unix.SockaddrNetlink)
	if !ok {
		unix.Close(fd)
		return nil, errors.New("netlink: unexpected socket address type")
	}

	s := &Socket{fd: fd, portID: nlAddr.Pid}

	familyID, err := s.resolveFamily("batman_adv")
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	s.FamilyID = familyID

	return s, nil
}

// PortID is this socket's netlink port id, used as the pid field of
// messages this daemon originates.
func (s *Socket) PortID() uint32 { return s.portID }

// Close releases the underlying file descriptor.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// Send writes one fully-encoded netlink message to the kernel.
func (s *Socket) Send(b []byte) error {
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Sendto(s.fd, b, 0, sa); err != nil {
		return errors.Wrap(err, "netlink: sendto")
	}
	return nil
}

// Recv blocks for the next datagram from the kernel and returns its raw
// bytes.
func (s *Socket) Recv() ([]byte, error) {
	buf := make([]byte, recvBufSize)
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return nil, errors.Wrap(err, "netlink: recvfrom")
	}
	return buf[:n], nil
}

// resolveFamily sends CTRL_CMD_GETFAMILY to GENL_ID_CTRL and extracts the
// numeric family id for name from the reply.
func (s *Socket) resolveFamily(name string) (uint16, error) {
	req := buildGetFamilyRequest(s.portID, name)
	if err := s.Send(req); err != nil {
		return 0, errors.Wrap(err, "netlink: send GETFAMILY")
	}

	reply, err := s.Recv()
	if err != nil {
		return 0, errors.Wrap(err, "netlink: recv GETFAMILY reply")
	}

	return parseFamilyID(reply)
}

func buildGetFamilyRequest(portID uint32, name string) []byte {
	nameAttr := nullTerminated(name)
	attrLen := align4(4 + len(nameAttr))
	total := 16 + 4 + attrLen
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], genlIDCtrl)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_ACK)
	binary.LittleEndian.PutUint32(buf[8:12], 1) // seq
	binary.LittleEndian.PutUint32(buf[12:16], portID)

	buf[16] = ctrlCmdGetFamily
	buf[17] = 1 // version

	off := 20
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(4+len(nameAttr)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], ctrlAttrFamilyName)
	copy(buf[off+4:off+4+len(nameAttr)], nameAttr)

	return buf
}

func nullTerminated(s string) []byte {
	return append([]byte(s), 0)
}

func align4(n int) int { return (n + 3) &^ 3 }

// parseFamilyID walks the CTRL_CMD_GETFAMILY reply's attribute stream
// looking for CTRL_ATTR_FAMILY_ID.
func parseFamilyID(b []byte) (uint16, error) {
	if len(b) < 20 {
		return 0, errors.New("netlink: GETFAMILY reply too short")
	}

	off := 20
	for off+4 <= len(b) {
		l := int(binary.LittleEndian.Uint16(b[off : off+2]))
		t := binary.LittleEndian.Uint16(b[off+2 : off+4])
		if l < 4 || off+l > len(b) {
			return 0, errors.New("netlink: malformed attribute in GETFAMILY reply")
		}
		if t == ctrlAttrFamilyID && l >= 6 {
			return binary.LittleEndian.Uint16(b[off+4 : off+6]), nil
		}
		off += align4(l)
	}

	return 0, errors.New("netlink: batman_adv family not found (module not loaded?)")
}
