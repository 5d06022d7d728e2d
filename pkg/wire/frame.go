package wire

import (
	"encoding/binary"
	"errors"
)

// Magic is the fixed first byte of every PVA message header.
const Magic byte = 0xCA

// Version is the protocol minor revision this codec emits.
const Version byte = 1

// HeaderSize is the fixed size, in bytes, of the message header:
// magic, version, flags, command, and a 32-bit payload length.
const HeaderSize = 8

// flagBigEndian is bit 7 of the flags byte: set selects big-endian payload
// length and body for the remainder of the message.
const flagBigEndian byte = 0x80

// MaxUDPPayload bounds the size of the fixed send/receive buffers a UDP
// transport allocates (spec §4.2): the largest payload one UDP datagram
// can carry over IPv4 (65535 minus the 20-byte IP and 8-byte UDP headers).
const MaxUDPPayload = 65507

var (
	// ErrBadMagic is returned by ReadHeader when the leading magic byte does
	// not match Magic. The caller must discard the rest of the datagram.
	ErrBadMagic = errors.New("wire: bad magic byte")

	// ErrTruncatedHeader is returned when fewer than HeaderSize bytes remain.
	ErrTruncatedHeader = errors.New("wire: truncated header")

	// ErrPayloadOverrun is returned when the declared payload length would
	// read past the buffer's limit.
	ErrPayloadOverrun = errors.New("wire: payload exceeds buffer limit")
)

// Header is the decoded form of the 8-byte PVA message header.
type Header struct {
	Version     byte
	Flags       byte
	Command     byte
	PayloadSize int
}

// BigEndian reports whether this header's payload uses big-endian encoding.
func (h Header) BigEndian() bool { return h.Flags&flagBigEndian != 0 }

// hostEndianIsBig reports the host's native byte order, mirroring the
// original transport's EPICS_BYTE_ORDER check in startMessage: the flags
// byte is stamped with the encoder's own order, not a fixed wire order.
func hostEndianIsBig() bool {
	var probe uint16 = 1
	buf := make([]byte, 2)
	binary.NativeEndian.PutUint16(buf, probe)
	return buf[0] == 0
}

// Codec encodes and decodes PVA frames against a single Buffer, tracking the
// start-of-message offset between StartMessage and EndMessage.
type Codec struct {
	lastMessageStart int
}

// StartMessage writes the 8-byte header (magic, version, flags, command, and
// a zero placeholder length) at the buffer's current position and records
// that position so EndMessage can patch the length back in.
//
// ensureCapacity is advisory only; Buffer is fixed-size so it is accepted
// for interface parity with the original API and otherwise ignored.
func (c *Codec) StartMessage(buf *Buffer, command byte, ensureCapacity int) error {
	c.lastMessageStart = buf.Position()

	flags := byte(0x00)
	if hostEndianIsBig() {
		flags = flagBigEndian
	}
	buf.SetByteOrder(orderFor(flags))

	if err := buf.PutByte(Magic); err != nil {
		return err
	}
	if err := buf.PutByte(Version); err != nil {
		return err
	}
	if err := buf.PutByte(flags); err != nil {
		return err
	}
	if err := buf.PutByte(command); err != nil {
		return err
	}
	return buf.PutUint32(0)
}

// EndMessage back-patches the length field written by StartMessage with the
// number of payload bytes written since: position - messageStart - HeaderSize.
func (c *Codec) EndMessage(buf *Buffer) error {
	payloadLen := buf.Position() - c.lastMessageStart - HeaderSize
	return buf.PutUint32At(c.lastMessageStart+4, uint32(payloadLen))
}

// ReadHeader parses one message header at the buffer's current position. On
// success the buffer's byte order is switched to match the header's flags so
// that subsequent reads of the payload use the correct endianness. The
// caller is responsible for checking Remaining() >= HeaderSize first; per
// spec, fewer than 8 remaining bytes ends the per-datagram parse loop
// normally rather than as an error.
func ReadHeader(buf *Buffer) (Header, error) {
	magic, err := buf.GetByte()
	if err != nil {
		return Header{}, ErrTruncatedHeader
	}
	if magic != Magic {
		return Header{}, ErrBadMagic
	}
	version, err := buf.GetByte()
	if err != nil {
		return Header{}, ErrTruncatedHeader
	}
	flags, err := buf.GetByte()
	if err != nil {
		return Header{}, ErrTruncatedHeader
	}
	buf.SetByteOrder(orderFor(flags))

	command, err := buf.GetByte()
	if err != nil {
		return Header{}, ErrTruncatedHeader
	}
	payloadSize, err := buf.GetUint32()
	if err != nil {
		return Header{}, ErrTruncatedHeader
	}

	if buf.Position()+int(payloadSize) > buf.Limit() {
		return Header{}, ErrPayloadOverrun
	}

	return Header{
		Version:     version,
		Flags:       flags,
		Command:     command,
		PayloadSize: int(payloadSize),
	}, nil
}

func orderFor(flags byte) binary.ByteOrder {
	if flags&flagBigEndian != 0 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
