// Package wire implements the fixed-layout message framing used by the PVA
// transport: the 8-byte header, its endianness negotiation, and the
// position/limit buffer that readers and writers operate on.
//
// Buffer follows the same position/limit/flip discipline as the original
// pvAccessCPP ByteBuffer (see original_source/pvAccessApp/remote/blockingUDPTransport.cpp):
// a single backing array is written to up to its limit, flipped to switch
// from writing to reading, and cleared to reset for the next datagram.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when an operation would read or write past the
// buffer's current limit.
var ErrShortBuffer = errors.New("wire: short buffer")

// Buffer is a fixed-capacity byte buffer with NIO-style position/limit
// semantics and a switchable byte order. It is not safe for concurrent use;
// each transport owns exactly one receive buffer and one send buffer.
type Buffer struct {
	data     []byte
	position int
	limit    int
	order    binary.ByteOrder
}

// NewBuffer allocates a Buffer with the given fixed capacity. The buffer
// starts empty and ready for writing (position 0, limit == capacity).
func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		data:  make([]byte, capacity),
		limit: capacity,
		order: binary.LittleEndian,
	}
}

// Capacity returns the total size of the backing array.
func (b *Buffer) Capacity() int { return len(b.data) }

// Position returns the current read/write cursor.
func (b *Buffer) Position() int { return b.position }

// SetPosition moves the cursor to an arbitrary offset within the limit.
func (b *Buffer) SetPosition(pos int) { b.position = pos }

// Limit returns the current limit: writes and reads may not pass it.
func (b *Buffer) Limit() int { return b.limit }

// SetLimit sets a new limit, clamping the position if it now exceeds it.
func (b *Buffer) SetLimit(limit int) {
	b.limit = limit
	if b.position > b.limit {
		b.position = b.limit
	}
}

// Remaining returns the number of bytes between position and limit.
func (b *Buffer) Remaining() int { return b.limit - b.position }

// Clear resets position to zero and limit to capacity, preparing the buffer
// for a fresh sequence of writes (e.g. before a new datagram receive).
func (b *Buffer) Clear() {
	b.position = 0
	b.limit = len(b.data)
}

// Flip sets the limit to the current position and rewinds position to zero,
// switching the buffer from write mode to read mode.
func (b *Buffer) Flip() {
	b.limit = b.position
	b.position = 0
}

// SetByteOrder selects the byte order used by subsequent multi-byte
// operations. The framing codec calls this once per message, driven by the
// endianness flag in the header.
func (b *Buffer) SetByteOrder(order binary.ByteOrder) { b.order = order }

// ByteOrder returns the buffer's current byte order.
func (b *Buffer) ByteOrder() binary.ByteOrder { return b.order }

// Array returns the full backing array, regardless of position or limit.
// Used by the transport to hand the array to recvfrom.
func (b *Buffer) Array() []byte { return b.data }

// Bytes returns the slice between position 0 and the current limit; callers
// typically call this right after Flip.
func (b *Buffer) Bytes() []byte { return b.data[:b.limit] }

func (b *Buffer) advance(n int) (int, error) {
	if b.position+n > b.limit {
		return 0, ErrShortBuffer
	}
	off := b.position
	b.position += n
	return off, nil
}

// PutByte writes a single byte at the current position.
func (b *Buffer) PutByte(v byte) error {
	off, err := b.advance(1)
	if err != nil {
		return err
	}
	b.data[off] = v
	return nil
}

// GetByte reads a single byte at the current position.
func (b *Buffer) GetByte() (byte, error) {
	off, err := b.advance(1)
	if err != nil {
		return 0, err
	}
	return b.data[off], nil
}

// PutUint16 writes a 16-bit value using the buffer's current byte order.
func (b *Buffer) PutUint16(v uint16) error {
	off, err := b.advance(2)
	if err != nil {
		return err
	}
	b.order.PutUint16(b.data[off:], v)
	return nil
}

// GetUint16 reads a 16-bit value using the buffer's current byte order.
func (b *Buffer) GetUint16() (uint16, error) {
	off, err := b.advance(2)
	if err != nil {
		return 0, err
	}
	return b.order.Uint16(b.data[off:]), nil
}

// PutUint32 writes a 32-bit value using the buffer's current byte order.
func (b *Buffer) PutUint32(v uint32) error {
	off, err := b.advance(4)
	if err != nil {
		return err
	}
	b.order.PutUint32(b.data[off:], v)
	return nil
}

// PutUint32At overwrites a 32-bit value at an arbitrary offset without
// disturbing the current position. Used to back-patch the payload length in
// EndMessage.
func (b *Buffer) PutUint32At(offset int, v uint32) error {
	if offset+4 > len(b.data) {
		return ErrShortBuffer
	}
	b.order.PutUint32(b.data[offset:], v)
	return nil
}

// GetUint32 reads a 32-bit value using the buffer's current byte order.
func (b *Buffer) GetUint32() (uint32, error) {
	off, err := b.advance(4)
	if err != nil {
		return 0, err
	}
	return b.order.Uint32(b.data[off:]), nil
}

// PutUint64 writes a 64-bit value using the buffer's current byte order.
func (b *Buffer) PutUint64(v uint64) error {
	off, err := b.advance(8)
	if err != nil {
		return err
	}
	b.order.PutUint64(b.data[off:], v)
	return nil
}

// GetUint64 reads a 64-bit value using the buffer's current byte order.
func (b *Buffer) GetUint64() (uint64, error) {
	off, err := b.advance(8)
	if err != nil {
		return 0, err
	}
	return b.order.Uint64(b.data[off:]), nil
}

// PutBytes copies p into the buffer at the current position.
func (b *Buffer) PutBytes(p []byte) error {
	off, err := b.advance(len(p))
	if err != nil {
		return err
	}
	copy(b.data[off:], p)
	return nil
}

// GetBytes reads n bytes from the current position. The returned slice
// aliases the buffer's backing array; callers that need to retain it past
// the next Clear must copy it.
func (b *Buffer) GetBytes(n int) ([]byte, error) {
	off, err := b.advance(n)
	if err != nil {
		return nil, err
	}
	return b.data[off : off+n], nil
}

// Peek returns the next n bytes without advancing the position, used by
// diagnostic hex-dumps that must not disturb a handler's read cursor.
func (b *Buffer) Peek(n int) ([]byte, error) {
	if b.position+n > b.limit {
		return nil, ErrShortBuffer
	}
	return b.data[b.position : b.position+n], nil
}

// Skip advances the position by n bytes without reading, clamped to the
// range [0, limit].
func (b *Buffer) Skip(n int) {
	pos := b.position + n
	if pos > b.limit {
		pos = b.limit
	}
	if pos < 0 {
		pos = 0
	}
	b.position = pos
}
