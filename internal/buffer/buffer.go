// Package buffer implements a growable byte buffer tailored to the
// incremental encode/decode needs of the AMQP wire codec: callers append
// fixed-width fields while encoding and consume them in the same order
// while decoding, without ever re-allocating the remainder of the slice.
package buffer

import "encoding/binary"

// Buffer is a growable []byte with independent read/write cursors.
//
// The zero value is a valid, empty Buffer.
type Buffer struct {
	b   []byte
	off int // read cursor; b[:off] has already been consumed
}

// New creates a Buffer wrapping b. The buffer takes ownership of b for
// writes; callers that need to retain the original slice should copy it
// first.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Reset discards all buffered data and resets both cursors.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.off = 0
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.off
}

// Size is an alias for Len kept for call sites that read more naturally
// asking for the buffer's size rather than its length.
func (b *Buffer) Size() int {
	return b.Len()
}

// Bytes returns the unread portion of the buffer. The slice is valid
// until the next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.b[b.off:]
}

// Detach returns the unread portion of the buffer and clears the Buffer.
// Ownership of the returned slice transfers to the caller.
func (b *Buffer) Detach() []byte {
	out := b.b[b.off:]
	b.b = nil
	b.off = 0
	return out
}

// ReadByte implements io.ByteReader over the unread portion.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() < 1 {
		return 0, ErrInsufficientData
	}
	c := b.b[b.off]
	b.off++
	return c, nil
}

// PeekByte returns the next unread byte without consuming it.
func (b *Buffer) PeekByte() (byte, bool) {
	if b.Len() < 1 {
		return 0, false
	}
	return b.b[b.off], true
}

// Skip advances the read cursor by n bytes. It reports false if fewer
// than n bytes remain.
func (b *Buffer) Skip(n int) bool {
	if b.Len() < n {
		return false
	}
	b.off += n
	return true
}

// Next returns the next n unread bytes and advances the cursor past them.
// The returned slice aliases the buffer's storage.
func (b *Buffer) Next(n int64) ([]byte, bool) {
	if int64(b.Len()) < n {
		return nil, false
	}
	out := b.b[b.off : b.off+int(n)]
	b.off += int(n)
	return out, true
}

// ReadUint16 reads a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	buf, ok := b.Next(2)
	if !ok {
		return 0, ErrInsufficientData
	}
	return binary.BigEndian.Uint16(buf), nil
}

// ReadUint32 reads a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	buf, ok := b.Next(4)
	if !ok {
		return 0, ErrInsufficientData
	}
	return binary.BigEndian.Uint32(buf), nil
}

// ReadUint64 reads a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	buf, ok := b.Next(8)
	if !ok {
		return 0, ErrInsufficientData
	}
	return binary.BigEndian.Uint64(buf), nil
}

// Write appends p to the buffer.
func (b *Buffer) Write(p []byte) {
	b.b = append(b.b, p...)
}

// WriteString appends s to the buffer without an intermediate copy to
// []byte.
func (b *Buffer) WriteString(s string) {
	b.b = append(b.b, s...)
}

// WriteByte appends a single byte. It always returns a nil error; the
// signature satisfies io.ByteWriter.
func (b *Buffer) WriteByte(c byte) error {
	b.b = append(b.b, c)
	return nil
}

// AppendByte is WriteByte without the io.ByteWriter-shaped error return,
// for call sites that never check it.
func (b *Buffer) AppendByte(c byte) {
	b.b = append(b.b, c)
}

// AppendUint16 appends n big-endian.
func (b *Buffer) AppendUint16(n uint16) {
	b.WriteUint16(n)
}

// AppendUint32 appends n big-endian.
func (b *Buffer) AppendUint32(n uint32) {
	b.WriteUint32(n)
}

// WriteUint16 appends n big-endian.
func (b *Buffer) WriteUint16(n uint16) {
	b.b = append(b.b, byte(n>>8), byte(n))
}

// WriteUint32 appends n big-endian.
func (b *Buffer) WriteUint32(n uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], n)
	b.b = append(b.b, tmp[:]...)
}

// WriteUint64 appends n big-endian.
func (b *Buffer) WriteUint64(n uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], n)
	b.b = append(b.b, tmp[:]...)
}

// ErrInsufficientData is returned whenever a read needs more bytes than
// currently remain buffered. Deframing layers treat it as "need more
// input", not as a parse error.
var ErrInsufficientData = insufficientData{}

type insufficientData struct{}

func (insufficientData) Error() string { return "buffer: insufficient data" }
