package net

import (
	"bytes"
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// Buffer is a growable byte container with front/back cursors, modeled
// on fishnet/net/buffer.h (itself modeled on Netty's ChannelBuffer):
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0     <=      readerIndex   <=   writerIndex    <=     len(buf)
//
// A Buffer is not safe for concurrent use; every TcpConnection owns
// exactly one input and one output Buffer, both touched only from the
// connection's io loop.
type Buffer struct {
	buf    []byte
	reader int
	writer int
}

const (
	cheapPrepend = 8
	initialSize  = 1024

	// extraBufSize is the scratch area readFd scatters overflow reads
	// into when the buffer's writable region can't absorb a burst in
	// one syscall.
	extraBufSize = 65536
)

// NewBuffer returns an empty Buffer with the default initial capacity.
func NewBuffer() *Buffer {
	return NewBufferSize(initialSize)
}

// NewBufferSize returns an empty Buffer with at least the given
// writable capacity.
func NewBufferSize(size int) *Buffer {
	return &Buffer{
		buf:    make([]byte, cheapPrepend+size),
		reader: cheapPrepend,
		writer: cheapPrepend,
	}
}

// ReadableBytes returns the number of bytes available to Peek/Retrieve.
func (b *Buffer) ReadableBytes() int { return b.writer - b.reader }

// WritableBytes returns the number of bytes available to Append without
// growing the buffer.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writer }

// PrependableBytes returns the number of bytes available to Prepend.
func (b *Buffer) PrependableBytes() int { return b.reader }

// Peek returns the readable region without advancing the read cursor.
// The returned slice aliases the buffer; callers must not retain it
// across a mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.reader:b.writer] }

// beginWrite returns the writable region's start.
func (b *Buffer) beginWrite() []byte { return b.buf[b.writer:] }

// Retrieve advances the read cursor by n. If the cursors meet, both
// reset to the prepend reserve to reclaim space, matching
// fishnet's retrieveAll-on-drain behavior.
func (b *Buffer) Retrieve(n int) {
	if n > b.ReadableBytes() {
		panic("fishnet: Buffer.Retrieve: n exceeds readable bytes")
	}
	if n < b.ReadableBytes() {
		b.reader += n
	} else {
		b.RetrieveAll()
	}
}

// RetrieveAll resets both cursors to the start of the readable region.
func (b *Buffer) RetrieveAll() {
	b.reader = cheapPrepend
	b.writer = cheapPrepend
}

// RetrieveAllAsString drains the entire readable region as a string.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAsString drains n readable bytes as a string.
func (b *Buffer) RetrieveAsString(n int) string {
	s := string(b.buf[b.reader : b.reader+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllAsBytes drains the entire readable region as an owned copy.
func (b *Buffer) RetrieveAllAsBytes() []byte {
	out := make([]byte, b.ReadableBytes())
	copy(out, b.Peek())
	b.RetrieveAll()
	return out
}

// FindCRLF returns the offset (from the start of the readable region)
// of the first "\r\n", or -1 if absent.
func (b *Buffer) FindCRLF() int {
	idx := bytes.Index(b.Peek(), []byte("\r\n"))
	return idx
}

// FindEOL returns the offset (from the start of the readable region) of
// the first '\n', or -1 if absent.
func (b *Buffer) FindEOL() int {
	return bytes.IndexByte(b.Peek(), '\n')
}

// Append copies data into the writable region, growing the buffer per
// the policy in ensureWritable if necessary.
func (b *Buffer) Append(data []byte) {
	b.ensureWritable(len(data))
	n := copy(b.beginWrite(), data)
	b.writer += n
}

// AppendString is a convenience wrapper around Append.
func (b *Buffer) AppendString(s string) {
	b.Append([]byte(s))
}

// ensureWritable grows or compacts the buffer so at least len bytes are
// writable. Growth policy (spec.md §4.1): if the combined writable and
// prependable slack already covers len plus the cheap-prepend reserve,
// compact in place by sliding the readable region down to the prepend
// boundary; otherwise grow to exactly writer+len.
func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.WritableBytes()+b.PrependableBytes() >= n+cheapPrepend {
		readable := b.ReadableBytes()
		copy(b.buf[cheapPrepend:], b.buf[b.reader:b.writer])
		b.reader = cheapPrepend
		b.writer = b.reader + readable
	} else {
		grown := make([]byte, b.writer+n)
		copy(grown, b.buf[:b.writer])
		b.buf = grown
	}
}

// Prepend writes data just before the current readable region,
// requiring len(data) <= PrependableBytes.
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic("fishnet: Buffer.Prepend: not enough prependable space")
	}
	b.reader -= len(data)
	copy(b.buf[b.reader:], data)
}

// Fixed-width network-order integer helpers, widths 8/16/32/64.

func (b *Buffer) AppendUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.Append(tmp[:])
}

func (b *Buffer) AppendUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Append(tmp[:])
}

func (b *Buffer) AppendUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.Append(tmp[:])
}

func (b *Buffer) AppendUint8(v uint8) {
	b.Append([]byte{v})
}

var errShortBuffer = errors.New("fishnet: Buffer: not enough readable bytes")

func (b *Buffer) PeekUint64() (uint64, error) {
	if b.ReadableBytes() < 8 {
		return 0, errShortBuffer
	}
	return binary.BigEndian.Uint64(b.Peek()[:8]), nil
}

func (b *Buffer) PeekUint32() (uint32, error) {
	if b.ReadableBytes() < 4 {
		return 0, errShortBuffer
	}
	return binary.BigEndian.Uint32(b.Peek()[:4]), nil
}

func (b *Buffer) PeekUint16() (uint16, error) {
	if b.ReadableBytes() < 2 {
		return 0, errShortBuffer
	}
	return binary.BigEndian.Uint16(b.Peek()[:2]), nil
}

func (b *Buffer) PeekUint8() (uint8, error) {
	if b.ReadableBytes() < 1 {
		return 0, errShortBuffer
	}
	return b.Peek()[0], nil
}

func (b *Buffer) ReadUint64() (uint64, error) {
	v, err := b.PeekUint64()
	if err != nil {
		return 0, err
	}
	b.Retrieve(8)
	return v, nil
}

func (b *Buffer) ReadUint32() (uint32, error) {
	v, err := b.PeekUint32()
	if err != nil {
		return 0, err
	}
	b.Retrieve(4)
	return v, nil
}

func (b *Buffer) ReadUint16() (uint16, error) {
	v, err := b.PeekUint16()
	if err != nil {
		return 0, err
	}
	b.Retrieve(2)
	return v, nil
}

func (b *Buffer) ReadUint8() (uint8, error) {
	v, err := b.PeekUint8()
	if err != nil {
		return 0, err
	}
	b.Retrieve(1)
	return v, nil
}

// ReadFd performs a scatter read into the buffer's writable region plus
// a stack-sized auxiliary buffer, so that one syscall can absorb a
// burst exceeding the current writable region (spec.md §4.1). It
// returns read(2)/readv(2) semantics: n>0 bytes read, n==0 peer closed,
// n<0 with err set on failure (EAGAIN included, same as raw read).
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extra [extraBufSize]byte
	writable := b.WritableBytes()

	iovs := make([][]byte, 0, 2)
	iovs = append(iovs, b.buf[b.writer:])
	iovs = append(iovs, extra[:])

	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return -1, err
	}
	if n <= writable {
		b.writer += n
	} else {
		b.writer = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}
