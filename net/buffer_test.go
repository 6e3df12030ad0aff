package net

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferAppendRetrieveRoundTrip(t *testing.T) {
	b := NewBuffer()
	require.Equal(t, 0, b.ReadableBytes())
	require.Equal(t, cheapPrepend, b.PrependableBytes())

	b.AppendString("hello world")
	require.Equal(t, "hello world", b.RetrieveAllAsString())
	require.Equal(t, 0, b.ReadableBytes())
}

func TestBufferFixedWidthIntegersRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 255, 65535, 1 << 40} {
		b := NewBuffer()
		b.AppendUint64(v)
		got, err := b.ReadUint64()
		require.NoError(t, err)
		require.Equal(t, v, got)
	}

	b32 := NewBuffer()
	b32.AppendUint32(0xdeadbeef)
	v32, err := b32.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), v32)

	b16 := NewBuffer()
	b16.AppendUint16(0xbeef)
	v16, err := b16.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xbeef), v16)

	b8 := NewBuffer()
	b8.AppendUint8(0xab)
	v8, err := b8.ReadUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(0xab), v8)
}

func TestBufferShortReadReturnsError(t *testing.T) {
	b := NewBuffer()
	b.AppendUint8(1)
	_, err := b.ReadUint32()
	require.ErrorIs(t, err, errShortBuffer)
}

func TestBufferPrepend(t *testing.T) {
	b := NewBuffer()
	b.AppendString("world")
	b.Prepend([]byte("hello "))
	require.Equal(t, "hello world", b.RetrieveAllAsString())
}

func TestBufferGrowthCompactsWhenPrependableExceedsReserve(t *testing.T) {
	b := NewBufferSize(16)
	b.AppendString("0123456789") // readable=10, writable=6
	b.Retrieve(8)                // readable=2, but prependable is still cheapPrepend+8

	before := len(b.buf)
	b.Append(make([]byte, 4)) // 4 <= writable(6): no growth/compaction triggered
	require.Equal(t, before, len(b.buf))

	// Now force a compaction: writable(2) < needed, but slack covers it.
	b.Append(make([]byte, 8))
	require.Equal(t, cheapPrepend, b.PrependableBytes())
}

func TestBufferFindCRLFAndEOL(t *testing.T) {
	b := NewBuffer()
	b.AppendString("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	idx := b.FindCRLF()
	require.Equal(t, 14, idx)
	require.Equal(t, 15, b.FindEOL())
}
