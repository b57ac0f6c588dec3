package ring

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillReadPeek(t *testing.T) {
	b := New(8)
	n, err := b.Fill(bytes.NewReader([]byte("abcd")))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, b.Available())

	peeked, ok := b.Peek(4)
	require.True(t, ok)
	assert.Equal(t, []byte("abcd"), peeked)
	// peek must not consume
	assert.Equal(t, 4, b.Available())

	got, ok := b.Read(2)
	require.True(t, ok)
	assert.Equal(t, []byte("ab"), got)
	assert.Equal(t, 2, b.Available())
}

func TestReadRefusesShort(t *testing.T) {
	b := New(8)
	_, _ = b.Fill(bytes.NewReader([]byte("ab")))
	_, ok := b.Read(3)
	assert.False(t, ok)
	// available unaffected by a refused read
	assert.Equal(t, 2, b.Available())
}

func TestWrapAround(t *testing.T) {
	b := New(4)
	_, err := b.Fill(bytes.NewReader([]byte("abcd")))
	require.NoError(t, err)
	_, ok := b.Read(1) // consume 'a'; readPos=1, writePos wrapped to 0, used=3
	require.True(t, ok)

	// Free space is 1 byte, sitting at the very front of the backing array
	// (contiguous span buf[0:1]) before the wrap catches up with readPos.
	n, err := b.Fill(bytes.NewReader([]byte("ef")))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 4, b.Available())

	// Buffer is now completely full; a further fill overflows.
	_, err = b.Fill(bytes.NewReader([]byte("g")))
	assert.ErrorIs(t, err, ErrOverflow)

	got, ok := b.Read(4)
	require.True(t, ok)
	assert.Equal(t, []byte("bcde"), got)
}

func TestOverflow(t *testing.T) {
	b := New(4)
	_, err := b.Fill(bytes.NewReader([]byte("abcd")))
	require.NoError(t, err)
	_, err = b.Fill(bytes.NewReader([]byte("e")))
	assert.ErrorIs(t, err, ErrOverflow)
}

type eofReader struct{}

func (eofReader) Read(p []byte) (int, error) { return 0, io.EOF }

func TestFillEOF(t *testing.T) {
	b := New(8)
	n, err := b.Fill(eofReader{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// property: for any interleaving of fill/read/peek with total writes <=
// capacity, available() equals writes-reads and peek never returns bytes
// that have already been read.
func TestAvailableInvariant(t *testing.T) {
	b := New(32)
	written := 0
	read := 0
	data := []byte("the quick brown fox jumps over")
	for len(data) > 0 {
		chunk := data
		if len(chunk) > 5 {
			chunk = chunk[:5]
		}
		data = data[len(chunk):]
		n, err := b.Fill(bytes.NewReader(chunk))
		require.NoError(t, err)
		written += n
		assert.Equal(t, written-read, b.Available())

		if b.Available() >= 2 {
			peeked, ok := b.Peek(2)
			require.True(t, ok)
			got, ok := b.Read(2)
			require.True(t, ok)
			assert.Equal(t, peeked, got)
			read += 2
		}
		assert.Equal(t, written-read, b.Available())
	}
}
