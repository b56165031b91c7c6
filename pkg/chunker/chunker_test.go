package chunker

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_TwentyBytesByEight(t *testing.T) {
	src := []byte("abcdefghijklmnopqrst")
	chunks, err := Split(bytes.NewReader(src), 8)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	var sizes, indexes []int
	for _, c := range chunks {
		sizes = append(sizes, len(c.Data))
		indexes = append(indexes, c.Index)
	}
	assert.Equal(t, []int{8, 8, 4}, sizes)
	assert.Equal(t, []int{0, 1, 2}, indexes)
	assert.Equal(t, 3, Count(20, 8))
}

func TestSplit_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name      string
		size      int
		chunkSize int64
	}{
		{"exact multiple", 64, 16},
		{"remainder", 100, 7},
		{"smaller than chunk", 5, 32},
		{"single byte chunks", 9, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := make([]byte, tc.size)
			_, _ = rand.Read(src)

			// OneByteReader 确保切分不依赖单次 Read 的返回长度。
			chunks, err := Split(iotest.OneByteReader(bytes.NewReader(src)), tc.chunkSize)
			require.NoError(t, err)
			assert.Len(t, chunks, Count(int64(tc.size), tc.chunkSize))

			var out bytes.Buffer
			for i, c := range chunks {
				assert.Equal(t, i, c.Index)
				assert.NotEmpty(t, c.Data)
				if i < len(chunks)-1 {
					assert.Len(t, c.Data, int(tc.chunkSize))
				}
				out.Write(c.Data)
			}
			assert.Equal(t, src, out.Bytes())
		})
	}
}

func TestSplit_Deterministic(t *testing.T) {
	src := bytes.Repeat([]byte("tgstate"), 50)
	a, err := Split(bytes.NewReader(src), 13)
	require.NoError(t, err)
	b, err := Split(bytes.NewReader(src), 13)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSplitter_EmptyInput(t *testing.T) {
	s, err := NewSplitter(bytes.NewReader(nil), 8)
	require.NoError(t, err)
	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, Count(0, 8))
}

func TestSplitter_InvalidChunkSize(t *testing.T) {
	_, err := NewSplitter(bytes.NewReader([]byte("x")), 0)
	assert.ErrorIs(t, err, ErrInvalidChunkSize)
}

func TestSplitter_ReadError(t *testing.T) {
	boom := errors.New("boom")
	s, err := NewSplitter(iotest.ErrReader(boom), 4)
	require.NoError(t, err)
	_, err = s.Next()
	assert.ErrorIs(t, err, boom)
}
