package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCombineRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		size int
	}{
		{"empty", nil, DefaultSize},
		{"single byte", []byte{0x42}, DefaultSize},
		{"exactly one chunk", bytes.Repeat([]byte{1}, 1024), 1024},
		{"two chunks", bytes.Repeat([]byte{2}, 1025), 1024},
		{"publish-retrieve scenario", []byte(strings.Repeat("hello world", 400_000/11+1))[:400_000], 1 << 20},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunks, err := Split(tc.data, tc.size)
			require.NoError(t, err)

			out, err := Combine(chunks)
			require.NoError(t, err)
			assert.True(t, Equal(tc.data, out))
		})
	}
}

func TestSplitFiveChunkScenario(t *testing.T) {
	// a buffer spanning 4 full 1 MiB chunks plus a partial remainder
	// splits into exactly 5 chunks
	size := 4*(1<<20) + 600_000
	big := bytes.Repeat([]byte("x"), size)

	chunks, err := Split(big, 1<<20)
	require.NoError(t, err)
	require.Len(t, chunks, 5)
	for i := 0; i < 4; i++ {
		assert.Equal(t, 1<<20, chunks[i].Size)
	}
	assert.Less(t, chunks[4].Size, 1<<20)

	sum := sha256.Sum256(big)
	checksum, err := ChecksumAll(chunks)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), checksum)
}

func TestCombineRejectsTamperedChunk(t *testing.T) {
	chunks, err := Split(bytes.Repeat([]byte{7}, 2048), 1024)
	require.NoError(t, err)
	chunks[0].Data[0] ^= 0xFF

	_, err = Combine(chunks)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCombineRejectsGap(t *testing.T) {
	chunks, err := Split(bytes.Repeat([]byte{7}, 3072), 1024)
	require.NoError(t, err)
	chunks = append(chunks[:1], chunks[2:]...)

	_, err = Combine(chunks)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestVerify(t *testing.T) {
	chunks, err := Split([]byte("content"), DefaultSize)
	require.NoError(t, err)

	assert.NoError(t, Verify(chunks[0].Data, chunks[0].Descriptor))

	bad := append([]byte(nil), chunks[0].Data...)
	bad[0] ^= 1
	assert.ErrorIs(t, Verify(bad, chunks[0].Descriptor), ErrValidation)
}

func TestStreamingVerifier(t *testing.T) {
	data := []byte("some chunk payload")
	sum := sha256.Sum256(data)
	v := NewStreamingVerifier(hex.EncodeToString(sum[:]))

	_, err := v.Write(data[:5])
	require.NoError(t, err)
	_, err = v.Write(data[5:])
	require.NoError(t, err)

	assert.True(t, v.Finalize())
	assert.Equal(t, VerificationPassed, v.Status())
	assert.Equal(t, int64(len(data)), v.BytesProcessed())

	_, err = v.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestStreamingVerifierFailure(t *testing.T) {
	v := NewStreamingVerifier(strings.Repeat("0", 64))
	_, _ = v.Write([]byte("wrong data"))
	assert.False(t, v.Finalize())
	assert.Equal(t, VerificationFailed, v.Status())
}
